package protocol

import "errors"

var (
	ErrInvalidVLQ     = errors.New("invalid VLQ encoding")
	ErrBufferTooSmall = errors.New("buffer too small for VLQ")
)

// vlqMaxBytes bounds one encoded value (32 bits in 7-bit groups)
const vlqMaxBytes = 5

// AppendVLQUint appends v as the channel prefix of a bench link frame: 7-bit
// groups, most significant first, continuation in bit 7. Values are sign
// extended from the first group, so a single byte carries 0..95.
func AppendVLQUint(dst []byte, v uint32) []byte {
	sv := int32(v)
	for shift := 28; shift >= 7; shift -= 7 {
		bound := int32(1) << (shift - 2)
		if sv < -bound || sv >= 3*bound {
			dst = append(dst, byte(sv>>shift)&0x7F|0x80)
		}
	}
	return append(dst, byte(sv)&0x7F)
}

// EncodeVLQUint writes the encoding of v to output
func EncodeVLQUint(output OutputBuffer, v uint32) {
	var tmp [vlqMaxBytes]byte
	output.Output(AppendVLQUint(tmp[:0], v))
}

// DecodeVLQUint reads one value from the front of *data and advances it.
// On error *data is left untouched.
func DecodeVLQUint(data *[]byte) (uint32, error) {
	buf := *data
	if len(buf) == 0 {
		return 0, ErrBufferTooSmall
	}

	c := buf[0]
	v := uint32(c & 0x7F)
	if c&0x60 == 0x60 {
		v |= ^uint32(0x1F)
	}
	i := 1
	for ; c&0x80 != 0; i++ {
		if i >= vlqMaxBytes {
			return 0, ErrInvalidVLQ
		}
		if i >= len(buf) {
			return 0, ErrBufferTooSmall
		}
		c = buf[i]
		v = v<<7 | uint32(c&0x7F)
	}
	*data = buf[i:]
	return v, nil
}
