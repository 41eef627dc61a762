package serial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickDevice(t *testing.T) {
	tests := []struct {
		name    string
		ports   []PortInfo
		want    string
		wantErr error
	}{
		{
			name:    "no ports",
			wantErr: ErrNoPorts,
		},
		{
			name: "adafruit wins over other usb",
			ports: []PortInfo{
				{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403"},
				{Name: "/dev/ttyACM0", IsUSB: true, VID: AdafruitVID},
			},
			want: "/dev/ttyACM0",
		},
		{
			name: "single usb port without adafruit id",
			ports: []PortInfo{
				{Name: "/dev/ttyS0"},
				{Name: "/dev/ttyACM1", IsUSB: true, VID: "1209"},
			},
			want: "/dev/ttyACM1",
		},
		{
			name: "two adafruit boards",
			ports: []PortInfo{
				{Name: "COM3", IsUSB: true, VID: AdafruitVID},
				{Name: "COM4", IsUSB: true, VID: AdafruitVID},
			},
			wantErr: ErrAmbiguous,
		},
		{
			name: "two unknown usb ports",
			ports: []PortInfo{
				{Name: "COM3", IsUSB: true},
				{Name: "COM4", IsUSB: true},
			},
			wantErr: ErrAmbiguous,
		},
		{
			name:    "only legacy ports",
			ports:   []PortInfo{{Name: "/dev/ttyS0"}, {Name: "/dev/ttyS1"}},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PickDevice(tt.ports)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenWithoutPath(t *testing.T) {
	_, err := Open("")
	assert.ErrorIs(t, err, ErrNotFound)
}
