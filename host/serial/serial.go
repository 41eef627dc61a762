// Package serial opens and finds the serial port carrying the bench link
package serial

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// BenchBaud is the UART rate of the bench link. USB CDC ignores it.
const BenchBaud = 115200

// readTimeout keeps the link's reader loop responsive to Close
const readTimeout = 100 * time.Millisecond

// Port is the byte stream under a bench link
type Port interface {
	io.ReadWriteCloser

	// Flush drops input the driver buffered before the link started
	Flush() error
}

type benchPort struct {
	*serial.Port
}

// Open opens the bench link port at path
func Open(path string) (Port, error) {
	if path == "" {
		return nil, ErrNotFound
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        path,
		Baud:        BenchBaud,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return benchPort{port}, nil
}

// Read reports a read timeout, which tarm surfaces as io.EOF, as an empty read
func (p benchPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}
