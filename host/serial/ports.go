package serial

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// AdafruitVID is the USB vendor id of the Feather bootloader and TinyGo CDC
const AdafruitVID = "239A"

var (
	ErrNoPorts   = errors.New("no serial ports found")
	ErrAmbiguous = errors.New("more than one candidate port")
	ErrNotFound  = errors.New("no ByteFlusher serial port found")
)

// PortInfo describes one serial port
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts enumerates serial ports with their USB identity
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get ports list: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          strings.ToUpper(d.VID),
			PID:          strings.ToUpper(d.PID),
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

// FindDevice returns the single port that looks like a ByteFlusher
func FindDevice() (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	return PickDevice(ports)
}

// PickDevice chooses the ByteFlusher port among ports: the only port with the
// Adafruit vendor id, or the only USB port if none carries it
func PickDevice(ports []PortInfo) (string, error) {
	if len(ports) == 0 {
		return "", ErrNoPorts
	}

	var adafruit, usb []string
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		usb = append(usb, p.Name)
		if p.VID == AdafruitVID {
			adafruit = append(adafruit, p.Name)
		}
	}

	switch {
	case len(adafruit) == 1:
		return adafruit[0], nil
	case len(adafruit) > 1:
		return "", fmt.Errorf("%w: %s", ErrAmbiguous, strings.Join(adafruit, ", "))
	case len(usb) == 1:
		return usb[0], nil
	case len(usb) > 1:
		return "", fmt.Errorf("%w: %s", ErrAmbiguous, strings.Join(usb, ", "))
	}
	return "", ErrNotFound
}
