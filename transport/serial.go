// Package transport opens the byte streams a programming session runs
// over. The protocol engine itself only sees an io.Reader and io.Writer;
// this package supplies the serial-port flavor, which covers both real
// UARTs and Bluetooth RFCOMM devices exposed as serial nodes.
package transport

import (
	"fmt"

	"go.bug.st/serial"
)

// DefaultBaudRate matches the Optiboot bootloader's UART speed.
const DefaultBaudRate = 115200

// OpenSerial opens the serial device at path with the given baud rate and
// 8N1 framing. Closing the returned port is what finally releases a
// reader pump blocked in Read.
func OpenSerial(path string, baud int) (serial.Port, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}

	return port, nil
}

// List returns the names of the serial ports present on the system.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	return ports, nil
}
