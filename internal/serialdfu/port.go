package serialdfu

import (
	"time"

	"github.com/tarm/serial"
)

// Open opens and flushes a serial port for the loader.
func Open(name string, baud int, readTimeout time.Duration) (*serial.Port, error) {
	c := &serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
	}

	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, err
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}
