package serial

import (
	"errors"
	"fmt"
	"github.com/jt05610/echemlab"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"io"
	"slices"
	"strings"
	"time"
)

// Bauds lists the rates the pump controllers accept.
var Bauds = []int{9600, 19200, 38400, 57600, 115200}

const (
	DefaultBaud        = 38400
	DefaultReadTimeout = 50 * time.Millisecond
)

var ErrNoPort = errors.New("no port found")

// Port is what the bus driver needs from an open line. Read must return
// (0, nil) when the read timeout elapses.
type Port interface {
	io.ReadWriteCloser
}

type serialPort struct {
	serial.Port
}

func (p *serialPort) Close() error {
	_ = p.Port.ResetOutputBuffer()
	return p.Port.Close()
}

func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

type PortInfo struct {
	Name         string
	VID          string
	PID          string
	SerialNumber string
	IsUSB        bool
}

func DetailedPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	ret := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		ret = append(ret, PortInfo{
			Name:         p.Name,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			IsUSB:        p.IsUSB,
		})
	}
	return ret, nil
}

// FindPort returns the first USB port matching vid and pid. An empty vid
// matches any vendor.
func FindPort(vid, pid string) (string, error) {
	ports, err := DetailedPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if !strings.EqualFold(p.PID, pid) {
			continue
		}
		if vid == "" || strings.EqualFold(p.VID, vid) {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("%w: vid=%s pid=%s", ErrNoPort, vid, pid)
}

func ValidBaud(baud int) bool {
	return slices.Contains(Bauds, baud)
}

// Mode returns the 8-N-2 line settings used on the pump bus.
func Mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.TwoStopBits,
	}
}

// OpenPort opens name at baud with 8-N-2 framing and a short read timeout so
// the reader loop stays responsive to Close.
func OpenPort(name string, baud int, readTimeout time.Duration) (Port, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: %w", echemlab.ErrPort, ErrNoPort)
	}
	if !ValidBaud(baud) {
		return nil, fmt.Errorf("%w: unsupported baud %d", echemlab.ErrPort, baud)
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	p, err := serial.Open(name, Mode(baud))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", echemlab.ErrPort, name, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("%w: %w", echemlab.ErrPort, err)
	}
	_ = p.ResetInputBuffer()
	return &serialPort{Port: p}, nil
}
