package serial

import (
	"errors"
	"github.com/jt05610/echemlab"
	"go.bug.st/serial"
	"testing"
	"time"
)

func TestMode(t *testing.T) {
	m := Mode(38400)
	if m.BaudRate != 38400 || m.DataBits != 8 || m.Parity != serial.NoParity || m.StopBits != serial.TwoStopBits {
		t.Fatalf("unexpected mode %+v", m)
	}
}

func TestValidBaud(t *testing.T) {
	for _, tc := range []struct {
		baud  int
		valid bool
	}{
		{9600, true},
		{38400, true},
		{115200, true},
		{14400, false},
		{0, false},
	} {
		if got := ValidBaud(tc.baud); got != tc.valid {
			t.Errorf("baud %d: expected %v, got %v", tc.baud, tc.valid, got)
		}
	}
}

func TestOpenPortRejects(t *testing.T) {
	if _, err := OpenPort("", 38400, time.Millisecond); !errors.Is(err, echemlab.ErrPort) {
		t.Fatalf("expected port error, got %v", err)
	}
	if _, err := OpenPort("/dev/null-pump", 1234, time.Millisecond); !errors.Is(err, echemlab.ErrPort) {
		t.Fatalf("expected port error, got %v", err)
	}
}
