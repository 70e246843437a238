package echemlab

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds shared by every layer. Wrap them, never compare strings.
var (
	ErrPort          = errors.New("port error")
	ErrFraming       = errors.New("framing error")
	ErrChecksum      = errors.New("checksum error")
	ErrTimeout       = errors.New("timeout")
	ErrDeviceOffline = errors.New("device offline")
	ErrValidation    = errors.New("validation error")
	ErrCancelled     = errors.New("cancelled")
	ErrInstrument    = errors.New("instrument error")
)

// BusError describes a failed bus transaction.
type BusError struct {
	Op   string
	Addr byte
	Cmd  byte
	Kind error
	Err  error
}

func (e *BusError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Addr != 0 {
		fmt.Fprintf(&sb, " addr=%d", e.Addr)
	}
	if e.Cmd != 0 {
		fmt.Fprintf(&sb, " cmd=0x%02X", e.Cmd)
	}
	if e.Kind != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Kind.Error())
	}
	if e.Err != nil && e.Err != e.Kind {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *BusError) Unwrap() []error {
	ret := make([]error, 0, 2)
	if e.Kind != nil {
		ret = append(ret, e.Kind)
	}
	if e.Err != nil {
		ret = append(ret, e.Err)
	}
	return ret
}

func NewBusError(op string, addr, cmd byte, kind, err error) *BusError {
	return &BusError{Op: op, Addr: addr, Cmd: cmd, Kind: kind, Err: err}
}

type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Issue is a single validation finding. Step is -1 when the finding is not
// tied to a program step.
type Issue struct {
	Severity Severity
	Step     int
	Field    string
	Message  string
}

func (i Issue) Error() string {
	var sb strings.Builder
	sb.WriteString(i.Severity.String())
	if i.Step >= 0 {
		fmt.Fprintf(&sb, ": step %d", i.Step)
	}
	if i.Field != "" {
		sb.WriteString(": ")
		sb.WriteString(i.Field)
	}
	sb.WriteString(": ")
	sb.WriteString(i.Message)
	return sb.String()
}

// Issues aggregates validation findings. It is returned as an error only when
// it contains at least one SeverityError entry.
type Issues []Issue

func (is *Issues) Errorf(step int, field, format string, args ...any) {
	*is = append(*is, Issue{Severity: SeverityError, Step: step, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (is *Issues) Warnf(step int, field, format string, args ...any) {
	*is = append(*is, Issue{Severity: SeverityWarning, Step: step, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (is Issues) HasErrors() bool {
	for _, i := range is {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (is Issues) filter(sev Severity) Issues {
	ret := make(Issues, 0)
	for _, i := range is {
		if i.Severity == sev {
			ret = append(ret, i)
		}
	}
	return ret
}

func (is Issues) Warnings() Issues {
	return is.filter(SeverityWarning)
}

func (is Issues) Errors() Issues {
	return is.filter(SeverityError)
}

func (is Issues) Error() string {
	msgs := make([]string, 0, len(is))
	for _, i := range is {
		msgs = append(msgs, i.Error())
	}
	return strings.Join(msgs, "\n")
}

func (is Issues) Unwrap() error {
	return ErrValidation
}

// Err returns nil when there are no error-severity findings.
func (is Issues) Err() error {
	if is.HasErrors() {
		return is
	}
	return nil
}
