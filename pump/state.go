package pump

import (
	"fmt"
	"time"
)

type Status int

const (
	StatusUnknown Status = iota
	StatusOnline
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is the cached view of one controller. Enabled and Fault are nil
// until read from the device or set by a command.
type State struct {
	Address     byte      `json:"address"`
	Status      Status    `json:"-"`
	Online      bool      `json:"online"`
	Enabled     *bool     `json:"enabled,omitempty"`
	Speed       int16     `json:"speed"`
	Fault       *uint8    `json:"fault,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
	LastCommand string    `json:"last_command,omitempty"`
	Note        string    `json:"note,omitempty"`
	Failures    int       `json:"failures"`
}

func (s State) clone() State {
	if s.Enabled != nil {
		v := *s.Enabled
		s.Enabled = &v
	}
	if s.Fault != nil {
		v := *s.Fault
		s.Fault = &v
	}
	return s
}
