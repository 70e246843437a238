package echemlab

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	MinAddress = 1
	MaxAddress = 12
)

type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Sign is +1 for Forward and -1 for Reverse.
func (d Direction) Sign() int {
	if d == Reverse {
		return -1
	}
	return 1
}

func (d Direction) Opposite() Direction {
	if d == Reverse {
		return Forward
	}
	return Reverse
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "forward", "fwd", "cw", "infuse":
		return Forward, nil
	case "reverse", "rev", "ccw", "withdraw":
		return Reverse, nil
	default:
		return Forward, fmt.Errorf("%w: unknown direction %q", ErrValidation, s)
	}
}

func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var i int
		if err := json.Unmarshal(b, &i); err != nil {
			return err
		}
		*d = Direction(i)
		return nil
	}
	v, err := ParseDirection(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Role is the job a pump performs in the wash/transfer/drain cycle.
type Role int

const (
	RoleNone Role = iota
	RoleInlet
	RoleTransfer
	RoleOutlet
)

var roles = []string{
	RoleNone:     "",
	RoleInlet:    "inlet",
	RoleTransfer: "transfer",
	RoleOutlet:   "outlet",
}

func (r Role) String() string {
	if int(r) < len(roles) {
		return roles[r]
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// FlushRoles is the fixed phase order of a flush cycle.
var FlushRoles = []Role{RoleInlet, RoleTransfer, RoleOutlet}

func ParseRole(s string) (Role, error) {
	for i, name := range roles {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return Role(i), nil
		}
	}
	return RoleNone, fmt.Errorf("%w: unknown role %q", ErrValidation, s)
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Addresses returns the inclusive address range [from, to].
func Addresses(from, to byte) []byte {
	if to < from {
		return nil
	}
	ret := make([]byte, 0, int(to-from)+1)
	for a := int(from); a <= int(to); a++ {
		ret = append(ret, byte(a))
	}
	return ret
}
