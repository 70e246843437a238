package frame

import (
	"encoding/binary"
	"fmt"
	"github.com/jt05610/echemlab"
	"math"
)

const (
	CountsPerRev = 16384
	MaxRPM       = 3000
	DefaultRamp  = 0x10

	forwardBit = 0x80
)

var ErrRange = fmt.Errorf("%w: value out of range", echemlab.ErrValidation)

// EncodeSpeed returns the 3-byte set-speed payload. The forward flag rides in
// the top bit of the high byte; rpm == 0 is encoded without a direction.
func EncodeSpeed(rpm int, dir echemlab.Direction, ramp byte) ([]byte, error) {
	if rpm < 0 || rpm > MaxRPM {
		return nil, fmt.Errorf("%w: rpm %d", ErrRange, rpm)
	}
	hi := byte(rpm >> 8)
	lo := byte(rpm)
	if rpm > 0 && dir == echemlab.Forward {
		hi |= forwardBit
	}
	return []byte{hi, lo, ramp}, nil
}

// DecodeSpeed reverses EncodeSpeed. Only the first two bytes are inspected.
func DecodeSpeed(b []byte) (rpm int, dir echemlab.Direction, err error) {
	if len(b) < 2 {
		return 0, echemlab.Forward, ErrLength
	}
	dir = echemlab.Reverse
	if b[0]&forwardBit != 0 {
		dir = echemlab.Forward
	}
	rpm = int(b[0]&^forwardBit)<<8 | int(b[1])
	return rpm, dir, nil
}

// EncodePosition returns the 7-byte payload of the position commands:
// speed (2 bytes), acceleration (1 byte), signed counts (4 bytes big-endian).
func EncodePosition(speed int, accel byte, counts int32) ([]byte, error) {
	if speed < 0 || speed > MaxRPM {
		return nil, fmt.Errorf("%w: speed %d", ErrRange, speed)
	}
	ret := make([]byte, 7)
	binary.BigEndian.PutUint16(ret[0:2], uint16(speed))
	ret[2] = accel
	binary.BigEndian.PutUint32(ret[3:7], uint32(counts))
	return ret, nil
}

func DecodePosition(b []byte) (speed int, accel byte, counts int32, err error) {
	if len(b) < 7 {
		return 0, 0, 0, ErrLength
	}
	speed = int(binary.BigEndian.Uint16(b[0:2]))
	accel = b[2]
	counts = int32(binary.BigEndian.Uint32(b[3:7]))
	return speed, accel, counts, nil
}

// DecodeInt16 reads a signed big-endian 16-bit value (read-speed reply).
func DecodeInt16(b []byte) (int16, error) {
	if len(b) < 2 {
		return 0, ErrLength
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func EncodeInt16(v int16) []byte {
	ret := make([]byte, 2)
	binary.BigEndian.PutUint16(ret, uint16(v))
	return ret
}

// DecodeInt48 reads a signed big-endian 48-bit value (accumulated encoder).
func DecodeInt48(b []byte) (int64, error) {
	if len(b) < 6 {
		return 0, ErrLength
	}
	var v uint64
	for _, c := range b[:6] {
		v = v<<8 | uint64(c)
	}
	// sign-extend from bit 47
	return int64(v<<16) >> 16, nil
}

func EncodeInt48(v int64) []byte {
	ret := make([]byte, 6)
	u := uint64(v)
	for i := 5; i >= 0; i-- {
		ret[i] = byte(u)
		u >>= 8
	}
	return ret
}

// DecodeEncoder reads the instant encoder reply: a signed 32-bit carry
// followed by an unsigned 16-bit value within the revolution.
func DecodeEncoder(b []byte) (carry int32, value uint16, err error) {
	if len(b) < 6 {
		return 0, 0, ErrLength
	}
	return int32(binary.BigEndian.Uint32(b[0:4])), binary.BigEndian.Uint16(b[4:6]), nil
}

func DegreesToCounts(deg float64) int32 {
	return int32(math.Round(deg / 360 * CountsPerRev))
}

func CountsToDegrees(counts int64) float64 {
	return float64(counts) * 360 / CountsPerRev
}

func RevolutionsToCounts(rev float64) int64 {
	return int64(math.Round(rev * CountsPerRev))
}

func CountsToRevolutions(counts int64) float64 {
	return float64(counts) / CountsPerRev
}

type RunStatus byte

const (
	RunFail RunStatus = iota
	RunStopped
	RunAccelerating
	RunDecelerating
	RunFullSpeed
	RunHoming
	RunCalibrating
)

var runStatusNames = []string{
	RunFail:         "fail",
	RunStopped:      "stopped",
	RunAccelerating: "accelerating",
	RunDecelerating: "decelerating",
	RunFullSpeed:    "full_speed",
	RunHoming:       "homing",
	RunCalibrating:  "calibrating",
}

func (s RunStatus) String() string {
	if int(s) < len(runStatusNames) {
		return runStatusNames[s]
	}
	return fmt.Sprintf("run_status(%d)", byte(s))
}

// Moving reports whether the motor is turning.
func (s RunStatus) Moving() bool {
	return s >= RunAccelerating && s <= RunFullSpeed
}

type MoveStatus byte

const (
	MoveFail MoveStatus = iota
	MoveStarted
	MoveComplete
	MoveLimitStop
)

func (s MoveStatus) String() string {
	switch s {
	case MoveFail:
		return "fail"
	case MoveStarted:
		return "started"
	case MoveComplete:
		return "complete"
	case MoveLimitStop:
		return "limit_stop"
	default:
		return fmt.Sprintf("move_status(%d)", byte(s))
	}
}
