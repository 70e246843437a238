// Package frame implements the binary request/response framing spoken by the
// pump controllers on the shared RS-485 pair.
//
//	request:  0xFA | addr | cmd | payload... | checksum
//	response: 0xFB | addr | cmd | payload... | checksum
//
// The checksum is the sum of all preceding bytes modulo 256.
package frame

import (
	"encoding/hex"
	"fmt"
	"github.com/jt05610/echemlab"
)

const (
	TxHeader byte = 0xFA
	RxHeader byte = 0xFB

	// overhead is header + addr + cmd + checksum.
	overhead = 4
)

var (
	ErrHeader   = fmt.Errorf("%w: bad header", echemlab.ErrFraming)
	ErrLength   = fmt.Errorf("%w: bad length", echemlab.ErrFraming)
	ErrChecksum = fmt.Errorf("%w: checksum mismatch", echemlab.ErrChecksum)
)

type Command byte

const (
	CmdReadEncoder      Command = 0x30
	CmdReadEncoderAccum Command = 0x31
	CmdReadSpeed        Command = 0x32
	CmdReadEnable       Command = 0x3A
	CmdReadFault        Command = 0x3E
	CmdReadRunStatus    Command = 0xF1
	CmdSetEnable        Command = 0xF3
	CmdPositionRel      Command = 0xF4
	CmdPositionAbs      Command = 0xF5
	CmdSetSpeed         Command = 0xF6
)

var commandNames = map[Command]string{
	CmdReadEncoder:      "read_encoder",
	CmdReadEncoderAccum: "read_encoder_accum",
	CmdReadSpeed:        "read_speed",
	CmdReadEnable:       "read_enable",
	CmdReadFault:        "read_fault",
	CmdReadRunStatus:    "read_run_status",
	CmdSetEnable:        "set_enable",
	CmdPositionRel:      "position_rel",
	CmdPositionAbs:      "position_abs",
	CmdSetSpeed:         "set_speed",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("cmd_0x%02X", byte(c))
}

// IsWrite reports whether the command changes device state.
func (c Command) IsWrite() bool {
	switch c {
	case CmdSetEnable, CmdSetSpeed, CmdPositionRel, CmdPositionAbs:
		return true
	}
	return false
}

var responsePayload = map[Command]int{
	CmdSetEnable:        1,
	CmdSetSpeed:         1,
	CmdPositionRel:      1,
	CmdPositionAbs:      1,
	CmdReadEnable:       1,
	CmdReadSpeed:        2,
	CmdReadFault:        1,
	CmdReadEncoder:      6,
	CmdReadEncoderAccum: 6,
	CmdReadRunStatus:    1,
}

var requestPayload = map[Command]int{
	CmdSetEnable:        1,
	CmdSetSpeed:         3,
	CmdPositionRel:      7,
	CmdPositionAbs:      7,
	CmdReadEnable:       0,
	CmdReadSpeed:        0,
	CmdReadFault:        0,
	CmdReadEncoder:      0,
	CmdReadEncoderAccum: 0,
	CmdReadRunStatus:    0,
}

// ResponseLength returns the full on-wire length of the response to cmd.
func ResponseLength(cmd Command) (int, bool) {
	n, ok := responsePayload[cmd]
	return n + overhead, ok
}

// RequestLength returns the full on-wire length of a request carrying cmd.
func RequestLength(cmd Command) (int, bool) {
	n, ok := requestPayload[cmd]
	return n + overhead, ok
}

type Frame struct {
	Addr    byte
	Cmd     Command
	Payload []byte
	// Suspect is set when the frame was accepted despite a checksum mismatch.
	Suspect bool
}

func (f Frame) String() string {
	s := fmt.Sprintf("addr=%d cmd=%s payload=%s", f.Addr, f.Cmd, hex.EncodeToString(f.Payload))
	if f.Suspect {
		s += " (checksum-suspect)"
	}
	return s
}

func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

func encode(header, addr byte, cmd Command, payload []byte) []byte {
	ret := make([]byte, 0, len(payload)+overhead)
	ret = append(ret, header, addr, byte(cmd))
	ret = append(ret, payload...)
	return append(ret, Checksum(ret))
}

// Build returns the request frame for addr and cmd.
func Build(addr byte, cmd Command, payload []byte) []byte {
	return encode(TxHeader, addr, cmd, payload)
}

// BuildResponse returns a response frame, as a controller would send it.
func BuildResponse(addr byte, cmd Command, payload []byte) []byte {
	return encode(RxHeader, addr, cmd, payload)
}

func decode(header byte, b []byte) (Frame, error) {
	if len(b) < overhead {
		return Frame{}, ErrLength
	}
	if b[0] != header {
		return Frame{}, ErrHeader
	}
	last := len(b) - 1
	if Checksum(b[:last]) != b[last] {
		return Frame{}, ErrChecksum
	}
	payload := make([]byte, last-3)
	copy(payload, b[3:last])
	return Frame{Addr: b[1], Cmd: Command(b[2]), Payload: payload}, nil
}

// Parse verifies and decodes one complete response frame.
func Parse(b []byte) (Frame, error) {
	f, err := decode(RxHeader, b)
	if err != nil {
		return f, err
	}
	if n, ok := ResponseLength(f.Cmd); ok && n != len(b) {
		return Frame{}, ErrLength
	}
	return f, nil
}

// ParseRequest verifies and decodes one complete request frame.
func ParseRequest(b []byte) (Frame, error) {
	return decode(TxHeader, b)
}
