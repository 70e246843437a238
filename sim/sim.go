// Package sim simulates a bus of pump controllers behind an
// io.ReadWriteCloser. It backs mock mode and every hardware-facing test.
package sim

import (
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/frame"
	"go.uber.org/zap"
	"io"
	"math"
	"sync"
	"time"
)

const DefaultReadTimeout = 20 * time.Millisecond

type motor struct {
	enabled bool
	rpm     int
	dir     echemlab.Direction
	fault   byte
	accum   float64
	since   time.Time
	moving  bool
	moveEnd *time.Timer
}

// advance integrates continuous (speed-mode) motion up to now.
func (m *motor) advance(now time.Time) {
	if m.rpm > 0 && m.enabled && !m.moving {
		dt := now.Sub(m.since).Seconds()
		m.accum += float64(m.dir.Sign()) * float64(m.rpm) / 60 * frame.CountsPerRev * dt
	}
	m.since = now
}

func (m *motor) running() bool {
	return m.moving || (m.rpm > 0 && m.enabled)
}

type Bus struct {
	logger *zap.Logger

	mu      sync.Mutex
	parser  *frame.Parser
	motors  map[byte]*motor
	present map[byte]bool
	flaky   map[byte]bool
	silent  map[byte]bool
	out     []byte
	written []frame.Frame
	closed  bool
	notify  chan struct{}

	readTimeout time.Duration
	moveScale   float64
}

type Option func(*Bus)

// WithPumps declares the addresses that answer. The default is 1..12.
func WithPumps(addrs ...byte) Option {
	return func(b *Bus) {
		b.present = make(map[byte]bool)
		for _, a := range addrs {
			b.present[a] = true
		}
	}
}

// WithFlaky makes addrs reply with a corrupted checksum while still obeying
// the command.
func WithFlaky(addrs ...byte) Option {
	return func(b *Bus) {
		for _, a := range addrs {
			b.flaky[a] = true
		}
	}
}

// WithMoveScale multiplies the real duration of position moves. Tests use a
// small value so a multi-revolution move completes in milliseconds.
func WithMoveScale(s float64) Option {
	return func(b *Bus) {
		b.moveScale = s
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(b *Bus) {
		b.readTimeout = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		logger:      zap.NewNop(),
		parser:      frame.NewRequestParser(),
		motors:      make(map[byte]*motor),
		flaky:       make(map[byte]bool),
		silent:      make(map[byte]bool),
		notify:      make(chan struct{}, 1),
		readTimeout: DefaultReadTimeout,
		moveScale:   1,
	}
	WithPumps(echemlab.Addresses(echemlab.MinAddress, echemlab.MaxAddress)...)(b)
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetSilent stops (or resumes) replies from addr. Commands are still obeyed.
func (b *Bus) SetSilent(addr byte, silent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent[addr] = silent
}

func (b *Bus) SetFault(addr, code byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.motor(addr).fault = code
}

// Written returns every request frame received so far.
func (b *Bus) Written() []frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := make([]frame.Frame, len(b.written))
	copy(ret, b.written)
	return ret
}

func (b *Bus) ClearWritten() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.written = nil
}

// Speed returns the commanded speed of addr, signed by direction.
func (b *Bus) Speed(addr byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.motor(addr)
	return m.dir.Sign() * m.rpm
}

func (b *Bus) Enabled(addr byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.motor(addr).enabled
}

// Position returns the accumulated encoder counts of addr.
func (b *Bus) Position(addr byte) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.motor(addr)
	m.advance(time.Now())
	return int64(math.Round(m.accum))
}

// Inject queues raw bytes for the reader, as if a device had sent them.
func (b *Bus) Inject(raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emit(raw)
}

func (b *Bus) motor(addr byte) *motor {
	m, ok := b.motors[addr]
	if !ok {
		m = &motor{since: time.Now()}
		b.motors[addr] = m
	}
	return m
}

func (b *Bus) emit(raw []byte) {
	b.out = append(b.out, raw...)
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bus) reply(addr byte, cmd frame.Command, payload []byte) {
	if b.silent[addr] {
		return
	}
	raw := frame.BuildResponse(addr, cmd, payload)
	if b.flaky[addr] {
		raw[len(raw)-1]++
	}
	b.emit(raw)
}

func (b *Bus) Read(p []byte) (int, error) {
	timer := time.NewTimer(b.readTimeout)
	defer timer.Stop()
	for {
		b.mu.Lock()
		if len(b.out) > 0 {
			n := copy(p, b.out)
			b.out = b.out[n:]
			b.mu.Unlock()
			return n, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		select {
		case <-b.notify:
		case <-timer.C:
			return 0, nil
		}
	}
}

func (b *Bus) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	for _, f := range b.parser.Feed(p) {
		b.written = append(b.written, f)
		if !b.present[f.Addr] {
			continue
		}
		b.handle(f)
	}
	return len(p), nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, m := range b.motors {
		if m.moveEnd != nil {
			m.moveEnd.Stop()
		}
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func (b *Bus) handle(f frame.Frame) {
	now := time.Now()
	m := b.motor(f.Addr)
	m.advance(now)
	switch f.Cmd {
	case frame.CmdSetEnable:
		m.enabled = len(f.Payload) > 0 && f.Payload[0] != 0
		if !m.enabled {
			m.rpm = 0
		}
		b.reply(f.Addr, f.Cmd, []byte{1})
	case frame.CmdSetSpeed:
		rpm, dir, err := frame.DecodeSpeed(f.Payload)
		if err != nil {
			b.reply(f.Addr, f.Cmd, []byte{0})
			return
		}
		m.rpm = rpm
		if rpm > 0 {
			m.dir = dir
		}
		b.reply(f.Addr, f.Cmd, []byte{1})
	case frame.CmdPositionRel, frame.CmdPositionAbs:
		b.move(f, m)
	case frame.CmdReadEnable:
		b.reply(f.Addr, f.Cmd, []byte{boolByte(m.enabled)})
	case frame.CmdReadSpeed:
		b.reply(f.Addr, f.Cmd, frame.EncodeInt16(int16(m.dir.Sign()*m.rpm)))
	case frame.CmdReadFault:
		b.reply(f.Addr, f.Cmd, []byte{m.fault})
	case frame.CmdReadEncoderAccum:
		b.reply(f.Addr, f.Cmd, frame.EncodeInt48(int64(math.Round(m.accum))))
	case frame.CmdReadEncoder:
		c := int64(math.Round(m.accum))
		carry := c / frame.CountsPerRev
		value := c % frame.CountsPerRev
		if value < 0 {
			value += frame.CountsPerRev
			carry--
		}
		b.reply(f.Addr, f.Cmd, frame.EncodeInt48(carry<<16|value))
	case frame.CmdReadRunStatus:
		status := frame.RunStopped
		if m.running() {
			status = frame.RunFullSpeed
		}
		b.reply(f.Addr, f.Cmd, []byte{byte(status)})
	default:
		b.logger.Debug("sim: unhandled command", zap.Stringer("cmd", f.Cmd))
	}
}

func (b *Bus) move(f frame.Frame, m *motor) {
	speed, _, counts, err := frame.DecodePosition(f.Payload)
	if err != nil || speed == 0 || m.moving {
		b.reply(f.Addr, f.Cmd, []byte{byte(frame.MoveFail)})
		return
	}
	target := float64(counts)
	if f.Cmd == frame.CmdPositionAbs {
		target = float64(counts) - m.accum
	}
	revs := math.Abs(target) / frame.CountsPerRev
	d := time.Duration(revs / float64(speed) * 60 * b.moveScale * float64(time.Second))
	m.moving = true
	b.reply(f.Addr, f.Cmd, []byte{byte(frame.MoveStarted)})
	addr, cmd := f.Addr, f.Cmd
	m.moveEnd = time.AfterFunc(d, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		m.accum += target
		m.moving = false
		m.moveEnd = nil
		m.since = time.Now()
		b.reply(addr, cmd, []byte{byte(frame.MoveComplete)})
	})
}
