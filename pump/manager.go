// Package pump provides typed access to the pump controllers on the bus and
// tracks whether each one is answering.
package pump

import (
	"context"
	"errors"
	"fmt"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/comm/serial"
	"github.com/jt05610/echemlab/frame"
	"go.uber.org/zap"
	"io"
	"slices"
	"sync"
	"time"
)

var ErrRejected = errors.New("command rejected by controller")

// Bus is the transport the manager drives. *bus.Driver implements it.
type Bus interface {
	Open(name string, baud int, readTimeout time.Duration) error
	Attach(port io.ReadWriteCloser) error
	Close() error
	IsOpen() bool
	Request(ctx context.Context, addr byte, cmd frame.Command, payload []byte, timeout time.Duration) (frame.Frame, error)
	FireAndForget(addr byte, cmd frame.Command, payload []byte) error
	Subscribe(onFrame func(frame.Frame), onError func(error)) func()
}

type Config struct {
	Timeout     time.Duration
	MaxFailures int
	// Flaky addresses reply with corrupt framing but execute commands.
	Flaky []byte
	// FireAndForgetFlaky sends write commands to Flaky addresses without
	// waiting for a reply.
	FireAndForgetFlaky bool
	DisableOnStop      bool
	MinAddress         byte
	MaxAddress         byte
	// PollInterval bounds how long a waiting position move goes between
	// run-status checks when the completion frame is lost.
	PollInterval time.Duration
	ReadTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:      600 * time.Millisecond,
		MaxFailures:  3,
		MinAddress:   echemlab.MinAddress,
		MaxAddress:   echemlab.MaxAddress,
		PollInterval: 500 * time.Millisecond,
		ReadTimeout:  serial.DefaultReadTimeout,
	}
}

type Manager struct {
	logger *zap.Logger
	bus    Bus
	cfg    Config

	mu     sync.RWMutex
	states map[byte]*State

	lMu       sync.Mutex
	listeners map[int]func(State)
	nextID    int

	mvMu    sync.Mutex
	moveSub map[byte]chan frame.MoveStatus

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	unsubscribe func()
}

func New(logger *zap.Logger, bus Bus, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.MinAddress == 0 {
		cfg.MinAddress = def.MinAddress
	}
	if cfg.MaxAddress == 0 {
		cfg.MaxAddress = def.MaxAddress
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	m := &Manager{
		logger:    logger,
		bus:       bus,
		cfg:       cfg,
		states:    make(map[byte]*State),
		listeners: make(map[int]func(State)),
		moveSub:   make(map[byte]chan frame.MoveStatus),
	}
	m.unsubscribe = bus.Subscribe(m.onFrame, m.onError)
	return m
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Addresses returns the configured address range.
func (m *Manager) Addresses() []byte {
	return echemlab.Addresses(m.cfg.MinAddress, m.cfg.MaxAddress)
}

func (m *Manager) Connect(port string, baud int) error {
	rt := m.cfg.ReadTimeout
	if rt <= 0 {
		rt = serial.DefaultReadTimeout
	}
	if err := m.bus.Open(port, baud, rt); err != nil {
		return err
	}
	m.logger.Info("pump bus connected", zap.String("port", port), zap.Int("baud", baud))
	return nil
}

// Attach connects the manager to an already-open line such as a simulator.
func (m *Manager) Attach(port io.ReadWriteCloser) error {
	return m.bus.Attach(port)
}

func (m *Manager) Disconnect() error {
	m.StopPollLoop()
	return m.bus.Close()
}

func (m *Manager) Connected() bool {
	return m.bus.IsOpen()
}

func (m *Manager) IsFlaky(addr byte) bool {
	return slices.Contains(m.cfg.Flaky, addr)
}

func (m *Manager) fireAndForget(addr byte) bool {
	return m.cfg.FireAndForgetFlaky && m.IsFlaky(addr)
}

// OnState registers fn to receive a snapshot after every completed
// transaction. Callbacks run without any manager lock held.
func (m *Manager) OnState(fn func(State)) (remove func()) {
	m.lMu.Lock()
	defer m.lMu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.lMu.Lock()
		defer m.lMu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) notify(s State) {
	m.lMu.Lock()
	fns := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lMu.Unlock()
	for _, fn := range fns {
		fn(s.clone())
	}
}

func (m *Manager) State(addr byte) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[addr]
	if !ok {
		return State{Address: addr}, false
	}
	return s.clone(), true
}

func (m *Manager) States() []State {
	m.mu.RLock()
	ret := make([]State, 0, len(m.states))
	for _, s := range m.states {
		ret = append(ret, s.clone())
	}
	m.mu.RUnlock()
	slices.SortFunc(ret, func(a, b State) int {
		return int(a.Address) - int(b.Address)
	})
	return ret
}

func (m *Manager) state(addr byte) *State {
	s, ok := m.states[addr]
	if !ok {
		s = &State{Address: addr}
		m.states[addr] = s
	}
	return s
}

// record applies the outcome of one transaction and returns the error the
// caller should see.
func (m *Manager) record(addr byte, cmd frame.Command, err error, update func(*State)) error {
	m.mu.Lock()
	s := m.state(addr)
	s.LastCommand = cmd.String()
	prev := s.Status
	switch {
	case err == nil:
		s.Failures = 0
		s.Status = StatusOnline
		s.LastSeen = time.Now()
		if update != nil {
			update(s)
		}
	case errors.Is(err, echemlab.ErrTimeout):
		s.Failures++
		if s.Failures >= m.cfg.MaxFailures {
			s.Status = StatusOffline
		}
	}
	s.Online = s.Status == StatusOnline
	snap := s.clone()
	m.mu.Unlock()

	if prev != snap.Status {
		if snap.Status == StatusOffline {
			m.logger.Warn("pump offline", zap.Uint8("addr", addr), zap.Int("failures", snap.Failures))
		} else {
			m.logger.Info("pump state", zap.Uint8("addr", addr), zap.Stringer("status", snap.Status))
		}
	}
	m.notify(snap)
	if err != nil && snap.Status == StatusOffline && errors.Is(err, echemlab.ErrTimeout) {
		return echemlab.NewBusError(cmd.String(), addr, byte(cmd), echemlab.ErrDeviceOffline, err)
	}
	return err
}

func (m *Manager) request(ctx context.Context, addr byte, cmd frame.Command, payload []byte) (frame.Frame, error) {
	f, err := m.bus.Request(ctx, addr, cmd, payload, m.cfg.Timeout)
	if err == nil {
		want, _ := frame.ResponseLength(cmd)
		if len(f.Payload)+4 != want {
			err = echemlab.NewBusError(cmd.String(), addr, byte(cmd), echemlab.ErrFraming, frame.ErrLength)
		}
	}
	return f, err
}

func (m *Manager) send(ctx context.Context, addr byte, cmd frame.Command, payload []byte, update func(*State)) (byte, error) {
	if m.fireAndForget(addr) {
		if err := m.bus.FireAndForget(addr, cmd, payload); err != nil {
			return 0, err
		}
		m.mu.Lock()
		s := m.state(addr)
		s.LastCommand = cmd.String()
		s.Note = "fire-and-forget"
		if update != nil {
			update(s)
		}
		snap := s.clone()
		m.mu.Unlock()
		m.notify(snap)
		return 1, nil
	}
	f, err := m.request(ctx, addr, cmd, payload)
	if err != nil {
		return 0, m.record(addr, cmd, err, nil)
	}
	status := f.Payload[0]
	err = m.record(addr, cmd, nil, func(s *State) {
		s.Note = ""
		if f.Suspect {
			s.Note = "checksum-suspect"
		}
		if status != 0 && update != nil {
			update(s)
		}
	})
	if err != nil {
		return status, err
	}
	if status == 0 {
		return status, echemlab.NewBusError(cmd.String(), addr, byte(cmd), ErrRejected, nil)
	}
	return status, nil
}

func (m *Manager) read(ctx context.Context, addr byte, cmd frame.Command, update func(*State, []byte)) ([]byte, error) {
	f, err := m.request(ctx, addr, cmd, nil)
	if err != nil {
		return nil, m.record(addr, cmd, err, nil)
	}
	return f.Payload, m.record(addr, cmd, nil, func(s *State) {
		s.Note = ""
		if f.Suspect {
			s.Note = "checksum-suspect"
		}
		if update != nil {
			update(s, f.Payload)
		}
	})
}

func (m *Manager) ReadEnable(ctx context.Context, addr byte) (bool, error) {
	b, err := m.read(ctx, addr, frame.CmdReadEnable, func(s *State, b []byte) {
		v := b[0] != 0
		s.Enabled = &v
	})
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (m *Manager) ReadSpeed(ctx context.Context, addr byte) (int16, error) {
	b, err := m.read(ctx, addr, frame.CmdReadSpeed, func(s *State, b []byte) {
		s.Speed, _ = frame.DecodeInt16(b)
	})
	if err != nil {
		return 0, err
	}
	return frame.DecodeInt16(b)
}

func (m *Manager) ReadFault(ctx context.Context, addr byte) (uint8, error) {
	b, err := m.read(ctx, addr, frame.CmdReadFault, func(s *State, b []byte) {
		v := b[0]
		s.Fault = &v
	})
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Manager) ReadEncoderAccum(ctx context.Context, addr byte) (int64, error) {
	b, err := m.read(ctx, addr, frame.CmdReadEncoderAccum, nil)
	if err != nil {
		return 0, err
	}
	return frame.DecodeInt48(b)
}

// ReadEncoder returns the instant encoder position in counts.
func (m *Manager) ReadEncoder(ctx context.Context, addr byte) (int64, error) {
	b, err := m.read(ctx, addr, frame.CmdReadEncoder, nil)
	if err != nil {
		return 0, err
	}
	carry, value, err := frame.DecodeEncoder(b)
	if err != nil {
		return 0, err
	}
	return int64(carry)*frame.CountsPerRev + int64(value), nil
}

func (m *Manager) ReadRunStatus(ctx context.Context, addr byte) (frame.RunStatus, error) {
	b, err := m.read(ctx, addr, frame.CmdReadRunStatus, nil)
	if err != nil {
		return frame.RunFail, err
	}
	return frame.RunStatus(b[0]), nil
}

func (m *Manager) SetEnable(ctx context.Context, addr byte, on bool) error {
	var b byte
	if on {
		b = 1
	}
	_, err := m.send(ctx, addr, frame.CmdSetEnable, []byte{b}, func(s *State) {
		s.Enabled = &on
		if !on {
			s.Speed = 0
		}
	})
	return err
}

func (m *Manager) SetSpeed(ctx context.Context, addr byte, rpm int, dir echemlab.Direction, ramp byte) error {
	payload, err := frame.EncodeSpeed(rpm, dir, ramp)
	if err != nil {
		return err
	}
	_, err = m.send(ctx, addr, frame.CmdSetSpeed, payload, func(s *State) {
		s.Speed = int16(dir.Sign() * rpm)
	})
	return err
}

// StartPump enables addr and sets it turning.
func (m *Manager) StartPump(ctx context.Context, addr byte, dir echemlab.Direction, rpm int) error {
	if err := m.SetEnable(ctx, addr, true); err != nil {
		return err
	}
	m.logger.Debug("pump start", zap.Uint8("addr", addr), zap.Stringer("dir", dir), zap.Int("rpm", rpm))
	return m.SetSpeed(ctx, addr, rpm, dir, frame.DefaultRamp)
}

func (m *Manager) StopPump(ctx context.Context, addr byte) error {
	if err := m.SetSpeed(ctx, addr, 0, echemlab.Forward, frame.DefaultRamp); err != nil {
		return err
	}
	if m.cfg.DisableOnStop {
		return m.SetEnable(ctx, addr, false)
	}
	return nil
}

// StopAll writes speed 0 to every address in the configured range. Online
// pumps are stopped with a confirmed request, all others fire-and-forget so
// an absent address cannot hold up the sweep. Every address is attempted.
func (m *Manager) StopAll(ctx context.Context) error {
	if !m.bus.IsOpen() {
		return nil
	}
	stop, _ := frame.EncodeSpeed(0, echemlab.Forward, frame.DefaultRamp)
	var errs []error
	for _, addr := range m.Addresses() {
		s, _ := m.State(addr)
		if s.Status == StatusOnline && !m.fireAndForget(addr) {
			if err := m.StopPump(context.WithoutCancel(ctx), addr); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := m.bus.FireAndForget(addr, frame.CmdSetSpeed, stop); err != nil {
			errs = append(errs, err)
			continue
		}
		if m.cfg.DisableOnStop {
			_ = m.bus.FireAndForget(addr, frame.CmdSetEnable, []byte{0})
		}
	}
	m.logger.Info("all pumps stopped", zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

func (m *Manager) MovePositionRel(ctx context.Context, addr byte, delta int32, speed int, accel byte, wait bool) error {
	return m.move(ctx, frame.CmdPositionRel, addr, delta, speed, accel, wait)
}

func (m *Manager) MovePositionAbs(ctx context.Context, addr byte, target int32, speed int, accel byte, wait bool) error {
	return m.move(ctx, frame.CmdPositionAbs, addr, target, speed, accel, wait)
}

func (m *Manager) move(ctx context.Context, cmd frame.Command, addr byte, counts int32, speed int, accel byte, wait bool) error {
	payload, err := frame.EncodePosition(speed, accel, counts)
	if err != nil {
		return err
	}
	var done chan frame.MoveStatus
	if wait {
		done = make(chan frame.MoveStatus, 1)
		m.mvMu.Lock()
		m.moveSub[addr] = done
		m.mvMu.Unlock()
		defer func() {
			m.mvMu.Lock()
			if m.moveSub[addr] == done {
				delete(m.moveSub, addr)
			}
			m.mvMu.Unlock()
		}()
	}
	status, err := m.send(ctx, addr, cmd, payload, nil)
	if err != nil {
		return err
	}
	m.logger.Debug("position move", zap.Uint8("addr", addr), zap.Int32("counts", counts), zap.Int("speed", speed))
	if !wait || frame.MoveStatus(status) == frame.MoveComplete {
		return nil
	}
	return m.awaitMove(ctx, addr, done)
}

func (m *Manager) awaitMove(ctx context.Context, addr byte, done <-chan frame.MoveStatus) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case st := <-done:
			switch st {
			case frame.MoveComplete:
				return nil
			case frame.MoveLimitStop:
				return echemlab.NewBusError("position", addr, 0, ErrRejected, errors.New("limit stop"))
			default:
				return echemlab.NewBusError("position", addr, 0, ErrRejected, fmt.Errorf("move %s", st))
			}
		case <-ticker.C:
			rs, err := m.ReadRunStatus(ctx, addr)
			if err == nil && rs == frame.RunStopped {
				return nil
			}
		case <-ctx.Done():
			stopErr := m.StopPump(context.WithoutCancel(ctx), addr)
			return errors.Join(echemlab.NewBusError("position", addr, 0, echemlab.ErrCancelled, ctx.Err()), stopErr)
		}
	}
}

func (m *Manager) onFrame(f frame.Frame) {
	if f.Cmd != frame.CmdPositionRel && f.Cmd != frame.CmdPositionAbs || len(f.Payload) == 0 {
		return
	}
	st := frame.MoveStatus(f.Payload[0])
	if st == frame.MoveStarted {
		return
	}
	m.mvMu.Lock()
	ch, ok := m.moveSub[f.Addr]
	if ok {
		delete(m.moveSub, f.Addr)
	}
	m.mvMu.Unlock()
	if ok {
		select {
		case ch <- st:
		default:
		}
	}
}

func (m *Manager) onError(err error) {
	m.logger.Error("pump bus error", zap.Error(err))
}

// Discover probes each address with read-enable up to retries times and
// returns the addresses that answered.
func (m *Manager) Discover(ctx context.Context, addrs []byte, retries int) []byte {
	if retries <= 0 {
		retries = 1
	}
	var found []byte
	for _, addr := range addrs {
		for i := 0; i < retries; i++ {
			if ctx.Err() != nil {
				return found
			}
			if _, err := m.ReadEnable(ctx, addr); err == nil {
				found = append(found, addr)
				break
			}
		}
	}
	m.logger.Info("discovery complete", zap.Uint8s("found", found))
	return found
}

// StartPollLoop sweeps addrs every interval, reading enable and speed so the
// state cache stays live. A running loop is replaced.
func (m *Manager) StartPollLoop(addrs []byte, interval time.Duration) {
	m.StopPollLoop()
	if interval <= 0 {
		interval = m.cfg.PollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.pollMu.Lock()
	m.pollCancel = cancel
	m.pollDone = done
	m.pollMu.Unlock()
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			for _, addr := range addrs {
				if ctx.Err() != nil {
					return
				}
				if _, err := m.ReadEnable(ctx, addr); err != nil {
					continue
				}
				_, _ = m.ReadSpeed(ctx, addr)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (m *Manager) StopPollLoop() {
	m.pollMu.Lock()
	cancel, done := m.pollCancel, m.pollDone
	m.pollCancel, m.pollDone = nil, nil
	m.pollMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops polling and detaches from the bus without closing it.
func (m *Manager) Close() {
	m.StopPollLoop()
	m.unsubscribe()
}
