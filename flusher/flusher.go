// Package flusher runs the three-pump wash cycle: inlet, transfer, outlet.
package flusher

import (
	"context"
	"errors"
	"fmt"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/frame"
	"go.uber.org/zap"
	"sync"
	"time"
)

type Pumper interface {
	StartPump(ctx context.Context, addr byte, dir echemlab.Direction, rpm int) error
	StopPump(ctx context.Context, addr byte) error
}

// Phase is one leg of the cycle, driven by a single pump.
type Phase struct {
	Role      echemlab.Role
	Addr      byte
	Direction echemlab.Direction
	RPM       int
	Duration  time.Duration
}

type Config struct {
	// Phases must hold one entry per role in echemlab.FlushRoles order.
	Phases []Phase
	Cycles int
}

func (c Config) Validate() error {
	var issues echemlab.Issues
	if c.Cycles < 1 {
		issues.Errorf(-1, "cycles", "must be at least 1, got %d", c.Cycles)
	}
	if len(c.Phases) != len(echemlab.FlushRoles) {
		issues.Errorf(-1, "phases", "expected %d phases, got %d", len(echemlab.FlushRoles), len(c.Phases))
		return issues.Err()
	}
	for i, p := range c.Phases {
		if p.Role != echemlab.FlushRoles[i] {
			issues.Errorf(-1, "phases", "phase %d is %s, expected %s", i, p.Role, echemlab.FlushRoles[i])
		}
		if p.Addr == 0 {
			issues.Errorf(-1, p.Role.String(), "no pump address")
		}
		if p.RPM <= 0 || p.RPM > frame.MaxRPM {
			issues.Errorf(-1, p.Role.String(), "rpm %d out of range", p.RPM)
		}
		if p.Duration < 0 {
			issues.Errorf(-1, p.Role.String(), "negative duration")
		}
	}
	return issues.Err()
}

// TotalDuration is the motion time of a full run.
func (c Config) TotalDuration() time.Duration {
	var d time.Duration
	for _, p := range c.Phases {
		d += p.Duration
	}
	return d * time.Duration(c.Cycles)
}

type Callbacks struct {
	OnPhase         func(cycle int, role echemlab.Role)
	OnCycleComplete func(cycle int)
	OnComplete      func()
	OnError         func(err error)
}

type State int

const (
	Idle State = iota
	Running
	Paused
	Completed
	Failed
)

func (s State) String() string {
	return [...]string{"idle", "running", "paused", "completed", "error"}[s]
}

type Status struct {
	State         State
	Phase         echemlab.Role
	Cycle         int
	TotalCycles   int
	Overall       float64
	PhaseProgress float64
}

var ErrBusy = errors.New("flusher already running")

type Flusher struct {
	logger *zap.Logger
	pumps  Pumper
	cfg    Config
	cb     Callbacks

	mu        sync.Mutex
	state     State
	phase     Phase
	cycle     int
	total     int
	completed int
	inPhase   bool
	elapsed   time.Duration
	since     time.Time
	cancel    context.CancelFunc

	pauseCh  chan struct{}
	resumeCh chan struct{}
}

func New(logger *zap.Logger, pumps Pumper, cfg Config, cb Callbacks) *Flusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{
		logger:   logger,
		pumps:    pumps,
		cfg:      cfg,
		cb:       cb,
		pauseCh:  make(chan struct{}, 1),
		resumeCh: make(chan struct{}, 1),
	}
}

func (f *Flusher) Config() Config {
	return f.cfg
}

func (f *Flusher) begin(ctx context.Context, total int) (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Running || f.state == Paused {
		return nil, ErrBusy
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.state = Running
	f.total = total
	f.completed = 0
	f.cycle = 0
	f.elapsed = 0
	// drop stale signals from a previous run
	select {
	case <-f.pauseCh:
	default:
	}
	select {
	case <-f.resumeCh:
	default:
	}
	return ctx, nil
}

func (f *Flusher) finish(err error) {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	switch {
	case err == nil:
		f.state = Completed
	case errors.Is(err, echemlab.ErrCancelled):
		f.state = Idle
	default:
		f.state = Failed
	}
	f.mu.Unlock()
	if err != nil && !errors.Is(err, echemlab.ErrCancelled) && f.cb.OnError != nil {
		f.cb.OnError(err)
	}
}

// Run executes the configured number of cycles and blocks until they finish,
// the context ends or Stop is called.
func (f *Flusher) Run(ctx context.Context) error {
	if err := f.cfg.Validate(); err != nil {
		return err
	}
	ctx, err := f.begin(ctx, len(f.cfg.Phases)*f.cfg.Cycles)
	if err != nil {
		return err
	}
	f.logger.Info("flush started", zap.Int("cycles", f.cfg.Cycles), zap.Duration("duration", f.cfg.TotalDuration()))
	for cycle := 1; cycle <= f.cfg.Cycles; cycle++ {
		for _, p := range f.cfg.Phases {
			if err := f.runPhase(ctx, cycle, p, p.Duration); err != nil {
				f.finish(err)
				return err
			}
		}
		f.logger.Info("flush cycle complete", zap.Int("cycle", cycle))
		if f.cb.OnCycleComplete != nil {
			f.cb.OnCycleComplete(cycle)
		}
	}
	f.finish(nil)
	f.logger.Info("flush complete")
	if f.cb.OnComplete != nil {
		f.cb.OnComplete()
	}
	return nil
}

// Evacuate drives the outlet pump once for d.
func (f *Flusher) Evacuate(ctx context.Context, d time.Duration) error {
	return f.single(ctx, echemlab.RoleOutlet, d)
}

// TransferOnly drives the transfer pump once for d.
func (f *Flusher) TransferOnly(ctx context.Context, d time.Duration) error {
	return f.single(ctx, echemlab.RoleTransfer, d)
}

func (f *Flusher) single(ctx context.Context, role echemlab.Role, d time.Duration) error {
	var phase *Phase
	for i := range f.cfg.Phases {
		if f.cfg.Phases[i].Role == role {
			phase = &f.cfg.Phases[i]
		}
	}
	if phase == nil || phase.Addr == 0 {
		return fmt.Errorf("%w: no %s pump configured", echemlab.ErrValidation, role)
	}
	ctx, err := f.begin(ctx, 1)
	if err != nil {
		return err
	}
	if err := f.runPhase(ctx, 1, *phase, d); err != nil {
		f.finish(err)
		return err
	}
	f.finish(nil)
	if f.cb.OnComplete != nil {
		f.cb.OnComplete()
	}
	return nil
}

func (f *Flusher) runPhase(ctx context.Context, cycle int, p Phase, d time.Duration) error {
	p.Duration = d
	f.mu.Lock()
	f.phase = p
	f.cycle = cycle
	f.elapsed = 0
	f.since = time.Now()
	f.inPhase = true
	f.mu.Unlock()
	f.logger.Debug("flush phase", zap.Int("cycle", cycle), zap.Stringer("role", p.Role), zap.Uint8("addr", p.Addr))
	if f.cb.OnPhase != nil {
		f.cb.OnPhase(cycle, p.Role)
	}
	if d > 0 {
		if err := f.pumps.StartPump(ctx, p.Addr, p.Direction, p.RPM); err != nil {
			return errors.Join(err, f.stopAll(ctx))
		}
	}
	remaining := d
	for remaining > 0 {
		t0 := time.Now()
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
			remaining = 0
		case <-f.pauseCh:
			timer.Stop()
			remaining -= time.Since(t0)
			if err := f.pause(ctx, p); err != nil {
				return err
			}
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(echemlab.ErrCancelled, ctx.Err(), f.stopAll(ctx))
		}
	}
	if d > 0 {
		if err := f.pumps.StopPump(context.WithoutCancel(ctx), p.Addr); err != nil {
			return errors.Join(err, f.stopAll(ctx))
		}
	}
	f.mu.Lock()
	f.completed++
	f.inPhase = false
	f.mu.Unlock()
	return nil
}

func (f *Flusher) pause(ctx context.Context, p Phase) error {
	if err := f.pumps.StopPump(context.WithoutCancel(ctx), p.Addr); err != nil {
		return errors.Join(err, f.stopAll(ctx))
	}
	f.mu.Lock()
	f.elapsed += time.Since(f.since)
	f.state = Paused
	f.mu.Unlock()
	f.logger.Info("flush paused", zap.Stringer("role", p.Role))
	select {
	case <-f.resumeCh:
	case <-ctx.Done():
		return errors.Join(echemlab.ErrCancelled, ctx.Err(), f.stopAll(ctx))
	}
	f.mu.Lock()
	f.state = Running
	f.since = time.Now()
	f.mu.Unlock()
	f.logger.Info("flush resumed", zap.Stringer("role", p.Role))
	if err := f.pumps.StartPump(ctx, p.Addr, p.Direction, p.RPM); err != nil {
		return errors.Join(err, f.stopAll(ctx))
	}
	return nil
}

// stopAll stops every flush pump, attempting each even if one fails.
func (f *Flusher) stopAll(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, p := range f.cfg.Phases {
		if p.Addr == 0 {
			continue
		}
		if err := f.pumps.StopPump(ctx, p.Addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pause stops the active pump and holds the remaining phase time.
func (f *Flusher) Pause() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Running {
		return false
	}
	select {
	case f.pauseCh <- struct{}{}:
	default:
	}
	return true
}

func (f *Flusher) Resume() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Paused {
		return false
	}
	select {
	case f.resumeCh <- struct{}{}:
	default:
	}
	return true
}

// Stop cancels a running cycle and stops all three pumps.
func (f *Flusher) Stop(ctx context.Context) error {
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return f.stopAll(ctx)
}

func (f *Flusher) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Status{
		State:       f.state,
		Phase:       f.phase.Role,
		Cycle:       f.cycle,
		TotalCycles: f.cfg.Cycles,
	}
	elapsed := f.elapsed
	if f.state == Running && f.inPhase {
		elapsed += time.Since(f.since)
	}
	if f.phase.Duration > 0 {
		s.PhaseProgress = min(float64(elapsed)/float64(f.phase.Duration), 1)
	}
	if f.state == Completed {
		s.PhaseProgress = 1
		s.Overall = 1
		return s
	}
	if f.total > 0 {
		done := float64(f.completed)
		if f.inPhase {
			done += s.PhaseProgress
		}
		s.Overall = min(done/float64(f.total), 1)
	}
	return s
}
