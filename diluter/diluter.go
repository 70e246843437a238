package diluter

import (
	"context"
	"errors"
	"fmt"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/calibration"
	"github.com/jt05610/echemlab/frame"
	"go.uber.org/zap"
	"math"
	"sync"
	"time"
)

const (
	MinDuration   = 100 * time.Millisecond
	PositionSlack = time.Second
	StatusPoll    = 200 * time.Millisecond
	DefaultAccel  = 2
)

type Pumper interface {
	StartPump(ctx context.Context, addr byte, dir echemlab.Direction, rpm int) error
	StopPump(ctx context.Context, addr byte) error
	MovePositionRel(ctx context.Context, addr byte, delta int32, speed int, accel byte, wait bool) error
	ReadRunStatus(ctx context.Context, addr byte) (frame.RunStatus, error)
}

type Mode int

const (
	ModeAuto Mode = iota
	ModeTimed
	ModePosition
)

func (m Mode) String() string {
	switch m {
	case ModeTimed:
		return "timed"
	case ModePosition:
		return "position"
	default:
		return "auto"
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "auto":
		return ModeAuto, nil
	case "timed":
		return ModeTimed, nil
	case "position":
		return ModePosition, nil
	}
	return ModeAuto, fmt.Errorf("%w: unknown infusion mode %q", echemlab.ErrValidation, s)
}

type State int

const (
	Idle State = iota
	Infusing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Infusing:
		return "infusing"
	case Completed:
		return "completed"
	case Failed:
		return "error"
	default:
		return "idle"
	}
}

// Channel is a dilution channel: one stock solution on one pump.
type Channel struct {
	Solution  string             `json:"solution"`
	Addr      byte               `json:"pump_address"`
	Stock     float64            `json:"stock_concentration"`
	Direction echemlab.Direction `json:"direction"`
	RPM       int                `json:"default_rpm"`
	Color     string             `json:"color,omitempty"`
}

// Plan is a resolved infusion: how a volume will be delivered.
type Plan struct {
	Mode      Mode
	Volume    float64
	RPM       int
	Direction echemlab.Direction
	// Expected is the nominal motion time; Duration adds slack for position
	// moves and is the upper bound the infusion waits.
	Expected time.Duration
	Duration time.Duration
	Counts   int64
	Source   calibration.Source
}

func (p Plan) Fallback() bool {
	return p.Mode == ModePosition && p.Source == calibration.SourceFallback
}

type Diluter struct {
	logger *zap.Logger
	pumps  Pumper
	ch     Channel
	cal    calibration.Pump

	mu      sync.Mutex
	state   State
	plan    Plan
	started time.Time
	err     error
}

func New(logger *zap.Logger, pumps Pumper, ch Channel, cal calibration.Pump) *Diluter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Diluter{
		logger: logger.With(zap.String("solution", ch.Solution), zap.Uint8("addr", ch.Addr)),
		pumps:  pumps,
		ch:     ch,
		cal:    cal,
	}
}

func (d *Diluter) Channel() Channel {
	return d.ch
}

// Plan resolves how volume µL will be delivered. ModeAuto prefers a position
// move when a volume-per-count calibration exists, then a timed run on flow
// calibration, then a position move on the fallback constant.
func (d *Diluter) Plan(volume float64, mode Mode, rpm int) (Plan, error) {
	if rpm <= 0 {
		rpm = d.ch.RPM
	}
	if rpm <= 0 || rpm > frame.MaxRPM {
		return Plan{}, fmt.Errorf("%w: rpm %d", echemlab.ErrValidation, rpm)
	}
	if volume < 0 {
		return Plan{}, fmt.Errorf("%w: volume %g", echemlab.ErrValidation, volume)
	}
	if mode == ModeAuto {
		switch {
		case d.cal.HasPosition():
			mode = ModePosition
		case d.cal.HasFlow():
			mode = ModeTimed
		default:
			mode = ModePosition
		}
	}
	p := Plan{Mode: mode, Volume: volume, RPM: rpm, Direction: d.ch.Direction}
	switch mode {
	case ModeTimed:
		flow, ok := d.cal.FlowRate(rpm)
		if !ok {
			return Plan{}, fmt.Errorf("%w: pump %d has no flow calibration", echemlab.ErrValidation, d.ch.Addr)
		}
		p.Expected = max(time.Duration(volume/flow*float64(time.Second)), MinDuration)
		p.Duration = p.Expected
	case ModePosition:
		p.Counts, p.Source = d.cal.CountsForVolume(volume)
		if p.Counts > math.MaxInt32 {
			return Plan{}, fmt.Errorf("%w: %d counts exceeds a single move", echemlab.ErrValidation, p.Counts)
		}
		rev := frame.CountsToRevolutions(p.Counts)
		p.Expected = time.Duration(rev / float64(rpm) * 60 * float64(time.Second))
		p.Duration = p.Expected + PositionSlack
		if p.Source == calibration.SourceFallback {
			d.logger.Warn("no volume calibration, assuming fallback µL per revolution",
				zap.Float64("ul_per_rev", calibration.FallbackULPerRev),
				zap.Float64("volume_ul", volume))
		}
	default:
		return Plan{}, fmt.Errorf("%w: mode %d", echemlab.ErrValidation, mode)
	}
	return p, nil
}

func (d *Diluter) setState(s State, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
	d.err = err
}

func (d *Diluter) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Diluter) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Progress returns infused/target in [0, 1]; while infusing it is
// interpolated from elapsed time.
func (d *Diluter) Progress() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case Completed:
		return 1
	case Infusing:
		if d.plan.Expected <= 0 {
			return 0
		}
		return min(float64(time.Since(d.started))/float64(d.plan.Expected), 1)
	default:
		return 0
	}
}

func (d *Diluter) Infused() float64 {
	d.mu.Lock()
	v := d.plan.Volume
	d.mu.Unlock()
	return d.Progress() * v
}

// Infuse executes plan and blocks until the volume is delivered, the pump is
// stopped after cancellation, or an error occurs.
func (d *Diluter) Infuse(ctx context.Context, plan Plan) error {
	d.mu.Lock()
	d.plan = plan
	d.state = Infusing
	d.err = nil
	d.started = time.Now()
	d.mu.Unlock()
	d.logger.Info("infusing",
		zap.Stringer("mode", plan.Mode),
		zap.Float64("volume_ul", plan.Volume),
		zap.Int("rpm", plan.RPM),
		zap.Int64("counts", plan.Counts),
		zap.Duration("expected", plan.Expected))

	if plan.Volume <= 0 || (plan.Mode == ModePosition && plan.Counts == 0) {
		d.setState(Completed, nil)
		return nil
	}
	var err error
	switch plan.Mode {
	case ModeTimed:
		err = d.timed(ctx, plan)
	case ModePosition:
		err = d.position(ctx, plan)
	default:
		err = fmt.Errorf("%w: mode %s", echemlab.ErrValidation, plan.Mode)
	}
	if err != nil {
		d.logger.Error("infusion failed", zap.Error(err))
		d.setState(Failed, err)
		return err
	}
	d.setState(Completed, nil)
	return nil
}

func (d *Diluter) stop(ctx context.Context) error {
	return d.pumps.StopPump(context.WithoutCancel(ctx), d.ch.Addr)
}

func cancelled(ctx context.Context) error {
	return errors.Join(echemlab.ErrCancelled, ctx.Err())
}

func (d *Diluter) timed(ctx context.Context, plan Plan) error {
	if err := d.pumps.StartPump(ctx, d.ch.Addr, plan.Direction, plan.RPM); err != nil {
		return errors.Join(err, d.stop(ctx))
	}
	timer := time.NewTimer(plan.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return d.stop(ctx)
	case <-ctx.Done():
		return errors.Join(cancelled(ctx), d.stop(ctx))
	}
}

func (d *Diluter) position(ctx context.Context, plan Plan) error {
	delta := int32(plan.Counts) * int32(plan.Direction.Sign())
	if err := d.pumps.MovePositionRel(ctx, d.ch.Addr, delta, plan.RPM, DefaultAccel, false); err != nil {
		return errors.Join(err, d.stop(ctx))
	}
	deadline := time.NewTimer(plan.Duration)
	defer deadline.Stop()
	poll := time.NewTicker(StatusPoll)
	defer poll.Stop()
	for {
		select {
		case <-poll.C:
			rs, err := d.pumps.ReadRunStatus(ctx, d.ch.Addr)
			if err != nil {
				d.logger.Debug("run status", zap.Error(err))
				continue
			}
			if rs == frame.RunStopped {
				return nil
			}
		case <-deadline.C:
			d.logger.Warn("position move not confirmed, stopping", zap.Duration("after", plan.Duration))
			return d.stop(ctx)
		case <-ctx.Done():
			return errors.Join(cancelled(ctx), d.stop(ctx))
		}
	}
}
