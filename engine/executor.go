package engine

import (
	"context"
	"fmt"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/config"
	"github.com/jt05610/echemlab/echem"
	"github.com/jt05610/echemlab/events"
	"github.com/jt05610/echemlab/frame"
	"github.com/jt05610/echemlab/program"
	"go.uber.org/zap"
	"time"
)

// Pumps is the part of the pump manager the engine drives.
type Pumps interface {
	StartPump(ctx context.Context, addr byte, dir echemlab.Direction, rpm int) error
	StopPump(ctx context.Context, addr byte) error
	MovePositionRel(ctx context.Context, addr byte, delta int32, speed int, accel byte, wait bool) error
	ReadRunStatus(ctx context.Context, addr byte) (frame.RunStatus, error)
	StopAll(ctx context.Context) error
	Connected() bool
}

// Executor runs one kind of step. Executors hold no state between steps.
type Executor interface {
	Estimate(env *stepEnv, s *program.Step) time.Duration
	Validate(env *stepEnv, s *program.Step, i int, issues *echemlab.Issues)
	Execute(ctx context.Context, env *stepEnv, s *program.Step) error
}

var executors = map[program.StepType]Executor{
	program.PrepSol:  prepSolStep{},
	program.Transfer: transferStep{},
	program.Flush:    flushStep{},
	program.Echem:    echemStep{},
	program.Blank:    blankStep{},
	program.Evacuate: evacuateStep{},
}

// stepEnv is what an executor may touch while it runs.
type stepEnv struct {
	logger *zap.Logger
	cfg    *config.Config
	pumps  Pumps
	inst   echem.Instrument
	gate   *gate
	// tick is the progress and cancellation cadence of timed holds.
	tick      time.Duration
	echemPoll time.Duration

	index int
	combo int
	runID string

	report     func(frac float64, msg string)
	setBatch   func(cur, total int)
	emit       func(t events.Type, data map[string]any)
	pauseAfter func(reason string)
}

func (e *stepEnv) progress(frac float64, msg string) {
	if e.report != nil {
		e.report(min(max(frac, 0), 1), msg)
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// hold waits d of running time. While the gate is paused the clock stops;
// onPause runs when a pause begins and onResume when it ends.
func (e *stepEnv) hold(ctx context.Context, d time.Duration, label string, onPause, onResume func(context.Context) error) error {
	remaining := d
	for remaining > 0 {
		paused := e.gate.pausedSignal()
		t0 := time.Now()
		timer := time.NewTimer(min(remaining, e.tick))
		select {
		case <-timer.C:
			remaining -= time.Since(t0)
			e.progress(1-float64(max(remaining, 0))/float64(d), fmt.Sprintf("%s %.1fs left", label, max(remaining, 0).Seconds()))
		case <-paused:
			timer.Stop()
			remaining -= time.Since(t0)
			if onPause != nil {
				if err := onPause(context.WithoutCancel(ctx)); err != nil {
					return err
				}
			}
			e.logger.Info("step paused", zap.Duration("remaining", remaining))
			if err := e.gate.Wait(ctx); err != nil {
				return err
			}
			if onResume != nil && remaining > 0 {
				if err := onResume(ctx); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			timer.Stop()
			return cancelled(ctx)
		}
	}
	e.progress(1, label+" done")
	return nil
}

// runPump drives addr for d, stopping it across pauses and on every exit.
func (e *stepEnv) runPump(ctx context.Context, addr byte, dir echemlab.Direction, rpm int, d time.Duration, label string) error {
	start := func(ctx context.Context) error {
		return e.pumps.StartPump(ctx, addr, dir, rpm)
	}
	stop := func(ctx context.Context) error {
		return e.pumps.StopPump(ctx, addr)
	}
	if err := start(ctx); err != nil {
		_ = stop(context.WithoutCancel(ctx))
		return err
	}
	err := e.hold(ctx, d, label, stop, start)
	if stopErr := stop(context.WithoutCancel(ctx)); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

func (e *stepEnv) declared(addr int) bool {
	if len(e.cfg.Pumps) == 0 {
		return true
	}
	for _, p := range e.cfg.Pumps {
		if p.Address == addr {
			return true
		}
	}
	return false
}
