package engine

import (
	"context"
	"errors"
	"fmt"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/calibration"
	"github.com/jt05610/echemlab/config"
	"github.com/jt05610/echemlab/diluter"
	"github.com/jt05610/echemlab/echem"
	"github.com/jt05610/echemlab/events"
	"github.com/jt05610/echemlab/flusher"
	"github.com/jt05610/echemlab/frame"
	"github.com/jt05610/echemlab/program"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"time"
)

type transferStep struct{}

func (transferStep) Estimate(_ *stepEnv, s *program.Step) time.Duration {
	return seconds(s.Transfer.Duration)
}

func (transferStep) Validate(env *stepEnv, s *program.Step, i int, issues *echemlab.Issues) {
	p := s.Transfer
	if !env.declared(p.PumpAddress) {
		issues.Errorf(i, "transfer_params.pump_address", "pump %d is not declared", p.PumpAddress)
	}
	if p.RPM > frame.MaxRPM {
		issues.Errorf(i, "transfer_params.rpm", "rpm %d above %d", p.RPM, frame.MaxRPM)
	}
}

func (transferStep) Execute(ctx context.Context, env *stepEnv, s *program.Step) error {
	p := s.Transfer
	return env.runPump(ctx, byte(p.PumpAddress), p.Direction, p.RPM, seconds(p.Duration), "transfer")
}

type evacuateStep struct{}

// resolve fills the evacuation pump from the outlet channel when the step
// leaves it unset.
func (evacuateStep) resolve(cfg *config.Config, p *program.EvacuateParams) (addr byte, dir echemlab.Direction, rpm int, err error) {
	out, hasOutlet := cfg.FlushChannel(echemlab.RoleOutlet)
	switch {
	case p.PumpAddress > 0:
		addr = byte(p.PumpAddress)
	case hasOutlet:
		addr = byte(out.Addr)
	default:
		return 0, 0, 0, fmt.Errorf("%w: no pump address and no outlet channel", echemlab.ErrValidation)
	}
	if hasOutlet {
		dir, rpm = out.Direction, out.RPM
	}
	if p.Direction != nil {
		dir = *p.Direction
	}
	if p.RPM > 0 {
		rpm = p.RPM
	}
	if rpm <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: no rpm for evacuation pump %d", echemlab.ErrValidation, addr)
	}
	return addr, dir, rpm, nil
}

func (evacuateStep) Estimate(_ *stepEnv, s *program.Step) time.Duration {
	return seconds(s.Evacuate.Duration)
}

func (x evacuateStep) Validate(env *stepEnv, s *program.Step, i int, issues *echemlab.Issues) {
	addr, _, rpm, err := x.resolve(env.cfg, s.Evacuate)
	if err != nil {
		issues.Errorf(i, "evacuate_params", "%v", err)
		return
	}
	if !env.declared(int(addr)) {
		issues.Errorf(i, "evacuate_params.pump_address", "pump %d is not declared", addr)
	}
	if rpm > frame.MaxRPM {
		issues.Errorf(i, "evacuate_params.rpm", "rpm %d above %d", rpm, frame.MaxRPM)
	}
}

func (x evacuateStep) Execute(ctx context.Context, env *stepEnv, s *program.Step) error {
	addr, dir, rpm, err := x.resolve(env.cfg, s.Evacuate)
	if err != nil {
		return err
	}
	return env.runPump(ctx, addr, dir, rpm, seconds(s.Evacuate.Duration), "evacuate")
}

type blankStep struct{}

func (blankStep) Estimate(_ *stepEnv, s *program.Step) time.Duration {
	return seconds(s.WaitTime)
}

func (blankStep) Validate(*stepEnv, *program.Step, int, *echemlab.Issues) {}

func (blankStep) Execute(ctx context.Context, env *stepEnv, s *program.Step) error {
	return env.hold(ctx, seconds(s.WaitTime), "blank", nil, nil)
}

type flushStep struct{}

func (flushStep) config(env *stepEnv, s *program.Step) flusher.Config {
	cycles, phase, rpm := 1, time.Duration(0), 0
	if p := s.Flush; p != nil {
		if p.Cycles > 0 {
			cycles = p.Cycles
		}
		phase = seconds(p.PhaseDuration)
		rpm = p.RPM
	}
	return env.cfg.FlushConfig(cycles, phase, rpm)
}

func (x flushStep) Estimate(env *stepEnv, s *program.Step) time.Duration {
	return x.config(env, s).TotalDuration()
}

func (x flushStep) Validate(env *stepEnv, s *program.Step, i int, issues *echemlab.Issues) {
	if err := x.config(env, s).Validate(); err != nil {
		var found echemlab.Issues
		if errors.As(err, &found) {
			for _, is := range found {
				issues.Errorf(i, "flush_params."+is.Field, "%s", is.Message)
			}
			return
		}
		issues.Errorf(i, "flush_params", "%v", err)
	}
}

func (x flushStep) Execute(ctx context.Context, env *stepEnv, s *program.Step) error {
	cfg := x.config(env, s)
	f := flusher.New(env.logger, env.pumps, cfg, flusher.Callbacks{
		OnPhase: func(cycle int, _ echemlab.Role) {
			env.setBatch(cycle, cfg.Cycles)
		},
	})
	done := make(chan error, 1)
	go func() {
		done <- f.Run(ctx)
	}()
	ticker := time.NewTicker(env.tick)
	defer ticker.Stop()
	for {
		paused := env.gate.pausedSignal()
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			st := f.Status()
			env.progress(st.Overall, fmt.Sprintf("flush cycle %d/%d %s", st.Cycle, st.TotalCycles, st.Phase))
		case <-paused:
			f.Pause()
			if err := env.gate.Wait(ctx); err != nil {
				return errors.Join(err, <-done)
			}
			// the flusher may not have reached its pause point yet
			for !f.Resume() {
				if st := f.Status().State; st != flusher.Running && st != flusher.Paused {
					break
				}
				select {
				case err := <-done:
					return err
				case <-time.After(10 * time.Millisecond):
				}
			}
		}
	}
}

type echemStep struct{}

func (echemStep) Estimate(_ *stepEnv, s *program.Step) time.Duration {
	return s.EC.EstimateDuration()
}

func (echemStep) Validate(env *stepEnv, s *program.Step, i int, issues *echemlab.Issues) {
	if env.inst == nil {
		issues.Errorf(i, "ec_params", "no electrochemistry instrument configured")
		return
	}
	if t, err := echem.ParseTechnique(s.EC.Technique); err == nil && !env.inst.HasTechnique(t) {
		issues.Errorf(i, "ec_params.technique", "instrument does not support %s", t)
	}
}

func (echemStep) Execute(ctx context.Context, env *stepEnv, s *program.Step) error {
	r := echem.Runner{Logger: env.logger, Poll: env.echemPoll}
	res, err := r.Measure(ctx, env.inst, *s.EC, env.progress)
	data := map[string]any{
		"index":     env.index,
		"combo":     env.combo,
		"technique": res.Technique.String(),
		"points":    res.Points,
		"triggered": res.Triggered,
	}
	if len(res.Points) > 0 && env.cfg.DataDir != "" {
		path, werr := writeData(env.cfg.DataDir, env.runID, env.index, env.combo, res)
		if werr != nil {
			env.logger.Error("write echem data", zap.Error(werr))
		} else {
			data["file"] = path
		}
	}
	if len(res.Points) > 0 || res.Triggered {
		env.emit(events.EchemData, data)
	}
	if err == nil && res.Triggered && res.Action == echem.ActionPause {
		env.pauseAfter(fmt.Sprintf("ocpt threshold crossed at %.3g µA", res.TriggerCurrent))
	}
	return err
}

type prepSolStep struct{}

type infusion struct {
	d    *diluter.Diluter
	plan diluter.Plan
}

// plan resolves every participant of the step into a diluter and a plan.
// A nil pumps value is fine for planning.
func (prepSolStep) plan(env *stepEnv, p *program.PrepSolParams, logger *zap.Logger) (map[string]infusion, error) {
	mode, err := diluter.ParseMode(p.Mode)
	if err != nil {
		return nil, err
	}
	order := p.Order()
	reqs := make([]diluter.Request, len(order))
	chans := make([]diluter.Channel, len(order))
	for i, name := range order {
		ch, ok := env.cfg.Channel(name)
		if !ok {
			return nil, fmt.Errorf("%w: no dilution channel for %s", echemlab.ErrValidation, name)
		}
		chans[i] = ch
		reqs[i] = diluter.Request{Solution: name, Target: p.Targets[name], Stock: ch.Stock, Solvent: p.IsSolvent[name]}
	}
	vols, err := diluter.Volumes(p.TotalVolume, reqs)
	if err != nil {
		return nil, err
	}
	ret := make(map[string]infusion, len(order))
	for i, name := range order {
		d := diluter.New(logger, env.pumps, chans[i], env.cfg.Calibration(chans[i].Addr))
		plan, err := d.Plan(vols[i], mode, p.RPM)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		ret[name] = infusion{d: d, plan: plan}
	}
	return ret, nil
}

func (x prepSolStep) Estimate(env *stepEnv, s *program.Step) time.Duration {
	plans, err := x.plan(env, s.PrepSol, zap.NewNop())
	if err != nil {
		return 0
	}
	var total time.Duration
	for _, batch := range s.PrepSol.Batches() {
		var longest time.Duration
		for _, name := range batch {
			longest = max(longest, plans[name].plan.Expected)
		}
		total += longest
	}
	return total
}

func (x prepSolStep) Validate(env *stepEnv, s *program.Step, i int, issues *echemlab.Issues) {
	p := s.PrepSol
	seen := make(map[byte]string)
	for _, name := range p.Order() {
		ch, ok := env.cfg.Channel(name)
		if !ok {
			continue
		}
		if other, dup := seen[ch.Addr]; dup {
			issues.Errorf(i, "prep_sol_params", "%s and %s share pump %d", other, name, ch.Addr)
		}
		seen[ch.Addr] = name
		if !env.cfg.Calibration(ch.Addr).HasAny() && !env.cfg.IsFlushPump(ch.Addr) {
			issues.Errorf(i, "prep_sol_params."+name, "pump %d has no calibration", ch.Addr)
		}
	}
	plans, err := x.plan(env, p, zap.NewNop())
	if err != nil {
		issues.Errorf(i, "prep_sol_params", "%v", err)
		return
	}
	for _, name := range p.Order() {
		if plans[name].plan.Fallback() {
			issues.Warnf(i, "prep_sol_params."+name, "no volume calibration for pump %d, assuming %.0f µL/rev",
				plans[name].d.Channel().Addr, calibration.FallbackULPerRev)
		}
	}
}

func (x prepSolStep) Execute(ctx context.Context, env *stepEnv, s *program.Step) error {
	plans, err := x.plan(env, s.PrepSol, env.logger)
	if err != nil {
		return err
	}
	batches := s.PrepSol.Batches()
	for bi, batch := range batches {
		if err := env.gate.Wait(ctx); err != nil {
			return err
		}
		env.setBatch(bi+1, len(batches))
		env.logger.Info("prep batch", zap.Int("batch", bi+1), zap.Strings("solutions", batch))
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range batch {
			inf := plans[name]
			g.Go(func() (err error) {
				defer recoverPanic(&err)
				return inf.d.Infuse(gctx, inf.plan)
			})
		}
		done := make(chan error, 1)
		go func() {
			done <- g.Wait()
		}()
		ticker := time.NewTicker(env.tick)
	wait:
		for {
			select {
			case err := <-done:
				ticker.Stop()
				if err != nil {
					return err
				}
				break wait
			case <-ticker.C:
				var sum float64
				for _, name := range batch {
					sum += plans[name].d.Progress()
				}
				frac := (float64(bi) + sum/float64(len(batch))) / float64(len(batches))
				env.progress(frac, fmt.Sprintf("batch %d/%d", bi+1, len(batches)))
			}
		}
	}
	env.progress(1, "solution prepared")
	return nil
}

func recoverPanic(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("panic: %v", r)
	}
}
