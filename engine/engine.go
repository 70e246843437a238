// Package engine runs experiment programs: it walks the steps in order,
// sweeps combo parameters and keeps the hardware safe on every exit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/config"
	"github.com/jt05610/echemlab/echem"
	"github.com/jt05610/echemlab/events"
	"github.com/jt05610/echemlab/program"
	"go.uber.org/zap"
	"sync"
	"time"
)

var (
	ErrBusy       = errors.New("engine busy")
	ErrNotRunning = errors.New("engine not running")
	ErrNoProgram  = errors.New("no program loaded")
	ErrNoCombos   = fmt.Errorf("%w: program has no combo parameters", echemlab.ErrValidation)
)

type Options struct {
	Logger     *zap.Logger
	Events     *events.Bus
	Instrument echem.Instrument
	// Open connects the pump bus when it is not connected at start.
	Open func() error
	// Close releases the pump bus on emergency stop.
	Close func() error
	// ProgressInterval is the step_progress cadence, 1 s by default.
	ProgressInterval time.Duration
	// Tick bounds how long an executor goes without checking for pause or
	// cancellation, 500 ms by default.
	Tick      time.Duration
	EchemPoll time.Duration
}

type comboCmd int

const (
	comboNone comboCmd = iota
	comboNext
	comboReset
)

type run struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       *config.Config
	prog      *program.Program
	matrix    program.Matrix
	comboMode bool
	gate      *gate
	done      chan struct{}
	terminal  sync.Once
}

type Engine struct {
	logger        *zap.Logger
	events        *events.Bus
	pumps         Pumps
	inst          echem.Instrument
	open, close   func() error
	progressEvery time.Duration
	tick          time.Duration
	echemPoll     time.Duration

	mu       sync.Mutex
	cfg      *config.Config
	state    State
	starting bool
	prog     *program.Program
	matrix   program.Matrix
	warnings echemlab.Issues
	run      *run
	lastErr  error

	started      time.Time
	finished     time.Time
	step         int
	completed    int
	combo        int
	stepProgress float64
	message      string
	batch        int
	batches      int
	comboCancel  context.CancelFunc
	comboCmd     comboCmd
}

func New(cfg *config.Config, pumps Pumps, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = 500 * time.Millisecond
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{
		logger:        opts.Logger,
		events:        opts.Events,
		pumps:         pumps,
		inst:          opts.Instrument,
		open:          opts.Open,
		close:         opts.Close,
		progressEvery: opts.ProgressInterval,
		tick:          opts.Tick,
		echemPoll:     opts.EchemPoll,
		cfg:           cfg,
	}
}

// SetConfig replaces the configuration used by the next start.
func (e *Engine) SetConfig(cfg *config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

func (e *Engine) publish(runID string, t events.Type, data map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Publish(events.Event{Type: t, RunID: runID, Data: data})
}

func (e *Engine) runID() string {
	if e.run != nil {
		return e.run.id
	}
	return ""
}

// setState must be called without e.mu held.
func (e *Engine) setState(to State) {
	e.mu.Lock()
	from := e.state
	e.state = to
	id := e.runID()
	e.mu.Unlock()
	if from != to {
		e.publish(id, events.StateChanged, map[string]any{"from": from.String(), "to": to.String()})
	}
}

// Load validates p and stores a copy of it as the program of the next
// start. The stored copy is never written by a run.
func (e *Engine) Load(p *program.Program) error {
	e.mu.Lock()
	if e.state.Active() || e.state == Loading || e.starting {
		e.mu.Unlock()
		return ErrBusy
	}
	e.mu.Unlock()
	e.setState(Loading)
	issues := p.Validate()
	if err := issues.Err(); err != nil {
		e.setState(Idle)
		return err
	}
	if _, err := p.Snapshot(p.ComboPaths()); err != nil {
		e.setState(Idle)
		return err
	}
	loaded, err := p.Clone()
	if err != nil {
		e.setState(Idle)
		return err
	}
	matrix := loaded.FillMatrix()
	e.mu.Lock()
	e.prog = loaded
	e.matrix = matrix
	e.warnings = issues.Warnings()
	e.lastErr = nil
	e.mu.Unlock()
	e.logger.Info("program loaded",
		zap.String("program", p.Name),
		zap.Int("steps", len(p.Steps)),
		zap.Int("combos", matrix.Len()))
	e.setState(Ready)
	return nil
}

func (e *Engine) env(cfg *config.Config) *stepEnv {
	return &stepEnv{logger: zap.NewNop(), cfg: cfg, pumps: e.pumps, inst: e.inst}
}

// Precheck validates p against cfg without touching hardware.
func (e *Engine) Precheck(p *program.Program, cfg *config.Config) echemlab.Issues {
	issues := p.Validate()
	issues = append(issues, cfg.Validate()...)
	env := e.env(cfg)
	for i := range p.Steps {
		s := &p.Steps[i]
		if !s.Enabled || !s.HasParams() {
			continue
		}
		if x, ok := executors[s.Type]; ok {
			x.Validate(env, s, i, &issues)
		}
	}
	return issues
}

// Estimate is the nominal duration of one pass over p.
func (e *Engine) Estimate(p *program.Program, cfg *config.Config) time.Duration {
	env := e.env(cfg)
	var total time.Duration
	for i := range p.Steps {
		s := &p.Steps[i]
		if !s.Enabled || !s.HasParams() {
			continue
		}
		if x, ok := executors[s.Type]; ok {
			total += x.Estimate(env, s)
		}
	}
	return total
}

func usesInstrument(p *program.Program) bool {
	for _, s := range p.Steps {
		if s.Enabled && s.Type == program.Echem {
			return true
		}
	}
	return false
}

// Start pre-checks the loaded program against a frozen copy of the
// configuration and, when it passes, opens the hardware and runs it in the
// background. With combo set every combination of the combo parameters is
// run in product order.
func (e *Engine) Start(combo bool) error {
	e.mu.Lock()
	switch {
	case e.prog == nil:
		e.mu.Unlock()
		return ErrNoProgram
	case e.state.Active() || e.state == Loading || e.starting:
		e.mu.Unlock()
		return ErrBusy
	}
	e.starting = true
	// the run works on its own copy; combo values are written into it
	prog, err := e.prog.Clone()
	matrix := e.matrix
	cfg, cerr := e.cfg.Clone()
	e.mu.Unlock()
	err = errors.Join(err, cerr)
	defer func() {
		e.mu.Lock()
		e.starting = false
		e.mu.Unlock()
	}()
	if err != nil {
		return err
	}

	if combo && matrix.Len() == 0 {
		return ErrNoCombos
	}
	issues := e.Precheck(prog, cfg)
	if err := issues.Err(); err != nil {
		e.logger.Error("pre-check failed", zap.Error(err))
		return err
	}
	for _, w := range issues.Warnings() {
		e.logger.Warn("pre-check", zap.String("warning", w.Error()))
	}
	if !e.pumps.Connected() {
		if e.open == nil {
			return echemlab.NewBusError("start", 0, 0, echemlab.ErrPort, errors.New("pump bus not connected"))
		}
		if err := e.open(); err != nil {
			return err
		}
	}
	if usesInstrument(prog) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := e.inst.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: connect: %w", echemlab.ErrInstrument, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		prog:      prog,
		matrix:    matrix,
		comboMode: combo,
		gate:      newGate(),
		done:      make(chan struct{}),
	}
	e.mu.Lock()
	e.run = r
	e.lastErr = nil
	e.started = time.Now()
	e.finished = time.Time{}
	e.step, e.completed, e.combo = 0, 0, 0
	e.stepProgress, e.message = 0, ""
	e.batch, e.batches = 0, 0
	e.warnings = issues.Warnings()
	e.mu.Unlock()
	e.setState(Running)

	total := 1
	if combo {
		total = matrix.Len()
	}
	e.logger.Info("experiment started",
		zap.String("run", r.id),
		zap.String("program", prog.Name),
		zap.Bool("combo", combo),
		zap.Int("combos", total))
	e.publish(r.id, events.ExperimentStarted, map[string]any{
		"program":     prog.Name,
		"combo_mode":  combo,
		"combos":      total,
		"steps":       len(prog.Steps),
		"estimated_s": (e.Estimate(prog, cfg) * time.Duration(total)).Seconds(),
	})
	go e.loop(r)
	go e.reportProgress(r)
	return nil
}

func (e *Engine) loop(r *run) {
	defer close(r.done)
	var err error
	func() {
		defer recoverPanic(&err)
		err = e.execute(r)
	}()
	stopped := r.ctx.Err() != nil
	switch {
	case err == nil && !stopped:
		e.finish(r, Completed, events.ExperimentCompleted, nil)
	case stopped:
		e.stopPumps()
		e.finish(r, Idle, events.ExperimentStopped, nil)
	default:
		e.logger.Error("experiment failed", zap.String("run", r.id), zap.Error(err))
		e.stopPumps()
		e.finish(r, Error, events.ExperimentError, err)
	}
}

func (e *Engine) finish(r *run, st State, t events.Type, err error) {
	e.mu.Lock()
	e.lastErr = err
	e.finished = time.Now()
	elapsed := e.finished.Sub(e.started)
	if st == Completed {
		e.stepProgress = 1
	}
	e.mu.Unlock()
	e.setState(st)
	r.terminal.Do(func() {
		data := map[string]any{"duration_s": elapsed.Seconds()}
		if err != nil {
			data["error"] = err.Error()
		}
		e.logger.Info("experiment finished", zap.String("run", r.id), zap.Stringer("state", st))
		e.publish(r.id, t, data)
	})
}

func (e *Engine) stopPumps() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.pumps.StopAll(ctx); err != nil {
		e.logger.Error("stop all pumps", zap.Error(err))
	}
}

func (e *Engine) execute(r *run) error {
	if !r.comboMode {
		return e.pass(r.ctx, r, 0)
	}
	total := r.matrix.Len()
	for i := 0; i < total; i++ {
		if r.ctx.Err() != nil {
			return cancelled(r.ctx)
		}
		ctx, cancel := context.WithCancel(r.ctx)
		e.mu.Lock()
		e.combo = i
		e.comboCancel = cancel
		e.comboCmd = comboNone
		e.mu.Unlock()
		if err := r.matrix.Apply(r.prog, i); err != nil {
			cancel()
			return err
		}
		e.logger.Info("combo advanced", zap.Int("index", i), zap.Int("total", total), zap.String("params", r.matrix.Describe(i)))
		e.publish(r.id, events.ComboAdvanced, map[string]any{
			"index":  i,
			"total":  total,
			"params": r.matrix.Combo(i),
		})
		err := e.pass(ctx, r, i)
		cancel()
		e.mu.Lock()
		cmd := e.comboCmd
		e.comboCancel = nil
		e.comboCmd = comboNone
		e.mu.Unlock()
		if err != nil && r.ctx.Err() == nil && cmd != comboNone {
			e.stopPumps()
			if cmd == comboReset {
				i = -1
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// pass runs every step of the program once.
func (e *Engine) pass(ctx context.Context, r *run, combo int) error {
	e.mu.Lock()
	e.completed = 0
	e.mu.Unlock()
	for i := range r.prog.Steps {
		s := &r.prog.Steps[i]
		if err := r.gate.Wait(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		if !s.Enabled {
			e.stepDone()
			continue
		}
		e.mu.Lock()
		e.step = i
		e.stepProgress, e.message = 0, ""
		e.batch, e.batches = 0, 0
		e.mu.Unlock()
		e.publish(r.id, events.StepStarted, map[string]any{
			"index": i,
			"type":  string(s.Type),
			"name":  s.Label(),
			"combo": combo,
		})
		start := time.Now()
		err := e.runStep(ctx, e.stepEnv(r, i, combo), s)
		data := map[string]any{
			"index":      i,
			"type":       string(s.Type),
			"name":       s.Label(),
			"combo":      combo,
			"success":    err == nil,
			"duration_s": time.Since(start).Seconds(),
		}
		if err != nil {
			data["error"] = err.Error()
		}
		e.publish(r.id, events.StepCompleted, data)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, s.Label(), err)
		}
		e.stepDone()
	}
	return nil
}

func (e *Engine) stepDone() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed++
	e.stepProgress = 0
}

func (e *Engine) runStep(ctx context.Context, env *stepEnv, s *program.Step) (err error) {
	defer recoverPanic(&err)
	x, ok := executors[s.Type]
	if !ok {
		return fmt.Errorf("%w: unknown step type %q", echemlab.ErrValidation, s.Type)
	}
	env.logger.Info("step started", zap.String("type", string(s.Type)), zap.String("name", s.Label()))
	return x.Execute(ctx, env, s)
}

func (e *Engine) stepEnv(r *run, index, combo int) *stepEnv {
	return &stepEnv{
		logger:    e.logger.With(zap.String("run", r.id), zap.Int("step", index)),
		cfg:       r.cfg,
		pumps:     e.pumps,
		inst:      e.inst,
		gate:      r.gate,
		tick:      e.tick,
		echemPoll: e.echemPoll,
		index:     index,
		combo:     combo,
		runID:     r.id,
		report: func(frac float64, msg string) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.stepProgress, e.message = frac, msg
		},
		setBatch: func(cur, total int) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.batch, e.batches = cur, total
		},
		emit: func(t events.Type, data map[string]any) {
			e.publish(r.id, t, data)
		},
		pauseAfter: func(reason string) {
			e.logger.Warn("pausing", zap.String("reason", reason))
			if err := e.Pause(); err != nil {
				e.logger.Warn("pause refused", zap.Error(err))
			}
		},
	}
}

func (e *Engine) reportProgress(r *run) {
	ticker := time.NewTicker(e.progressEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			p := e.Progress()
			if !p.State.Active() {
				continue
			}
			e.publish(r.id, events.StepProgress, map[string]any{
				"index":    p.Step,
				"combo":    p.Combo,
				"state":    p.State.String(),
				"progress": p.StepProgress,
				"message":  p.Message,
				"batch":    p.Batch,
				"batches":  p.Batches,
				"overall":  p.Overall,
				"elapsed":  p.Elapsed.Seconds(),
			})
		}
	}
}

// Pause holds the run. Timed pumps stop and resume with their remaining
// time; preparations pause between batches.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.state != Running || e.run == nil {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.run.gate.Pause()
	e.mu.Unlock()
	e.setState(Paused)
	return nil
}

func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.state != Paused || e.run == nil {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.run.gate.Resume()
	e.mu.Unlock()
	e.setState(Running)
	return nil
}

// Stop cancels the run. The run stops every pump before it reports
// experiment_stopped.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if (e.state != Running && e.state != Paused) || e.run == nil {
		e.mu.Unlock()
		return ErrNotRunning
	}
	r := e.run
	e.mu.Unlock()
	e.setState(Stopping)
	r.cancel()
	return nil
}

func (e *Engine) comboCommand(cmd comboCmd) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Active() || e.run == nil || !e.run.comboMode {
		return ErrNotRunning
	}
	if e.comboCancel == nil {
		return ErrBusy
	}
	e.comboCmd = cmd
	e.comboCancel()
	return nil
}

// NextCombo abandons the current combination and moves to the next.
func (e *Engine) NextCombo() error {
	return e.comboCommand(comboNext)
}

// ResetCombo abandons the current combination and restarts from the first.
func (e *Engine) ResetCombo() error {
	return e.comboCommand(comboReset)
}

// EmergencyStop stops the run, commands every pump to stop and closes the
// bus.
func (e *Engine) EmergencyStop() error {
	e.logger.Warn("emergency stop")
	_ = e.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.pumps.StopAll(ctx)
	select {
	case <-e.Done():
	case <-ctx.Done():
	}
	if e.close != nil {
		err = errors.Join(err, e.close())
	}
	return err
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done is closed when the current run has finished.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return closedCh
	}
	return e.run.done
}

func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Program returns the loaded program.
// Program returns a copy of the loaded program, or nil before a load.
func (e *Engine) Program() *program.Program {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.prog == nil {
		return nil
	}
	p, err := e.prog.Clone()
	if err != nil {
		e.logger.Error("copy program", zap.Error(err))
		return nil
	}
	return p
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status()
}

// status requires e.mu.
func (e *Engine) status() Status {
	s := Status{
		State: e.state,
		RunID: e.runID(),
		Step:  e.step,
		Combo: e.combo,
	}
	if e.prog != nil {
		s.Program = e.prog.Name
		s.Steps = len(e.prog.Steps)
		if e.step < len(e.prog.Steps) {
			s.StepName = e.prog.Steps[e.step].Label()
		}
	}
	s.Combos = 1
	if e.run != nil && e.run.comboMode {
		s.ComboMode = true
		s.Combos = e.run.matrix.Len()
	}
	if !e.started.IsZero() {
		s.Started = e.started
		end := time.Now()
		if !e.finished.IsZero() {
			end = e.finished
		}
		s.Elapsed = end.Sub(e.started)
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	for _, w := range e.warnings {
		s.Warnings = append(s.Warnings, w.Error())
	}
	return s
}

func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := Progress{
		Status:       e.status(),
		StepProgress: e.stepProgress,
		Message:      e.message,
		Batch:        e.batch,
		Batches:      e.batches,
	}
	switch {
	case e.state == Completed:
		p.Overall = 1
	case p.Steps > 0:
		pass := (float64(e.completed) + e.stepProgress) / float64(p.Steps)
		p.Overall = (float64(p.Combo) + min(pass, 1)) / float64(max(p.Combos, 1))
	}
	return p
}
