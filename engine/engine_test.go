package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/calibration"
	"github.com/jt05610/echemlab/config"
	"github.com/jt05610/echemlab/diluter"
	"github.com/jt05610/echemlab/echem"
	"github.com/jt05610/echemlab/events"
	"github.com/jt05610/echemlab/frame"
	"github.com/jt05610/echemlab/program"
	"github.com/stretchr/testify/require"
	"slices"
	"sync"
	"testing"
	"time"
)

type fakePumps struct {
	mu        sync.Mutex
	calls     []string
	at        []time.Time
	stopAll   int
	connected bool
	failStart error
}

func (f *fakePumps) log(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.at = append(f.at, time.Now())
}

// CallTime returns when call was last made.
func (f *fakePumps) CallTime(call string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i] == call {
			return f.at[i]
		}
	}
	return time.Time{}
}

func (f *fakePumps) StartPump(_ context.Context, addr byte, _ echemlab.Direction, _ int) error {
	f.log("start %d", addr)
	return f.failStart
}

func (f *fakePumps) StopPump(_ context.Context, addr byte) error {
	f.log("stop %d", addr)
	return nil
}

func (f *fakePumps) MovePositionRel(_ context.Context, addr byte, delta int32, _ int, _ byte, _ bool) error {
	f.log("move %d %d", addr, delta)
	return nil
}

func (f *fakePumps) ReadRunStatus(context.Context, byte) (frame.RunStatus, error) {
	return frame.RunStopped, nil
}

func (f *fakePumps) StopAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopAll++
	return nil
}

func (f *fakePumps) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePumps) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakePumps) StopAllCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopAll
}

type recorder struct {
	mu       sync.Mutex
	events   []events.Event
	terminal chan events.Event
}

func record(bus *events.Bus) *recorder {
	r := &recorder{terminal: make(chan events.Event, 8)}
	bus.Subscribe(func(ev events.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		if ev.Type.Terminal() {
			r.terminal <- ev
		}
	})
	return r
}

func (r *recorder) of(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]events.Event, 0)
	for _, ev := range r.events {
		if ev.Type == t {
			ret = append(ret, ev)
		}
	}
	return ret
}

func (r *recorder) waitFor(t *testing.T, typ events.Type, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.of(typ)) >= n
	}, 5*time.Second, 5*time.Millisecond, "waiting for %d %s", n, typ)
}

// finish waits for the terminal event and the end of the run.
func (r *recorder) finish(t *testing.T, e *Engine) events.Event {
	t.Helper()
	var ev events.Event
	select {
	case ev = <-r.terminal:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run goroutine did not exit")
	}
	return ev
}

type harness struct {
	e     *Engine
	pumps *fakePumps
	rec   *recorder
	opens int
}

func newHarness(t *testing.T, cfg *config.Config, inst echem.Instrument) *harness {
	t.Helper()
	bus := events.NewBus(nil, 4096)
	t.Cleanup(bus.Close)
	h := &harness{pumps: &fakePumps{connected: true}, rec: record(bus)}
	if cfg == nil {
		cfg = config.Default()
		cfg.MockMode = true
	}
	h.e = New(cfg, h.pumps, Options{
		Events:     bus,
		Instrument: inst,
		Open: func() error {
			h.opens++
			h.pumps.mu.Lock()
			h.pumps.connected = true
			h.pumps.mu.Unlock()
			return nil
		},
		ProgressInterval: 20 * time.Millisecond,
		Tick:             10 * time.Millisecond,
		EchemPoll:        5 * time.Millisecond,
	})
	return h
}

func parse(t *testing.T, s string) *program.Program {
	t.Helper()
	p, err := program.Parse([]byte(s))
	require.NoError(t, err)
	return p
}

func fastSim() *echem.Sim {
	s := echem.NewSim()
	s.TimeScale = 0.005
	return s
}

const sweep = `{
  "name": "sweep",
  "steps": [
    {"step_type": "blank", "wait_time": 1},
    {"step_type": "echem", "ec_params": {"technique": "CV", "initial_potential": 0, "high_potential": 0.5, "low_potential": 0, "scan_rate": 0.1, "segments": 1}}
  ],
  "combo_params": [
    {"name": "wait", "target_path": "steps[0].wait_time", "values": [0.1, 0.2]},
    {"name": "scan_rate", "target_path": "steps[1].ec_params.scan_rate", "values": [0.05, 0.1]}
  ]
}`

func TestEngine_ComboSweep(t *testing.T) {
	h := newHarness(t, nil, fastSim())
	p := parse(t, sweep)
	require.NoError(t, h.e.Load(p))
	require.Equal(t, Ready, h.e.Status().State)
	require.NoError(t, h.e.Start(true))

	ev := h.rec.finish(t, h.e)
	require.Equal(t, events.ExperimentCompleted, ev.Type)
	require.Equal(t, Completed, h.e.Status().State)
	require.Equal(t, 1.0, h.e.Progress().Overall)

	advanced := h.rec.of(events.ComboAdvanced)
	want := []map[string]float64{
		{"wait": 0.1, "scan_rate": 0.05},
		{"wait": 0.1, "scan_rate": 0.1},
		{"wait": 0.2, "scan_rate": 0.05},
		{"wait": 0.2, "scan_rate": 0.1},
	}
	require.Len(t, advanced, len(want))
	for i, ev := range advanced {
		require.Equal(t, i, ev.Data["index"])
		require.Equal(t, 4, ev.Data["total"])
		require.Equal(t, want[i], ev.Data["params"])
	}
	require.Len(t, h.rec.of(events.EchemData), 4)
	require.Len(t, h.rec.of(events.StepCompleted), 8)
	for _, ev := range h.rec.of(events.StepCompleted) {
		require.Equal(t, true, ev.Data["success"])
	}

	require.Equal(t, 1.0, p.Steps[0].WaitTime)
	require.Equal(t, 0.1, p.Steps[1].EC.ScanRate)
	require.Len(t, h.rec.of(events.ExperimentCompleted), 1)
	require.Empty(t, h.rec.of(events.ExperimentError))
	require.Empty(t, h.rec.of(events.ExperimentStopped))
}

func TestEngine_ProgramReadDuringSweep(t *testing.T) {
	h := newHarness(t, nil, fastSim())
	require.NoError(t, h.e.Load(parse(t, sweep)))
	require.NoError(t, h.e.Start(true))

	stop := make(chan struct{})
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			p := h.e.Program()
			if _, err := json.Marshal(p); err != nil {
				t.Errorf("marshal program: %v", err)
				return
			}
			if p.Steps[0].WaitTime != 1.0 || p.Steps[1].EC.ScanRate != 0.1 {
				t.Errorf("loaded program changed: wait %v scan rate %v", p.Steps[0].WaitTime, p.Steps[1].EC.ScanRate)
				return
			}
		}
	}()

	ev := h.rec.finish(t, h.e)
	close(stop)
	<-readDone
	require.Equal(t, events.ExperimentCompleted, ev.Type)
	require.Len(t, h.rec.of(events.ComboAdvanced), 4)

	a, b := h.e.Program(), h.e.Program()
	a.Steps[0].WaitTime = 99
	require.Equal(t, 1.0, b.Steps[0].WaitTime)
	require.Equal(t, 1.0, h.e.Program().Steps[0].WaitTime)
}

func TestEngine_StartWithoutProgram(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.ErrorIs(t, h.e.Start(false), ErrNoProgram)
	require.NoError(t, h.e.Load(parse(t, `{"name": "x", "steps": [{"step_type": "blank", "wait_time": 0.01}]}`)))
	require.ErrorIs(t, h.e.Start(true), ErrNoCombos)
}

func TestEngine_LoadRejectsInvalid(t *testing.T) {
	h := newHarness(t, nil, nil)
	err := h.e.Load(parse(t, `{"name": "x", "steps": [{"step_type": "blank", "enabled": false}]}`))
	require.ErrorIs(t, err, echemlab.ErrValidation)
	require.Equal(t, Idle, h.e.Status().State)
}

func TestEngine_PrecheckOpensNothing(t *testing.T) {
	cfg := config.Default()
	cfg.MockMode = true
	cfg.Pumps = []config.Pump{{Address: 1}}
	h := newHarness(t, cfg, nil)
	h.pumps.connected = false
	p := parse(t, `{"name": "x", "steps": [
	  {"step_type": "transfer", "transfer_params": {"pump_address": 7, "direction": "forward", "rpm": 100, "duration_s": 1}},
	  {"step_type": "echem", "ec_params": {"technique": "i-t", "run_time": 1}}
	]}`)
	require.NoError(t, h.e.Load(p))

	err := h.e.Start(false)
	require.ErrorIs(t, err, echemlab.ErrValidation)
	var issues echemlab.Issues
	require.ErrorAs(t, err, &issues)
	require.Len(t, issues.Errors(), 2)
	require.Zero(t, h.opens)
	require.Empty(t, h.pumps.Calls())
	require.Equal(t, Ready, h.e.Status().State)
	require.Empty(t, h.rec.of(events.ExperimentStarted))
}

func TestEngine_OpensBus(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.pumps.connected = false
	require.NoError(t, h.e.Load(parse(t, `{"name": "x", "steps": [{"step_type": "blank", "wait_time": 0.01}]}`)))
	require.NoError(t, h.e.Start(false))
	h.rec.finish(t, h.e)
	require.Equal(t, 1, h.opens)
}

func TestEngine_Stop(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.e.Load(parse(t, `{"name": "x", "steps": [{"step_type": "blank", "wait_time": 30}]}`)))
	require.NoError(t, h.e.Start(false))
	h.rec.waitFor(t, events.StepStarted, 1)
	require.NoError(t, h.e.Stop())

	ev := h.rec.finish(t, h.e)
	require.Equal(t, events.ExperimentStopped, ev.Type)
	require.Equal(t, Idle, h.e.Status().State)
	require.GreaterOrEqual(t, h.pumps.StopAllCount(), 1)
	require.ErrorIs(t, h.e.Stop(), ErrNotRunning)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, h.rec.of(events.ExperimentStopped), 1)
	completed := h.rec.of(events.StepCompleted)
	require.Len(t, completed, 1)
	require.Equal(t, false, completed[0].Data["success"])
}

func TestEngine_StepError(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.pumps.failStart = errors.New("no reply")
	require.NoError(t, h.e.Load(parse(t, `{"name": "x", "steps": [
	  {"step_type": "transfer", "transfer_params": {"pump_address": 2, "direction": "forward", "rpm": 100, "duration_s": 1}},
	  {"step_type": "blank", "wait_time": 0.01}
	]}`)))
	require.NoError(t, h.e.Start(false))

	ev := h.rec.finish(t, h.e)
	require.Equal(t, events.ExperimentError, ev.Type)
	require.Contains(t, ev.Data["error"], "no reply")
	require.Equal(t, Error, h.e.Status().State)
	require.Error(t, h.e.Err())
	require.GreaterOrEqual(t, h.pumps.StopAllCount(), 1)
	require.Len(t, h.rec.of(events.StepStarted), 1)
	// a failed start still stops the pump
	require.Contains(t, h.pumps.Calls(), "stop 2")
}

func prepConfig() *config.Config {
	cfg := config.Default()
	cfg.MockMode = true
	fast := 1000.0
	cfg.DilutionChannels = []diluter.Channel{
		{Solution: "HCl", Addr: 1, Stock: 1, RPM: 100},
		{Solution: "water", Addr: 2, RPM: 100},
		{Solution: "NaCl", Addr: 3, Stock: 2, RPM: 100},
	}
	cfg.CalibrationData = map[string]calibration.Pump{
		"1": {ULPerSecAt100RPM: &fast},
		"2": {ULPerSecAt100RPM: &fast},
		"3": {ULPerSecAt100RPM: &fast},
	}
	return cfg
}

func TestEngine_PrepSolBatches(t *testing.T) {
	h := newHarness(t, prepConfig(), nil)
	require.NoError(t, h.e.Load(parse(t, `{"name": "prep", "steps": [{"step_type": "prep_sol", "prep_sol_params": {
	  "total_volume_ul": 200,
	  "target_concentrations": {"HCl": 0.1, "water": 0, "NaCl": 0.2},
	  "is_solvent": {"water": true},
	  "injection_order": ["HCl", "water", "NaCl"],
	  "injection_order_groups": {"HCl": 1, "water": 1, "NaCl": 2},
	  "mode": "timed"
	}}]}`)))
	require.NoError(t, h.e.Start(false))
	ev := h.rec.finish(t, h.e)
	require.Equal(t, events.ExperimentCompleted, ev.Type)

	calls := h.pumps.Calls()
	at := func(c string) int {
		i := slices.Index(calls, c)
		require.GreaterOrEqual(t, i, 0, "missing %q in %v", c, calls)
		return i
	}
	// batch one runs concurrently
	require.Less(t, at("start 2"), at("stop 1"))
	require.Less(t, at("start 1"), at("stop 2"))
	// batch two waits for batch one
	require.Greater(t, at("start 3"), at("stop 1"))
	require.Greater(t, at("start 3"), at("stop 2"))
	require.Less(t, at("start 3"), at("stop 3"))
}

func TestEngine_PrepSolUncalibrated(t *testing.T) {
	cfg := prepConfig()
	delete(cfg.CalibrationData, "3")
	h := newHarness(t, cfg, nil)
	require.NoError(t, h.e.Load(parse(t, `{"name": "prep", "steps": [{"step_type": "prep_sol", "prep_sol_params": {
	  "total_volume_ul": 200,
	  "target_concentrations": {"NaCl": 0.2, "water": 0},
	  "is_solvent": {"water": true}
	}}]}`)))
	err := h.e.Start(false)
	require.ErrorIs(t, err, echemlab.ErrValidation)
	require.Contains(t, err.Error(), "pump 3 has no calibration")
}

func TestEngine_PauseResume(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.e.Load(parse(t, `{"name": "x", "steps": [
	  {"step_type": "transfer", "transfer_params": {"pump_address": 4, "direction": "forward", "rpm": 100, "duration_s": 0.3}}
	]}`)))
	require.ErrorIs(t, h.e.Pause(), ErrNotRunning)
	require.NoError(t, h.e.Start(false))
	h.rec.waitFor(t, events.StepStarted, 1)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.e.Pause())
	require.Equal(t, Paused, h.e.Status().State)
	require.Eventually(t, func() bool {
		return slices.Equal(h.pumps.Calls(), []string{"start 4", "stop 4"})
	}, time.Second, 5*time.Millisecond)

	time.Sleep(400 * time.Millisecond)
	require.Empty(t, h.rec.of(events.StepCompleted))
	require.NoError(t, h.e.Resume())

	ev := h.rec.finish(t, h.e)
	require.Equal(t, events.ExperimentCompleted, ev.Type)
	require.Equal(t, []string{"start 4", "stop 4", "start 4", "stop 4"}, h.pumps.Calls())
}

func flushConfig() *config.Config {
	cfg := config.Default()
	cfg.MockMode = true
	cfg.FlushChannels = []config.FlushChannel{
		{Role: echemlab.RoleInlet, Addr: 4, RPM: 400, Duration: 1},
		{Role: echemlab.RoleTransfer, Addr: 5, RPM: 400, Duration: 1},
		{Role: echemlab.RoleOutlet, Addr: 6, Direction: echemlab.Reverse, RPM: 400, Duration: 1},
	}
	return cfg
}

func TestEngine_PauseDuringFlush(t *testing.T) {
	h := newHarness(t, flushConfig(), nil)
	require.NoError(t, h.e.Load(parse(t, `{"name": "flush", "steps": [
	  {"step_type": "flush", "flush_params": {"cycles": 1, "phase_duration_s": 0.5}}
	]}`)))
	require.NoError(t, h.e.Start(false))
	require.Eventually(t, func() bool {
		return slices.Equal(h.pumps.Calls(), []string{"start 4"})
	}, time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, h.e.Pause())
	require.Equal(t, Paused, h.e.Status().State)
	require.Eventually(t, func() bool {
		return slices.Equal(h.pumps.Calls(), []string{"start 4", "stop 4"})
	}, time.Second, 5*time.Millisecond)

	// pumps stay off while paused
	time.Sleep(600 * time.Millisecond)
	require.Equal(t, []string{"start 4", "stop 4"}, h.pumps.Calls())
	require.Empty(t, h.rec.of(events.StepCompleted))
	require.NoError(t, h.e.Resume())

	ev := h.rec.finish(t, h.e)
	require.Equal(t, events.ExperimentCompleted, ev.Type)
	require.Equal(t, []string{
		"start 4", "stop 4", "start 4", "stop 4",
		"start 5", "stop 5", "start 6", "stop 6",
	}, h.pumps.Calls())
	done := h.rec.of(events.StepCompleted)
	require.Len(t, done, 1)
	require.Equal(t, true, done[0].Data["success"])

	// the inlet phase resumes with what was left of it, not a full phase
	resumed := h.pumps.CallTime("start 4")
	rest := h.pumps.CallTime("stop 4").Sub(resumed)
	require.Greater(t, rest, 50*time.Millisecond)
	require.Less(t, rest, 400*time.Millisecond)
}

func ocptProgram(action echem.Action) string {
	return fmt.Sprintf(`{"name": "ocpt", "steps": [
	  {"step_type": "echem", "ec_params": {"technique": "i-t", "run_time": 60,
	    "ocpt_enabled": true, "ocpt_threshold_ua": 1, "ocpt_action": %q, "ocpt_interval": 0.01}},
	  {"step_type": "blank", "wait_time": 0.01}
	]}`, action)
}

func TestEngine_OCPTAbort(t *testing.T) {
	inst := echem.NewSim()
	inst.TimeScale = 0.1
	inst.CurrentFunc = func(time.Duration) float64 { return 0 }
	h := newHarness(t, nil, inst)
	require.NoError(t, h.e.Load(parse(t, ocptProgram(echem.ActionAbort))))
	require.NoError(t, h.e.Start(false))

	ev := h.rec.finish(t, h.e)
	require.Equal(t, events.ExperimentError, ev.Type)
	require.ErrorIs(t, h.e.Err(), echem.ErrThreshold)
	require.True(t, inst.Stopped())
	data := h.rec.of(events.EchemData)
	require.Len(t, data, 1)
	require.Equal(t, true, data[0].Data["triggered"])
}

func TestEngine_OCPTPause(t *testing.T) {
	inst := echem.NewSim()
	inst.TimeScale = 0.1
	inst.CurrentFunc = func(time.Duration) float64 { return 0 }
	h := newHarness(t, nil, inst)
	require.NoError(t, h.e.Load(parse(t, ocptProgram(echem.ActionPause))))
	require.NoError(t, h.e.Start(false))

	require.Eventually(t, func() bool {
		return h.e.Status().State == Paused
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, h.rec.of(events.StepStarted), 1)
	require.NoError(t, h.e.Resume())

	ev := h.rec.finish(t, h.e)
	require.Equal(t, events.ExperimentCompleted, ev.Type)
	require.Len(t, h.rec.of(events.StepStarted), 2)
}

func TestEngine_NextCombo(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.e.Load(parse(t, `{"name": "x",
	  "steps": [{"step_type": "blank", "wait_time": 1}],
	  "combo_params": [{"name": "wait", "target_path": "steps[0].wait_time", "values": [30, 0.01]}]
	}`)))
	require.ErrorIs(t, h.e.NextCombo(), ErrNotRunning)
	require.NoError(t, h.e.Start(true))
	h.rec.waitFor(t, events.StepStarted, 1)
	require.NoError(t, h.e.NextCombo())

	ev := h.rec.finish(t, h.e)
	require.Equal(t, events.ExperimentCompleted, ev.Type)
	advanced := h.rec.of(events.ComboAdvanced)
	require.Len(t, advanced, 2)
	require.Equal(t, 1, advanced[1].Data["index"])
	require.Equal(t, 1.0, h.e.Program().Steps[0].WaitTime)
}

func TestEngine_Progress(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.e.Load(parse(t, `{"name": "x", "steps": [
	  {"step_type": "blank", "wait_time": 0.01},
	  {"step_type": "blank", "wait_time": 0.01, "enabled": false},
	  {"step_type": "blank", "wait_time": 0.3}
	]}`)))
	require.NoError(t, h.e.Start(false))
	h.rec.waitFor(t, events.StepProgress, 2)
	ev := h.rec.finish(t, h.e)
	require.Equal(t, events.ExperimentCompleted, ev.Type)
	require.Len(t, h.rec.of(events.StepStarted), 2)
	for _, ev := range h.rec.of(events.StepProgress) {
		o := ev.Data["overall"].(float64)
		require.GreaterOrEqual(t, o, 0.0)
		require.LessOrEqual(t, o, 1.0)
	}
}
