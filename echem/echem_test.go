package echem

import (
	"context"
	"errors"
	"github.com/jt05610/echemlab"
	"testing"
	"time"
)

func TestParseTechnique(t *testing.T) {
	cases := []struct {
		in   string
		want Technique
		err  bool
	}{
		{"CV", CV, false},
		{"cv", CV, false},
		{"i-t", IT, false},
		{" IT ", IT, false},
		{"OCPT", OCPT, false},
		{"SWV", SWV, false},
		{"EIS", 0, true},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			got, err := ParseTechnique(c.in)
			if c.err {
				if !errors.Is(err, echemlab.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil || got != c.want {
				t.Fatalf("expected %s, got %s (%v)", c.want, got, err)
			}
		})
	}
	if IT.String() != "i-t" || int(OCPT) != 12 {
		t.Fatal("unexpected technique numbering")
	}
}

func TestParams_Check(t *testing.T) {
	cases := []struct {
		name   string
		params Params
		errors int
	}{
		{"cv ok", Params{Technique: "CV", HighPotential: 0.8, LowPotential: -0.2, ScanRate: 0.1, Segments: 2}, 0},
		{"cv inverted", Params{Technique: "CV", HighPotential: -0.2, LowPotential: 0.8, ScanRate: 0.1, Segments: 2}, 1},
		{"cv no rate", Params{Technique: "CV", HighPotential: 0.8, LowPotential: -0.2, Segments: 0}, 2},
		{"it no time", Params{Technique: "i-t"}, 1},
		{"bad action", Params{Technique: "i-t", RunTime: 5, OCPTEnabled: true, OCPTAction: "explode"}, 1},
		{"bad condition", Params{Technique: "i-t", RunTime: 5, OCPTEnabled: true, OCPTCondition: "current +"}, 1},
		{"unknown", Params{Technique: "XYZ"}, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var issues echemlab.Issues
			c.params.Check(&issues, 2)
			if len(issues) != c.errors {
				t.Fatalf("expected %d issues, got %v", c.errors, issues)
			}
			for _, is := range issues {
				if is.Step != 2 {
					t.Fatalf("issue not tagged with step: %+v", is)
				}
			}
		})
	}
}

func TestParams_EstimateDuration(t *testing.T) {
	cv := Params{Technique: "CV", HighPotential: 0.5, LowPotential: -0.5, ScanRate: 0.1, Segments: 2, QuietTime: 2}
	if got := cv.EstimateDuration(); got != 22*time.Second {
		t.Fatalf("expected 22s, got %s", got)
	}
	it := Params{Technique: "i-t", RunTime: 30}
	if got := it.EstimateDuration(); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
}

func TestMonitor(t *testing.T) {
	m, err := NewMonitor(Params{OCPTEnabled: true, OCPTThreshold: -5})
	if err != nil {
		t.Fatal(err)
	}
	if m.Condition() != DefaultCondition || m.Action != ActionLog || m.Interval != 500*time.Millisecond {
		t.Fatalf("unexpected defaults %+v", m)
	}
	for _, c := range []struct {
		current float64
		want    bool
	}{{0, false}, {-4.9, false}, {-5, true}, {-20, true}} {
		got, err := m.Check(c.current, time.Second)
		if err != nil || got != c.want {
			t.Fatalf("current %g: expected %v, got %v (%v)", c.current, c.want, got, err)
		}
	}
	custom, err := NewMonitor(Params{OCPTThreshold: 3, OCPTCondition: "abs(current) >= threshold && elapsed > 1"})
	if err != nil {
		t.Fatal(err)
	}
	if hit, _ := custom.Check(-4, 500*time.Millisecond); hit {
		t.Fatal("fired before elapsed guard")
	}
	if hit, _ := custom.Check(-4, 2*time.Second); !hit {
		t.Fatal("custom condition did not fire")
	}
	if _, err := NewMonitor(Params{OCPTCondition: "current"}); !errors.Is(err, echemlab.ErrValidation) {
		t.Fatalf("expected non-bool condition to be rejected, got %v", err)
	}
}

func TestConfigure(t *testing.T) {
	sim := NewSim()
	if err := sim.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := Params{Technique: "CV", InitialPotential: 0.1, HighPotential: 0.8, LowPotential: -0.2, ScanRate: 0.05, Segments: 4, QuietTime: 2}
	tech, err := Configure(sim, p)
	if err != nil || tech != CV {
		t.Fatalf("configure: %s %v", tech, err)
	}
	want := map[string]float64{
		ParamInitialE: 0.1, ParamHighE: 0.8, ParamLowE: -0.2,
		ParamScanRate: 0.05, ParamSegments: 4, ParamQuietTime: 2,
	}
	for name, v := range want {
		got, err := sim.GetParameter(name)
		if err != nil || got != v {
			t.Fatalf("%s: expected %g, got %g (%v)", name, v, got, err)
		}
	}
	limited := NewSim()
	limited.Techniques = []Technique{IT}
	_ = limited.Connect(context.Background())
	if _, err := Configure(limited, p); !errors.Is(err, echemlab.ErrInstrument) {
		t.Fatalf("expected instrument error, got %v", err)
	}
}

func connectedSim(t *testing.T, current func(time.Duration) float64) *Sim {
	t.Helper()
	sim := NewSim()
	sim.CurrentFunc = current
	if err := sim.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return sim
}

func TestMeasure(t *testing.T) {
	sim := connectedSim(t, nil)
	var last float64
	r := Runner{Poll: 10 * time.Millisecond}
	res, err := r.Measure(context.Background(), sim, Params{Technique: "i-t", RunTime: 0.1}, func(f float64, _ string) {
		last = f
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Triggered || len(res.Points) != 100 || last != 1 {
		t.Fatalf("unexpected result: triggered=%v points=%d progress=%g", res.Triggered, len(res.Points), last)
	}
}

func TestMeasure_OCPT(t *testing.T) {
	falling := func(at time.Duration) float64 {
		return -100 * at.Seconds()
	}
	cases := []struct {
		action  Action
		err     error
		stopped bool
	}{
		{ActionLog, nil, false},
		{ActionPause, nil, true},
		{ActionAbort, ErrThreshold, true},
	}
	for _, c := range cases {
		t.Run(string(c.action), func(t *testing.T) {
			sim := connectedSim(t, falling)
			p := Params{
				Technique:     "i-t",
				RunTime:       0.3,
				OCPTEnabled:   true,
				OCPTThreshold: -5,
				OCPTAction:    c.action,
				OCPTInterval:  0.01,
			}
			res, err := Runner{Poll: 10 * time.Millisecond}.Measure(context.Background(), sim, p, nil)
			if !errors.Is(err, c.err) || (c.err == nil && err != nil) {
				t.Fatalf("expected %v, got %v", c.err, err)
			}
			if !res.Triggered || res.Action != c.action || res.TriggerCurrent > -5 {
				t.Fatalf("unexpected result %+v", res)
			}
			if sim.Stopped() != c.stopped {
				t.Fatalf("expected stopped=%v", c.stopped)
			}
		})
	}
}

func TestMeasure_Cancel(t *testing.T) {
	sim := connectedSim(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Runner{Poll: 10 * time.Millisecond}.Measure(ctx, sim, Params{Technique: "i-t", RunTime: 10}, nil)
	if !errors.Is(err, echemlab.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if running, _ := sim.IsRunning(); running || !sim.Stopped() {
		t.Fatal("measurement left running")
	}
}

func TestMeasure_RunFailure(t *testing.T) {
	sim := connectedSim(t, nil)
	sim.FailRun = errors.New("cell disconnected")
	_, err := Runner{}.Measure(context.Background(), sim, Params{Technique: "i-t", RunTime: 1}, nil)
	if !errors.Is(err, echemlab.ErrInstrument) {
		t.Fatalf("expected instrument error, got %v", err)
	}
}
