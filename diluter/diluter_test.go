package diluter

import (
	"context"
	"errors"
	"fmt"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/bus"
	"github.com/jt05610/echemlab/calibration"
	"github.com/jt05610/echemlab/frame"
	"github.com/jt05610/echemlab/pump"
	"github.com/jt05610/echemlab/sim"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func ptr[T any](v T) *T {
	return &v
}

func TestVolumes(t *testing.T) {
	hcl := Request{Solution: "HCl", Target: 0.1, Stock: 1}
	water := Request{Solution: "water", Solvent: true}
	nacl := Request{Solution: "NaCl", Target: 0.2, Stock: 2}
	for _, tc := range []struct {
		name    string
		total   float64
		reqs    []Request
		expect  []float64
		wantErr bool
	}{
		{"hclWater", 10000, []Request{hcl, water}, []float64{1000, 9000}, false},
		{"threeWay", 10000, []Request{hcl, water, nacl}, []float64{1000, 8000, 1000}, false},
		{"twoSolvents", 1000, []Request{{Target: 0.5, Stock: 1}, water, water}, []float64{500, 250, 250}, false},
		{"noSolvent", 1000, []Request{hcl}, []float64{100}, false},
		{"exceedsStock", 1000, []Request{{Target: 2, Stock: 1}}, nil, true},
		{"zeroStock", 1000, []Request{{Target: 0.1}}, nil, true},
		{"zeroTarget", 1000, []Request{{Target: 0, Stock: 0}, water}, []float64{0, 1000}, false},
		{"overfull", 1000, []Request{{Target: 0.8, Stock: 1}, {Target: 0.8, Stock: 1}, water}, nil, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Volumes(tc.total, tc.reqs)
			if tc.wantErr {
				if !errors.Is(err, echemlab.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			for i := range tc.expect {
				if !floatEquals(got[i], tc.expect[i]) {
					t.Fatalf("expected %v, got %v", tc.expect, got)
				}
			}
		})
	}
}

func TestComputeVolume_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 10000; i++ {
		stock := rng.Float64()*5 + 1e-6
		target := rng.Float64() * stock
		total := rng.Float64() * 50000
		v, err := ComputeVolume(target, total, stock)
		if err != nil {
			t.Fatal(err)
		}
		if v < 0 || v > total*(1+1e-12) {
			t.Fatalf("volume %g outside [0, %g]", v, total)
		}
		others := rng.Float64() * total
		vols, err := Volumes(total, []Request{{Target: others / total * stock, Stock: stock}, {Solvent: true}})
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(vols[1]-(total-vols[0])) > 1e-6 {
			t.Fatalf("solvent %g != total - others %g", vols[1], total-vols[0])
		}
	}
}

type fakePumps struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakePumps) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakePumps) StartPump(_ context.Context, addr byte, dir echemlab.Direction, rpm int) error {
	f.record(fmt.Sprintf("start %d %s %d", addr, dir, rpm))
	return nil
}

func (f *fakePumps) StopPump(_ context.Context, addr byte) error {
	f.record(fmt.Sprintf("stop %d", addr))
	return nil
}

func (f *fakePumps) MovePositionRel(_ context.Context, addr byte, delta int32, speed int, _ byte, _ bool) error {
	f.record(fmt.Sprintf("move %d %d %d", addr, delta, speed))
	return nil
}

func (f *fakePumps) ReadRunStatus(context.Context, byte) (frame.RunStatus, error) {
	return frame.RunStopped, nil
}

func TestPlan(t *testing.T) {
	ch := Channel{Solution: "HCl", Addr: 1, Stock: 1, RPM: 100}
	for _, tc := range []struct {
		name     string
		cal      calibration.Pump
		mode     Mode
		volume   float64
		expMode  Mode
		expected time.Duration
		source   calibration.Source
		wantErr  bool
	}{
		{"autoPosition", calibration.Pump{ULPerEncoderCount: ptr(100.0 / frame.CountsPerRev)}, ModeAuto, 100, ModePosition, 600 * time.Millisecond, calibration.SourcePerCount, false},
		{"autoTimed", calibration.Pump{ULPerSecAt100RPM: ptr(100.0)}, ModeAuto, 50, ModeTimed, 500 * time.Millisecond, "", false},
		{"autoFallback", calibration.Pump{}, ModeAuto, 200, ModePosition, 1200 * time.Millisecond, calibration.SourceFallback, false},
		{"timedMinimum", calibration.Pump{ULPerSecAt100RPM: ptr(100.0)}, ModeTimed, 1, ModeTimed, MinDuration, "", false},
		{"timedUncalibrated", calibration.Pump{}, ModeTimed, 10, 0, 0, "", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := New(nil, &fakePumps{}, ch, tc.cal)
			p, err := d.Plan(tc.volume, tc.mode, 0)
			if tc.wantErr {
				if !errors.Is(err, echemlab.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.Mode != tc.expMode || p.Source != tc.source {
				t.Fatalf("expected %s/%q, got %s/%q", tc.expMode, tc.source, p.Mode, p.Source)
			}
			if d := p.Expected - tc.expected; d > time.Millisecond || d < -time.Millisecond {
				t.Fatalf("expected %s, got %s", tc.expected, p.Expected)
			}
			if p.Mode == ModePosition && p.Duration != p.Expected+PositionSlack {
				t.Fatalf("expected slack on position duration, got %s", p.Duration)
			}
		})
	}
}

func TestInfuse_Timed(t *testing.T) {
	pumps := &fakePumps{}
	d := New(nil, pumps, Channel{Addr: 2, RPM: 100, Direction: echemlab.Reverse}, calibration.Pump{ULPerSecAt100RPM: ptr(1000.0)})
	p, err := d.Plan(100, ModeTimed, 0)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := d.Infuse(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < MinDuration {
		t.Fatal("infusion returned early")
	}
	if d.State() != Completed || d.Progress() != 1 || !floatEquals(d.Infused(), 100) {
		t.Fatalf("unexpected final state %s %g", d.State(), d.Progress())
	}
	expect := []string{"start 2 reverse 100", "stop 2"}
	if fmt.Sprint(pumps.calls) != fmt.Sprint(expect) {
		t.Fatalf("expected %v, got %v", expect, pumps.calls)
	}
}

func TestInfuse_Cancel(t *testing.T) {
	pumps := &fakePumps{}
	d := New(nil, pumps, Channel{Addr: 3, RPM: 100}, calibration.Pump{ULPerSecAt100RPM: ptr(1.0)})
	p, err := d.Plan(100, ModeTimed, 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = d.Infuse(ctx, p)
	if !errors.Is(err, echemlab.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if d.State() != Failed {
		t.Fatalf("expected failed state, got %s", d.State())
	}
	if last := pumps.calls[len(pumps.calls)-1]; last != "stop 3" {
		t.Fatalf("pump not stopped: %v", pumps.calls)
	}
}

func TestInfuse_Position(t *testing.T) {
	s := sim.New(sim.WithMoveScale(0.05))
	m := pump.New(nil, bus.New(nil), pump.Config{Timeout: 50 * time.Millisecond})
	if err := m.Attach(s); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()
	cal := calibration.Pump{Linear: &calibration.LinearFit{Slope: 50}}
	d := New(nil, m, Channel{Addr: 4, RPM: 600, Direction: echemlab.Reverse}, cal)
	p, err := d.Plan(100, ModeAuto, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.Counts != 2*frame.CountsPerRev || p.Source != calibration.SourceLinear {
		t.Fatalf("unexpected plan %+v", p)
	}
	if err := d.Infuse(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if got := s.Position(4); got != -2*frame.CountsPerRev {
		t.Fatalf("expected %d counts, got %d", -2*frame.CountsPerRev, got)
	}
}
