package echem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var ErrNotConnected = errors.New("instrument not connected")

// Sim is an in-process instrument. It runs for the time implied by its
// parameters, scaled by TimeScale, and reports the current returned by
// CurrentFunc.
type Sim struct {
	// TimeScale shrinks the run time; 0 means 1.
	TimeScale float64
	// CurrentFunc gives the cell current in µA at a point of the run.
	CurrentFunc func(elapsed time.Duration) float64
	// Techniques limits the supported set; empty supports all.
	Techniques []Technique
	// FailRun is returned from Run when set.
	FailRun error

	mu        sync.Mutex
	connected bool
	tech      Technique
	params    map[string]float64
	running   bool
	start     time.Time
	duration  time.Duration
	stopped   bool
	points    []Point
}

func NewSim() *Sim {
	return &Sim{params: make(map[string]float64)}
}

func (s *Sim) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	if s.params == nil {
		s.params = make(map[string]float64)
	}
	return nil
}

func (s *Sim) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.running = false
	return nil
}

func (s *Sim) HasTechnique(t Technique) bool {
	if len(s.Techniques) == 0 {
		_, ok := techniqueNames[t]
		return ok
	}
	for _, have := range s.Techniques {
		if have == t {
			return true
		}
	}
	return false
}

func (s *Sim) SetTechnique(t Technique) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.tech = t
	return nil
}

func (s *Sim) SetParameter(name string, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.params[name] = v
	return nil
}

func (s *Sim) GetParameter(name string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.params[name]
	if !ok {
		return 0, fmt.Errorf("parameter %s not set", name)
	}
	return v, nil
}

func (s *Sim) runTime() time.Duration {
	p := s.params
	var sec float64
	switch s.tech {
	case CV:
		if p[ParamScanRate] > 0 {
			sec = max(p[ParamSegments], 1) * (p[ParamHighE] - p[ParamLowE]) / p[ParamScanRate]
		}
	case LSV:
		if p[ParamScanRate] > 0 {
			sec = math.Abs(p[ParamFinalE]-p[ParamInitialE]) / p[ParamScanRate]
		}
	case DPV, SWV:
		sec = 1
	default:
		sec = p[ParamRunTime]
	}
	sec += p[ParamQuietTime]
	scale := s.TimeScale
	if scale <= 0 {
		scale = 1
	}
	return time.Duration(sec * scale * float64(time.Second))
}

func (s *Sim) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if s.FailRun != nil {
		return s.FailRun
	}
	if s.running {
		return errors.New("already running")
	}
	s.running = true
	s.stopped = false
	s.start = time.Now()
	s.duration = s.runTime()
	s.points = nil
	return nil
}

func (s *Sim) elapsed() time.Duration {
	e := time.Since(s.start)
	if e > s.duration {
		e = s.duration
	}
	return e
}

func (s *Sim) IsRunning() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return false, ErrNotConnected
	}
	if s.running && time.Since(s.start) >= s.duration {
		s.finish(s.duration)
	}
	return s.running, nil
}

// finish records the acquired points; s.mu is held.
func (s *Sim) finish(elapsed time.Duration) {
	s.running = false
	n := 100
	if s.duration > 0 {
		n = max(int(100*elapsed/s.duration), 1)
	}
	pts := make([]Point, n)
	for i := range pts {
		frac := float64(i) / 100
		at := time.Duration(frac * float64(s.duration))
		pts[i] = Point{X: s.x(frac), Y: s.current(at)}
	}
	s.points = pts
}

func (s *Sim) x(frac float64) float64 {
	p := s.params
	switch s.tech {
	case CV:
		// triangle between high and low
		span := p[ParamHighE] - p[ParamLowE]
		seg := max(p[ParamSegments], 1)
		pos := math.Mod(frac*seg, 2)
		if pos > 1 {
			pos = 2 - pos
		}
		return p[ParamHighE] - pos*span
	case LSV, DPV, SWV:
		return p[ParamInitialE] + frac*(p[ParamFinalE]-p[ParamInitialE])
	default:
		return frac * s.duration.Seconds()
	}
}

func (s *Sim) current(at time.Duration) float64 {
	if s.CurrentFunc != nil {
		return s.CurrentFunc(at)
	}
	return math.Sin(2*math.Pi*at.Seconds()) * 10
}

func (s *Sim) ErrorStatus() error {
	return nil
}

func (s *Sim) Data(n int) ([]Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.points) {
		n = len(s.points)
	}
	ret := make([]Point, n)
	copy(ret, s.points)
	return ret, nil
}

func (s *Sim) Current() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0, errors.New("not running")
	}
	return s.current(s.elapsed()), nil
}

func (s *Sim) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.stopped = true
		s.finish(s.elapsed())
	}
	return nil
}

// Stopped reports whether the last run was cut short by Stop.
func (s *Sim) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Sim) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.points = nil
	s.params = make(map[string]float64)
	return nil
}
