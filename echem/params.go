package echem

import (
	"github.com/jt05610/echemlab"
	"math"
	"time"
)

type Action string

const (
	ActionLog   Action = "log"
	ActionPause Action = "pause"
	ActionAbort Action = "abort"
)

// Params is the measurement setup of one echem step. Potentials are in V,
// scan rate in V/s, times in s, the OCPT threshold in µA.
type Params struct {
	Technique        string  `json:"technique"`
	InitialPotential float64 `json:"initial_potential"`
	HighPotential    float64 `json:"high_potential,omitempty"`
	LowPotential     float64 `json:"low_potential,omitempty"`
	FinalPotential   float64 `json:"final_potential,omitempty"`
	ScanRate         float64 `json:"scan_rate,omitempty"`
	Segments         int     `json:"segments,omitempty"`
	SampleInterval   float64 `json:"sample_interval,omitempty"`
	QuietTime        float64 `json:"quiet_time,omitempty"`
	RunTime          float64 `json:"run_time,omitempty"`
	Sensitivity      float64 `json:"sensitivity,omitempty"`
	Amplitude        float64 `json:"amplitude,omitempty"`
	Frequency        float64 `json:"frequency,omitempty"`
	Increment        float64 `json:"increment,omitempty"`
	PulseWidth       float64 `json:"pulse_width,omitempty"`

	OCPTEnabled   bool    `json:"ocpt_enabled,omitempty"`
	OCPTThreshold float64 `json:"ocpt_threshold_ua,omitempty"`
	OCPTAction    Action  `json:"ocpt_action,omitempty"`
	// OCPTCondition is an expression over current, threshold and elapsed;
	// the default is "current <= threshold".
	OCPTCondition string  `json:"ocpt_condition,omitempty"`
	OCPTInterval  float64 `json:"ocpt_interval,omitempty"`
}

// Check appends every problem with p to issues, tagged with step.
func (p Params) Check(issues *echemlab.Issues, step int) {
	t, err := ParseTechnique(p.Technique)
	if err != nil {
		issues.Errorf(step, "ec_params.technique", "%v", err)
		return
	}
	if t.Sweeps() {
		if p.ScanRate <= 0 {
			issues.Errorf(step, "ec_params.scan_rate", "must be positive for %s", t)
		}
		if t == CV {
			if p.HighPotential <= p.LowPotential {
				issues.Errorf(step, "ec_params.high_potential", "high potential %g must exceed low %g", p.HighPotential, p.LowPotential)
			}
			if p.Segments < 1 {
				issues.Errorf(step, "ec_params.segments", "must be at least 1")
			}
		}
	}
	if t.Timed() && p.RunTime <= 0 {
		issues.Errorf(step, "ec_params.run_time", "must be positive for %s", t)
	}
	if (t == DPV || t == SWV) && p.Increment <= 0 {
		issues.Errorf(step, "ec_params.increment", "must be positive for %s", t)
	}
	if t == SWV && p.Frequency <= 0 {
		issues.Errorf(step, "ec_params.frequency", "must be positive for SWV")
	}
	if p.SampleInterval < 0 || p.QuietTime < 0 {
		issues.Errorf(step, "ec_params", "negative time")
	}
	if p.OCPTEnabled {
		switch p.OCPTAction {
		case "", ActionLog, ActionPause, ActionAbort:
		default:
			issues.Errorf(step, "ec_params.ocpt_action", "unknown action %q", p.OCPTAction)
		}
		if _, err := NewMonitor(p); err != nil {
			issues.Errorf(step, "ec_params.ocpt_condition", "%v", err)
		}
	}
}

// EstimateDuration is the nominal measurement time, quiet time included.
func (p Params) EstimateDuration() time.Duration {
	t, err := ParseTechnique(p.Technique)
	if err != nil {
		return 0
	}
	var s float64
	switch t {
	case CV:
		if p.ScanRate > 0 {
			s = float64(max(p.Segments, 1)) * (p.HighPotential - p.LowPotential) / p.ScanRate
		}
	case LSV:
		if p.ScanRate > 0 {
			s = math.Abs(p.FinalPotential-p.InitialPotential) / p.ScanRate
		}
	case DPV:
		if p.Increment > 0 {
			s = math.Abs(p.FinalPotential-p.InitialPotential) / p.Increment * max(2*p.PulseWidth, 0.1)
		}
	case SWV:
		if p.Increment > 0 && p.Frequency > 0 {
			s = math.Abs(p.FinalPotential-p.InitialPotential) / p.Increment / p.Frequency
		}
	default:
		s = p.RunTime
	}
	return time.Duration((s + p.QuietTime) * float64(time.Second))
}

func (p Params) Action() Action {
	if p.OCPTAction == "" {
		return ActionLog
	}
	return p.OCPTAction
}
