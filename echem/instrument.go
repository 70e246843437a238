package echem

import (
	"context"
	"errors"
	"fmt"
	"github.com/jt05610/echemlab"
	"go.uber.org/zap"
	"time"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Instrument is the blocking facade of the workstation.
type Instrument interface {
	Connect(ctx context.Context) error
	Disconnect() error
	HasTechnique(t Technique) bool
	SetTechnique(t Technique) error
	SetParameter(name string, v float64) error
	GetParameter(name string) (float64, error)
	Run() error
	IsRunning() (bool, error)
	ErrorStatus() error
	// Data returns up to n acquired points; n <= 0 returns all.
	Data(n int) ([]Point, error)
	// Current returns the latest cell current in µA.
	Current() (float64, error)
	Stop() error
	Reset() error
}

// Parameter names understood by the workstation.
const (
	ParamInitialE       = "m_ei"
	ParamHighE          = "m_eh"
	ParamLowE           = "m_el"
	ParamFinalE         = "m_ef"
	ParamScanRate       = "m_vv"
	ParamSegments       = "m_sg"
	ParamQuietTime      = "m_qt"
	ParamSensitivity    = "m_sens"
	ParamSampleInterval = "m_inttime"
	ParamRunTime        = "m_tmax"
	ParamAmplitude      = "m_amp"
	ParamFrequency      = "m_freq"
	ParamIncrement      = "m_incre"
	ParamPulseWidth     = "m_pw"
)

// Parameters maps p onto the workstation's parameter names.
func Parameters(p Params) (Technique, map[string]float64, error) {
	t, err := ParseTechnique(p.Technique)
	if err != nil {
		return 0, nil, err
	}
	ret := map[string]float64{
		ParamInitialE:  p.InitialPotential,
		ParamQuietTime: p.QuietTime,
	}
	if p.Sensitivity > 0 {
		ret[ParamSensitivity] = p.Sensitivity
	}
	if p.SampleInterval > 0 {
		ret[ParamSampleInterval] = p.SampleInterval
	}
	switch t {
	case CV:
		ret[ParamHighE] = p.HighPotential
		ret[ParamLowE] = p.LowPotential
		ret[ParamFinalE] = p.FinalPotential
		ret[ParamScanRate] = p.ScanRate
		ret[ParamSegments] = float64(p.Segments)
	case LSV:
		ret[ParamFinalE] = p.FinalPotential
		ret[ParamScanRate] = p.ScanRate
	case DPV:
		ret[ParamFinalE] = p.FinalPotential
		ret[ParamIncrement] = p.Increment
		ret[ParamAmplitude] = p.Amplitude
		ret[ParamPulseWidth] = p.PulseWidth
	case SWV:
		ret[ParamFinalE] = p.FinalPotential
		ret[ParamIncrement] = p.Increment
		ret[ParamAmplitude] = p.Amplitude
		ret[ParamFrequency] = p.Frequency
	case CA:
		ret[ParamHighE] = p.HighPotential
		ret[ParamLowE] = p.LowPotential
		ret[ParamPulseWidth] = p.PulseWidth
		ret[ParamSegments] = float64(max(p.Segments, 1))
		ret[ParamRunTime] = p.RunTime
	default:
		ret[ParamRunTime] = p.RunTime
	}
	return t, ret, nil
}

func instrumentError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, echemlab.ErrInstrument) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", echemlab.ErrInstrument, op, err)
}

// Configure selects the technique and pushes every parameter.
func Configure(inst Instrument, p Params) (Technique, error) {
	t, params, err := Parameters(p)
	if err != nil {
		return 0, err
	}
	if !inst.HasTechnique(t) {
		return t, fmt.Errorf("%w: technique %s not supported", echemlab.ErrInstrument, t)
	}
	if err := inst.SetTechnique(t); err != nil {
		return t, instrumentError("set technique", err)
	}
	for name, v := range params {
		if err := inst.SetParameter(name, v); err != nil {
			return t, instrumentError("set "+name, err)
		}
	}
	return t, nil
}

type Result struct {
	Technique Technique
	Points    []Point
	Duration  time.Duration
	// Triggered is set when the OCPT condition fired; Action is what was done.
	Triggered      bool
	Action         Action
	TriggerCurrent float64
}

// Progress receives a completion fraction and a short status line.
type Progress func(fraction float64, msg string)

var ErrThreshold = fmt.Errorf("%w: ocpt threshold crossed", echemlab.ErrInstrument)

type Runner struct {
	Logger *zap.Logger
	// Poll is how often the instrument's running flag is read.
	Poll time.Duration
}

// Measure configures inst, runs the measurement and reads back the data.
// When OCPT monitoring fires with ActionPause the measurement is stopped
// and the result marks the trigger; ActionAbort additionally returns
// ErrThreshold.
func (r Runner) Measure(ctx context.Context, inst Instrument, p Params, progress Progress) (Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := r.Poll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	t, err := Configure(inst, p)
	if err != nil {
		return Result{}, err
	}
	res := Result{Technique: t}
	var mon *Monitor
	if p.OCPTEnabled {
		if mon, err = NewMonitor(p); err != nil {
			return res, err
		}
	}
	if err := inst.Run(); err != nil {
		return res, instrumentError("run", err)
	}
	start := time.Now()
	expected := p.EstimateDuration()
	logger.Info("measurement started", zap.Stringer("technique", t), zap.Duration("expected", expected))
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	var lastCheck time.Time
loop:
	for {
		select {
		case <-ctx.Done():
			stopErr := inst.Stop()
			return res, errors.Join(echemlab.ErrCancelled, ctx.Err(), instrumentError("stop", stopErr))
		case <-ticker.C:
		}
		running, err := inst.IsRunning()
		if err != nil {
			_ = inst.Stop()
			return res, instrumentError("poll", err)
		}
		elapsed := time.Since(start)
		if progress != nil {
			frac := 0.99
			if expected > 0 {
				frac = min(float64(elapsed)/float64(expected), 0.99)
			}
			progress(frac, fmt.Sprintf("%s %.0fs", t, elapsed.Seconds()))
		}
		if !running {
			break
		}
		if mon == nil || res.Triggered || time.Since(lastCheck) < mon.Interval {
			continue
		}
		lastCheck = time.Now()
		cur, err := inst.Current()
		if err != nil {
			logger.Warn("current read failed", zap.Error(err))
			continue
		}
		hit, err := mon.Check(cur, elapsed)
		if err != nil {
			logger.Warn("ocpt condition failed", zap.Error(err))
			continue
		}
		if !hit {
			continue
		}
		res.Triggered = true
		res.Action = mon.Action
		res.TriggerCurrent = cur
		logger.Warn("ocpt threshold crossed",
			zap.Float64("current_ua", cur),
			zap.Float64("threshold_ua", mon.Threshold),
			zap.String("action", string(mon.Action)))
		if mon.Action != ActionLog {
			if err := inst.Stop(); err != nil {
				return res, instrumentError("stop", err)
			}
			break loop
		}
	}
	res.Duration = time.Since(start)
	if err := inst.ErrorStatus(); err != nil {
		return res, instrumentError("status", err)
	}
	pts, err := inst.Data(0)
	if err != nil {
		return res, instrumentError("data", err)
	}
	res.Points = pts
	if progress != nil {
		progress(1, fmt.Sprintf("%s done, %d points", t, len(pts)))
	}
	if res.Triggered && res.Action == ActionAbort {
		return res, ErrThreshold
	}
	return res, nil
}
