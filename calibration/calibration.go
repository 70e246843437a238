// Package calibration converts between delivered volume and pump motion.
package calibration

import (
	"errors"
	"fmt"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/frame"
	"gonum.org/v1/gonum/stat"
	"math"
)

// FallbackULPerRev is assumed when a pump has no volume calibration.
const FallbackULPerRev = 100.0

// NominalRPM is the speed at which flow calibration is expressed.
const NominalRPM = 100

type Source string

const (
	SourcePerCount Source = "per_count"
	SourceLinear   Source = "linear"
	SourceFallback Source = "fallback"
)

const (
	MethodOLS       = "ols"
	MethodOLSOrigin = "ols_origin"
)

var (
	ErrTooFewPoints = fmt.Errorf("%w: not enough calibration points", echemlab.ErrValidation)
	ErrDegenerate   = fmt.Errorf("%w: calibration points do not determine a line", echemlab.ErrValidation)
)

// LinearFit maps revolutions to volume: Volume = Slope*rev + Intercept.
type LinearFit struct {
	Slope     float64 `json:"k"`
	Intercept float64 `json:"b"`
	RSquared  float64 `json:"r2"`
	Method    string  `json:"method,omitempty"`
	Points    int     `json:"points,omitempty"`
}

func (f LinearFit) Volume(rev float64) float64 {
	return f.Slope*rev + f.Intercept
}

func (f LinearFit) Revolutions(ul float64) (float64, bool) {
	if f.Slope <= 0 {
		return 0, false
	}
	return (ul - f.Intercept) / f.Slope, true
}

// Pump is the calibration record of one pump address.
type Pump struct {
	ULPerSecAt100RPM  *float64   `json:"ul_per_sec_at_100rpm,omitempty"`
	ULPerEncoderCount *float64   `json:"ul_per_encoder_count,omitempty"`
	Linear            *LinearFit `json:"linear,omitempty"`
}

func (p Pump) HasFlow() bool {
	return p.ULPerSecAt100RPM != nil && *p.ULPerSecAt100RPM > 0
}

func (p Pump) HasPosition() bool {
	return (p.ULPerEncoderCount != nil && *p.ULPerEncoderCount > 0) || (p.Linear != nil && p.Linear.Slope > 0)
}

func (p Pump) HasAny() bool {
	return p.HasFlow() || p.HasPosition()
}

// FlowRate returns µL/s at rpm, scaled linearly from the nominal calibration.
func (p Pump) FlowRate(rpm int) (float64, bool) {
	if !p.HasFlow() || rpm <= 0 {
		return 0, false
	}
	return *p.ULPerSecAt100RPM * float64(rpm) / NominalRPM, true
}

// CountsForVolume returns the encoder counts needed to deliver ul and which
// calibration produced them.
func (p Pump) CountsForVolume(ul float64) (int64, Source) {
	if ul <= 0 {
		return 0, p.source()
	}
	if p.ULPerEncoderCount != nil && *p.ULPerEncoderCount > 0 {
		return int64(math.Round(ul / *p.ULPerEncoderCount)), SourcePerCount
	}
	if p.Linear != nil {
		if rev, ok := p.Linear.Revolutions(ul); ok {
			return max(frame.RevolutionsToCounts(rev), 0), SourceLinear
		}
	}
	return frame.RevolutionsToCounts(ul / FallbackULPerRev), SourceFallback
}

// VolumeForCounts is the inverse of CountsForVolume.
func (p Pump) VolumeForCounts(counts int64) float64 {
	switch p.source() {
	case SourcePerCount:
		return float64(counts) * *p.ULPerEncoderCount
	case SourceLinear:
		if counts == 0 {
			return 0
		}
		return p.Linear.Volume(frame.CountsToRevolutions(counts))
	default:
		return frame.CountsToRevolutions(counts) * FallbackULPerRev
	}
}

func (p Pump) source() Source {
	switch {
	case p.ULPerEncoderCount != nil && *p.ULPerEncoderCount > 0:
		return SourcePerCount
	case p.Linear != nil && p.Linear.Slope > 0:
		return SourceLinear
	default:
		return SourceFallback
	}
}

// Point is one calibration measurement.
type Point struct {
	Counts int64   `json:"counts"`
	Volume float64 `json:"volume_ul"`
}

// Fit computes an ordinary least squares fit of volume against revolutions.
// With throughOrigin the intercept is fixed at zero.
func Fit(points []Point, throughOrigin bool) (LinearFit, error) {
	need := 2
	if throughOrigin {
		need = 1
	}
	if len(points) < need {
		return LinearFit{}, fmt.Errorf("%w: have %d, need %d", ErrTooFewPoints, len(points), need)
	}
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = frame.CountsToRevolutions(p.Counts)
		ys[i] = p.Volume
	}
	if throughOrigin {
		if allZero(xs) {
			return LinearFit{}, ErrDegenerate
		}
	} else if stat.Variance(xs, nil) == 0 {
		return LinearFit{}, ErrDegenerate
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, throughOrigin)
	if math.IsNaN(alpha) || math.IsNaN(beta) {
		return LinearFit{}, ErrDegenerate
	}
	fit := LinearFit{
		Slope:     beta,
		Intercept: alpha,
		Method:    MethodOLS,
		Points:    len(points),
	}
	if throughOrigin {
		fit.Method = MethodOLSOrigin
	}
	if len(points) > 1 {
		fit.RSquared = stat.RSquared(xs, ys, nil, alpha, beta)
	} else {
		fit.RSquared = 1
	}
	if fit.Slope <= 0 {
		return fit, errors.Join(ErrDegenerate, fmt.Errorf("non-positive slope %g", fit.Slope))
	}
	return fit, nil
}

func allZero(xs []float64) bool {
	for _, x := range xs {
		if x != 0 {
			return false
		}
	}
	return true
}

// VolumeFromMass converts a weighed mass in mg to µL at density g/mL.
func VolumeFromMass(mg, density float64) (float64, error) {
	if density <= 0 {
		return 0, fmt.Errorf("%w: density %g", echemlab.ErrValidation, density)
	}
	return mg / density, nil
}

// FlowFromRun derives ul_per_sec_at_100rpm from a timed run.
func FlowFromRun(ul float64, seconds float64, rpm int) (float64, error) {
	if seconds <= 0 || rpm <= 0 {
		return 0, fmt.Errorf("%w: seconds %g rpm %d", echemlab.ErrValidation, seconds, rpm)
	}
	return ul / seconds * NominalRPM / float64(rpm), nil
}
