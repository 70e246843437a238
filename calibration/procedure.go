package calibration

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"github.com/jt05610/echemlab"
	"go.uber.org/zap"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

type Mover interface {
	MovePositionRel(ctx context.Context, addr byte, delta int32, speed int, accel byte, wait bool) error
}

// Measurer reports the volume delivered by the last move, usually by asking
// the operator to weigh it.
type Measurer interface {
	Measure(ctx context.Context, counts int64) (float64, error)
}

type MeasureFunc func(ctx context.Context, counts int64) (float64, error)

func (f MeasureFunc) Measure(ctx context.Context, counts int64) (float64, error) {
	return f(ctx, counts)
}

// Procedure commands a sequence of position moves and collects the delivered
// volume of each.
type Procedure struct {
	Addr   byte
	Counts []int64
	Speed  int
	Accel  byte
	Settle time.Duration
	Logger *zap.Logger
}

func (p Procedure) Run(ctx context.Context, mover Mover, measure Measurer) ([]Point, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(p.Counts) == 0 {
		return nil, ErrTooFewPoints
	}
	points := make([]Point, 0, len(p.Counts))
	for i, c := range p.Counts {
		if c <= 0 || c > math.MaxInt32 {
			return points, fmt.Errorf("%w: counts %d", echemlab.ErrValidation, c)
		}
		logger.Info("calibration move", zap.Uint8("addr", p.Addr), zap.Int("index", i), zap.Int64("counts", c))
		if err := mover.MovePositionRel(ctx, p.Addr, int32(c), p.Speed, p.Accel, true); err != nil {
			return points, err
		}
		if p.Settle > 0 {
			select {
			case <-ctx.Done():
				return points, errors.Join(echemlab.ErrCancelled, ctx.Err())
			case <-time.After(p.Settle):
			}
		}
		v, err := measure.Measure(ctx, c)
		if err != nil {
			return points, err
		}
		points = append(points, Point{Counts: c, Volume: v})
	}
	return points, nil
}

// ReadPoints parses "counts,volume_ul" rows. A non-numeric first row is
// treated as a header.
func ReadPoints(r io.Reader) ([]Point, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	var ret []Point
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: line %d: expected counts,volume", echemlab.ErrValidation, i+1)
		}
		c, cErr := strconv.ParseFloat(strings.TrimSpace(row[0]), 64)
		v, vErr := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if cErr != nil || vErr != nil {
			if i == 0 {
				continue
			}
			return nil, fmt.Errorf("%w: line %d: %w", echemlab.ErrValidation, i+1, errors.Join(cErr, vErr))
		}
		ret = append(ret, Point{Counts: int64(math.Round(c)), Volume: v})
	}
	return ret, nil
}
