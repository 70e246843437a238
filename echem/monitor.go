package echem

import (
	"fmt"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/jt05610/echemlab"
	"time"
)

const DefaultCondition = "current <= threshold"

// Monitor watches the cell current during a measurement and reports when
// the OCPT condition is met.
type Monitor struct {
	Threshold float64
	Action    Action
	Interval  time.Duration
	program   *vm.Program
	condition string
}

func monitorEnv(current, threshold, elapsed float64) map[string]interface{} {
	return map[string]interface{}{
		"current":   current,
		"threshold": threshold,
		"elapsed":   elapsed,
		"abs":       func(v float64) float64 { return max(v, -v) },
	}
}

func NewMonitor(p Params) (*Monitor, error) {
	cond := p.OCPTCondition
	if cond == "" {
		cond = DefaultCondition
	}
	program, err := expr.Compile(cond, expr.Env(monitorEnv(0, 0, 0)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: ocpt condition %q: %w", echemlab.ErrValidation, cond, err)
	}
	interval := time.Duration(p.OCPTInterval * float64(time.Second))
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Monitor{
		Threshold: p.OCPTThreshold,
		Action:    p.Action(),
		Interval:  interval,
		program:   program,
		condition: cond,
	}, nil
}

func (m *Monitor) Condition() string {
	return m.condition
}

// Check evaluates the condition for a current reading in µA.
func (m *Monitor) Check(current float64, elapsed time.Duration) (bool, error) {
	ret, err := expr.Run(m.program, monitorEnv(current, m.Threshold, elapsed.Seconds()))
	if err != nil {
		return false, err
	}
	b, ok := ret.(bool)
	if !ok {
		return false, fmt.Errorf("ocpt condition returned %T", ret)
	}
	return b, nil
}
