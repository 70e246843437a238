// Package metrics exposes bus, pump and engine activity as Prometheus
// collectors.
package metrics

import (
	"errors"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/events"
	"github.com/jt05610/echemlab/frame"
	"github.com/jt05610/echemlab/pump"
	"github.com/prometheus/client_golang/prometheus"
	"strconv"
	"time"
)

const namespace = "echemlab"

type Collector struct {
	Requests       *prometheus.CounterVec
	RequestLatency prometheus.Histogram
	PumpOnline     *prometheus.GaugeVec
	PumpSpeed      *prometheus.GaugeVec
	PumpFailures   *prometheus.GaugeVec
	EngineState    *prometheus.GaugeVec
	Steps          *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec
	Runs           *prometheus.CounterVec
	Combos         prometheus.Counter
}

func New() *Collector {
	return &Collector{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "requests_total",
			Help:      "Bus requests by command and outcome.",
		}, []string{"cmd", "result"}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "request_seconds",
			Help:      "Round trip time of answered bus requests.",
			Buckets:   []float64{.005, .01, .02, .05, .1, .2, .5, 1},
		}),
		PumpOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "online",
			Help:      "1 when the pump answers, 0 when offline.",
		}, []string{"addr"}),
		PumpSpeed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "speed_rpm",
			Help:      "Last commanded or read speed, negative for reverse.",
		}, []string{"addr"}),
		PumpFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "consecutive_failures",
			Help:      "Timeouts since the last answered request.",
		}, []string{"addr"}),
		EngineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "state",
			Help:      "1 for the current engine state.",
		}, []string{"state"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "steps_total",
			Help:      "Finished steps by type and outcome.",
		}, []string{"type", "result"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_seconds",
			Help:      "Step wall time.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"type"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Finished runs by outcome.",
		}, []string{"outcome"}),
		Combos: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "combos_total",
			Help:      "Parameter combinations started.",
		}),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.Requests, c.RequestLatency, c.PumpOnline, c.PumpSpeed, c.PumpFailures,
		c.EngineState, c.Steps, c.StepDuration, c.Runs, c.Combos,
	}
}

func (c *Collector) Register(r prometheus.Registerer) error {
	var errs []error
	for _, col := range c.collectors() {
		errs = append(errs, r.Register(col))
	}
	return errors.Join(errs...)
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, echemlab.ErrTimeout):
		return "timeout"
	case errors.Is(err, echemlab.ErrChecksum):
		return "checksum"
	case errors.Is(err, echemlab.ErrPort):
		return "port"
	case errors.Is(err, echemlab.ErrCancelled):
		return "cancelled"
	default:
		return "error"
	}
}

// ObserveRequest makes Collector a bus observer.
func (c *Collector) ObserveRequest(_ byte, cmd frame.Command, d time.Duration, err error) {
	c.Requests.WithLabelValues(cmd.String(), result(err)).Inc()
	if err == nil {
		c.RequestLatency.Observe(d.Seconds())
	}
}

func (c *Collector) ObservePump(st pump.State) {
	addr := strconv.Itoa(int(st.Address))
	online := 0.0
	if st.Online {
		online = 1
	}
	c.PumpOnline.WithLabelValues(addr).Set(online)
	c.PumpSpeed.WithLabelValues(addr).Set(float64(st.Speed))
	c.PumpFailures.WithLabelValues(addr).Set(float64(st.Failures))
}

func (c *Collector) ObserveEvent(ev events.Event) {
	switch ev.Type {
	case events.StateChanged:
		if from, ok := ev.Data["from"].(string); ok {
			c.EngineState.WithLabelValues(from).Set(0)
		}
		if to, ok := ev.Data["to"].(string); ok {
			c.EngineState.WithLabelValues(to).Set(1)
		}
	case events.StepCompleted:
		typ, _ := ev.Data["type"].(string)
		outcome := "failed"
		if ok, _ := ev.Data["success"].(bool); ok {
			outcome = "ok"
		}
		c.Steps.WithLabelValues(typ, outcome).Inc()
		if d, ok := ev.Data["duration_s"].(float64); ok {
			c.StepDuration.WithLabelValues(typ).Observe(d)
		}
	case events.ComboAdvanced:
		c.Combos.Inc()
	case events.ExperimentCompleted:
		c.Runs.WithLabelValues("completed").Inc()
	case events.ExperimentStopped:
		c.Runs.WithLabelValues("stopped").Inc()
	case events.ExperimentError:
		c.Runs.WithLabelValues("error").Inc()
	}
}

// StateSource is the part of the pump manager the collector listens to.
type StateSource interface {
	OnState(fn func(pump.State)) (remove func())
}

// Attach feeds the collector from the event bus and the pump manager. Either
// may be nil. The returned function detaches both.
func (c *Collector) Attach(bus *events.Bus, pumps StateSource) func() {
	var undo []func()
	if bus != nil {
		undo = append(undo, bus.Subscribe(c.ObserveEvent))
	}
	if pumps != nil {
		undo = append(undo, pumps.OnState(c.ObservePump))
	}
	return func() {
		for _, fn := range undo {
			fn()
		}
	}
}
