/*
Copyright © 2024 Jonathan Taylor <jonrtaylor12@gmail.com>

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

package cmd

import (
	"context"
	"errors"
	"fmt"
	"github.com/jt05610/echemlab/amqp"
	"github.com/jt05610/echemlab/bus"
	"github.com/jt05610/echemlab/comm/serial"
	"github.com/jt05610/echemlab/config"
	"github.com/jt05610/echemlab/echem"
	"github.com/jt05610/echemlab/engine"
	"github.com/jt05610/echemlab/events"
	"github.com/jt05610/echemlab/history"
	"github.com/jt05610/echemlab/metrics"
	"github.com/jt05610/echemlab/pump"
	"github.com/jt05610/echemlab/sim"
	"github.com/jt05610/echemlab/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"io"
	"time"
)

// app is the wiring shared by the commands that talk to the pumps.
type app struct {
	logger   *zap.Logger
	out      io.Writer
	cfg      *config.Config
	pumps    *pump.Manager
	metrics  *metrics.Collector
	registry *prometheus.Registry
	events   *events.Bus
	history  *history.Store
	amqp     *amqp.Connection
	closers  []func()
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{
		logger:   logger,
		out:      cmd.OutOrStdout(),
		cfg:      cfg,
		metrics:  metrics.New(),
		registry: prometheus.NewRegistry(),
	}
	if err := a.metrics.Register(a.registry); err != nil {
		return nil, err
	}
	drv := bus.New(logger.Named("bus"),
		bus.WithChecksum(cfg.Bus.ChecksumStrict, cfg.Flaky()...),
		bus.WithObserver(a.metrics),
	)
	a.pumps = pump.New(logger.Named("pump"), drv, cfg.PumpConfig())
	return a, nil
}

// open connects the pump bus: the simulator in mock mode, otherwise the
// configured port or the first USB serial port found.
func (a *app) open() error {
	if a.cfg.MockMode {
		a.logger.Info("using simulated pump bus")
		return a.pumps.Attach(sim.New(
			sim.WithLogger(a.logger.Named("sim")),
			sim.WithPumps(a.pollAddrs()...),
			sim.WithFlaky(a.cfg.Flaky()...),
		))
	}
	port := a.cfg.Port
	if port == "" {
		var err error
		if port, err = firstPort(); err != nil {
			return err
		}
		a.logger.Info("auto-selected serial port", zap.String("port", port))
	}
	return a.pumps.Connect(port, a.cfg.Baud)
}

func firstPort() (string, error) {
	ports, err := serial.DetailedPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.IsUSB {
			return p.Name, nil
		}
	}
	if len(ports) > 0 {
		return ports[0].Name, nil
	}
	return "", serial.ErrNoPort
}

func (a *app) instrument() (echem.Instrument, error) {
	switch a.cfg.Instrument.Kind {
	case "", "sim":
		s := echem.NewSim()
		s.TimeScale = a.cfg.Instrument.TimeScale
		return s, nil
	}
	return nil, fmt.Errorf("unsupported instrument kind %q", a.cfg.Instrument.Kind)
}

func (a *app) engine() (*engine.Engine, error) {
	inst, err := a.instrument()
	if err != nil {
		return nil, err
	}
	if a.events == nil {
		a.events = events.NewBus(a.logger.Named("events"), 256)
	}
	return engine.New(a.cfg, a.pumps, engine.Options{
		Logger:     a.logger.Named("engine"),
		Events:     a.events,
		Instrument: inst,
		Open:       a.open,
		Close:      a.pumps.Disconnect,
	}), nil
}

// attach wires the optional sinks named in the configuration to the event
// bus: metrics always, then history, AMQP and MQTT when configured.
func (a *app) attach() error {
	a.closers = append(a.closers, a.metrics.Attach(a.events, a.pumps))
	if p := a.cfg.History.Path; p != "" {
		store, err := history.Open(p)
		if err != nil {
			return err
		}
		a.history = store
		a.closers = append(a.closers, history.NewRecorder(a.logger.Named("history"), store).Attach(a.events))
	}
	if c := a.cfg.AMQP; c.URI != "" {
		conn, err := amqp.Dial(c.URI)
		if err != nil {
			return err
		}
		a.amqp = conn
		pub, err := amqp.NewPublisher(a.logger.Named("amqp"), conn.Channel, c.Exchange, c.DeviceID)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pub.Attach(a.events))
	}
	if c := a.cfg.MQTT; c.Broker != "" {
		client, err := telemetry.Dial(a.logger.Named("mqtt"), c.Broker, c.ClientID, c.TopicPrefix)
		if err != nil {
			return err
		}
		detach := telemetry.New(a.logger.Named("mqtt"), client, c.TopicPrefix).Attach(a.pumps, a.events)
		a.closers = append(a.closers, func() {
			detach()
			client.Disconnect(250)
		})
	}
	return nil
}

func (a *app) close() {
	if a.events != nil {
		a.events.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.pumps.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.pumps.StopAll(ctx); err != nil {
			a.logger.Warn("stop pumps", zap.Error(err))
		}
		cancel()
	}
	a.pumps.Close()
	err := a.pumps.Disconnect()
	if a.history != nil {
		err = errors.Join(err, a.history.Close())
	}
	if a.amqp != nil {
		err = errors.Join(err, a.amqp.Close())
	}
	if err != nil {
		a.logger.Debug("close", zap.Error(err))
	}
	_ = a.logger.Sync()
}
