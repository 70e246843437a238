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
	"github.com/jt05610/echemlab/config"
	"github.com/jt05610/echemlab/engine"
	"github.com/jt05610/echemlab/env"
	"github.com/jt05610/echemlab/events"
	"github.com/jt05610/echemlab/program"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var runCombo bool

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <program>",
	Short: "Run a program and wait for it to finish",
	Long: `Run loads a JSON or YAML program, checks it against the configuration
and executes it. Interrupt once to stop the run and park the pumps,
twice to force an emergency stop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		p, err := program.Load(args[0])
		if err != nil {
			return err
		}
		e, err := a.engine()
		if err != nil {
			return err
		}
		if err := a.attach(); err != nil {
			return err
		}
		a.events.Subscribe(logEvent(a.logger))

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		a.watch(ctx, e)
		if addr := a.cfg.Metrics.Listen; addr != "" {
			srv := a.serveMetrics(addr)
			defer shutdown(a.logger, srv)
		}

		if err := e.Load(p); err != nil {
			return err
		}
		if err := e.Start(runCombo); err != nil {
			return err
		}
		interrupts := make(chan os.Signal, 2)
		signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(interrupts)
		for {
			select {
			case <-e.Done():
				st := e.Status()
				a.logger.Info("run finished", zap.Stringer("state", st.State), zap.Duration("elapsed", st.Elapsed))
				return e.Err()
			case sig := <-interrupts:
				if e.Status().State == engine.Stopping {
					a.logger.Warn("second interrupt, emergency stop", zap.Stringer("signal", sig))
					return e.EmergencyStop()
				}
				a.logger.Info("stopping run", zap.Stringer("signal", sig))
				if err := e.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
					a.logger.Warn("stop", zap.Error(err))
				}
			}
		}
	},
}

func init() {
	runCmd.Flags().BoolVar(&runCombo, "combo", false, "sweep every combination of the combo parameters")
	rootCmd.AddCommand(runCmd)
}

// watch hands reloaded configurations to the engine for the next start.
// Environment overrides are re-applied on every reload.
func (a *app) watch(ctx context.Context, e *engine.Engine) {
	if _, err := os.Stat(cfgPath); err != nil {
		return
	}
	err := config.Watch(ctx, a.logger.Named("config"), cfgPath, func(c *config.Config) {
		if ov, err := env.Load(nil, envFiles...); err == nil {
			ov.Apply(c)
		}
		if mock {
			c.MockMode = true
		}
		e.SetConfig(c)
	})
	if err != nil {
		a.logger.Warn("config watch disabled", zap.Error(err))
	}
}

func (a *app) serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

func shutdown(logger *zap.Logger, srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

func logEvent(logger *zap.Logger) events.Subscriber {
	return func(ev events.Event) {
		fields := []zap.Field{zap.String("type", string(ev.Type)), zap.Any("data", ev.Data)}
		if ev.Type == events.StepProgress {
			logger.Debug("event", fields...)
			return
		}
		logger.Info("event", fields...)
	}
}
