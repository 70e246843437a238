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
	"github.com/gorilla/mux"
	"github.com/jt05610/echemlab/amqp"
	"github.com/jt05610/echemlab/api"
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

var (
	serveAddr    string
	serveProgram string
	servePoll    time.Duration
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the engine over HTTP and, when configured, AMQP",
	Long: `Serve keeps an engine alive and exposes it over a REST API under /api,
Prometheus metrics under /metrics and, when an AMQP URI is configured,
remote commands on <device>.commands.<name>.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		e, err := a.engine()
		if err != nil {
			return err
		}
		if err := a.attach(); err != nil {
			return err
		}
		a.events.Subscribe(logEvent(a.logger))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a.watch(ctx, e)

		if serveProgram != "" {
			p, err := program.Load(serveProgram)
			if err != nil {
				return err
			}
			if err := e.Load(p); err != nil {
				return err
			}
		}
		if servePoll > 0 {
			if err := a.open(); err != nil {
				return err
			}
			a.pumps.StartPollLoop(a.pollAddrs(), servePoll)
		}

		var hist api.History
		if a.history != nil {
			hist = a.history
		}
		r := mux.NewRouter()
		api.New(a.logger.Named("api"), e, a.pumps, hist).LoadAPI(r)
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods("GET")
		srv := &http.Server{Addr: serveAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		errs := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
		a.logger.Info("serving", zap.String("addr", serveAddr))

		if a.amqp != nil {
			c := a.cfg.AMQP
			s := amqp.NewServer(a.logger.Named("amqp"), a.amqp.Channel, c.Exchange, c.DeviceID, e)
			go func() {
				if err := s.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Error("amqp command server", zap.Error(err))
				}
			}()
		}

		select {
		case <-ctx.Done():
		case err = <-errs:
		}
		if e.Status().State.Active() {
			a.logger.Info("stopping active run")
			_ = e.Stop()
			select {
			case <-e.Done():
			case <-time.After(10 * time.Second):
				a.logger.Warn("run did not stop in time")
			}
		}
		shutdown(a.logger, srv)
		return err
	},
}

// pollAddrs is the configured pump list, or the whole address range when
// none are configured.
func (a *app) pollAddrs() []byte {
	if len(a.cfg.Pumps) == 0 {
		return a.pumps.Addresses()
	}
	ret := make([]byte, 0, len(a.cfg.Pumps))
	for _, p := range a.cfg.Pumps {
		ret = append(ret, byte(p.Address))
	}
	return ret
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "localhost:8080", "HTTP listen address")
	serveCmd.Flags().StringVarP(&serveProgram, "program", "p", "", "program to load at startup")
	serveCmd.Flags().DurationVar(&servePoll, "poll", 0, "poll pump state at this interval, 0 disables")
	rootCmd.AddCommand(serveCmd)
}
