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
	"fmt"
	"github.com/jt05610/echemlab/engine"
	"github.com/jt05610/echemlab/program"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"time"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate <program>",
	Short: "Check a program against the configuration without touching hardware",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		p, err := program.Load(args[0])
		if err != nil {
			return err
		}
		a := &app{logger: logger, cfg: cfg}
		inst, err := a.instrument()
		if err != nil {
			return err
		}
		e := engine.New(cfg, nil, engine.Options{Logger: logger.Named("engine"), Instrument: inst})
		issues := e.Precheck(p, cfg)
		out := cmd.OutOrStdout()
		for _, i := range issues {
			fmt.Fprintln(out, i.Error())
		}
		est := e.Estimate(p, cfg)
		combos := p.FillMatrix().Len()
		fmt.Fprintf(out, "%s: %d steps, %d combos, estimated %s per pass\n", p.Name, len(p.Steps), combos, est.Round(time.Second))
		if err := issues.Err(); err != nil {
			logger.Debug("program rejected", zap.Int("errors", len(issues.Errors())))
			return fmt.Errorf("%d errors", len(issues.Errors()))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
