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
	"errors"
	"fmt"
	"github.com/jt05610/echemlab/config"
	"github.com/jt05610/echemlab/env"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"io/fs"
	"os"
)

var (
	cfgPath  string
	envFiles []string
	logLevel string
	devLog   bool
	mock     bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "echemlab",
	Short: "echemlab runs electrochemistry experiments on an RS-485 pump bus",
	Long: `echemlab drives the peristaltic pumps of an electrochemical flow cell,
prepares solutions by dilution, flushes the cell and runs potentiostat
techniques from a step program, optionally sweeping parameter combinations.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "config.json", "configuration file")
	pf.StringSliceVar(&envFiles, "env", nil, "env files to read (default .env)")
	pf.StringVar(&logLevel, "log-level", "", "log level, overrides the configuration")
	pf.BoolVar(&devLog, "dev", false, "human readable development logging")
	pf.BoolVar(&mock, "mock", false, "use the simulated pump bus")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.Logging) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development || devLog {
		zc = zap.NewDevelopmentConfig()
	}
	level := cfg.Level
	if logLevel != "" {
		level = logLevel
	}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	return zc.Build()
}

// loadConfig reads the configuration file and applies the environment. A
// missing file is only an error when --config was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, nil, err
	}
	e, err := env.Load(nil, envFiles...)
	if err != nil {
		return nil, nil, err
	}
	e.Apply(cfg)
	if mock {
		cfg.MockMode = true
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	if issues := cfg.Validate(); len(issues) > 0 {
		for _, i := range issues.Warnings() {
			logger.Warn("config", zap.String("issue", i.Error()))
		}
		if err := issues.Err(); err != nil {
			return nil, nil, err
		}
	}
	return cfg, logger, nil
}
