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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/jt05610/echemlab/calibration"
	"github.com/jt05610/echemlab/config"
	"github.com/spf13/cobra"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	fitOrigin  bool
	fitAddr    int
	calCounts  []int64
	calSpeed   int
	calSettle  time.Duration
	calDensity float64
)

// calibrateCmd represents the calibrate command
var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Fit and record pump volume calibrations",
}

var calibrateFitCmd = &cobra.Command{
	Use:   "fit <points.csv>",
	Short: "Fit volume against revolutions from counts,volume_ul rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		points, err := calibration.ReadPoints(f)
		if err != nil {
			return err
		}
		return record(cmd, points)
	},
}

var calibrateRunCmd = &cobra.Command{
	Use:   "run <addr>",
	Short: "Move a pump by known counts, prompting for the dispensed mass of each move",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		fitAddr = int(addr)
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.open(); err != nil {
			return err
		}
		in := bufio.NewScanner(cmd.InOrStdin())
		measure := calibration.MeasureFunc(func(_ context.Context, counts int64) (float64, error) {
			fmt.Fprintf(a.out, "moved %d counts, dispensed mass in mg: ", counts)
			if !in.Scan() {
				return 0, fmt.Errorf("no measurement for %d counts", counts)
			}
			mg, err := strconv.ParseFloat(strings.TrimSpace(in.Text()), 64)
			if err != nil {
				return 0, err
			}
			return calibration.VolumeFromMass(mg, calDensity)
		})
		proc := calibration.Procedure{
			Addr:   addr,
			Counts: calCounts,
			Speed:  calSpeed,
			Settle: calSettle,
			Logger: a.logger.Named("calibration"),
		}
		points, err := proc.Run(cmd.Context(), a.pumps, measure)
		if err != nil {
			return err
		}
		return record(cmd, points)
	},
}

// record fits points, prints the result and, with --addr, stores it in the
// configuration file.
func record(cmd *cobra.Command, points []calibration.Point) error {
	fit, err := calibration.Fit(points, fitOrigin)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	b, err := json.MarshalIndent(fit, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(b))
	if fitAddr == 0 {
		return nil
	}
	// the file is rewritten as read, without environment overrides
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return err
	}
	addr := byte(fitAddr)
	cal := cfg.Calibration(addr)
	cal.Linear = &fit
	cfg.SetCalibration(addr, cal)
	if err := cfg.Save(cfgPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "saved calibration for pump %d to %s\n", addr, cfgPath)
	return nil
}

func init() {
	calibrateCmd.PersistentFlags().BoolVar(&fitOrigin, "origin", false, "force the fit through the origin")
	calibrateFitCmd.Flags().IntVar(&fitAddr, "addr", 0, "store the fit for this pump address")
	calibrateRunCmd.Flags().Int64SliceVar(&calCounts, "counts", []int64{3200, 6400, 12800}, "encoder counts per move")
	calibrateRunCmd.Flags().IntVar(&calSpeed, "rpm", 100, "move speed")
	calibrateRunCmd.Flags().DurationVar(&calSettle, "settle", 2*time.Second, "wait after each move")
	calibrateRunCmd.Flags().Float64Var(&calDensity, "density", 1, "liquid density in g/mL")
	calibrateCmd.AddCommand(calibrateFitCmd, calibrateRunCmd)
	rootCmd.AddCommand(calibrateCmd)
}
