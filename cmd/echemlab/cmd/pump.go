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
	"fmt"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/pump"
	"github.com/spf13/cobra"
	"strconv"
	"text/tabwriter"
	"time"
)

var (
	discoverFrom    int
	discoverTo      int
	discoverRetries int

	pumpRPM     int
	pumpReverse bool
)

// discoverCmd represents the discover command
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Probe the bus for pump controllers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		if discoverFrom < 1 || discoverTo > 255 || discoverFrom > discoverTo {
			return fmt.Errorf("%w: address range %d..%d", echemlab.ErrValidation, discoverFrom, discoverTo)
		}
		if err := a.open(); err != nil {
			return err
		}
		found := a.pumps.Discover(cmd.Context(), echemlab.Addresses(byte(discoverFrom), byte(discoverTo)), discoverRetries)
		out := cmd.OutOrStdout()
		if len(found) == 0 {
			fmt.Fprintln(out, "no pumps answered")
			return nil
		}
		for _, addr := range found {
			fmt.Fprintf(out, "pump %d\n", addr)
		}
		return nil
	},
}

// pumpCmd represents the pump command
var pumpCmd = &cobra.Command{
	Use:   "pump",
	Short: "Drive single pumps by address",
}

func parseAddr(s string) (byte, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 255 {
		return 0, fmt.Errorf("%w: bad pump address %q", echemlab.ErrValidation, s)
	}
	return byte(n), nil
}

// withPump opens the bus and calls fn for the pump addressed by args[0].
func withPump(fn func(ctx context.Context, a *app, addr byte) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.open(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		return fn(ctx, a, addr)
	}
}

var pumpStartCmd = &cobra.Command{
	Use:   "start <addr>",
	Short: "Run a pump continuously until stopped",
	Args:  cobra.ExactArgs(1),
	RunE: withPump(func(ctx context.Context, a *app, addr byte) error {
		dir := echemlab.Forward
		for _, p := range a.cfg.Pumps {
			if p.Address == int(addr) {
				dir = p.Direction
			}
		}
		if pumpReverse {
			dir = dir.Opposite()
		}
		return a.pumps.StartPump(ctx, addr, dir, pumpRPM)
	}),
}

var pumpStopCmd = &cobra.Command{
	Use:   "stop <addr|all>",
	Short: "Stop one pump or every pump",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] != "all" {
			return withPump(func(ctx context.Context, a *app, addr byte) error {
				return a.pumps.StopPump(ctx, addr)
			})(cmd, args)
		}
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.open(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		return a.pumps.StopAll(ctx)
	},
}

var pumpStatusCmd = &cobra.Command{
	Use:   "status <addr>",
	Short: "Read enable, speed, fault and encoder of a pump",
	Args:  cobra.ExactArgs(1),
	RunE: withPump(func(ctx context.Context, a *app, addr byte) error {
		if _, err := a.pumps.ReadEnable(ctx, addr); err != nil {
			return err
		}
		if _, err := a.pumps.ReadSpeed(ctx, addr); err != nil {
			return err
		}
		fault, err := a.pumps.ReadFault(ctx, addr)
		if err != nil {
			return err
		}
		enc, err := a.pumps.ReadEncoder(ctx, addr)
		if err != nil {
			return err
		}
		st, _ := a.pumps.State(addr)
		printPumps(a, []pump.State{st})
		fmt.Fprintf(a.out, "fault 0x%02X, encoder %d\n", fault, enc)
		return nil
	}),
}

func printPumps(a *app, states []pump.State) {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDR\tONLINE\tENABLED\tSPEED\tFAILURES\tNOTE")
	for _, st := range states {
		enabled := "?"
		if st.Enabled != nil {
			enabled = strconv.FormatBool(*st.Enabled)
		}
		fmt.Fprintf(w, "%d\t%t\t%s\t%d\t%d\t%s\n", st.Address, st.Online, enabled, st.Speed, st.Failures, st.Note)
	}
	_ = w.Flush()
}

func init() {
	discoverCmd.Flags().IntVar(&discoverFrom, "from", echemlab.MinAddress, "first address to probe")
	discoverCmd.Flags().IntVar(&discoverTo, "to", echemlab.MaxAddress, "last address to probe")
	discoverCmd.Flags().IntVar(&discoverRetries, "retries", 2, "attempts per address")
	pumpStartCmd.Flags().IntVarP(&pumpRPM, "rpm", "r", 100, "speed in rpm")
	pumpStartCmd.Flags().BoolVar(&pumpReverse, "reverse", false, "run against the configured direction")
	pumpCmd.AddCommand(pumpStartCmd, pumpStopCmd, pumpStatusCmd)
	rootCmd.AddCommand(discoverCmd, pumpCmd)
}
