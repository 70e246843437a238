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
	"github.com/dustin/go-humanize"
	"github.com/jt05610/echemlab/history"
	"github.com/spf13/cobra"
	"strings"
	"text/tabwriter"
	"time"
)

var historyLimit int

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recorded runs, or show one in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.History.Path == "" {
			return fmt.Errorf("no history path configured")
		}
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		out := cmd.OutOrStdout()
		if len(args) == 1 {
			r, err := store.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "run      %s\nprogram  %s\noutcome  %s\nstarted  %s (%s)\nduration %s\nsteps    %d done, %d failed\n",
				r.ID, r.Program, r.Outcome, r.Started.Format(time.RFC3339), humanize.Time(r.Started),
				r.Duration().Round(time.Second), r.Steps, r.StepsFailed)
			if r.ComboMode {
				fmt.Fprintf(out, "combos   %s\n", humanize.Comma(int64(r.Combos)))
			}
			if r.Error != "" {
				fmt.Fprintf(out, "error    %s\n", r.Error)
			}
			if len(r.Files) > 0 {
				fmt.Fprintf(out, "files    %s\n", strings.Join(r.Files, "\n         "))
			}
			return nil
		}
		recs, err := store.List()
		if err != nil {
			return err
		}
		if historyLimit > 0 && historyLimit < len(recs) {
			recs = recs[:historyLimit]
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROGRAM\tSTARTED\tDURATION\tOUTCOME\tSTEPS")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d ok, %d failed\n",
				r.ID[:min(8, len(r.ID))], r.Program, humanize.Time(r.Started),
				r.Duration().Round(time.Second), r.Outcome, r.Steps, r.StepsFailed)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "show at most this many runs, 0 for all")
	rootCmd.AddCommand(historyCmd)
}
