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
	"encoding/json"
	"fmt"
	"github.com/jt05610/echemlab/amqp"
	"github.com/jt05610/echemlab/program"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"os"
	"os/signal"
	"time"
)

var (
	remoteDevice  string
	remoteFollow  bool
	remoteTimeout time.Duration
	remoteCombo   bool
)

// remoteCmd represents the remote command
var remoteCmd = &cobra.Command{
	Use:   "remote <command> [program]",
	Short: "Send a command to an echemlab serve instance over AMQP",
	Long: `Remote publishes <device>.commands.<command> and waits for the reply.
Commands are load, start, stop, pause, resume, next_combo, reset_combo,
emergency_stop and status. load takes a program file.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		if cfg.AMQP.URI == "" {
			return fmt.Errorf("no AMQP URI configured")
		}
		device := remoteDevice
		if device == "" {
			device = cfg.AMQP.DeviceID
		}
		body, err := remoteBody(args)
		if err != nil {
			return err
		}
		conn, err := amqp.Dial(cfg.AMQP.URI)
		if err != nil {
			return err
		}
		defer conn.Close()
		client, err := amqp.NewClient(logger.Named("amqp"), conn.Channel, cfg.AMQP.Exchange)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		msgs, err := client.Follow(ctx, device)
		if err != nil {
			return err
		}
		id, err := client.Send(ctx, device, args[0], body)
		if err != nil {
			return err
		}
		logger.Debug("command sent", zap.String("id", id), zap.String("device", device))

		out := cmd.OutOrStdout()
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		timeout := time.After(remoteTimeout)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-timeout:
				if !remoteFollow {
					return fmt.Errorf("no reply from %s within %s", device, remoteTimeout)
				}
			case m, ok := <-msgs:
				if !ok {
					return nil
				}
				switch {
				case m.Reply != nil && m.Reply.ID == id:
					if err := enc.Encode(m.Reply); err != nil {
						return err
					}
					if !m.Reply.OK {
						return fmt.Errorf("%s: %s", args[0], m.Reply.Error)
					}
					if !remoteFollow {
						return nil
					}
					timeout = nil
				case m.Event != nil && remoteFollow:
					fmt.Fprintf(out, "%s %s %v\n", m.Event.Time.Format(time.TimeOnly), m.Event.Type, m.Event.Data)
					if m.Event.Type.Terminal() {
						return nil
					}
				}
			}
		}
	},
}

func remoteBody(args []string) ([]byte, error) {
	switch args[0] {
	case "load":
		if len(args) != 2 {
			return nil, fmt.Errorf("load needs a program file")
		}
		p, err := program.Load(args[1])
		if err != nil {
			return nil, err
		}
		return json.Marshal(p)
	case "start":
		return json.Marshal(struct {
			Combo bool `json:"combo"`
		}{remoteCombo})
	}
	return nil, nil
}

func init() {
	remoteCmd.Flags().StringVarP(&remoteDevice, "device", "d", "", "target device, defaults to the configured device id")
	remoteCmd.Flags().BoolVarP(&remoteFollow, "follow", "f", false, "keep printing events until the run ends")
	remoteCmd.Flags().DurationVar(&remoteTimeout, "timeout", 10*time.Second, "how long to wait for the reply")
	remoteCmd.Flags().BoolVar(&remoteCombo, "combo", false, "start in combo mode")
	rootCmd.AddCommand(remoteCmd)
}
