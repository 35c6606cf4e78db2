package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roffe/canalyzer"
	"github.com/spf13/cobra"
)

var terminationCmd = &cobra.Command{
	Use:       "termination [on|off]",
	Short:     "show or switch the 120 ohm bus termination",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		trace := canalyzer.NewTrace(1)
		reg, err := newRegistry(cmd, trace)
		if err != nil {
			return err
		}
		defer reg.Close()
		iface, err := selectInterface(cmd, reg)
		if err != nil {
			return err
		}
		term, ok := iface.(canalyzer.Terminator)
		if !ok || !iface.Capabilities().Has(canalyzer.CapTermination) {
			return fmt.Errorf("%s: %w", iface.Name(), canalyzer.ErrNotSupported)
		}

		iface.ApplyConfig(busConfig(cmd))
		if err := iface.Open(ctx); err != nil {
			return err
		}
		defer iface.Close()
		go drain(ctx, iface, nil)

		if len(args) == 1 {
			var enable bool
			switch args[0] {
			case "on":
				enable = true
			case "off":
			default:
				return fmt.Errorf("invalid state %q, want on or off", args[0])
			}
			if err := term.SetTermination(ctx, enable); err != nil {
				return err
			}
		}
		enabled, err := term.Termination(ctx)
		if err != nil {
			return err
		}
		state := "off"
		if enabled {
			state = "on"
		}
		fmt.Printf("%s termination %s\n", iface.Name(), state)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(terminationCmd)
}

// drain keeps the read side of an open interface running so queued commands
// are flushed and replies parsed. Received frames go to sink when it is set.
func drain(ctx context.Context, iface canalyzer.Interface, sink canalyzer.Sink) {
	buf := make([]canalyzer.Message, 0, 16)
	for ctx.Err() == nil {
		msgs, err := iface.ReadMessages(buf[:0], canalyzer.DefaultReadTimeout)
		if sink != nil {
			for _, msg := range msgs {
				sink.AddMessage(msg)
			}
		}
		if errors.Is(err, canalyzer.ErrNotOpen) || (err != nil && !canalyzer.IsRecoverable(err)) {
			return
		}
	}
}
