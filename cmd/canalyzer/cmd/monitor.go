package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/fatih/color"
	"github.com/roffe/canalyzer"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor [identifiers...]",
	Short: "print bus traffic, optionally only the given identifiers",
	Long: `Opens the selected interface and prints every frame until interrupted.
Identifiers are hex (7E8 or 0x7E8). A lost device is reopened.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ids, err := parseIdentifiers(args)
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")
		attempts, _ := cmd.Flags().GetUint("reopen")
		plain, _ := cmd.Flags().GetBool("no-color")

		trace := canalyzer.NewTrace(0)
		reg, err := newRegistry(cmd, trace)
		if err != nil {
			return err
		}
		defer reg.Close()

		ifaces, err := monitorInterfaces(cmd, reg, all)
		if err != nil {
			return err
		}
		cfg := busConfig(cmd)

		sub := trace.Subscribe(4096, ids...)
		defer sub.Close()
		go printSubscriber(ctx, sub, plain)

		names := make([]string, len(ifaces))
		for i, iface := range ifaces {
			names[i] = iface.ID().String()
		}

		attempt := 0
		return retry.Do(
			func() error {
				if attempt > 0 {
					var err error
					if ifaces, err = reopenInterfaces(ctx, reg, names); err != nil {
						return err
					}
				}
				attempt++
				for _, iface := range ifaces {
					iface.ApplyConfig(cfg)
				}
				m := &canalyzer.Measurement{Sink: trace, Interfaces: ifaces}
				return m.Run(ctx)
			},
			retry.Context(ctx),
			retry.Attempts(attempts+1),
			retry.Delay(time.Second),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, canalyzer.ErrNoTiming) &&
					!errors.Is(err, canalyzer.ErrFDNotSupported) &&
					!errors.Is(err, canalyzer.ErrUnsupportedBitrate)
			}),
			retry.OnRetry(func(n uint, err error) {
				log.Printf("#%d %v, reopening", n, err)
			}),
		)
	},
}

func init() {
	monitorCmd.Flags().BoolP("all", "A", false, "monitor every attached interface")
	monitorCmd.Flags().Uint("reopen", 10, "reopen attempts after the device is lost")
	monitorCmd.Flags().Bool("no-color", false, "disable colored output")
	rootCmd.AddCommand(monitorCmd)
}

func monitorInterfaces(cmd *cobra.Command, reg *canalyzer.Registry, all bool) ([]canalyzer.Interface, error) {
	if all {
		ifaces := reg.Interfaces()
		if len(ifaces) == 0 {
			return nil, errNoInterfaces
		}
		return ifaces, nil
	}
	iface, err := selectInterface(cmd, reg)
	if err != nil {
		return nil, err
	}
	return []canalyzer.Interface{iface}, nil
}

// reopenInterfaces re-enumerates and looks the interfaces up again by id, a
// re-plugged device comes back as a new interface object.
func reopenInterfaces(ctx context.Context, reg *canalyzer.Registry, names []string) ([]canalyzer.Interface, error) {
	if err := reg.Update(ctx); err != nil {
		log.Println(err)
	}
	out := make([]canalyzer.Interface, 0, len(names))
	for _, name := range names {
		iface, err := reg.InterfaceByName(name)
		if err != nil {
			return nil, err
		}
		out = append(out, iface)
	}
	return out, nil
}

func printSubscriber(ctx context.Context, sub *canalyzer.Subscriber, plain bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if plain {
				fmt.Fprintln(color.Output, msg.String())
			} else {
				fmt.Fprintln(color.Output, msg.ColorString())
			}
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			printEvent(evt)
		}
	}
}

func parseIdentifiers(args []string) ([]uint32, error) {
	var ids []uint32
	for _, a := range args {
		id, err := strconv.ParseUint(trimHexPrefix(a), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid identifier %q: %w", a, err)
		}
		if id > canalyzer.IDMaskExtended {
			return nil, fmt.Errorf("identifier %q out of range", a)
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

func trimHexPrefix(s string) string {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
