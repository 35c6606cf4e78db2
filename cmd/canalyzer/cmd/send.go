package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roffe/canalyzer"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <frame>...",
	Short: "send frames",
	Long: `Frames use the cansend notation:
  123#DEADBEEF        standard id, classic frame
  18DAF110#0210       extended id (8 hex digits)
  123#R4              remote request with length 4
  123##1112233        CAN FD, flag nibble 1 = bit rate switch, then data`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		count, _ := cmd.Flags().GetInt("count")
		interval, _ := cmd.Flags().GetDuration("interval")

		msgs := make([]canalyzer.Message, len(args))
		for i, a := range args {
			msg, err := parseFrame(a)
			if err != nil {
				return err
			}
			msgs[i] = msg
		}

		trace := canalyzer.NewTrace(0)
		sub := trace.Subscribe(256)
		defer sub.Close()
		go printSubscriber(ctx, sub, false)

		reg, err := newRegistry(cmd, trace)
		if err != nil {
			return err
		}
		defer reg.Close()
		iface, err := selectInterface(cmd, reg)
		if err != nil {
			return err
		}
		iface.ApplyConfig(busConfig(cmd))
		if err := iface.Open(ctx); err != nil {
			return err
		}
		defer iface.Close()

		// SLCAN transmits queued frames from the read loop
		go drain(ctx, iface, nil)

		for n := 0; count <= 0 || n < count; n++ {
			for _, msg := range msgs {
				if err := iface.SendMessage(msg); err != nil {
					return err
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().IntP("count", "n", 1, "times to send, 0 = until interrupted")
	sendCmd.Flags().DurationP("interval", "t", 100*time.Millisecond, "delay between rounds")
	rootCmd.AddCommand(sendCmd)
}

// parseFrame parses the cansend frame notation.
func parseFrame(s string) (canalyzer.Message, error) {
	var msg canalyzer.Message
	idPart, rest, ok := strings.Cut(s, "#")
	if !ok {
		return msg, fmt.Errorf("frame %q: missing #", s)
	}
	if len(idPart) != 3 && len(idPart) != 8 {
		return msg, fmt.Errorf("frame %q: identifier must be 3 or 8 hex digits", s)
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return msg, fmt.Errorf("frame %q: %w", s, err)
	}
	extended := len(idPart) == 8
	if (extended && id > canalyzer.IDMaskExtended) || (!extended && id > canalyzer.IDMaskStandard) {
		return msg, fmt.Errorf("frame %q: identifier out of range", s)
	}

	var fd, brs, rtr bool
	var rtrLen uint8
	switch {
	case strings.HasPrefix(rest, "#"):
		if len(rest) < 2 {
			return msg, fmt.Errorf("frame %q: missing FD flags", s)
		}
		flags, err := strconv.ParseUint(rest[1:2], 16, 8)
		if err != nil {
			return msg, fmt.Errorf("frame %q: FD flags: %w", s, err)
		}
		fd, brs = true, flags&0x1 != 0
		rest = rest[2:]
	case strings.HasPrefix(rest, "R"):
		rtr = true
		if len(rest) > 1 {
			l, err := strconv.ParseUint(rest[1:], 10, 8)
			if err != nil || l > 8 {
				return msg, fmt.Errorf("frame %q: invalid remote length", s)
			}
			rtrLen = uint8(l)
		}
		rest = ""
	}

	data, err := hex.DecodeString(strings.ReplaceAll(rest, ".", ""))
	if err != nil {
		return msg, fmt.Errorf("frame %q: data: %w", s, err)
	}
	if len(data) > canalyzer.MaxDataLength {
		return msg, fmt.Errorf("frame %q: %w", s, canalyzer.ErrInvalidLength)
	}
	msg = canalyzer.NewMessage(uint32(id), data)
	msg.SetExtended(extended)
	msg.SetFD(fd)
	msg.SetBRS(brs)
	if rtr {
		msg.SetRTR(true)
		msg.SetLength(rtrLen)
	}
	if !msg.ValidLength() {
		return msg, fmt.Errorf("frame %q: %w: %d", s, canalyzer.ErrInvalidLength, len(data))
	}
	return msg, nil
}
