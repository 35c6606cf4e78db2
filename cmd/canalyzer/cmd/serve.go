package cmd

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/roffe/canalyzer"
	"github.com/roffe/canalyzer/pkg/tracefeed"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the live trace over HTTP and websocket",
	Long: `Opens the selected interfaces and serves
  GET  /api/interfaces   interface list and counters
  GET  /api/messages     recent frames, ?limit=n
  POST /api/send         transmit a frame
  GET  /ws/trace         live frames and events, ?id=0x7E8 to filter`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		listen, _ := cmd.Flags().GetString("listen")
		readOnly, _ := cmd.Flags().GetBool("read-only")

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
		for _, iface := range ifaces {
			iface.ApplyConfig(cfg)
		}
		m := &canalyzer.Measurement{Sink: trace, Interfaces: ifaces}

		var sender tracefeed.Sender = m
		if readOnly {
			sender = nil
		}
		srv := &http.Server{
			Addr:              listen,
			Handler:           tracefeed.New(trace, reg, sender).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			return m.Run(gctx)
		})
		g.Go(func() error {
			log.Printf("listening on http://%s", listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().BoolP("all", "A", true, "serve every attached interface")
	serveCmd.Flags().String("listen", defaultListen(), "listen address")
	serveCmd.Flags().Bool("read-only", false, "disable /api/send")
	rootCmd.AddCommand(serveCmd)
}
