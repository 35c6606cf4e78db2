package cmd

import (
	"fmt"

	"github.com/roffe/canalyzer"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list drivers and attached interfaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		showRates, _ := cmd.Flags().GetBool("bitrates")

		fmt.Println("Drivers:")
		for _, d := range canalyzer.ListDrivers() {
			fmt.Printf("  %-8s %s\n", d.Name, d.Description)
		}

		reg, err := newRegistry(cmd, canalyzer.NewTrace(1))
		if err != nil {
			return err
		}
		defer reg.Close()

		ifaces := reg.Interfaces()
		if len(ifaces) == 0 {
			fmt.Println("no interfaces found")
			return nil
		}
		fmt.Println("Interfaces:")
		for _, iface := range ifaces {
			fmt.Printf("  %s %-10s %-14s %s\n", iface.ID(), iface.Name(), iface.DriverName(), iface.Description())
			fmt.Printf("      %s\n", iface.Details())
			fmt.Printf("      capabilities: %s\n", iface.Capabilities())
			if !showRates {
				continue
			}
			for _, t := range iface.AvailableBitrates() {
				if t.FDBitrate != 0 {
					fmt.Printf("      %7d bit/s %d‰ / %d bit/s\n", t.Bitrate, t.SamplePoint, t.FDBitrate)
				} else {
					fmt.Printf("      %7d bit/s %d‰\n", t.Bitrate, t.SamplePoint)
				}
			}
		}
		return nil
	},
}

func init() {
	listCmd.Flags().Bool("bitrates", false, "show the supported bitrates of every interface")
	rootCmd.AddCommand(listCmd)
}
