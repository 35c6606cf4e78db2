package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/caarlos0/env"
	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/roffe/canalyzer"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "canalyzer",
	Short:        "CAN and CAN FD bus analyzer",
	Long:         `Monitor, send and serve CAN traffic from gs_usb and SLCAN adapters`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// envConfig holds the flag defaults, overridable from the environment.
type envConfig struct {
	Drivers     string `env:"CANALYZER_DRIVERS"`
	Interface   string `env:"CANALYZER_INTERFACE"`
	Bitrate     int    `env:"CANALYZER_BITRATE" envDefault:"500000"`
	SamplePoint int    `env:"CANALYZER_SAMPLE_POINT" envDefault:"875"`
	FD          bool   `env:"CANALYZER_FD"`
	FDBitrate   int    `env:"CANALYZER_FD_BITRATE" envDefault:"2000000"`
	FDSample    int    `env:"CANALYZER_FD_SAMPLE_POINT" envDefault:"750"`
	ListenOnly  bool   `env:"CANALYZER_LISTEN_ONLY"`
	Debug       bool   `env:"CANALYZER_DEBUG"`
	MinFirmware string `env:"CANALYZER_MIN_FIRMWARE"`
	Listen      string `env:"CANALYZER_LISTEN" envDefault:"127.0.0.1:8080"`
}

const (
	flagDrivers     = "drivers"
	flagInterface   = "interface"
	flagBitrate     = "bitrate"
	flagSamplePoint = "sample-point"
	flagFD          = "fd"
	flagFDBitrate   = "fd-bitrate"
	flagFDSample    = "fd-sample-point"
	flagListenOnly  = "listen-only"
	flagDebug       = "debug"
	flagMinFirmware = "min-firmware"
)

var defaults = loadDefaults()

func loadDefaults() envConfig {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		log.Printf("environment: %v", err)
	}
	return cfg
}

func defaultListen() string {
	return defaults.Listen
}

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	pf := rootCmd.PersistentFlags()
	pf.StringP(flagDrivers, "D", defaults.Drivers, "comma separated drivers to load, empty = all")
	pf.StringP(flagInterface, "i", defaults.Interface, "interface name or id (driver.index), empty = ask")
	pf.IntP(flagBitrate, "b", defaults.Bitrate, "nominal bitrate")
	pf.Int(flagSamplePoint, defaults.SamplePoint, "nominal sample point in ‰")
	pf.Bool(flagFD, defaults.FD, "enable CAN FD")
	pf.Int(flagFDBitrate, defaults.FDBitrate, "CAN FD data bitrate")
	pf.Int(flagFDSample, defaults.FDSample, "CAN FD data sample point in ‰")
	pf.BoolP(flagListenOnly, "l", defaults.ListenOnly, "listen only, never acknowledge or transmit")
	pf.BoolP(flagDebug, "d", defaults.Debug, "debug mode")
	pf.String(flagMinFirmware, defaults.MinFirmware, "warn about gs_usb firmware older than this version")
}

func busConfig(cmd *cobra.Command) canalyzer.Config {
	pf := cmd.Flags()
	cfg := canalyzer.DefaultConfig()
	if v, err := pf.GetInt(flagBitrate); err == nil {
		cfg.Bitrate = uint32(v)
	}
	if v, err := pf.GetInt(flagSamplePoint); err == nil {
		cfg.SamplePoint = uint32(v)
	}
	if v, err := pf.GetInt(flagFDBitrate); err == nil {
		cfg.FDBitrate = uint32(v)
	}
	if v, err := pf.GetInt(flagFDSample); err == nil {
		cfg.FDSamplePoint = uint32(v)
	}
	cfg.CANFD, _ = pf.GetBool(flagFD)
	cfg.ListenOnly, _ = pf.GetBool(flagListenOnly)
	return cfg
}

// newRegistry loads the selected drivers and enumerates their interfaces. A
// failing driver is only fatal when no interface was found at all.
func newRegistry(cmd *cobra.Command, sink canalyzer.Sink) (*canalyzer.Registry, error) {
	pf := cmd.Flags()
	debug, _ := pf.GetBool(flagDebug)
	minFw, _ := pf.GetString(flagMinFirmware)
	drivers, _ := pf.GetString(flagDrivers)

	var names []string
	for _, n := range strings.Split(drivers, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}

	reg, err := canalyzer.NewRegistry(&canalyzer.DriverConfig{
		Debug:                  debug,
		Sink:                   sink,
		MinimumFirmwareVersion: minFw,
	}, names...)
	if err != nil {
		return nil, err
	}
	if err := reg.Update(cmd.Context()); err != nil && len(reg.Interfaces()) == 0 {
		reg.Close()
		return nil, err
	}
	return reg, nil
}

var errNoInterfaces = errors.New("no interfaces found")

// selectInterface resolves the --interface flag, prompting when it is empty
// and more than one interface is attached.
func selectInterface(cmd *cobra.Command, reg *canalyzer.Registry) (canalyzer.Interface, error) {
	name, _ := cmd.Flags().GetString(flagInterface)
	if name != "" {
		return reg.InterfaceByName(name)
	}
	ifaces := reg.Interfaces()
	switch len(ifaces) {
	case 0:
		return nil, errNoInterfaces
	case 1:
		return ifaces[0], nil
	}
	items := make([]string, len(ifaces))
	for i, iface := range ifaces {
		items[i] = fmt.Sprintf("%s %s (%s) %s", iface.ID(), iface.Name(), iface.DriverName(), iface.Description())
	}
	prompt := promptui.Select{
		Label: "Select interface",
		Items: items,
	}
	idx, _, err := prompt.Run()
	if err != nil {
		return nil, err
	}
	return ifaces[idx], nil
}

var (
	errorColor = color.New(color.FgRed).SprintFunc()
	warnColor  = color.New(color.FgYellow).SprintFunc()
	debugColor = color.New(color.FgHiBlack).SprintFunc()
)

func printEvent(evt canalyzer.Event) {
	line := evt.String()
	switch evt.Type {
	case canalyzer.EventTypeError:
		line = errorColor(line)
	case canalyzer.EventTypeWarning:
		line = warnColor(line)
	case canalyzer.EventTypeDebug:
		line = debugColor(line)
	}
	fmt.Fprintln(color.Output, line)
}
