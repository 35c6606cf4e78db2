package canalyzer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

// Interface is one CAN channel of an adapter.
type Interface interface {
	ID() InterfaceID
	SetID(InterfaceID)
	Name() string
	Description() string
	Details() string
	DriverName() string

	ApplyConfig(Config)
	Config() Config
	Capabilities() Capability
	AvailableBitrates() []Timing

	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	// SendMessage transmits msg and publishes a stamped copy to the sink.
	SendMessage(msg Message) error
	// ReadMessages appends received messages to dst, blocking at most timeout.
	ReadMessages(dst []Message, timeout time.Duration) ([]Message, error)

	Stats() Stats
	State() State
}

// Terminator is implemented by interfaces with a switchable 120 ohm bus
// termination.
type Terminator interface {
	SetTermination(ctx context.Context, enabled bool) error
	Termination(ctx context.Context) (bool, error)
}

// Driver owns the interfaces of one adapter family.
type Driver interface {
	Name() string
	// Update enumerates attached devices. Interfaces already known keep their
	// identity, interfaces that disappeared are dropped.
	Update(ctx context.Context) ([]Interface, error)
	Interfaces() []Interface
	Close() error
}

// Sink receives every sent or received message and every log event.
type Sink interface {
	AddMessage(msg Message)
	Log(evt Event)
}

type Capability uint32

const (
	CapConfigOS Capability = 1 << iota
	CapAutoRestart
	CapListenOnly
	CapOneShot
	CapTripleSampling
	CapCANFD
	CapTermination
	CapHardwareTimestamp
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapConfigOS, "config-os"},
	{CapAutoRestart, "auto-restart"},
	{CapListenOnly, "listen-only"},
	{CapOneShot, "one-shot"},
	{CapTripleSampling, "triple-sampling"},
	{CapCANFD, "canfd"},
	{CapTermination, "termination"},
	{CapHardwareTimestamp, "hw-timestamp"},
}

func (c Capability) Has(o Capability) bool {
	return c&o == o
}

func (c Capability) String() string {
	var out []string
	for _, n := range capabilityNames {
		if c.Has(n.c) {
			out = append(out, n.name)
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, ",")
}

// Timing is one selectable bitrate / sample point combination.
type Timing struct {
	ID          int
	Bitrate     uint32
	FDBitrate   uint32
	SamplePoint uint32
}

func (t Timing) String() string {
	if t.FDBitrate > 0 {
		return fmt.Sprintf("%d / %d bit/s @ %.1f%%", t.Bitrate, t.FDBitrate, float64(t.SamplePoint)/10)
	}
	return fmt.Sprintf("%d bit/s @ %.1f%%", t.Bitrate, float64(t.SamplePoint)/10)
}

// Config holds the operator settings applied before Open. Sample points are in
// per mille.
type Config struct {
	Bitrate        uint32
	SamplePoint    uint32
	FDBitrate      uint32
	FDSamplePoint  uint32
	CANFD          bool
	ListenOnly     bool
	OneShot        bool
	TripleSampling bool
	AutoRestart    bool
}

func DefaultConfig() Config {
	return Config{
		Bitrate:       500000,
		SamplePoint:   875,
		FDBitrate:     2000000,
		FDSamplePoint: 750,
	}
}

type State int

const (
	StateUnknown State = iota
	StateOK
	StateWarning
	StatePassive
	StateBusOff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateWarning:
		return "warning"
	case StatePassive:
		return "passive"
	case StateBusOff:
		return "bus off"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DriverConfig is shared by all drivers created by a registry.
type DriverConfig struct {
	Debug bool
	// Sink receives messages and events, events are logged when nil.
	Sink Sink
	// MinimumFirmwareVersion is compared against the firmware reported by
	// devices that expose one, a mismatch is logged as a warning.
	MinimumFirmwareVersion string
}

type DriverInfo struct {
	Name        string
	Description string
	New         func(*DriverConfig) (Driver, error)
}

func (d *DriverInfo) String() string {
	return fmt.Sprintf("%s | %s", d.Name, d.Description)
}

var driverMap = make(map[string]*DriverInfo)

func RegisterDriver(driver *DriverInfo) error {
	if _, found := driverMap[driver.Name]; !found {
		driverMap[driver.Name] = driver
		return nil
	}
	return fmt.Errorf("driver %s already registered", driver.Name)
}

func NewDriver(name string, cfg *DriverConfig) (Driver, error) {
	if cfg.Sink == nil {
		cfg.Sink = logSink{}
	}
	if driver, found := driverMap[name]; found {
		return driver.New(cfg)
	}
	return nil, fmt.Errorf("unknown driver %q", name)
}

func ListDriverNames() []string {
	var out []string
	for name := range driverMap {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func ListDrivers() []DriverInfo {
	var out []DriverInfo
	for _, name := range ListDriverNames() {
		out = append(out, *driverMap[name])
	}
	return out
}

// logSink discards messages and prints events.
type logSink struct{}

func (logSink) AddMessage(Message) {}

func (logSink) Log(evt Event) {
	log.Println(evt.String())
}

func logEvent(cfg *DriverConfig, evt Event) {
	if cfg.Sink == nil {
		logSink{}.Log(evt)
		return
	}
	cfg.Sink.Log(evt)
}
