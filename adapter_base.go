package canalyzer

import (
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// BaseInterface carries the bookkeeping shared by all interfaces: identity,
// configuration, counters and event reporting.
type BaseInterface struct {
	id          atomic.Uint32
	driverName  string
	name        string
	description string
	debug       bool
	sink        Sink

	cfgMu sync.Mutex
	cfg   Config

	open atomic.Bool

	rxFrames   atomic.Uint64
	txFrames   atomic.Uint64
	rxErrors   atomic.Uint64
	txErrors   atomic.Uint64
	rxOverruns atomic.Uint64
	txDropped  atomic.Uint64

	// now is replaceable in tests.
	now func() time.Time
}

func NewBaseInterface(driverName, name, description string, cfg *DriverConfig) *BaseInterface {
	return &BaseInterface{
		driverName:  driverName,
		name:        name,
		description: description,
		debug:       cfg.Debug,
		sink:        cfg.Sink,
		cfg:         DefaultConfig(),
		now:         time.Now,
	}
}

func (base *BaseInterface) ID() InterfaceID {
	return InterfaceID(base.id.Load())
}

func (base *BaseInterface) SetID(id InterfaceID) {
	base.id.Store(uint32(id))
}

func (base *BaseInterface) Name() string {
	return base.name
}

func (base *BaseInterface) Description() string {
	return base.description
}

func (base *BaseInterface) SetDescription(description string) {
	base.description = description
}

func (base *BaseInterface) DriverName() string {
	return base.driverName
}

func (base *BaseInterface) ApplyConfig(cfg Config) {
	base.cfgMu.Lock()
	defer base.cfgMu.Unlock()
	base.cfg = cfg
}

func (base *BaseInterface) Config() Config {
	base.cfgMu.Lock()
	defer base.cfgMu.Unlock()
	return base.cfg
}

func (base *BaseInterface) IsOpen() bool {
	return base.open.Load()
}

func (base *BaseInterface) setOpen(open bool) {
	base.open.Store(open)
}

func (base *BaseInterface) Stats() Stats {
	return Stats{
		RxFrames:   base.rxFrames.Load(),
		TxFrames:   base.txFrames.Load(),
		RxErrors:   base.rxErrors.Load(),
		TxErrors:   base.txErrors.Load(),
		RxOverruns: base.rxOverruns.Load(),
		TxDropped:  base.txDropped.Load(),
	}
}

func (base *BaseInterface) resetStats() {
	base.rxFrames.Store(0)
	base.txFrames.Store(0)
	base.rxErrors.Store(0)
	base.txErrors.Store(0)
	base.rxOverruns.Store(0)
	base.txDropped.Store(0)
}

// publishSent stamps a copy of msg as transmitted by this interface and hands
// it to the sink.
func (base *BaseInterface) publishSent(msg Message) {
	msg.SetInterfaceID(base.ID())
	msg.SetDirection(Tx)
	msg.SetTimestampTime(base.now())
	if base.sink != nil {
		base.sink.AddMessage(msg)
	}
}

func (base *BaseInterface) sendEvent(eventType EventType, details string) {
	if eventType == EventTypeDebug && !base.debug {
		return
	}
	if base.sink == nil {
		_, file, no, ok := runtime.Caller(2)
		if ok {
			log.Printf("%s#%d %s: %s\n", filepath.Base(file), no, base.name, details)
		} else {
			log.Printf("%s: %s", base.name, details)
		}
		return
	}
	base.sink.Log(Event{Type: eventType, Source: base.name, Details: details, Time: base.now()})
}

// Send an error event
func (base *BaseInterface) Error(err error) {
	base.sendEvent(EventTypeError, err.Error())
}

// Send a warning event
func (base *BaseInterface) Warn(warn string) {
	base.sendEvent(EventTypeWarning, warn)
}

// Send an info event
func (base *BaseInterface) Info(info string) {
	base.sendEvent(EventTypeInfo, info)
}

// Send a debug event, dropped unless the driver runs with Debug set
func (base *BaseInterface) Debug(debug string) {
	base.sendEvent(EventTypeDebug, debug)
}

func (base *BaseInterface) Debugf(format string, args ...any) {
	if base.debug {
		base.sendEvent(EventTypeDebug, fmt.Sprintf(format, args...))
	}
}
