package canalyzer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry owns one instance of every selected driver and hands out interface
// ids. An interface id is the driver index in the high byte and the position
// of the interface within its driver in the low byte.
type Registry struct {
	cfg     *DriverConfig
	drivers []Driver

	mu     sync.RWMutex
	ifaces map[InterfaceID]Interface
}

// NewRegistry instantiates the named drivers, or all registered drivers when
// no names are given.
func NewRegistry(cfg *DriverConfig, names ...string) (*Registry, error) {
	if len(names) == 0 {
		names = ListDriverNames()
	}
	if cfg.Sink == nil {
		cfg.Sink = logSink{}
	}
	r := &Registry{
		cfg:    cfg,
		ifaces: make(map[InterfaceID]Interface),
	}
	for _, name := range names {
		d, err := NewDriver(name, cfg)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.drivers = append(r.drivers, d)
	}
	return r, nil
}

func (r *Registry) Drivers() []Driver {
	return r.drivers
}

// Update re-enumerates every driver. A failing driver is reported to the sink
// and skipped, the remaining drivers are still updated.
func (r *Registry) Update(ctx context.Context) error {
	ifaces := make(map[InterfaceID]Interface)
	var errs []error
	for di, d := range r.drivers {
		list, err := d.Update(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			r.cfg.Sink.Log(Event{Type: EventTypeError, Source: d.Name(), Details: err.Error()})
			continue
		}
		for n, iface := range list {
			if n > 0xFF {
				break
			}
			id := InterfaceID(di<<8 | n)
			iface.SetID(id)
			ifaces[id] = iface
		}
	}
	r.mu.Lock()
	r.ifaces = ifaces
	r.mu.Unlock()
	return errors.Join(errs...)
}

// Interfaces returns all known interfaces ordered by id.
func (r *Registry) Interfaces() []Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Interface, 0, len(r.ifaces))
	for _, iface := range r.ifaces {
		out = append(out, iface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Interface(id InterfaceID) (Interface, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if iface, ok := r.ifaces[id]; ok {
		return iface, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownInterface, id)
}

// InterfaceByName looks an interface up by name or by its "d.n" id string.
func (r *Registry) InterfaceByName(name string) (Interface, error) {
	for _, iface := range r.Interfaces() {
		if iface.Name() == name || iface.ID().String() == name {
			return iface, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownInterface, name)
}

func (r *Registry) Close() error {
	var errs []error
	for _, d := range r.drivers {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		}
	}
	return errors.Join(errs...)
}
