package canalyzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultReadTimeout = 100 * time.Millisecond

// Measurement runs one poll loop per interface and forwards received messages
// to the sink.
type Measurement struct {
	Sink        Sink
	Interfaces  []Interface
	ReadTimeout time.Duration
}

// Run opens all interfaces and polls them until ctx is done or an interface
// reports an unrecoverable error. All interfaces are closed on return.
func (m *Measurement) Run(ctx context.Context) error {
	if len(m.Interfaces) == 0 {
		return errors.New("no interfaces selected")
	}
	timeout := m.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	var opened []Interface
	closeAll := func() {
		for _, iface := range opened {
			if err := iface.Close(); err != nil {
				m.Sink.Log(Event{Type: EventTypeError, Source: iface.Name(), Details: err.Error(), Time: time.Now()})
			}
		}
	}
	for _, iface := range m.Interfaces {
		if err := iface.Open(ctx); err != nil {
			closeAll()
			return fmt.Errorf("open %s: %w", iface.Name(), err)
		}
		opened = append(opened, iface)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		closeAll()
		return nil
	})
	for _, iface := range opened {
		iface := iface
		g.Go(func() error {
			return m.poll(gctx, iface, timeout)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Measurement) poll(ctx context.Context, iface Interface, timeout time.Duration) error {
	buf := make([]Message, 0, 16)
	for ctx.Err() == nil {
		msgs, err := iface.ReadMessages(buf[:0], timeout)
		for _, msg := range msgs {
			m.Sink.AddMessage(msg)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrNotOpen) {
				return fmt.Errorf("%s: %w", iface.Name(), err)
			}
			if !IsRecoverable(err) {
				return fmt.Errorf("%s: %w", iface.Name(), err)
			}
			m.Sink.Log(Event{Type: EventTypeWarning, Source: iface.Name(), Details: err.Error(), Time: time.Now()})
		}
	}
	return nil
}

// Send routes msg to the interface matching its interface id.
func (m *Measurement) Send(msg Message) error {
	for _, iface := range m.Interfaces {
		if iface.ID() == msg.InterfaceID() {
			return iface.SendMessage(msg)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownInterface, msg.InterfaceID())
}
