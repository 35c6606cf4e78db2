package canalyzer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	virtualDriverKey  = "Virtual"
	virtualInterfaces = 2
	virtualRxBuffer   = 1024
)

func init() {
	if err := RegisterDriver(&DriverInfo{
		Name:        virtualDriverKey,
		Description: "in-memory bus for testing without hardware",
		New:         NewVirtualDriver,
	}); err != nil {
		panic(err)
	}
}

// VirtualDriver provides interfaces attached to one simulated bus. A frame
// sent on one interface is received by every other open interface.
type VirtualDriver struct {
	cfg *DriverConfig

	mu     sync.RWMutex
	ifaces []*VirtualInterface
}

func NewVirtualDriver(cfg *DriverConfig) (Driver, error) {
	d := &VirtualDriver{cfg: cfg}
	for i := 0; i < virtualInterfaces; i++ {
		d.ifaces = append(d.ifaces, &VirtualInterface{
			BaseInterface: NewBaseInterface(virtualDriverKey, "virtual"+strconv.Itoa(i), "Virtual CAN bus", cfg),
			bus:           d,
		})
	}
	return d, nil
}

func (d *VirtualDriver) Name() string {
	return virtualDriverKey
}

func (d *VirtualDriver) Update(ctx context.Context) ([]Interface, error) {
	return d.Interfaces(), nil
}

func (d *VirtualDriver) Interfaces() []Interface {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Interface, len(d.ifaces))
	for i, iface := range d.ifaces {
		out[i] = iface
	}
	return out
}

func (d *VirtualDriver) Close() error {
	for _, iface := range d.Interfaces() {
		iface.Close()
	}
	return nil
}

// broadcast delivers msg to every open interface except the sender. Frames of
// a bitrate other than the sender's are not seen, as on a real bus.
func (d *VirtualDriver) broadcast(from *VirtualInterface, msg Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	bitrate := from.Config().Bitrate
	for _, iface := range d.ifaces {
		if iface == from || !iface.IsOpen() || iface.Config().Bitrate != bitrate {
			continue
		}
		iface.deliver(msg)
	}
}

type VirtualInterface struct {
	*BaseInterface
	bus *VirtualDriver

	mu   sync.Mutex
	rx   chan Message
	done chan struct{}
}

func (v *VirtualInterface) Details() string {
	return "simulated bus shared by " + strconv.Itoa(virtualInterfaces) + " interfaces"
}

func (v *VirtualInterface) Capabilities() Capability {
	return CapListenOnly | CapCANFD | CapHardwareTimestamp
}

func (v *VirtualInterface) AvailableBitrates() []Timing {
	rates := []uint32{10000, 20000, 50000, 83333, 100000, 125000, 250000, 500000, 800000, 1000000}
	out := make([]Timing, len(rates))
	for i, r := range rates {
		out[i] = Timing{ID: i, Bitrate: r, FDBitrate: 2000000, SamplePoint: 875}
	}
	return out
}

func (v *VirtualInterface) State() State {
	if v.IsOpen() {
		return StateOK
	}
	return StateStopped
}

func (v *VirtualInterface) Open(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.IsOpen() {
		return nil
	}
	v.rx = make(chan Message, virtualRxBuffer)
	v.done = make(chan struct{})
	v.resetStats()
	v.setOpen(true)
	v.Info(fmt.Sprintf("opened at %d bit/s", v.Config().Bitrate))
	return nil
}

func (v *VirtualInterface) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.IsOpen() {
		return nil
	}
	v.setOpen(false)
	close(v.done)
	return nil
}

func (v *VirtualInterface) SendMessage(msg Message) error {
	if !v.IsOpen() {
		v.txDropped.Add(1)
		return ErrNotOpen
	}
	if !msg.ValidLength() {
		v.txDropped.Add(1)
		return fmt.Errorf("%w: %d", ErrInvalidLength, msg.Length())
	}
	cfg := v.Config()
	if cfg.ListenOnly {
		v.txDropped.Add(1)
		return fmt.Errorf("%s is listen-only: %w", v.Name(), ErrDroppedFrame)
	}
	if msg.IsFD() && !cfg.CANFD {
		v.txDropped.Add(1)
		return ErrFDNotSupported
	}
	v.txFrames.Add(1)
	v.publishSent(msg)
	v.bus.broadcast(v, msg)
	return nil
}

func (v *VirtualInterface) deliver(msg Message) {
	if msg.IsFD() && !v.Config().CANFD {
		v.rxErrors.Add(1)
		return
	}
	msg.SetInterfaceID(v.ID())
	msg.SetDirection(Rx)
	msg.SetTimestampTime(v.now())
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.IsOpen() {
		return
	}
	select {
	case v.rx <- msg:
	default:
		v.rxOverruns.Add(1)
	}
}

func (v *VirtualInterface) ReadMessages(dst []Message, timeout time.Duration) ([]Message, error) {
	v.mu.Lock()
	rx, done := v.rx, v.done
	v.mu.Unlock()
	if !v.IsOpen() || rx == nil {
		return dst, ErrNotOpen
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case msg := <-rx:
		v.rxFrames.Add(1)
		dst = append(dst, msg)
	case <-done:
		return dst, ErrNotOpen
	case <-t.C:
		return dst, nil
	}
	// drain what is already queued without blocking
	for {
		select {
		case msg := <-rx:
			v.rxFrames.Add(1)
			dst = append(dst, msg)
		default:
			return dst, nil
		}
	}
}
