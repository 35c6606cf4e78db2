package canalyzer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"
	"github.com/google/gousb/usbid"
	"github.com/roffe/canalyzer/pkg/bittiming"
	"github.com/roffe/canalyzer/pkg/gsusb"
	"golang.org/x/mod/semver"
)

const (
	candleDriverKey = "Candle"

	// USB topology
	candleConfigNumber   = 1
	candleInterfaceNum   = 0
	candleAltSetting     = 0
	candleInEndpointNum  = 0x01 // 0x81
	candleOutEndpointNum = 0x02

	candleWriteTimeout = 100 * time.Millisecond
	candleEchoSlots    = 10

	// a device timestamp can only have wrapped once this many µs have passed
	candleWrapThreshold = 0x180000000
)

var candleIDs = []struct {
	vid, pid gousb.ID
}{
	{0x1d50, 0x606f}, // candleLight / CANable with candleLight firmware
	{0x1209, 0x2323}, // candleLight pid.codes
	{0x1cd2, 0x606f}, // CES CANext FD
	{0x16d0, 0x10b8}, // ABE CANdebugger FD
	{0x16d0, 0x0f30}, // Xylanta SAINT3
}

func isCandleDevice(vid, pid gousb.ID) bool {
	for _, id := range candleIDs {
		if id.vid == vid && id.pid == pid {
			return true
		}
	}
	return false
}

const (
	controlIn  = gousb.ControlIn | gousb.ControlVendor | gousb.ControlInterface
	controlOut = gousb.ControlOut | gousb.ControlVendor | gousb.ControlInterface
)

// candleTransport is the USB side of a gs_usb device.
type candleTransport interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	ReadContext(ctx context.Context, buf []byte) (int, error)
	WriteContext(ctx context.Context, buf []byte) (int, error)
	Close() error
}

type candleDeviceRef struct {
	Bus, Address int
	VID, PID     gousb.ID
}

func (r candleDeviceRef) String() string {
	return fmt.Sprintf("%03d.%03d %s:%s", r.Bus, r.Address, r.VID, r.PID)
}

type usbTransport struct {
	usb  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

func openUSBTransport(ref candleDeviceRef) (candleTransport, error) {
	usb := gousb.NewContext()
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == ref.Bus && desc.Address == ref.Address && desc.Vendor == ref.VID && desc.Product == ref.PID
	})
	if len(devs) == 0 {
		usb.Close()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", ref, err)
		}
		return nil, fmt.Errorf("device %s not found", ref)
	}
	for _, d := range devs[1:] {
		d.Close()
	}
	dev := devs[0]

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		usb.Close()
		return nil, fmt.Errorf("%s.SetAutoDetach(true): %w", ref, err)
	}
	cfg, err := dev.Config(candleConfigNumber)
	if err != nil {
		dev.Close()
		usb.Close()
		return nil, err
	}
	intf, err := cfg.Interface(candleInterfaceNum, candleAltSetting)
	if err != nil {
		cfg.Close()
		dev.Close()
		usb.Close()
		return nil, err
	}
	in, err := intf.InEndpoint(candleInEndpointNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		usb.Close()
		return nil, fmt.Errorf("InEndpoint(%d): %w", candleInEndpointNum, err)
	}
	out, err := intf.OutEndpoint(candleOutEndpointNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		usb.Close()
		return nil, fmt.Errorf("OutEndpoint(%d): %w", candleOutEndpointNum, err)
	}
	return &usbTransport{usb: usb, dev: dev, cfg: cfg, intf: intf, in: in, out: out}, nil
}

func (t *usbTransport) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return t.dev.Control(rType, request, val, idx, data)
}

func (t *usbTransport) ReadContext(ctx context.Context, buf []byte) (int, error) {
	return t.in.ReadContext(ctx, buf)
}

func (t *usbTransport) WriteContext(ctx context.Context, buf []byte) (int, error) {
	return t.out.WriteContext(ctx, buf)
}

func (t *usbTransport) Close() error {
	t.intf.Close()
	_ = t.cfg.Close()
	_ = t.dev.Close()
	return t.usb.Close()
}

type candleDeviceInfo struct {
	ref         candleDeviceRef
	description string
	serial      string
	config      gsusb.DeviceConfig
	channels    []gsusb.BTConst
}

func enumerateCandle(ctx context.Context) ([]candleDeviceInfo, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	// OpenDevices can return devices together with an error for the ones it
	// could not open.
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return isCandleDevice(desc.Vendor, desc.Product)
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, err
	}

	var out []candleDeviceInfo
	for _, dev := range devs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		info := candleDeviceInfo{
			ref: candleDeviceRef{
				Bus:     dev.Desc.Bus,
				Address: dev.Desc.Address,
				VID:     dev.Desc.Vendor,
				PID:     dev.Desc.Product,
			},
			description: usbid.Describe(dev.Desc),
		}
		if serial, err := dev.SerialNumber(); err == nil {
			info.serial = serial
		}
		if err := dev.SetAutoDetach(true); err != nil {
			return nil, fmt.Errorf("%s.SetAutoDetach(true): %w", info.ref, err)
		}
		intf, done, err := dev.DefaultInterface()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", info.ref, err)
		}
		info.config, info.channels, err = queryCandle(&usbTransport{dev: dev})
		intf.Close()
		done()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", info.ref, err)
		}
		out = append(out, info)
	}
	return out, nil
}

// queryCandle selects the host format and reads the device configuration and
// the bit timing constants of every channel.
func queryCandle(t candleTransport) (gsusb.DeviceConfig, []gsusb.BTConst, error) {
	var cfg gsusb.DeviceConfig
	if err := controlWrite(t, gsusb.BreqHostFormat, 1, gsusb.PutUint32(gsusb.HostFormatMagic)); err != nil {
		return cfg, nil, fmt.Errorf("host format: %w", err)
	}
	buf := make([]byte, 12)
	if err := controlRead(t, gsusb.BreqDeviceConfig, 1, buf); err != nil {
		return cfg, nil, fmt.Errorf("device config: %w", err)
	}
	if err := cfg.UnmarshalBinary(buf); err != nil {
		return cfg, nil, err
	}
	consts := make([]gsusb.BTConst, cfg.Channels())
	for ch := range consts {
		buf := make([]byte, 40)
		if err := controlRead(t, gsusb.BreqBTConst, uint16(ch), buf); err != nil {
			return cfg, nil, fmt.Errorf("bt const channel %d: %w", ch, err)
		}
		if err := consts[ch].UnmarshalBinary(buf); err != nil {
			return cfg, nil, err
		}
	}
	return cfg, consts, nil
}

func controlWrite(t candleTransport, req uint8, val uint16, data []byte) error {
	n, err := t.Control(controlOut, req, val, candleInterfaceNum, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("control request %d: wrote %d of %d bytes", req, n, len(data))
	}
	return nil
}

func controlRead(t candleTransport, req uint8, val uint16, buf []byte) error {
	n, err := t.Control(controlIn, req, val, candleInterfaceNum, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("control request %d: read %d of %d bytes", req, n, len(buf))
	}
	return nil
}

func init() {
	if err := RegisterDriver(&DriverInfo{
		Name:        candleDriverKey,
		Description: "gs_usb / candleLight USB CAN adapters",
		New:         NewCandleDriver,
	}); err != nil {
		panic(err)
	}
}

type CandleDriver struct {
	cfg *DriverConfig

	mu      sync.Mutex
	devices map[candleDeviceRef]*candleDevice
	ifaces  []*CandleInterface

	enumerate     func(ctx context.Context) ([]candleDeviceInfo, error)
	openTransport func(ref candleDeviceRef) (candleTransport, error)
	now           func() time.Time
}

func NewCandleDriver(cfg *DriverConfig) (Driver, error) {
	return &CandleDriver{
		cfg:           cfg,
		devices:       make(map[candleDeviceRef]*candleDevice),
		enumerate:     enumerateCandle,
		openTransport: openUSBTransport,
		now:           time.Now,
	}, nil
}

func (d *CandleDriver) Name() string {
	return "CandleAPI"
}

func (d *CandleDriver) Interfaces() []Interface {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Interface, len(d.ifaces))
	for i, iface := range d.ifaces {
		out[i] = iface
	}
	return out
}

// Update enumerates gs_usb devices, one interface per device channel.
// Interfaces of devices still attached keep their identity.
func (d *CandleDriver) Update(ctx context.Context) ([]Interface, error) {
	infos, err := d.enumerate(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	existing := make(map[candleDeviceRef]map[uint8]*CandleInterface)
	for _, iface := range d.ifaces {
		if existing[iface.dev.ref] == nil {
			existing[iface.dev.ref] = make(map[uint8]*CandleInterface)
		}
		existing[iface.dev.ref][iface.channel] = iface
	}
	devices := make(map[candleDeviceRef]*candleDevice)
	var found []*CandleInterface
	for _, info := range infos {
		dev, ok := d.devices[info.ref]
		if !ok {
			dev = &candleDevice{ref: info.ref, open: d.openTransport}
		}
		dev.info = info
		devices[info.ref] = dev
		for ch, bt := range info.channels {
			iface, ok := existing[info.ref][uint8(ch)]
			if !ok {
				iface = d.newInterface(dev, uint8(ch), len(found))
			}
			iface.btConst.Store(&bt)
			found = append(found, iface)
		}
	}
	d.devices = devices
	d.ifaces = found
	d.mu.Unlock()

	if d.cfg.MinimumFirmwareVersion != "" {
		for _, info := range infos {
			if err := checkFirmware(info.config.SWVersion, d.cfg.MinimumFirmwareVersion); err != nil {
				logEvent(d.cfg, Event{Type: EventTypeWarning, Source: info.ref.String(), Details: err.Error(), Time: d.now()})
			}
		}
	}
	return d.Interfaces(), nil
}

func (d *CandleDriver) newInterface(dev *candleDevice, channel uint8, index int) *CandleInterface {
	c := &CandleInterface{
		BaseInterface: NewBaseInterface(d.Name(), "candle"+strconv.Itoa(index), dev.info.description, d.cfg),
		dev:           dev,
		channel:       channel,
		pending:       make(chan gsusb.HostFrame, 64),
		readBuf:       make([]byte, gsusb.FrameSize(true, true)),
	}
	c.now = d.now
	dev.register(c)
	return c
}

func (d *CandleDriver) Close() error {
	var errs []error
	for _, iface := range d.Interfaces() {
		if err := iface.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// checkFirmware compares the device software version against the required
// minimum, both read as semantic versions without the leading v.
func checkFirmware(swVersion uint32, minimum string) error {
	have := "v" + strconv.FormatUint(uint64(swVersion), 10)
	want := "v" + minimum
	if !semver.IsValid(want) {
		return fmt.Errorf("invalid minimum firmware version %q", minimum)
	}
	if semver.Compare(have, want) < 0 {
		return fmt.Errorf("firmware %s is older than required %s, please update the device", have[1:], minimum)
	}
	return nil
}

// candleDevice is a USB device shared by the interfaces of its channels. The
// transport is opened by the first interface and closed with the last one.
type candleDevice struct {
	ref  candleDeviceRef
	info candleDeviceInfo
	open func(ref candleDeviceRef) (candleTransport, error)

	mu        sync.Mutex
	transport candleTransport
	refs      int
	channels  map[uint8]*CandleInterface
}

func (dev *candleDevice) register(c *CandleInterface) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.channels == nil {
		dev.channels = make(map[uint8]*CandleInterface)
	}
	dev.channels[c.channel] = c
}

func (dev *candleDevice) acquire() (candleTransport, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.transport == nil {
		t, err := dev.open(dev.ref)
		if err != nil {
			return nil, err
		}
		if err := controlWrite(t, gsusb.BreqHostFormat, 1, gsusb.PutUint32(gsusb.HostFormatMagic)); err != nil {
			t.Close()
			return nil, fmt.Errorf("host format: %w", err)
		}
		dev.transport = t
	}
	dev.refs++
	return dev.transport, nil
}

func (dev *candleDevice) release() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.refs == 0 {
		return nil
	}
	dev.refs--
	if dev.refs > 0 {
		return nil
	}
	err := dev.transport.Close()
	dev.transport = nil
	return err
}

// route hands a frame read by one channel to the channel it belongs to.
func (dev *candleDevice) route(f gsusb.HostFrame) bool {
	dev.mu.Lock()
	c, ok := dev.channels[f.Channel]
	dev.mu.Unlock()
	if !ok || !c.IsOpen() {
		return false
	}
	select {
	case c.pending <- f:
		return true
	default:
		return false
	}
}

// CandleInterface is one channel of a gs_usb device.
type CandleInterface struct {
	*BaseInterface
	dev     *candleDevice
	channel uint8

	btConst atomic.Pointer[gsusb.BTConst]

	// life is held for reading by transfers and for writing by Open and Close
	// so the transport is never released under an in-flight transfer.
	life      sync.RWMutex
	transport candleTransport
	ctx       context.Context
	cancel    context.CancelFunc

	features  uint32
	fdEnabled bool
	hwTs      bool

	openedAt         time.Time
	hostOffsetAtOpen uint64
	devTicksAtOpen   uint32

	echo    atomic.Uint32
	pending chan gsusb.HostFrame
	readBuf []byte
}

func (c *CandleInterface) Details() string {
	info := c.dev.info
	return fmt.Sprintf("%s serial %s channel %d fw %d hw %d", info.ref, info.serial, c.channel, info.config.SWVersion, info.config.HWVersion)
}

func (c *CandleInterface) constants() gsusb.BTConst {
	if bt := c.btConst.Load(); bt != nil {
		return *bt
	}
	return gsusb.BTConst{}
}

func (c *CandleInterface) Capabilities() Capability {
	feature := c.constants().Feature
	var caps Capability
	if feature&gsusb.FeatureListenOnly != 0 {
		caps |= CapListenOnly
	}
	if feature&gsusb.FeatureOneShot != 0 {
		caps |= CapOneShot
	}
	if feature&gsusb.FeatureTripleSample != 0 {
		caps |= CapTripleSampling
	}
	if feature&gsusb.FeatureFD != 0 {
		caps |= CapCANFD
	}
	if feature&gsusb.FeatureTermination != 0 {
		caps |= CapTermination
	}
	if feature&gsusb.FeatureHWTimestamp != 0 {
		caps |= CapHardwareTimestamp
	}
	return caps
}

// AvailableBitrates lists the arbitration timings for the device CAN clock.
func (c *CandleInterface) AvailableBitrates() []Timing {
	var out []Timing
	for i, e := range bittiming.Arbitration.Available(c.constants().FClkCAN) {
		out = append(out, Timing{ID: i, Bitrate: e.Bitrate, SamplePoint: uint32(e.SamplePoint)})
	}
	return out
}

func (c *CandleInterface) Open(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()
	if c.IsOpen() {
		return nil
	}
	cfg := c.Config()

	t, err := c.dev.acquire()
	if err != nil {
		return err
	}
	if err := c.start(t, cfg); err != nil {
		return errors.Join(err, c.dev.release())
	}

	c.transport = t
	c.ctx, c.cancel = context.WithCancel(context.Background())
	for len(c.pending) > 0 {
		<-c.pending
	}
	c.setOpen(true)
	c.Info(fmt.Sprintf("opened channel %d at %d bit/s", c.channel, cfg.Bitrate))
	return nil
}

// start programs the channel and puts it on the bus.
func (c *CandleInterface) start(t candleTransport, cfg Config) error {
	buf := make([]byte, 40)
	if err := controlRead(t, gsusb.BreqBTConst, uint16(c.channel), buf); err != nil {
		return fmt.Errorf("bt const: %w", err)
	}
	var bt gsusb.BTConst
	if err := bt.UnmarshalBinary(buf); err != nil {
		return err
	}
	c.btConst.Store(&bt)

	if cfg.CANFD && bt.Feature&gsusb.FeatureFD == 0 {
		return ErrFDNotSupported
	}

	nominal, ok := bittiming.Arbitration.Lookup(bt.FClkCAN, cfg.Bitrate, uint16(cfg.SamplePoint))
	if !ok {
		return fmt.Errorf("%w: %d bit/s %d‰ at %d Hz", ErrNoTiming, cfg.Bitrate, cfg.SamplePoint, bt.FClkCAN)
	}
	if err := c.setTiming(t, gsusb.BreqBittiming, nominal); err != nil {
		return fmt.Errorf("bit timing: %w", err)
	}
	if cfg.CANFD {
		dt, ok := bittiming.Data.Lookup(bt.FClkCAN, cfg.FDBitrate, uint16(cfg.FDSamplePoint))
		if !ok {
			return fmt.Errorf("%w: data phase %d bit/s %d‰ at %d Hz", ErrNoTiming, cfg.FDBitrate, cfg.FDSamplePoint, bt.FClkCAN)
		}
		if err := c.setTiming(t, gsusb.BreqDataBittiming, dt); err != nil {
			return fmt.Errorf("data bit timing: %w", err)
		}
	}

	c.hwTs = false
	c.openedAt = c.now()
	c.hostOffsetAtOpen = uint64(c.openedAt.UnixMicro())
	c.devTicksAtOpen = 0
	if bt.Feature&gsusb.FeatureHWTimestamp != 0 {
		tsBuf := make([]byte, 4)
		if err := controlRead(t, gsusb.BreqTimestamp, uint16(c.channel), tsBuf); err == nil {
			c.devTicksAtOpen = uint32(tsBuf[0]) | uint32(tsBuf[1])<<8 | uint32(tsBuf[2])<<16 | uint32(tsBuf[3])<<24
			c.hwTs = true
		} else {
			c.Warn(fmt.Sprintf("device timestamp unavailable, using host time: %v", err))
		}
	}

	c.resetStats()

	flags := c.modeFlags(cfg, bt.Feature)
	mode, _ := gsusb.DeviceMode{Mode: gsusb.ModeStart, Flags: flags}.MarshalBinary()
	if err := controlWrite(t, gsusb.BreqMode, uint16(c.channel), mode); err != nil {
		return fmt.Errorf("start channel: %w", err)
	}
	c.features = bt.Feature
	c.fdEnabled = cfg.CANFD
	return nil
}

func (c *CandleInterface) setTiming(t candleTransport, req uint8, e bittiming.Entry) error {
	b, _ := gsusb.BitTiming{
		PropSeg:   uint32(e.PropSeg),
		PhaseSeg1: uint32(e.PhaseSeg1),
		PhaseSeg2: uint32(e.PhaseSeg2),
		SJW:       uint32(e.SJW),
		BRP:       uint32(e.Prescaler),
	}.MarshalBinary()
	return controlWrite(t, req, uint16(c.channel), b)
}

// modeFlags builds the start flags. Requested modes the device does not
// support are left out with a warning.
func (c *CandleInterface) modeFlags(cfg Config, feature uint32) uint32 {
	var flags uint32
	want := []struct {
		on   bool
		flag uint32
		name string
	}{
		{cfg.ListenOnly, gsusb.FeatureListenOnly, "listen-only"},
		{cfg.OneShot, gsusb.FeatureOneShot, "one-shot"},
		{cfg.TripleSampling, gsusb.FeatureTripleSample, "triple sampling"},
	}
	for _, w := range want {
		if !w.on {
			continue
		}
		if feature&w.flag == 0 {
			c.Warn(w.name + " mode not supported by device, ignored")
			continue
		}
		flags |= w.flag
	}
	if c.hwTs {
		flags |= gsusb.FeatureHWTimestamp
	}
	if cfg.CANFD {
		flags |= gsusb.FeatureFD
	}
	return flags
}

// Close stops the channel and releases the device. A read blocked in
// ReadMessages returns once the interface context is cancelled.
func (c *CandleInterface) Close() error {
	if !c.IsOpen() {
		return nil
	}
	c.setOpen(false)
	c.cancel()

	c.life.Lock()
	defer c.life.Unlock()
	if c.transport == nil {
		return nil
	}
	mode, _ := gsusb.DeviceMode{Mode: gsusb.ModeReset}.MarshalBinary()
	if err := controlWrite(c.transport, gsusb.BreqMode, uint16(c.channel), mode); err != nil {
		c.Warn(fmt.Sprintf("stop channel: %v", err))
	}
	c.transport = nil
	return c.dev.release()
}

func (c *CandleInterface) State() State {
	if !c.IsOpen() {
		return StateStopped
	}
	if c.features&gsusb.FeatureGetState == 0 {
		return StateOK
	}
	c.life.RLock()
	defer c.life.RUnlock()
	if c.transport == nil {
		return StateStopped
	}
	buf := make([]byte, 12)
	if err := controlRead(c.transport, gsusb.BreqGetState, uint16(c.channel), buf); err != nil {
		return StateUnknown
	}
	var st gsusb.DeviceState
	if err := st.UnmarshalBinary(buf); err != nil {
		return StateUnknown
	}
	switch st.State {
	case gsusb.StateErrorActive:
		return StateOK
	case gsusb.StateErrorWarning:
		return StateWarning
	case gsusb.StateErrorPassive:
		return StatePassive
	case gsusb.StateBusOff:
		return StateBusOff
	case gsusb.StateStopped, gsusb.StateSleeping:
		return StateStopped
	default:
		return StateUnknown
	}
}

func (c *CandleInterface) SendMessage(msg Message) error {
	if !c.IsOpen() {
		c.txDropped.Add(1)
		return ErrNotOpen
	}
	if !msg.ValidLength() {
		c.txDropped.Add(1)
		return fmt.Errorf("%w: %d", ErrInvalidLength, msg.Length())
	}
	if msg.IsFD() && !c.fdEnabled {
		c.txDropped.Add(1)
		return ErrFDNotSupported
	}

	f := gsusb.HostFrame{
		EchoID:  c.echo.Add(1) % candleEchoSlots,
		CanID:   msg.ID(),
		Channel: c.channel,
	}
	if msg.IsExtended() {
		f.CanID |= gsusb.IDFlagExtended
	} else {
		f.CanID &= gsusb.IDMaskStandard
	}
	if msg.IsRTR() {
		f.CanID |= gsusb.IDFlagRTR
	}
	f.DLC, _ = LengthToDLC(msg.Length())
	if msg.IsFD() {
		f.Flags |= gsusb.FlagFD
		if msg.IsBRS() {
			f.Flags |= gsusb.FlagBRS
		}
	}
	for i := 0; i < int(msg.Length()); i++ {
		f.Data[i] = msg.Byte(i)
	}
	b, err := f.MarshalBinary()
	if err != nil {
		c.txDropped.Add(1)
		return err
	}

	c.life.RLock()
	t, ictx := c.transport, c.ctx
	if t == nil {
		c.life.RUnlock()
		c.txDropped.Add(1)
		return ErrNotOpen
	}
	ctx, cancel := context.WithTimeout(ictx, candleWriteTimeout)
	_, err = t.WriteContext(ctx, b)
	cancel()
	c.life.RUnlock()
	if err != nil {
		c.txErrors.Add(1)
		return fmt.Errorf("send: %w", err)
	}
	c.txFrames.Add(1)
	c.publishSent(msg)
	return nil
}

// ReadMessages performs one bulk read and appends at most one received
// message. Transmit echoes and timeouts yield no message and no error.
func (c *CandleInterface) ReadMessages(dst []Message, timeout time.Duration) ([]Message, error) {
	if !c.IsOpen() {
		return dst, ErrNotOpen
	}
	select {
	case f := <-c.pending:
		return c.appendFrame(dst, f), nil
	default:
	}

	c.life.RLock()
	t, ictx := c.transport, c.ctx
	if t == nil {
		c.life.RUnlock()
		return dst, ErrNotOpen
	}
	ctx, cancel := context.WithTimeout(ictx, timeout)
	n, err := t.ReadContext(ctx, c.readBuf)
	timedOut := ctx.Err() != nil
	cancel()
	c.life.RUnlock()

	if err != nil {
		switch {
		case ictx.Err() != nil:
			return dst, ErrNotOpen
		case timedOut || errors.Is(err, gousb.TransferTimedOut) || errors.Is(err, gousb.ErrorTimeout):
			return dst, nil
		case errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.TransferNoDevice):
			return dst, Unrecoverable(fmt.Errorf("read: %w", err))
		default:
			c.rxErrors.Add(1)
			return dst, fmt.Errorf("read: %w", err)
		}
	}

	var f gsusb.HostFrame
	if err := f.UnmarshalBinary(c.readBuf[:n]); err != nil {
		c.rxErrors.Add(1)
		return dst, err
	}
	if !f.IsRx() {
		return dst, nil
	}
	if f.Channel != c.channel {
		if !c.dev.route(f) {
			c.Debugf("dropped frame for channel %d", f.Channel)
		}
		return dst, nil
	}
	return c.appendFrame(dst, f), nil
}

func (c *CandleInterface) appendFrame(dst []Message, f gsusb.HostFrame) []Message {
	if f.Flags&gsusb.FlagOverflow != 0 {
		c.rxOverruns.Add(1)
	}

	var msg Message
	msg.SetExtended(f.CanID&gsusb.IDFlagExtended != 0)
	msg.SetRTR(f.CanID&gsusb.IDFlagRTR != 0)
	msg.SetErrorFrame(f.CanID&gsusb.IDFlagError != 0)
	if msg.IsExtended() {
		msg.SetID(f.CanID & gsusb.IDMaskExtended)
	} else {
		msg.SetID(f.CanID & gsusb.IDMaskStandard)
	}

	fd := f.Flags&gsusb.FlagFD != 0
	msg.SetFD(fd)
	msg.SetBRS(fd && f.Flags&gsusb.FlagBRS != 0)
	var length uint8
	if fd {
		length, _ = DLCToLength(f.DLC & 0xF)
	} else {
		length = min(f.DLC, 8)
	}
	msg.SetLength(length)
	if !msg.IsRTR() {
		for i := 0; i < int(length); i++ {
			msg.SetByte(i, f.Data[i])
		}
	}

	msg.SetInterfaceID(c.ID())
	msg.SetDirection(Rx)
	now := c.now()
	if c.hwTs && f.Timestamp != 0 {
		elapsed := uint64(now.Sub(c.openedAt).Microseconds())
		msg.SetTimestamp(TimestampFromMicros(reconcileTimestamp(c.hostOffsetAtOpen, c.devTicksAtOpen, f.Timestamp, elapsed)))
	} else {
		msg.SetTimestampTime(now)
	}
	c.rxFrames.Add(1)
	return append(dst, msg)
}

// reconcileTimestamp maps a 32 bit device µs counter onto host time. The
// device counter wraps every 2^32 µs; once more than 1.5 wraps worth of time
// has elapsed the whole wraps are added back from the host clock.
func reconcileTimestamp(hostOffsetAtOpen uint64, devTicksAtOpen, devTicks uint32, usSinceStart uint64) uint64 {
	ts := hostOffsetAtOpen + uint64(devTicks-devTicksAtOpen)
	if usSinceStart > candleWrapThreshold {
		ts += usSinceStart & 0xFFFFFFFF00000000
	}
	return ts
}

func (c *CandleInterface) SetTermination(ctx context.Context, enabled bool) error {
	state := uint32(gsusb.TerminationOff)
	if enabled {
		state = gsusb.TerminationOn
	}
	return c.withControl(func(t candleTransport) error {
		return controlWrite(t, gsusb.BreqSetTermination, uint16(c.channel), gsusb.PutUint32(state))
	})
}

func (c *CandleInterface) Termination(ctx context.Context) (bool, error) {
	buf := make([]byte, 4)
	err := c.withControl(func(t candleTransport) error {
		return controlRead(t, gsusb.BreqGetTermination, uint16(c.channel), buf)
	})
	if err != nil {
		return false, err
	}
	return buf[0] == gsusb.TerminationOn, nil
}

func (c *CandleInterface) withControl(fn func(t candleTransport) error) error {
	if c.constants().Feature&gsusb.FeatureTermination == 0 {
		return ErrNotSupported
	}
	c.life.RLock()
	defer c.life.RUnlock()
	if c.transport == nil {
		return ErrNotOpen
	}
	return fn(c.transport)
}
