package canalyzer

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roffe/canalyzer/pkg/gsusb"
)

type controlCall struct {
	in   bool
	req  uint8
	val  uint16
	data []byte
}

type fakeCandle struct {
	mu       sync.Mutex
	feature  uint32
	fclk     uint32
	devTicks uint32
	term     byte
	calls    []controlCall
	writes   [][]byte
	rx       chan []byte
	closed   bool
	closeErr error
}

func newFakeCandle(feature, fclk uint32) *fakeCandle {
	return &fakeCandle{feature: feature, fclk: fclk, rx: make(chan []byte, 8)}
}

func (f *fakeCandle) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := rType&0x80 != 0
	if in {
		switch request {
		case gsusb.BreqDeviceConfig:
			binary.LittleEndian.PutUint32(data[4:], 2)
			binary.LittleEndian.PutUint32(data[8:], 1)
		case gsusb.BreqBTConst:
			binary.LittleEndian.PutUint32(data[0:], f.feature)
			binary.LittleEndian.PutUint32(data[4:], f.fclk)
		case gsusb.BreqTimestamp:
			binary.LittleEndian.PutUint32(data, f.devTicks)
		case gsusb.BreqGetTermination:
			data[0] = f.term
		}
	} else if request == gsusb.BreqSetTermination {
		f.term = data[0]
	}
	f.calls = append(f.calls, controlCall{in: in, req: request, val: val, data: append([]byte(nil), data...)})
	return len(data), nil
}

func (f *fakeCandle) ReadContext(ctx context.Context, buf []byte) (int, error) {
	select {
	case b := <-f.rx:
		return copy(buf, b), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeCandle) WriteContext(ctx context.Context, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), buf...))
	return len(buf), nil
}

func (f *fakeCandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeCandle) requests() []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint8
	for _, c := range f.calls {
		out = append(out, c.req)
	}
	return out
}

func (f *fakeCandle) lastCall(req uint8) controlCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].req == req {
			return f.calls[i]
		}
	}
	return controlCall{}
}

func (f *fakeCandle) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var testRef = candleDeviceRef{Bus: 1, Address: 4, VID: 0x1d50, PID: 0x606f}

func newTestCandleDriver(t *testing.T, fake *fakeCandle, channels int) (*CandleDriver, []Interface, *int) {
	t.Helper()
	opens := 0
	bts := make([]gsusb.BTConst, channels)
	for i := range bts {
		bts[i] = gsusb.BTConst{Feature: fake.feature, FClkCAN: fake.fclk}
	}
	d := &CandleDriver{
		cfg:     &DriverConfig{Sink: &recordingSink{}},
		devices: make(map[candleDeviceRef]*candleDevice),
		enumerate: func(context.Context) ([]candleDeviceInfo, error) {
			return []candleDeviceInfo{{ref: testRef, description: "candleLight", channels: bts}}, nil
		},
		openTransport: func(candleDeviceRef) (candleTransport, error) {
			opens++
			return fake, nil
		},
		now: func() time.Time { return time.UnixMicro(1000000) },
	}
	ifaces, err := d.Update(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ifaces) != channels {
		t.Fatalf("Update() = %d interfaces, want %d", len(ifaces), channels)
	}
	return d, ifaces, &opens
}

func rxFrame(channel uint8, id uint32, data []byte, ts uint32) []byte {
	f := gsusb.HostFrame{EchoID: gsusb.EchoIDRx, CanID: id, DLC: uint8(len(data)), Channel: channel}
	copy(f.Data[:], data)
	b, _ := f.MarshalBinary()
	return append(b, gsusb.PutUint32(ts)...)
}

func TestCandleOpenSequence(t *testing.T) {
	fake := newFakeCandle(gsusb.FeatureHWTimestamp|gsusb.FeatureListenOnly, 170000000)
	_, ifaces, _ := newTestCandleDriver(t, fake, 1)
	iface := ifaces[0]

	cfg := DefaultConfig()
	cfg.ListenOnly = true
	cfg.OneShot = true
	iface.ApplyConfig(cfg)
	if err := iface.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer iface.Close()

	want := []uint8{gsusb.BreqHostFormat, gsusb.BreqBTConst, gsusb.BreqBittiming, gsusb.BreqTimestamp, gsusb.BreqMode}
	got := fake.requests()
	if len(got) != len(want) {
		t.Fatalf("requests = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("requests = %v, want %v", got, want)
		}
	}

	bt := fake.lastCall(gsusb.BreqBittiming).data
	fields := []uint32{1, 147, 21, 1, 2}
	for i, v := range fields {
		if got := binary.LittleEndian.Uint32(bt[i*4:]); got != v {
			t.Errorf("bit timing field %d = %d, want %d", i, got, v)
		}
	}

	mode := fake.lastCall(gsusb.BreqMode).data
	if binary.LittleEndian.Uint32(mode) != gsusb.ModeStart {
		t.Errorf("mode = %d", binary.LittleEndian.Uint32(mode))
	}
	flags := binary.LittleEndian.Uint32(mode[4:])
	if flags != gsusb.FeatureListenOnly|gsusb.FeatureHWTimestamp {
		t.Errorf("flags = %#x, one-shot must be masked", flags)
	}
}

func TestCandleOpenErrors(t *testing.T) {
	t.Run("no timing", func(t *testing.T) {
		fake := newFakeCandle(0, 12345678)
		_, ifaces, _ := newTestCandleDriver(t, fake, 1)
		err := ifaces[0].Open(context.Background())
		if !errors.Is(err, ErrNoTiming) {
			t.Errorf("err = %v, want ErrNoTiming", err)
		}
		if ifaces[0].IsOpen() || !fake.isClosed() {
			t.Error("interface left open")
		}
	})
	t.Run("release error", func(t *testing.T) {
		fake := newFakeCandle(0, 12345678)
		fake.closeErr = errors.New("device gone")
		_, ifaces, _ := newTestCandleDriver(t, fake, 1)
		err := ifaces[0].Open(context.Background())
		if !errors.Is(err, ErrNoTiming) || !errors.Is(err, fake.closeErr) {
			t.Errorf("err = %v, want ErrNoTiming and close error", err)
		}
	})
	t.Run("fd not supported", func(t *testing.T) {
		fake := newFakeCandle(0, 48000000)
		_, ifaces, _ := newTestCandleDriver(t, fake, 1)
		cfg := DefaultConfig()
		cfg.CANFD = true
		ifaces[0].ApplyConfig(cfg)
		if err := ifaces[0].Open(context.Background()); !errors.Is(err, ErrFDNotSupported) {
			t.Errorf("err = %v, want ErrFDNotSupported", err)
		}
		if ifaces[0].IsOpen() {
			t.Error("interface left open")
		}
	})
}

func TestCandleFDOpen(t *testing.T) {
	fake := newFakeCandle(gsusb.FeatureFD, 80000000)
	_, ifaces, _ := newTestCandleDriver(t, fake, 1)
	cfg := DefaultConfig()
	cfg.CANFD = true
	ifaces[0].ApplyConfig(cfg)
	if err := ifaces[0].Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer ifaces[0].Close()
	if fake.lastCall(gsusb.BreqDataBittiming).data == nil {
		t.Error("data bit timing not programmed")
	}
	flags := binary.LittleEndian.Uint32(fake.lastCall(gsusb.BreqMode).data[4:])
	if flags&gsusb.FeatureFD == 0 {
		t.Errorf("flags = %#x, fd not enabled", flags)
	}

	msg := NewMessage(0x100, make([]byte, 64))
	msg.SetFD(true)
	msg.SetBRS(true)
	if err := ifaces[0].SendMessage(msg); err != nil {
		t.Fatal(err)
	}
	w := fake.writes[len(fake.writes)-1]
	if len(w) != gsusb.FrameSize(true, false) || w[8] != 0xF || w[10] != gsusb.FlagFD|gsusb.FlagBRS {
		t.Errorf("fd frame % X", w[:12])
	}
}

func TestCandleFDReceive(t *testing.T) {
	fake := newFakeCandle(gsusb.FeatureFD|gsusb.FeatureHWTimestamp, 80000000)
	_, ifaces, _ := newTestCandleDriver(t, fake, 1)
	iface := ifaces[0]
	cfg := DefaultConfig()
	cfg.CANFD = true
	iface.ApplyConfig(cfg)
	if err := iface.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer iface.Close()

	f := gsusb.HostFrame{EchoID: gsusb.EchoIDRx, CanID: 0x123, DLC: 0xF, Flags: gsusb.FlagFD | gsusb.FlagBRS}
	for i := range f.Data {
		f.Data[i] = byte(i)
	}
	b, _ := f.MarshalBinary()
	fake.rx <- append(b, gsusb.PutUint32(0)...)

	msgs, err := iface.ReadMessages(nil, 50*time.Millisecond)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("rx: %d messages, err %v", len(msgs), err)
	}
	got := msgs[0]
	if got.Length() != 64 || !got.IsFD() || !got.IsBRS() || got.Byte(63) != 63 {
		t.Errorf("received %s", got.String())
	}
	// zero device timestamp falls back to host time
	if want := uint64(time.UnixMicro(1000000).UnixMicro()); got.Timestamp().Micros() != want {
		t.Errorf("timestamp = %d, want %d", got.Timestamp().Micros(), want)
	}
}

func TestCandleSendReceive(t *testing.T) {
	fake := newFakeCandle(gsusb.FeatureHWTimestamp, 48000000)
	d, ifaces, _ := newTestCandleDriver(t, fake, 1)
	sink := d.cfg.Sink.(*recordingSink)
	iface := ifaces[0]
	if err := iface.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	msg := NewMessage(0x18DAF110, []byte{0x02, 0x10, 0x03})
	if err := iface.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	var out gsusb.HostFrame
	if err := out.UnmarshalBinary(fake.writes[0]); err != nil {
		t.Fatal(err)
	}
	if out.CanID != 0x18DAF110|gsusb.IDFlagExtended || out.DLC != 3 || out.Data[1] != 0x10 || out.IsRx() {
		t.Errorf("sent frame %+v", out)
	}
	if sent := sink.messages(); len(sent) != 1 || sent[0].Direction() != Tx {
		t.Errorf("published %v", sent)
	}

	// transmit echo, ignored
	echo := rxFrame(0, 0x123, nil, 0)
	binary.LittleEndian.PutUint32(echo, 1)
	fake.rx <- echo
	fake.rx <- rxFrame(0, 0x123, []byte{0xCA, 0xFE}, 500000)

	msgs, err := iface.ReadMessages(nil, 50*time.Millisecond)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("echo: %d messages, err %v", len(msgs), err)
	}
	msgs, err = iface.ReadMessages(nil, 50*time.Millisecond)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("rx: %d messages, err %v", len(msgs), err)
	}
	got := msgs[0]
	if got.ID() != 0x123 || got.IsExtended() || got.Length() != 2 || got.Byte(1) != 0xFE || got.Direction() != Rx {
		t.Errorf("received %s", got.String())
	}
	if got.Timestamp().Float() != 1.5 {
		t.Errorf("timestamp = %v, want 1.5", got.Timestamp().Float())
	}

	msgs, err = iface.ReadMessages(nil, 5*time.Millisecond)
	if err != nil || len(msgs) != 0 {
		t.Errorf("timeout: %d messages, err %v", len(msgs), err)
	}

	st := iface.Stats()
	if st.RxFrames != 1 || st.TxFrames != 1 {
		t.Errorf("stats = %s", st)
	}

	if err := iface.Close(); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(fake.lastCall(gsusb.BreqMode).data) != gsusb.ModeReset || !fake.isClosed() {
		t.Error("channel not stopped on close")
	}
	if _, err := iface.ReadMessages(nil, time.Millisecond); !errors.Is(err, ErrNotOpen) {
		t.Errorf("read after close err = %v", err)
	}
}

func TestCandleCloseUnblocksRead(t *testing.T) {
	fake := newFakeCandle(0, 16000000)
	_, ifaces, _ := newTestCandleDriver(t, fake, 1)
	iface := ifaces[0]
	if err := iface.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := iface.ReadMessages(nil, time.Minute)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	iface.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrNotOpen) {
			t.Errorf("err = %v, want ErrNotOpen", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock ReadMessages")
	}
}

func TestCandleChannelRouting(t *testing.T) {
	fake := newFakeCandle(0, 170000000)
	_, ifaces, opens := newTestCandleDriver(t, fake, 2)
	for _, iface := range ifaces {
		if err := iface.Open(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if *opens != 1 {
		t.Errorf("transport opened %d times", *opens)
	}

	fake.rx <- rxFrame(1, 0x321, []byte{1}, 0)
	if msgs, _ := ifaces[0].ReadMessages(nil, 50*time.Millisecond); len(msgs) != 0 {
		t.Errorf("channel 0 got %d messages for channel 1", len(msgs))
	}
	msgs, err := ifaces[1].ReadMessages(nil, time.Millisecond)
	if err != nil || len(msgs) != 1 || msgs[0].ID() != 0x321 {
		t.Fatalf("channel 1: %v, err %v", msgs, err)
	}

	ifaces[0].Close()
	if fake.isClosed() {
		t.Error("transport closed while channel 1 is open")
	}
	ifaces[1].Close()
	if !fake.isClosed() {
		t.Error("transport not closed with the last channel")
	}
}

func TestCandleTermination(t *testing.T) {
	fake := newFakeCandle(gsusb.FeatureTermination, 170000000)
	_, ifaces, _ := newTestCandleDriver(t, fake, 1)
	term := ifaces[0].(Terminator)
	if err := term.SetTermination(context.Background(), true); !errors.Is(err, ErrNotOpen) {
		t.Errorf("closed interface err = %v", err)
	}
	if err := ifaces[0].Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ifaces[0].Close()
	if err := term.SetTermination(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	on, err := term.Termination(context.Background())
	if err != nil || !on {
		t.Errorf("Termination() = %v, %v", on, err)
	}
}

func TestReconcileTimestamp(t *testing.T) {
	tests := []struct {
		name         string
		host         uint64
		devAtOpen    uint32
		dev          uint32
		usSinceStart uint64
		want         uint64
	}{
		{"plain", 1000000, 0, 500000, 500000, 1500000},
		{"counter wrapped once", 0, 0xFFFFFF00, 0x100, 0x200, 0x200},
		{"below wrap threshold", 10, 0, 20, 0x100000000, 30},
		{"after two wraps", 0, 0, 0x200, 0x200000000, 0x200000200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reconcileTimestamp(tt.host, tt.devAtOpen, tt.dev, tt.usSinceStart); got != tt.want {
				t.Errorf("reconcileTimestamp() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestCheckFirmware(t *testing.T) {
	if err := checkFirmware(2, "2"); err != nil {
		t.Errorf("equal version: %v", err)
	}
	if err := checkFirmware(3, "2.1"); err != nil {
		t.Errorf("newer version: %v", err)
	}
	if err := checkFirmware(1, "2"); err == nil {
		t.Error("older firmware accepted")
	}
	if err := checkFirmware(2, "two"); err == nil {
		t.Error("invalid minimum accepted")
	}
}
