package canalyzer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial/enumerator"
)

type recordingSink struct {
	mu     sync.Mutex
	msgs   []Message
	events []Event
}

func (s *recordingSink) AddMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *recordingSink) Log(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

type fakePort struct {
	mu     sync.Mutex
	writes []string
	rx     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{rx: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case data := <-p.rx:
		return copy(b, data), nil
	case <-p.closed:
		return 0, errors.New("port closed")
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errors.New("port closed")
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, string(b))
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) ResetInputBuffer() error              { return nil }
func (p *fakePort) ResetOutputBuffer() error             { return nil }
func (p *fakePort) SetReadTimeout(t time.Duration) error { return nil }

func (p *fakePort) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

func newTestSLCANDriver(sink Sink, ports []*enumerator.PortDetails, open func(name string) (serialPort, error)) *SLCANDriver {
	return &SLCANDriver{
		cfg:       &DriverConfig{Sink: sink},
		listPorts: func() ([]*enumerator.PortDetails, error) { return ports, nil },
		openPort:  open,
		sleep:     func(time.Duration) {},
	}
}

func canable2() []*enumerator.PortDetails {
	return []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "16d0", PID: "117e", Product: "CANable 2.0"},
		{Name: "/dev/ttyACM1", IsUSB: true, VID: "0403", PID: "6001"},
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSLCANUpdate(t *testing.T) {
	d := newTestSLCANDriver(&recordingSink{}, canable2(), nil)
	ifaces, err := d.Update(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ifaces) != 1 {
		t.Fatalf("found %d interfaces, want 1", len(ifaces))
	}
	iface := ifaces[0]
	if iface.Name() != "/dev/ttyACM0" || !iface.Capabilities().Has(CapCANFD) {
		t.Errorf("interface %q caps %s", iface.Name(), iface.Capabilities())
	}
	if d.Name() != "CANable SLCAN" {
		t.Errorf("driver name = %q", d.Name())
	}
	if n := len(iface.AvailableBitrates()); n != len(slcanBitrates)*len(slcanFDBitrates) {
		t.Errorf("AvailableBitrates() = %d entries", n)
	}

	again, _ := d.Update(context.Background())
	if again[0] != iface {
		t.Error("Update replaced an existing interface")
	}
}

func TestSLCANOpenSequence(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
		want []string
	}{
		{"default", func(*Config) {}, []string{"r_can0\r", "S6\r", "Y2\r", "O\r"}},
		{"listen only 1M", func(c *Config) { c.Bitrate = 1000000; c.ListenOnly = true }, []string{"r_can0\r", "S8\r", "Y2\r", "L\r"}},
		{"fd 5M at 83.3k", func(c *Config) { c.Bitrate = 83333; c.CANFD = true; c.FDBitrate = 5000000 }, []string{"r_can0\r", "S9\r", "Y5\r", "O\r"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := newFakePort()
			d := newTestSLCANDriver(&recordingSink{}, canable2(), func(string) (serialPort, error) { return port, nil })
			ifaces, err := d.Update(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			iface := ifaces[0]
			cfg := DefaultConfig()
			tt.cfg(&cfg)
			iface.ApplyConfig(cfg)
			if err := iface.Open(context.Background()); err != nil {
				t.Fatalf("Open() error: %v", err)
			}
			if got := port.written(); !equalStrings(got, tt.want) {
				t.Errorf("written = %q, want %q", got, tt.want)
			}
			if err := iface.Close(); err != nil {
				t.Errorf("Close() error: %v", err)
			}
			if got := port.written(); got[len(got)-1] != "C\r" {
				t.Errorf("last write = %q, want close command", got[len(got)-1])
			}
			if err := iface.Close(); err != nil {
				t.Errorf("second Close() error: %v", err)
			}
		})
	}
}

func TestSLCANOpenRejects(t *testing.T) {
	opened := false
	open := func(string) (serialPort, error) {
		opened = true
		return newFakePort(), nil
	}
	classic := []*enumerator.PortDetails{{Name: "COM3", IsUSB: true, VID: "AD50", PID: "60C4"}}

	d := newTestSLCANDriver(&recordingSink{}, classic, open)
	ifaces, _ := d.Update(context.Background())
	iface := ifaces[0]

	cfg := DefaultConfig()
	cfg.Bitrate = 33333
	iface.ApplyConfig(cfg)
	if err := iface.Open(context.Background()); !errors.Is(err, ErrUnsupportedBitrate) {
		t.Errorf("unsupported bitrate: err = %v", err)
	}

	cfg = DefaultConfig()
	cfg.CANFD = true
	iface.ApplyConfig(cfg)
	if err := iface.Open(context.Background()); !errors.Is(err, ErrFDNotSupported) {
		t.Errorf("fd on classic device: err = %v", err)
	}
	if opened || iface.IsOpen() {
		t.Error("port opened on configuration error")
	}
}

func readUntil(t *testing.T, iface Interface, done func([]Message) bool) []Message {
	t.Helper()
	var got []Message
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		got, err = iface.ReadMessages(got, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("ReadMessages() error: %v", err)
		}
		if done(got) {
			return got
		}
	}
	t.Fatal("timeout waiting for messages")
	return nil
}

func TestSLCANSendReceive(t *testing.T) {
	port := newFakePort()
	sink := &recordingSink{}
	d := newTestSLCANDriver(sink, canable2(), func(string) (serialPort, error) { return port, nil })
	ifaces, _ := d.Update(context.Background())
	iface := ifaces[0]
	iface.SetID(0x0102)
	if err := iface.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer iface.Close()

	if err := iface.SendMessage(NewMessage(0x123, []byte{0x01, 0x02})); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	sent := sink.messages()
	if len(sent) != 1 || sent[0].Direction() != Tx || sent[0].InterfaceID() != 0x0102 {
		t.Fatalf("published = %v", sent)
	}

	port.rx <- []byte("t4561A")
	port.rx <- []byte("A\rt45")
	port.rx <- []byte("X\rz\r")
	got := readUntil(t, iface, func(m []Message) bool { return len(m) >= 1 && iface.Stats().RxErrors >= 1 })

	if got[0].ID() != 0x456 || got[0].Byte(0) != 0xAA || got[0].Direction() != Rx || got[0].InterfaceID() != 0x0102 {
		t.Errorf("received %s", got[0].String())
	}
	if w := port.written(); w[len(w)-1] != "t12320102\r" {
		t.Errorf("last write = %q", w[len(w)-1])
	}
	st := iface.Stats()
	if st.TxFrames != 1 || st.RxFrames != 1 || st.RxErrors != 1 {
		t.Errorf("stats = %s", st)
	}

	var classic Message
	classic.SetID(0x1)
	classic.SetLength(12)
	if err := iface.SendMessage(classic); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("invalid length: err = %v", err)
	}
	if iface.Stats().TxDropped != 1 {
		t.Errorf("TxDropped = %d", iface.Stats().TxDropped)
	}
}

func TestSLCANReadAfterClose(t *testing.T) {
	port := newFakePort()
	d := newTestSLCANDriver(&recordingSink{}, canable2(), func(string) (serialPort, error) { return port, nil })
	ifaces, _ := d.Update(context.Background())
	iface := ifaces[0]
	if err := iface.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	iface.Close()
	if _, err := iface.ReadMessages(nil, time.Millisecond); !errors.Is(err, ErrNotOpen) {
		t.Errorf("ReadMessages() after close err = %v", err)
	}
	if err := iface.SendMessage(NewMessage(1, nil)); !errors.Is(err, ErrNotOpen) {
		t.Errorf("SendMessage() after close err = %v", err)
	}
}

func TestSLCANCloseWritesQueued(t *testing.T) {
	port := newFakePort()
	d := newTestSLCANDriver(&recordingSink{}, canable2(), func(string) (serialPort, error) { return port, nil })
	ifaces, _ := d.Update(context.Background())
	iface := ifaces[0]
	if err := iface.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := iface.SendMessage(NewMessage(0x123, []byte{0x01})); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if err := iface.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	w := port.written()
	if len(w) < 2 || w[len(w)-2] != "t12301\r" || w[len(w)-1] != "C\r" {
		t.Errorf("written = %q", w)
	}
	if st := iface.Stats(); st.TxFrames != 1 || st.TxDropped != 0 {
		t.Errorf("stats = %s", st)
	}
}

func TestHPMicroTermination(t *testing.T) {
	ident := newFakePort()
	ident.rx <- []byte("HPM CAN 3\r\n")
	port := newFakePort()
	ports := []*enumerator.PortDetails{{Name: "/dev/ttyACM4", IsUSB: true, VID: "34b7", PID: "ffff"}}
	calls := 0
	d := newTestSLCANDriver(&recordingSink{}, ports, func(string) (serialPort, error) {
		calls++
		if calls == 1 {
			return ident, nil
		}
		return port, nil
	})

	ifaces, err := d.Update(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if d.Name() != "HPMicro SLCAN" {
		t.Errorf("driver name = %q", d.Name())
	}
	iface := ifaces[0]
	if iface.Description() != "HPM CAN 3" {
		t.Errorf("description = %q", iface.Description())
	}
	if got := ident.written(); !equalStrings(got, []string{"r_can0\r"}) {
		t.Errorf("identify wrote %q", got)
	}

	if err := iface.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer iface.Close()
	if got := port.written()[0]; got != "r_can3\r" {
		t.Errorf("identification = %q, want r_can3", got)
	}

	term, ok := iface.(Terminator)
	if !ok {
		t.Fatal("HPMicro interface is not a Terminator")
	}
	if err := term.SetTermination(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	port.rx <- []byte("hpm_cfg_g_120r_3_1\r")

	result := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		on, _ := term.Termination(ctx)
		result <- on
	}()
	readUntil(t, iface, func([]Message) bool {
		return iface.(*SLCANInterface).termination.Load() == 1
	})
	w := port.written()
	if !containsString(w, "hpm_cfg_s_120r_1\r") {
		t.Errorf("writes %q lack the set command", w)
	}
	if on := <-result; !on {
		t.Error("Termination() = false")
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestDeviceIndex(t *testing.T) {
	tests := []struct {
		desc     string
		fallback int
		want     int
	}{
		{"HPM CAN 3", 0, 3},
		{"CANable 2.0", 0, 2},
		{"can12 port 4", 0, 12},
		{"no digits", 7, 7},
	}
	for _, tt := range tests {
		if got := deviceIndex(tt.desc, tt.fallback); got != tt.want {
			t.Errorf("deviceIndex(%q) = %d, want %d", tt.desc, got, tt.want)
		}
	}
}
