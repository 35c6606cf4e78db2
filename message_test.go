package canalyzer

import (
	"bytes"
	"testing"
	"time"
)

func TestExtractRawSignal(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		startBit  uint8
		length    uint8
		bigEndian bool
		want      uint64
	}{
		{"first byte", []byte{0x42, 0xFF}, 0, 8, false, 0x42},
		{"second byte", []byte{0x00, 0x42}, 8, 8, false, 0x42},
		{"nibble", []byte{0xA5}, 4, 4, false, 0xA},
		{"single bit", []byte{0x00, 0x04}, 10, 1, false, 1},
		{"little endian word", []byte{0x34, 0x12}, 0, 16, false, 0x1234},
		{"big endian word", []byte{0x12, 0x34}, 0, 16, true, 0x1234},
		{"big endian byte is not swapped", []byte{0x42}, 0, 8, true, 0x42},
		{"full word", []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0, 64, false, 0x0807060504030201},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewMessage(0x100, tt.data)
			if got := msg.ExtractRawSignal(tt.startBit, tt.length, tt.bigEndian); got != tt.want {
				t.Errorf("ExtractRawSignal(%d, %d, %v) = %#x, want %#x", tt.startBit, tt.length, tt.bigEndian, got, tt.want)
			}
		})
	}
}

func TestSetLengthClamp(t *testing.T) {
	var msg Message
	msg.SetLength(64)
	if msg.Length() != 64 {
		t.Errorf("SetLength(64) = %d", msg.Length())
	}
	msg.SetLength(65)
	if msg.Length() != 8 {
		t.Errorf("SetLength(65) = %d, want 8", msg.Length())
	}
	msg.SetData(make([]byte, 100))
	if msg.Length() != 8 {
		t.Errorf("SetData(100 bytes) length = %d, want 8", msg.Length())
	}
}

func TestByteBounds(t *testing.T) {
	var msg Message
	msg.SetByte(-1, 0xFF)
	msg.SetByte(64, 0xFF)
	msg.SetByte(63, 0xAB)
	if msg.Byte(-1) != 0 || msg.Byte(64) != 0 {
		t.Error("out of range access returned data")
	}
	if msg.Byte(63) != 0xAB {
		t.Errorf("Byte(63) = %#x", msg.Byte(63))
	}
}

func TestMessageFlags(t *testing.T) {
	msg := NewMessage(0x18DAF110, []byte{1, 2, 3})
	if !msg.IsExtended() {
		t.Error("id above 0x7FF not marked extended")
	}
	if msg.IDString() != "0x18DAF110" {
		t.Errorf("IDString() = %q", msg.IDString())
	}

	msg.SetErrorFrame(true)
	if !msg.IsErrorFrame() || msg.ID() != 0x18DAF110 {
		t.Errorf("error flag: IsErrorFrame=%v ID=%#x", msg.IsErrorFrame(), msg.ID())
	}
	msg.SetID(0x123)
	if !msg.IsErrorFrame() {
		t.Error("SetID cleared the error flag")
	}
	msg.SetErrorFrame(false)
	if msg.RawID() != 0x123 {
		t.Errorf("RawID() = %#x", msg.RawID())
	}

	std := NewMessage(0x7FF, nil)
	if std.IsExtended() || std.IDString() != "0x7FF" {
		t.Errorf("standard id: extended=%v %q", std.IsExtended(), std.IDString())
	}
}

func TestMessageData(t *testing.T) {
	in := []byte{0xDE, 0xAD}
	msg := NewMessage(0x1, in)
	in[0] = 0
	if !bytes.Equal(msg.Data(), []byte{0xDE, 0xAD}) {
		t.Errorf("Data() = % X", msg.Data())
	}
	if got := msg.DataHexString(); got != "DE AD " {
		t.Errorf("DataHexString() = %q", got)
	}
}

func TestValidLength(t *testing.T) {
	tests := []struct {
		length uint8
		fd     bool
		want   bool
	}{
		{8, false, true},
		{9, false, false},
		{12, false, false},
		{12, true, true},
		{13, true, false},
		{64, true, true},
		{65, true, false},
	}
	for _, tt := range tests {
		var msg Message
		msg.length = tt.length
		msg.SetFD(tt.fd)
		if got := msg.ValidLength(); got != tt.want {
			t.Errorf("ValidLength(%d, fd=%v) = %v, want %v", tt.length, tt.fd, got, tt.want)
		}
	}
}

func TestTimestamp(t *testing.T) {
	ts := TimestampFromMicros(1500000)
	if ts.Seconds != 1 || ts.Microseconds != 500000 {
		t.Errorf("TimestampFromMicros(1500000) = %+v", ts)
	}
	if ts.Float() != 1.5 {
		t.Errorf("Float() = %v", ts.Float())
	}
	now := time.UnixMicro(1700000000123456)
	if got := TimestampFromTime(now).Time(); !got.Equal(now) {
		t.Errorf("time round trip = %v, want %v", got, now)
	}
}

func TestParseInterfaceID(t *testing.T) {
	tests := []struct {
		in      string
		want    InterfaceID
		wantErr bool
	}{
		{"0.0", 0x0000, false},
		{"1.2", 0x0102, false},
		{"255.255", 0xFFFF, false},
		{"256.0", 0, true},
		{"1", 0, true},
		{"a.b", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseInterfaceID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseInterfaceID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseInterfaceID(%q) = %s, want %s", tt.in, got, tt.want)
		}
		if !tt.wantErr && got.String() != tt.in {
			t.Errorf("String() = %s, want %s", got.String(), tt.in)
		}
	}
}
