package canalyzer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
)

const (
	IDFlagExtended = 0x80000000
	IDFlagRTR      = 0x40000000
	IDFlagError    = 0x20000000
	IDMaskExtended = 0x1FFFFFFF
	IDMaskStandard = 0x7FF

	MaxDataLength = 64
)

// InterfaceID identifies which adapter interface produced or should send a message.
type InterfaceID uint16

func (id InterfaceID) String() string {
	return fmt.Sprintf("%d.%d", uint16(id)>>8, uint16(id)&0xFF)
}

// ParseInterfaceID parses the "driver.index" form produced by String.
func ParseInterfaceID(s string) (InterfaceID, error) {
	d, n, ok := strings.Cut(s, ".")
	if !ok {
		return 0, fmt.Errorf("invalid interface id %q", s)
	}
	di, err := strconv.ParseUint(d, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid interface id %q: %w", s, err)
	}
	ni, err := strconv.ParseUint(n, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid interface id %q: %w", s, err)
	}
	return InterfaceID(di<<8 | ni), nil
}

type Direction uint8

const (
	Rx Direction = iota
	Tx
)

func (d Direction) String() string {
	switch d {
	case Rx:
		return "Rx"
	case Tx:
		return "Tx"
	default:
		return "??"
	}
}

// Timestamp is the capture time of a message, Microseconds is always < 1e6.
type Timestamp struct {
	Seconds      uint64
	Microseconds uint32
}

func TimestampFromMicros(us uint64) Timestamp {
	return Timestamp{Seconds: us / 1000000, Microseconds: uint32(us % 1000000)}
}

func TimestampFromTime(t time.Time) Timestamp {
	return TimestampFromMicros(uint64(t.UnixMicro()))
}

func (ts Timestamp) Micros() uint64 {
	return ts.Seconds*1000000 + uint64(ts.Microseconds)
}

func (ts Timestamp) Float() float64 {
	return float64(ts.Seconds) + float64(ts.Microseconds)/1000000
}

func (ts Timestamp) Time() time.Time {
	return time.UnixMicro(int64(ts.Micros()))
}

// Message is the canonical CAN / CAN-FD frame every driver produces and consumes.
// It is a plain value and is copied when queued.
type Message struct {
	rawID     uint32
	length    uint8
	data      [MaxDataLength]byte
	extended  bool
	rtr       bool
	fd        bool
	brs       bool
	timestamp Timestamp
	iface     InterfaceID
	direction Direction
}

// NewMessage creates a data frame and copies the data slice, identifiers above
// 0x7FF are marked extended
func NewMessage(id uint32, data []byte) Message {
	var msg Message
	msg.SetID(id)
	msg.extended = id > IDMaskStandard
	msg.SetData(data)
	return msg
}

func (m *Message) RawID() uint32         { return m.rawID }
func (m *Message) SetRawID(rawID uint32) { m.rawID = rawID }

// ID returns the identifier without flag bits.
func (m *Message) ID() uint32 {
	return m.rawID & IDMaskExtended
}

// SetID replaces the identifier bits and keeps the flag bits.
func (m *Message) SetID(id uint32) {
	m.rawID = (m.rawID &^ IDMaskExtended) | (id & IDMaskExtended)
}

func (m *Message) IsExtended() bool         { return m.extended }
func (m *Message) SetExtended(ext bool)     { m.extended = ext }
func (m *Message) IsRTR() bool              { return m.rtr }
func (m *Message) SetRTR(rtr bool)          { m.rtr = rtr }
func (m *Message) IsFD() bool               { return m.fd }
func (m *Message) SetFD(fd bool)            { m.fd = fd }
func (m *Message) IsBRS() bool              { return m.brs }
func (m *Message) SetBRS(brs bool)          { m.brs = brs }
func (m *Message) Direction() Direction     { return m.direction }
func (m *Message) SetDirection(d Direction) { m.direction = d }

func (m *Message) InterfaceID() InterfaceID      { return m.iface }
func (m *Message) SetInterfaceID(id InterfaceID) { m.iface = id }
func (m *Message) Timestamp() Timestamp          { return m.timestamp }
func (m *Message) SetTimestamp(ts Timestamp)     { m.timestamp = ts }
func (m *Message) SetTimestampTime(t time.Time)  { m.timestamp = TimestampFromTime(t) }
func (m *Message) SetTimestampParts(sec uint64, usec uint32) {
	m.timestamp = Timestamp{Seconds: sec, Microseconds: usec}
}

// IsErrorFrame is derived from the error flag in the raw identifier.
func (m *Message) IsErrorFrame() bool {
	return m.rawID&IDFlagError != 0
}

func (m *Message) SetErrorFrame(isErr bool) {
	if isErr {
		m.rawID |= IDFlagError
	} else {
		m.rawID &^= IDFlagError
	}
}

func (m *Message) Length() uint8 {
	return m.length
}

// SetLength sets the payload length. Lengths above 64 are forced to 8 rather
// than rejected, callers must validate beforehand.
func (m *Message) SetLength(length uint8) {
	if length <= MaxDataLength {
		m.length = length
	} else {
		m.length = 8
	}
}

// ValidLength reports whether the length is one the DLC table can encode for
// this frame class.
func (m *Message) ValidLength() bool {
	return ValidLength(m.length, m.fd)
}

func (m *Message) Byte(index int) byte {
	if index < 0 || index >= MaxDataLength {
		return 0
	}
	return m.data[index]
}

func (m *Message) SetByte(index int, value byte) {
	if index < 0 || index >= MaxDataLength {
		return
	}
	m.data[index] = value
}

// Data returns a copy of the first Length() payload bytes.
func (m *Message) Data() []byte {
	out := make([]byte, m.length)
	copy(out, m.data[:m.length])
	return out
}

// SetData copies data into the payload and sets the length, with the same
// clamping rule as SetLength.
func (m *Message) SetData(data []byte) {
	n := copy(m.data[:], data)
	if len(data) > MaxDataLength {
		m.SetLength(uint8(min(len(data), 255)))
		return
	}
	m.length = uint8(n)
}

func (m *Message) IDString() string {
	if m.extended {
		return fmt.Sprintf("0x%08X", m.ID())
	}
	return fmt.Sprintf("0x%03X", m.ID())
}

func (m *Message) DataHexString() string {
	if m.length == 0 {
		return ""
	}
	var out strings.Builder
	for i := 0; i < int(m.length); i++ {
		out.WriteString(fmt.Sprintf("%02X ", m.data[i]))
	}
	return out.String()
}

func (m *Message) flagString() string {
	var out strings.Builder
	if m.extended {
		out.WriteByte('X')
	} else {
		out.WriteByte('-')
	}
	if m.rtr {
		out.WriteByte('R')
	} else {
		out.WriteByte('-')
	}
	if m.fd {
		out.WriteByte('F')
	} else {
		out.WriteByte('-')
	}
	if m.brs {
		out.WriteByte('B')
	} else {
		out.WriteByte('-')
	}
	if m.IsErrorFrame() {
		out.WriteByte('E')
	} else {
		out.WriteByte('-')
	}
	return out.String()
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (m *Message) String() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("%17.6f", m.timestamp.Float()) + " || ")
	out.WriteString(m.iface.String() + " " + m.direction.String() + " || ")
	out.WriteString(fmt.Sprintf("%-10s", m.IDString()) + " || ")
	out.WriteString(m.flagString() + " || ")
	out.WriteString(fmt.Sprintf("%2s", strconv.Itoa(int(m.length))) + " || ")
	out.WriteString(m.DataHexString())
	return out.String()
}

func (m *Message) ColorString() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("%17.6f", m.timestamp.Float()) + " || ")
	out.WriteString(m.iface.String() + " " + m.direction.String() + " || ")
	out.WriteString(green("%-10s", m.IDString()) + " || ")
	if m.IsErrorFrame() {
		out.WriteString(red("%s", m.flagString()) + " || ")
	} else {
		out.WriteString(m.flagString() + " || ")
	}
	out.WriteString(fmt.Sprintf("%2s", strconv.Itoa(int(m.length))) + " || ")
	out.WriteString(yellow("%s", m.DataHexString()))
	return out.String()
}
