// Package gsusb implements the wire structures of the gs_usb ("candle") USB
// CAN protocol: vendor control requests and bulk host frames.
package gsusb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Vendor control requests.
const (
	BreqHostFormat     = 0
	BreqBittiming      = 1
	BreqMode           = 2
	BreqBerr           = 3
	BreqBTConst        = 4
	BreqDeviceConfig   = 5
	BreqTimestamp      = 6
	BreqIdentify       = 7
	BreqGetUserID      = 8
	BreqSetUserID      = 9
	BreqDataBittiming  = 10
	BreqBTConstExt     = 11
	BreqSetTermination = 12
	BreqGetTermination = 13
	BreqGetState       = 14
)

// Feature bits reported in BTConst.Feature, also used as mode flags.
const (
	FeatureListenOnly    = 1 << 0
	FeatureLoopBack      = 1 << 1
	FeatureTripleSample  = 1 << 2
	FeatureOneShot       = 1 << 3
	FeatureHWTimestamp   = 1 << 4
	FeatureIdentify      = 1 << 5
	FeatureUserID        = 1 << 6
	FeaturePadPackets    = 1 << 7
	FeatureFD            = 1 << 8
	FeatureQuirkLPC546XX = 1 << 9
	FeatureBTConstExt    = 1 << 10
	FeatureTermination   = 1 << 11
	FeatureBerrReporting = 1 << 12
	FeatureGetState      = 1 << 13
)

const (
	ModeReset = 0
	ModeStart = 1
)

// Host frame flags.
const (
	FlagOverflow = 1 << 0
	FlagFD       = 1 << 1
	FlagBRS      = 1 << 2
	FlagESI      = 1 << 3
)

// CAN id flag bits, same layout as SocketCAN.
const (
	IDFlagExtended = 0x80000000
	IDFlagRTR      = 0x40000000
	IDFlagError    = 0x20000000
	IDMaskExtended = 0x1FFFFFFF
	IDMaskStandard = 0x7FF
)

const (
	// HostFormatMagic is sent in BreqHostFormat to select little endian.
	HostFormatMagic = 0x0000beef
	// EchoIDRx marks a host frame as received from the bus.
	EchoIDRx = 0xFFFFFFFF

	TerminationOff = 0
	TerminationOn  = 1
)

const (
	headerSize  = 12
	classicData = 8
	fdData      = 64
	tsSize      = 4
)

var ErrShortBuffer = errors.New("gsusb: short buffer")

// FrameSize returns the bulk transfer size of a host frame.
func FrameSize(fd, timestamp bool) int {
	n := headerSize + classicData
	if fd {
		n = headerSize + fdData
	}
	if timestamp {
		n += tsSize
	}
	return n
}

type DeviceConfig struct {
	Reserved1 uint8
	Reserved2 uint8
	Reserved3 uint8
	ICount    uint8 // number of channels minus one
	SWVersion uint32
	HWVersion uint32
}

func (c *DeviceConfig) UnmarshalBinary(b []byte) error {
	if len(b) < 12 {
		return fmt.Errorf("device config: %w", ErrShortBuffer)
	}
	c.Reserved1, c.Reserved2, c.Reserved3, c.ICount = b[0], b[1], b[2], b[3]
	c.SWVersion = binary.LittleEndian.Uint32(b[4:])
	c.HWVersion = binary.LittleEndian.Uint32(b[8:])
	return nil
}

// Channels returns the number of CAN channels on the device.
func (c *DeviceConfig) Channels() int {
	return int(c.ICount) + 1
}

type BTConst struct {
	Feature  uint32
	FClkCAN  uint32
	Tseg1Min uint32
	Tseg1Max uint32
	Tseg2Min uint32
	Tseg2Max uint32
	SJWMax   uint32
	BRPMin   uint32
	BRPMax   uint32
	BRPInc   uint32
}

func (c *BTConst) UnmarshalBinary(b []byte) error {
	if len(b) < 40 {
		return fmt.Errorf("bt const: %w", ErrShortBuffer)
	}
	fields := []*uint32{&c.Feature, &c.FClkCAN, &c.Tseg1Min, &c.Tseg1Max, &c.Tseg2Min,
		&c.Tseg2Max, &c.SJWMax, &c.BRPMin, &c.BRPMax, &c.BRPInc}
	for i, f := range fields {
		*f = binary.LittleEndian.Uint32(b[i*4:])
	}
	return nil
}

type BitTiming struct {
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	SJW       uint32
	BRP       uint32
}

func (t BitTiming) MarshalBinary() ([]byte, error) {
	b := make([]byte, 20)
	binary.LittleEndian.PutUint32(b[0:], t.PropSeg)
	binary.LittleEndian.PutUint32(b[4:], t.PhaseSeg1)
	binary.LittleEndian.PutUint32(b[8:], t.PhaseSeg2)
	binary.LittleEndian.PutUint32(b[12:], t.SJW)
	binary.LittleEndian.PutUint32(b[16:], t.BRP)
	return b, nil
}

type DeviceMode struct {
	Mode  uint32
	Flags uint32
}

func (m DeviceMode) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:], m.Mode)
	binary.LittleEndian.PutUint32(b[4:], m.Flags)
	return b, nil
}

// DeviceState mirrors the controller state reply of BreqGetState.
type DeviceState struct {
	State uint32
	RxErr uint32
	TxErr uint32
}

func (s *DeviceState) UnmarshalBinary(b []byte) error {
	if len(b) < 12 {
		return fmt.Errorf("device state: %w", ErrShortBuffer)
	}
	s.State = binary.LittleEndian.Uint32(b[0:])
	s.RxErr = binary.LittleEndian.Uint32(b[4:])
	s.TxErr = binary.LittleEndian.Uint32(b[8:])
	return nil
}

// Controller states reported by BreqGetState.
const (
	StateErrorActive = iota
	StateErrorWarning
	StateErrorPassive
	StateBusOff
	StateStopped
	StateSleeping
)

func PutUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// HostFrame is one bulk transfer in either direction.
type HostFrame struct {
	EchoID    uint32
	CanID     uint32
	DLC       uint8
	Channel   uint8
	Flags     uint8
	Reserved  uint8
	Data      [64]byte
	Timestamp uint32
}

// IsRx reports whether the frame was received from the bus rather than being
// the echo of a transmitted frame.
func (f *HostFrame) IsRx() bool {
	return f.EchoID == EchoIDRx
}

// MarshalBinary encodes the frame for the OUT endpoint. FD frames carry 64
// data bytes, classic frames 8. Host to device frames never carry a timestamp.
func (f *HostFrame) MarshalBinary() ([]byte, error) {
	fd := f.Flags&FlagFD != 0
	b := make([]byte, FrameSize(fd, false))
	binary.LittleEndian.PutUint32(b[0:], f.EchoID)
	binary.LittleEndian.PutUint32(b[4:], f.CanID)
	b[8] = f.DLC
	b[9] = f.Channel
	b[10] = f.Flags
	b[11] = f.Reserved
	copy(b[headerSize:], f.Data[:len(b)-headerSize])
	return b, nil
}

// UnmarshalBinary decodes a frame read from the IN endpoint. The payload size
// follows the FD flag, a trailing timestamp is decoded when present.
func (f *HostFrame) UnmarshalBinary(b []byte) error {
	if len(b) < headerSize+classicData {
		return fmt.Errorf("host frame %d bytes: %w", len(b), ErrShortBuffer)
	}
	f.EchoID = binary.LittleEndian.Uint32(b[0:])
	f.CanID = binary.LittleEndian.Uint32(b[4:])
	f.DLC = b[8]
	f.Channel = b[9]
	f.Flags = b[10]
	f.Reserved = b[11]

	dataLen := classicData
	if f.Flags&FlagFD != 0 {
		dataLen = fdData
	}
	if len(b) < headerSize+dataLen {
		return fmt.Errorf("fd host frame %d bytes: %w", len(b), ErrShortBuffer)
	}
	f.Data = [64]byte{}
	copy(f.Data[:], b[headerSize:headerSize+dataLen])

	f.Timestamp = 0
	if len(b) >= headerSize+dataLen+tsSize {
		f.Timestamp = binary.LittleEndian.Uint32(b[headerSize+dataLen:])
	}
	return nil
}
