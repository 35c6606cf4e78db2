package canalyzer

import (
	"encoding/binary"
	"math/bits"
)

// ExtractRawSignal returns length bits starting at startBit from the first 8
// payload bytes read as a little-endian word. Big-endian signals longer than a
// byte are byte-swapped and shifted down to drop the swap padding.
//
// Only bytes 0-7 are reachable, signals placed further into a CAN-FD payload
// cannot be extracted this way.
func (m *Message) ExtractRawSignal(startBit, length uint8, bigEndian bool) uint64 {
	data := binary.LittleEndian.Uint64(m.data[:8])
	data >>= startBit

	mask := ^uint64(0)
	mask <<= length
	mask = ^mask
	data &= mask

	if bigEndian && length > 8 {
		data = bits.ReverseBytes64(data)
		data >>= 64 - uint(length)
	}
	return data
}
