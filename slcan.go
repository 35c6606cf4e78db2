package canalyzer

import (
	"errors"
	"fmt"
)

const (
	// slcanMTU is the longest SLCAN frame line including the trailing CR:
	// command, 8 id nibbles, dlc, 64 payload bytes.
	slcanMTU      = 1 + 8 + 1 + 128 + 1
	slcanStdIDLen = 3
	slcanExtIDLen = 8
)

var errUnknownCommand = errors.New("unknown slcan command")

// AppendSLCAN appends the SLCAN line for msg, CR included, to dst.
func AppendSLCAN(dst []byte, msg *Message) ([]byte, error) {
	if !msg.ValidLength() {
		return dst, fmt.Errorf("%w: %d", ErrInvalidLength, msg.Length())
	}
	dlc, _ := LengthToDLC(msg.Length())

	var cmd byte
	switch {
	case msg.IsFD() && msg.IsBRS():
		cmd = 'b'
	case msg.IsFD():
		cmd = 'd'
	case msg.IsRTR():
		cmd = 'r'
	default:
		cmd = 't'
	}
	idLen := slcanStdIDLen
	id := msg.ID() & IDMaskStandard
	if msg.IsExtended() {
		cmd -= 'a' - 'A'
		idLen = slcanExtIDLen
		id = msg.ID()
	}

	dst = append(dst, cmd)
	for i := idLen - 1; i >= 0; i-- {
		dst = append(dst, nybbleToHex(byte(id>>(uint(i)*4))&0xF))
	}
	dst = append(dst, nybbleToHex(dlc))
	if !msg.IsRTR() || msg.IsFD() {
		for i := 0; i < int(msg.Length()); i++ {
			b := msg.Byte(i)
			dst = append(dst, nybbleToHex(b>>4), nybbleToHex(b&0xF))
		}
	}
	return append(dst, '\r'), nil
}

// EncodeSLCAN returns the SLCAN line for msg.
func EncodeSLCAN(msg Message) (string, error) {
	b, err := AppendSLCAN(make([]byte, 0, slcanMTU), &msg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseSLCAN decodes one received line, without its CR, into a message.
// Timestamps appended by the device after the payload are ignored.
func ParseSLCAN(line []byte) (Message, error) {
	var msg Message
	if len(line) == 0 {
		return msg, &ProtocolError{Input: line, Reason: "empty line"}
	}

	switch line[0] {
	case 't':
	case 'T':
		msg.SetExtended(true)
	case 'r':
		msg.SetRTR(true)
	case 'R':
		msg.SetExtended(true)
		msg.SetRTR(true)
	case 'd':
		msg.SetFD(true)
	case 'D':
		msg.SetFD(true)
		msg.SetExtended(true)
	case 'b':
		msg.SetFD(true)
		msg.SetBRS(true)
	case 'B':
		msg.SetFD(true)
		msg.SetBRS(true)
		msg.SetExtended(true)
	default:
		return msg, fmt.Errorf("%w %q", errUnknownCommand, line[0])
	}

	idLen := slcanStdIDLen
	if msg.IsExtended() {
		idLen = slcanExtIDLen
	}
	if len(line) < 1+idLen+1 {
		return msg, &ProtocolError{Input: line, Reason: "short header"}
	}

	var id uint32
	for _, c := range line[1 : 1+idLen] {
		n, ok := hexToNybble(c)
		if !ok {
			return msg, &ProtocolError{Input: line, Reason: "invalid identifier"}
		}
		id = id<<4 | uint32(n)
	}
	if (!msg.IsExtended() && id > IDMaskStandard) || id > IDMaskExtended {
		return msg, &ProtocolError{Input: line, Reason: "identifier out of range"}
	}
	msg.SetID(id)

	pos := 1 + idLen
	dlc, ok := hexToNybble(line[pos])
	if !ok {
		return msg, &ProtocolError{Input: line, Reason: "invalid dlc"}
	}
	pos++
	if !msg.IsFD() && dlc > 8 {
		return msg, &ProtocolError{Input: line, Reason: "dlc too large for classic frame"}
	}
	length, ok := DLCToLength(dlc)
	if !ok {
		return msg, &ProtocolError{Input: line, Reason: "invalid dlc"}
	}
	msg.SetLength(length)

	if msg.IsRTR() {
		return msg, nil
	}
	if len(line) < pos+2*int(length) {
		return msg, &ProtocolError{Input: line, Reason: "short payload"}
	}
	for i := 0; i < int(length); i++ {
		hi, ok1 := hexToNybble(line[pos])
		lo, ok2 := hexToNybble(line[pos+1])
		if !ok1 || !ok2 {
			return msg, &ProtocolError{Input: line, Reason: "invalid payload"}
		}
		msg.SetByte(i, hi<<4|lo)
		pos += 2
	}
	return msg, nil
}

// helper converts a 0..15 value to its ASCII hex nybble
func nybbleToHex(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

func hexToNybble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// lineReader splits the SLCAN byte stream into CR terminated lines.
type lineReader struct {
	line [slcanMTU]byte
	n    int
	// skip discards input up to and including the next CR.
	skip bool
}

// Resync drops the partial line and ignores input until the next CR so a
// frame whose head was lost is never emitted.
func (lr *lineReader) Resync() {
	lr.n = 0
	lr.skip = true
}

// Feed consumes data and calls fn for every complete, non-empty line. It
// returns the number of lines discarded because they exceeded the MTU.
func (lr *lineReader) Feed(data []byte, fn func(line []byte)) int {
	var overflows int
	for _, b := range data {
		if lr.skip {
			if b == '\r' {
				lr.skip = false
			}
			continue
		}
		switch b {
		case '\r':
			if lr.n > 0 {
				fn(lr.line[:lr.n])
			}
			lr.n = 0
			continue
		case '\a':
			// NACK from the device for the previous command
			lr.n = 0
			continue
		}
		if lr.n >= slcanMTU-1 {
			overflows++
			lr.Resync()
			continue
		}
		lr.line[lr.n] = b
		lr.n++
	}
	return overflows
}
