package canalyzer

import (
	"errors"
	"fmt"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var ue unrecoverableError
	return !errors.As(err, &ue)
}

var (
	ErrNotOpen            = errors.New("interface is not open")
	ErrNoTiming           = errors.New("no bit timing for requested bitrate and sample point")
	ErrFDNotSupported     = errors.New("CAN FD requested but not supported by the device")
	ErrUnsupportedBitrate = errors.New("unsupported bitrate")
	ErrInvalidLength      = errors.New("invalid frame length")
	ErrDroppedFrame       = errors.New("frame dropped")
	ErrUnknownInterface   = errors.New("unknown interface")
	ErrNotSupported       = errors.New("operation not supported by the device")
	ErrSubscriberClosed   = errors.New("subscriber closed")
)

// ProtocolError is returned when a line or transfer from the device can not be
// decoded.
type ProtocolError struct {
	Input  []byte
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %q", e.Reason, e.Input)
}
