package canalyzer

import (
	"fmt"
	"time"
)

type EventType int

func (et EventType) String() string {
	switch et {
	case EventTypeError:
		return "ERROR"
	case EventTypeWarning:
		return "WARN"
	case EventTypeInfo:
		return "INFO"
	case EventTypeDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

const (
	EventTypeError EventType = iota
	EventTypeWarning
	EventTypeInfo
	EventTypeDebug
)

// Event is a log line produced by a driver or interface.
type Event struct {
	Type    EventType
	Source  string
	Details string
	Time    time.Time
}

func (e Event) String() string {
	if e.Source == "" {
		return fmt.Sprintf("[%s] %s", e.Type.String(), e.Details)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type.String(), e.Source, e.Details)
}
