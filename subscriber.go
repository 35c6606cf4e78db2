package canalyzer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

type Subscriber struct {
	trace       *Trace
	identifiers map[uint32]struct{}
	messages    chan Message
	events      chan Event
	dropped     atomic.Uint64
	closeOnce   sync.Once
}

func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.trace.unregister(s)
	})
}

func (s *Subscriber) Messages() <-chan Message {
	return s.messages
}

func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Dropped is the number of messages not delivered because the subscriber
// channel was full.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscriber) offer(msg Message) {
	select {
	case s.messages <- msg:
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscriber) offerEvent(evt Event) bool {
	select {
	case s.events <- evt:
		return true
	default:
		return false
	}
}

// Wait returns the next message or fails when ctx is done.
func (s *Subscriber) Wait(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, fmt.Errorf("timeout: %w", ctx.Err())
	case msg, ok := <-s.messages:
		if !ok {
			return Message{}, ErrSubscriberClosed
		}
		return msg, nil
	}
}
