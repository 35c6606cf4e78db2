package canalyzer

import (
	"log"
	"sync"
)

const DefaultTraceCapacity = 100000

// Trace is the Sink every interface reports to. It keeps the most recent
// messages in a bounded ring and fans messages and events out to subscribers.
type Trace struct {
	mu    sync.RWMutex
	ring  []Message
	head  int
	count int
	total uint64

	submap     map[uint32]map[*Subscriber]struct{}
	globalSubs []*Subscriber
	all        map[*Subscriber]struct{}
}

func NewTrace(capacity int) *Trace {
	if capacity <= 0 {
		capacity = DefaultTraceCapacity
	}
	return &Trace{
		ring:   make([]Message, capacity),
		submap: make(map[uint32]map[*Subscriber]struct{}),
		all:    make(map[*Subscriber]struct{}),
	}
}

func (t *Trace) AddMessage(msg Message) {
	t.mu.Lock()
	t.ring[t.head] = msg
	t.head = (t.head + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
	t.total++
	t.mu.Unlock()
	t.deliver(msg)
}

// NOTE: We send while holding RLock on t.mu. unregister acquires the write lock
// and closes the subscriber channels, so a channel can't be closed mid-send.
func (t *Trace) deliver(msg Message) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.globalSubs {
		sub.offer(msg)
	}
	if subs, ok := t.submap[msg.ID()]; ok {
		for sub := range subs {
			sub.offer(msg)
		}
	}
}

func (t *Trace) Log(evt Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	delivered := false
	for sub := range t.all {
		delivered = sub.offerEvent(evt) || delivered
	}
	if !delivered {
		log.Println(evt.String())
	}
}

// Messages returns the retained messages, oldest first.
func (t *Trace) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, 0, t.count)
	start := (t.head - t.count + len(t.ring)) % len(t.ring)
	for i := 0; i < t.count; i++ {
		out = append(out, t.ring[(start+i)%len(t.ring)])
	}
	return out
}

func (t *Trace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Total is the number of messages added since creation or the last Clear.
func (t *Trace) Total() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

func (t *Trace) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.head, t.count, t.total = 0, 0, 0
}

// Subscribe registers a subscriber receiving messages with one of the given
// identifiers, or all messages when none are given. Events go to every
// subscriber.
func (t *Trace) Subscribe(buffer int, identifiers ...uint32) *Subscriber {
	sub := &Subscriber{
		trace:       t,
		identifiers: make(map[uint32]struct{}, len(identifiers)),
		messages:    make(chan Message, buffer),
		events:      make(chan Event, 64),
	}
	for _, id := range identifiers {
		sub.identifiers[id] = struct{}{}
	}
	t.register(sub)
	return sub
}

func (t *Trace) register(sub *Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.all[sub] = struct{}{}
	if len(sub.identifiers) == 0 {
		t.globalSubs = append(t.globalSubs, sub)
		return
	}
	for id := range sub.identifiers {
		if _, ok := t.submap[id]; !ok {
			t.submap[id] = make(map[*Subscriber]struct{})
		}
		t.submap[id][sub] = struct{}{}
	}
}

func (t *Trace) unregister(sub *Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.all, sub)
	if len(sub.identifiers) == 0 {
		for i, s := range t.globalSubs {
			if s == sub {
				t.globalSubs = append(t.globalSubs[:i], t.globalSubs[i+1:]...)
				break
			}
		}
	}
	for id := range sub.identifiers {
		if subs, ok := t.submap[id]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(t.submap, id)
			}
		}
	}
	close(sub.messages)
	close(sub.events)
}
