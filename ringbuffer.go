package canalyzer

import "sync"

const rxBufferSize = 4096

// ringBuffer is the receive buffer between the serial reader goroutine and the
// poll loop. When a write would make head catch tail the whole content is
// discarded instead of overwriting the oldest bytes.
type ringBuffer struct {
	mu         sync.Mutex
	buf        [rxBufferSize]byte
	head, tail int
	// overflowed is set on reset and cleared by Drain.
	overflowed bool
}

// Write appends p and returns the number of times the buffer was reset.
func (r *ringBuffer) Write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var resets int
	for _, b := range p {
		if (r.head+1)%rxBufferSize == r.tail {
			r.head, r.tail = 0, 0
			r.overflowed = true
			resets++
			continue
		}
		r.buf[r.head] = b
		r.head = (r.head + 1) % rxBufferSize
	}
	return resets
}

// Drain appends the buffered bytes to dst and empties the buffer. overflowed
// reports whether data was lost since the previous Drain.
func (r *ringBuffer) Drain(dst []byte) (out []byte, overflowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.tail != r.head {
		dst = append(dst, r.buf[r.tail])
		r.tail = (r.tail + 1) % rxBufferSize
	}
	overflowed = r.overflowed
	r.overflowed = false
	return dst, overflowed
}

func (r *ringBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (r.head - r.tail + rxBufferSize) % rxBufferSize
}
