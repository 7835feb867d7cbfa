package engine

import "sync/atomic"

// Epoch counts device session resets.
//
// A handler records the epoch before it talks to the device and commits its
// result only if the epoch is unchanged afterwards.
//
// Thread-safety: Epoch is safe for concurrent use (atomic operations).
type Epoch struct {
	n atomic.Uint64
}

// Next advances the epoch and returns the new value.
func (e *Epoch) Next() uint64 {
	return e.n.Add(1)
}

// Current returns the epoch without advancing it.
func (e *Epoch) Current() uint64 {
	return e.n.Load()
}
