package ske1

import "sync/atomic"

// spiModulus is 2^32 - 257: the counter period before ephemeral SPIs wrap.
const spiModulus = uint64(1<<32) - 257

// spiOffset keeps emitted ephemeral SPIs >= 256 and distinct from the small
// range reserved for route SPIs.
const spiOffset = 256

// Allocator hands out ephemeral SPIs. Implementations must be safe for use
// by a single Manager goroutine; vita-ske1 itself never allocates SPIs
// concurrently, but a durable allocator (backed by a file or database) may
// still want internal locking around its persistence step.
type Allocator interface {
	NextSPI() (uint32, error)
}

// CounterAllocator is an in-memory, process-wide monotonic Allocator. It does
// not survive a restart; pkg/sadb provides a durable counterpart.
type CounterAllocator struct {
	counter atomic.Uint64
}

// NewCounterAllocator returns a CounterAllocator starting from zero.
func NewCounterAllocator() *CounterAllocator {
	return &CounterAllocator{}
}

// NextSPI returns the next ephemeral SPI in the sequence.
func (self *CounterAllocator) NextSPI() (uint32, error) {
	n := self.counter.Add(1) - 1
	return uint32(n%spiModulus) + spiOffset, nil
}

var _ Allocator = &CounterAllocator{}
