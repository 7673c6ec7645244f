// Package clock gives the route and protocol state machines a seam for
// injecting wall-clock time, so deadline arithmetic ("now + negotiation_ttl")
// can be driven deterministically from tests instead of from a live timer.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time. Real wraps time.Now; Fake lets tests pin
// and advance time explicitly.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by time.Now.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

var _ Clock = Real{}

// Fake is a Clock that only moves when told to, for driving route and
// protocol deadlines deterministically from tests.
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

// NewFake returns a Fake pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{t: t}
}

// Now returns the Fake's current pinned time.
func (self *Fake) Now() time.Time {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.t
}

// Set pins the Fake to t.
func (self *Fake) Set(t time.Time) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.t = t
}

// Advance moves the Fake forward by d.
func (self *Fake) Advance(d time.Duration) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.t = self.t.Add(d)
}

var _ Clock = &Fake{}
