// Package sadb implements the SA database: the published artifact of
// inbound/outbound Security Associations, keyed by ephemeral SPI, plus the
// durable SPI allocator and config-digest helpers that back it.
package sadb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"code.vita-gw.org/keymgr/internal/clock"
)

// publishInterval is the minimum spacing between atomic file rewrites.
const publishInterval = time.Second

// Database is the flat, SPI-keyed mapping backing the published SA
// database, so cross-route inbound SPI uniqueness can be checked without a
// linear scan, plus a per-route back-index of inbound SPIs used to tear a
// route down.
type Database struct {
	mu sync.Mutex

	path  string
	clock clock.Clock

	outbound map[uint32]Entry
	inbound  map[uint32]Entry

	// inboundByRoute indexes the inbound SPIs owned by each route, so
	// tearing a route down doesn't require scanning all of inbound.
	inboundByRoute map[string][]uint32

	dirty     bool
	lastFlush time.Time
}

// NewDatabase returns a Database that will publish to path.
func NewDatabase(path string, clk clock.Clock) *Database {
	if nil == clk {
		clk = clock.Real{}
	}
	return &Database{
		path:           path,
		clock:          clk,
		outbound:       make(map[uint32]Entry),
		inbound:        make(map[uint32]Entry),
		inboundByRoute: make(map[string][]uint32),
	}
}

// PutOutbound installs or replaces an outbound SA. Outbound SPIs are not
// subject to the cross-route uniqueness invariant (only inbound SAs are).
func (self *Database) PutOutbound(e Entry) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.outbound[e.SPI] = e
	self.dirty = true
}

// RemoveOutbound removes spi from the outbound map, if present.
func (self *Database) RemoveOutbound(spi uint32) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if _, found := self.outbound[spi]; found {
		delete(self.outbound, spi)
		self.dirty = true
	}
}

// PutInbound installs an inbound SA. It refuses and returns ErrFatalCollision
// if e.SPI collides with any route's current or previous inbound SA: callers
// must treat this as a fatal, process-abort condition.
func (self *Database) PutInbound(e Entry) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	if _, collide := self.inbound[e.SPI]; collide {
		return newFlagError(ErrFatalCollision, "inbound SPI %d already installed", e.SPI)
	}

	self.inbound[e.SPI] = e
	self.inboundByRoute[e.Route] = append(self.inboundByRoute[e.Route], e.SPI)
	self.dirty = true

	return nil
}

// RemoveInbound removes spi from the inbound map and its route's back-index.
func (self *Database) RemoveInbound(route string, spi uint32) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if _, found := self.inbound[spi]; !found {
		return
	}
	delete(self.inbound, spi)
	self.dirty = true

	spis := self.inboundByRoute[route]
	for i, s := range spis {
		if s == spi {
			self.inboundByRoute[route] = append(spis[:i], spis[i+1:]...)
			break
		}
	}
	if 0 == len(self.inboundByRoute[route]) {
		delete(self.inboundByRoute, route)
	}
}

// RemoveRoute tears down every inbound SA owned by route and any outbound
// SAs for it, used when a route is removed or its identity (psk/route-SPI)
// changes.
func (self *Database) RemoveRoute(route string) {
	self.mu.Lock()
	spis := append([]uint32(nil), self.inboundByRoute[route]...)
	for _, spi := range self.outboundSPIsForRouteLocked(route) {
		delete(self.outbound, spi)
		self.dirty = true
	}
	self.mu.Unlock()

	for _, spi := range spis {
		self.RemoveInbound(route, spi)
	}
}

func (self *Database) outboundSPIsForRouteLocked(route string) []uint32 {
	var spis []uint32
	for spi, e := range self.outbound {
		if e.Route == route {
			spis = append(spis, spi)
		}
	}
	return spis
}

// MarkDirty forces the next PublishIfDue call to rewrite the file even if
// no Put/Remove happened, used after a reconfigure that left the SA set
// unchanged but should still refresh the file's mtime-adjacent metadata.
func (self *Database) MarkDirty() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.dirty = true
}

// PublishIfDue atomically rewrites the database file if it is dirty and at
// least publishInterval has elapsed since the last flush. It never blocks on
// anything beyond the write-to-temp-then-rename sequence.
func (self *Database) PublishIfDue() (bool, error) {
	self.mu.Lock()
	if !self.dirty {
		self.mu.Unlock()
		return false, nil
	}
	now := self.clock.Now()
	if !self.lastFlush.IsZero() && now.Sub(self.lastFlush) < publishInterval {
		self.mu.Unlock()
		return false, nil
	}

	doc := Document{
		OutboundSA: make(map[string]Entry, len(self.outbound)),
		InboundSA:  make(map[string]Entry, len(self.inbound)),
	}
	for spi, e := range self.outbound {
		doc.OutboundSA[spiKey(spi)] = e
	}
	for spi, e := range self.inbound {
		doc.InboundSA[spiKey(spi)] = e
	}
	self.mu.Unlock()

	if err := self.writeAtomic(doc); nil != err {
		return false, wrapError(err, "failed publishing SA database")
	}

	self.mu.Lock()
	self.dirty = false
	self.lastFlush = now
	self.mu.Unlock()

	return true, nil
}

func (self *Database) writeAtomic(doc Document) error {
	enc, err := json.MarshalIndent(doc, "", "  ")
	if nil != err {
		return wrapError(err, "failed marshaling SA database")
	}

	dir := filepath.Dir(self.path)
	tmp, err := os.CreateTemp(dir, ".sadb-*.tmp")
	if nil != err {
		return wrapError(err, "failed creating temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(enc); nil != err {
		tmp.Close()
		return wrapError(err, "failed writing temp file")
	}
	if err := tmp.Close(); nil != err {
		return wrapError(err, "failed closing temp file")
	}

	if err := os.Rename(tmpName, self.path); nil != err {
		return wrapError(err, "failed renaming temp file into place")
	}

	return nil
}

func spiKey(spi uint32) string {
	return itoa(spi)
}

func itoa(spi uint32) string {
	if 0 == spi {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for spi > 0 {
		i--
		buf[i] = byte('0' + spi%10)
		spi /= 10
	}
	return string(buf[i:])
}
