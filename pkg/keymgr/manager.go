// Package keymgr implements the per-process key manager: it owns one
// protocol FSM per configured route, drives time-based transitions, applies
// configuration deltas without disturbing unaffected routes, and maintains
// and publishes the SA database through a per-tick, non-blocking,
// multi-route scheduler.
package keymgr

import (
	"bytes"
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"io"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"code.vita-gw.org/keymgr/internal/clock"
	"code.vita-gw.org/keymgr/internal/transport"
	"code.vita-gw.org/keymgr/pkg/audit"
	"code.vita-gw.org/keymgr/pkg/route"
	"code.vita-gw.org/keymgr/pkg/sadb"
	"code.vita-gw.org/keymgr/pkg/ske1"
)

// jitterMax is the upper bound on the anti-synchronisation jitter added to
// negotiation and rekey deadlines, so a fleet of gateways restarted together
// does not retry or rekey in lockstep.
const jitterMax = 250 * time.Millisecond

// Outbound is a transport-framed vita-ske1 datagram the Manager wants sent
// to a route's peer. Wrapping it in an outer IPv4 header and writing it to
// the wire is the host run-loop's job, not the Manager's.
type Outbound struct {
	Route    string
	Gateway  net.IP
	Datagram []byte
}

// Manager is the per-process key management controller. It is not safe for
// concurrent use except for the read-only Counters/Snapshot surface: it is
// driven single-threaded, cooperatively, by a host run-loop.
type Manager struct {
	mu sync.Mutex // guards routes/proc/lastDigest against Route/RouteIDs callers

	proc   route.ProcessConfig
	routes map[string]*route.Route

	db    *sadb.Database
	alloc ske1.Allocator
	clock clock.Clock
	rand  io.Reader
	audit audit.Sink

	lastDigest []byte

	Counters Counters
}

// New returns a Manager with no routes configured. Call Reconfigure to load
// an initial route set before the first Tick.
func New(proc route.ProcessConfig, db *sadb.Database, alloc ske1.Allocator, clk clock.Clock, rnd io.Reader, snk audit.Sink) *Manager {
	if nil == clk {
		clk = clock.Real{}
	}
	if nil == rnd {
		rnd = cryptorand.Reader
	}
	if nil == snk {
		snk = audit.Discard{}
	}
	return &Manager{
		proc:   proc.WithDefaults(),
		routes: make(map[string]*route.Route),
		db:     db,
		alloc:  alloc,
		clock:  clk,
		rand:   rnd,
		audit:  snk,
	}
}

// Route returns the live route with the given id, if any, for inspection by
// callers (e.g. an operator CLI or test harness). The returned pointer must
// not be mutated.
func (self *Manager) Route(id string) (*route.Route, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	r, ok := self.routes[id]
	return r, ok
}

// RouteIDs returns the sorted identifiers of every currently configured
// route.
func (self *Manager) RouteIDs() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	ids := make([]string, 0, len(self.routes))
	for id := range self.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reconfigure reconciles the Manager's live route set against doc. Reloading
// a configuration whose canonical CBOR digest is unchanged from the last
// successfully applied one is a strict no-op: routes, SAs and timers are
// left bit-for-bit as they were.
func (self *Manager) Reconfigure(ctx context.Context, doc route.Document) error {
	digest, err := sadb.ConfigDigest(doc)
	if nil != err {
		return wrapError(err, "failed digesting configuration")
	}

	self.mu.Lock()
	defer self.mu.Unlock()

	if nil != self.lastDigest && bytes.Equal(digest, self.lastDigest) {
		return nil
	}

	proc := doc.ProcessConfig.WithDefaults()

	// Reconcile mutates kept routes in place (a negotiation_ttl change swaps
	// the FSM on the existing Route), so the prior FSM pointers must be
	// captured before it runs to tell "kept intact" from "kept, FSM reset".
	priorFSMs := make(map[string]*ske1.FSM, len(self.routes))
	for id, r := range self.routes {
		priorFSMs[id] = r.FSM
	}

	next, err := route.Reconcile(self.routes, doc.Routes, proc, self.alloc, self.clock)
	if nil != err {
		return wrapError(err, "failed reconciling route configuration")
	}

	for id := range self.routes {
		if _, kept := next[id]; !kept {
			self.db.RemoveRoute(id)
			self.record(ctx, audit.KindReconfigReset, id, "route removed on reconfigure")
		}
	}
	for id, nr := range next {
		pr, existed := self.routes[id]
		if !existed {
			continue
		}
		switch {
		case pr != nr:
			// psk or route-SPI changed: New built an entirely fresh Route,
			// so any SAs the old one held are now orphaned in the database.
			self.db.RemoveRoute(id)
			self.record(ctx, audit.KindReconfigReset, id, "route identity changed, SAs torn down")
		case priorFSMs[id] != nr.FSM:
			self.record(ctx, audit.KindReconfigReset, id, "negotiation_ttl changed, FSM reset")
		}
	}

	self.routes = next
	self.proc = proc
	self.lastDigest = digest
	self.db.MarkDirty()

	return nil
}

// Tick runs one pass of the per-route control loop and returns any datagrams
// the Manager wants sent. Within a tick, inbound handling strictly precedes
// per-route timer processing, which precedes negotiation initiation, which
// precedes the SA database commit: a nonce received in the same tick its
// deadline expires is still processed under the old FSM state. A non-nil
// error is either a fatal ephemeral SPI collision (IsFatal reports true; the
// caller must abort the process, never retry the tick) or a failure to
// publish the SA database file.
func (self *Manager) Tick(ctx context.Context, inbound [][]byte) ([]Outbound, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	var out []Outbound
	now := self.clock.Now()

	// Step 1: drain inbound datagrams strictly before any timer processing.
	for _, dgram := range inbound {
		reply, err := self.handleInboundLocked(ctx, dgram)
		if nil != err {
			if IsFatal(err) {
				return out, err
			}
			continue
		}
		if nil != reply {
			out = append(out, *reply)
		}
	}

	ids := make([]string, 0, len(self.routes))
	for id := range self.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := self.routes[id]

		// Step 2: expire stuck negotiations and arm the retry delay.
		if err := r.FSM.ResetIfExpired(now); nil != err && ske1.IsExpired(err) {
			self.Counters.NegotiationsExpired.Add(1)
			r.NegotiationDelay = now.Add(self.proc.NegotiationTTL).Add(self.jitter(jitterMax))
		}

		// Step 3: tear down an SA pair whose lifetime has elapsed.
		if r.Status > route.Expired && !r.SATimeout.IsZero() && !now.Before(r.SATimeout) {
			r.TearDownSAs()
			self.db.RemoveRoute(id)
			self.Counters.KeypairsExpired.Add(1)
			self.record(ctx, audit.KindSAExpired, id, "sa_timeout elapsed")
		}

		// Step 4: retire the superseded inbound SA once its cutover window
		// closes, independently of the current SA's own timeout.
		if !r.PrevSATimeout.IsZero() && !now.Before(r.PrevSATimeout) {
			if nil != r.PrevRxSA {
				self.db.RemoveInbound(id, r.PrevRxSA.SPI)
			}
			r.ClearPrevRxSA()
		}

		// Step 5: downgrade a healthy route to Rekey so step 6 can initiate
		// a replacement exchange.
		if r.Status > route.Rekey && !r.RekeyTimeout.IsZero() && !now.Before(r.RekeyTimeout) {
			r.Status = route.Rekey
		}

		// Step 6: initiate a (re)negotiation once eligible. The delay stays
		// armed once elapsed: a route downgraded to Rekey by step 5 must be
		// able to initiate without waiting for an FSM expiry to re-arm it.
		// While an exchange is already in flight the initiate call fails
		// with protocol and is deliberately not counted; the FSM's own
		// deadline bounds the in-flight attempt.
		if r.Status < route.Ready && !r.NegotiationDelay.IsZero() && !now.Before(r.NegotiationDelay) {
			if nonce, err := r.FSM.InitiateExchange(); nil == err {
				self.Counters.NegotiationsInitiated.Add(1)
				self.record(ctx, audit.KindInitiated, id, "negotiation initiated")
				if dgram, derr := transport.EncodeDatagram(r.SPI, transport.MsgNonce, nonce); nil == derr {
					out = append(out, Outbound{Route: id, Gateway: r.Gateway, Datagram: dgram})
				}
			}
		}

		// Step 7: promote a queued successor outbound SA. Only the active
		// tx_sa is published: the successor enters the database exactly when
		// it starts being used to encrypt.
		oldTx := r.TxSA
		if r.PromoteNextTxSA(now) {
			if nil != oldTx {
				self.db.RemoveOutbound(oldTx.SPI)
			}
			self.db.PutOutbound(sadb.NewEntry(*r.TxSA))
		}
	}

	// Step 8: throttled atomic publish.
	if _, err := self.db.PublishIfDue(); nil != err {
		return out, wrapError(err, "failed publishing SA database")
	}

	return out, nil
}

// handleInboundLocked validates, dispatches and answers a single inbound
// datagram. self.mu is already held by the caller.
func (self *Manager) handleInboundLocked(ctx context.Context, dgram []byte) (*Outbound, error) {
	spi, msgType, body, err := transport.DecodeDatagram(dgram)
	if nil != err {
		self.Counters.ProtocolErrors.Add(1)
		return nil, nil
	}

	r := self.findRouteBySPILocked(spi)
	if nil == r {
		self.Counters.RouteErrors.Add(1)
		return nil, nil
	}

	switch msgType {
	case transport.MsgNonce:
		reply, err := r.FSM.ReceiveNonce(body)
		if nil != err {
			self.countFSMError(err)
			return nil, nil
		}
		self.Counters.NoncesNegotiated.Add(1)
		self.record(ctx, audit.KindNonceExchanged, r.ID, "nonce processed")

		// The active path (wait_nonce -> _send_key) emits no message of its
		// own; _send_key exists only so exchange_key can run exactly once,
		// and the Manager drives it immediately rather than waiting for a
		// later tick.
		if ske1.SendKey == r.FSM.Status() {
			keyMsg, err := r.FSM.ExchangeKey()
			if nil != err {
				self.countFSMError(err)
				return nil, nil
			}
			keyDgram, derr := transport.EncodeDatagram(r.SPI, transport.MsgKey, keyMsg)
			if nil != derr {
				return nil, nil
			}
			return &Outbound{Route: r.ID, Gateway: r.Gateway, Datagram: keyDgram}, nil
		}

		if nil == reply {
			return nil, nil
		}
		out, derr := transport.EncodeDatagram(r.SPI, transport.MsgNonce, reply)
		if nil != derr {
			return nil, nil
		}
		return &Outbound{Route: r.ID, Gateway: r.Gateway, Datagram: out}, nil

	case transport.MsgKey:
		reply, err := r.FSM.ReceiveKey(body)
		if nil != err {
			self.countFSMError(err)
			return nil, nil
		}

		var out *Outbound
		if nil != reply {
			dgram, derr := transport.EncodeDatagram(r.SPI, transport.MsgKey, reply)
			if nil == derr {
				out = &Outbound{Route: r.ID, Gateway: r.Gateway, Datagram: dgram}
			}
		}

		// Entering Complete never arms a new deadline; the Manager derives
		// the ephemeral keys in the same tick.
		if ske1.Complete == r.FSM.Status() {
			if err := self.installKeysLocked(ctx, r); nil != err {
				return out, err
			}
		}

		return out, nil

	default:
		self.Counters.ProtocolErrors.Add(1)
		return nil, nil
	}
}

// installKeysLocked derives and installs a freshly negotiated SA pair,
// enforcing process-wide inbound SPI uniqueness before anything is mutated.
func (self *Manager) installKeysLocked(ctx context.Context, r *route.Route) error {
	pair, err := r.FSM.DeriveEphemeralKeys()
	if nil != err {
		// The exchange is consumed and the FSM back to idle; the still
		// elapsed negotiation delay lets the route re-initiate next tick.
		self.countFSMError(err)
		return nil
	}

	for _, other := range self.routes {
		if nil != other.RxSA && other.RxSA.SPI == pair.Rx.SPI {
			return newFlagError(ErrFatal, "ephemeral SPI %d collides with route %q's current inbound SA", pair.Rx.SPI, other.ID)
		}
		if nil != other.PrevRxSA && other.PrevRxSA.SPI == pair.Rx.SPI {
			return newFlagError(ErrFatal, "ephemeral SPI %d collides with route %q's previous inbound SA", pair.Rx.SPI, other.ID)
		}
	}

	if err := self.db.PutInbound(sadb.NewEntry(pair.Rx)); nil != err {
		return newFlagError(ErrFatal, "%v", err)
	}

	if nil != r.PrevRxSA {
		self.db.RemoveInbound(r.ID, r.PrevRxSA.SPI)
	}

	oldTx := r.TxSA
	if r.InstallKeys(pair.Rx, pair.Tx, self.clock.Now(), self.jitter) {
		// tx adopted immediately; a queued-but-never-activated successor was
		// never published, so only the superseded current entry needs
		// removing.
		if nil != oldTx {
			self.db.RemoveOutbound(oldTx.SPI)
		}
		self.db.PutOutbound(sadb.NewEntry(pair.Tx))
	}

	self.Counters.KeypairsNegotiated.Add(1)
	self.record(ctx, audit.KindKeyCompleted, r.ID, "key exchange completed")

	return nil
}

func (self *Manager) findRouteBySPILocked(spi uint32) *route.Route {
	for _, r := range self.routes {
		if r.SPI == spi {
			return r
		}
	}
	return nil
}

// countFSMError maps an ske1 error to its counter. ErrExpired is handled by
// the step-2 ResetIfExpired call, never here.
func (self *Manager) countFSMError(err error) {
	switch {
	case ske1.IsAuthentication(err):
		self.Counters.AuthenticationErrors.Add(1)
	case ske1.IsParameter(err):
		self.Counters.PublicKeyErrors.Add(1)
	case ske1.IsProtocol(err):
		self.Counters.ProtocolErrors.Add(1)
	default:
		self.Counters.ProtocolErrors.Add(1)
	}
}

func (self *Manager) record(ctx context.Context, kind audit.Kind, routeID string, detail string) {
	self.audit.Record(ctx, audit.Event{Kind: kind, Route: routeID, Detail: detail})
}

// jitter returns a uniformly distributed duration in [0, max), the
// anti-synchronisation term added to negotiation/rekey timers.
func (self *Manager) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := io.ReadFull(self.rand, buf[:]); nil != err {
		return 0
	}
	n := binary.BigEndian.Uint64(buf[:])
	frac := float64(n) / float64(math.MaxUint64)
	return time.Duration(frac * float64(max))
}
