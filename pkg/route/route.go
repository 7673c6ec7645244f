// Package route implements the long-lived Route: its SA slots, lifecycle
// timers and the configuration-reload reconciliation algorithm.
package route

import (
	"net"
	"time"

	"code.vita-gw.org/keymgr/internal/clock"
	"code.vita-gw.org/keymgr/pkg/ske1"
)

// Status is a route's lifecycle state. The ordering is significant: the
// Manager's tick logic compares statuses ("route.status > expired",
// "route.status > rekey", "route.status < ready").
type Status int

const (
	Expired Status = iota
	Rekey
	Ready
)

func (self Status) String() string {
	switch self {
	case Expired:
		return "expired"
	case Rekey:
		return "rekey"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Route is the long-lived unit of configuration: a peer gateway, the
// pre-shared key and route SPI shared with it, its protocol FSM, and the
// four SA slots / four timers that track its lifecycle.
type Route struct {
	ID      string
	Gateway net.IP
	PSK     []byte
	SPI     uint32

	NegotiationTTL time.Duration
	SATTL          time.Duration

	FSM *ske1.FSM

	Status Status

	RxSA     *ske1.SA
	PrevRxSA *ske1.SA
	TxSA     *ske1.SA
	NextTxSA *ske1.SA

	// Deadlines are absolute; a zero time.Time means "not armed".
	NegotiationDelay        time.Time
	SATimeout               time.Time
	PrevSATimeout           time.Time
	RekeyTimeout            time.Time
	NextTxSAActivationDelay time.Time
}

// New builds a Route from a validated Config and process-wide settings,
// constructing a fresh Protocol FSM.
func New(cfg Config, proc ProcessConfig, alloc ske1.Allocator, clk clock.Clock) (*Route, error) {
	if err := cfg.Validate(); nil != err {
		return nil, err
	}
	if nil == clk {
		clk = clock.Real{}
	}

	fsm, err := ske1.New(cfg.ID, cfg.SPI, cfg.PSK, proc.NegotiationTTL, alloc, clk)
	if nil != err {
		return nil, wrapError(err, "route %q: failed constructing FSM", cfg.ID)
	}

	return &Route{
		ID:             cfg.ID,
		Gateway:        cfg.Gateway,
		PSK:            append([]byte(nil), cfg.PSK...),
		SPI:            cfg.SPI,
		NegotiationTTL: proc.NegotiationTTL,
		SATTL:          proc.SATTL,
		FSM:            fsm,
		Status:         Expired,
		// A freshly created route is immediately eligible to initiate: the
		// Manager's tick step 6 only gates on NegotiationDelay having
		// elapsed, so arming it to "now" rather than leaving it zero lets a
		// new or just-reconfigured route start negotiating on its very
		// first tick instead of waiting for an FSM expiry to arm it.
		NegotiationDelay: clk.Now(),
	}, nil
}

// TearDownSAs clears all four SA slots and their timers, leaving the route
// Expired. Used on sa_timeout expiry and on route removal.
func (self *Route) TearDownSAs() {
	self.RxSA = nil
	self.PrevRxSA = nil
	self.TxSA = nil
	self.NextTxSA = nil
	self.SATimeout = time.Time{}
	self.PrevSATimeout = time.Time{}
	self.RekeyTimeout = time.Time{}
	self.NextTxSAActivationDelay = time.Time{}
	self.Status = Expired
}

// InstallKeys applies a freshly derived (rx, tx) SA pair: the old inbound SA
// is demoted to PrevRxSA so in-flight ciphertext can still drain, and the new
// outbound SA is either adopted immediately or queued behind an activation
// delay that gives the peer time to install its matching inbound SA. now is
// used to arm the new deadlines; jitter(d) must return a duration in [0, d)
// and is supplied by
// the caller so timer jitter stays out of this package's direct control
// (the Manager owns the PRNG). It reports whether tx was adopted as the
// current outbound SA immediately, so the caller knows whether the
// published database needs updating now or only at promotion time.
func (self *Route) InstallKeys(rx, tx ske1.SA, now time.Time, jitter func(time.Duration) time.Duration) (adopted bool) {
	self.PrevRxSA = self.RxSA
	self.PrevSATimeout = self.SATimeout
	rxCopy := rx
	self.RxSA = &rxCopy

	txCopy := tx
	if nil == self.TxSA || nil != self.NextTxSA {
		self.TxSA = &txCopy
		self.NextTxSA = nil
		self.NextTxSAActivationDelay = time.Time{}
		adopted = true
	} else {
		self.NextTxSA = &txCopy
		self.NextTxSAActivationDelay = now.Add(3 * self.NegotiationTTL / 2)
	}

	self.Status = Ready
	self.SATimeout = now.Add(self.SATTL)
	self.RekeyTimeout = now.Add(self.SATTL/2 + jitter(250*time.Millisecond))

	return adopted
}

// PromoteNextTxSA activates a queued successor outbound SA, if its
// activation delay has elapsed. It reports whether a promotion happened.
func (self *Route) PromoteNextTxSA(now time.Time) bool {
	if nil == self.NextTxSA || self.NextTxSAActivationDelay.IsZero() {
		return false
	}
	if now.Before(self.NextTxSAActivationDelay) {
		return false
	}
	self.TxSA = self.NextTxSA
	self.NextTxSA = nil
	self.NextTxSAActivationDelay = time.Time{}
	return true
}

// ClearPrevRxSA drops the superseded inbound SA once its cutover window has
// closed.
func (self *Route) ClearPrevRxSA() {
	self.PrevRxSA = nil
	self.PrevSATimeout = time.Time{}
}
