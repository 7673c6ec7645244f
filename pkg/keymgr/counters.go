package keymgr

import "sync/atomic"

// Counters is the process-local operator-observability surface. Every field
// is touched only from the Manager's own tick goroutine, so plain atomics are
// enough to let a metrics exporter read a Snapshot concurrently without
// locking the tick loop.
type Counters struct {
	RouteErrors          atomic.Uint64
	ProtocolErrors       atomic.Uint64
	AuthenticationErrors atomic.Uint64
	PublicKeyErrors      atomic.Uint64

	NegotiationsInitiated atomic.Uint64
	NegotiationsExpired   atomic.Uint64
	NoncesNegotiated      atomic.Uint64
	KeypairsNegotiated    atomic.Uint64
	KeypairsExpired       atomic.Uint64
}

// Snapshot is a point-in-time, non-atomic copy of Counters suitable for
// logging or encoding. RxErrors is derived at snapshot time as the sum of
// the four categorised inbound error counters.
type Snapshot struct {
	RxErrors             uint64 `json:"rxerrors"`
	RouteErrors          uint64 `json:"route_errors"`
	ProtocolErrors       uint64 `json:"protocol_errors"`
	AuthenticationErrors uint64 `json:"authentication_errors"`
	PublicKeyErrors      uint64 `json:"public_key_errors"`

	NegotiationsInitiated uint64 `json:"negotiations_initiated"`
	NegotiationsExpired   uint64 `json:"negotiations_expired"`
	NoncesNegotiated      uint64 `json:"nonces_negotiated"`
	KeypairsNegotiated    uint64 `json:"keypairs_negotiated"`
	KeypairsExpired       uint64 `json:"keypairs_expired"`
}

// Snapshot takes a consistent-enough point-in-time copy of c. Individual
// fields may be a tick old relative to each other since no global lock is
// held; that is acceptable for observability counters.
func (self *Counters) Snapshot() Snapshot {
	s := Snapshot{
		RouteErrors:          self.RouteErrors.Load(),
		ProtocolErrors:       self.ProtocolErrors.Load(),
		AuthenticationErrors: self.AuthenticationErrors.Load(),
		PublicKeyErrors:      self.PublicKeyErrors.Load(),

		NegotiationsInitiated: self.NegotiationsInitiated.Load(),
		NegotiationsExpired:   self.NegotiationsExpired.Load(),
		NoncesNegotiated:      self.NoncesNegotiated.Load(),
		KeypairsNegotiated:    self.KeypairsNegotiated.Load(),
		KeypairsExpired:       self.KeypairsExpired.Load(),
	}
	s.RxErrors = s.RouteErrors + s.ProtocolErrors + s.AuthenticationErrors + s.PublicKeyErrors
	return s
}
