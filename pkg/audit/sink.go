// Package audit implements the rate-limited audit trail of the key manager:
// initiations, nonce exchanges, key completions, SA expiries and
// reconfig-induced resets are emitted as structured events.
package audit

import "context"

// Kind names one of the state transitions the Manager must audit.
type Kind string

const (
	KindInitiated      Kind = "negotiation_initiated"
	KindNonceExchanged Kind = "nonce_exchanged"
	KindKeyCompleted   Kind = "key_completed"
	KindSAExpired      Kind = "sa_expired"
	KindReconfigReset  Kind = "reconfig_reset"
)

// Event is one audited transition.
type Event struct {
	Kind   Kind
	Route  string
	Detail string
}

// Sink receives audit Events. Implementations must be safe for concurrent
// use even though the Manager itself is single-threaded, since the
// optional durable sink may flush asynchronously.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// Discard drops every event; used when no sink is configured.
type Discard struct{}

func (Discard) Record(context.Context, Event) {}

var _ Sink = Discard{}
