package route

import (
	"bytes"

	"code.vita-gw.org/keymgr/internal/clock"
	"code.vita-gw.org/keymgr/pkg/ske1"
)

// Reconcile merges a freshly loaded route config list against the
// previously running set of routes, keyed by identifier:
//
//   - identifier present in both, psk and route-SPI unchanged: keep the
//     route (SAs, timers, FSM) intact, only refreshing Gateway/SATTL;
//   - identifier present in both, only negotiation_ttl differs: replace
//     just the FSM with a fresh one, preserving SAs and timers;
//   - identifier present in both, psk or route-SPI changed: tear down the
//     old route and build a new one from scratch;
//   - identifier only in the new config: build a new route;
//   - identifier only in the old set: torn down and dropped.
//
// The returned map is the new live route set.
func Reconcile(current map[string]*Route, configs []Config, proc ProcessConfig, alloc ske1.Allocator, clk clock.Clock) (map[string]*Route, error) {
	next := make(map[string]*Route, len(configs))

	for _, cfg := range configs {
		if err := cfg.Validate(); nil != err {
			return nil, err
		}

		prior, found := current[cfg.ID]
		if !found {
			r, err := New(cfg, proc, alloc, clk)
			if nil != err {
				return nil, err
			}
			next[cfg.ID] = r
			continue
		}

		if !bytes.Equal(prior.PSK, cfg.PSK) || prior.SPI != cfg.SPI {
			r, err := New(cfg, proc, alloc, clk)
			if nil != err {
				return nil, err
			}
			next[cfg.ID] = r
			continue
		}

		if prior.NegotiationTTL != proc.NegotiationTTL {
			fsm, err := ske1.New(cfg.ID, cfg.SPI, cfg.PSK, proc.NegotiationTTL, alloc, clk)
			if nil != err {
				return nil, wrapError(err, "route %q: failed resetting FSM on negotiation_ttl change", cfg.ID)
			}
			prior.FSM = fsm
			prior.NegotiationTTL = proc.NegotiationTTL
		}

		prior.Gateway = cfg.Gateway
		prior.SATTL = proc.SATTL
		next[cfg.ID] = prior
	}

	return next, nil
}
