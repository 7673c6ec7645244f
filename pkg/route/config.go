package route

import (
	"encoding/json"
	"net"
	"time"

	"code.vita-gw.org/keymgr/internal/utils"
	"code.vita-gw.org/keymgr/pkg/ske1"
)

// DefaultSATTL is the default lifetime of a derived SA pair before it must
// be rekeyed.
const DefaultSATTL = 600 * time.Second

// Config is one route entry as read from the process's input configuration
// document: {id, gateway IPv4, 64-hex-char pre-shared key, route SPI}.
type Config struct {
	ID      string          `json:"id"`
	Gateway net.IP          `json:"gateway"`
	PSK     utils.HexBinary `json:"psk"`
	SPI     uint32          `json:"spi"`
}

// Validate checks the per-route fields the Manager depends on: a non-empty
// identifier, a resolvable IPv4 gateway and a full-length pre-shared key.
func (self Config) Validate() error {
	if "" == self.ID {
		return newFlagError(ErrConfig, "route is missing an id")
	}
	if nil == self.Gateway || nil == self.Gateway.To4() {
		return newFlagError(ErrConfig, "route %q: gateway is not a valid IPv4 address", self.ID)
	}
	if ske1.PSKLen != len(self.PSK) {
		return newFlagError(ErrConfig, "route %q: pre-shared key must be %d bytes, got %d", self.ID, ske1.PSKLen, len(self.PSK))
	}
	return nil
}

// ProcessConfig holds the process-wide settings shared by every route:
// negotiation/SA lifetimes, this node's own IPv4 address, and where the SA
// database is published.
type ProcessConfig struct {
	NegotiationTTL time.Duration
	SATTL          time.Duration
	NodeIP         net.IP
	SADBPath       string
}

// Document is the full input configuration: process-wide settings plus the
// route list.
type Document struct {
	ProcessConfig
	Routes []Config
}

// UnmarshalJSON decodes the on-disk configuration document. negotiation_ttl
// and sa_ttl are given in seconds (fractions allowed), matching how the
// lifetimes are specified rather than as Go duration nanoseconds.
func (self *Document) UnmarshalJSON(b []byte) error {
	var raw struct {
		NegotiationTTL float64  `json:"negotiation_ttl"`
		SATTL          float64  `json:"sa_ttl"`
		NodeIP         net.IP   `json:"node_ip"`
		SADBPath       string   `json:"sadb_path"`
		Routes         []Config `json:"routes"`
	}
	if err := json.Unmarshal(b, &raw); nil != err {
		return wrapError(err, "failed decoding configuration document")
	}
	if raw.NegotiationTTL < 0 || raw.SATTL < 0 {
		return newFlagError(ErrConfig, "negotiation_ttl and sa_ttl must not be negative")
	}

	self.NegotiationTTL = time.Duration(raw.NegotiationTTL * float64(time.Second))
	self.SATTL = time.Duration(raw.SATTL * float64(time.Second))
	self.NodeIP = raw.NodeIP
	self.SADBPath = raw.SADBPath
	self.Routes = raw.Routes
	return nil
}

// WithDefaults fills unset durations with their defaults.
func (self ProcessConfig) WithDefaults() ProcessConfig {
	if 0 == self.NegotiationTTL {
		self.NegotiationTTL = ske1.DefaultNegotiationTTL
	}
	if 0 == self.SATTL {
		self.SATTL = DefaultSATTL
	}
	return self
}
