package sadb

import (
	"code.vita-gw.org/keymgr/internal/utils"
	"code.vita-gw.org/keymgr/pkg/ske1"
)

// Entry is the published, hex-wire-shaped form of an ske1.SA: the document
// schema encodes Key/Salt as hex strings rather than raw bytes.
type Entry struct {
	Route string          `json:"route"`
	SPI   uint32          `json:"spi"`
	AEAD  string          `json:"aead"`
	Key   utils.HexBinary `json:"key"`
	Salt  utils.HexBinary `json:"salt"`
}

// NewEntry converts an ske1.SA into its published Entry form.
func NewEntry(sa ske1.SA) Entry {
	return Entry{
		Route: sa.Route,
		SPI:   sa.SPI,
		AEAD:  sa.AEAD,
		Key:   utils.HexBinary(append([]byte(nil), sa.Key...)),
		Salt:  utils.HexBinary(append([]byte(nil), sa.Salt...)),
	}
}

// Document is the structure atomically (re)written to the SA database file.
type Document struct {
	OutboundSA map[string]Entry `json:"outbound_sa"`
	InboundSA  map[string]Entry `json:"inbound_sa"`
}
