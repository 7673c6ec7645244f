package sadb

import (
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// ConfigDigest returns the BLAKE2b-256 digest of v's canonical CBOR
// encoding. The Key Manager uses this to cheaply detect "reloading an
// identical configuration" without deep-comparing every route on every
// reconfigure.
func ConfigDigest(v any) ([]byte, error) {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if nil != err {
		return nil, wrapError(err, "failed building canonical cbor EncMode")
	}

	enc, err := mode.Marshal(v)
	if nil != err {
		return nil, wrapError(err, "failed cbor-encoding config")
	}

	sum := blake2b.Sum256(enc)
	return sum[:], nil
}
