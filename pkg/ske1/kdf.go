package ske1

import (
	"golang.org/x/crypto/blake2b"
)

// kdfOutLen is the BLAKE2b digest length the protocol derives: 16 bytes of
// AEAD key followed by 4 bytes of salt.
const kdfOutLen = SAKeyLen + SASaltLen

// deriveKDF computes BLAKE2b-20(q || a || b) and splits the output into
// {key[16], salt[4]}: callers swap a and b to get the mirror-image SA on the
// other side of the exchange.
func deriveKDF(q, a, b []byte) (key, salt []byte, err error) {
	h, err := blake2b.New(kdfOutLen, nil)
	if nil != err {
		return nil, nil, wrapError(err, "failed constructing BLAKE2b-%d", kdfOutLen)
	}

	for _, chunk := range [][]byte{q, a, b} {
		if _, err := h.Write(chunk); nil != err {
			return nil, nil, wrapError(err, "failed hashing KDF input")
		}
	}

	sum := h.Sum(nil)
	key = sum[:SAKeyLen]
	salt = sum[SAKeyLen:]
	return key, salt, nil
}
