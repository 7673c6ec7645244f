package ske1

import "time"

const (
	// PSKLen is the pre-shared key length in bytes.
	PSKLen = 32

	// NonceLen is the nonce message length in bytes.
	NonceLen = 32

	// PublicKeyLen is the X25519 public key length in bytes.
	PublicKeyLen = 32

	// MACLen is the HMAC-SHA-512/256 output length in bytes.
	MACLen = 32

	// KeyMsgLen is the length in bytes of a key message: spi[4] || pub[32] || hmac[32].
	KeyMsgLen = 4 + PublicKeyLen + MACLen

	// SAKeyLen and SASaltLen are the sizes of the derived SA key material, split
	// out of the 20-byte BLAKE2b KDF output.
	SAKeyLen  = 16
	SASaltLen = 4

	// AEAD is the fixed AEAD identifier carried on every derived SA.
	AEAD = "aes-gcm-16-icv"

	curveName = "X25519"
	hmacHash  = "SHA512/256"
)

// MsgType identifies the two wire message kinds a Transport datagram may carry.
type MsgType byte

const (
	MsgNonce MsgType = 1
	MsgKey   MsgType = 3
)

// DefaultNegotiationTTL bounds how long any single in-flight exchange may
// remain incomplete before ResetIfExpired resets it.
const DefaultNegotiationTTL = 5 * time.Second
