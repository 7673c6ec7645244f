package ske1

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/binary"

	"code.vita-gw.org/keymgr/internal/algos"
)

// computeMAC returns HMAC_k( r || nFirst || nSecond || spi || pub ), the
// shared construction underlying both the outgoing key-message MAC and the
// verification MAC for an incoming one: the two differ only in nonce order
// and in whose spi/pub is used.
func computeMAC(psk []byte, routeSPI uint32, nFirst, nSecond []byte, spi uint32, pub []byte) ([]byte, error) {
	hash, err := algos.GetHash(hmacHash)
	if nil != err {
		return nil, wrapError(err, "failed loading hash %s", hmacHash)
	}

	mac := hmac.New(hash.New, psk)

	var rbuf, spibuf [4]byte
	binary.BigEndian.PutUint32(rbuf[:], routeSPI)
	binary.BigEndian.PutUint32(spibuf[:], spi)

	for _, chunk := range [][]byte{rbuf[:], nFirst, nSecond, spibuf[:], pub} {
		if _, err := mac.Write(chunk); nil != err {
			return nil, wrapError(err, "failed writing MAC input")
		}
	}

	return mac.Sum(nil), nil
}

// outgoingMAC computes the MAC a party attaches to its own key message:
// HMAC_k( r || n_self || n_peer || spi_self || pub_self ).
func outgoingMAC(psk []byte, routeSPI uint32, nSelf, nPeer []byte, spiSelf uint32, pubSelf []byte) ([]byte, error) {
	return computeMAC(psk, routeSPI, nSelf, nPeer, spiSelf, pubSelf)
}

// verifyMAC recomputes the MAC an incoming key message should carry:
// HMAC_k( r || n_peer || n_self || spi_recv || pub_recv ), using the nonce
// order swapped relative to outgoingMAC and the SPI/public key taken from the
// received message rather than the verifier's own.
func verifyMAC(psk []byte, routeSPI uint32, nPeer, nSelf []byte, spiRecv uint32, pubRecv, mac []byte) (bool, error) {
	want, err := computeMAC(psk, routeSPI, nPeer, nSelf, spiRecv, pubRecv)
	if nil != err {
		return false, err
	}
	return 1 == subtle.ConstantTimeCompare(want, mac), nil
}
