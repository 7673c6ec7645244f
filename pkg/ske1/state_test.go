package ske1

import (
	"bytes"
	"testing"
	"time"

	"code.vita-gw.org/keymgr/internal/clock"
)

func mustFSM(t *testing.T, psk []byte, ttl time.Duration, clk clock.Clock) *FSM {
	t.Helper()
	f, err := New("r", 1234, psk, ttl, NewCounterAllocator(), clk)
	if nil != err {
		t.Fatalf("failed constructing FSM: %v", err)
	}
	return f
}

var zeroPSK = bytes.Repeat([]byte{0x00}, PSKLen)

// scenario 1: happy path.
func TestHappyPath(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := mustFSM(t, zeroPSK, DefaultNegotiationTTL, clk)
	b := mustFSM(t, zeroPSK, DefaultNegotiationTTL, clk)

	nonceA, err := a.InitiateExchange()
	if nil != err {
		t.Fatalf("A.InitiateExchange: %v", err)
	}
	if WaitNonce != a.Status() {
		t.Fatalf("A status = %s, want wait_nonce", a.Status())
	}

	nonceB, err := b.ReceiveNonce(nonceA)
	if nil != err {
		t.Fatalf("B.ReceiveNonce: %v", err)
	}
	if Idle != b.Status() {
		t.Fatalf("B status = %s, want idle", b.Status())
	}

	out, err := a.ReceiveNonce(nonceB)
	if nil != err {
		t.Fatalf("A.ReceiveNonce: %v", err)
	}
	if nil != out {
		t.Fatalf("A.ReceiveNonce emitted %v, want nil", out)
	}
	if SendKey != a.Status() {
		t.Fatalf("A status = %s, want _send_key", a.Status())
	}

	keyA, err := a.ExchangeKey()
	if nil != err {
		t.Fatalf("A.ExchangeKey: %v", err)
	}
	if WaitKey != a.Status() {
		t.Fatalf("A status = %s, want wait_key", a.Status())
	}

	keyB, err := b.ReceiveKey(keyA)
	if nil != err {
		t.Fatalf("B.ReceiveKey: %v", err)
	}
	if Complete != b.Status() {
		t.Fatalf("B status = %s, want _complete", b.Status())
	}

	out, err = a.ReceiveKey(keyB)
	if nil != err {
		t.Fatalf("A.ReceiveKey: %v", err)
	}
	if nil != out {
		t.Fatalf("A.ReceiveKey emitted %v, want nil", out)
	}
	if Complete != a.Status() {
		t.Fatalf("A status = %s, want _complete", a.Status())
	}

	saA, err := a.DeriveEphemeralKeys()
	if nil != err {
		t.Fatalf("A.DeriveEphemeralKeys: %v", err)
	}
	saB, err := b.DeriveEphemeralKeys()
	if nil != err {
		t.Fatalf("B.DeriveEphemeralKeys: %v", err)
	}

	if Idle != a.Status() || Idle != b.Status() {
		t.Fatalf("expected both FSMs idle after derive, got %s / %s", a.Status(), b.Status())
	}

	if !bytes.Equal(saA.Rx.Key, saB.Tx.Key) || !bytes.Equal(saA.Rx.Salt, saB.Tx.Salt) {
		t.Fatalf("A.rx must match B.tx")
	}
	if !bytes.Equal(saA.Tx.Key, saB.Rx.Key) || !bytes.Equal(saA.Tx.Salt, saB.Rx.Salt) {
		t.Fatalf("A.tx must match B.rx")
	}
}

// scenario 2: wrong pre-shared key.
func TestWrongPSK(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := mustFSM(t, zeroPSK, DefaultNegotiationTTL, clk)
	wrongPSK := append([]byte{0x01}, zeroPSK[1:]...)
	b := mustFSM(t, wrongPSK, DefaultNegotiationTTL, clk)

	nonceA, err := a.InitiateExchange()
	if nil != err {
		t.Fatalf("A.InitiateExchange: %v", err)
	}
	nonceB, err := b.ReceiveNonce(nonceA)
	if nil != err {
		t.Fatalf("B.ReceiveNonce: %v", err)
	}
	if _, err := a.ReceiveNonce(nonceB); nil != err {
		t.Fatalf("A.ReceiveNonce: %v", err)
	}
	keyA, err := a.ExchangeKey()
	if nil != err {
		t.Fatalf("A.ExchangeKey: %v", err)
	}

	_, err = b.ReceiveKey(keyA)
	if !IsAuthentication(err) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if Idle != b.Status() {
		t.Fatalf("B status must be unaffected by a failed receive_key, got %s", b.Status())
	}
}

// scenario 3: expiry on wait_nonce.
func TestExpiryOnWaitNonce(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := mustFSM(t, zeroPSK, 2*time.Second, clk)

	if _, err := a.InitiateExchange(); nil != err {
		t.Fatalf("InitiateExchange: %v", err)
	}

	clk.Advance(2500 * time.Millisecond)
	err := a.ResetIfExpired(clk.Now())
	if !IsExpired(err) {
		t.Fatalf("expected expired error, got %v", err)
	}
	if Idle != a.Status() {
		t.Fatalf("status = %s, want idle", a.Status())
	}
}

func TestResetIfExpiredNoopBeforeDeadline(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := mustFSM(t, zeroPSK, 2*time.Second, clk)
	if _, err := a.InitiateExchange(); nil != err {
		t.Fatalf("InitiateExchange: %v", err)
	}

	clk.Advance(time.Second)
	if err := a.ResetIfExpired(clk.Now()); nil != err {
		t.Fatalf("expected no error before deadline, got %v", err)
	}
	if WaitNonce != a.Status() {
		t.Fatalf("status = %s, want wait_nonce", a.Status())
	}
}

// scenario 4: passive simultaneous start.
func TestPassiveSimultaneousStart(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := mustFSM(t, zeroPSK, DefaultNegotiationTTL, clk)
	b := mustFSM(t, zeroPSK, DefaultNegotiationTTL, clk)

	nonceA, err := a.InitiateExchange()
	if nil != err {
		t.Fatalf("A.InitiateExchange: %v", err)
	}
	nonceB, err := b.InitiateExchange()
	if nil != err {
		t.Fatalf("B.InitiateExchange: %v", err)
	}

	if _, err := a.ReceiveNonce(nonceB); nil != err {
		t.Fatalf("A.ReceiveNonce: %v", err)
	}
	if _, err := b.ReceiveNonce(nonceA); nil != err {
		t.Fatalf("B.ReceiveNonce: %v", err)
	}
	if SendKey != a.Status() || SendKey != b.Status() {
		t.Fatalf("expected both _send_key, got %s / %s", a.Status(), b.Status())
	}

	keyA, err := a.ExchangeKey()
	if nil != err {
		t.Fatalf("A.ExchangeKey: %v", err)
	}
	keyB, err := b.ExchangeKey()
	if nil != err {
		t.Fatalf("B.ExchangeKey: %v", err)
	}

	if _, err := a.ReceiveKey(keyB); nil != err {
		t.Fatalf("A.ReceiveKey: %v", err)
	}
	if _, err := b.ReceiveKey(keyA); nil != err {
		t.Fatalf("B.ReceiveKey: %v", err)
	}

	saA, err := a.DeriveEphemeralKeys()
	if nil != err {
		t.Fatalf("A.DeriveEphemeralKeys: %v", err)
	}
	saB, err := b.DeriveEphemeralKeys()
	if nil != err {
		t.Fatalf("B.DeriveEphemeralKeys: %v", err)
	}

	if !bytes.Equal(saA.Rx.Key, saB.Tx.Key) || !bytes.Equal(saA.Tx.Key, saB.Rx.Key) {
		t.Fatalf("mirror SAs do not match")
	}
}

// any (state, op) outside the transition table yields protocol without side
// effects.
func TestDisallowedOperationIsProtocolError(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := mustFSM(t, zeroPSK, DefaultNegotiationTTL, clk)

	_, err := a.ExchangeKey()
	if !IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if Idle != a.Status() {
		t.Fatalf("status must be unaffected, got %s", a.Status())
	}
}

// negotiation_ttl = 0 causes every initiated exchange to expire on the next
// tick.
func TestZeroTTLExpiresImmediately(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := mustFSM(t, zeroPSK, 0, clk)

	if _, err := a.InitiateExchange(); nil != err {
		t.Fatalf("InitiateExchange: %v", err)
	}

	err := a.ResetIfExpired(clk.Now())
	if !IsExpired(err) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

// a key message whose HMAC is corrupted in any single bit is rejected.
func TestCorruptedMACRejected(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := mustFSM(t, zeroPSK, DefaultNegotiationTTL, clk)
	b := mustFSM(t, zeroPSK, DefaultNegotiationTTL, clk)

	nonceA, _ := a.InitiateExchange()
	nonceB, _ := b.ReceiveNonce(nonceA)
	a.ReceiveNonce(nonceB)
	keyA, err := a.ExchangeKey()
	if nil != err {
		t.Fatalf("ExchangeKey: %v", err)
	}

	corrupted := append([]byte(nil), keyA...)
	corrupted[len(corrupted)-1] ^= 0x01

	_, err = b.ReceiveKey(corrupted)
	if !IsAuthentication(err) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

// derive_ephemeral_keys fails with parameter when scalar-mult produces the
// all-zero output, and the exchange is consumed rather than leaving the FSM
// stuck in a state nothing can exit.
func TestUnsafePeerPublicKeyIsParameterError(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := mustFSM(t, zeroPSK, DefaultNegotiationTTL, clk)
	b := mustFSM(t, zeroPSK, DefaultNegotiationTTL, clk)

	nonceA, _ := a.InitiateExchange()
	nonceB, _ := b.ReceiveNonce(nonceA)
	if _, err := a.ReceiveNonce(nonceB); nil != err {
		t.Fatalf("A.ReceiveNonce: %v", err)
	}
	if _, err := a.ExchangeKey(); nil != err {
		t.Fatalf("A.ExchangeKey: %v", err)
	}

	// Forge a correctly authenticated key message carrying the neutral
	// element as public key: scalar-mult with it yields the all-zero shared
	// secret.
	zeroPub := make([]byte, PublicKeyLen)
	mac, err := computeMAC(a.psk, a.routeSPI, a.nPeer, a.nSelf, 777, zeroPub)
	if nil != err {
		t.Fatalf("computeMAC: %v", err)
	}
	forged := make([]byte, 0, KeyMsgLen)
	forged = appendUint32(forged, 777)
	forged = append(forged, zeroPub...)
	forged = append(forged, mac...)

	if _, err := a.ReceiveKey(forged); nil != err {
		t.Fatalf("A.ReceiveKey: %v", err)
	}
	if Complete != a.Status() {
		t.Fatalf("A status = %s, want _complete", a.Status())
	}

	_, err = a.DeriveEphemeralKeys()
	if !IsParameter(err) {
		t.Fatalf("expected parameter error, got %v", err)
	}
	if Idle != a.Status() {
		t.Fatalf("status = %s after failed derive, want idle", a.Status())
	}
}

func TestDeriveEphemeralKeysOnlyOncePerExchange(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := mustFSM(t, zeroPSK, DefaultNegotiationTTL, clk)
	b := mustFSM(t, zeroPSK, DefaultNegotiationTTL, clk)

	nonceA, _ := a.InitiateExchange()
	nonceB, _ := b.ReceiveNonce(nonceA)
	a.ReceiveNonce(nonceB)
	keyA, _ := a.ExchangeKey()
	keyB, _ := b.ReceiveKey(keyA)
	a.ReceiveKey(keyB)

	if _, err := a.DeriveEphemeralKeys(); nil != err {
		t.Fatalf("first DeriveEphemeralKeys: %v", err)
	}
	if _, err := a.DeriveEphemeralKeys(); !IsProtocol(err) {
		t.Fatalf("second DeriveEphemeralKeys should fail with protocol error, got %v", err)
	}
}
