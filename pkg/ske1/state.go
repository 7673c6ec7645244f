package ske1

import (
	"crypto/ecdh"
	"crypto/rand"
	"io"
	"time"

	"code.vita-gw.org/keymgr/internal/algos"
	"code.vita-gw.org/keymgr/internal/clock"
	"code.vita-gw.org/keymgr/internal/fsm"
)

// Status is the FSM's externally visible state. WaitNonce, SendKey and
// WaitKey carry a negotiation deadline; SendKey and Complete exist solely so
// the "exactly once" contracts on exchange_key and derive_ephemeral_keys are
// enforced by the transition table rather than by convention.
type Status int

const (
	Idle Status = iota
	WaitNonce
	SendKey
	WaitKey
	Complete
)

func (self Status) String() string {
	switch self {
	case Idle:
		return "idle"
	case WaitNonce:
		return "wait_nonce"
	case SendKey:
		return "_send_key"
	case WaitKey:
		return "wait_key"
	case Complete:
		return "_complete"
	default:
		return "unknown"
	}
}

// FSM is a per-route vita-ske1 protocol state machine. A peer sending
// unauthenticated nonce messages can only ever drive the idle passive-reply
// path, which costs a buffer copy and a random draw and leaves the status
// at Idle (it only records the nonce pair).
type FSM struct {
	route    string
	routeSPI uint32
	psk      []byte

	negotiationTTL time.Duration
	alloc          Allocator
	clock          clock.Clock
	rand           io.Reader
	curve          algos.Curve

	status   Status
	deadline time.Time // zero value means "no deadline"

	nSelf, nPeer   []byte
	secret         *ecdh.PrivateKey
	pubSelf        []byte
	pubPeer        []byte
	spiSelf        uint32
	spiPeer        uint32
}

// New returns an idle FSM for route, keyed on psk and routeSPI. New rejects
// only negative TTLs: a TTL of exactly zero is accepted and forces every
// initiated exchange to expire on the next ResetIfExpired poll.
func New(route string, routeSPI uint32, psk []byte, negotiationTTL time.Duration, alloc Allocator, clk clock.Clock) (*FSM, error) {
	if PSKLen != len(psk) {
		return nil, newError("psk must be %d bytes, got %d", PSKLen, len(psk))
	}
	if negotiationTTL < 0 {
		return nil, newError("negotiationTTL must be >= 0")
	}
	if nil == alloc {
		return nil, newError("allocator is required")
	}
	if nil == clk {
		clk = clock.Real{}
	}
	curve, err := algos.GetCurve(curveName)
	if nil != err {
		return nil, wrapError(err, "failed loading curve %s", curveName)
	}

	return &FSM{
		route:          route,
		routeSPI:       routeSPI,
		psk:            append([]byte(nil), psk...),
		negotiationTTL: negotiationTTL,
		alloc:          alloc,
		clock:          clk,
		rand:           rand.Reader,
		curve:          curve,
		status:         Idle,
	}, nil
}

// State implements fsm.StateM.
func (self *FSM) State() Status { return self.status }

// SetState implements fsm.StateM.
func (self *FSM) SetState(s Status) { self.status = s }

var _ fsm.StateM[Status] = &FSM{}

// Status returns the FSM's current status.
func (self *FSM) Status() Status { return self.status }

const (
	tagInitiateExchange = "initiate_exchange"
	tagReceiveNonce     = "receive_nonce"
	tagExchangeKey      = "exchange_key"
	tagReceiveKey       = "receive_key"
)

func (self *FSM) reset() {
	self.deadline = time.Time{}
	self.nSelf = nil
	self.nPeer = nil
	self.secret = nil
	self.pubSelf = nil
	self.pubPeer = nil
	self.spiSelf = 0
	self.spiPeer = 0
}

func (self *FSM) armDeadline() {
	self.deadline = self.clock.Now().Add(self.negotiationTTL)
}

func (self *FSM) transitions() []fsm.Transition[Status, *FSM] {
	return []fsm.Transition[Status, *FSM]{
		Idle: {
			Allow: []string{tagInitiateExchange, tagReceiveNonce, tagReceiveKey},
			Call:  (*FSM).callFromIdle,
			Exit:  []Status{Idle, WaitNonce, Complete},
		},
		WaitNonce: {
			Allow: []string{tagReceiveNonce},
			Call:  (*FSM).callReceiveNonceInWaitNonce,
			Exit:  []Status{SendKey},
		},
		SendKey: {
			Allow: []string{tagExchangeKey},
			Call:  (*FSM).callExchangeKey,
			Exit:  []Status{WaitKey},
		},
		WaitKey: {
			Allow: []string{tagReceiveKey},
			Call:  (*FSM).callReceiveKeyInWaitKey,
			Exit:  []Status{Complete},
		},
		Complete: {
			Allow: nil,
			Call:  nil,
			Exit:  nil,
		},
	}
}

// callFromIdle dispatches the three operations allowed from Idle:
// initiate_exchange, the passive receive_nonce reply, and the passive
// receive_key reply that lets a peer who missed the nonce phase resync.
func (self *FSM) callFromIdle(evt fsm.Event) (Status, fsm.Command, error) {
	switch evt.Tag {
	case tagInitiateExchange:
		return self.doInitiateExchange()
	case tagReceiveNonce:
		return self.doReceiveNoncePassive(evt.Msg)
	case tagReceiveKey:
		return self.doReceiveKeyPassive(evt.Msg)
	default:
		return Idle, fsm.Command{}, newFlagError(ErrProtocol, "unexpected event %s in idle", evt.Tag)
	}
}

func (self *FSM) callReceiveNonceInWaitNonce(evt fsm.Event) (Status, fsm.Command, error) {
	return self.doReceiveNonceActive(evt.Msg)
}

func (self *FSM) callExchangeKey(evt fsm.Event) (Status, fsm.Command, error) {
	return self.doExchangeKey()
}

func (self *FSM) callReceiveKeyInWaitKey(evt fsm.Event) (Status, fsm.Command, error) {
	return self.doReceiveKeyActive(evt.Msg)
}

// wrapDispatch normalizes an fsm.Update error into a ske1 error. Call
// functions tag malformed messages with ErrProtocol and MAC failures with
// ErrAuthentication, and those flags pass through unchanged. Anything else
// reaching here is reported as ErrProtocol: mostly fsm's own dispatch
// validation (event not allowed, bad exit state, invalid inner state index),
// which is exactly the "any other operation in any other state fails with
// protocol" case, but also an internal failure such as a failed random draw
// or SPI allocation.
func wrapDispatch(err error) error {
	if nil == err {
		return nil
	}
	switch {
	case IsAuthentication(err), IsParameter(err), IsExpired(err), IsProtocol(err):
		return err
	default:
		return newFlagError(ErrProtocol, "%v", err)
	}
}

// InitiateExchange starts an active exchange from Idle, drawing a fresh
// nonce and arming the negotiation deadline. It returns the nonce message to
// send to the peer.
func (self *FSM) InitiateExchange() ([]byte, error) {
	cmd, err := fsm.Update(self, self.transitions(), fsm.Event{Tag: tagInitiateExchange})
	if nil != err {
		return nil, wrapDispatch(err)
	}
	return cmd.Msg, nil
}

func (self *FSM) doInitiateExchange() (Status, fsm.Command, error) {
	n := make([]byte, NonceLen)
	if _, err := io.ReadFull(self.rand, n); nil != err {
		return Idle, fsm.Command{}, wrapError(err, "failed drawing nonce")
	}
	self.nSelf = n
	self.armDeadline()
	return WaitNonce, fsm.Command{Msg: append([]byte(nil), n...)}, nil
}

// ReceiveNonce processes an incoming nonce message. From Idle it replies
// with our own nonce without changing state (the passive path). From
// WaitNonce it completes the nonce phase and moves to SendKey, emitting no
// message.
func (self *FSM) ReceiveNonce(msg []byte) ([]byte, error) {
	cmd, err := fsm.Update(self, self.transitions(), fsm.Event{Tag: tagReceiveNonce, Msg: msg})
	if nil != err {
		return nil, wrapDispatch(err)
	}
	return cmd.Msg, nil
}

// doReceiveNoncePassive replies to an unsolicited nonce without leaving
// Idle. It still remembers the nonce pair (our reply as nSelf, the peer's as
// nPeer): if the peer follows up with a key message while we are still
// idle, doReceiveKeyPassive needs exactly this pair to compute the same MAC
// the peer did.
func (self *FSM) doReceiveNoncePassive(msg []byte) (Status, fsm.Command, error) {
	if NonceLen != len(msg) {
		return Idle, fsm.Command{}, newFlagError(ErrProtocol, "nonce message must be %d bytes, got %d", NonceLen, len(msg))
	}
	reply := make([]byte, NonceLen)
	if _, err := io.ReadFull(self.rand, reply); nil != err {
		return Idle, fsm.Command{}, wrapError(err, "failed drawing nonce reply")
	}
	self.nSelf = append([]byte(nil), reply...)
	self.nPeer = append([]byte(nil), msg...)
	return Idle, fsm.Command{Msg: reply}, nil
}

func (self *FSM) doReceiveNonceActive(msg []byte) (Status, fsm.Command, error) {
	if NonceLen != len(msg) {
		return WaitNonce, fsm.Command{}, newFlagError(ErrProtocol, "nonce message must be %d bytes, got %d", NonceLen, len(msg))
	}
	self.nPeer = append([]byte(nil), msg...)
	self.armDeadline()
	return SendKey, fsm.Command{}, nil
}

// ExchangeKey runs the X25519 key generation and emits our key message:
// {spi[4], pubkey[32], hmac[32]}.
func (self *FSM) ExchangeKey() ([]byte, error) {
	cmd, err := fsm.Update(self, self.transitions(), fsm.Event{Tag: tagExchangeKey})
	if nil != err {
		return nil, wrapDispatch(err)
	}
	return cmd.Msg, nil
}

func (self *FSM) doExchangeKey() (Status, fsm.Command, error) {
	priv, err := self.curve.GenerateKey(self.rand)
	if nil != err {
		return SendKey, fsm.Command{}, wrapError(err, "failed generating ephemeral keypair")
	}
	spi, err := self.alloc.NextSPI()
	if nil != err {
		return SendKey, fsm.Command{}, wrapError(err, "failed allocating ephemeral SPI")
	}

	self.secret = priv
	self.pubSelf = priv.PublicKey().Bytes()
	self.spiSelf = spi

	mac, err := outgoingMAC(self.psk, self.routeSPI, self.nSelf, self.nPeer, self.spiSelf, self.pubSelf)
	if nil != err {
		return SendKey, fsm.Command{}, wrapError(err, "failed computing outgoing MAC")
	}

	msg := make([]byte, 0, KeyMsgLen)
	msg = appendUint32(msg, self.spiSelf)
	msg = append(msg, self.pubSelf...)
	msg = append(msg, mac...)

	return WaitKey, fsm.Command{Msg: msg}, nil
}

// ReceiveKey processes an incoming key message. From WaitKey it verifies the
// peer's MAC and completes the exchange. From Idle it runs the same passive
// resync path as ReceiveNonce: a peer who never saw our nonce can still
// bring both sides into sync, replying with our own key message (this path
// is load-bearing for the race-resolving property, see the design notes).
func (self *FSM) ReceiveKey(msg []byte) ([]byte, error) {
	cmd, err := fsm.Update(self, self.transitions(), fsm.Event{Tag: tagReceiveKey, Msg: msg})
	if nil != err {
		return nil, wrapDispatch(err)
	}
	return cmd.Msg, nil
}

func (self *FSM) doReceiveKeyActive(msg []byte) (Status, fsm.Command, error) {
	spiRecv, pubRecv, macRecv, err := parseKeyMsg(msg)
	if nil != err {
		return WaitKey, fsm.Command{}, err
	}

	ok, err := verifyMAC(self.psk, self.routeSPI, self.nPeer, self.nSelf, spiRecv, pubRecv, macRecv)
	if nil != err {
		return WaitKey, fsm.Command{}, wrapError(err, "failed verifying incoming MAC")
	}
	if !ok {
		return WaitKey, fsm.Command{}, newFlagError(ErrAuthentication, "key message MAC did not verify")
	}

	self.pubPeer = pubRecv
	self.spiPeer = spiRecv
	return Complete, fsm.Command{}, nil
}

// doReceiveKeyPassive handles receive_key called from Idle. We have no
// secret/SPI of our own yet (only whatever nSelf/nPeer a prior passive
// receive_nonce recorded); verify the peer's MAC, then mint our own
// ephemeral keypair and SPI, reply with our own key message, and complete
// in the same step.
func (self *FSM) doReceiveKeyPassive(msg []byte) (Status, fsm.Command, error) {
	spiRecv, pubRecv, macRecv, err := parseKeyMsg(msg)
	if nil != err {
		return Idle, fsm.Command{}, err
	}

	// nSelf/nPeer are whatever doReceiveNoncePassive last recorded (nil if
	// we never even saw a nonce); the sender computed its MAC over the same
	// pair from its own side of that exchange.
	ok, err := verifyMAC(self.psk, self.routeSPI, self.nPeer, self.nSelf, spiRecv, pubRecv, macRecv)
	if nil != err {
		return Idle, fsm.Command{}, wrapError(err, "failed verifying incoming MAC")
	}
	if !ok {
		return Idle, fsm.Command{}, newFlagError(ErrAuthentication, "key message MAC did not verify")
	}

	priv, err := self.curve.GenerateKey(self.rand)
	if nil != err {
		return Idle, fsm.Command{}, wrapError(err, "failed generating ephemeral keypair")
	}
	spi, err := self.alloc.NextSPI()
	if nil != err {
		return Idle, fsm.Command{}, wrapError(err, "failed allocating ephemeral SPI")
	}

	self.secret = priv
	self.pubSelf = priv.PublicKey().Bytes()
	self.spiSelf = spi
	self.pubPeer = pubRecv
	self.spiPeer = spiRecv

	mac, err := outgoingMAC(self.psk, self.routeSPI, self.nSelf, self.nPeer, self.spiSelf, self.pubSelf)
	if nil != err {
		return Idle, fsm.Command{}, wrapError(err, "failed computing outgoing MAC")
	}

	reply := make([]byte, 0, KeyMsgLen)
	reply = appendUint32(reply, self.spiSelf)
	reply = append(reply, self.pubSelf...)
	reply = append(reply, mac...)

	return Complete, fsm.Command{Msg: reply}, nil
}

// DeriveEphemeralKeys computes the (rx, tx) SA pair from Complete and
// returns the FSM to Idle. It checks for Complete itself (it does not go
// through Update), so it can only ever run once per exchange: any further
// call fails with ErrProtocol until a new InitiateExchange/ReceiveNonce/
// ReceiveKey cycle re-enters Complete. The exchange is consumed on failure too: Complete has
// no deadline and accepts no operation, so a failed derivation must not
// leave the FSM parked there.
func (self *FSM) DeriveEphemeralKeys() (SAPair, error) {
	if Complete != self.status {
		return SAPair{}, newFlagError(ErrProtocol, "derive_ephemeral_keys not allowed in state %s", self.status)
	}

	secret, pubSelf, pubPeer := self.secret, self.pubSelf, self.pubPeer
	spiSelf, spiPeer := self.spiSelf, self.spiPeer
	self.reset()
	self.status = Idle

	peerPub, err := self.curve.NewPublicKey(pubPeer)
	if nil != err {
		return SAPair{}, newFlagError(ErrParameter, "peer public key is not a valid curve point")
	}

	q, err := secret.ECDH(peerPub)
	if nil != err {
		return SAPair{}, newFlagError(ErrParameter, "failed computing shared secret: %v", err)
	}
	if isAllZero(q) {
		return SAPair{}, newFlagError(ErrParameter, "peer public key yields unsafe all-zero shared secret")
	}

	rxKey, rxSalt, err := deriveKDF(q, pubSelf, pubPeer)
	if nil != err {
		return SAPair{}, wrapError(err, "failed deriving rx key material")
	}
	txKey, txSalt, err := deriveKDF(q, pubPeer, pubSelf)
	if nil != err {
		return SAPair{}, wrapError(err, "failed deriving tx key material")
	}

	return SAPair{
		Rx: SA{Route: self.route, SPI: spiSelf, AEAD: AEAD, Key: rxKey, Salt: rxSalt},
		Tx: SA{Route: self.route, SPI: spiPeer, AEAD: AEAD, Key: txKey, Salt: txSalt},
	}, nil
}

// ResetIfExpired clears the FSM back to Idle, discarding scratch state, if a
// negotiation deadline is armed and has been reached. It is the FSM's only
// time-driven transition and the only way a stuck exchange is recovered.
func (self *FSM) ResetIfExpired(now time.Time) error {
	if Idle == self.status {
		return nil
	}
	if self.deadline.IsZero() || now.Before(self.deadline) {
		return nil
	}

	self.reset()
	self.status = Idle

	return newFlagError(ErrExpired, "negotiation expired")
}

func appendUint32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func parseKeyMsg(msg []byte) (spi uint32, pub []byte, mac []byte, err error) {
	if KeyMsgLen != len(msg) {
		return 0, nil, nil, newFlagError(ErrProtocol, "key message must be %d bytes, got %d", KeyMsgLen, len(msg))
	}
	spi = uint32(msg[0])<<24 | uint32(msg[1])<<16 | uint32(msg[2])<<8 | uint32(msg[3])
	pub = msg[4 : 4+PublicKeyLen]
	mac = msg[4+PublicKeyLen:]
	return spi, pub, mac, nil
}

func isAllZero(b []byte) bool {
	var acc byte
	for _, c := range b {
		acc |= c
	}
	return 0 == acc
}
