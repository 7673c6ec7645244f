// Package transport implements the fixed-header datagram framing vita-ske1
// messages use over IP protocol 99, and the thin IPv4 wrap/unwrap helpers the
// Key Manager uses to send and receive them.
package transport

import (
	"encoding/binary"
)

// HeaderLen is the size in bytes of the fixed Transport header.
const HeaderLen = 8

// NonceLen and KeyMsgLen are the two body lengths the header's Type field
// may declare (mirrors pkg/ske1's own NonceLen/KeyMsgLen constants, which
// describe the same wire shapes from the protocol's side).
const (
	NonceLen  = 32
	KeyMsgLen = 68
)

// MsgType identifies the body that follows a Header.
type MsgType byte

const (
	MsgNonce MsgType = 1
	MsgKey   MsgType = 3
)

// bodyLen returns the expected body length for t, or 0, false if t is not a
// recognised message type.
func bodyLen(t MsgType) (int, bool) {
	switch t {
	case MsgNonce:
		return NonceLen, true
	case MsgKey:
		return KeyMsgLen, true
	default:
		return 0, false
	}
}

// Header is the 8-byte prefix carried by every vita-ske1 datagram: a
// big-endian route SPI, a 1-byte message type, and 3 reserved zero bytes.
type Header struct {
	SPI  uint32
	Type MsgType
}

// Encode appends Header's wire encoding to dst.
func (self Header) Encode(dst []byte) []byte {
	var spibuf [4]byte
	binary.BigEndian.PutUint32(spibuf[:], self.SPI)
	dst = append(dst, spibuf[:]...)
	dst = append(dst, byte(self.Type), 0, 0, 0)
	return dst
}

// ParseHeader reads a Header from the first HeaderLen bytes of b. It errors
// if b is shorter than HeaderLen or the reserved bytes are non-zero.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, newFlagError(ErrMalformed, "header requires %d bytes, got %d", HeaderLen, len(b))
	}
	if 0 != b[5] || 0 != b[6] || 0 != b[7] {
		return Header{}, newFlagError(ErrMalformed, "reserved header bytes must be zero")
	}
	return Header{
		SPI:  binary.BigEndian.Uint32(b[0:4]),
		Type: MsgType(b[4]),
	}, nil
}

// EncodeDatagram frames body behind a Header carrying spi and msgType. It
// errors if body's length does not match what msgType requires.
func EncodeDatagram(spi uint32, msgType MsgType, body []byte) ([]byte, error) {
	want, ok := bodyLen(msgType)
	if !ok {
		return nil, newFlagError(ErrMalformed, "unknown message type %d", msgType)
	}
	if want != len(body) {
		return nil, newFlagError(ErrMalformed, "message type %d requires a %d byte body, got %d", msgType, want, len(body))
	}

	dst := make([]byte, 0, HeaderLen+len(body))
	dst = Header{SPI: spi, Type: msgType}.Encode(dst)
	dst = append(dst, body...)
	return dst, nil
}

// DecodeDatagram parses a Header and validates that the remaining bytes
// match the declared type's body length exactly. Manager callers count any
// returned error as a protocol_errors increment.
func DecodeDatagram(b []byte) (spi uint32, msgType MsgType, body []byte, err error) {
	hdr, err := ParseHeader(b)
	if nil != err {
		return 0, 0, nil, err
	}

	want, ok := bodyLen(hdr.Type)
	if !ok {
		return 0, 0, nil, newFlagError(ErrMalformed, "unknown message type %d", hdr.Type)
	}

	rest := b[HeaderLen:]
	if want != len(rest) {
		return 0, 0, nil, newFlagError(ErrMalformed, "message type %d requires a %d byte body, got %d", hdr.Type, want, len(rest))
	}

	return hdr.SPI, hdr.Type, rest, nil
}
