// Package frame implements the self-describing wire unit described in §3
// of the core spec: a fixed 8-byte header (magic, version, flags/kind,
// u32 length) followed by a body that is either plaintext (registration
// handshake only) or an AEAD-sealed payload once a session key is
// installed.
package frame

import (
	"encoding/binary"

	"github.com/duskrelay/beacon/internal/errs"
)

// HeaderSize is the fixed size of the frame header: magic(1) ver(1)
// flags_kind(2) length(4).
const HeaderSize = 8

// Version is the only frame format version this core speaks.
const Version byte = 1

// Kind identifies the purpose of a frame's body once decrypted.
type Kind uint16

const (
	KindUnknown Kind = iota
	KindRegistration
	KindRegistrationReply
	KindHeartbeat
	KindTaskDispatch
	KindTaskResult
	KindProtocolSwitch
)

// KindCompressedFlag is carried in the same 16-bit field as Kind (the
// header comment's "flags/kind u16") — the outbound pipeline sets it on
// the Kind it encodes when RLE shrank the plaintext before encryption, and
// the inbound pipeline strips it off to recover the underlying Kind and
// decide whether to decompress.
const KindCompressedFlag Kind = 0x8000

// Base returns k with KindCompressedFlag cleared.
func (k Kind) Base() Kind { return k &^ KindCompressedFlag }

// Compressed reports whether KindCompressedFlag is set.
func (k Kind) Compressed() bool { return k&KindCompressedFlag != 0 }

// Header is the parsed form of the first 8 bytes of a frame.
type Header struct {
	Magic   byte
	Version byte
	Kind    Kind
	Length  uint32 // length of Body that follows
}

// Frame is a fully parsed wire unit: header plus raw body bytes. Body is
// plaintext only during the registration handshake; in every other case it
// is (nonce || ciphertext || tag) per the AEAD contract in internal/aead.
type Frame struct {
	Header Header
	Body   []byte
}

// Encode serializes a Header and body into wire bytes.
func Encode(magic byte, kind Kind, body []byte) []byte {
	out := make([]byte, HeaderSize+len(body))
	out[0] = magic
	out[1] = Version
	binary.BigEndian.PutUint16(out[2:4], uint16(kind))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(body)))
	copy(out[HeaderSize:], body)
	return out
}

// ParseHeader parses the fixed 8-byte header from buf. buf must be at
// least HeaderSize bytes; extra bytes are ignored.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errs.New(errs.Protocol, "frame.ParseHeader", "buffer shorter than header")
	}
	return Header{
		Magic:   buf[0],
		Version: buf[1],
		Kind:    Kind(binary.BigEndian.Uint16(buf[2:4])),
		Length:  binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// Parse parses a complete frame (header + body) from buf. It validates
// that buf carries at least as many body bytes as the header declares;
// any bytes beyond that length are ignored.
func Parse(buf []byte) (*Frame, error) {
	hdr, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if err := ValidateMagic(hdr.Magic); err != nil {
		return nil, err
	}
	if hdr.Version != Version {
		return nil, errs.New(errs.Protocol, "frame.Parse", "unsupported frame version")
	}
	rest := buf[HeaderSize:]
	if uint32(len(rest)) < hdr.Length {
		return nil, errs.New(errs.Protocol, "frame.Parse", "truncated body")
	}
	return &Frame{Header: hdr, Body: rest[:hdr.Length]}, nil
}

// ValidateMagic rejects any magic byte not recognized as an AEAD family
// selector. Kept here (rather than importing internal/aead, which would
// create a cycle with callers that need both) as the minimal check framing
// itself is responsible for before handing the body off for decryption.
func ValidateMagic(magic byte) error {
	switch magic {
	case 0xA3, 0xC2:
		return nil
	default:
		return errs.New(errs.Protocol, "frame.ValidateMagic", "unrecognized magic byte")
	}
}

// IsHeartbeat reports whether a decrypted plaintext body is exactly the
// 4-byte heartbeat marker "HEAR" (§6). Any other frame of the same length
// and magic is an ordinary message, per the spec's note that heartbeat
// identity comes from the body, not from length or magic alone.
func IsHeartbeat(plaintext []byte) bool {
	return len(plaintext) == 4 && string(plaintext) == "HEAR"
}

// HeartbeatBody is the canonical plaintext body of a heartbeat frame.
func HeartbeatBody() []byte {
	return []byte("HEAR")
}
