package pipeline

import "github.com/duskrelay/beacon/internal/errs"

// Datagram transports (UDP, DNS) share one socket between whole frames and
// fragment pieces of an oversized frame, with no transport-level framing of
// their own to tell the two apart. A single leading envelope byte resolves
// that ambiguity — the spec's §4.2 outbound pipeline describes fragmenting
// "the frame" onto the wire but does not say how a datagram receiver
// distinguishes a fragment piece from a small, unfragmented frame sharing
// the same socket; this envelope tag is the resolution, recorded in
// DESIGN.md alongside the RLE 0x00 decision.
const (
	envelopeWhole    byte = 0x00
	envelopeFragment byte = 0x01
)

func wrapWhole(frameBytes []byte) []byte {
	out := make([]byte, 1+len(frameBytes))
	out[0] = envelopeWhole
	copy(out[1:], frameBytes)
	return out
}

func wrapFragment(fragmentBytes []byte) []byte {
	out := make([]byte, 1+len(fragmentBytes))
	out[0] = envelopeFragment
	copy(out[1:], fragmentBytes)
	return out
}

// WrapRegistrationDatagram envelope-tags an already-built plaintext frame
// for a datagram transport. Registration frames predate any installed
// cipher, so they bypass EncodeDatagram's AEAD seal entirely but still
// need the same envelope tag every other datagram on the socket carries.
func WrapRegistrationDatagram(wire []byte) []byte {
	return wrapWhole(wire)
}

// UnwrapDatagramEnvelope exposes the envelope tag check to datagram
// listeners that must inspect a registration-phase datagram before any
// cipher exists to run it through DecodeDatagram.
func UnwrapDatagramEnvelope(datagram []byte) (isFragment bool, rest []byte, err error) {
	return unwrapEnvelope(datagram)
}

// unwrapEnvelope splits the leading tag byte from a datagram and reports
// whether the remainder is a fragment piece (true) or a whole frame
// (false).
func unwrapEnvelope(datagram []byte) (isFragment bool, rest []byte, err error) {
	if len(datagram) < 1 {
		return false, nil, errs.New(errs.Protocol, "pipeline.unwrapEnvelope", "empty datagram")
	}
	switch datagram[0] {
	case envelopeWhole:
		return false, datagram[1:], nil
	case envelopeFragment:
		return true, datagram[1:], nil
	default:
		return false, nil, errs.New(errs.Protocol, "pipeline.unwrapEnvelope", "unrecognized envelope tag")
	}
}
