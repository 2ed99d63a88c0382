// Package fragment implements the datagram-transport fragmentation layer
// from §3/§4.2 of the core spec: splitting an oversized frame's ciphertext
// into up to 255 fragments, reassembling them keyed by (AgentID,
// fragment_id), and the trivial RLE compressor used when a message is
// large enough to be worth shrinking.
package fragment

import (
	"encoding/binary"

	"github.com/duskrelay/beacon/internal/errs"
)

// HeaderSize is the wire size of a fragment header: fragment_id(2) idx(1)
// n(1) flags(1) checksum(2).
const HeaderSize = 7

// Flag bits on a fragment header (§3).
const (
	FlagCompressed byte = 1 << 0
)

// Header is the parsed form of a fragment's 7-byte header.
type Header struct {
	FragmentID uint16
	Idx        uint8
	N          uint8 // total fragment count for this fragment_id, n <= 255
	Flags      uint8
	Checksum   uint16
}

func (h Header) Compressed() bool { return h.Flags&FlagCompressed != 0 }

// encodeHeaderZeroChecksum serializes h with the checksum field zeroed — used both to
// build the real wire header (checksum filled in after) and to recompute
// the checksum over a zeroed header per the one's-complement definition.
func encodeHeaderZeroChecksum(h Header) []byte {
	out := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(out[0:2], h.FragmentID)
	out[2] = h.Idx
	out[3] = h.N
	out[4] = h.Flags
	// out[5:7] left zero — checksum field.
	return out
}

// Checksum computes the one's-complement 16-bit sum over the fragment
// header (checksum field zeroed) concatenated with body, per §3/§4.2.
func Checksum(h Header, body []byte) uint16 {
	h.Checksum = 0
	buf := append(encodeHeaderZeroChecksum(h), body...)
	return onesComplementSum16(buf)
}

func onesComplementSum16(buf []byte) uint16 {
	var sum uint32
	// Sum 16-bit words; odd trailing byte is padded with a zero low byte.
	for i := 0; i+1 < len(buf); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	if len(buf)%2 == 1 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	// Fold carries until the sum fits in 16 bits.
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Encode serializes a fragment with its checksum computed and filled in.
func Encode(h Header, body []byte) []byte {
	h.Checksum = Checksum(h, body)
	out := make([]byte, 0, HeaderSize+len(body))
	hdr := encodeHeaderZeroChecksum(h)
	binary.BigEndian.PutUint16(hdr[5:7], h.Checksum)
	out = append(out, hdr...)
	out = append(out, body...)
	return out
}

// Parse parses a fragment's header and body from buf and verifies the
// checksum. A checksum mismatch drops the fragment silently per §4.2 — the
// caller receives errs.Checksum and is expected to discard, not escalate.
func Parse(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, errs.New(errs.Protocol, "fragment.Parse", "buffer shorter than fragment header")
	}
	h := Header{
		FragmentID: binary.BigEndian.Uint16(buf[0:2]),
		Idx:        buf[2],
		N:          buf[3],
		Flags:      buf[4],
		Checksum:   binary.BigEndian.Uint16(buf[5:7]),
	}
	body := buf[HeaderSize:]
	if Checksum(h, body) != h.Checksum {
		return Header{}, nil, errs.New(errs.Checksum, "fragment.Parse", "checksum mismatch")
	}
	return h, body, nil
}
