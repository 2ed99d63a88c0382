// Package pipeline composes internal/aead, internal/frame, and
// internal/fragment into the inbound and outbound message pipelines
// described in §4.2 of the networking substrate spec: header parsing,
// fragmentation/reassembly, AEAD seal/open, and RLE compression, in the
// order the spec fixes.
package pipeline

import (
	"github.com/duskrelay/beacon/internal/aead"
	"github.com/duskrelay/beacon/internal/errs"
	"github.com/duskrelay/beacon/internal/fragment"
	"github.com/duskrelay/beacon/internal/frame"
	"github.com/duskrelay/beacon/internal/ids"
)

// compressionThreshold is the minimum plaintext length the outbound
// pipeline will even attempt to RLE-compress (§4.2: "compress if length >
// 1024 AND compression shrinks it").
const compressionThreshold = 1024

// EncodeStream runs the outbound pipeline for a stream transport (TCP,
// WS): compress-if-worthwhile, seal, frame. The result is a complete frame
// ready to hand to the transport's length-prefixed or message-based write.
func EncodeStream(c *aead.Cipher, kind frame.Kind, aad, plaintext []byte) ([]byte, error) {
	payload, outKind := maybeCompress(kind, plaintext)
	sealed, err := c.Seal(payload, aad)
	if err != nil {
		return nil, err
	}
	return frame.Encode(c.Magic, outKind, sealed), nil
}

// EncodeStreamLocked is EncodeStream for callers that only hold a
// session's already-locked-in cipher (the task dispatcher, mainly) rather
// than the raw *aead.Cipher produced at registration time.
func EncodeStreamLocked(c *aead.Locked, kind frame.Kind, aad, plaintext []byte) ([]byte, error) {
	payload, outKind := maybeCompress(kind, plaintext)
	sealed, err := c.Seal(payload, aad)
	if err != nil {
		return nil, err
	}
	return frame.Encode(c.Magic(), outKind, sealed), nil
}

// DecodeStream runs the inbound pipeline for a stream transport: parse
// header, verify the locked cipher's magic, open, decompress if flagged.
func DecodeStream(locked *aead.Locked, aad, wire []byte) (frame.Kind, []byte, error) {
	f, err := frame.Parse(wire)
	if err != nil {
		return 0, nil, err
	}
	plaintext, err := locked.Open(f.Header.Magic, f.Body, aad)
	if err != nil {
		return 0, nil, err
	}
	return finishDecode(f.Header.Kind, plaintext)
}

// EncodeDatagram runs the outbound pipeline for a datagram transport (UDP,
// DNS): compress, seal, frame, and — if the framed result exceeds
// mtuBudget — split it into envelope-tagged fragment datagrams via
// internal/fragment. Every returned []byte is one ready-to-send datagram.
func EncodeDatagram(c *aead.Cipher, kind frame.Kind, aad, plaintext []byte, mtuBudget int, fragmentID uint16) ([][]byte, error) {
	payload, outKind := maybeCompress(kind, plaintext)
	sealed, err := c.Seal(payload, aad)
	if err != nil {
		return nil, err
	}
	wire := frame.Encode(c.Magic, outKind, sealed)
	return PacketizeDatagram(wire, mtuBudget, fragmentID)
}

// PacketizeDatagram splits an already-sealed, already-framed wire blob
// into one or more envelope-tagged datagrams bounded by mtuBudget. Unlike
// EncodeDatagram it does not seal or compress — a datagram transport's
// outbound drain loop uses this to packetize a stream-style frame (e.g. a
// task dispatch built once by the transport-agnostic caller) without
// re-running AEAD over it.
func PacketizeDatagram(wire []byte, mtuBudget int, fragmentID uint16) ([][]byte, error) {
	if len(wire)+1 <= mtuBudget { // +1 for the envelope tag
		return [][]byte{wrapWhole(wire)}, nil
	}

	maxFragmentPayload := mtuBudget - fragment.HeaderSize - 1 // -1 for the envelope tag
	if maxFragmentPayload <= 0 {
		return nil, errs.New(errs.InvalidArgument, "pipeline.PacketizeDatagram", "mtuBudget too small to carry any fragment payload")
	}
	fragments, err := fragment.Split(wire, fragmentID, maxFragmentPayload, false)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(fragments))
	for i, fr := range fragments {
		out[i] = wrapFragment(fr)
	}
	return out, nil
}

// DecodeDatagram runs the inbound pipeline for one received datagram. If
// datagram is a fragment piece and the reassembler has not yet completed
// the set it belongs to, DecodeDatagram returns (0, nil, nil) — the caller
// should wait for further datagrams rather than treat this as an error.
func DecodeDatagram(locked *aead.Locked, reassembler *fragment.Reassembler, agent ids.AgentID, aad, datagram []byte) (frame.Kind, []byte, error) {
	isFragment, rest, err := unwrapEnvelope(datagram)
	if err != nil {
		return 0, nil, err
	}

	var wire []byte
	if isFragment {
		h, body, err := fragment.Parse(rest)
		if err != nil {
			// Per §4.2, a checksum mismatch drops the fragment silently —
			// the caller treats this the same as "not yet complete".
			if errs.Is(err, errs.Checksum) {
				reassembler.RecordChecksumFailure()
				return 0, nil, nil
			}
			return 0, nil, err
		}
		msg, done, err := reassembler.Add(agent, h, body)
		if err != nil {
			return 0, nil, err
		}
		if !done {
			return 0, nil, nil
		}
		wire = msg
	} else {
		wire = rest
	}

	f, err := frame.Parse(wire)
	if err != nil {
		return 0, nil, err
	}
	plaintext, err := locked.Open(f.Header.Magic, f.Body, aad)
	if err != nil {
		return 0, nil, err
	}
	return finishDecode(f.Header.Kind, plaintext)
}

func maybeCompress(kind frame.Kind, plaintext []byte) ([]byte, frame.Kind) {
	if len(plaintext) <= compressionThreshold {
		return plaintext, kind
	}
	compressed, ok := fragment.CompressIfShorter(plaintext)
	if !ok {
		return plaintext, kind
	}
	return compressed, kind | frame.KindCompressedFlag
}

func finishDecode(kind frame.Kind, plaintext []byte) (frame.Kind, []byte, error) {
	if !kind.Compressed() {
		return kind.Base(), plaintext, nil
	}
	decompressed, err := fragment.Decompress(plaintext)
	if err != nil {
		return 0, nil, err
	}
	return kind.Base(), decompressed, nil
}
