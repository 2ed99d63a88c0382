package pipeline

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/duskrelay/beacon/internal/aead"
	"github.com/duskrelay/beacon/internal/fragment"
	"github.com/duskrelay/beacon/internal/frame"
	"github.com/duskrelay/beacon/internal/ids"
)

func newTestCipher(t *testing.T) *aead.Cipher {
	t.Helper()
	c, err := aead.NewAESGCM(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewAESGCM: %v", err)
	}
	return c
}

func TestEncodeDecodeStreamRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	locked := aead.NewLocked(c)
	aad := []byte("session-id")
	plaintext := []byte("shell output from an agent")

	wire, err := EncodeStream(c, frame.KindTaskResult, aad, plaintext)
	if err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}

	kind, got, err := DecodeStream(locked, aad, wire)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if kind != frame.KindTaskResult {
		t.Fatalf("expected KindTaskResult, got %v", kind)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestEncodeStreamCompressesLargePayloads(t *testing.T) {
	c := newTestCipher(t)
	locked := aead.NewLocked(c)
	aad := []byte("session-id")
	plaintext := bytes.Repeat([]byte{'Q'}, 4096)

	wire, err := EncodeStream(c, frame.KindTaskResult, aad, plaintext)
	if err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}
	if len(wire) >= len(plaintext) {
		t.Fatalf("expected compression to shrink a long repeated payload; wire=%d plaintext=%d", len(wire), len(plaintext))
	}

	_, got, err := DecodeStream(locked, aad, wire)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decompressed payload mismatch")
	}
}

func TestDecodeStreamRejectsMismatchedCipherMagic(t *testing.T) {
	c := newTestCipher(t)
	other, err := aead.NewChaCha20Poly1305(bytes.Repeat([]byte{0x11}, 32))
	if err != nil {
		t.Fatalf("NewChaCha20Poly1305: %v", err)
	}
	locked := aead.NewLocked(other)

	wire, err := EncodeStream(c, frame.KindHeartbeat, nil, frame.HeartbeatBody())
	if err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}
	if _, _, err := DecodeStream(locked, nil, wire); err == nil {
		t.Fatalf("expected an error when the locked cipher's magic does not match the frame")
	}
}

func TestEncodeDecodeDatagramFitsInOneDatagram(t *testing.T) {
	c := newTestCipher(t)
	locked := aead.NewLocked(c)
	reassembler := fragment.New(nil)
	agent := ids.NewAgentID()
	plaintext := []byte("small beacon check-in")

	datagrams, err := EncodeDatagram(c, frame.KindHeartbeat, nil, plaintext, 1400, 0x1)
	if err != nil {
		t.Fatalf("EncodeDatagram: %v", err)
	}
	if len(datagrams) != 1 {
		t.Fatalf("expected exactly one datagram for a small message, got %d", len(datagrams))
	}

	kind, got, err := DecodeDatagram(locked, reassembler, agent, nil, datagrams[0])
	if err != nil {
		t.Fatalf("DecodeDatagram: %v", err)
	}
	if kind != frame.KindHeartbeat || !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: kind=%v got=%q", kind, got)
	}
}

func TestEncodeDecodeDatagramFragmentsOversizedMessage(t *testing.T) {
	c := newTestCipher(t)
	locked := aead.NewLocked(c)
	reassembler := fragment.New(nil)
	agent := ids.NewAgentID()
	plaintext := make([]byte, 2000)
	rand.New(rand.NewSource(7)).Read(plaintext) // incompressible, to guarantee fragmentation at this MTU

	datagrams, err := EncodeDatagram(c, frame.KindTaskDispatch, nil, plaintext, 300, 0x55)
	if err != nil {
		t.Fatalf("EncodeDatagram: %v", err)
	}
	if len(datagrams) < 2 {
		t.Fatalf("expected the oversized message to split into multiple datagrams, got %d", len(datagrams))
	}

	var kind frame.Kind
	var got []byte
	for i, dg := range datagrams {
		k, msg, err := DecodeDatagram(locked, reassembler, agent, nil, dg)
		if err != nil {
			t.Fatalf("DecodeDatagram fragment %d: %v", i, err)
		}
		if msg != nil {
			kind, got = k, msg
		}
	}
	if got == nil {
		t.Fatalf("reassembly never completed")
	}
	if kind != frame.KindTaskDispatch {
		t.Fatalf("expected KindTaskDispatch, got %v", kind)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("reassembled datagram payload mismatch")
	}
}
