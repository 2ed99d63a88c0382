package frame

import (
	"bytes"
	"testing"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	body := []byte("some sealed payload bytes")
	wire := Encode(0xA3, KindTaskDispatch, body)

	f, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Header.Magic != 0xA3 {
		t.Errorf("Magic = 0x%02x, want 0xA3", f.Header.Magic)
	}
	if f.Header.Kind != KindTaskDispatch {
		t.Errorf("Kind = %v, want KindTaskDispatch", f.Header.Kind)
	}
	if !bytes.Equal(f.Body, body) {
		t.Errorf("Body mismatch: got %q, want %q", f.Body, body)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	wire := Encode(0xFF, KindHeartbeat, []byte("HEAR"))
	if _, err := Parse(wire); err == nil {
		t.Fatalf("expected error for unrecognized magic byte")
	}
}

func TestParseRejectsTruncatedBody(t *testing.T) {
	wire := Encode(0xA3, KindHeartbeat, []byte("HEAR"))
	truncated := wire[:len(wire)-2]
	if _, err := Parse(truncated); err == nil {
		t.Fatalf("expected error for truncated body")
	}
}

func TestIsHeartbeat(t *testing.T) {
	if !IsHeartbeat(HeartbeatBody()) {
		t.Fatalf("HeartbeatBody should be recognized as a heartbeat")
	}
	if IsHeartbeat([]byte("HEARX")) {
		t.Fatalf("5-byte body must not be treated as a heartbeat")
	}
	if IsHeartbeat([]byte("HEAX")) {
		t.Fatalf("4-byte body with wrong content must not be a heartbeat")
	}
}

func TestProtocolSwitchRoundTrip(t *testing.T) {
	ps := ProtocolSwitch{
		Proto:     2,
		Port:      9002,
		Domain:    "c2.example.test",
		TimeoutMS: 5000,
		Flags:     PSwitchImmediate | PSwitchForced,
	}
	wire, err := EncodeProtocolSwitch(ps)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeProtocolSwitch(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != ps {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, ps)
	}
	if !got.Immediate() || !got.Forced() || got.Fallback() || got.Temporary() {
		t.Fatalf("flag decoding mismatch: %+v", got)
	}
}

func TestProtocolSwitchRejectsOversizedDomain(t *testing.T) {
	big := make([]byte, 300)
	for i := range big {
		big[i] = 'a'
	}
	_, err := EncodeProtocolSwitch(ProtocolSwitch{Domain: string(big)})
	if err == nil {
		t.Fatalf("expected error for oversized domain")
	}
}
