package frame

import (
	"bytes"
	"testing"
)

func TestRegistrationRoundTrip(t *testing.T) {
	r := Registration{
		Hostname:             "workstation-07",
		Username:             "jdoe",
		OSVersion:            "linux-6.1",
		SupportedModules:     []string{"shell", "filesystem", "screenshot"},
		HeartbeatIntervalSec: 30,
	}
	wire := EncodeRegistration(r)
	got, err := DecodeRegistration(wire)
	if err != nil {
		t.Fatalf("DecodeRegistration: %v", err)
	}
	if got.Hostname != r.Hostname || got.Username != r.Username || got.OSVersion != r.OSVersion {
		t.Fatalf("scalar fields mismatch: %+v", got)
	}
	if len(got.SupportedModules) != len(r.SupportedModules) {
		t.Fatalf("module count mismatch: got %d want %d", len(got.SupportedModules), len(r.SupportedModules))
	}
	for i := range r.SupportedModules {
		if got.SupportedModules[i] != r.SupportedModules[i] {
			t.Fatalf("module %d mismatch: got %q want %q", i, got.SupportedModules[i], r.SupportedModules[i])
		}
	}
	if got.HeartbeatIntervalSec != r.HeartbeatIntervalSec {
		t.Fatalf("heartbeat interval mismatch")
	}
}

func TestDecodeRegistrationRejectsTruncatedInput(t *testing.T) {
	wire := EncodeRegistration(Registration{Hostname: "h"})
	if _, err := DecodeRegistration(wire[:len(wire)-3]); err == nil {
		t.Fatalf("expected an error decoding a truncated registration payload")
	}
}

func TestRegistrationReplyRoundTrip(t *testing.T) {
	reply := RegistrationReply{
		CipherMagic: 0xA3,
		SessionKey:  bytes.Repeat([]byte{0x5A}, 32),
	}
	for i := range reply.AgentID {
		reply.AgentID[i] = byte(i)
	}

	wire := EncodeRegistrationReply(reply)
	got, err := DecodeRegistrationReply(wire)
	if err != nil {
		t.Fatalf("DecodeRegistrationReply: %v", err)
	}
	if got.AgentID != reply.AgentID {
		t.Fatalf("AgentID mismatch")
	}
	if got.CipherMagic != reply.CipherMagic {
		t.Fatalf("CipherMagic mismatch")
	}
	if !bytes.Equal(got.SessionKey, reply.SessionKey) {
		t.Fatalf("SessionKey mismatch")
	}
}
