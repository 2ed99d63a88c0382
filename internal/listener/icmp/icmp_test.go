package icmp

import (
	"bytes"
	"net"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/duskrelay/beacon/internal/aead"
	"github.com/duskrelay/beacon/internal/config"
	"github.com/duskrelay/beacon/internal/fragment"
	"github.com/duskrelay/beacon/internal/frame"
	"github.com/duskrelay/beacon/internal/ids"
	"github.com/duskrelay/beacon/internal/listener"
	"github.com/duskrelay/beacon/internal/pipeline"
	"github.com/duskrelay/beacon/internal/session"
)

// requireRawSocket skips the test when the process can't open a raw ICMP
// socket — CI and most developer sandboxes run unprivileged.
func requireRawSocket(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("raw ICMP socket requires CAP_NET_RAW/root")
	}
}

func newEchoListener(t *testing.T) *Listener {
	t.Helper()
	sessions := session.New(zap.NewNop(), nil)
	reassembler := fragment.New(nil)

	hooks := listener.Hooks{
		OnMessage: func(agent *session.Agent, payload []byte) {
			aadBytes := agent.ID.Bytes()
			wire, err := pipeline.EncodeStreamLocked(agent.Cipher(), frame.KindTaskResult, aadBytes[:], payload)
			if err != nil {
				return
			}
			_ = agent.SendOutbound(wire)
		},
	}

	cfg := config.ICMPConfig{Enabled: true, BindAddr: "127.0.0.1"}
	l := New(cfg, []byte{aead.MagicAESGCM}, 30*time.Second, 5*time.Second, sessions, reassembler, hooks, zap.NewNop())
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = l.Stop() })
	return l
}

func TestICMPRegistrationAndEchoRoundTrip(t *testing.T) {
	requireRawSocket(t)
	l := newEchoListener(t)

	client, err := icmp.ListenPacket("ip4:icmp", "127.0.0.1")
	if err != nil {
		t.Fatalf("client ListenPacket: %v", err)
	}
	defer client.Close()

	peer, err := net.ResolveIPAddr("ip4", "127.0.0.1")
	if err != nil {
		t.Fatalf("ResolveIPAddr: %v", err)
	}

	regBody := frame.EncodeRegistration(frame.Registration{
		Hostname:             "field-node-7",
		OSVersion:            "windows/amd64",
		HeartbeatIntervalSec: 60,
	})
	regWire := frame.Encode(aead.MagicAESGCM, frame.KindRegistration, regBody)
	regDatagram := pipeline.WrapRegistrationDatagram(regWire)

	req := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: 1, Data: regDatagram},
	}
	wb, err := req.Marshal(nil)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := client.WriteTo(wb, peer); err != nil {
		t.Fatalf("write request: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := client.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	msg, err := icmp.ParseMessage(protocolICMP, buf[:n])
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		t.Fatalf("expected echo reply body")
	}

	isFragment, rest, err := pipeline.UnwrapDatagramEnvelope(echo.Data)
	if err != nil || isFragment {
		t.Fatalf("expected whole-frame registration reply, isFragment=%v err=%v", isFragment, err)
	}
	f, err := frame.Parse(rest)
	if err != nil {
		t.Fatalf("frame.Parse: %v", err)
	}
	reply, err := frame.DecodeRegistrationReply(f.Body)
	if err != nil {
		t.Fatalf("DecodeRegistrationReply: %v", err)
	}

	cipher, err := aead.ForMagic(reply.CipherMagic, reply.SessionKey)
	if err != nil {
		t.Fatalf("ForMagic: %v", err)
	}
	locked := aead.NewLocked(cipher)
	aad := reply.AgentID[:]

	plaintext := []byte("enumerate shares")
	datagrams, err := pipeline.EncodeDatagram(cipher, frame.KindTaskDispatch, aad, plaintext, icmpMTUBudget, 1)
	if err != nil {
		t.Fatalf("EncodeDatagram: %v", err)
	}

	req2 := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: 2, Data: datagrams[0]},
	}
	wb2, err := req2.Marshal(nil)
	if err != nil {
		t.Fatalf("marshal request 2: %v", err)
	}
	if _, err := client.WriteTo(wb2, peer); err != nil {
		t.Fatalf("write request 2: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _, err = client.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	msg2, err := icmp.ParseMessage(protocolICMP, buf[:n])
	if err != nil {
		t.Fatalf("ParseMessage echo: %v", err)
	}
	echo2 := msg2.Body.(*icmp.Echo)

	isFragment, rest, err = pipeline.UnwrapDatagramEnvelope(echo2.Data)
	if err != nil || isFragment {
		t.Fatalf("expected whole-frame echo, isFragment=%v err=%v", isFragment, err)
	}
	ef, err := frame.Parse(rest)
	if err != nil {
		t.Fatalf("frame.Parse echo: %v", err)
	}
	plain, err := locked.Open(ef.Header.Magic, ef.Body, aad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ef.Header.Kind.Base() != frame.KindTaskResult {
		t.Fatalf("expected KindTaskResult echo, got %v", ef.Header.Kind)
	}
	if !bytes.Equal(plain, plaintext) {
		t.Fatalf("echo mismatch: got %q want %q", plain, plaintext)
	}
}

func TestICMPSendUnknownAgentFails(t *testing.T) {
	requireRawSocket(t)
	l := newEchoListener(t)
	if err := l.Send(ids.AgentID{}, []byte("x")); err == nil {
		t.Fatalf("expected error sending to unknown agent")
	}
}
