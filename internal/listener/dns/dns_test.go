package dns

import (
	"bytes"
	"encoding/base32"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/duskrelay/beacon/internal/aead"
	"github.com/duskrelay/beacon/internal/config"
	"github.com/duskrelay/beacon/internal/fragment"
	"github.com/duskrelay/beacon/internal/frame"
	"github.com/duskrelay/beacon/internal/ids"
	"github.com/duskrelay/beacon/internal/listener"
	"github.com/duskrelay/beacon/internal/pipeline"
	"github.com/duskrelay/beacon/internal/session"
)

const testZone = "beacon.test."

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

	cfg := config.DNSConfig{Enabled: true, BindAddr: "127.0.0.1:0", Zone: testZone, MTUBudget: 240}
	l := New(cfg, []byte{aead.MagicAESGCM}, 30*time.Second, 5*time.Second, sessions, reassembler, hooks, zap.NewNop())
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = l.Stop() })
	return l
}

func encodeQueryName(datagram []byte) string {
	encoded := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(datagram))
	var labels []string
	for len(encoded) > 63 {
		labels = append(labels, encoded[:63])
		encoded = encoded[63:]
	}
	labels = append(labels, encoded)
	return strings.Join(labels, ".") + "." + testZone
}

func buildQuery(id uint16, name string) []byte {
	builder := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: id, RecursionDesired: true})
	_ = builder.StartQuestions()
	_ = builder.Question(dnsmessage.Question{
		Name:  dnsmessage.MustNewName(name),
		Type:  dnsmessage.TypeTXT,
		Class: dnsmessage.ClassINET,
	})
	wb, err := builder.Finish()
	if err != nil {
		panic(err)
	}
	return wb
}

func decodeTXTAnswer(t *testing.T, raw []byte) []byte {
	t.Helper()
	var msg dnsmessage.Message
	if err := msg.Unpack(raw); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(msg.Answers) != 1 {
		t.Fatalf("expected exactly one answer, got %d", len(msg.Answers))
	}
	txt, ok := msg.Answers[0].Body.(*dnsmessage.TXTResource)
	if !ok {
		t.Fatalf("expected TXT resource body")
	}
	var encoded strings.Builder
	for _, s := range txt.TXT {
		encoded.WriteString(s)
	}
	data, err := base64.StdEncoding.DecodeString(encoded.String())
	if err != nil {
		t.Fatalf("base64 decode: %v", err)
	}
	return data
}

func TestDNSRegistrationAndEchoRoundTrip(t *testing.T) {
	l := newEchoListener(t)

	conn, err := net.DialUDP("udp", nil, l.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	regBody := frame.EncodeRegistration(frame.Registration{
		Hostname:             "resolver-proxy-1",
		OSVersion:            "linux/amd64",
		HeartbeatIntervalSec: 120,
	})
	regWire := frame.Encode(aead.MagicAESGCM, frame.KindRegistration, regBody)
	regDatagram := pipeline.WrapRegistrationDatagram(regWire)

	query := buildQuery(1, encodeQueryName(regDatagram))
	if _, err := conn.Write(query); err != nil {
		t.Fatalf("write query: %v", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	replyDatagram := decodeTXTAnswer(t, buf[:n])

	isFragment, rest, err := pipeline.UnwrapDatagramEnvelope(replyDatagram)
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

	plaintext := []byte("whoami")
	datagrams, err := pipeline.EncodeDatagram(cipher, frame.KindTaskDispatch, aad, plaintext, 240, 1)
	if err != nil {
		t.Fatalf("EncodeDatagram: %v", err)
	}

	query2 := buildQuery(2, encodeQueryName(datagrams[0]))
	if _, err := conn.Write(query2); err != nil {
		t.Fatalf("write query 2: %v", err)
	}

	n, err = conn.Read(buf)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	echoDatagram := decodeTXTAnswer(t, buf[:n])

	isFragment, rest, err = pipeline.UnwrapDatagramEnvelope(echoDatagram)
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

func TestDNSSendUnknownAgentFails(t *testing.T) {
	l := newEchoListener(t)
	if err := l.Send(ids.AgentID{}, []byte("x")); err == nil {
		t.Fatalf("expected Send to unknown agent to fail")
	}
}
