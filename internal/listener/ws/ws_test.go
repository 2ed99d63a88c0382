package ws

import (
	"bytes"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duskrelay/beacon/internal/aead"
	"github.com/duskrelay/beacon/internal/config"
	"github.com/duskrelay/beacon/internal/frame"
	"github.com/duskrelay/beacon/internal/listener"
	"github.com/duskrelay/beacon/internal/pipeline"
	"github.com/duskrelay/beacon/internal/session"
)

func newEchoListener(t *testing.T) *Listener {
	t.Helper()
	sessions := session.New(zap.NewNop(), nil)

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

	cfg := config.WSConfig{Enabled: true, BindAddr: "127.0.0.1:0", Path: "/ws"}
	l := New(cfg, []byte{aead.MagicAESGCM}, 30*time.Second, 5*time.Second, sessions, hooks, zap.NewNop())
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = l.Stop() })
	return l
}

func TestWSRegistrationAndEchoRoundTrip(t *testing.T) {
	l := newEchoListener(t)

	u := url.URL{Scheme: "ws", Host: l.ln.Addr().String(), Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	regBody := frame.EncodeRegistration(frame.Registration{
		Hostname:             "operator-console",
		OSVersion:            "darwin/arm64",
		HeartbeatIntervalSec: 45,
	})
	regWire := frame.Encode(aead.MagicAESGCM, frame.KindRegistration, regBody)
	if err := conn.WriteMessage(websocket.BinaryMessage, regWire); err != nil {
		t.Fatalf("write registration: %v", err)
	}

	_, body, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read registration reply: %v", err)
	}
	f, err := frame.Parse(body)
	if err != nil {
		t.Fatalf("frame.Parse: %v", err)
	}
	if f.Header.Kind != frame.KindRegistrationReply {
		t.Fatalf("expected KindRegistrationReply, got %v", f.Header.Kind)
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

	plaintext := []byte("list processes")
	wire, err := pipeline.EncodeStream(cipher, frame.KindTaskDispatch, aad, plaintext)
	if err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, wire); err != nil {
		t.Fatalf("write message: %v", err)
	}

	_, echoBody, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	kind, got, err := pipeline.DecodeStream(locked, aad, echoBody)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if kind != frame.KindTaskResult {
		t.Fatalf("expected KindTaskResult echo, got %v", kind)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("echo mismatch: got %q want %q", got, plaintext)
	}
}
