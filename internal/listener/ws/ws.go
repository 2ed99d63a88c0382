// Package ws implements the WebSocket transport adapter (§4.1): an
// http.Server routed through chi, upgrading to a gorilla/websocket
// connection per agent and running the same readPump/writePump split the
// teacher's websocket.Client uses, adapted from a push-only pub/sub hub to
// a bidirectional registration-then-stream session.
package ws

import (
	"context"
	"crypto/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duskrelay/beacon/internal/aead"
	"github.com/duskrelay/beacon/internal/config"
	"github.com/duskrelay/beacon/internal/errs"
	"github.com/duskrelay/beacon/internal/frame"
	"github.com/duskrelay/beacon/internal/ids"
	"github.com/duskrelay/beacon/internal/listener"
	"github.com/duskrelay/beacon/internal/pipeline"
	"github.com/duskrelay/beacon/internal/session"
)

const (
	sessionKeySize = 32
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// attachment is the WS session.Attachment: a thin wrapper over the
// upgraded gorilla/websocket connection.
type attachment struct {
	conn       *websocket.Conn
	listenerID ids.ListenerID
}

func (a *attachment) Kind() session.TransportKind { return session.TransportWS }
func (a *attachment) ListenerID() ids.ListenerID  { return a.listenerID }
func (a *attachment) Write(frameBytes []byte) error {
	return a.conn.WriteMessage(websocket.BinaryMessage, frameBytes)
}

// Listener implements listener.Listener for the WebSocket transport.
type Listener struct {
	id                ids.ListenerID
	cfg               config.WSConfig
	ciphers           []byte
	heartbeatInterval time.Duration
	heartbeatJitter   time.Duration
	sessions          *session.Registry
	hooks             listener.Hooks
	logger            *zap.Logger

	mu    sync.Mutex
	state listener.State
	srv   *http.Server
	ln    net.Listener
	wg    sync.WaitGroup
}

// New constructs a WS listener bound to cfg.BindAddr, serving upgrades on
// cfg.Path.
func New(cfg config.WSConfig, cipherPreference []byte, heartbeatInterval, heartbeatJitter time.Duration, sessions *session.Registry, hooks listener.Hooks, logger *zap.Logger) *Listener {
	return &Listener{
		id:                ids.NewListenerID(),
		cfg:               cfg,
		ciphers:           cipherPreference,
		heartbeatInterval: heartbeatInterval,
		heartbeatJitter:   heartbeatJitter,
		sessions:          sessions,
		hooks:             hooks,
		logger:            logger.Named("listener.ws"),
		state:             listener.StateCreated,
	}
}

func (l *Listener) ID() ids.ListenerID          { return l.id }
func (l *Listener) Kind() session.TransportKind { return session.TransportWS }

func (l *Listener) State() listener.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start mounts the upgrade route on a chi router and serves it on its own
// listening socket.
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.state != listener.StateCreated {
		l.mu.Unlock()
		return errs.New(errs.AlreadyRunning, "ws.Listener.Start", "listener already started")
	}
	ln, err := net.Listen("tcp", l.cfg.BindAddr)
	if err != nil {
		l.mu.Unlock()
		return errs.Wrap(errs.Bind, "ws.Listener.Start", "bind "+l.cfg.BindAddr, err)
	}

	router := chi.NewRouter()
	router.Get(l.cfg.Path, l.handleUpgrade)

	l.srv = &http.Server{Handler: router}
	l.ln = ln
	l.state = listener.StateRunning
	l.mu.Unlock()

	l.logger.Info("ws: listening", zap.String("addr", l.cfg.BindAddr), zap.String("path", l.cfg.Path))
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.logger.Warn("ws: serve error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server and waits for its Serve
// goroutine. Connections already upgraded to WebSocket are hijacked from
// the HTTP server, so Stop neither closes them nor waits for their
// read/write goroutines.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.state != listener.StateRunning {
		l.mu.Unlock()
		return errs.New(errs.NotRunning, "ws.Listener.Stop", "listener not running")
	}
	l.state = listener.StateStopping
	srv := l.srv
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	l.wg.Wait()

	l.mu.Lock()
	l.state = listener.StateStopped
	l.mu.Unlock()
	if err != nil {
		return errs.Wrap(errs.Internal, "ws.Listener.Stop", "graceful shutdown", err)
	}
	return nil
}

// Destroy stops the listener if still running. Idempotent.
func (l *Listener) Destroy() error {
	if l.State() == listener.StateRunning {
		return l.Stop()
	}
	return nil
}

// Send enqueues an already-sealed, already-framed wire blob for delivery
// as one binary WebSocket message.
func (l *Listener) Send(agent ids.AgentID, frameBytes []byte) error {
	a, ok := l.sessions.Lookup(agent)
	if !ok {
		return errs.New(errs.NotFound, "ws.Listener.Send", "unknown agent")
	}
	return a.SendOutbound(frameBytes)
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	logger := l.logger.With(zap.String("remote_addr", r.RemoteAddr))

	at := &attachment{conn: conn, listenerID: l.id}
	agent := l.sessions.Register(ids.AgentID{}, at)
	logger = logger.With(zap.String("agent_id", agent.ID.String()))

	done := make(chan struct{})
	defer close(done)
	go l.writePump(at, agent, logger, done)

	locked, ok := l.registerAgent(conn, agent, r.RemoteAddr, logger)
	if !ok {
		_ = l.sessions.Disconnect(agent.ID)
		return
	}

	if l.hooks.OnConnect != nil {
		l.hooks.OnConnect(agent)
	}
	defer func() {
		_ = l.sessions.Disconnect(agent.ID)
		if l.hooks.OnDisconnect != nil {
			l.hooks.OnDisconnect(agent)
		}
	}()

	l.readLoop(conn, agent, locked, logger)
}

// registerAgent reads the first WebSocket message, which must carry a
// plaintext Registration frame (§6), negotiates a cipher, and replies —
// the same handshake as the TCP adapter, just message- rather than
// stream-framed.
func (l *Listener) registerAgent(conn *websocket.Conn, agent *session.Agent, remoteAddr string, logger *zap.Logger) (*aead.Locked, bool) {
	_, body, err := conn.ReadMessage()
	if err != nil {
		logger.Warn("ws: registration read failed", zap.Error(err))
		return nil, false
	}
	f, err := frame.Parse(body)
	if err != nil {
		logger.Warn("ws: malformed registration frame", zap.Error(err))
		return nil, false
	}
	if f.Header.Kind != frame.KindRegistration {
		logger.Warn("ws: expected registration frame first", zap.Uint16("kind", uint16(f.Header.Kind)))
		return nil, false
	}
	reg, err := frame.DecodeRegistration(f.Body)
	if err != nil {
		logger.Warn("ws: malformed registration payload", zap.Error(err))
		return nil, false
	}

	magic := l.ciphers[0]
	for _, m := range l.ciphers {
		if m == f.Header.Magic {
			magic = m
			break
		}
	}
	key := make([]byte, sessionKeySize)
	if _, err := rand.Read(key); err != nil {
		logger.Error("ws: session key generation failed", zap.Error(err))
		return nil, false
	}
	cipher, err := aead.ForMagic(magic, key)
	if err != nil {
		logger.Error("ws: cipher init failed", zap.Error(err))
		return nil, false
	}
	locked := aead.NewLocked(cipher)

	if err := l.sessions.InstallCipher(agent.ID, locked); err != nil {
		logger.Error("ws: install cipher failed", zap.Error(err))
		return nil, false
	}
	if err := l.sessions.UpdateInfo(agent.ID, reg.Hostname, reg.OSVersion, remoteAddr); err != nil {
		logger.Error("ws: update info failed", zap.Error(err))
		return nil, false
	}

	interval := l.heartbeatInterval
	if requested := time.Duration(reg.HeartbeatIntervalSec) * time.Second; requested >= time.Second && requested <= 86400*time.Second {
		interval = requested
	}
	if err := l.sessions.SetHeartbeat(agent.ID, interval, l.heartbeatJitter); err != nil {
		logger.Error("ws: set heartbeat failed", zap.Error(err))
		return nil, false
	}

	reply := frame.EncodeRegistrationReply(frame.RegistrationReply{
		AgentID:     agent.ID.Bytes(),
		CipherMagic: magic,
		SessionKey:  key,
	})
	if err := agent.SendOutbound(frame.Encode(magic, frame.KindRegistrationReply, reply)); err != nil {
		logger.Warn("ws: queue registration reply failed", zap.Error(err))
		return nil, false
	}

	logger.Info("ws: agent registered",
		zap.String("hostname", reg.Hostname),
		zap.String("os", reg.OSVersion),
		zap.Uint8("cipher_magic", magic),
	)
	return locked, true
}

func (l *Listener) readLoop(conn *websocket.Conn, agent *session.Agent, locked *aead.Locked, logger *zap.Logger) {
	aadBytes := agent.ID.Bytes()
	aad := aadBytes[:]

	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("ws: connection closed", zap.Error(err))
			return
		}

		kind, payload, err := pipeline.DecodeStream(locked, aad, body)
		if err != nil {
			logger.Warn("ws: decode failure", zap.Error(err))
			if agent.RecordDecodeFailure() {
				logger.Warn("ws: protocol desync, closing session")
				return
			}
			continue
		}
		agent.RecordDecodeSuccess()

		switch kind {
		case frame.KindHeartbeat:
			_ = l.sessions.OnHeartbeat(agent.ID)
		default:
			if l.hooks.OnMessage != nil {
				l.hooks.OnMessage(agent, payload)
			}
		}
	}
}

// writePump is the only goroutine allowed to write to conn, matching the
// teacher's gorilla/websocket single-writer rule. It also drives the
// ping/pong keepalive the teacher's hub uses to detect a stale peer.
func (l *Listener) writePump(at *attachment, agent *session.Agent, logger *zap.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frameBytes := <-agent.Outbound():
			_ = at.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := at.Write(frameBytes); err != nil {
				logger.Warn("ws: write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = at.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := at.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}
