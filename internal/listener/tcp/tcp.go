// Package tcp implements the length-prefixed TCP transport adapter (§4.1,
// §4.2, §6 end-to-end scenario 1 — "TCP echo"): an acceptor loop handing
// each connection a read goroutine and a write goroutine, mirroring the
// teacher's websocket.Client readPump/writePump split but over a raw
// net.Conn rather than a gorilla/websocket connection, and with the
// registration handshake and AEAD session-key negotiation the teacher's
// push-only hub never needed.
package tcp

import (
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync"
	"time"

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

// writeTimeout bounds how long a single frame write may block before the
// connection is considered stalled and closed.
const writeTimeout = 10 * time.Second

// sessionKeySize is the raw key length generated at registration time.
// 32 bytes satisfies both wired cipher families: AES-256-GCM takes it
// directly, and ChaCha20-Poly1305 requires exactly 32 bytes.
const sessionKeySize = 32

// attachment is the TCP session.Attachment: a thin wrapper over the raw
// connection that the session package uses only through its narrow
// interface, never as a concrete *net.Conn.
type attachment struct {
	conn       net.Conn
	listenerID ids.ListenerID
}

func (a *attachment) Kind() session.TransportKind { return session.TransportTCP }
func (a *attachment) ListenerID() ids.ListenerID  { return a.listenerID }
func (a *attachment) Write(frameBytes []byte) error {
	_, err := a.conn.Write(frameBytes)
	return err
}

// Listener implements listener.Listener for the TCP transport.
type Listener struct {
	id                ids.ListenerID
	cfg               config.TCPConfig
	ciphers           []byte
	heartbeatInterval time.Duration
	heartbeatJitter   time.Duration
	sessions          *session.Registry
	hooks             listener.Hooks
	logger            *zap.Logger

	mu      sync.Mutex
	state   listener.State
	ln      net.Listener
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New constructs a TCP listener. cipherPreference and the heartbeat
// defaults come from config.Config; sessions is the shared agent
// registry every transport adapter registers into.
func New(cfg config.TCPConfig, cipherPreference []byte, heartbeatInterval, heartbeatJitter time.Duration, sessions *session.Registry, hooks listener.Hooks, logger *zap.Logger) *Listener {
	return &Listener{
		id:                ids.NewListenerID(),
		cfg:               cfg,
		ciphers:           cipherPreference,
		heartbeatInterval: heartbeatInterval,
		heartbeatJitter:   heartbeatJitter,
		sessions:          sessions,
		hooks:             hooks,
		logger:            logger.Named("listener.tcp"),
		state:             listener.StateCreated,
		closeCh:           make(chan struct{}),
	}
}

func (l *Listener) ID() ids.ListenerID          { return l.id }
func (l *Listener) Kind() session.TransportKind { return session.TransportTCP }

func (l *Listener) State() listener.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start binds the configured address and spawns the acceptor goroutine.
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.state != listener.StateCreated {
		l.mu.Unlock()
		return errs.New(errs.AlreadyRunning, "tcp.Listener.Start", "listener already started")
	}
	ln, err := net.Listen("tcp", l.cfg.BindAddr)
	if err != nil {
		l.mu.Unlock()
		return errs.Wrap(errs.Bind, "tcp.Listener.Start", "bind "+l.cfg.BindAddr, err)
	}
	l.ln = ln
	l.state = listener.StateRunning
	l.mu.Unlock()

	l.logger.Info("tcp: listening", zap.String("addr", l.cfg.BindAddr))
	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Stop closes the listening socket, signals every worker goroutine to
// drain, and waits for them to exit.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.state != listener.StateRunning {
		l.mu.Unlock()
		return errs.New(errs.NotRunning, "tcp.Listener.Stop", "listener not running")
	}
	l.state = listener.StateStopping
	close(l.closeCh)
	ln := l.ln
	l.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	l.wg.Wait()

	l.mu.Lock()
	l.state = listener.StateStopped
	l.mu.Unlock()
	return nil
}

// Destroy stops the listener if still running. Idempotent.
func (l *Listener) Destroy() error {
	if l.State() == listener.StateRunning {
		return l.Stop()
	}
	return nil
}

// Send enqueues an already-framed payload for delivery to agent over
// whichever connection currently owns its attachment.
func (l *Listener) Send(agent ids.AgentID, frameBytes []byte) error {
	a, ok := l.sessions.Lookup(agent)
	if !ok {
		return errs.New(errs.NotFound, "tcp.Listener.Send", "unknown agent")
	}
	return a.SendOutbound(frameBytes)
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
			}
			l.logger.Warn("tcp: accept error", zap.Error(err))
			return
		}
		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	logger := l.logger.With(zap.String("remote_addr", remote))

	at := &attachment{conn: conn, listenerID: l.id}
	agent := l.sessions.Register(ids.AgentID{}, at)
	logger = logger.With(zap.String("agent_id", agent.ID.String()))

	done := make(chan struct{})
	go l.writePump(at, agent, logger, done)
	defer close(done)

	locked, ok := l.registerAgent(conn, agent, remote, logger)
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

// registerAgent performs the plaintext registration handshake (§6):
// read the Registration frame, pick a cipher family from the server's
// preference list (preferring whatever the client's frame magic
// requested), mint a random session key, lock in the cipher, and reply.
func (l *Listener) registerAgent(conn net.Conn, agent *session.Agent, remoteAddr string, logger *zap.Logger) (*aead.Locked, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
	raw, err := readRawFrame(conn)
	if err != nil {
		logger.Warn("tcp: registration read failed", zap.Error(err))
		return nil, false
	}
	f, err := frame.Parse(raw)
	if err != nil {
		logger.Warn("tcp: malformed registration frame", zap.Error(err))
		return nil, false
	}
	if f.Header.Kind != frame.KindRegistration {
		logger.Warn("tcp: expected registration frame first", zap.Uint16("kind", uint16(f.Header.Kind)))
		return nil, false
	}
	reg, err := frame.DecodeRegistration(f.Body)
	if err != nil {
		logger.Warn("tcp: malformed registration payload", zap.Error(err))
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
		logger.Error("tcp: session key generation failed", zap.Error(err))
		return nil, false
	}
	cipher, err := aead.ForMagic(magic, key)
	if err != nil {
		logger.Error("tcp: cipher init failed", zap.Error(err))
		return nil, false
	}
	locked := aead.NewLocked(cipher)

	if err := l.sessions.InstallCipher(agent.ID, locked); err != nil {
		logger.Error("tcp: install cipher failed", zap.Error(err))
		return nil, false
	}
	if err := l.sessions.UpdateInfo(agent.ID, reg.Hostname, reg.OSVersion, remoteAddr); err != nil {
		logger.Error("tcp: update info failed", zap.Error(err))
		return nil, false
	}

	interval := l.heartbeatInterval
	if requested := time.Duration(reg.HeartbeatIntervalSec) * time.Second; requested >= time.Second && requested <= 86400*time.Second {
		interval = requested
	}
	if err := l.sessions.SetHeartbeat(agent.ID, interval, l.heartbeatJitter); err != nil {
		logger.Error("tcp: set heartbeat failed", zap.Error(err))
		return nil, false
	}

	reply := frame.EncodeRegistrationReply(frame.RegistrationReply{
		AgentID:     agent.ID.Bytes(),
		CipherMagic: magic,
		SessionKey:  key,
	})
	if err := agent.SendOutbound(frame.Encode(magic, frame.KindRegistrationReply, reply)); err != nil {
		logger.Warn("tcp: queue registration reply failed", zap.Error(err))
		return nil, false
	}

	logger.Info("tcp: agent registered",
		zap.String("hostname", reg.Hostname),
		zap.String("os", reg.OSVersion),
		zap.Uint8("cipher_magic", magic),
	)
	return locked, true
}

// readLoop runs the steady-state inbound pipeline once a cipher is locked
// in: read a frame, open/decompress it, dispatch heartbeats internally and
// everything else to the OnMessage hook. Three consecutive decode
// failures close the session as a protocol desync (§7).
func (l *Listener) readLoop(conn net.Conn, agent *session.Agent, locked *aead.Locked, logger *zap.Logger) {
	aadBytes := agent.ID.Bytes()
	aad := aadBytes[:]

	for {
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		raw, err := readRawFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("tcp: connection closed", zap.Error(err))
			}
			return
		}

		kind, payload, err := pipeline.DecodeStream(locked, aad, raw)
		if err != nil {
			logger.Warn("tcp: decode failure", zap.Error(err))
			if agent.RecordDecodeFailure() {
				logger.Warn("tcp: protocol desync, closing session")
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

// writePump drains an agent's outbound queue onto the wire. It is the
// only goroutine per connection allowed to write — mirroring the
// teacher's single-writer rule for its gorilla/websocket connections,
// which applies just as much to a raw net.Conn.
func (l *Listener) writePump(at *attachment, agent *session.Agent, logger *zap.Logger, done <-chan struct{}) {
	for {
		select {
		case frameBytes := <-agent.Outbound():
			_ = at.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := at.Write(frameBytes); err != nil {
				logger.Warn("tcp: write error", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}

// readRawFrame reads one complete frame (header + body) off conn, relying
// on the header's own length field rather than an extra transport-level
// length prefix — the frame format is already self-delimiting.
func readRawFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, frame.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	hdr, err := frame.ParseHeader(header)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, frame.HeaderSize+int(hdr.Length))
	copy(buf, header)
	if hdr.Length > 0 {
		if _, err := io.ReadFull(conn, buf[frame.HeaderSize:]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
