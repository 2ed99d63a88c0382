// Package udp implements the single-socket UDP transport adapter (§4.1,
// §4.2): one read loop demultiplexing datagrams by source address into
// per-agent sessions, and a per-agent outbound goroutine that packetizes
// and fragments queued frames to the agent's last-known address.
//
// Grounded on the teacher's websocket.Hub (one shared resource, many
// logical peers, broadcast/targeted send through a registry) generalized
// from a fan-out pub/sub hub to a demultiplexing read loop keyed by
// net.UDPAddr instead of topic.
package udp

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duskrelay/beacon/internal/aead"
	"github.com/duskrelay/beacon/internal/config"
	"github.com/duskrelay/beacon/internal/errs"
	"github.com/duskrelay/beacon/internal/fragment"
	"github.com/duskrelay/beacon/internal/frame"
	"github.com/duskrelay/beacon/internal/ids"
	"github.com/duskrelay/beacon/internal/listener"
	"github.com/duskrelay/beacon/internal/pipeline"
	"github.com/duskrelay/beacon/internal/session"
)

const (
	sessionKeySize = 32
	readBufferSize = 65535
)

// attachment is the UDP session.Attachment: the shared socket plus the
// agent's last-observed source address, which may drift if the agent's
// NAT mapping changes — every inbound datagram refreshes it.
type attachment struct {
	mu         sync.RWMutex
	conn       *net.UDPConn
	addr       *net.UDPAddr
	listenerID ids.ListenerID
	mtuBudget  int
}

func (a *attachment) Kind() session.TransportKind { return session.TransportUDP }
func (a *attachment) ListenerID() ids.ListenerID  { return a.listenerID }

// Write packetizes an already-sealed, already-framed wire blob and writes
// each resulting datagram to the agent's current address.
func (a *attachment) Write(wire []byte) error {
	a.mu.RLock()
	addr := a.addr
	a.mu.RUnlock()

	datagrams, err := pipeline.PacketizeDatagram(wire, a.mtuBudget, nextFragmentID())
	if err != nil {
		return err
	}
	for _, d := range datagrams {
		if _, err := a.conn.WriteToUDP(d, addr); err != nil {
			return err
		}
	}
	return nil
}

func (a *attachment) touch(addr *net.UDPAddr) {
	a.mu.Lock()
	a.addr = addr
	a.mu.Unlock()
}

var fragmentIDCounter uint32

func nextFragmentID() uint16 {
	fragmentIDCounter++
	return uint16(fragmentIDCounter)
}

// Listener implements listener.Listener for the UDP transport.
type Listener struct {
	id                ids.ListenerID
	cfg               config.UDPConfig
	ciphers           []byte
	heartbeatInterval time.Duration
	heartbeatJitter   time.Duration
	sessions          *session.Registry
	reassembler       *fragment.Reassembler
	hooks             listener.Hooks
	logger            *zap.Logger

	mu          sync.Mutex
	state       listener.State
	conn        *net.UDPConn
	closeCh     chan struct{}
	wg          sync.WaitGroup
	attachments map[string]*attachment // keyed by agent ID string, for address lookups on reconnect
}

// New constructs a UDP listener that reassembles fragments in reassembler.
// cmd/beacond passes the same Reassembler to the UDP, ICMP and DNS
// listeners; its sets are keyed by (AgentID, fragment_id).
func New(cfg config.UDPConfig, cipherPreference []byte, heartbeatInterval, heartbeatJitter time.Duration, sessions *session.Registry, reassembler *fragment.Reassembler, hooks listener.Hooks, logger *zap.Logger) *Listener {
	return &Listener{
		id:                ids.NewListenerID(),
		cfg:               cfg,
		ciphers:           cipherPreference,
		heartbeatInterval: heartbeatInterval,
		heartbeatJitter:   heartbeatJitter,
		sessions:          sessions,
		reassembler:       reassembler,
		hooks:             hooks,
		logger:            logger.Named("listener.udp"),
		state:             listener.StateCreated,
		closeCh:           make(chan struct{}),
		attachments:       make(map[string]*attachment),
	}
}

func (l *Listener) ID() ids.ListenerID          { return l.id }
func (l *Listener) Kind() session.TransportKind { return session.TransportUDP }

func (l *Listener) State() listener.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start binds the configured UDP socket and spawns the single read loop.
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.state != listener.StateCreated {
		l.mu.Unlock()
		return errs.New(errs.AlreadyRunning, "udp.Listener.Start", "listener already started")
	}
	addr, err := net.ResolveUDPAddr("udp", l.cfg.BindAddr)
	if err != nil {
		l.mu.Unlock()
		return errs.Wrap(errs.Bind, "udp.Listener.Start", "resolve "+l.cfg.BindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		l.mu.Unlock()
		return errs.Wrap(errs.Bind, "udp.Listener.Start", "bind "+l.cfg.BindAddr, err)
	}
	l.conn = conn
	l.state = listener.StateRunning
	l.mu.Unlock()

	l.logger.Info("udp: listening", zap.String("addr", l.cfg.BindAddr))
	l.wg.Add(1)
	go l.readLoop()
	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.state != listener.StateRunning {
		l.mu.Unlock()
		return errs.New(errs.NotRunning, "udp.Listener.Stop", "listener not running")
	}
	l.state = listener.StateStopping
	close(l.closeCh)
	conn := l.conn
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
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

// Send enqueues an already-sealed, already-framed wire blob for delivery;
// the agent's attachment fragments it to the socket if it exceeds the
// configured MTU budget.
func (l *Listener) Send(agent ids.AgentID, frameBytes []byte) error {
	a, ok := l.sessions.Lookup(agent)
	if !ok {
		return errs.New(errs.NotFound, "udp.Listener.Send", "unknown agent")
	}
	return a.SendOutbound(frameBytes)
}

func (l *Listener) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
			}
			l.logger.Warn("udp: read error", zap.Error(err))
			return
		}
		datagram := append([]byte(nil), buf[:n]...)
		l.handleDatagram(datagram, addr)
	}
}

func (l *Listener) handleDatagram(datagram []byte, addr *net.UDPAddr) {
	isFragment, rest, err := pipeline.UnwrapDatagramEnvelope(datagram)
	if err != nil {
		l.logger.Debug("udp: malformed envelope", zap.Error(err))
		return
	}

	if !isFragment {
		f, err := frame.Parse(rest)
		if err != nil {
			l.logger.Debug("udp: malformed whole frame", zap.Error(err))
			return
		}
		if f.Header.Kind == frame.KindRegistration {
			l.handleRegistration(f, addr)
			return
		}
	}

	// Anything else requires a known, already-registered agent keyed by
	// source address; find it among attachments by address match.
	agent, at, ok := l.findByAddr(addr)
	if !ok {
		l.logger.Debug("udp: datagram from unregistered source", zap.String("addr", addr.String()))
		return
	}
	at.touch(addr)

	locked := agent.Cipher()
	if locked == nil {
		return
	}
	aadBytes := agent.ID.Bytes()
	kind, payload, err := pipeline.DecodeDatagram(locked, l.reassembler, agent.ID, aadBytes[:], datagram)
	if err != nil {
		l.logger.Warn("udp: decode failure", zap.Error(err))
		if agent.RecordDecodeFailure() {
			_ = l.sessions.Disconnect(agent.ID)
		}
		return
	}
	if payload == nil {
		return // fragment accepted, set not yet complete
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

func (l *Listener) handleRegistration(f *frame.Frame, addr *net.UDPAddr) {
	reg, err := frame.DecodeRegistration(f.Body)
	if err != nil {
		l.logger.Warn("udp: malformed registration payload", zap.Error(err))
		return
	}

	at := &attachment{conn: l.conn, addr: addr, listenerID: l.id, mtuBudget: l.cfg.MTUBudget}
	agent := l.sessions.Register(ids.AgentID{}, at)

	l.mu.Lock()
	l.attachments[agent.ID.String()] = at
	l.mu.Unlock()

	magic := l.ciphers[0]
	for _, m := range l.ciphers {
		if m == f.Header.Magic {
			magic = m
			break
		}
	}
	key := make([]byte, sessionKeySize)
	if _, err := rand.Read(key); err != nil {
		l.logger.Error("udp: session key generation failed", zap.Error(err))
		return
	}
	cipher, err := aead.ForMagic(magic, key)
	if err != nil {
		l.logger.Error("udp: cipher init failed", zap.Error(err))
		return
	}
	locked := aead.NewLocked(cipher)

	if err := l.sessions.InstallCipher(agent.ID, locked); err != nil {
		l.logger.Error("udp: install cipher failed", zap.Error(err))
		return
	}
	if err := l.sessions.UpdateInfo(agent.ID, reg.Hostname, reg.OSVersion, addr.String()); err != nil {
		l.logger.Error("udp: update info failed", zap.Error(err))
		return
	}

	interval := l.heartbeatInterval
	if requested := time.Duration(reg.HeartbeatIntervalSec) * time.Second; requested >= time.Second && requested <= 86400*time.Second {
		interval = requested
	}
	if err := l.sessions.SetHeartbeat(agent.ID, interval, l.heartbeatJitter); err != nil {
		l.logger.Error("udp: set heartbeat failed", zap.Error(err))
		return
	}

	reply := frame.EncodeRegistrationReply(frame.RegistrationReply{
		AgentID:     agent.ID.Bytes(),
		CipherMagic: magic,
		SessionKey:  key,
	})
	replyWire := frame.Encode(magic, frame.KindRegistrationReply, reply)
	datagram := pipeline.WrapRegistrationDatagram(replyWire)
	if _, err := l.conn.WriteToUDP(datagram, addr); err != nil {
		l.logger.Warn("udp: write registration reply failed", zap.Error(err))
		return
	}

	if l.hooks.OnConnect != nil {
		l.hooks.OnConnect(agent)
	}

	l.logger.Info("udp: agent registered",
		zap.String("agent_id", agent.ID.String()),
		zap.String("hostname", reg.Hostname),
		zap.Uint8("cipher_magic", magic),
	)

	// Drain this agent's outbound queue to the socket until the listener
	// stops, a write fails, or the agent is Disconnected; UDP has no
	// per-connection goroutine to piggyback on.
	l.wg.Add(1)
	go l.drainOutbound(agent, at)
}

func (l *Listener) findByAddr(addr *net.UDPAddr) (*session.Agent, *attachment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for idStr, at := range l.attachments {
		at.mu.RLock()
		match := at.addr != nil && at.addr.String() == addr.String()
		at.mu.RUnlock()
		if match {
			id, err := ids.ParseAgentID(idStr)
			if err != nil {
				continue
			}
			agent, ok := l.sessions.Lookup(id)
			if !ok {
				continue
			}
			return agent, at, true
		}
	}
	return nil, nil, false
}

func (l *Listener) drainOutbound(agent *session.Agent, at *attachment) {
	defer l.wg.Done()
	for {
		select {
		case wire := <-agent.Outbound():
			if err := at.Write(wire); err != nil {
				l.logger.Warn("udp: write error", zap.Error(err), zap.String("agent_id", agent.ID.String()))
				return
			}
		case <-l.closeCh:
			return
		}
		if agent.State().Terminal() {
			return
		}
	}
}
