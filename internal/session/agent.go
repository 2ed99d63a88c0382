// Package session implements the agent registry: the authoritative mapping
// of agent identities to live transport attachments, including
// heartbeat-based liveness (§4.3 of the networking substrate spec).
//
// Grounded on the teacher's agentmanager.Manager — the same RWMutex-guarded
// map-of-pointers shape, generalized from one gRPC stream per agent to a
// transport-kind-tagged Attachment, and with the lifecycle state machine
// and heartbeat accounting the teacher's single-state "connected" registry
// didn't need.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/duskrelay/beacon/internal/aead"
	"github.com/duskrelay/beacon/internal/errs"
	"github.com/duskrelay/beacon/internal/ids"
	"github.com/duskrelay/beacon/internal/metrics"
)

// outboundQueueDepth is the default bound on an agent's outbound frame
// queue (§5: "default 256"). A full queue fails Send with a backpressure
// error rather than growing without bound.
const outboundQueueDepth = 256

// desyncStrikes is how many consecutive framing/crypto failures on one
// session close it with reason "protocol desync" (§7).
const desyncStrikes = 3

// Agent represents one remote endpoint that has completed at least a
// transport-level handshake (§4.3). Per-agent mutable fields (state,
// last heartbeat) are guarded by the Agent's own mutex, not the Registry's
// — the design notes call this out explicitly to keep heartbeat updates
// from contending on the whole-registry lock.
type Agent struct {
	ID ids.AgentID

	// Attachment is read-only after ProtocolSwitch/construction except
	// under the Agent's own lock.
	mu         sync.Mutex
	state      State
	attachment Attachment

	Hostname string
	OS       string
	Address  string

	FirstSeen time.Time
	lastSeen  time.Time

	heartbeatInterval time.Duration
	heartbeatJitter   time.Duration

	cipher *aead.Locked

	desyncCount atomic.Int32

	outbound chan []byte
	metrics  *metrics.Set
}

func newAgent(id ids.AgentID, attachment Attachment, now time.Time, m *metrics.Set) *Agent {
	return &Agent{
		ID:         id,
		state:      StateNew,
		attachment: attachment,
		FirstSeen:  now,
		lastSeen:   now,
		outbound:   make(chan []byte, outboundQueueDepth),
		metrics:    m,
	}
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Attachment returns the agent's current transport attachment.
func (a *Agent) Attachment() Attachment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attachment
}

// LastSeen returns the timestamp of the most recent heartbeat (or
// first-contact time, if none has arrived yet).
func (a *Agent) LastSeen() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeen
}

// HeartbeatConfig returns the agent's negotiated interval and jitter.
func (a *Agent) HeartbeatConfig() (interval, jitter time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heartbeatInterval, a.heartbeatJitter
}

// Cipher returns the agent's locked-in AEAD cipher, or nil if none has
// been installed yet (pre-registration).
func (a *Agent) Cipher() *aead.Locked {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cipher
}

// CipherMagic reports which AEAD family this agent's session key was
// negotiated under (0 if no cipher has been installed yet).
func (a *Agent) CipherMagic() byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cipher == nil {
		return 0
	}
	return a.cipher.Magic()
}

// SendOutbound enqueues one already-framed payload for delivery on this
// agent's transport attachment. Returns an errs.Send "backpressure" error
// if the queue is full instead of blocking or growing unboundedly (§5).
func (a *Agent) SendOutbound(frame []byte) error {
	select {
	case a.outbound <- frame:
		return nil
	default:
		if a.metrics != nil {
			a.metrics.BackpressureDrops.Inc()
		}
		return errs.New(errs.Send, "session.Agent.SendOutbound", "backpressure")
	}
}

// Outbound exposes the agent's outbound queue for the owning listener's
// writer loop to drain.
func (a *Agent) Outbound() <-chan []byte {
	return a.outbound
}

// RecordDecodeFailure increments the consecutive framing/crypto failure
// counter and reports whether it has now reached the strike threshold that
// closes the session for protocol desync (§7).
func (a *Agent) RecordDecodeFailure() (shouldClose bool) {
	shouldClose = a.desyncCount.Add(1) >= desyncStrikes
	if shouldClose && a.metrics != nil {
		a.metrics.ProtocolDesyncs.Inc()
	}
	return shouldClose
}

// RecordDecodeSuccess resets the consecutive failure counter.
func (a *Agent) RecordDecodeSuccess() {
	a.desyncCount.Store(0)
}
