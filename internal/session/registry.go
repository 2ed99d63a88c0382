package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duskrelay/beacon/internal/aead"
	"github.com/duskrelay/beacon/internal/errs"
	"github.com/duskrelay/beacon/internal/ids"
	"github.com/duskrelay/beacon/internal/metrics"
)

const (
	minHeartbeatInterval = time.Second
	maxHeartbeatInterval = 86400 * time.Second
)

// Registry is the in-memory index of every agent that has completed at
// least a transport-level handshake. Safe for concurrent use: listener
// acceptor goroutines, the heartbeat sweeper, and the task engine all
// touch it from separate goroutines.
//
// Only the index itself (the map) is guarded by the Registry's lock; each
// Agent's own mutable fields are guarded by the Agent's own mutex, so a
// heartbeat update on one agent never contends with a lookup of another.
type Registry struct {
	mu      sync.RWMutex
	agents  map[ids.AgentID]*Agent
	logger  *zap.Logger
	now     func() time.Time
	metrics *metrics.Set
}

// New creates an empty Registry. m may be nil in tests that don't care
// about operational counters.
func New(logger *zap.Logger, m *metrics.Set) *Registry {
	return &Registry{
		agents:  make(map[ids.AgentID]*Agent),
		logger:  logger.Named("session"),
		now:     time.Now,
		metrics: m,
	}
}

// Register inserts a newly handshaked transport attachment into the
// registry. If reconnect is non-zero and already known, the existing
// Agent record is updated in place with the fresh attachment and returned
// (the reconnection case); otherwise a new AgentID is allocated.
func (r *Registry) Register(reconnect ids.AgentID, attachment Attachment) *Agent {
	now := r.now()

	if !reconnect.IsZero() {
		r.mu.RLock()
		existing, ok := r.agents[reconnect]
		r.mu.RUnlock()
		if ok {
			existing.mu.Lock()
			existing.attachment = attachment
			existing.state = StateConnected
			existing.lastSeen = now
			existing.mu.Unlock()
			existing.desyncCount.Store(0)
			r.logger.Info("agent reconnected",
				zap.String("agent_id", existing.ID.String()),
				zap.String("transport", attachment.Kind().String()),
			)
			return existing
		}
	}

	agent := newAgent(ids.NewAgentID(), attachment, now, r.metrics)
	agent.state = StateConnected

	r.mu.Lock()
	r.agents[agent.ID] = agent
	total := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("agent connected",
		zap.String("agent_id", agent.ID.String()),
		zap.String("transport", attachment.Kind().String()),
		zap.Int("total_connected", total),
	)
	return agent
}

// Lookup returns the Agent for id, if known.
func (r *Registry) Lookup(id ids.AgentID) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// UpdateInfo records the hostname/OS/address an agent reported at
// registration time and marks it Registered.
func (r *Registry) UpdateInfo(id ids.AgentID, hostname, os, address string) error {
	a, ok := r.Lookup(id)
	if !ok {
		return errs.New(errs.NotFound, "session.Registry.UpdateInfo", "unknown agent")
	}
	a.mu.Lock()
	a.Hostname = hostname
	a.OS = os
	a.Address = address
	if a.state == StateConnected {
		a.state = StateRegistered
	}
	a.mu.Unlock()
	return nil
}

// SetHeartbeat installs the agreed heartbeat interval and jitter for an
// agent. Constraints per §4.3: 1 <= interval <= 86400 seconds, jitter <=
// interval.
func (r *Registry) SetHeartbeat(id ids.AgentID, interval, jitter time.Duration) error {
	if interval < minHeartbeatInterval || interval > maxHeartbeatInterval {
		return errs.New(errs.InvalidArgument, "session.Registry.SetHeartbeat", "interval out of range")
	}
	if jitter > interval {
		return errs.New(errs.InvalidArgument, "session.Registry.SetHeartbeat", "jitter exceeds interval")
	}
	a, ok := r.Lookup(id)
	if !ok {
		return errs.New(errs.NotFound, "session.Registry.SetHeartbeat", "unknown agent")
	}
	a.mu.Lock()
	a.heartbeatInterval = interval
	a.heartbeatJitter = jitter
	a.mu.Unlock()
	return nil
}

// OnHeartbeat records a received heartbeat: touches last-seen and, if the
// agent had drifted into Inactive, restores it to Active.
func (r *Registry) OnHeartbeat(id ids.AgentID) error {
	a, ok := r.Lookup(id)
	if !ok {
		return errs.New(errs.NotFound, "session.Registry.OnHeartbeat", "unknown agent")
	}
	a.mu.Lock()
	a.lastSeen = r.now()
	if a.state == StateInactive {
		a.state = StateActive
	}
	a.mu.Unlock()
	a.RecordDecodeSuccess()
	return nil
}

// IsTimedOut reports whether id has gone silent for longer than its
// negotiated interval+jitter.
func (r *Registry) IsTimedOut(id ids.AgentID) (bool, error) {
	a, ok := r.Lookup(id)
	if !ok {
		return false, errs.New(errs.NotFound, "session.Registry.IsTimedOut", "unknown agent")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.heartbeatInterval == 0 {
		return false, nil
	}
	return r.now().Sub(a.lastSeen) > a.heartbeatInterval+a.heartbeatJitter, nil
}

// SwitchProtocol atomically replaces an agent's transport attachment and,
// if provided, its locked-in cipher, per a ProtocolSwitch directive
// (§4.2/§4.3). A nil cipher leaves the existing one installed — a protocol
// switch changes the transport, not the negotiated AEAD family.
func (r *Registry) SwitchProtocol(id ids.AgentID, attachment Attachment, cipher *aead.Locked) error {
	a, ok := r.Lookup(id)
	if !ok {
		return errs.New(errs.NotFound, "session.Registry.SwitchProtocol", "unknown agent")
	}
	a.mu.Lock()
	a.attachment = attachment
	if cipher != nil {
		a.cipher = cipher
	}
	a.mu.Unlock()
	return nil
}

// InstallCipher locks in the AEAD cipher family negotiated during
// registration. Called once, right after the registration handshake
// completes.
func (r *Registry) InstallCipher(id ids.AgentID, cipher *aead.Locked) error {
	a, ok := r.Lookup(id)
	if !ok {
		return errs.New(errs.NotFound, "session.Registry.InstallCipher", "unknown agent")
	}
	a.mu.Lock()
	a.cipher = cipher
	a.mu.Unlock()
	return nil
}

// Disconnect marks an agent Disconnected immediately. Listeners call this
// when their transport attachment observes a definitive close (EOF, reset,
// a desync strike-out) rather than waiting for the heartbeat sweeper's
// silence-based timeout to notice.
func (r *Registry) Disconnect(id ids.AgentID) error {
	a, ok := r.Lookup(id)
	if !ok {
		return errs.New(errs.NotFound, "session.Registry.Disconnect", "unknown agent")
	}
	a.setState(StateDisconnected)
	return nil
}

// Sweep runs one heartbeat-liveness pass (§4.3): every agent not already
// in a terminal state is re-evaluated against its own last-heartbeat
// clock — Disconnected if silent for more than 3*interval+jitter,
// Inactive if silent for more than interval+jitter, Active otherwise.
// onDisconnect fires exactly once per agent, the instant it first moves
// into Disconnected, matching the spec's "transitions fire on_disconnect
// only when moving into Disconnected for the first time." Agents with no
// heartbeat negotiated yet (interval == 0, still mid-registration) are
// left alone. Intended to run once a second alongside the task-timeout
// and fragment-reassembly sweeps.
func (r *Registry) Sweep(onDisconnect func(*Agent)) {
	now := r.now()

	for _, a := range r.GetAll() {
		a.mu.Lock()
		if a.state.Terminal() || a.heartbeatInterval == 0 {
			a.mu.Unlock()
			continue
		}
		silence := now.Sub(a.lastSeen)
		var next State
		switch {
		case silence > 3*a.heartbeatInterval+a.heartbeatJitter:
			next = StateDisconnected
		case silence > a.heartbeatInterval+a.heartbeatJitter:
			next = StateInactive
		default:
			next = StateActive
		}
		becameDisconnected := next == StateDisconnected && a.state != StateDisconnected
		a.state = next
		a.mu.Unlock()

		if becameDisconnected {
			r.logger.Info("agent disconnected (heartbeat timeout)", zap.String("agent_id", a.ID.String()))
			if onDisconnect != nil {
				onDisconnect(a)
			}
		}
	}
}

// GetAll returns a snapshot slice of every currently known agent.
func (r *Registry) GetAll() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}
