package fragment

import (
	"sync"
	"time"

	"github.com/duskrelay/beacon/internal/errs"
	"github.com/duskrelay/beacon/internal/ids"
	"github.com/duskrelay/beacon/internal/metrics"
)

// expireAfter is how long an incomplete fragment set is kept before the
// sweeper evicts it (§4.2: "any in-flight set older than 60s is evicted").
const expireAfter = 60 * time.Second

// setKey identifies one in-flight fragment set: one agent, one fragment_id.
type setKey struct {
	agent      ids.AgentID
	fragmentID uint16
}

// inFlightSet holds the slots received so far for one (agent, fragment_id)
// pair. n is fixed by the first fragment seen for this key; later
// fragments claiming a different n are rejected as protocol errors by the
// caller, not silently merged.
type inFlightSet struct {
	n         uint8
	slots     [][]byte // len == n once n is known
	filled    []bool
	count     int
	createdAt time.Time
}

// Reassembler holds all in-flight fragment sets across every agent. One
// Reassembler instance is shared by the whole server (guarded by a single
// mutex, not sharded — contention is low since fragmentation only happens
// on datagram transports under MTU pressure).
type Reassembler struct {
	mu      sync.Mutex
	sets    map[setKey]*inFlightSet
	now     func() time.Time
	metrics *metrics.Set
}

// New creates an empty Reassembler. m may be nil in tests that don't care
// about operational counters.
func New(m *metrics.Set) *Reassembler {
	return &Reassembler{
		sets:    make(map[setKey]*inFlightSet),
		now:     time.Now,
		metrics: m,
	}
}

// RecordChecksumFailure increments the fragment_checksum_failures_total
// counter. Called by the pipeline's inbound decode path the instant
// fragment.Parse reports a checksum mismatch (§4.2) — the reassembler
// itself never sees the dropped fragment, but it owns the metrics handle
// for the whole fragmentation layer, so callers report through it rather
// than each datagram listener reaching into *metrics.Set directly.
func (r *Reassembler) RecordChecksumFailure() {
	if r.metrics != nil {
		r.metrics.ChecksumFailures.Inc()
	}
}

// Add feeds one fragment into the reassembler. It returns (message, true,
// nil) the moment the set identified by (agent, header.FragmentID)
// completes; otherwise (nil, false, nil). Duplicate (fragment_id, idx)
// pairs are silently dropped (invariant 5, §3) — re-delivery returns
// (nil, false, nil) without error.
func (r *Reassembler) Add(agent ids.AgentID, h Header, body []byte) ([]byte, bool, error) {
	if h.N == 0 {
		return nil, false, errs.New(errs.Protocol, "fragment.Reassembler.Add", "fragment declares n=0")
	}
	if h.Idx >= h.N {
		return nil, false, errs.New(errs.Protocol, "fragment.Reassembler.Add", "fragment idx out of range")
	}

	key := setKey{agent: agent, fragmentID: h.FragmentID}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[key]
	if !ok {
		set = &inFlightSet{
			n:         h.N,
			slots:     make([][]byte, h.N),
			filled:    make([]bool, h.N),
			createdAt: r.now(),
		}
		r.sets[key] = set
	}
	if set.n != h.N {
		return nil, false, errs.New(errs.Protocol, "fragment.Reassembler.Add", "fragment set size changed mid-flight")
	}
	if set.filled[h.Idx] {
		// Idempotent duplicate — drop silently.
		return nil, false, nil
	}

	body = append([]byte(nil), body...) // own the slice; caller's buffer may be reused
	set.slots[h.Idx] = body
	set.filled[h.Idx] = true
	set.count++

	if set.count < int(set.n) {
		return nil, false, nil
	}

	// Complete: concatenate in index order and drop the set.
	total := 0
	for _, s := range set.slots {
		total += len(s)
	}
	msg := make([]byte, 0, total)
	for _, s := range set.slots {
		msg = append(msg, s...)
	}
	delete(r.sets, key)
	return msg, true, nil
}

// Sweep evicts every in-flight set older than expireAfter. Intended to run
// once a second from the server's shared 1Hz sweeper alongside the
// heartbeat and task-timeout sweeps (§5).
func (r *Reassembler) Sweep() (evicted int) {
	cutoff := r.now().Add(-expireAfter)

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, set := range r.sets {
		if set.createdAt.Before(cutoff) {
			delete(r.sets, key)
			evicted++
		}
	}
	return evicted
}

// InFlightCount reports how many fragment sets are currently incomplete,
// for metrics and tests.
func (r *Reassembler) InFlightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}
