package task

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duskrelay/beacon/internal/errs"
	"github.com/duskrelay/beacon/internal/ids"
	"github.com/duskrelay/beacon/internal/metrics"
)

// Dispatcher hands an already-serialized task payload to a specific agent's
// transport, the same role AgentManager.Dispatch plays for the teacher's
// scheduler. The engine depends only on this narrow interface so it never
// needs to know about sessions, AEAD, or framing — the bootstrap wires a
// concrete implementation that does seal-then-send.
type Dispatcher interface {
	Dispatch(agent ids.AgentID, taskID ids.TaskID, kind Kind, payload []byte) error
}

// Engine owns the collection of pending and historical tasks: creation,
// state mutation, per-agent query, and timeout enforcement (§4.4).
type Engine struct {
	mu      sync.RWMutex
	tasks   map[ids.TaskID]*Task
	byAgent map[ids.AgentID][]ids.TaskID

	dispatcher Dispatcher
	logger     *zap.Logger
	now        func() time.Time
	metrics    *metrics.Set
}

// New creates an Engine that dispatches through d. m may be nil in tests
// that don't care about operational counters.
func New(d Dispatcher, logger *zap.Logger, m *metrics.Set) *Engine {
	return &Engine{
		tasks:      make(map[ids.TaskID]*Task),
		byAgent:    make(map[ids.AgentID][]ids.TaskID),
		dispatcher: d,
		logger:     logger.Named("task"),
		now:        time.Now,
		metrics:    m,
	}
}

// recordTransition increments the task_state_transitions_total counter for
// the state a task just reached (§3.8).
func (e *Engine) recordTransition(s State) {
	if e.metrics == nil {
		return
	}
	e.metrics.TaskStateTransitions.WithLabelValues(s.String()).Inc()
}

// Create allocates a new task in the Created state. It does not dispatch —
// call Dispatch separately, mirroring the teacher's
// create-record-then-attempt-dispatch split (runJob/dispatch) so a failed
// send never loses the task record.
func (e *Engine) Create(agent ids.AgentID, kind Kind, payload []byte, timeout time.Duration) *Task {
	now := e.now()
	t := &Task{
		ID:        ids.NewTaskID(),
		Agent:     agent,
		Kind:      kind,
		Payload:   payload,
		Timeout:   timeout,
		state:     StateCreated,
		CreatedAt: now,
	}

	e.mu.Lock()
	e.tasks[t.ID] = t
	e.byAgent[agent] = append(e.byAgent[agent], t.ID)
	e.mu.Unlock()

	e.logger.Info("task created",
		zap.String("task_id", t.ID.String()),
		zap.String("agent_id", agent.String()),
		zap.String("kind", kind.String()),
	)
	e.recordTransition(StateCreated)
	return t
}

// Dispatch attempts to hand the task to its agent's transport. On success
// it calls mark_sent; on failure it calls fail("dispatch: <reason>") (§4.4)
// — a dispatch failure, including an agent that has disappeared, ends the
// task rather than leaving it stuck in Created forever (§3 invariant 3).
func (e *Engine) Dispatch(taskID ids.TaskID) error {
	t, ok := e.Find(taskID)
	if !ok {
		return errs.New(errs.NotFound, "task.Engine.Dispatch", "unknown task")
	}

	if err := e.dispatcher.Dispatch(t.Agent, t.ID, t.Kind, t.Payload); err != nil {
		e.logger.Warn("dispatch failed, failing task",
			zap.String("task_id", t.ID.String()),
			zap.String("agent_id", t.Agent.String()),
			zap.Error(err),
		)
		_ = e.Fail(t.ID, "dispatch: "+err.Error())
		return err
	}

	t.mu.Lock()
	t.state = StateSent
	t.SentAt = e.now()
	t.mu.Unlock()
	e.recordTransition(StateSent)

	e.logger.Info("task dispatched",
		zap.String("task_id", t.ID.String()),
		zap.String("agent_id", t.Agent.String()),
	)
	return nil
}

// MarkRunning transitions a task from Sent to Running, called on the
// agent's first progress report.
func (e *Engine) MarkRunning(taskID ids.TaskID) error {
	t, ok := e.Find(taskID)
	if !ok {
		return errs.New(errs.NotFound, "task.Engine.MarkRunning", "unknown task")
	}
	t.mu.Lock()
	if t.state.Terminal() {
		// The task already timed out or was canceled — a late "running"
		// report from the agent is discarded (§4.4).
		t.mu.Unlock()
		return nil
	}
	t.state = StateRunning
	t.StartedAt = e.now()
	t.mu.Unlock()
	e.recordTransition(StateRunning)
	return nil
}

// Complete records a successful result and moves the task to Completed. A
// result for a task that has already reached a terminal state (most
// commonly TimedOut) is discarded, per §4.4: "the agent's later result for
// a timed-out task is discarded."
func (e *Engine) Complete(taskID ids.TaskID, result []byte) error {
	t, ok := e.Find(taskID)
	if !ok {
		return errs.New(errs.NotFound, "task.Engine.Complete", "unknown task")
	}
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return nil
	}
	t.state = StateCompleted
	t.Result = result
	t.FinishedAt = e.now()
	t.mu.Unlock()
	e.recordTransition(StateCompleted)
	return nil
}

// Fail records an agent-reported failure and moves the task to Failed.
func (e *Engine) Fail(taskID ids.TaskID, reason string) error {
	t, ok := e.Find(taskID)
	if !ok {
		return errs.New(errs.NotFound, "task.Engine.Fail", "unknown task")
	}
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return nil
	}
	t.state = StateFailed
	t.Error = reason
	t.FinishedAt = e.now()
	t.mu.Unlock()
	e.recordTransition(StateFailed)
	return nil
}

// Cancel moves a non-terminal task to Canceled.
func (e *Engine) Cancel(taskID ids.TaskID) error {
	t, ok := e.Find(taskID)
	if !ok {
		return errs.New(errs.NotFound, "task.Engine.Cancel", "unknown task")
	}
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return nil
	}
	t.state = StateCanceled
	t.FinishedAt = e.now()
	t.mu.Unlock()
	e.recordTransition(StateCanceled)
	return nil
}

// Find looks up a task by ID.
func (e *Engine) Find(taskID ids.TaskID) (*Task, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[taskID]
	return t, ok
}

// ListForAgent returns every task (any state) created for agent, oldest
// first.
func (e *Engine) ListForAgent(agent ids.AgentID) []*Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	taskIDs := e.byAgent[agent]
	out := make([]*Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		if t, ok := e.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// SweepTimeouts runs one timeout-enforcement pass: any non-terminal task
// whose clock (sent time if set, else created time) has exceeded its
// timeout transitions to TimedOut with error "task timed out" (§4.4).
// Intended to run once a second alongside the heartbeat sweeper.
func (e *Engine) SweepTimeouts() (timedOut int) {
	now := e.now()

	e.mu.RLock()
	snapshot := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		snapshot = append(snapshot, t)
	}
	e.mu.RUnlock()

	for _, t := range snapshot {
		t.mu.Lock()
		if t.state.Terminal() {
			t.mu.Unlock()
			continue
		}
		clock := t.CreatedAt
		if !t.SentAt.IsZero() {
			clock = t.SentAt
		}
		if now.Sub(clock) > t.Timeout {
			t.state = StateTimedOut
			t.Error = "task timed out"
			t.FinishedAt = now
			t.mu.Unlock()
			timedOut++
			e.recordTransition(StateTimedOut)
			e.logger.Info("task timed out",
				zap.String("task_id", t.ID.String()),
				zap.String("agent_id", t.Agent.String()),
			)
			continue
		}
		t.mu.Unlock()
	}
	return timedOut
}
