package task

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/duskrelay/beacon/internal/ids"
)

type fakeDispatcher struct {
	fail  bool
	err   error
	calls int
}

func (f *fakeDispatcher) Dispatch(agent ids.AgentID, taskID ids.TaskID, kind Kind, payload []byte) error {
	f.calls++
	if f.fail {
		if f.err != nil {
			return f.err
		}
		return errors.New("transport unavailable")
	}
	return nil
}

func newTestEngine(d Dispatcher) *Engine {
	return New(d, zap.NewNop(), nil)
}

func TestCreateStartsInCreatedState(t *testing.T) {
	e := newTestEngine(&fakeDispatcher{})
	agent := ids.NewAgentID()

	tk := e.Create(agent, KindShellExec, []byte("whoami"), 5*time.Second)
	if tk.State() != StateCreated {
		t.Fatalf("expected Created, got %s", tk.State())
	}
	if tk.CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to be stamped")
	}
}

func TestDispatchTransitionsToSent(t *testing.T) {
	e := newTestEngine(&fakeDispatcher{})
	agent := ids.NewAgentID()
	tk := e.Create(agent, KindShellExec, []byte("ls"), 5*time.Second)

	if err := e.Dispatch(tk.ID); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if tk.State() != StateSent {
		t.Fatalf("expected Sent, got %s", tk.State())
	}
	if tk.SentAt.IsZero() {
		t.Fatalf("expected SentAt to be stamped")
	}
}

func TestDispatchFailureFailsTask(t *testing.T) {
	d := &fakeDispatcher{fail: true}
	e := newTestEngine(d)
	agent := ids.NewAgentID()
	tk := e.Create(agent, KindShellExec, []byte("ls"), 5*time.Second)

	if err := e.Dispatch(tk.ID); err == nil {
		t.Fatalf("expected dispatch error to propagate")
	}
	if tk.State() != StateFailed {
		t.Fatalf("a failed dispatch must move the task to Failed, got %s", tk.State())
	}
	if tk.Error != "dispatch: transport unavailable" {
		t.Fatalf("expected canonical dispatch failure reason, got %q", tk.Error)
	}
}

func TestDispatchOfVanishedAgentFailsWithAgentGone(t *testing.T) {
	d := &fakeDispatcher{fail: true, err: errors.New("agent gone")}
	e := newTestEngine(d)
	agent := ids.NewAgentID()
	tk := e.Create(agent, KindShellExec, []byte("ls"), 5*time.Second)

	if err := e.Dispatch(tk.ID); err == nil {
		t.Fatalf("expected dispatch error to propagate")
	}
	if tk.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", tk.State())
	}
	if tk.Error != "dispatch: agent gone" {
		t.Fatalf(`expected "dispatch: agent gone", got %q`, tk.Error)
	}
}

func TestCompleteDiscardedAfterTimeout(t *testing.T) {
	e := newTestEngine(&fakeDispatcher{})
	agent := ids.NewAgentID()
	fixedNow := time.Now()
	e.now = func() time.Time { return fixedNow }

	tk := e.Create(agent, KindShellExec, []byte("ls"), 2*time.Second)
	if err := e.Dispatch(tk.ID); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	e.now = func() time.Time { return fixedNow.Add(3 * time.Second) }
	if n := e.SweepTimeouts(); n != 1 {
		t.Fatalf("expected one task to time out, got %d", n)
	}
	if tk.State() != StateTimedOut {
		t.Fatalf("expected TimedOut, got %s", tk.State())
	}
	if tk.Error != "task timed out" {
		t.Fatalf("expected canonical timeout error message, got %q", tk.Error)
	}

	if err := e.Complete(tk.ID, []byte("result arrived too late")); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if tk.State() != StateTimedOut {
		t.Fatalf("a late completion must not override TimedOut, got %s", tk.State())
	}
	if tk.Result != nil {
		t.Fatalf("a late result must be discarded, got %v", tk.Result)
	}
}

func TestSweepTimeoutsIgnoresTasksWithinBudget(t *testing.T) {
	e := newTestEngine(&fakeDispatcher{})
	agent := ids.NewAgentID()
	fixedNow := time.Now()
	e.now = func() time.Time { return fixedNow }

	tk := e.Create(agent, KindShellExec, []byte("ls"), 10*time.Second)
	if err := e.Dispatch(tk.ID); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	e.now = func() time.Time { return fixedNow.Add(1 * time.Second) }
	if n := e.SweepTimeouts(); n != 0 {
		t.Fatalf("expected no timeouts yet, got %d", n)
	}
	if tk.State() != StateSent {
		t.Fatalf("expected Sent, got %s", tk.State())
	}
}

func TestListForAgentReturnsOnlyThatAgentsTasks(t *testing.T) {
	e := newTestEngine(&fakeDispatcher{})
	agentA := ids.NewAgentID()
	agentB := ids.NewAgentID()

	ta := e.Create(agentA, KindShellExec, nil, time.Second)
	e.Create(agentB, KindShellExec, nil, time.Second)

	tasks := e.ListForAgent(agentA)
	if len(tasks) != 1 || tasks[0].ID != ta.ID {
		t.Fatalf("expected exactly task %s for agentA, got %v", ta.ID, tasks)
	}
}

func TestCancelIsIdempotentOnTerminalTask(t *testing.T) {
	e := newTestEngine(&fakeDispatcher{})
	agent := ids.NewAgentID()
	tk := e.Create(agent, KindShellExec, nil, time.Second)

	if err := e.Complete(tk.ID, []byte("done")); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := e.Cancel(tk.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if tk.State() != StateCompleted {
		t.Fatalf("Cancel must not override an already-terminal state, got %s", tk.State())
	}
}
