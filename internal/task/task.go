// Package task implements the task lifecycle engine: creation, dispatch,
// completion, and timeout of per-agent work items (§4.4 of the networking
// substrate spec).
//
// Grounded on the teacher's scheduler.Scheduler — the same
// create-then-dispatch-with-non-fatal-failure shape (runJob/dispatch),
// generalized from cron-triggered backup jobs against a fixed JOB_TYPE_BACKUP
// payload to directly-created, arbitrarily-typed per-agent tasks with no
// underlying gocron cron expression (tasks are created on demand, not on a
// schedule — only the shared 1Hz sweeper is still a gocron job).
package task

import (
	"sync"
	"time"

	"github.com/duskrelay/beacon/internal/ids"
)

// Kind is the catalog of task types an agent can be asked to perform (§4.4).
type Kind int

const (
	KindUnknown Kind = iota
	KindShellExec
	KindFileDownload
	KindFileUpload
	KindModuleLoad
	KindModuleUnload
	KindConfigure
	KindProtocolSwitch
)

func (k Kind) String() string {
	switch k {
	case KindShellExec:
		return "shell_exec"
	case KindFileDownload:
		return "file_download"
	case KindFileUpload:
		return "file_upload"
	case KindModuleLoad:
		return "module_load"
	case KindModuleUnload:
		return "module_unload"
	case KindConfigure:
		return "configure"
	case KindProtocolSwitch:
		return "protocol_switch"
	default:
		return "unknown"
	}
}

// State is a task's position in its lifecycle (§4.4):
//
//	Created -> Sent -> Running -> (Completed | Failed | TimedOut | Canceled)
type State int

const (
	StateCreated State = iota
	StateSent
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one a task never leaves.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCanceled:
		return true
	default:
		return false
	}
}

// Task is one unit of work dispatched to a single agent (§4.4).
type Task struct {
	ID      ids.TaskID
	Agent   ids.AgentID
	Kind    Kind
	Payload []byte
	Timeout time.Duration

	mu     sync.Mutex
	state  State
	Result []byte
	Error  string

	CreatedAt  time.Time
	SentAt     time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
