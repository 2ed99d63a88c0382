// Package ids defines the 128-bit identifiers used throughout the core:
// AgentID for sessions and TaskID for dispatched work items. Both are
// thin, type-safe wrappers over uuid.UUID so a TaskID can never be passed
// where an AgentID is expected — the compiler catches it.
package ids

import "github.com/google/uuid"

// AgentID uniquely identifies one agent session for the lifetime of the
// server process. Assigned on first contact (Registry.Register), never
// reused.
type AgentID uuid.UUID

// NewAgentID allocates a fresh, random AgentID.
func NewAgentID() AgentID {
	return AgentID(uuid.New())
}

// String renders the canonical dashed hex form.
func (id AgentID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero value (never assigned).
func (id AgentID) IsZero() bool {
	return id == AgentID{}
}

// ParseAgentID parses the canonical string form produced by String.
func ParseAgentID(s string) (AgentID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AgentID{}, err
	}
	return AgentID(u), nil
}

// Bytes returns the raw 16-byte form, for embedding in wire payloads.
func (id AgentID) Bytes() [16]byte { return [16]byte(id) }

// AgentIDFromBytes reconstructs an AgentID from its raw 16-byte form.
func AgentIDFromBytes(b [16]byte) AgentID { return AgentID(b) }

// TaskID uniquely identifies one dispatched unit of work.
type TaskID uuid.UUID

// NewTaskID allocates a fresh, random TaskID.
func NewTaskID() TaskID {
	return TaskID(uuid.New())
}

func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

func (id TaskID) IsZero() bool {
	return id == TaskID{}
}

// ParseTaskID parses the canonical string form produced by String.
func ParseTaskID(s string) (TaskID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TaskID{}, err
	}
	return TaskID(u), nil
}

// Bytes returns the raw 16-byte form, for embedding in wire payloads.
func (id TaskID) Bytes() [16]byte { return [16]byte(id) }

// TaskIDFromBytes reconstructs a TaskID from its raw 16-byte form.
func TaskIDFromBytes(b [16]byte) TaskID { return TaskID(b) }

// ListenerID identifies one running listener instance within the listener
// registry. Sessions store a ListenerID rather than a pointer back to the
// listener itself, breaking the listener<->agent ownership cycle called out
// in the design notes.
type ListenerID uuid.UUID

// NewListenerID allocates a fresh, random ListenerID.
func NewListenerID() ListenerID {
	return ListenerID(uuid.New())
}

func (id ListenerID) String() string {
	return uuid.UUID(id).String()
}
