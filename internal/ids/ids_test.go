package ids

import "testing"

func TestAgentIDRoundTrip(t *testing.T) {
	id := NewAgentID()
	if id.IsZero() {
		t.Fatalf("freshly generated AgentID should not be zero")
	}

	parsed, err := ParseAgentID(id.String())
	if err != nil {
		t.Fatalf("ParseAgentID: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: got %s, want %s", parsed, id)
	}
}

func TestTaskIDDistinctFromAgentID(t *testing.T) {
	a := NewAgentID()
	tk := NewTaskID()
	// Different generation calls must not collide in practice; this also
	// documents that the two types are not interchangeable at compile time.
	if a.String() == tk.String() {
		t.Fatalf("AgentID and TaskID unexpectedly equal")
	}
}

func TestZeroValue(t *testing.T) {
	var id AgentID
	if !id.IsZero() {
		t.Fatalf("zero value AgentID should report IsZero")
	}
}

func TestAgentIDBytesRoundTrip(t *testing.T) {
	id := NewAgentID()
	got := AgentIDFromBytes(id.Bytes())
	if got != id {
		t.Fatalf("Bytes round trip mismatch: got %s, want %s", got, id)
	}
}

func TestTaskIDBytesRoundTrip(t *testing.T) {
	id := NewTaskID()
	got := TaskIDFromBytes(id.Bytes())
	if got != id {
		t.Fatalf("Bytes round trip mismatch: got %s, want %s", got, id)
	}
}
