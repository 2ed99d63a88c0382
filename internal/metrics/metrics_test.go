package metrics

import "testing"

func TestNewRegistersAllCollectors(t *testing.T) {
	s := New()

	s.ChecksumFailures.Inc()
	s.ProtocolDesyncs.Inc()
	s.BackpressureDrops.Inc()
	s.ActiveSessions.WithLabelValues("active").Set(3)
	s.ActiveFragmentSets.Set(1)
	s.TaskStateTransitions.WithLabelValues("completed").Inc()

	families, err := s.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 6 {
		t.Fatalf("expected 6 registered metric families, got %d", len(families))
	}
}
