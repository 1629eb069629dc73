package nvwal

import "testing"

func TestAgentStateTransitions(t *testing.T) {
	var s agentState
	s.store(threadInit)
	if s.load() != threadInit {
		t.Fatalf("load() = %v, want threadInit", s.load())
	}
	if s.stopping() {
		t.Fatal("expected a fresh agentState to not be stopping")
	}

	s.requestStop()
	if !s.stopping() {
		t.Fatal("expected requestStop to mark the state as stopping")
	}
	if s.load() != threadStopRequested {
		t.Fatalf("load() = %v, want threadStopRequested", s.load())
	}
}

func TestNewFlusherInitialState(t *testing.T) {
	wal := &WAL{cfg: Config{}}
	fl := newFlusher(wal)
	if fl.state.load() != threadInit {
		t.Fatalf("newFlusher state = %v, want threadInit", fl.state.load())
	}
	if len(fl.copiedUpTo) != 0 {
		t.Fatalf("copiedUpTo len = %d, want 0 for a WAL with no writers", len(fl.copiedUpTo))
	}
}
