package session

import "testing"

func TestManagerTracksSessionsAcrossConnections(t *testing.T) {
	m := NewManager()
	var last int
	m.SetChangeHook(func(n int) { last = n })

	a := m.Open()
	b := m.Open()
	if a == "" || a == b {
		t.Fatalf("connection ids should be unique, got %q and %q", a, b)
	}

	m.SetActive(a, 2)
	m.SetActive(b, 1)
	if got := m.ActiveCount(); got != 3 {
		t.Fatalf("ActiveCount() = %d, want 3", got)
	}
	if last != 3 {
		t.Fatalf("hook total = %d, want 3", last)
	}

	m.Close(a)
	if got := m.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() after close = %d, want 1", got)
	}
	if last != 1 {
		t.Fatalf("hook total = %d, want 1", last)
	}
	if got := m.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1", got)
	}
}

func TestManagerIgnoresUnknownConnection(t *testing.T) {
	m := NewManager()
	calls := 0
	m.SetChangeHook(func(int) { calls++ })
	m.SetActive("missing", 4)
	m.Close("missing")
	if calls != 0 || m.ActiveCount() != 0 {
		t.Fatalf("unknown connection should be ignored: calls=%d active=%d", calls, m.ActiveCount())
	}
}
