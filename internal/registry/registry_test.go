package registry_test

import (
	"fmt"
	"sync"
	"testing"

	"proconnect/internal/registry"
)

type fakeSession struct {
	id     string
	pushed [][]byte
	mu     sync.Mutex
}

func (f *fakeSession) SessionID() string { return f.id }

func (f *fakeSession) Push(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, payload)
	return nil
}

func (f *fakeSession) Watching(int) bool { return false }

func TestRegistry_RegisterAndSessionsFor(t *testing.T) {
	r := registry.New()
	a := &fakeSession{id: "s1"}
	b := &fakeSession{id: "s2"}

	r.Register(7, a)
	r.Register(7, b)

	if got := len(r.SessionsFor(7)); got != 2 {
		t.Errorf("SessionsFor(7) returned %d sessions, want 2", got)
	}
}

func TestRegistry_SessionsForUnknownIdentity(t *testing.T) {
	r := registry.New()

	sessions := r.SessionsFor(99)
	if sessions == nil {
		t.Fatal("SessionsFor returned nil, want empty slice")
	}
	if len(sessions) != 0 {
		t.Errorf("SessionsFor returned %d sessions, want 0", len(sessions))
	}
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := registry.New()
	s := &fakeSession{id: "s1"}

	r.Register(1, s)
	r.Unregister(s)
	r.Unregister(s) // second removal must be a no-op

	if got := len(r.SessionsFor(1)); got != 0 {
		t.Errorf("SessionsFor(1) returned %d sessions after unregister, want 0", got)
	}
	if got := r.SessionCount(); got != 0 {
		t.Errorf("SessionCount() = %d, want 0", got)
	}
}

func TestRegistry_UnregisterLeavesOtherSessions(t *testing.T) {
	r := registry.New()
	a := &fakeSession{id: "s1"}
	b := &fakeSession{id: "s2"}

	r.Register(1, a)
	r.Register(1, b)
	r.Unregister(a)

	sessions := r.SessionsFor(1)
	if len(sessions) != 1 {
		t.Fatalf("SessionsFor(1) returned %d sessions, want 1", len(sessions))
	}
	if sessions[0].SessionID() != "s2" {
		t.Errorf("remaining session = %s, want s2", sessions[0].SessionID())
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := registry.New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s := &fakeSession{id: fmt.Sprintf("s%d", n)}
			r.Register(n%5, s)
			r.SessionsFor(n % 5)
			r.Unregister(s)
		}(i)
	}

	wg.Wait()

	if got := r.SessionCount(); got != 0 {
		t.Errorf("SessionCount() = %d after churn, want 0", got)
	}
}

func TestRegistry_FanOutReachesEverySession(t *testing.T) {
	r := registry.New()
	sessions := make([]*fakeSession, 3)
	for i := range sessions {
		sessions[i] = &fakeSession{id: fmt.Sprintf("s%d", i)}
		r.Register(42, sessions[i])
	}

	payload := []byte(`{"event":"message"}`)
	for _, p := range r.SessionsFor(42) {
		if err := p.Push(payload); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	for _, s := range sessions {
		if len(s.pushed) != 1 {
			t.Errorf("session %s received %d payloads, want 1", s.id, len(s.pushed))
		}
	}
}
