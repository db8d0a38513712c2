// Package registry tracks which identities currently hold live channel
// sessions and answers fan-out lookups.
package registry

import "sync"

// Pusher is the minimal surface the registry needs from a live channel
// session. The chat gateway's sessions implement it; tests use fakes.
type Pusher interface {
	// SessionID is unique per connection, across all identities.
	SessionID() string
	// Push enqueues an outbound payload without blocking.
	Push(payload []byte) error
	// Watching reports whether the session has joined the conversation.
	Watching(conversationID int) bool
}

// Registry is a concurrency-safe identity -> session multi-map. It is
// mutated from independent connection lifecycles and read during fan-out,
// so all access goes through the lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int]map[string]Pusher // userID -> sessionID -> session
	owners   map[string]int            // sessionID -> userID
}

func New() *Registry {
	return &Registry{
		sessions: make(map[int]map[string]Pusher),
		owners:   make(map[string]int),
	}
}

// Register adds the session to the identity's session set. The same
// identity may register any number of sessions (multi-device).
func (r *Registry) Register(userID int, p Pusher) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.sessions[userID]
	if set == nil {
		set = make(map[string]Pusher)
		r.sessions[userID] = set
	}
	set[p.SessionID()] = p
	r.owners[p.SessionID()] = userID
}

// Unregister removes the session from whatever identity owns it.
// A no-op if the session was already removed.
func (r *Registry) Unregister(p Pusher) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.owners[p.SessionID()]
	if !ok {
		return
	}
	delete(r.owners, p.SessionID())

	set := r.sessions[userID]
	delete(set, p.SessionID())
	if len(set) == 0 {
		delete(r.sessions, userID)
	}
}

// SessionsFor returns a snapshot of the identity's live sessions.
// Returns an empty slice for unknown identities.
func (r *Registry) SessionsFor(userID int) []Pusher {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.sessions[userID]
	out := make([]Pusher, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	return out
}

// SessionCount returns the total number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
