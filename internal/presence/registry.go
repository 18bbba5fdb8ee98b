// Package presence tracks which users currently hold a realtime
// connection. State is process-local only: a restart loses all entries
// and clients re-register on reconnect.
package presence

import (
	"sync"
	"time"
)

type Status string

const (
	StatusOnline Status = "online"
	StatusAway   Status = "away"
	StatusBusy   Status = "busy"
)

// Entry is one user's connection state. Last connection wins: a user
// open in two tabs is represented by the most recent registration.
type Entry struct {
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	Username     string    `json:"username"`
	AvatarURL    string    `json:"avatar_url"`
	Status       Status    `json:"status"`
	LastSeen     time.Time `json:"last_seen"`
}

// Registry is an injected, lifecycle-scoped map of online users.
// Broadcast side effects on register/unregister belong to the gateway,
// not here.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register records the connection, replacing any prior entry for the user.
func (r *Registry) Register(userID, connectionID, username, avatarURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[userID] = Entry{
		UserID:       userID,
		ConnectionID: connectionID,
		Username:     username,
		AvatarURL:    avatarURL,
		Status:       StatusOnline,
		LastSeen:     time.Now().UTC(),
	}
}

// Unregister removes the user's entry if connectionID still owns it.
// A stale unregister from a replaced connection is ignored so that a
// quick reconnect does not knock the new connection offline.
func (r *Registry) Unregister(userID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok || e.ConnectionID != connectionID {
		return false
	}
	delete(r.entries, userID)
	return true
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[userID]
	return ok
}

// SetStatus updates the user's status; unknown statuses and absent
// users are a no-op.
func (r *Registry) SetStatus(userID string, status Status) bool {
	switch status {
	case StatusOnline, StatusAway, StatusBusy:
	default:
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return false
	}
	e.Status = status
	e.LastSeen = time.Now().UTC()
	r.entries[userID] = e
	return true
}

// Get returns the entry for userID, if present.
func (r *Registry) Get(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	return e, ok
}

// Snapshot lists all online entries, used to seed a newly-connected
// client's view of who is online.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}
