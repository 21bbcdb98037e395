// Package presence tracks which users are online. Registry is the
// authoritative in-process map of user to live connection; Directory mirrors
// it into Redis so other server instances can find where a user is hosted.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/verbose/chat/internal/protocol"
)

// Entry is the live connection currently bound to a user.
type Entry struct {
	UserID   string
	ConnID   string
	LastSeen time.Time
}

// Registry maps users to their single live connection. The zero value is
// not usable; create one with NewRegistry.
type Registry struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]Entry  // user_id -> entry
	byConn  map[string]string // conn_id -> user_id
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for lastSeen.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now:     time.Now,
		entries: make(map[string]Entry),
		byConn:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join binds userID to connID and returns the installed entry. When the user
// was bound to a different connection, that connection id is returned as
// evicted; the caller must terminate it.
func (r *Registry) Join(userID, connID string) (entry Entry, evicted string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[userID]; ok && prev.ConnID != connID {
		evicted = prev.ConnID
		delete(r.byConn, prev.ConnID)
	}

	// A connection carries a single identity.
	if prevUser, ok := r.byConn[connID]; ok && prevUser != userID {
		if e, ok := r.entries[prevUser]; ok && e.ConnID == connID {
			delete(r.entries, prevUser)
		}
	}

	entry = Entry{UserID: userID, ConnID: connID, LastSeen: r.now()}
	r.entries[userID] = entry
	r.byConn[connID] = userID
	return entry, evicted
}

// Leave unbinds connID. It removes the user's entry only if it still points
// at connID, so a close from a superseded connection never evicts a newer
// join. removed reports whether an authoritative entry was dropped.
func (r *Registry) Leave(connID string) (userID string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		// Never joined, or already superseded: drop any orphan.
		for uid, e := range r.entries {
			if e.ConnID == connID {
				delete(r.entries, uid)
			}
		}
		return "", false
	}
	delete(r.byConn, connID)

	if e, ok := r.entries[userID]; ok && e.ConnID == connID {
		delete(r.entries, userID)
		return userID, true
	}
	return userID, false
}

// Lookup returns the connection bound to userID.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	return e.ConnID, ok
}

// UserOf returns the user bound to connID.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uid, ok := r.byConn[connID]
	return uid, ok
}

// Get returns the full entry for userID.
func (r *Registry) Get(userID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	return e, ok
}

// Snapshot lists every online user, ordered by id.
func (r *Registry) Snapshot() []protocol.UserStatus {
	r.mu.Lock()
	out := make([]protocol.UserStatus, 0, len(r.entries))
	for uid := range r.entries {
		out = append(out, protocol.UserStatus{ID: uid, Online: true})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
