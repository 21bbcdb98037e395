// Package typing keeps the advisory "is typing" state between pairs of users.
// Entries expire after a fixed TTL; expiry is evaluated lazily on read, there
// is no background sweep.
package typing

import (
	"sync"
	"time"
)

// DefaultTTL is how long a typing=true announcement stays valid.
const DefaultTTL = 3 * time.Second

type pair struct {
	sender    string
	recipient string
}

// Tracker maps (sender, recipient) pairs to an expiry instant.
type Tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	ttl     time.Duration
	entries map[pair]time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.ttl = ttl }
}

// NewTracker creates an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		now:     time.Now,
		ttl:     DefaultTTL,
		entries: make(map[pair]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Set records or removes the typing state of sender towards recipient.
func (t *Tracker) Set(sender, recipient string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := pair{sender, recipient}
	if isTyping {
		t.entries[k] = t.now().Add(t.ttl)
		return
	}
	delete(t.entries, k)
}

// Clear removes the state for the pair and reports whether it was active.
func (t *Tracker) Clear(sender, recipient string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := pair{sender, recipient}
	exp, ok := t.entries[k]
	delete(t.entries, k)
	return ok && t.now().Before(exp)
}

// IsTyping reports whether sender is currently typing to recipient. Expired
// entries are dropped on the way.
func (t *Tracker) IsTyping(sender, recipient string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := pair{sender, recipient}
	exp, ok := t.entries[k]
	if !ok {
		return false
	}
	if !t.now().Before(exp) {
		delete(t.entries, k)
		return false
	}
	return true
}

// DropSender removes every entry keyed by sender and returns the recipients
// that had one.
func (t *Tracker) DropSender(sender string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var recipients []string
	for k := range t.entries {
		if k.sender == sender {
			recipients = append(recipients, k.recipient)
			delete(t.entries, k)
		}
	}
	return recipients
}

// Len returns the number of stored entries, expired or not.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
