package server

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry is the server's authoritative view of who is connected.
//
// It tracks every live session and the username bound to each
// authenticated one. The lock guards only the two maps; callers never hold
// it across network I/O, and the registry never closes a session itself.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	byName   map[string]*Session
	metrics  *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		byName:   make(map[string]*Session),
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Add inserts a freshly accepted session.
func (r *Registry) Add(sess *Session) {
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	sessionCount := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(sessionCount)
	}
}

// Remove drops sess and, in the same critical section, its username
// mapping if that mapping still points at sess. It reports whether sess
// was present, so the caller can tell whether it did the cleanup.
func (r *Registry) Remove(sess *Session) bool {
	r.mu.Lock()
	if _, ok := r.sessions[sess.ID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sess.ID)
	if name := sess.Username(); name != "" && r.byName[name] == sess {
		delete(r.byName, name)
	}
	sessionCount, userCount := len(r.sessions), len(r.byName)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(sessionCount)
		r.metrics.RecordUsers(userCount)
	}
	return true
}

// Register binds name to sess if nobody holds it yet. It fails when the
// name is taken, when sess already has a name, or when sess has already
// been removed. The first of any number of concurrent attempts wins.
func (r *Registry) Register(name string, sess *Session) bool {
	r.mu.Lock()
	if _, taken := r.byName[name]; taken {
		r.mu.Unlock()
		return false
	}
	if _, live := r.sessions[sess.ID]; !live || sess.Authenticated() {
		r.mu.Unlock()
		return false
	}
	r.byName[name] = sess
	sess.username.Store(name)
	userCount := len(r.byName)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordUsers(userCount)
	}
	return true
}

// Lookup returns the session bound to name.
func (r *Registry) Lookup(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.byName[name]
	return sess, ok
}

// All returns a snapshot of every live session. The slice is the caller's
// to iterate while the registry keeps changing.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Values(r.sessions)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Usernames returns the bound usernames in sorted order.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	names := lo.Keys(r.byName)
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}
