package crawler

import (
	"sync"
	"time"
)

// domainState tracks in-memory scheduling state for one host. Entries are
// created lazily on first queue inspection and live for the process lifetime.
type domainState struct {
	mu                sync.Mutex
	host              string
	domainID          int64
	blocked           bool
	activeCount       int
	totalCount        int
	consecutiveErrors int
	lastCrawlAt       time.Time
	robotsFetchedAt   time.Time
}

func (s *domainState) tryAcquire(limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked || s.activeCount >= limit {
		return false
	}
	s.activeCount++
	return true
}

// cancelAcquire undoes tryAcquire for a dispatch that never started.
func (s *domainState) cancelAcquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeCount--
}

func (s *domainState) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeCount--
	s.totalCount++
	s.lastCrawlAt = time.Now()
}

func (s *domainState) recordError() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors++
	return s.consecutiveErrors
}

func (s *domainState) resetErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors = 0
}

func (s *domainState) block() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = true
}

func (s *domainState) isBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

func (s *domainState) snapshot() (active, total, errors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCount, s.totalCount, s.consecutiveErrors
}

// stateRegistry is the shared host -> domainState map. A coarse mutex guards
// the map; each entry carries its own lock for counter updates.
type stateRegistry struct {
	mu     sync.RWMutex
	states map[string]*domainState
}

func newStateRegistry() *stateRegistry {
	return &stateRegistry{states: map[string]*domainState{}}
}

func (r *stateRegistry) get(host string, domainID int64, blocked bool) *domainState {
	r.mu.RLock()
	state, ok := r.states[host]
	r.mu.RUnlock()
	if ok {
		return state
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.states[host]; ok {
		return state
	}
	state = &domainState{host: host, domainID: domainID, blocked: blocked}
	r.states[host] = state
	return state
}

func (r *stateRegistry) lookup(host string) (*domainState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[host]
	return state, ok
}

// unblock clears the blocked flag and error streak for one host, for
// operator-driven domain recovery.
func (r *stateRegistry) unblock(host string) {
	r.mu.RLock()
	state, ok := r.states[host]
	r.mu.RUnlock()
	if !ok {
		return
	}
	state.mu.Lock()
	state.blocked = false
	state.consecutiveErrors = 0
	state.mu.Unlock()
}

func (r *stateRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// each calls fn for every tracked host.
func (r *stateRegistry) each(fn func(host string, s *domainState)) {
	r.mu.RLock()
	hosts := make([]*domainState, 0, len(r.states))
	for _, s := range r.states {
		hosts = append(hosts, s)
	}
	r.mu.RUnlock()
	for _, s := range hosts {
		fn(s.host, s)
	}
}
