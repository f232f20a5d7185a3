package client

import (
	"sync"
)

// SessionTracker binds session ids to the Endpoint objects that created
// them and counts live sessions per endpoint for load-aware selection.
type SessionTracker struct {
	mu       sync.Mutex
	bindings map[string]*Endpoint
	counts   map[*Endpoint]int
}

// NewSessionTracker builds an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		bindings: make(map[string]*Endpoint),
		counts:   make(map[*Endpoint]int),
	}
}

// Bind records a session on its endpoint.
func (t *SessionTracker) Bind(sessionID string, endpoint *Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.bindings[sessionID]; ok {
		t.counts[prev]--
	}
	t.bindings[sessionID] = endpoint
	t.counts[endpoint]++
}

// Unbind forgets a session. Unknown ids are a no-op.
func (t *SessionTracker) Unbind(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if endpoint, ok := t.bindings[sessionID]; ok {
		delete(t.bindings, sessionID)
		if t.counts[endpoint] > 0 {
			t.counts[endpoint]--
		}
	}
}

// EndpointFor returns the endpoint a session is bound to.
func (t *SessionTracker) EndpointFor(sessionID string) (*Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	endpoint, ok := t.bindings[sessionID]
	return endpoint, ok
}

// Count returns the live session count on an endpoint.
func (t *SessionTracker) Count(endpoint *Endpoint) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[endpoint]
}

// DropEndpoint removes every binding to the endpoint and returns the
// orphaned session ids.
func (t *SessionTracker) DropEndpoint(endpoint *Endpoint) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped []string
	for sessionID, bound := range t.bindings {
		if bound == endpoint {
			dropped = append(dropped, sessionID)
			delete(t.bindings, sessionID)
		}
	}
	t.counts[endpoint] = 0
	return dropped
}

// TotalSessions counts all tracked sessions.
func (t *SessionTracker) TotalSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bindings)
}
