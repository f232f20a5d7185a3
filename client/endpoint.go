// Package client implements the multinode OJP client: a load-aware,
// health-tracking connection manager fronted by a database/sql driver.
// Connections fan out to every healthy proxy endpoint; sessions stick to
// the endpoint that created them for their whole life.
package client

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Endpoint is one proxy server address. Session bindings reference the
// Endpoint object itself, never its string form, so two spellings of the
// same host cannot split state.
type Endpoint struct {
	addr string

	mu            sync.Mutex
	healthy       bool
	lastFailureAt time.Time
}

func newEndpoint(addr string) *Endpoint {
	return &Endpoint{addr: addr, healthy: true}
}

// Address returns the host:port form.
func (e *Endpoint) Address() string { return e.addr }

// Healthy reports current health.
func (e *Endpoint) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// MarkUnhealthy records a connection-class failure.
func (e *Endpoint) MarkUnhealthy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = false
	e.lastFailureAt = time.Now()
}

// MarkHealthy records recovery.
func (e *Endpoint) MarkHealthy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = true
}

// LastFailure returns when the endpoint last went unhealthy.
func (e *Endpoint) LastFailure() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFailureAt
}

const urlScheme = "jdbc:ojp["

// ParseURL splits the client-facing multinode URL form
//
//	jdbc:ojp[ep1:port,ep2:port,...]_<backend-url>
//
// into the endpoint list (verbatim) and the backend's native URL.
func ParseURL(url string) ([]string, string, error) {
	if !strings.HasPrefix(url, urlScheme) {
		return nil, "", fmt.Errorf("not an ojp url: %q", url)
	}
	rest := url[len(urlScheme):]
	closing := strings.Index(rest, "]")
	if closing < 0 {
		return nil, "", fmt.Errorf("unterminated endpoint list in %q", url)
	}
	list := rest[:closing]
	remainder := rest[closing+1:]
	if !strings.HasPrefix(remainder, "_") {
		return nil, "", fmt.Errorf("missing backend url separator in %q", url)
	}
	backendURL := remainder[1:]
	if backendURL == "" {
		return nil, "", fmt.Errorf("empty backend url in %q", url)
	}

	var endpoints []string
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, ":") {
			return nil, "", fmt.Errorf("endpoint %q missing port", part)
		}
		endpoints = append(endpoints, part)
	}
	if len(endpoints) == 0 {
		return nil, "", fmt.Errorf("no endpoints in %q", url)
	}
	return endpoints, backendURL, nil
}
