package xa

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/protocol"
)

// PoolProvider creates backend-session pools. Providers are registered
// explicitly at process init and selected by declared priority among those
// currently available; there is no classpath-style discovery.
type PoolProvider interface {
	// Name identifies the provider in logs and diagnostics.
	Name() string
	// Priority orders providers; higher wins.
	Priority() int
	// Available reports whether the provider can serve right now.
	Available() bool
	// NewRegistry builds the registry (and its pool) for one fingerprint.
	NewRegistry(ctx context.Context, driver backend.Driver, spec backend.ConnectSpec, cfg SessionPoolConfig, logger zerolog.Logger) (*Registry, error)
}

// providerRegistry holds the process-lifetime provider set.
type providerRegistry struct {
	mu        sync.Mutex
	providers []PoolProvider
}

var providers providerRegistry

// RegisterProvider adds a provider. Call during process init, before any
// connect traffic.
func RegisterProvider(p PoolProvider) {
	providers.mu.Lock()
	defer providers.mu.Unlock()
	providers.providers = append(providers.providers, p)
	sort.SliceStable(providers.providers, func(i, j int) bool {
		return providers.providers[i].Priority() > providers.providers[j].Priority()
	})
}

// SelectProvider returns the highest-priority available provider.
func SelectProvider() (PoolProvider, error) {
	providers.mu.Lock()
	defer providers.mu.Unlock()
	for _, p := range providers.providers {
		if p.Available() {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no XA pool provider available", protocol.ErrUnsupported)
}

// DefaultProvider is the built-in bounded-pool provider.
type DefaultProvider struct{}

func (DefaultProvider) Name() string    { return "builtin" }
func (DefaultProvider) Priority() int   { return 0 }
func (DefaultProvider) Available() bool { return true }

func (DefaultProvider) NewRegistry(ctx context.Context, driver backend.Driver, spec backend.ConnectSpec, cfg SessionPoolConfig, logger zerolog.Logger) (*Registry, error) {
	sessionPool := NewSessionPool(driver, spec, cfg, logger)
	return NewRegistry(sessionPool, logger), nil
}

func init() {
	RegisterProvider(DefaultProvider{})
}
