package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Monitor periodically logs a stats snapshot of the major registries so an
// operator can read pool pressure and session churn off the log stream.
type Monitor struct {
	server   *Server
	interval time.Duration
	logger   zerolog.Logger
}

// NewMonitor builds the reporter.
func NewMonitor(server *Server, interval time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		server:   server,
		interval: interval,
		logger:   logger.With().Str("component", "monitor").Logger(),
	}
}

// Run reports until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.report()
		}
	}
}

func (m *Monitor) report() {
	event := m.logger.Info().
		Int("sessions", m.server.hc.Sessions.Count()).
		Int("queueDepth", m.server.workers.QueueDepth()).
		Int("openCircuits", m.server.hc.Breaker.OpenCount())

	for name, stats := range m.server.hc.Registry.Stats() {
		event = event.Dict(name, zerolog.Dict().
			Int("size", stats.Size).
			Int("borrowed", stats.Borrowed).
			Int("idle", stats.Idle).
			Int("waiters", stats.Waiters).
			Int("maxSize", stats.MaxSize))
	}
	event.Msg("server stats")
}
