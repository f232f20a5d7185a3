package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/protocol"
)

// unaryHandler is the signature shared by every non-streaming verb handler.
type unaryHandler func(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error)

// Server is one OJP node. It owns the process-lifetime registries and the
// request pipeline: transport listener -> worker pool -> verb handler.
type Server struct {
	cfg      *Config
	hc       *Context
	workers  *WorkerPool
	limiter  *RateLimiter
	listener protocol.Listener
	reaper   *Reaper
	monitor  *Monitor
	logger   zerolog.Logger

	unary map[protocol.Verb]unaryHandler
}

// New wires a server from its collaborators. The backend driver and the
// transport listener are injected; everything else is built here.
func New(cfg *Config, driver backend.Driver, listener protocol.Listener, logger zerolog.Logger) *Server {
	registry := NewPoolRegistry(driver, cfg, logger)
	sessions := NewSessionManager(registry, logger)
	hc := &Context{
		Cfg:      cfg,
		Logger:   logger,
		Registry: registry,
		Sessions: sessions,
		Breaker:  NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerOpenPeriod),
		Endpoint: cfg.Endpoint,
	}
	hc.Health = NewClusterHealthTracker(registry, logger)

	s := &Server{
		cfg:      cfg,
		hc:       hc,
		listener: listener,
		logger:   logger.With().Str("component", "server").Logger(),
	}
	s.workers = NewWorkerPool(cfg.Workers, cfg.QueueSize, s.dispatch, logger)
	if cfg.RateLimitEnabled {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	if cfg.SessionCleanupEnabled {
		s.reaper = NewReaper(sessions, cfg.SessionTimeout, cfg.SessionCleanupInterval, logger)
	}
	if cfg.MonitoringEnabled {
		s.monitor = NewMonitor(s, cfg.MonitoringInterval, logger)
	}

	s.unary = map[protocol.Verb]unaryHandler{
		protocol.VerbConnect:                 handleConnect,
		protocol.VerbExecuteUpdate:           handleExecuteUpdate,
		protocol.VerbExecuteQuery:            handleExecuteQuery,
		protocol.VerbFetchNextRows:           handleFetchNextRows,
		protocol.VerbLobCreate:               handleLobCreate,
		protocol.VerbLobUpload:               handleLobUpload,
		protocol.VerbStartTransaction:        handleStartTransaction,
		protocol.VerbCommitTransaction:       handleCommitTransaction,
		protocol.VerbRollbackTransaction:     handleRollbackTransaction,
		protocol.VerbCallResource:            handleCallResource,
		protocol.VerbTerminateSession:        handleTerminateSession,
		protocol.VerbPing:                    handlePing,
		protocol.VerbXAStart:                 handleXAStart,
		protocol.VerbXAEnd:                   handleXAEnd,
		protocol.VerbXAPrepare:               handleXAPrepare,
		protocol.VerbXACommit:                handleXACommit,
		protocol.VerbXARollback:              handleXARollback,
		protocol.VerbXARecover:               handleXARecover,
		protocol.VerbXAForget:                handleXAForget,
		protocol.VerbXASetTransactionTimeout: handleXASetTransactionTimeout,
		protocol.VerbXAGetTransactionTimeout: handleXAGetTransactionTimeout,
		protocol.VerbXAIsSameRM:              handleXAIsSameRM,
	}
	return s
}

// Context exposes the handler context (tests drive handlers through it).
func (s *Server) Context() *Context { return s.hc }

// Handler adapts the server to the transport: deliveries enqueue onto the
// worker pool, and queue overflow answers immediately with a shed-load
// error so clients can back off.
func (s *Server) Handler() protocol.Handler {
	return func(ctx context.Context, req *protocol.Request, sink protocol.ReplySink) {
		task := rpcTask{ctx: ctx, req: req, sink: sink, enqueued: time.Now()}
		if err := s.workers.Submit(task); err != nil {
			_ = sink.Send(protocol.ToResponse(err))
		}
	}
}

// Start launches the request pipeline and background tasks without binding
// the transport; Serve is the usual entry point.
func (s *Server) Start(ctx context.Context) error {
	if err := s.workers.Start(); err != nil {
		return err
	}
	if s.reaper != nil {
		go s.reaper.Run(ctx)
	}
	if s.monitor != nil {
		go s.monitor.Run(ctx)
	}
	return nil
}

// Shutdown drains workers, terminates every session and closes the pools.
func (s *Server) Shutdown() {
	if err := s.workers.Stop(10 * time.Second); err != nil {
		s.logger.Warn().Err(err).Msg("worker drain incomplete")
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.shutdownSessions()
	s.hc.Registry.Close()
}

// Serve runs the node until the context is cancelled, then drains workers
// and terminates every session.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Shutdown()

	s.logger.Info().Str("endpoint", s.cfg.Endpoint).Msg("serving")
	return s.listener.Serve(ctx, s.cfg.Endpoint, s.Handler())
}

func (s *Server) shutdownSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, session := range s.hc.Sessions.Snapshot() {
		if err := s.hc.Sessions.Terminate(ctx, session.ID); err != nil {
			s.logger.Warn().Err(err).Str("session", session.ID).Msg("terminate on shutdown")
		}
	}
}

// requestIdentity extracts the client id for rate limiting without decoding
// the full verb payload.
type requestIdentity struct {
	ClientID string `json:"clientId"`
	Session  *struct {
		ClientID string `json:"clientId"`
	} `json:"session"`
}

func clientIDOf(req *protocol.Request) string {
	var ident requestIdentity
	if err := json.Unmarshal(req.Payload, &ident); err != nil {
		return ""
	}
	if ident.ClientID != "" {
		return ident.ClientID
	}
	if ident.Session != nil {
		return ident.Session.ClientID
	}
	return ""
}

// dispatch routes one request on a worker. Piggybacked cluster health is
// folded in before the verb runs; handler errors translate to the wire form
// and always terminate the exchange.
func (s *Server) dispatch(ctx context.Context, task rpcTask) {
	req := task.req
	if req.Version != protocol.ProtocolVersion {
		_ = task.sink.Send(protocol.ToResponse(fmt.Errorf("%w: protocol version %d", protocol.ErrUnsupported, req.Version)))
		return
	}

	s.hc.Health.Observe(req.ClusterHealth)

	if s.limiter != nil && !s.limiter.Allow(clientIDOf(req)) {
		_ = task.sink.Send(protocol.ToResponse(fmt.Errorf("%w: rate limit exceeded", protocol.ErrResourceExhausted)))
		return
	}

	if req.Verb == protocol.VerbReadLob {
		handleReadLob(ctx, s.hc, req, task.sink)
		return
	}

	handler, ok := s.unary[req.Verb]
	if !ok {
		_ = task.sink.Send(protocol.ToResponse(fmt.Errorf("%w: verb %s", protocol.ErrUnsupported, req.Verb)))
		return
	}
	resp, err := handler(ctx, s.hc, req)
	if err != nil {
		s.logger.Debug().Err(err).Str("verb", string(req.Verb)).Msg("request failed")
		_ = task.sink.Send(protocol.ToResponse(err))
		return
	}
	if err := task.sink.Send(resp); err != nil {
		s.logger.Warn().Err(err).Str("verb", string(req.Verb)).Msg("send response")
	}
}
