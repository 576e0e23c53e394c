package ingestd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/ingestd/internal/ack"
	"pkt.systems/ingestd/internal/clock"
	"pkt.systems/ingestd/internal/core"
	"pkt.systems/ingestd/internal/httpapi"
	"pkt.systems/ingestd/internal/storage"
	"pkt.systems/pslog"
)

// Server wraps the HTTP server, event store, acknowledgement registry, and
// supporting components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	registry     *ack.Registry
	service      *core.Service
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetry
	lastServeErr error

	mu         sync.Mutex
	shutdown   bool
	reaperStop chan struct{}
	reaperDone sync.WaitGroup
	readyOnce  sync.Once
	readyCh    chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	Clock        clock.Clock
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built event store (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs an ingestd server according to cfg.
// Example:
//
//	cfg := ingestd.DefaultConfig()
//	srv, err := ingestd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	telCfg := cfg
	if o.OTLPEndpoint != "" {
		telCfg.OTLPEndpoint = o.OTLPEndpoint
	}
	tel, err := newTelemetry(context.Background(), telCfg, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}

	backend := o.Backend
	if backend == nil {
		backend, err = openBackend(cfg, logger.With("svc", "storage"))
		if err != nil {
			if tel != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = tel.Shutdown(shutdownCtx)
				cancel()
			}
			return nil, err
		}
	}

	var registry *ack.Registry
	if !cfg.DisableAcks {
		registry = ack.NewRegistry(ack.Config{
			MaxChannels:              cfg.MaxNumberOfAckChannels,
			MaxOutstanding:           cfg.MaxPendingAcks,
			MaxOutstandingPerChannel: cfg.MaxPendingAcksPerChannel,
			Logger:                   logger,
			Clock:                    serverClock,
		})
	}
	service := core.New(core.Config{
		Registry:   registry,
		Store:      backend,
		AckEnabled: !cfg.DisableAcks,
		Logger:     logger,
		Clock:      serverClock,
	})
	handler := httpapi.New(httpapi.Config{
		Core:               service,
		Logger:             logger,
		Clock:              serverClock,
		JSONMaxBytes:       cfg.JSONMaxBytes,
		MaxChannelIDLength: cfg.MaxChannelIDLength,
		DisableHTTPTracing: cfg.DisableHTTPTracing,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	logger.Info("acknowledgement tracking configured",
		"enabled", !cfg.DisableAcks,
		"max_pending_acks", cfg.MaxPendingAcks,
		"max_pending_acks_per_channel", cfg.MaxPendingAcksPerChannel,
		"max_channels", cfg.MaxNumberOfAckChannels,
		"idle_cleanup", cfg.AckIdleCleanup,
		"max_idle_time", cfg.MaxIdleTime,
	)

	return &Server{
		cfg:       cfg,
		logger:    logger.With("svc", "server"),
		backend:   backend,
		registry:  registry,
		service:   service,
		handler:   handler,
		httpSrv:   httpSrv,
		clock:     serverClock,
		telemetry: tel,
		readyCh:   make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so ingestd can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.signalReady()
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())
	s.startReaper()
	defer s.stopReaper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.stopReaper()
	if err := s.backend.Close(); err != nil {
		return err
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

// startReaper launches the idle channel reaper. It ticks at half the idle
// threshold so a channel is dropped at most 1.5x MaxIdleTime after its last
// touch.
func (s *Server) startReaper() {
	if s.cfg.DisableAcks || !s.cfg.AckIdleCleanup || s.cfg.MaxIdleTime <= 0 {
		return
	}
	s.mu.Lock()
	if s.reaperStop != nil {
		s.mu.Unlock()
		return
	}
	s.reaperStop = make(chan struct{})
	s.reaperDone.Add(1)
	stopCh := s.reaperStop
	interval := s.cfg.MaxIdleTime / 2
	maxIdle := s.cfg.MaxIdleTime
	s.mu.Unlock()
	go func() {
		defer s.reaperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				if removed := s.service.ReapIdleChannels(maxIdle); removed > 0 {
					s.logger.Debug("ack.reaper.run", "removed", removed)
				}
			}
		}
	}()
}

func (s *Server) stopReaper() {
	s.mu.Lock()
	stopCh := s.reaperStop
	if stopCh != nil {
		close(stopCh)
		s.reaperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.reaperDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server. It is primarily useful for diagnostics; Shutdown already reports any
// fatal serve/shutdown errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// Channels reports how many channels the acknowledgement registry tracks.
func (s *Server) Channels() int64 {
	if s.registry == nil {
		return 0
	}
	return s.registry.Channels()
}

// OutstandingAcks reports un-reclaimed acknowledgement ids across all channels.
func (s *Server) OutstandingAcks() int64 {
	if s.registry == nil {
		return 0
	}
	return s.registry.Outstanding()
}

// StartServer starts an ingestd server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
// Example:
//
//	cfg := ingestd.DefaultConfig()
//	cfg.Listen = "127.0.0.1:0"
//	srv, stop, err := ingestd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
