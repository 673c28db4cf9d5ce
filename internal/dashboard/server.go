package dashboard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/agentboard/internal/protocol"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Server is the main dashboard server.
type Server struct {
	cfg        *Config
	log        zerolog.Logger
	clock      clockwork.Clock
	store      *Store
	hub        *Hub
	prober     *Prober
	router     *chi.Mux
	wsUpgrader *websocket.Upgrader

	hubCtx    context.Context
	hubCancel context.CancelFunc
	hubDone   chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock used for timestamps and the CLI probe cache.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithProber replaces the CLI prober.
func WithProber(p *Prober) Option {
	return func(s *Server) { s.prober = p }
}

// New creates a new dashboard server and starts its hub.
func New(cfg *Config, db *sql.DB, log zerolog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:   cfg,
		log:   log.With().Str("component", "dashboard").Logger(),
		clock: clockwork.NewRealClock(),
		hub:   NewHub(log),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Seed {
		seeded, err := Seed(db, s.clock.Now())
		if err != nil {
			return nil, fmt.Errorf("seed database: %w", err)
		}
		if seeded {
			s.log.Info().Msg("seeded default departments and agents")
		}
	}

	s.store = NewStore(db, s.clock)
	if s.prober == nil {
		s.prober = NewProber(log, cfg.CLIStatusTTL, s.clock)
	}
	s.wsUpgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}

	s.setupRouter()

	// Start hub immediately (for testing and normal use)
	s.hubCtx, s.hubCancel = context.WithCancel(context.Background())
	s.hubDone = make(chan struct{})
	go func() {
		defer close(s.hubDone)
		s.hub.Run(s.hubCtx)
	}()

	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowedHeaders: []string{"Content-Type", "Accept"},
		MaxAge:         300,
	}).Handler)

	r.Get("/health", s.handleHealth)

	// Browser event channel
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleGetStats)

		r.Get("/tasks", s.handleGetTasks)
		r.Post("/tasks", s.handleCreateTask)
		r.Patch("/tasks/{taskID}", s.handleUpdateTask)

		r.Get("/agents", s.handleGetAgents)
		r.Patch("/agents/{agentID}", s.handleUpdateAgent)

		r.Get("/departments", s.handleGetDepartments)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleSaveSettings)

		r.Get("/cli-status", s.handleGetCLIStatus)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves HTTP on the configured address and keeps the CLI probe cache
// warm until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting dashboard server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.log.Info().Msg("shutting down dashboard server")
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		s.refreshCLIStatusLoop(ctx)
		return nil
	})

	err := g.Wait()
	s.Close()
	return err
}

// refreshCLIStatusLoop re-probes whenever the cache expires and tells browsers
// when the result changed.
func (s *Server) refreshCLIStatusLoop(ctx context.Context) {
	last, _ := s.prober.Status(ctx, false)

	ticker := s.clock.NewTicker(s.cfg.CLIStatusTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			current, _ := s.prober.Status(ctx, true)
			if !current.Equal(last) {
				s.hub.Broadcast(protocol.KindCLIStatusUpdated, current)
			}
			last = current
		}
	}
}

// Close stops the hub and disconnects all browsers.
func (s *Server) Close() {
	s.hubCancel()
	<-s.hubDone
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the browser hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
