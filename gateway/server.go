// Package gateway exposes the tournament read path, realtime subscriptions,
// health and metrics over HTTP. Routing uses chi; /ws/status streams
// delivered event batches over a websocket.
package gateway

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/health"
)

// SystemName is the component name of the aggregated health status.
const SystemName = "refwatch"

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMatches enables GET /api/tournaments/{no}/matches.
func WithMatches(m Matches) Option {
	return func(s *Server) { s.matches = m }
}

// WithSubscriptions enables the subscription routes and /ws/status.
func WithSubscriptions(subs Subscriptions) Option {
	return func(s *Server) { s.subs = subs }
}

// WithHealth enables GET /health.
func WithHealth(m *health.Monitor) Option {
	return func(s *Server) { s.health = m }
}

// WithMetricsHandler mounts h at path.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = h
	}
}

// WithRequestTimeout bounds every non-websocket request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// WithTLS serves HTTPS with cfg. A nil cfg serves plain HTTP.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// Server is the HTTP surface of the service.
type Server struct {
	tournaments    Tournaments
	matches        Matches
	subs           Subscriptions
	health         *health.Monitor
	metricsPath    string
	metricsHandler http.Handler
	requestTimeout time.Duration
	tlsConfig      *tls.Config
	logger         *slog.Logger

	router chi.Router

	mu      sync.Mutex
	httpSrv *http.Server
	streams *streamHub
}

// New builds the router.
func New(tournaments Tournaments, opts ...Option) (*Server, error) {
	if tournaments == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "New", "tournament source is required")
	}
	s := &Server{
		tournaments:    tournaments,
		logger:         slog.Default(),
		metricsPath:    "/metrics",
		requestTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")
	s.streams = newStreamHub(s.logger)
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))

		r.Route("/api/tournaments", func(r chi.Router) {
			r.Get("/", s.handleTournaments)
			if s.matches != nil {
				r.Get("/{no}/matches", s.handleMatches)
			}
		})

		r.Route("/api/cache", func(r chi.Router) {
			r.Delete("/", s.handleInvalidateAll)
			r.Delete("/tournaments/{no}", s.handleInvalidateTournament)
		})

		if s.subs != nil {
			r.Route("/api/subscriptions", func(r chi.Router) {
				r.Post("/", s.handleSubscribe)
				r.Delete("/", s.handleCleanup)
				r.Get("/status", s.handleSubscriptionStatus)
				r.Delete("/{id}", s.handleUnsubscribe)
			})
		}

		if s.health != nil {
			r.Get("/health", s.handleHealth)
		}
		if s.metricsHandler != nil {
			r.Handle(s.metricsPath, s.metricsHandler)
		}
	})

	if s.subs != nil {
		r.Get("/ws/status", s.handleStatusStream)
	}
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on addr and serves until Shutdown. It returns once the
// listener is bound.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WrapFatal(err, "Server", "Start", "listen on "+addr)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", "error", err)
		}
	}()
	s.logger.Info("HTTP gateway listening", "addr", ln.Addr().String(), "tls", s.tlsConfig != nil)
	return ln.Addr(), nil
}

// Shutdown closes open status streams and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.streams.closeAll()

	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "Server", "Shutdown", "stop http server")
	}
	return nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
