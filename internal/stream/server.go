package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/shellkit/internal/infrastructure/logging"
)

const (
	// gracefulShutdownTimeout bounds the wait for in-flight requests on Close.
	gracefulShutdownTimeout = 5 * time.Second

	healthCheckTimeout = 3 * time.Second
)

// Check reports the health of one session backend on /health.
type Check struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server exposes a Hub over HTTP.
type Server struct {
	hub    *Hub
	logger *logging.Logger
	server *http.Server
	ln     net.Listener
}

// Health is the /health response body.
type Health struct {
	// Status is "ok", or "degraded" when a backend check fails.
	Status   string            `json:"status"`
	Clients  int               `json:"clients"`
	Backends map[string]string `json:"backends,omitempty"`
}

// NewRouter returns the stream routes:
//
//	GET /health  Health, 503 when degraded
//	GET /events  WebSocket event feed
func NewRouter(hub *Hub, checks ...Check) http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(hub.logger))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		health := runChecks(req.Context(), checks)
		health.Clients = hub.ClientCount()

		code := http.StatusOK
		if health.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(health) //nolint:errcheck // Client went away
	})
	r.Get("/events", hub.ServeWS)
	return r
}

func runChecks(ctx context.Context, checks []Check) Health {
	health := Health{Status: "ok"}
	if len(checks) == 0 {
		return health
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	health.Backends = make(map[string]string, len(checks))
	for _, c := range checks {
		if err := c.Check(ctx); err != nil {
			health.Backends[c.Name] = err.Error()
			health.Status = "degraded"
			continue
		}
		health.Backends[c.Name] = "ok"
	}
	return health
}

// Listen starts serving hub on addr in the background. Use ":0" or
// "127.0.0.1:0" for an ephemeral port and read it back with Addr.
//
// Returns:
//   - *Server: running server, stop it with Close
//   - error: if addr cannot be bound
func Listen(addr string, hub *Hub, checks ...Check) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	s := &Server{
		hub:    hub,
		logger: hub.logger,
		ln:     ln,
		server: &http.Server{
			Handler:           NewRouter(hub, checks...),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("stream server error", "error", err)
		}
	}()
	s.logger.Info("event stream listening", "address", s.Addr())
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close disconnects the WebSocket clients and shuts the server down.
func (s *Server) Close() error {
	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down stream server: %w", err)
	}
	return nil
}

func recoverer(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered in HTTP handler",
						"error", err,
						"method", r.Method,
						"path", r.URL.Path,
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
