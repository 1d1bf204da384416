package testhelper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// shutdownTimeout is the maximum time to wait for in-flight requests.
const shutdownTimeout = 5 * time.Second

// Health is the /health response of the Serve helper.
type Health struct {
	Status string `json:"status"`
	PID    int    `json:"pid"`
}

// NewRouter builds the HTTP handler of the Serve helper.
func NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Get("/cwd", handleCwd)
	r.Get("/env/{key}", handleEnv)
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Health{Status: "ok", PID: os.Getpid()})
}

func handleCwd(w http.ResponseWriter, _ *http.Request) {
	wd, err := os.Getwd()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cwd": wd})
}

func handleEnv(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, ok := os.LookupEnv(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not set"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{key: value})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	json.NewEncoder(w).Encode(v)
}

// serve listens on 127.0.0.1:<port> until SIGTERM or SIGINT, then prints "Done!".
func serve(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("serve: missing port")
	}
	port, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	srv := &http.Server{
		Handler:           NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("serve: shutting down: %w", err)
	}
	fmt.Println("Done!")
	return nil
}
