// Package server exposes executions over HTTP: submit a diagram, follow its
// event stream via SSE, inspect persisted state, and answer parked
// user_response prompts.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dipeo/engine/internal/engine"
	"github.com/dipeo/engine/internal/state"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"

	// PromptTimeout bounds how long a parked user_response prompt waits for
	// an HTTP answer when the node sets no timeout of its own.
	PromptTimeout time.Duration
}

// Server is the HTTP surface over the execution coordinator.
type Server struct {
	config   Config
	coord    *engine.Coordinator
	store    state.Store
	apiKeys  map[string]string
	registry *ExecutionRegistry
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	log      zerolog.Logger
}

// New creates a Server. The store must be the same one the coordinator
// persists through so GET /executions/{id} sees what the observers wrote.
func New(cfg Config, coord *engine.Coordinator, store state.Store, apiKeys map[string]string, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		coord:    coord,
		store:    store,
		apiKeys:  apiKeys,
		registry: NewExecutionRegistry(),
		baseCtx:  ctx,
		cancel:   cancel,
		log:      log.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /executions", s.handleSubmitExecution)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("GET /executions/{id}/prompts", s.handleGetPrompts)
	mux.HandleFunc("POST /executions/{id}/respond", s.handleRespond)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancelExecution)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.log.Info().Str("signal", sig.String()).Msg("shutting down")
		s.Shutdown()
	}()

	s.log.Info().Str("addr", s.config.Addr).Msg("listening")
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers automatically set
// the Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				// Allow only localhost-family origins. This blocks browser-based
				// CSRF from remote pages while allowing local web UIs.
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server and all running executions.
func (s *Server) Shutdown() {
	s.registry.CancelAll()

	// Give HTTP connections time to drain.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}
