package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/fleet-receipts/internal/auth"
	"github.com/zombor/fleet-receipts/internal/capture"
	"github.com/zombor/fleet-receipts/internal/metrics"
	"github.com/zombor/fleet-receipts/internal/receipt"
)

const requestIDHeader = "X-Request-ID"

// Server exposes capture sessions and the receipts read side over HTTP
type Server struct {
	captures  *capture.Manager
	receipts  *receipt.Service
	tokens    *auth.Tokens
	basicAuth BasicAuth
	metrics   *metrics.Registry
	mux       *http.ServeMux
	handler   http.Handler
	http      *http.Server

	// background tracks pipeline runs started by requests
	background sync.WaitGroup
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

func (b BasicAuth) enabled() bool {
	return b.Username != "" || b.Password != ""
}

// Option configures a Server
type Option func(*Server)

// WithTokens requires a bearer JWT on every API request
func WithTokens(t *auth.Tokens) Option {
	return func(s *Server) {
		s.tokens = t
	}
}

// WithBasicAuth requires basic auth; the username becomes the user id
func WithBasicAuth(b BasicAuth) Option {
	return func(s *Server) {
		s.basicAuth = b
	}
}

// WithMetrics records request metrics and serves /metrics
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMux uses a custom mux, for testing
func WithMux(mux *http.ServeMux) Option {
	return func(s *Server) {
		s.mux = mux
	}
}

// NewServer creates a Server. Without tokens or basic auth every request acts as
// the single local user.
func NewServer(captures *capture.Manager, receipts *receipt.Service, opts ...Option) *Server {
	s := &Server{
		captures: captures,
		receipts: receipts,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()

	var h http.Handler = s.mux
	if s.metrics != nil {
		h = s.metrics.Middleware(h)
	}
	s.handler = s.corsMiddleware(s.requestIDMiddleware(h))
	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// authenticate resolves the session a request acts for
func (s *Server) authenticate(r *http.Request) (auth.Session, error) {
	header := r.Header.Get("Authorization")

	if s.tokens != nil && strings.HasPrefix(header, "Bearer ") {
		return s.tokens.Parse(strings.TrimPrefix(header, "Bearer "))
	}

	if s.basicAuth.enabled() {
		if !strings.HasPrefix(header, "Basic ") {
			return auth.Session{}, auth.ErrUnauthenticated
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
		if err != nil {
			return auth.Session{}, auth.ErrUnauthenticated
		}
		credentials := strings.SplitN(string(decoded), ":", 2)
		if len(credentials) != 2 || credentials[0] != s.basicAuth.Username || credentials[1] != s.basicAuth.Password {
			return auth.Session{}, auth.ErrUnauthenticated
		}
		return auth.Session{UserID: credentials[0]}, nil
	}

	if s.tokens != nil {
		return auth.Session{}, auth.ErrUnauthenticated
	}
	return auth.Session{UserID: auth.AnonymousUserID}, nil
}

// corsMiddleware adds CORS headers to responses and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware tags every request with an id, reusing the client's when present
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)

		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("handled request", "method", r.Method, "path", r.URL.Path, "request_id", id, "duration", time.Since(start))
	})
}

// requireAuth puts the caller's auth.Session on the request context
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.authenticate(r)
		if err != nil {
			if s.basicAuth.enabled() {
				w.Header().Set("WWW-Authenticate", `Basic realm="Fleet Receipts"`)
			}
			writeError(w, r, err)
			return
		}
		next(w, r.WithContext(auth.NewContext(r.Context(), session)))
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/captures", s.requireAuth(s.handleCreateCapture))
	s.mux.HandleFunc("GET /api/captures/{id}", s.requireAuth(s.handleGetCapture))
	s.mux.HandleFunc("PATCH /api/captures/{id}/fields", s.requireAuth(s.handleEditCapture))
	s.mux.HandleFunc("POST /api/captures/{id}/confirm", s.requireAuth(s.handleConfirmCapture))
	s.mux.HandleFunc("POST /api/captures/{id}/retry", s.requireAuth(s.handleRetryCapture))
	s.mux.HandleFunc("POST /api/captures/{id}/abandon", s.requireAuth(s.handleAbandonCapture))

	s.mux.HandleFunc("GET /api/receipts/{id}/image", s.requireAuth(s.handleGetReceiptImage))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))

	s.mux.HandleFunc("GET /api/stats", s.requireAuth(s.handleStats))
	s.mux.HandleFunc("GET /api/profile", s.requireAuth(s.handleGetProfile))
	s.mux.HandleFunc("PUT /api/profile", s.requireAuth(s.handleUpdateProfile))

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// runInBackground continues a pipeline step after the response is written. The
// request's values (the auth session) are kept but its cancellation is not.
func (s *Server) runInBackground(r *http.Request, fn func(ctx context.Context) error) {
	ctx := context.WithoutCancel(r.Context())
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, capture.ErrAbandoned) {
			slog.Warn("background capture step ended with error", "error", err)
		}
	}()
}

// Wait blocks until all background pipeline runs have finished
func (s *Server) Wait() {
	s.background.Wait()
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	slog.Info("Starting server", "address", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight requests and pipeline runs
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
