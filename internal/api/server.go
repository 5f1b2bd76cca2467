// Package api exposes a terminal's feed, broker and event hub over HTTP: a
// REST surface for reads and order entry, and a websocket bridge that
// forwards hub events to remote clients.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"tradeterm/internal/broker"
	"tradeterm/internal/feed"
	"tradeterm/internal/hub"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	Feed   feed.Feed
	Broker broker.Broker
	Hub    *hub.Hub
	Now    func() time.Time
	Logger *slog.Logger

	// EventBuffer is the number of frames queued per websocket client before
	// events are dropped for it. Defaults to 256.
	EventBuffer int
	// AllowAnyOrigin disables the websocket origin check.
	AllowAnyOrigin bool
}

// Server is the bridge server.
type Server struct {
	feed   feed.Feed
	broker broker.Broker
	hub    *hub.Hub
	now    func() time.Time
	log    *slog.Logger

	eventBuffer    int
	allowAnyOrigin bool
}

// NewServer creates a Server over the given services.
func NewServer(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Server{
		feed:           opts.Feed,
		broker:         opts.Broker,
		hub:            opts.Hub,
		now:            opts.Now,
		log:            opts.Logger.With("component", "api"),
		eventBuffer:    opts.EventBuffer,
		allowAnyOrigin: opts.AllowAnyOrigin,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/symbols", s.handleSymbols)
	mux.HandleFunc("GET /api/accounts", s.handleAccounts)
	mux.HandleFunc("GET /api/accounts/current", s.handleCurrentAccount)
	mux.HandleFunc("GET /api/accounts/{id}/orders", s.handleOrders)
	mux.HandleFunc("POST /api/accounts/{id}/orders", s.handlePlaceOrder)
	mux.HandleFunc("DELETE /api/accounts/{id}/orders/{orderId}", s.handleCancelOrder)
	mux.HandleFunc("GET /api/accounts/{id}/positions", s.handlePositions)
	mux.HandleFunc("GET /api/bars/{symbol}", s.handleBars)
	mux.HandleFunc("GET /api/events", s.handleEvents)
}

// Handler returns an http.Handler with CORS and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(corsMiddleware(mux))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. Websocket streams end when ctx does.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	baseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("bridge listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	s.log.Info("bridge stopped")
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes the websocket upgrade through to the underlying writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
