package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackmichael/atweet/internal/config"
	"github.com/blackmichael/atweet/internal/domain"
	"github.com/blackmichael/atweet/internal/metrics"
)

// feedCacheControl allows clients to reuse a page briefly; the timeline is
// near-real-time, not strictly real-time.
const feedCacheControl = "private, max-age=2"

// Server is the HTTP server that serves the timeline read API.
type Server struct {
	feedService *domain.FeedService
	metrics     *metrics.Metrics
	logger      *slog.Logger
	handler     http.Handler
	httpServer  *http.Server
}

// NewServer creates a new HTTP server. Metrics are exposed from gatherer.
func NewServer(
	cfg *config.Config,
	feedService *domain.FeedService,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Server {
	s := &Server{
		feedService: feedService,
		metrics:     m,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/feed", s.handleGetFeed)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.handler = withLogging(logger, m, mux)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler, including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetFeed serves GET /api/feed?limit=&cursor=. Unparseable limits fall
// back to the default rather than failing the request.
func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		} else {
			s.logger.Debug("ignoring invalid limit parameter", "limit", l)
		}
	}
	cursor := r.URL.Query().Get("cursor")

	page, err := s.feedService.GetFeed(r.Context(), limit, cursor)
	if err != nil {
		s.logger.Error("failed to get feed",
			"limit", limit,
			"cursor", cursor,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to get feed")
		return
	}

	w.Header().Set("Cache-Control", feedCacheControl)
	writeJSON(w, http.StatusOK, NewFeedResponse(page))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, m *metrics.Metrics, mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(wrapped, r)

		route := "unmatched"
		if _, pattern := mux.Handler(r); pattern != "" {
			route = pattern
		}
		m.HTTPRequest(route, wrapped.status)

		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
