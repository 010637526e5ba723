package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-crawler/internal/collector"
	"github.com/JakeFAU/market-crawler/internal/config"
	"github.com/JakeFAU/market-crawler/internal/crawler"
	"github.com/JakeFAU/market-crawler/internal/export"
	"github.com/JakeFAU/market-crawler/internal/fetcher/cached"
	"github.com/JakeFAU/market-crawler/internal/metrics"
	"github.com/JakeFAU/market-crawler/internal/registry"
)

// PageFetcher fetches one page with attempt detail.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, useCache bool) (cached.Result, bool)
}

// SampleCollector collects a sample across URLs.
type SampleCollector interface {
	Collect(ctx context.Context, urls []string, sampleSize int, useCache bool) (*collector.Batch, error)
}

// Exporter writes a batch somewhere durable.
type Exporter interface {
	Export(ctx context.Context, batch *collector.Batch, format export.Format) (export.Artifact, error)
}

// CrawlerRegistry is the plugin registry surface exposed over HTTP.
type CrawlerRegistry interface {
	Add(req registry.AddRequest) registry.Result
	Update(name string, req registry.UpdateRequest) registry.Result
	Delete(name string) registry.Result
	Get(name string) (registry.Descriptor, bool)
	List(filter registry.ListFilter) []registry.Descriptor
	Code(name string) registry.Result
	Execute(ctx context.Context, name string, kwargs map[string]any) registry.Result
}

// Deps wires the server to application services. Collector and Exporter may
// be nil; their routes then answer 503.
type Deps struct {
	Config    config.Config
	Fetcher   PageFetcher
	Collector SampleCollector
	Cache     crawler.CacheStore
	Registry  CrawlerRegistry
	Exporter  Exporter
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the fetch, collect and registry services.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: deps.Logger}

	timeout := deps.Config.RequestTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))
	if deps.Config.Auth.Enabled {
		r.Use(apiKeyMiddleware(deps.Config.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/fetch", s.fetchPage)
		r.Post("/collect", s.collect)
		r.Post("/cache/evict", s.evictCache)
		r.Route("/crawlers", func(r chi.Router) {
			r.Get("/", s.listCrawlers)
			r.Post("/", s.addCrawler)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.getCrawler)
				r.Patch("/", s.updateCrawler)
				r.Delete("/", s.deleteCrawler)
				r.Get("/code", s.crawlerCode)
				r.Post("/execute", s.executeCrawler)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Fetcher == nil || s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "services not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

// RequestID returns the id assigned by the request-id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
