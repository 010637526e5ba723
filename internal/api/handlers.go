package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-crawler/internal/collector"
	"github.com/JakeFAU/market-crawler/internal/export"
	"github.com/JakeFAU/market-crawler/internal/fetcher/cached"
)

type fetchRequest struct {
	URL      string `json:"url"`
	UseCache *bool  `json:"use_cache,omitempty"`
}

type attemptView struct {
	Number     int    `json:"number"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	DelayMS    int64  `json:"delay_ms"`
	Error      string `json:"error,omitempty"`
}

type fetchResponse struct {
	URL       string        `json:"url"`
	OK        bool          `json:"ok"`
	FromCache bool          `json:"from_cache"`
	HTML      string        `json:"html,omitempty"`
	Attempts  []attemptView `json:"attempts"`
}

func (s *Server) fetchPage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "fetcher unavailable")
		return
	}
	var req fetchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	res, ok := s.deps.Fetcher.Fetch(r.Context(), req.URL, boolOr(req.UseCache, true))
	resp := fetchResponse{
		URL:       req.URL,
		OK:        ok,
		FromCache: res.FromCache,
		HTML:      res.HTML,
		Attempts:  make([]attemptView, 0, len(res.Attempts)),
	}
	for _, a := range res.Attempts {
		resp.Attempts = append(resp.Attempts, viewAttempt(a))
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func viewAttempt(a cached.Attempt) attemptView {
	v := attemptView{
		Number:     a.Number,
		Outcome:    string(a.Outcome),
		Reason:     a.Reason,
		StatusCode: a.StatusCode,
		DelayMS:    a.Delay.Milliseconds(),
	}
	if a.Err != nil {
		v.Error = a.Err.Error()
	}
	return v
}

type collectRequest struct {
	URLs       []string `json:"urls"`
	SampleSize int      `json:"sample_size"`
	UseCache   *bool    `json:"use_cache,omitempty"`
	Export     string   `json:"export,omitempty"`
}

type collectResponse struct {
	Batch    *collector.Batch `json:"batch"`
	Artifact *export.Artifact `json:"artifact,omitempty"`
	Partial  bool             `json:"partial,omitempty"`
}

func (s *Server) collect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector == nil {
		writeError(w, http.StatusServiceUnavailable, "collector unavailable: parser not configured")
		return
	}
	var req collectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var format export.Format
	if req.Export != "" {
		if s.deps.Exporter == nil {
			writeError(w, http.StatusServiceUnavailable, "exporter unavailable")
			return
		}
		f, err := export.ParseFormat(req.Export)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		format = f
	}

	batch, err := s.deps.Collector.Collect(r.Context(), req.URLs, req.SampleSize, boolOr(req.UseCache, true))
	switch {
	case errors.Is(err, collector.ErrNoURLs):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && batch == nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := collectResponse{Batch: batch, Partial: err != nil}
	if err != nil {
		// Canceled mid-run: hand back what was gathered and skip export.
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if format != "" {
		artifact, err := s.deps.Exporter.Export(r.Context(), batch, format)
		if err != nil {
			s.logger.Error("export failed", zap.String("run_id", batch.RunID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "export failed: "+err.Error())
			return
		}
		resp.Artifact = &artifact
	}
	writeJSON(w, http.StatusOK, resp)
}

type evictRequest struct {
	OlderThanSeconds *int `json:"older_than_seconds,omitempty"`
}

func (s *Server) evictCache(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	var req evictRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	age := s.deps.Config.TTL()
	if req.OlderThanSeconds != nil {
		if *req.OlderThanSeconds < 0 {
			writeError(w, http.StatusBadRequest, "older_than_seconds must be >= 0")
			return
		}
		age = time.Duration(*req.OlderThanSeconds) * time.Second
	}
	removed, err := s.deps.Cache.EvictOlderThan(r.Context(), age)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "older_than_seconds": int(age.Seconds())})
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
