package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/market-crawler/internal/registry"
)

func (s *Server) listCrawlers(w http.ResponseWriter, r *http.Request) {
	filter := registry.ListFilter{Platform: r.URL.Query().Get("platform")}
	if raw := r.URL.Query().Get("enabled_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "enabled_only must be a boolean")
			return
		}
		filter.EnabledOnly = v
	}
	crawlers := s.deps.Registry.List(filter)
	writeJSON(w, http.StatusOK, map[string]any{"crawlers": crawlers, "count": len(crawlers)})
}

func (s *Server) addCrawler(w http.ResponseWriter, r *http.Request) {
	var req registry.AddRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.deps.Registry.Add(req)
	if res.Success {
		writeJSON(w, http.StatusCreated, res)
		return
	}
	writeResult(w, res)
}

func (s *Server) getCrawler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, ok := s.deps.Registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "crawler not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) updateCrawler(w http.ResponseWriter, r *http.Request) {
	var req registry.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, s.deps.Registry.Update(chi.URLParam(r, "name"), req))
}

func (s *Server) deleteCrawler(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Registry.Delete(chi.URLParam(r, "name")))
}

func (s *Server) crawlerCode(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Registry.Code(chi.URLParam(r, "name")))
}

type executeRequest struct {
	Kwargs map[string]any `json:"kwargs"`
}

func (s *Server) executeCrawler(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeResult(w, s.deps.Registry.Execute(r.Context(), chi.URLParam(r, "name"), req.Kwargs))
}

func writeResult(w http.ResponseWriter, res registry.Result) {
	writeJSON(w, statusFor(res), res)
}

func statusFor(res registry.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Code {
	case registry.CodeNotFound:
		return http.StatusNotFound
	case registry.CodeAlreadyExists, registry.CodeNotEnabled:
		return http.StatusConflict
	case registry.CodeInvalidName, registry.CodeSyntaxError, registry.CodePathTraversal:
		return http.StatusBadRequest
	case registry.CodeLoadFailed, registry.CodeMissingEntryPoint, registry.CodeExecutionFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
