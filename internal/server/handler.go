// Package server exposes a Cache over HTTP: a page lookup endpoint, an
// admin backlog endpoint, and a health check, wrapped in the same
// request-id/logging/recovery/CORS middleware chain as the rest of
// this ecosystem.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/halvorsen/wikicache/internal/model"
	"github.com/halvorsen/wikicache/internal/wikierr"
)

// PageResult is the narrow shape of a pending page lookup that Handler
// depends on. *wikicache.Handle satisfies this without the server
// package importing the root wikicache package.
type PageResult interface {
	Wait(ctx context.Context) error
	Exists() bool
	Text() (string, error)
}

// Cache is the narrow shape of the cache Handler depends on.
// *wikicache.Cache satisfies this through a thin adapter in
// cmd/wikicached, since its Get returns the concrete *wikicache.Handle.
type Cache interface {
	Get(ctx context.Context, title string, followRedirect bool) PageResult
	Stats(ctx context.Context) (model.Stats, error)
}

// Handler serves the cache's HTTP surface.
type Handler struct {
	cache  Cache
	logger *slog.Logger
}

// NewHandler builds a Handler backed by cache.
func NewHandler(cache Cache, logger *slog.Logger) *Handler {
	return &Handler{cache: cache, logger: logger}
}

// RegisterRoutes wires this handler's routes onto mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /page/{title}", h.handlePage)
	mux.HandleFunc("GET /admin/stats", h.handleStats)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type pageResponse struct {
	Title  string `json:"title"`
	Exists bool   `json:"exists"`
	Text   string `json:"text,omitempty"`
}

func (h *Handler) handlePage(w http.ResponseWriter, r *http.Request) {
	title := r.PathValue("title")
	if title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	followRedirect := r.URL.Query().Get("follow_redirect") == "true" || r.URL.Query().Get("follow_redirect") == "1"

	result := h.cache.Get(r.Context(), title, followRedirect)
	if err := result.Wait(r.Context()); err != nil {
		h.writeLookupError(w, r, title, err)
		return
	}

	if !result.Exists() {
		writeError(w, http.StatusNotFound, "page not found")
		return
	}

	text, err := result.Text()
	if err != nil {
		h.writeLookupError(w, r, title, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pageResponse{Title: title, Exists: true, Text: text})
}

func (h *Handler) writeLookupError(w http.ResponseWriter, r *http.Request, title string, err error) {
	switch {
	case errors.Is(err, wikierr.ErrPageAbsent):
		writeError(w, http.StatusNotFound, "page not found")
	case errors.Is(err, wikierr.ErrStoreUnavailable):
		h.logger.Error("store unavailable", "title", title, "error", err, "request_id", GetRequestID(r.Context()))
		writeError(w, http.StatusServiceUnavailable, "cache store unavailable")
	case errors.Is(err, wikierr.ErrUpstreamFatal):
		writeError(w, http.StatusBadGateway, "upstream rejected the request")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for page")
	default:
		h.logger.Error("page lookup failed", "title", title, "error", err, "request_id", GetRequestID(r.Context()))
		writeError(w, http.StatusBadGateway, "upstream unavailable")
	}
}

type statsResponse struct {
	PagesNeedingMetadata int `json:"pages_needing_metadata"`
	PagesNeedingContent  int `json:"pages_needing_content"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats lookup failed", "error", err, "request_id", GetRequestID(r.Context()))
		writeError(w, http.StatusServiceUnavailable, "cache store unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statsResponse{
		PagesNeedingMetadata: stats.PagesNeedingMetadata,
		PagesNeedingContent:  stats.PagesNeedingContent,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": message},
	})
}
