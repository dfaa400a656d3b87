// Package api serves the operator HTTP surface: health, metrics, cache state
// and the reply ledger.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/chaincord/internal/chain"
	"github.com/ashureev/chaincord/internal/domain"
	"github.com/ashureev/chaincord/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	healthCheckTimeout = 5 * time.Second
	defaultReplyLimit  = 50
)

// CacheInspector exposes node cache state.
type CacheInspector interface {
	Stats() chain.Stats
	IDs() []string
}

// Handler provides common handler utilities.
type Handler struct {
	repo  store.Repository
	cache CacheInspector
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, cache CacheInspector) *Handler {
	return &Handler{repo: repo, cache: cache}
}

// NewRouter mounts the API routes. A nil metrics handler leaves /metrics
// unrouted.
func NewRouter(h *Handler, metrics http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))

	r.Get("/health", h.Health)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/cache", h.Cache)
		r.Get("/replies", h.Replies)
		r.Get("/replies/{messageID}", h.ReplyByMessage)
	})
	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{"status": "healthy", "checks": checks}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// Cache reports node cache counters and the cached ids, oldest first.
func (h *Handler) Cache(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"stats": h.cache.Stats(),
		"ids":   h.cache.IDs(),
	})
}

// Replies lists recent ledger rows, newest first.
func (h *Handler) Replies(w http.ResponseWriter, r *http.Request) {
	limit := defaultReplyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, store.MaxRecentReplies)
	}

	replies, err := h.repo.RecentReplies(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list replies", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list replies")
		return
	}
	if replies == nil {
		replies = []*domain.ReplyRecord{}
	}
	JSON(w, http.StatusOK, map[string]any{"replies": replies})
}

// ReplyByMessage returns the ledger row that produced a reply message.
func (h *Handler) ReplyByMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	rec, err := h.repo.ReplyByMessage(r.Context(), messageID)
	if err != nil {
		slog.Error("Failed to look up reply", "message_id", messageID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to look up reply")
		return
	}
	if rec == nil {
		Error(w, http.StatusNotFound, "reply not found")
		return
	}
	JSON(w, http.StatusOK, rec)
}
