// internal/api/handler.go
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github-commit-feed/internal/database"
	"github-commit-feed/internal/feed"
	"github-commit-feed/internal/model"
)

// FeedLimit is the number of commits rendered into a feed.
const FeedLimit = 300

// Refresher brings the commit cache up to date before it is read.
type Refresher interface {
	EnsureFresh(ctx context.Context) (bool, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	db     database.Querier
	gate   Refresher
	feed   *feed.Builder
	logger *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(db database.Querier, gate Refresher, builder *feed.Builder, logger *slog.Logger) http.Handler {
	h := &Handler{
		db:     db,
		gate:   gate,
		feed:   builder,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.healthCheck)
	r.Get("/rss", h.getRSS)
	r.Get("/atom", h.getAtom)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/commits", h.getCommits)
		r.Get("/stats/top-authors", h.getTopAuthors)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getRSS refreshes the cache if it is stale and serves the RSS feed.
// GET /rss
func (h *Handler) getRSS(w http.ResponseWriter, r *http.Request) {
	h.serveFeed(w, r, "application/rss+xml; charset=utf-8", h.feed.RSS)
}

// getAtom is getRSS in Atom format.
// GET /atom
func (h *Handler) getAtom(w http.ResponseWriter, r *http.Request) {
	h.serveFeed(w, r, "application/atom+xml; charset=utf-8", h.feed.Atom)
}

func (h *Handler) serveFeed(w http.ResponseWriter, r *http.Request, contentType string, render func([]model.Commit) (string, error)) {
	if _, err := h.gate.EnsureFresh(r.Context()); err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil {
			// The timeout middleware answers 504 once we return; the client may be gone anyway.
			h.logger.Warn("Request ended before commits were refreshed", "error", err, "reason", ctxErr)
			return
		}
		h.logger.Error("Failed to refresh commits", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to refresh commits")
		return
	}

	commits, err := h.recentCommits(r.Context(), FeedLimit)
	if err != nil {
		h.logger.Error("Failed to get commits", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	body, err := render(commits)
	if err != nil {
		h.logger.Error("Failed to render feed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// getCommits returns cached commits without triggering a refresh.
// GET /v1/commits?limit=N
func (h *Handler) getCommits(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 50, FeedLimit)
	if !ok {
		return
	}

	commits, err := h.recentCommits(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to get commits", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, commits)
}

// getTopAuthors handles the request for top commit authors in the cache.
// GET /v1/stats/top-authors?limit=N
func (h *Handler) getTopAuthors(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 10, 100)
	if !ok {
		return
	}

	authors, err := h.db.GetTopNCommitAuthors(r.Context(), int32(limit))
	if err != nil {
		h.logger.Error("Failed to get top commit authors", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, authors)
}

func (h *Handler) recentCommits(ctx context.Context, limit int) ([]model.Commit, error) {
	rows, err := h.db.ListRecentCommits(ctx, int32(limit))
	if err != nil {
		return nil, err
	}
	commits := make([]model.Commit, len(rows))
	for i, row := range rows {
		commits[i] = model.Commit{
			SHA:     row.Sha,
			Author:  row.Author,
			Message: row.Message,
			URL:     row.Url,
			Date:    row.Date,
		}
	}
	return commits, nil
}

// parseLimit reads the 'limit' query parameter, writing a 400 response if it is invalid.
func parseLimit(w http.ResponseWriter, r *http.Request, defaultLimit, maxLimit int) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > maxLimit {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and "+strconv.Itoa(maxLimit)+".")
		return 0, false
	}
	return limit, true
}
