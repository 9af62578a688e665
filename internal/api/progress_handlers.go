package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmirror/internal/progress/sinks"
)

const (
	defaultCrawlLimit = 50
	maxCrawlLimit     = 500
)

// SnapshotSource is the read side of sinks.SnapshotSink.
type SnapshotSource interface {
	Get(id uuid.UUID) (sinks.CrawlSnapshot, bool)
	List() []sinks.CrawlSnapshot
}

// ProgressHandler exposes read-only crawl progress endpoints.
type ProgressHandler struct {
	source SnapshotSource
	logger *zap.Logger
}

// NewProgressHandler wires the snapshot source and logger.
func NewProgressHandler(source SnapshotSource, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{source: source, logger: logger}
}

// ListCrawls handles GET /v1/progress?state=&limit=. It returns
// {"crawls": [...]} newest first, 400 for invalid filters, or 503 when
// progress tracking is disabled.
func (h *ProgressHandler) ListCrawls(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracking disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var state sinks.CrawlState
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state, err = parseState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	crawls := make([]sinks.CrawlSnapshot, 0, limit)
	for _, snap := range h.source.List() {
		if state != "" && snap.State != state {
			continue
		}
		crawls = append(crawls, snap)
		if len(crawls) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawls": crawls})
}

// GetCrawl handles GET /v1/progress/{crawl_id}. It returns {"crawl": {...}},
// 400 for malformed IDs, 404 for unknown crawls, or 503 when progress
// tracking is disabled.
func (h *ProgressHandler) GetCrawl(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracking disabled")
		return
	}
	id, err := parseCrawlID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, ok := h.source.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "crawl not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl": snap})
}

func parseCrawlID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "crawl_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("crawl_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid crawl_id")
	}
	return id, nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultCrawlLimit, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if val > maxCrawlLimit {
		val = maxCrawlLimit
	}
	return val, nil
}

func parseState(raw string) (sinks.CrawlState, error) {
	switch state := sinks.CrawlState(strings.ToLower(raw)); state {
	case sinks.CrawlRunning, sinks.CrawlDone, sinks.CrawlInterrupted, sinks.CrawlFailed:
		return state, nil
	default:
		return "", errors.New("invalid state filter")
	}
}
