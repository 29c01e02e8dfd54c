// Package api serves the HTTP surface: sync triggers, sync status, the
// ticket-read endpoints and the WebSocket event stream.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/vdavid/supportmail/internal/ingest"
	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/store"
)

// ThreadReader is the read side of the store used by the ticket endpoints.
type ThreadReader interface {
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	ListThreads(ctx context.Context, filter store.ThreadFilter) ([]*models.Thread, int, error)
}

// SyncRunner triggers and reports controller runs.
type SyncRunner interface {
	Sync(ctx context.Context, target ingest.Target) ([]models.RunSummary, error)
	Status(ctx context.Context) ([]ingest.FolderStatus, []models.SyncCursor, error)
}

// ParsePaginationParams parses page and limit from query parameters.
// Returns default values (page=1, limit=defaultLimit) if parameters are missing or invalid.
// limit is capped at maxLimit.
func ParsePaginationParams(r *http.Request, defaultLimit, maxLimit int) (page, limit int) {
	page = 1
	limit = defaultLimit

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if parsed, err := strconv.Atoi(pageStr); err == nil && parsed > 0 {
			page = parsed
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return page, limit
}

// WriteJSONResponse encodes v into a buffer first so a failed encode never
// leaves a partial body. Returns false if the response could not be written.
func WriteJSONResponse(w http.ResponseWriter, log zerolog.Logger, status int, v any) bool {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
		return false
	}
	return true
}
