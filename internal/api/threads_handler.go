package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/store"
)

const (
	defaultThreadsLimit = 100
	maxThreadsLimit     = 500
)

// ThreadsHandler handles thread-list-related API requests.
type ThreadsHandler struct {
	threads ThreadReader
	log     zerolog.Logger
}

// NewThreadsHandler creates a new ThreadsHandler instance.
func NewThreadsHandler(threads ThreadReader, log zerolog.Logger) *ThreadsHandler {
	return &ThreadsHandler{threads: threads, log: log}
}

// BuildPaginationResponse builds the pagination response structure.
func BuildPaginationResponse(threads []*models.Thread, totalCount, page, limit int) *models.ThreadsResponse {
	if threads == nil {
		threads = []*models.Thread{}
	}
	return &models.ThreadsResponse{
		Threads: threads,
		Pagination: models.PaginationInfo{
			TotalCount: totalCount,
			Page:       page,
			PerPage:    limit,
		},
	}
}

// GetThreads returns a paginated list of threads, most recent activity
// first, optionally filtered by status (open or closed).
func (h *ThreadsHandler) GetThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := models.ThreadStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.ThreadStatusOpen, models.ThreadStatusClosed:
	default:
		http.Error(w, "status must be open or closed", http.StatusBadRequest)
		return
	}

	page, limit := ParsePaginationParams(r, defaultThreadsLimit, maxThreadsLimit)
	offset := (page - 1) * limit

	threads, totalCount, err := h.threads.ListThreads(r.Context(), store.ThreadFilter{
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list threads")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSONResponse(w, h.log, http.StatusOK, BuildPaginationResponse(threads, totalCount, page, limit))
}
