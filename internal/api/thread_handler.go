package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vdavid/supportmail/internal/store"
)

const threadPathPrefix = "/api/v1/thread/"

type ThreadHandler struct {
	threads ThreadReader
	log     zerolog.Logger
}

func NewThreadHandler(threads ThreadReader, log zerolog.Logger) *ThreadHandler {
	return &ThreadHandler{threads: threads, log: log}
}

// GetThread returns one thread with its messages, attachments and replies.
// Path is /api/v1/thread/{thread_id}.
func (h *ThreadHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	threadID := strings.Split(strings.TrimPrefix(r.URL.Path, threadPathPrefix), "/")[0]
	if threadID == "" || !strings.HasPrefix(r.URL.Path, threadPathPrefix) {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return
	}

	thread, err := h.threads.GetThread(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, store.ErrThreadNotFound) {
			http.Error(w, "Thread not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("thread_id", threadID).Msg("failed to get thread")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSONResponse(w, h.log, http.StatusOK, thread)
}
