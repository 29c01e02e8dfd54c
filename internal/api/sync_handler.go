package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/vdavid/supportmail/internal/ingest"
	"github.com/vdavid/supportmail/internal/models"
)

// SyncResponse reports the runs triggered by one request.
type SyncResponse struct {
	Runs  []models.RunSummary `json:"runs"`
	Error string              `json:"error,omitempty"`
}

// SyncStatusResponse is the controller state and stored cursor per folder.
type SyncStatusResponse struct {
	Folders []ingest.FolderStatus `json:"folders"`
	Cursors []models.SyncCursor   `json:"cursors"`
}

// SyncHandler triggers controller runs and reports their state.
type SyncHandler struct {
	sync SyncRunner
	log  zerolog.Logger
}

func NewSyncHandler(sync SyncRunner, log zerolog.Logger) *SyncHandler {
	return &SyncHandler{sync: sync, log: log}
}

// Sync runs the passes named by ?folder=inbox|sent|all (default all) and
// returns their summaries. An aborted run answers 502 with the partial
// summaries; a run already in progress for a folder is joined, not repeated.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target, err := ingest.ParseTarget(r.URL.Query().Get("folder"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runs, err := h.sync.Sync(r.Context(), target)
	resp := SyncResponse{Runs: runs}
	if resp.Runs == nil {
		resp.Runs = []models.RunSummary{}
	}
	status := http.StatusOK
	if err != nil {
		h.log.Warn().Err(err).Str("target", string(target)).Msg("sync request failed")
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}

	WriteJSONResponse(w, h.log, status, resp)
}

// Status returns the per-folder controller state and cursors.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	folders, cursors, err := h.sync.Status(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load sync status")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if folders == nil {
		folders = []ingest.FolderStatus{}
	}
	if cursors == nil {
		cursors = []models.SyncCursor{}
	}

	WriteJSONResponse(w, h.log, http.StatusOK, SyncStatusResponse{Folders: folders, Cursors: cursors})
}
