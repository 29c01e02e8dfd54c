package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vdavid/supportmail/internal/api"
	"github.com/vdavid/supportmail/internal/app"
	"github.com/vdavid/supportmail/internal/auth"
	"github.com/vdavid/supportmail/internal/config"
	"github.com/vdavid/supportmail/internal/logging"
	"github.com/vdavid/supportmail/internal/models"
	ws "github.com/vdavid/supportmail/internal/websocket"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	log.Info().Str("driver", cfg.DBDriver).Msg("store ready")

	hub := ws.NewHub(10, logging.Component(log, "websocket"))
	a.Service.OnRunComplete(hub.NotifySyncComplete)

	if cfg.APIToken == "" {
		log.Warn().Msg("SUPPORTMAIL_API_TOKEN is not set, the API is unauthenticated")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewServer(cfg, a.Store, a.Service, hub, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.SyncInterval > 0 {
		go runSchedule(ctx, a.Service, cfg.SyncInterval, logging.Component(log, "scheduler"))
	}
	if cfg.SyncIdle {
		go a.Source.Watch(ctx, cfg.IMAPInboxFolder, func(ctx context.Context) {
			if _, err := a.Service.SyncInbox(ctx); err != nil {
				log.Warn().Err(err).Msg("sync after IDLE notification failed")
			}
		})
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", server.Addr).Str("environment", cfg.Environment).Msg("supportmail server starting")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// NewServer creates and returns the HTTP handler for the API server.
func NewServer(cfg *config.Config, threads api.ThreadReader, runner api.SyncRunner, hub *ws.Hub, log zerolog.Logger) http.Handler {
	apiLog := logging.Component(log, "api")
	requireAuth := auth.RequireToken(cfg.APIToken, apiLog)

	syncHandler := api.NewSyncHandler(runner, apiLog)
	threadsHandler := api.NewThreadsHandler(threads, apiLog)
	threadHandler := api.NewThreadHandler(threads, apiLog)
	wsHandler := api.NewWebSocketHandler(hub, cfg.APIToken, apiLog)

	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)

	mux.Handle("/api/v1/sync", requireAuth(http.HandlerFunc(syncHandler.Sync)))
	mux.Handle("/api/v1/sync/status", requireAuth(http.HandlerFunc(syncHandler.Status)))
	mux.Handle("/api/v1/threads", requireAuth(http.HandlerFunc(threadsHandler.GetThreads)))
	mux.Handle("/api/v1/thread/", requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimPrefix(r.URL.Path, "/api/v1/thread/") == "" {
			http.Error(w, "thread_id is required", http.StatusBadRequest)
			return
		}
		threadHandler.GetThread(w, r)
	})))
	// WebSocket handler handles its own authentication via query parameter
	// (since browsers can't set headers on WebSocket connections).
	mux.Handle("/api/v1/ws", http.HandlerFunc(wsHandler.Handle))

	return mux
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "supportmail is running")
}

// allSyncer runs both passes.
type allSyncer interface {
	SyncAll(ctx context.Context) ([]models.RunSummary, error)
}

// runSchedule runs a full sync every interval until ctx is cancelled. A run
// still in progress when the next tick fires is joined, not duplicated.
func runSchedule(ctx context.Context, svc allSyncer, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summaries, err := svc.SyncAll(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("scheduled sync failed")
				continue
			}
			for _, s := range summaries {
				log.Debug().Str("folder", s.Folder).Int("synced", s.Synced).Msg("scheduled sync done")
			}
		}
	}
}
