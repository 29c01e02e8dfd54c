// Package app builds the ingestion service from configuration. Both the
// server and the CLI start from here.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vdavid/supportmail/internal/blob"
	"github.com/vdavid/supportmail/internal/config"
	"github.com/vdavid/supportmail/internal/db"
	"github.com/vdavid/supportmail/internal/imap"
	"github.com/vdavid/supportmail/internal/ingest"
	"github.com/vdavid/supportmail/internal/logging"
	"github.com/vdavid/supportmail/internal/store"
)

// App holds the wired components. Close releases the store.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Store    store.Store
	Source   *imap.Source
	Pipeline *ingest.Pipeline
	Service  *ingest.Service

	closeStore func()
}

// New opens the store and the blob store and wires the pipeline around the
// IMAP source. No IMAP connection is made until the first run.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	st, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("failed to set up attachment storage: %w", err)
	}
	if blobs == nil {
		log.Warn().Msg("no attachment storage configured, attachments will be dropped")
	}

	source := imap.NewSource(imap.Options{
		Address:  cfg.IMAPAddress(),
		Username: cfg.IMAPUsername,
		Password: cfg.IMAPPassword,
		TLS:      cfg.IMAPTLS,
		Timeout:  cfg.IMAPTimeout,
	}, logging.Component(log, "imap"))

	extractor := ingest.NewExtractor(blobs, cfg.BlobMaxBytes, logging.Component(log, "attachments"))
	pipeline := ingest.NewPipeline(source, st, extractor, PipelineOptions(cfg), logging.Component(log, "sync"))
	service := ingest.NewService(pipeline, source, ingest.ServiceOptions{
		InboxFolder: cfg.IMAPInboxFolder,
		SentFolder:  cfg.IMAPSentFolder,
		StaleAfter:  cfg.StaleAfter,
	}, logging.Component(log, "service"))

	return &App{
		Config:     cfg,
		Log:        log,
		Store:      st,
		Source:     source,
		Pipeline:   pipeline,
		Service:    service,
		closeStore: closeStore,
	}, nil
}

// PipelineOptions maps the sync settings onto the pipeline.
func PipelineOptions(cfg *config.Config) ingest.Options {
	return ingest.Options{
		Mailbox:                cfg.Mailbox,
		IMAPHost:               cfg.IMAPHost,
		AgentAddress:           cfg.AgentAddress,
		BatchSize:              cfg.BatchSize,
		BatchDelay:             cfg.BatchDelay,
		MaxRetries:             cfg.MaxRetries,
		RetryBackoff:           cfg.RetryBackoff,
		SubjectWindow:          cfg.SubjectWindow,
		ScopeSubjectByCustomer: cfg.SubjectScope != config.SubjectScopeAny,
	}
}

// OpenStore opens the configured database. The returned func closes it.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.DBDriver {
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	case "postgres", "":
		pool, err := db.NewConnection(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			db.CloseConnection(pool)
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return db.NewStore(pool), func() { db.CloseConnection(pool) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.DBDriver)
	}
}

// Close releases the store.
func (a *App) Close() {
	if a.closeStore != nil {
		a.closeStore()
	}
}
