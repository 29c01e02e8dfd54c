package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vdavid/supportmail/internal/models"
)

// SentFolderResolver finds the sent folder of the mailbox.
type SentFolderResolver interface {
	ResolveSentFolder(ctx context.Context, override string) (string, error)
}

// Target names which pass(es) to run.
type Target string

const (
	TargetInbox Target = "inbox"
	TargetSent  Target = "sent"
	TargetAll   Target = "all"
)

// ParseTarget accepts inbox, sent or all; empty means all.
func ParseTarget(s string) (Target, error) {
	switch Target(s) {
	case "", TargetAll:
		return TargetAll, nil
	case TargetInbox, TargetSent:
		return Target(s), nil
	default:
		return "", fmt.Errorf("unknown sync target %q, want inbox, sent or all", s)
	}
}

// ServiceOptions configures the scheduling layer around the pipeline.
type ServiceOptions struct {
	InboxFolder string
	// SentFolder overrides sent folder detection when set.
	SentFolder string
	// StaleAfter closes threads idle for longer after a full sync; 0 disables.
	StaleAfter time.Duration
}

// Service serializes runs per folder and runs the inbox and sent passes side
// by side. Concurrent requests for a folder that is already syncing share
// the run in progress.
type Service struct {
	pipeline *Pipeline
	folders  SentFolderResolver
	opts     ServiceOptions
	log      zerolog.Logger

	mu         sync.Mutex
	flights    map[string]*flight
	sentFolder string
	onComplete []func(models.RunSummary)
}

// flight is one run shared by every caller that asked for its folder. The
// run is cancelled only when all of its callers have gone.
type flight struct {
	cancel  context.CancelFunc
	waiters int
	done    chan struct{}
	summary models.RunSummary
	err     error
}

// NewService returns a service running p.
func NewService(p *Pipeline, folders SentFolderResolver, opts ServiceOptions, log zerolog.Logger) *Service {
	if opts.InboxFolder == "" {
		opts.InboxFolder = "INBOX"
	}
	return &Service{pipeline: p, folders: folders, opts: opts, log: log, flights: make(map[string]*flight)}
}

// OnRunComplete registers fn to be called after every finished run.
func (s *Service) OnRunComplete(fn func(models.RunSummary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, fn)
}

// Sync runs the requested pass(es) and returns one summary per folder.
func (s *Service) Sync(ctx context.Context, target Target) ([]models.RunSummary, error) {
	switch target {
	case TargetInbox:
		summary, err := s.SyncInbox(ctx)
		return []models.RunSummary{summary}, err
	case TargetSent:
		summary, err := s.SyncSent(ctx)
		if summary.Folder == "" {
			return nil, err
		}
		return []models.RunSummary{summary}, err
	default:
		return s.SyncAll(ctx)
	}
}

// SyncInbox ingests new inbound mail.
func (s *Service) SyncInbox(ctx context.Context) (models.RunSummary, error) {
	return s.runOnce(ctx, s.opts.InboxFolder, func(ctx context.Context) (models.RunSummary, error) {
		return s.pipeline.Run(ctx, s.opts.InboxFolder, InboundStrategy)
	})
}

// SyncSent reconciles the sent folder into existing threads.
func (s *Service) SyncSent(ctx context.Context) (models.RunSummary, error) {
	folder, err := s.SentFolder(ctx)
	if err != nil {
		return models.RunSummary{}, err
	}
	return s.runOnce(ctx, folder, func(ctx context.Context) (models.RunSummary, error) {
		return s.pipeline.Reconcile(ctx, folder)
	})
}

// SyncAll runs both passes concurrently, then closes stale threads when
// configured. Both passes always run to completion; the first error is
// returned.
func (s *Service) SyncAll(ctx context.Context) ([]models.RunSummary, error) {
	var inbox, sent models.RunSummary
	var g errgroup.Group
	g.Go(func() error {
		var err error
		inbox, err = s.SyncInbox(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		sent, err = s.SyncSent(ctx)
		return err
	})
	err := g.Wait()

	summaries := []models.RunSummary{inbox}
	if sent.Folder != "" {
		summaries = append(summaries, sent)
	}
	if err != nil {
		return summaries, err
	}

	if s.opts.StaleAfter > 0 {
		if _, err := s.CloseStale(ctx); err != nil {
			return summaries, err
		}
	}
	return summaries, nil
}

// CloseStale closes open threads without activity for StaleAfter.
func (s *Service) CloseStale(ctx context.Context) (int64, error) {
	if s.opts.StaleAfter <= 0 {
		return 0, nil
	}
	before := s.pipeline.now().Add(-s.opts.StaleAfter)
	closed, err := s.pipeline.store.CloseStaleThreads(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale threads: %w", err)
	}
	if closed > 0 {
		s.log.Info().Int64("closed", closed).Time("before", before).Msg("closed stale threads")
	}
	return closed, nil
}

// SentFolder resolves the sent folder once and caches the answer.
func (s *Service) SentFolder(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.sentFolder
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	folder, err := s.folders.ResolveSentFolder(ctx, s.opts.SentFolder)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sentFolder = folder
	s.mu.Unlock()
	return folder, nil
}

// Status reports the controller state and stored cursor of both folders.
func (s *Service) Status(ctx context.Context) ([]FolderStatus, []models.SyncCursor, error) {
	cursors, err := s.pipeline.store.ListCursors(ctx, s.pipeline.opts.Mailbox)
	if err != nil {
		return nil, nil, err
	}
	return s.pipeline.Status(), cursors, nil
}

// runOnce runs the folder pass or joins the one in progress. A caller that
// goes away leaves the run to the others; the last one to leave cancels it
// and gets the summary of the stopped run.
func (s *Service) runOnce(ctx context.Context, folder string, run func(context.Context) (models.RunSummary, error)) (models.RunSummary, error) {
	f := s.join(ctx, folder, run)

	select {
	case <-f.done:
		return f.summary, f.err
	case <-ctx.Done():
	}

	if s.leave(f) {
		<-f.done
		return f.summary, f.err
	}
	s.log.Debug().Str("folder", folder).Msg("left sync still running for other callers")
	return models.RunSummary{Folder: folder, Cancelled: true}, ctx.Err()
}

func (s *Service) join(ctx context.Context, folder string, run func(context.Context) (models.RunSummary, error)) *flight {
	for {
		s.mu.Lock()
		f, ok := s.flights[folder]
		if !ok {
			break
		}
		if f.waiters > 0 {
			f.waiters++
			s.mu.Unlock()
			s.log.Debug().Str("folder", folder).Msg("joined sync already in progress")
			return f
		}
		// Abandoned run still winding down.
		s.mu.Unlock()
		<-f.done
	}
	defer s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{cancel: cancel, waiters: 1, done: make(chan struct{})}
	s.flights[folder] = f

	go func() {
		defer cancel()
		f.summary, f.err = run(runCtx)

		s.mu.Lock()
		delete(s.flights, folder)
		s.mu.Unlock()

		s.notify(f.summary)
		close(f.done)
	}()
	return f
}

// leave drops one caller and reports whether it was the last.
func (s *Service) leave(f *flight) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return false
	}
	f.cancel()
	return true
}

func (s *Service) notify(summary models.RunSummary) {
	s.mu.Lock()
	hooks := append([]func(models.RunSummary){}, s.onComplete...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(summary)
	}
}
