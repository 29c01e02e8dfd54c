// Package ingest drives mail from the source into threads: the batch and
// cursor controller, the per-message pipeline and the sent-folder pass.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/vdavid/supportmail/internal/mailparse"
	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/store"
	"github.com/vdavid/supportmail/internal/syncerr"
	"github.com/vdavid/supportmail/internal/threading"
)

// MailSource lists and fetches the messages of one folder. Every call opens
// and releases its own session.
type MailSource interface {
	ListUIDs(ctx context.Context, folder string, after uint32) (models.FolderListing, error)
	FetchRange(ctx context.Context, folder string, uids []uint32) ([]models.RawMessage, error)
}

// State is where a folder's controller is.
type State string

const (
	StateIdle            State = "idle"
	StateBatchFetching   State = "batch_fetching"
	StateBatchProcessing State = "batch_processing"
	StateBatchCommitting State = "batch_committing"
	StateAborted         State = "aborted"
)

// Options tunes the pipeline.
type Options struct {
	// Mailbox keys the cursors.
	Mailbox string
	// IMAPHost is used to synthesize ids for messages without a Message-ID.
	IMAPHost     string
	AgentAddress string

	BatchSize  int
	BatchDelay time.Duration
	// MaxRetries is the number of attempts per batch.
	MaxRetries   int
	RetryBackoff time.Duration

	SubjectWindow          time.Duration
	ScopeSubjectByCustomer bool
}

// FolderStatus is the controller's view of one folder.
type FolderStatus struct {
	Folder  string             `json:"folder"`
	State   State              `json:"state"`
	LastRun *models.RunSummary `json:"last_run,omitempty"`
}

// Pipeline runs folders through the ingestion steps in UID order, one batch
// at a time, and checkpoints the cursor after each committed batch. Runs of
// the same folder must not overlap; Service takes care of that.
type Pipeline struct {
	source MailSource
	store  store.Store
	proc   *processor
	opts   Options
	log    zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	status map[string]*FolderStatus
}

// NewPipeline wires the pipeline. A nil extractor drops all attachments.
func NewPipeline(source MailSource, st store.Store, extractor *Extractor, opts Options, log zerolog.Logger) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if extractor == nil {
		extractor = NewExtractor(nil, 0, log)
	}

	return &Pipeline{
		source: source,
		store:  st,
		proc: &processor{
			store:        st,
			resolver:     threading.NewResolver(st, opts.SubjectWindow, opts.ScopeSubjectByCustomer),
			extractor:    extractor,
			agentAddress: opts.AgentAddress,
			log:          log,
		},
		opts:   opts,
		log:    log,
		now:    time.Now,
		sleep:  sleepContext,
		status: make(map[string]*FolderStatus),
	}
}

// Run ingests every message above the folder's cursor. Cancelling ctx stops
// the run between batches; the batch in flight always completes. The
// returned error is set only when the run aborted.
func (p *Pipeline) Run(ctx context.Context, folder string, strategy Strategy) (models.RunSummary, error) {
	summary := models.RunSummary{
		Mailbox:   p.opts.Mailbox,
		Folder:    folder,
		Direction: strategy.Direction,
		StartedAt: p.now().UTC(),
	}
	log := p.log.With().Str("folder", folder).Str("direction", string(strategy.Direction)).Logger()

	cursor, listing, err := p.listPending(ctx, folder, log)
	summary.Cursor = cursor.LastUID
	if err != nil {
		return p.abort(summary, err, log)
	}

	if len(listing.UIDs) > 0 {
		log.Info().Uint32("cursor", cursor.LastUID).Int("pending", len(listing.UIDs)).Msg("starting sync")
	}

	parser := p.parser(folder, listing.UIDValidity)
	for start := 0; start < len(listing.UIDs); start += p.opts.BatchSize {
		if start > 0 {
			if err := p.sleep(ctx, p.opts.BatchDelay); err != nil {
				summary.Cancelled = true
				break
			}
		}
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}

		end := min(start+p.opts.BatchSize, len(listing.UIDs))
		batch := listing.UIDs[start:end]

		results, err := p.runBatch(ctx, folder, strategy, parser, batch, cursor, log)
		tally(&summary, results)
		if err != nil {
			return p.abort(summary, err, log)
		}

		cursor.LastUID = batch[len(batch)-1]
		summary.Cursor = cursor.LastUID
		summary.Batches++
	}

	summary.State = string(StateIdle)
	summary.FinishedAt = p.now().UTC()
	p.finish(folder, StateIdle, summary)

	if summary.Cancelled {
		log.Info().Uint32("cursor", summary.Cursor).Msg("sync cancelled between batches")
	}
	if summary.Batches > 0 {
		log.Info().
			Int("synced", summary.Synced).
			Int("skipped", summary.Skipped).
			Int("errors", summary.Errors).
			Int("unlinked", summary.Unlinked).
			Uint32("cursor", summary.Cursor).
			Msg("sync complete")
	}
	return summary, nil
}

// parser returns the parser for one folder listing. Synthesized ids carry the
// UIDVALIDITY so a reused UID never collides with an earlier message.
func (p *Pipeline) parser(folder string, uidValidity uint32) *mailparse.Parser {
	return mailparse.NewParser(mailparse.SyntheticHost(folder, uidValidity, p.opts.IMAPHost))
}

// listPending loads the cursor and lists the UIDs above it. A changed
// UIDVALIDITY invalidates the cursor and the folder is listed from the start.
// The returned cursor is the stored one even when listing fails.
func (p *Pipeline) listPending(ctx context.Context, folder string, log zerolog.Logger) (models.SyncCursor, models.FolderListing, error) {
	p.setState(folder, StateBatchFetching)

	cursor, err := p.store.GetCursor(ctx, p.opts.Mailbox, folder)
	if err != nil {
		return cursor, models.FolderListing{}, fmt.Errorf("failed to load cursor: %w", err)
	}
	stored := cursor

	listing, err := withRetry(ctx, p.opts, func() (models.FolderListing, error) {
		return p.source.ListUIDs(ctx, folder, cursor.LastUID)
	}, log)
	if err != nil {
		return stored, listing, err
	}

	if cursor.UIDValidity != 0 && listing.UIDValidity != cursor.UIDValidity {
		log.Warn().
			Uint32("old_uid_validity", cursor.UIDValidity).
			Uint32("new_uid_validity", listing.UIDValidity).
			Msg("UIDVALIDITY changed, rescanning folder")

		cursor.LastUID = 0
		listing, err = withRetry(ctx, p.opts, func() (models.FolderListing, error) {
			return p.source.ListUIDs(ctx, folder, 0)
		}, log)
		if err != nil {
			return stored, listing, err
		}
	}

	if cursor.UIDValidity != listing.UIDValidity {
		cursor.UIDValidity = listing.UIDValidity
		if err := p.store.SaveCursor(ctx, cursor); err != nil {
			return stored, listing, fmt.Errorf("failed to save cursor: %w", err)
		}
	}

	return cursor, listing, nil
}

// runBatch fetches, processes and commits one batch, retrying the whole batch
// on connection and store failures. Outcomes survive retries so a message is
// never processed twice within one run.
func (p *Pipeline) runBatch(ctx context.Context, folder string, strategy Strategy, parser *mailparse.Parser,
	uids []uint32, cursor models.SyncCursor, log zerolog.Logger) (map[uint32]Result, error) {
	// The batch in flight is not interrupted by cancellation.
	batchCtx := context.WithoutCancel(ctx)
	results := make(map[uint32]Result, len(uids))

	_, err := withRetry(batchCtx, p.opts, func() (struct{}, error) {
		p.setState(folder, StateBatchFetching)
		raws, err := p.source.FetchRange(batchCtx, folder, uids)
		if err != nil {
			return struct{}{}, err
		}

		p.setState(folder, StateBatchProcessing)
		for _, raw := range raws {
			if _, done := results[raw.UID]; done {
				continue
			}
			res := p.proc.process(batchCtx, parser, folder, strategy, raw)
			p.afterMessage(batchCtx, folder, cursor.UIDValidity, raw.UID, res, log)
			results[raw.UID] = res
		}

		p.setState(folder, StateBatchCommitting)
		next := cursor
		next.LastUID = uids[len(uids)-1]
		if err := p.store.SaveCursor(batchCtx, next); err != nil {
			return struct{}{}, fmt.Errorf("failed to save cursor: %w", err)
		}
		return struct{}{}, nil
	}, log)

	return results, err
}

func (p *Pipeline) afterMessage(ctx context.Context, folder string, uidValidity, uid uint32, res Result, log zerolog.Logger) {
	switch res.Outcome {
	case OutcomeError:
		log.Warn().Err(res.Err).Uint32("uid", uid).Str("message_key", res.MessageKey).Msg("message failed")
	case OutcomeUnlinked:
		log.Info().Uint32("uid", uid).Str("message_key", res.MessageKey).Msg("outbound message not linked to any thread")
		err := p.store.RecordOrphan(ctx, models.Orphan{
			Mailbox:     p.opts.Mailbox,
			Folder:      folder,
			MessageKey:  res.MessageKey,
			UID:         uid,
			UIDValidity: uidValidity,
		})
		if err != nil {
			log.Warn().Err(err).Str("message_key", res.MessageKey).Msg("failed to record orphan")
		}
	case OutcomeSynced:
		log.Debug().Uint32("uid", uid).Str("thread_id", res.ThreadID).Str("match", string(res.Match)).Msg("message stored")
	}
}

// withRetry runs op up to MaxRetries times with a constant pause. Protocol
// errors are returned at once.
func withRetry[T any](ctx context.Context, opts Options, op func() (T, error), log zerolog.Logger) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && syncerr.IsFatal(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(opts.RetryBackoff)),
		backoff.WithMaxTries(uint(opts.MaxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("batch attempt failed")
		}),
	)
}

func (p *Pipeline) abort(summary models.RunSummary, err error, log zerolog.Logger) (models.RunSummary, error) {
	summary.Aborted = true
	summary.State = string(StateAborted)
	summary.Error = err.Error()
	summary.FinishedAt = p.now().UTC()
	p.finish(summary.Folder, StateAborted, summary)

	event := log.Error().Err(err).Uint32("cursor", summary.Cursor)
	if errors.Is(err, context.Canceled) {
		event = log.Warn().Err(err).Uint32("cursor", summary.Cursor)
	}
	event.Msg("sync aborted")

	return summary, fmt.Errorf("sync of %s aborted at cursor %d: %w", summary.Folder, summary.Cursor, err)
}

func tally(summary *models.RunSummary, results map[uint32]Result) {
	for _, res := range results {
		switch res.Outcome {
		case OutcomeSynced:
			summary.Synced++
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomeError:
			summary.Errors++
		case OutcomeUnlinked:
			summary.Unlinked++
		}
	}
}

func (p *Pipeline) setState(folder string, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.status[folder]
	if !ok {
		st = &FolderStatus{Folder: folder}
		p.status[folder] = st
	}
	st.State = state
}

func (p *Pipeline) finish(folder string, state State, summary models.RunSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.status[folder]
	if !ok {
		st = &FolderStatus{Folder: folder}
		p.status[folder] = st
	}
	st.State = state
	st.LastRun = &summary
}

// Status returns a snapshot of every folder the pipeline has run.
func (p *Pipeline) Status() []FolderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]FolderStatus, 0, len(p.status))
	for _, st := range p.status {
		out = append(out, *st)
	}
	return out
}

// FolderState returns the controller state of one folder.
func (p *Pipeline) FolderState(folder string) State {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st, ok := p.status[folder]; ok {
		return st.State
	}
	return StateIdle
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
