package ingest

import (
	"context"

	"github.com/vdavid/supportmail/internal/models"
)

// Reconcile is the sent-folder pass. It first retries outbound messages that
// earlier passes could not link, then ingests new outbound mail. Outbound
// mail only ever joins existing threads.
func (p *Pipeline) Reconcile(ctx context.Context, folder string) (models.RunSummary, error) {
	relinked := p.retryOrphans(ctx, folder)

	summary, err := p.Run(ctx, folder, OutboundStrategy)
	summary.Relinked = relinked
	return summary, err
}

// retryOrphans re-fetches the orphans still inside the subject window and
// runs them through the pipeline again. Linked orphans are forgotten and
// expired ones pruned. Orphans recorded under an older UIDVALIDITY are
// dropped unfetched; the rescan that follows records them again. Failures
// here never fail the pass.
func (p *Pipeline) retryOrphans(ctx context.Context, folder string) int {
	log := p.log.With().Str("folder", folder).Logger()
	cutoff := p.now().Add(-p.proc.resolver.Window())

	pruned, err := p.store.PruneOrphans(ctx, p.opts.Mailbox, folder, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("failed to prune orphans")
	} else if pruned > 0 {
		log.Info().Int64("pruned", pruned).Msg("dropped expired orphans")
	}

	orphans, err := p.store.ListOrphans(ctx, p.opts.Mailbox, folder, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list orphans")
		return 0
	}
	if len(orphans) == 0 {
		return 0
	}

	var maxUID uint32
	for _, o := range orphans {
		maxUID = max(maxUID, o.UID)
	}
	listing, err := p.source.ListUIDs(ctx, folder, maxUID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to check UIDVALIDITY for orphans")
		return 0
	}
	uidValidity := listing.UIDValidity

	byUID := make(map[uint32]models.Orphan, len(orphans))
	uids := make([]uint32, 0, len(orphans))
	for _, o := range orphans {
		if o.UIDValidity != 0 && o.UIDValidity != uidValidity {
			log.Info().Str("message_key", o.MessageKey).Uint32("uid_validity", o.UIDValidity).Msg("dropping orphan from an old UIDVALIDITY")
			if err := p.store.DeleteOrphan(ctx, p.opts.Mailbox, folder, o.MessageKey); err != nil {
				log.Warn().Err(err).Str("message_key", o.MessageKey).Msg("failed to delete orphan")
			}
			continue
		}
		byUID[o.UID] = o
		uids = append(uids, o.UID)
	}
	if len(uids) == 0 {
		return 0
	}

	raws, err := p.source.FetchRange(ctx, folder, uids)
	if err != nil {
		log.Warn().Err(err).Int("orphans", len(uids)).Msg("failed to fetch orphans")
		return 0
	}

	parser := p.parser(folder, uidValidity)
	relinked := 0
	for _, raw := range raws {
		orphan := byUID[raw.UID]
		res := p.proc.process(ctx, parser, folder, OutboundStrategy, raw)

		switch res.Outcome {
		case OutcomeUnlinked:
			// Still nothing to attach to; bump the attempt counter.
			p.afterMessage(ctx, folder, uidValidity, raw.UID, res, log)
			continue
		case OutcomeError:
			log.Warn().Err(res.Err).Str("message_key", orphan.MessageKey).Msg("orphan retry failed")
			continue
		case OutcomeSynced:
			relinked++
			log.Info().Str("message_key", res.MessageKey).Str("thread_id", res.ThreadID).Msg("linked orphan")
		}

		if err := p.store.DeleteOrphan(ctx, p.opts.Mailbox, folder, orphan.MessageKey); err != nil {
			log.Warn().Err(err).Str("message_key", orphan.MessageKey).Msg("failed to delete orphan")
		}
	}
	return relinked
}
