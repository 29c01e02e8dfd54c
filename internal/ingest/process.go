package ingest

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/vdavid/supportmail/internal/mailparse"
	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/store"
	"github.com/vdavid/supportmail/internal/syncerr"
	"github.com/vdavid/supportmail/internal/threading"
)

// Outcome classifies what happened to one message.
type Outcome int

const (
	OutcomeSynced Outcome = iota
	OutcomeSkipped
	OutcomeError
	// OutcomeUnlinked is an outbound message no thread could be found for.
	OutcomeUnlinked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSynced:
		return "synced"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeError:
		return "error"
	case OutcomeUnlinked:
		return "unlinked"
	default:
		return "unknown"
	}
}

// Strategy is what differs between the inbox pass and the sent pass.
type Strategy struct {
	// ResolvesNewThreads lets an unresolved message start a thread.
	ResolvesNewThreads bool
	Direction          models.Direction
}

var (
	InboundStrategy  = Strategy{ResolvesNewThreads: true, Direction: models.DirectionInbound}
	OutboundStrategy = Strategy{ResolvesNewThreads: false, Direction: models.DirectionOutbound}
)

// Result is the outcome of one message plus what was learned on the way.
type Result struct {
	Outcome    Outcome
	MessageKey string
	ThreadID   string
	Match      threading.Match
	Err        error
}

// processor runs one raw message through parse, dedup, resolve, write,
// attachments and the reply signal.
type processor struct {
	store        store.Store
	resolver     *threading.Resolver
	extractor    *Extractor
	agentAddress string
	log          zerolog.Logger
}

func (p *processor) process(ctx context.Context, parser *mailparse.Parser, folder string, strategy Strategy, raw models.RawMessage) Result {
	parsed, err := parser.Parse(raw)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}
	res := Result{MessageKey: parsed.MessageKey}

	exists, err := p.store.MessageExists(ctx, parsed.MessageKey)
	if err != nil {
		return res.fail(&syncerr.StoreWriteError{MessageKey: parsed.MessageKey, Err: err})
	}
	if exists {
		res.Outcome = OutcomeSkipped
		return res
	}

	msg := p.buildMessage(parsed, folder, strategy, raw.UID)
	from := threading.Party{Name: parsed.FromName, Email: parsed.FromAddress}
	to := threading.Party{Name: parsed.ToName, Email: parsed.ToAddress}
	customer := threading.CustomerParty(from, to, p.agentAddress)
	if strategy.Direction == models.DirectionOutbound {
		customer = to.Normalized()
	}

	resolution, err := p.resolver.Resolve(ctx, threading.Input{
		InReplyTo:     parsed.InReplyTo,
		References:    parsed.References,
		Subject:       parsed.Subject,
		CustomerEmail: customer.Email,
	})
	if err != nil {
		return res.fail(&syncerr.StoreWriteError{MessageKey: parsed.MessageKey, Err: err})
	}
	res.Match = resolution.Match

	if resolution.Found() {
		msg.ThreadID = resolution.ThreadID
		// A customer message reopens the thread, an agent message never does.
		_, err = p.store.AppendMessage(ctx, msg, !msg.IsFromAgent)
	} else {
		if !strategy.ResolvesNewThreads {
			res.Outcome = OutcomeUnlinked
			return res
		}
		thread := &models.Thread{
			OriginMessageID: parsed.MessageKey,
			Subject:         threading.ThreadSubject(parsed.Subject),
			Status:          models.ThreadStatusOpen,
			CustomerName:    customer.Name,
			CustomerEmail:   customer.Email,
		}
		err = p.store.CreateThread(ctx, thread, msg)
	}
	if errors.Is(err, store.ErrDuplicateMessage) {
		res.Outcome = OutcomeSkipped
		return res
	}
	if err != nil {
		return res.fail(&syncerr.StoreWriteError{MessageKey: parsed.MessageKey, Err: err})
	}
	res.ThreadID = msg.ThreadID

	p.saveAttachments(ctx, msg, parsed.Attachments)

	if msg.IsFromAgent {
		if err := p.store.RecordReply(ctx, msg.ThreadID, msg.FromAddress, msg.CreatedAt); err != nil {
			p.log.Warn().Err(err).Str("thread_id", msg.ThreadID).Msg("failed to record reply")
		}
	}

	res.Outcome = OutcomeSynced
	return res
}

func (r Result) fail(err error) Result {
	r.Outcome = OutcomeError
	r.Err = err
	return r
}

func (p *processor) buildMessage(parsed *mailparse.Parsed, folder string, strategy Strategy, uid uint32) *models.Message {
	msg := &models.Message{
		MessageKey:  parsed.MessageKey,
		InReplyTo:   parsed.InReplyTo,
		References:  parsed.References,
		FromAddress: parsed.FromAddress,
		FromName:    parsed.FromName,
		ToAddress:   parsed.ToAddress,
		ToName:      parsed.ToName,
		Subject:     parsed.Subject,
		BodyText:    parsed.BodyText,
		BodyHTML:    parsed.BodyHTML,
		Direction:   strategy.Direction,
		Folder:      folder,
		CreatedAt:   parsed.Date,
	}
	// Everything in the sent folder was written by the agent.
	msg.IsFromAgent = strategy.Direction == models.DirectionOutbound ||
		threading.IsAgent(parsed.FromAddress, p.agentAddress)
	if strategy.Direction == models.DirectionInbound {
		sourceUID := int64(uid)
		msg.SourceUID = &sourceUID
	}
	return msg
}

func (p *processor) saveAttachments(ctx context.Context, msg *models.Message, attachments []mailparse.ParsedAttachment) {
	refs := p.extractor.Extract(ctx, msg.ThreadID, AttachmentKey(msg), attachments)
	if len(refs) == 0 {
		return
	}
	if err := p.store.SaveAttachments(ctx, msg.ID, refs); err != nil {
		p.log.Warn().Err(err).Str("message_key", msg.MessageKey).Msg("failed to save attachment references")
	}
}
