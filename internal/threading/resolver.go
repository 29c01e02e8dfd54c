// Package threading decides which conversation a parsed message belongs to.
package threading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vdavid/supportmail/internal/store"
)

const (
	// DefaultSubjectWindow is how far back subject correlation looks.
	DefaultSubjectWindow = 30 * 24 * time.Hour
	// maxReferences bounds the References walk to the most recent entries.
	maxReferences = 3
)

// Match names the rule that linked a message to its thread.
type Match string

const (
	MatchNone       Match = ""
	MatchInReplyTo  Match = "in_reply_to"
	MatchReferences Match = "references"
	MatchSubject    Match = "subject"
)

// Lookup is the read side of the store the resolver needs.
type Lookup interface {
	ThreadIDForMessage(ctx context.Context, messageKey string) (string, error)
	FindThreadBySubject(ctx context.Context, q store.SubjectQuery) (string, error)
}

// Input is the identity data of one message.
type Input struct {
	InReplyTo  string
	References []string
	Subject    string
	// CustomerEmail scopes subject correlation when the resolver is scoped.
	CustomerEmail string
}

// Resolution is the resolver's answer. An empty ThreadID means no existing
// thread was found.
type Resolution struct {
	ThreadID string
	Match    Match
}

// Found reports whether an existing thread was resolved.
func (r Resolution) Found() bool {
	return r.ThreadID != ""
}

// Resolver links messages to existing threads: In-Reply-To first, then the
// most recent References, then exact stripped-subject correlation within a
// trailing window. It never creates threads.
type Resolver struct {
	lookup        Lookup
	window        time.Duration
	scopeCustomer bool
	now           func() time.Time
}

// NewResolver returns a resolver. scopeCustomer restricts subject correlation
// to threads of the same customer email.
func NewResolver(lookup Lookup, window time.Duration, scopeCustomer bool) *Resolver {
	if window <= 0 {
		window = DefaultSubjectWindow
	}
	return &Resolver{
		lookup:        lookup,
		window:        window,
		scopeCustomer: scopeCustomer,
		now:           time.Now,
	}
}

// Resolve runs the rules in order; the first hit wins.
func (r *Resolver) Resolve(ctx context.Context, in Input) (Resolution, error) {
	if in.InReplyTo != "" {
		threadID, err := r.byMessageKey(ctx, in.InReplyTo)
		if err != nil {
			return Resolution{}, err
		}
		if threadID != "" {
			return Resolution{ThreadID: threadID, Match: MatchInReplyTo}, nil
		}
	}

	for _, ref := range recentReferences(in.References) {
		threadID, err := r.byMessageKey(ctx, ref)
		if err != nil {
			return Resolution{}, err
		}
		if threadID != "" {
			return Resolution{ThreadID: threadID, Match: MatchReferences}, nil
		}
	}

	threadID, err := r.bySubject(ctx, in)
	if err != nil {
		return Resolution{}, err
	}
	if threadID != "" {
		return Resolution{ThreadID: threadID, Match: MatchSubject}, nil
	}

	return Resolution{Match: MatchNone}, nil
}

func (r *Resolver) byMessageKey(ctx context.Context, key string) (string, error) {
	threadID, err := r.lookup.ThreadIDForMessage(ctx, key)
	if errors.Is(err, store.ErrMessageNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up message %s: %w", key, err)
	}
	return threadID, nil
}

func (r *Resolver) bySubject(ctx context.Context, in Input) (string, error) {
	subject := StripSubjectPrefixes(in.Subject)
	if subject == "" {
		return "", nil
	}

	q := store.SubjectQuery{
		Subject: subject,
		Since:   r.now().Add(-r.window),
	}
	if r.scopeCustomer {
		email := strings.ToLower(strings.TrimSpace(in.CustomerEmail))
		if email == "" {
			return "", nil
		}
		q.CustomerEmail = email
	}

	threadID, err := r.lookup.FindThreadBySubject(ctx, q)
	if errors.Is(err, store.ErrThreadNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to correlate subject %q: %w", subject, err)
	}
	return threadID, nil
}

// recentReferences returns at most maxReferences ids, newest first. The
// References header lists ancestors oldest first.
func recentReferences(refs []string) []string {
	out := make([]string, 0, maxReferences)
	for i := len(refs) - 1; i >= 0 && len(out) < maxReferences; i-- {
		if ref := strings.TrimSpace(refs[i]); ref != "" {
			out = append(out, ref)
		}
	}
	return out
}

// Window is the trailing period subject correlation looks back over.
func (r *Resolver) Window() time.Duration {
	return r.window
}
