package store

import (
	"context"
	"errors"
	"time"

	"github.com/vdavid/supportmail/internal/models"
)

var (
	// ErrThreadNotFound is returned when a thread lookup has no result.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrMessageNotFound is returned when no message has the given key.
	ErrMessageNotFound = errors.New("message not found")
	// ErrDuplicateMessage is returned when a message key is already stored.
	// Callers classify it as a skip, not an error.
	ErrDuplicateMessage = errors.New("duplicate message")
)

// SubjectQuery finds the most recently active thread with exactly Subject,
// active at or after Since. An empty CustomerEmail matches any customer.
type SubjectQuery struct {
	Subject       string
	CustomerEmail string
	Since         time.Time
}

// ThreadFilter pages through threads, newest activity first. An empty
// Status matches both open and closed threads.
type ThreadFilter struct {
	Status models.ThreadStatus
	Limit  int
	Offset int
}

// Store is the durable state behind the ingestion pipeline: threads,
// messages, cursors and the outbound orphan list.
type Store interface {
	// === Lookups used by dedup and thread resolution ===

	MessageExists(ctx context.Context, messageKey string) (bool, error)
	ThreadIDForMessage(ctx context.Context, messageKey string) (string, error)
	FindThreadBySubject(ctx context.Context, q SubjectQuery) (string, error)

	// === Writes ===

	// CreateThread stores thread and its first message atomically. On a
	// duplicate message key nothing is written and ErrDuplicateMessage is
	// returned. thread.ID, msg.ID and msg.ThreadID are filled in.
	CreateThread(ctx context.Context, thread *models.Thread, msg *models.Message) error
	// AppendMessage stores msg in msg.ThreadID and recomputes the thread's
	// message_count and last_message_at from its messages in the same
	// transaction. reopen forces the thread status to open.
	AppendMessage(ctx context.Context, msg *models.Message, reopen bool) (*models.Thread, error)
	SaveAttachments(ctx context.Context, messageID string, attachments []models.Attachment) error
	RecordReply(ctx context.Context, threadID, responder string, repliedAt time.Time) error
	CloseStaleThreads(ctx context.Context, before time.Time) (int64, error)

	// === Cursors ===

	// GetCursor returns a zero cursor (LastUID 0) when none is stored.
	GetCursor(ctx context.Context, mailbox, folder string) (models.SyncCursor, error)
	// SaveCursor never moves LastUID backwards for an unchanged UIDValidity.
	// A different UIDValidity replaces the stored cursor.
	SaveCursor(ctx context.Context, cursor models.SyncCursor) error
	ListCursors(ctx context.Context, mailbox string) ([]models.SyncCursor, error)

	// === Outbound orphans ===

	RecordOrphan(ctx context.Context, orphan models.Orphan) error
	ListOrphans(ctx context.Context, mailbox, folder string, since time.Time) ([]models.Orphan, error)
	DeleteOrphan(ctx context.Context, mailbox, folder, messageKey string) error
	PruneOrphans(ctx context.Context, mailbox, folder string, before time.Time) (int64, error)

	// === Ticket reads ===

	GetThread(ctx context.Context, id string) (*models.Thread, error)
	ListThreads(ctx context.Context, filter ThreadFilter) ([]*models.Thread, int, error)
}
