package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/store"
)

// Store is the Postgres implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore wraps a connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) MessageExists(ctx context.Context, messageKey string) (bool, error) {
	return MessageExists(ctx, s.pool, messageKey)
}

func (s *Store) ThreadIDForMessage(ctx context.Context, messageKey string) (string, error) {
	return ThreadIDForMessage(ctx, s.pool, messageKey)
}

func (s *Store) FindThreadBySubject(ctx context.Context, q store.SubjectQuery) (string, error) {
	return FindThreadBySubject(ctx, s.pool, q)
}

func (s *Store) CreateThread(ctx context.Context, thread *models.Thread, msg *models.Message) error {
	return CreateThread(ctx, s.pool, thread, msg)
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.Message, reopen bool) (*models.Thread, error) {
	return AppendMessage(ctx, s.pool, msg, reopen)
}

func (s *Store) SaveAttachments(ctx context.Context, messageID string, attachments []models.Attachment) error {
	return SaveAttachments(ctx, s.pool, messageID, attachments)
}

func (s *Store) RecordReply(ctx context.Context, threadID, responder string, repliedAt time.Time) error {
	return RecordReply(ctx, s.pool, threadID, responder, repliedAt)
}

func (s *Store) CloseStaleThreads(ctx context.Context, before time.Time) (int64, error) {
	return CloseStaleThreads(ctx, s.pool, before)
}

func (s *Store) GetCursor(ctx context.Context, mailbox, folder string) (models.SyncCursor, error) {
	return GetCursor(ctx, s.pool, mailbox, folder)
}

func (s *Store) SaveCursor(ctx context.Context, cursor models.SyncCursor) error {
	return SaveCursor(ctx, s.pool, cursor)
}

func (s *Store) ListCursors(ctx context.Context, mailbox string) ([]models.SyncCursor, error) {
	return ListCursors(ctx, s.pool, mailbox)
}

func (s *Store) RecordOrphan(ctx context.Context, orphan models.Orphan) error {
	return RecordOrphan(ctx, s.pool, orphan)
}

func (s *Store) ListOrphans(ctx context.Context, mailbox, folder string, since time.Time) ([]models.Orphan, error) {
	return ListOrphans(ctx, s.pool, mailbox, folder, since)
}

func (s *Store) DeleteOrphan(ctx context.Context, mailbox, folder, messageKey string) error {
	return DeleteOrphan(ctx, s.pool, mailbox, folder, messageKey)
}

func (s *Store) PruneOrphans(ctx context.Context, mailbox, folder string, before time.Time) (int64, error) {
	return PruneOrphans(ctx, s.pool, mailbox, folder, before)
}

func (s *Store) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	return GetThread(ctx, s.pool, id)
}

func (s *Store) ListThreads(ctx context.Context, filter store.ThreadFilter) ([]*models.Thread, int, error) {
	return ListThreads(ctx, s.pool, filter)
}
