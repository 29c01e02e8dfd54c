package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/supportmail/internal/models"
	"github.com/vdavid/supportmail/internal/store"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = store.ErrThreadNotFound

const threadColumns = `id, origin_message_id, subject, status, customer_name, customer_email,
	last_message_at, message_count, created_at, updated_at`

func scanThread(row pgx.Row) (*models.Thread, error) {
	var thread models.Thread
	var status string
	err := row.Scan(
		&thread.ID,
		&thread.OriginMessageID,
		&thread.Subject,
		&status,
		&thread.CustomerName,
		&thread.CustomerEmail,
		&thread.LastMessageAt,
		&thread.MessageCount,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	thread.Status = models.ThreadStatus(status)
	thread.LastMessageAt = thread.LastMessageAt.UTC()
	thread.CreatedAt = thread.CreatedAt.UTC()
	thread.UpdatedAt = thread.UpdatedAt.UTC()
	return &thread, nil
}

// CreateThread inserts thread together with its first message in one
// transaction. A duplicate message key rolls both back.
func CreateThread(ctx context.Context, pool *pgxpool.Pool, thread *models.Thread, msg *models.Message) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if thread.Status == "" {
		thread.Status = models.ThreadStatusOpen
	}

	created, err := scanThread(tx.QueryRow(ctx, `
		INSERT INTO threads (
			origin_message_id, subject, status, customer_name, customer_email,
			last_message_at, message_count
		) VALUES ($1, $2, $3, $4, $5, $6, 1)
		RETURNING `+threadColumns,
		thread.OriginMessageID, thread.Subject, string(thread.Status),
		thread.CustomerName, thread.CustomerEmail, msg.CreatedAt.UTC(),
	))
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}

	msg.ThreadID = created.ID
	if err := insertMessage(ctx, tx, msg); err != nil {
		msg.ThreadID = ""
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit thread: %w", err)
	}

	*thread = *created
	return nil
}

// AppendMessage inserts msg into an existing thread and recomputes the
// thread aggregates from its messages. The thread row is locked for the
// duration so concurrent appends serialize.
func AppendMessage(ctx context.Context, pool *pgxpool.Pool, msg *models.Message, reopen bool) (*models.Thread, error) {
	if _, err := uuid.Parse(msg.ThreadID); err != nil {
		return nil, ErrThreadNotFound
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM threads WHERE id = $1 FOR UPDATE`, msg.ThreadID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock thread: %w", err)
	}

	if err := insertMessage(ctx, tx, msg); err != nil {
		return nil, err
	}

	thread, err := scanThread(tx.QueryRow(ctx, `
		UPDATE threads SET
			message_count = (SELECT COUNT(*) FROM messages WHERE thread_id = $1),
			last_message_at = (SELECT MAX(created_at) FROM messages WHERE thread_id = $1),
			status = CASE WHEN $2::boolean THEN 'open' ELSE status END,
			updated_at = now()
		WHERE id = $1
		RETURNING `+threadColumns,
		msg.ThreadID, reopen,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update thread aggregates: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return thread, nil
}

// FindThreadBySubject returns the most recently active thread whose stored
// subject equals q.Subject, optionally restricted to one customer.
func FindThreadBySubject(ctx context.Context, pool *pgxpool.Pool, q store.SubjectQuery) (string, error) {
	query := `SELECT id FROM threads WHERE subject = $1 AND last_message_at >= $2`
	args := []any{q.Subject, q.Since.UTC()}
	if q.CustomerEmail != "" {
		query += ` AND customer_email = $3`
		args = append(args, q.CustomerEmail)
	}
	query += ` ORDER BY last_message_at DESC LIMIT 1`

	var threadID string
	err := pool.QueryRow(ctx, query, args...).Scan(&threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrThreadNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find thread by subject: %w", err)
	}
	return threadID, nil
}

// GetThreadByID returns a thread without its messages.
func GetThreadByID(ctx context.Context, pool *pgxpool.Pool, threadID string) (*models.Thread, error) {
	if _, err := uuid.Parse(threadID); err != nil {
		return nil, ErrThreadNotFound
	}

	thread, err := scanThread(pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread by ID: %w", err)
	}
	return thread, nil
}

// GetThread returns a thread with messages (oldest first), attachments and
// replies.
func GetThread(ctx context.Context, pool *pgxpool.Pool, threadID string) (*models.Thread, error) {
	thread, err := GetThreadByID(ctx, pool, threadID)
	if err != nil {
		return nil, err
	}

	messages, err := GetMessagesForThread(ctx, pool, threadID)
	if err != nil {
		return nil, err
	}
	thread.Messages = messages

	replies, err := GetRepliesForThread(ctx, pool, threadID)
	if err != nil {
		return nil, err
	}
	thread.Replies = replies

	return thread, nil
}

// ListThreads returns one page of threads, newest activity first, and the
// total count for the filter.
func ListThreads(ctx context.Context, pool *pgxpool.Pool, filter store.ThreadFilter) ([]*models.Thread, int, error) {
	where := ""
	var args []any
	if filter.Status != "" {
		where = " WHERE status = $1"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM threads`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count threads: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM threads%s ORDER BY last_message_at DESC, id LIMIT $%d OFFSET $%d`,
		threadColumns, where, n+1, n+2)

	rows, err := pool.Query(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, total, nil
}

// CloseStaleThreads closes open threads with no activity since before.
func CloseStaleThreads(ctx context.Context, pool *pgxpool.Pool, before time.Time) (int64, error) {
	tag, err := pool.Exec(ctx, `
		UPDATE threads SET status = 'closed', updated_at = now()
		WHERE status = 'open' AND last_message_at < $1
	`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to close stale threads: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordReply keeps the latest agent reply time per responder.
func RecordReply(ctx context.Context, pool *pgxpool.Pool, threadID, responder string, repliedAt time.Time) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO thread_replies (thread_id, responder, replied_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (thread_id, responder) DO UPDATE SET
			replied_at = GREATEST(thread_replies.replied_at, EXCLUDED.replied_at)
	`, threadID, responder, repliedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record reply: %w", err)
	}
	return nil
}

// GetRepliesForThread returns the reply read model of a thread.
func GetRepliesForThread(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]models.ThreadReply, error) {
	rows, err := pool.Query(ctx, `
		SELECT thread_id, responder, replied_at
		FROM thread_replies
		WHERE thread_id = $1
		ORDER BY responder
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get replies: %w", err)
	}
	defer rows.Close()

	var replies []models.ThreadReply
	for rows.Next() {
		var r models.ThreadReply
		if err := rows.Scan(&r.ThreadID, &r.Responder, &r.RepliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reply: %w", err)
		}
		r.RepliedAt = r.RepliedAt.UTC()
		replies = append(replies, r)
	}
	return replies, rows.Err()
}
