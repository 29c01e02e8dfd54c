package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/supportmail/internal/models"
)

// RecordOrphan remembers an unlinked outbound message. Seeing it again bumps
// the attempt counter and keeps first_seen_at.
func RecordOrphan(ctx context.Context, pool *pgxpool.Pool, orphan models.Orphan) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO orphan_messages (mailbox, folder, message_key, uid, uid_validity, attempts, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, 1, now(), now())
		ON CONFLICT (mailbox, folder, message_key) DO UPDATE SET
			uid = EXCLUDED.uid,
			uid_validity = EXCLUDED.uid_validity,
			attempts = orphan_messages.attempts + 1,
			last_seen_at = now()
	`, orphan.Mailbox, orphan.Folder, orphan.MessageKey, int64(orphan.UID), int64(orphan.UIDValidity))
	if err != nil {
		return fmt.Errorf("failed to record orphan %s: %w", orphan.MessageKey, err)
	}
	return nil
}

// ListOrphans returns the orphans first seen at or after since, by UID.
func ListOrphans(ctx context.Context, pool *pgxpool.Pool, mailbox, folder string, since time.Time) ([]models.Orphan, error) {
	rows, err := pool.Query(ctx, `
		SELECT mailbox, folder, message_key, uid, uid_validity, attempts, first_seen_at
		FROM orphan_messages
		WHERE mailbox = $1 AND folder = $2 AND first_seen_at >= $3
		ORDER BY uid
	`, mailbox, folder, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list orphans: %w", err)
	}
	defer rows.Close()

	var orphans []models.Orphan
	for rows.Next() {
		var o models.Orphan
		var uid, uidValidity int64
		if err := rows.Scan(&o.Mailbox, &o.Folder, &o.MessageKey, &uid, &uidValidity, &o.Attempts, &o.FirstSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan orphan: %w", err)
		}
		o.UID = uint32(uid)
		o.UIDValidity = uint32(uidValidity)
		o.FirstSeenAt = o.FirstSeenAt.UTC()
		orphans = append(orphans, o)
	}
	return orphans, rows.Err()
}

// DeleteOrphan forgets an orphan once it has been linked.
func DeleteOrphan(ctx context.Context, pool *pgxpool.Pool, mailbox, folder, messageKey string) error {
	_, err := pool.Exec(ctx, `
		DELETE FROM orphan_messages WHERE mailbox = $1 AND folder = $2 AND message_key = $3
	`, mailbox, folder, messageKey)
	if err != nil {
		return fmt.Errorf("failed to delete orphan %s: %w", messageKey, err)
	}
	return nil
}

// PruneOrphans drops orphans first seen before the cutoff.
func PruneOrphans(ctx context.Context, pool *pgxpool.Pool, mailbox, folder string, before time.Time) (int64, error) {
	tag, err := pool.Exec(ctx, `
		DELETE FROM orphan_messages WHERE mailbox = $1 AND folder = $2 AND first_seen_at < $3
	`, mailbox, folder, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune orphans: %w", err)
	}
	return tag.RowsAffected(), nil
}
