package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/supportmail/internal/models"
)

// GetCursor returns the stored cursor of a folder, or a zero cursor.
func GetCursor(ctx context.Context, pool *pgxpool.Pool, mailbox, folder string) (models.SyncCursor, error) {
	cursor := models.SyncCursor{Mailbox: mailbox, Folder: folder}
	var lastUID, uidValidity int64
	err := pool.QueryRow(ctx, `
		SELECT last_uid, uid_validity, updated_at
		FROM sync_cursors
		WHERE mailbox = $1 AND folder = $2
	`, mailbox, folder).Scan(&lastUID, &uidValidity, &cursor.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cursor, nil
	}
	if err != nil {
		return cursor, fmt.Errorf("failed to get cursor for %s/%s: %w", mailbox, folder, err)
	}
	cursor.LastUID = uint32(lastUID)
	cursor.UIDValidity = uint32(uidValidity)
	cursor.UpdatedAt = cursor.UpdatedAt.UTC()
	return cursor, nil
}

// SaveCursor upserts a cursor. For an unchanged UIDVALIDITY the stored
// last_uid only moves forward.
func SaveCursor(ctx context.Context, pool *pgxpool.Pool, cursor models.SyncCursor) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO sync_cursors (mailbox, folder, last_uid, uid_validity, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (mailbox, folder) DO UPDATE SET
			last_uid = CASE
				WHEN sync_cursors.uid_validity = EXCLUDED.uid_validity
				THEN GREATEST(sync_cursors.last_uid, EXCLUDED.last_uid)
				ELSE EXCLUDED.last_uid
			END,
			uid_validity = EXCLUDED.uid_validity,
			updated_at = now()
	`, cursor.Mailbox, cursor.Folder, int64(cursor.LastUID), int64(cursor.UIDValidity))
	if err != nil {
		return fmt.Errorf("failed to save cursor for %s/%s: %w", cursor.Mailbox, cursor.Folder, err)
	}
	return nil
}

// ListCursors returns every cursor of a mailbox, by folder name.
func ListCursors(ctx context.Context, pool *pgxpool.Pool, mailbox string) ([]models.SyncCursor, error) {
	rows, err := pool.Query(ctx, `
		SELECT mailbox, folder, last_uid, uid_validity, updated_at
		FROM sync_cursors
		WHERE mailbox = $1
		ORDER BY folder
	`, mailbox)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []models.SyncCursor
	for rows.Next() {
		var c models.SyncCursor
		var lastUID, uidValidity int64
		if err := rows.Scan(&c.Mailbox, &c.Folder, &lastUID, &uidValidity, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		c.LastUID = uint32(lastUID)
		c.UIDValidity = uint32(uidValidity)
		c.UpdatedAt = c.UpdatedAt.UTC()
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}
