package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deskhub-io/deskhub/internal/database"
	"github.com/deskhub-io/deskhub/internal/models"
)

// AttachmentRepository handles database operations for attachments.
type AttachmentRepository struct {
	db *sql.DB
}

// NewAttachmentRepository creates a new attachment repository.
func NewAttachmentRepository(db *sql.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

// Insert stores attachment metadata for a message.
func (r *AttachmentRepository) Insert(ctx context.Context, att *models.Attachment) error {
	att.CreateTime = time.Now()
	err := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		INSERT INTO attachments (
			message_id, file_name, content_type, size, storage_path,
			content_id, inline, create_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`),
		att.MessageID,
		att.FileName,
		att.ContentType,
		att.Size,
		att.StoragePath,
		att.ContentID,
		att.Inline,
		att.CreateTime,
	).Scan(&att.ID)
	if err != nil {
		return fmt.Errorf("failed to insert attachment: %w", err)
	}
	return nil
}

// ListByMessage returns a message's attachments, optionally filtered to
// inline or regular ones.
func (r *AttachmentRepository) ListByMessage(ctx context.Context, messageID uint, inline *bool) ([]models.Attachment, error) {
	query := `
		SELECT id, message_id, file_name, content_type, size, storage_path,
		       content_id, inline, create_time
		FROM attachments
		WHERE message_id = $1`
	args := []any{messageID}
	if inline != nil {
		query += ` AND inline = $2`
		args = append(args, *inline)
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, database.ConvertPlaceholders(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Attachment
	for rows.Next() {
		var att models.Attachment
		if err := rows.Scan(
			&att.ID,
			&att.MessageID,
			&att.FileName,
			&att.ContentType,
			&att.Size,
			&att.StoragePath,
			&att.ContentID,
			&att.Inline,
			&att.CreateTime,
		); err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

// DeleteByMessage removes all attachments owned by a message.
func (r *AttachmentRepository) DeleteByMessage(ctx context.Context, messageID uint) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		DELETE FROM attachments WHERE message_id = $1
	`), messageID)
	return err
}
