package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deskhub-io/deskhub/internal/database"
	"github.com/deskhub-io/deskhub/internal/models"
)

// MessageRepository handles database operations for messages.
type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a new message repository.
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, organization_id, ticket_id, type, is_from_contact,
	contact_id, user_id, body, html_body, email_message_id,
	messaging_provider_id, create_time`

func scanMessageRow(scan func(dest ...any) error) (*models.Message, error) {
	var m models.Message
	err := scan(
		&m.ID,
		&m.OrganizationID,
		&m.TicketID,
		&m.Type,
		&m.IsFromContact,
		&m.ContactID,
		&m.UserID,
		&m.Body,
		&m.HTMLBody,
		&m.EmailMessageID,
		&m.MessagingProviderID,
		&m.CreateTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// Insert stores a message. A duplicate provider message-id within the
// organization surfaces as models.ErrDuplicate; the partial unique indexes
// on (organization_id, email_message_id) and (organization_id,
// messaging_provider_id) are the authoritative idempotency guard.
func (r *MessageRepository) Insert(ctx context.Context, msg *models.Message) error {
	// The pipeline stamps CreateTime with the provider's receive time so
	// reference chains order by when the message actually arrived.
	if msg.CreateTime.IsZero() {
		msg.CreateTime = time.Now()
	}
	err := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		INSERT INTO messages (
			organization_id, ticket_id, type, is_from_contact, contact_id,
			user_id, body, html_body, email_message_id, messaging_provider_id,
			create_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`),
		msg.OrganizationID,
		msg.TicketID,
		msg.Type,
		msg.IsFromContact,
		msg.ContactID,
		msg.UserID,
		msg.Body,
		msg.HTMLBody,
		msg.EmailMessageID,
		msg.MessagingProviderID,
		msg.CreateTime,
	).Scan(&msg.ID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return models.ErrDuplicate
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// FindByProviderID returns the message with the given provider id within the
// organization, matching whichever identity field is non-empty.
func (r *MessageRepository) FindByProviderID(ctx context.Context, orgID uint, emailMessageID, messagingProviderID string) (*models.Message, error) {
	var row *sql.Row
	switch {
	case emailMessageID != "":
		row = r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
			SELECT `+messageColumns+` FROM messages
			WHERE organization_id = $1 AND email_message_id = $2
		`), orgID, emailMessageID)
	case messagingProviderID != "":
		row = r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
			SELECT `+messageColumns+` FROM messages
			WHERE organization_id = $1 AND messaging_provider_id = $2
		`), orgID, messagingProviderID)
	default:
		return nil, models.ErrNotFound
	}
	return scanMessageRow(row.Scan)
}

// FindTicketIDByEmailMessageID resolves a cleaned reference-chain message-id
// to the ticket owning it. Stored ids are already bracket-stripped, so the
// comparison is direct.
func (r *MessageRepository) FindTicketIDByEmailMessageID(ctx context.Context, orgID uint, messageID string) (uint, error) {
	var ticketID uint
	err := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT ticket_id FROM messages
		WHERE organization_id = $1 AND email_message_id = $2
	`), orgID, messageID).Scan(&ticketID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, models.ErrNotFound
		}
		return 0, err
	}
	return ticketID, nil
}

// ListByTicket returns a ticket's messages oldest first. The explicit order
// clause is what the reference-chain builder relies on.
func (r *MessageRepository) ListByTicket(ctx context.Context, ticketID uint) ([]models.Message, error) {
	rows, err := r.db.QueryContext(ctx, database.ConvertPlaceholders(`
		SELECT `+messageColumns+` FROM messages
		WHERE ticket_id = $1
		ORDER BY create_time ASC, id ASC
	`), ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessageRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}
