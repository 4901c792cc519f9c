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

// TicketRepository handles database operations for tickets.
type TicketRepository struct {
	db *sql.DB
}

// NewTicketRepository creates a new ticket repository.
func NewTicketRepository(db *sql.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

const ticketColumns = `id, organization_id, number, subject, contact_id,
	email_channel_id, messaging_channel_id, status_id, priority_id, assignee_id,
	folder_id, sla_id, email_thread_id, messaging_conversation_id,
	messaging_participant_id, first_response_due_at, resolution_due_at,
	first_responded_at, resolved_at, closed_at, create_time, change_time`

func scanTicket(row *sql.Row) (*models.Ticket, error) {
	var t models.Ticket
	err := row.Scan(
		&t.ID,
		&t.OrganizationID,
		&t.Number,
		&t.Subject,
		&t.ContactID,
		&t.EmailChannelID,
		&t.MessagingChannelID,
		&t.StatusID,
		&t.PriorityID,
		&t.AssigneeID,
		&t.FolderID,
		&t.SLAID,
		&t.EmailThreadID,
		&t.MessagingConversationID,
		&t.MessagingParticipantID,
		&t.FirstResponseDueAt,
		&t.ResolutionDueAt,
		&t.FirstRespondedAt,
		&t.ResolvedAt,
		&t.ClosedAt,
		&t.CreateTime,
		&t.ChangeTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetByID returns a ticket by primary key.
func (r *TicketRepository) GetByID(ctx context.Context, id uint) (*models.Ticket, error) {
	row := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT `+ticketColumns+` FROM tickets WHERE id = $1
	`), id)
	return scanTicket(row)
}

// FindByNumber returns the ticket with the given per-organization number.
func (r *TicketRepository) FindByNumber(ctx context.Context, orgID uint, number uint64) (*models.Ticket, error) {
	row := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT `+ticketColumns+` FROM tickets
		WHERE organization_id = $1 AND number = $2
	`), orgID, number)
	return scanTicket(row)
}

// FindByEmailThread returns the most recent ticket on the channel with the
// given provider thread id.
func (r *TicketRepository) FindByEmailThread(ctx context.Context, orgID, channelID uint, threadID string) (*models.Ticket, error) {
	row := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT `+ticketColumns+` FROM tickets
		WHERE organization_id = $1 AND email_channel_id = $2 AND email_thread_id = $3
		ORDER BY create_time DESC
		LIMIT 1
	`), orgID, channelID, threadID)
	return scanTicket(row)
}

// FindByConversation returns the ticket for a messaging conversation and
// participant on the channel.
func (r *TicketRepository) FindByConversation(ctx context.Context, orgID, channelID uint, conversationID, participantID string) (*models.Ticket, error) {
	row := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT `+ticketColumns+` FROM tickets
		WHERE organization_id = $1 AND messaging_channel_id = $2
		  AND messaging_conversation_id = $3 AND messaging_participant_id = $4
		ORDER BY create_time DESC
		LIMIT 1
	`), orgID, channelID, conversationID, participantID)
	return scanTicket(row)
}

// Create inserts a ticket, assigning the next number in the organization's
// sequence. The (organization_id, number) uniqueness constraint resolves
// racing inserts; losers retry with a fresh number.
func (r *TicketRepository) Create(ctx context.Context, ticket *models.Ticket) error {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		now := time.Now()
		ticket.CreateTime = now
		ticket.ChangeTime = now
		err := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
			INSERT INTO tickets (
				organization_id, number, subject, contact_id,
				email_channel_id, messaging_channel_id, status_id, priority_id,
				assignee_id, folder_id, sla_id, email_thread_id,
				messaging_conversation_id, messaging_participant_id,
				first_response_due_at, resolution_due_at, first_responded_at,
				resolved_at, closed_at, create_time, change_time
			) VALUES (
				$1,
				(SELECT COALESCE(MAX(number), 0) + 1 FROM tickets WHERE organization_id = $2),
				$3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
			)
			RETURNING id, number
		`),
			ticket.OrganizationID,
			ticket.OrganizationID,
			ticket.Subject,
			ticket.ContactID,
			ticket.EmailChannelID,
			ticket.MessagingChannelID,
			ticket.StatusID,
			ticket.PriorityID,
			ticket.AssigneeID,
			ticket.FolderID,
			ticket.SLAID,
			ticket.EmailThreadID,
			ticket.MessagingConversationID,
			ticket.MessagingParticipantID,
			ticket.FirstResponseDueAt,
			ticket.ResolutionDueAt,
			ticket.FirstRespondedAt,
			ticket.ResolvedAt,
			ticket.ClosedAt,
			ticket.CreateTime,
			ticket.ChangeTime,
		).Scan(&ticket.ID, &ticket.Number)
		if err == nil {
			return nil
		}
		if database.IsUniqueViolation(err) {
			lastErr = err
			continue
		}
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return fmt.Errorf("ticket number contention, giving up: %w", lastErr)
}

// SetStatus moves a ticket to the given status.
func (r *TicketRepository) SetStatus(ctx context.Context, ticketID, statusID uint) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE tickets SET status_id = $1, change_time = $2 WHERE id = $3
	`), statusID, time.Now(), ticketID)
	return err
}

// Reopen resets a closed ticket to the given open status, clears the
// resolution timestamps, and returns it to the default folder.
func (r *TicketRepository) Reopen(ctx context.Context, ticketID, statusID uint) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE tickets
		SET status_id = $1, resolved_at = NULL, closed_at = NULL,
		    folder_id = NULL, change_time = $2
		WHERE id = $3
	`), statusID, time.Now(), ticketID)
	return err
}

// SetFolder files a ticket into a folder.
func (r *TicketRepository) SetFolder(ctx context.Context, ticketID, folderID uint) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE tickets SET folder_id = $1, change_time = $2 WHERE id = $3
	`), folderID, time.Now(), ticketID)
	return err
}

// ClearFolder returns a ticket to the inbox.
func (r *TicketRepository) ClearFolder(ctx context.Context, ticketID uint) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE tickets SET folder_id = NULL, change_time = $1 WHERE id = $2
	`), time.Now(), ticketID)
	return err
}

// SetPriority raises or lowers a ticket's priority.
func (r *TicketRepository) SetPriority(ctx context.Context, ticketID, priorityID uint) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE tickets SET priority_id = $1, change_time = $2 WHERE id = $3
	`), priorityID, time.Now(), ticketID)
	return err
}
