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

// ContactRepository handles database operations for contacts.
type ContactRepository struct {
	db *sql.DB
}

// NewContactRepository creates a new contact repository.
func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

const contactColumns = `id, organization_id, email, platform_id, first_name, last_name,
	avatar_url, last_contact_at, create_time, change_time`

func scanContact(row *sql.Row) (*models.Contact, error) {
	var c models.Contact
	err := row.Scan(
		&c.ID,
		&c.OrganizationID,
		&c.Email,
		&c.PlatformID,
		&c.FirstName,
		&c.LastName,
		&c.AvatarURL,
		&c.LastContactAt,
		&c.CreateTime,
		&c.ChangeTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// FindByEmail looks up a contact by email, case-insensitively, scoped to the
// organization.
func (r *ContactRepository) FindByEmail(ctx context.Context, orgID uint, email string) (*models.Contact, error) {
	row := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT `+contactColumns+`
		FROM contacts
		WHERE organization_id = $1 AND LOWER(email) = LOWER($2)
	`), orgID, email)
	return scanContact(row)
}

// FindByPlatformID looks up a contact by platform user id scoped to the
// organization.
func (r *ContactRepository) FindByPlatformID(ctx context.Context, orgID uint, platformID string) (*models.Contact, error) {
	row := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT `+contactColumns+`
		FROM contacts
		WHERE organization_id = $1 AND platform_id = $2
	`), orgID, platformID)
	return scanContact(row)
}

// Create inserts a contact. A uniqueness violation on either identity field
// surfaces as models.ErrDuplicate so callers can re-resolve the racing row.
func (r *ContactRepository) Create(ctx context.Context, contact *models.Contact) error {
	now := time.Now()
	contact.CreateTime = now
	contact.ChangeTime = now
	err := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		INSERT INTO contacts (
			organization_id, email, platform_id, first_name, last_name,
			avatar_url, last_contact_at, create_time, change_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`),
		contact.OrganizationID,
		contact.Email,
		contact.PlatformID,
		contact.FirstName,
		contact.LastName,
		contact.AvatarURL,
		contact.LastContactAt,
		contact.CreateTime,
		contact.ChangeTime,
	).Scan(&contact.ID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return models.ErrDuplicate
		}
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// UpdateName backfills the name fields of an existing contact.
func (r *ContactRepository) UpdateName(ctx context.Context, contactID uint, firstName, lastName string) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE contacts SET first_name = $1, last_name = $2, change_time = $3 WHERE id = $4
	`), firstName, lastName, time.Now(), contactID)
	return err
}

// TouchLastContact records the most recent inbound activity for a contact.
func (r *ContactRepository) TouchLastContact(ctx context.Context, contactID uint, at time.Time) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE contacts SET last_contact_at = $1, change_time = $2 WHERE id = $3
	`), at, time.Now(), contactID)
	return err
}
