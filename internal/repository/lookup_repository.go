package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/deskhub-io/deskhub/internal/database"
	"github.com/deskhub-io/deskhub/internal/models"
)

// LookupRepository reads the small per-organization reference tables:
// statuses, priorities and folders.
type LookupRepository struct {
	db *sql.DB
}

// NewLookupRepository creates a new lookup repository.
func NewLookupRepository(db *sql.DB) *LookupRepository {
	return &LookupRepository{db: db}
}

// GetStatus returns a status by primary key.
func (r *LookupRepository) GetStatus(ctx context.Context, id uint) (*models.Status, error) {
	var st models.Status
	err := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT id, organization_id, name, kind, is_default FROM statuses WHERE id = $1
	`), id).Scan(&st.ID, &st.OrganizationID, &st.Name, &st.Kind, &st.IsDefault)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

// GetDefaultStatus returns the organization's default status for the given
// kind. Each organization seeds exactly one default per kind.
func (r *LookupRepository) GetDefaultStatus(ctx context.Context, orgID uint, kind models.StatusKind) (*models.Status, error) {
	var st models.Status
	err := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT id, organization_id, name, kind, is_default FROM statuses
		WHERE organization_id = $1 AND kind = $2 AND is_default = TRUE
		ORDER BY id ASC LIMIT 1
	`), orgID, kind).Scan(&st.ID, &st.OrganizationID, &st.Name, &st.Kind, &st.IsDefault)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

// GetPriority returns a priority by primary key.
func (r *LookupRepository) GetPriority(ctx context.Context, id uint) (*models.Priority, error) {
	var p models.Priority
	err := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT id, organization_id, name, level FROM priorities WHERE id = $1
	`), id).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Level)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetDefaultPriority returns the organization's default priority.
func (r *LookupRepository) GetDefaultPriority(ctx context.Context, orgID uint) (*models.Priority, error) {
	var p models.Priority
	err := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT id, organization_id, name, level FROM priorities
		WHERE organization_id = $1 AND is_default = TRUE
		ORDER BY id ASC LIMIT 1
	`), orgID).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Level)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetDefaultFolder returns the organization's inbox folder.
func (r *LookupRepository) GetDefaultFolder(ctx context.Context, orgID uint) (*models.Folder, error) {
	var f models.Folder
	err := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT id, organization_id, name, is_default FROM folders
		WHERE organization_id = $1 AND is_default = TRUE
		ORDER BY id ASC LIMIT 1
	`), orgID).Scan(&f.ID, &f.OrganizationID, &f.Name, &f.IsDefault)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}
