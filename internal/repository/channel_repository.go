package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deskhub-io/deskhub/internal/database"
	"github.com/deskhub-io/deskhub/internal/models"
)

// ChannelRepository handles database operations for channels. Provider
// configuration is stored as a JSON document and decoded into the explicit
// per-provider struct at load time.
type ChannelRepository struct {
	db *sql.DB
}

// NewChannelRepository creates a new channel repository.
func NewChannelRepository(db *sql.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

const channelColumns = `id, organization_id, kind, provider, name, address,
	department_id, sync_interval_seconds, last_sync_at, last_error,
	last_error_at, is_active, provider_config, create_time, change_time`

func scanChannelRow(scan func(dest ...any) error) (*models.Channel, error) {
	var ch models.Channel
	var intervalSeconds int64
	var configRaw []byte
	err := scan(
		&ch.ID,
		&ch.OrganizationID,
		&ch.Kind,
		&ch.Provider,
		&ch.Name,
		&ch.Address,
		&ch.DepartmentID,
		&intervalSeconds,
		&ch.LastSyncAt,
		&ch.LastError,
		&ch.LastErrorAt,
		&ch.IsActive,
		&configRaw,
		&ch.CreateTime,
		&ch.ChangeTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	ch.SyncInterval = time.Duration(intervalSeconds) * time.Second
	if err := decodeProviderConfig(&ch, configRaw); err != nil {
		return nil, err
	}
	return &ch, nil
}

func decodeProviderConfig(ch *models.Channel, raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("channel %d has no provider config", ch.ID)
	}
	var err error
	switch ch.Provider {
	case models.ProviderIMAP:
		ch.IMAP = &models.IMAPConfig{}
		err = json.Unmarshal(raw, ch.IMAP)
	case models.ProviderPOP3:
		ch.POP3 = &models.POP3Config{}
		err = json.Unmarshal(raw, ch.POP3)
	case models.ProviderGraph:
		ch.Graph = &models.GraphConfig{}
		err = json.Unmarshal(raw, ch.Graph)
	case models.ProviderGmail:
		ch.Gmail = &models.GmailConfig{}
		err = json.Unmarshal(raw, ch.Gmail)
	case models.ProviderMessenger, models.ProviderInstagram, models.ProviderWhatsApp:
		ch.Meta = &models.MetaConfig{}
		err = json.Unmarshal(raw, ch.Meta)
	default:
		return fmt.Errorf("channel %d has unknown provider %q", ch.ID, ch.Provider)
	}
	if err != nil {
		return fmt.Errorf("channel %d config decode: %w", ch.ID, err)
	}
	return ch.Validate()
}

// GetByID returns a channel by primary key.
func (r *ChannelRepository) GetByID(ctx context.Context, id uint) (*models.Channel, error) {
	row := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT `+channelColumns+` FROM channels WHERE id = $1
	`), id)
	return scanChannelRow(row.Scan)
}

// ListActiveEmail returns all active email channels, for the poll scheduler.
func (r *ChannelRepository) ListActiveEmail(ctx context.Context) ([]models.Channel, error) {
	rows, err := r.db.QueryContext(ctx, database.ConvertPlaceholders(`
		SELECT `+channelColumns+` FROM channels
		WHERE kind = $1 AND is_active = TRUE
		ORDER BY id ASC
	`), models.ChannelKindEmail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Channel
	for rows.Next() {
		ch, err := scanChannelRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

// MarkSynced advances the channel's sync cursor and clears any error state.
func (r *ChannelRepository) MarkSynced(ctx context.Context, channelID uint, at time.Time) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE channels
		SET last_sync_at = $1, last_error = NULL, last_error_at = NULL, change_time = $2
		WHERE id = $3
	`), at, time.Now(), channelID)
	return err
}

// MarkError records a sync failure for operator visibility. Deactivate is
// set for unrecoverable auth failures that need human re-authentication.
func (r *ChannelRepository) MarkError(ctx context.Context, channelID uint, message string, deactivate bool) error {
	now := time.Now()
	query := `
		UPDATE channels
		SET last_error = $1, last_error_at = $2, change_time = $3
		WHERE id = $4
	`
	if deactivate {
		query = `
			UPDATE channels
			SET last_error = $1, last_error_at = $2, change_time = $3, is_active = FALSE
			WHERE id = $4
		`
	}
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(query), message, now, now, channelID)
	return err
}
