// Package settings supplies the per-organization defaults the ingestion
// core consumes: lifecycle defaults, the ticket-number prefix, and the
// urgency keyword list.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deskhub-io/deskhub/internal/database"
	"github.com/deskhub-io/deskhub/internal/models"
)

// Provider yields the effective defaults for an organization.
type Provider interface {
	Defaults(ctx context.Context, orgID uint) (models.OrgDefaults, error)
}

// SQLProvider reads defaults from the organization_settings table.
type SQLProvider struct {
	db *sql.DB
}

// NewSQLProvider creates a database-backed settings provider.
func NewSQLProvider(db *sql.DB) *SQLProvider {
	return &SQLProvider{db: db}
}

func (p *SQLProvider) Defaults(ctx context.Context, orgID uint) (models.OrgDefaults, error) {
	var (
		d           models.OrgDefaults
		keywordsRaw []byte
	)
	err := p.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT organization_id, default_status_id, default_priority_id,
		       default_sla_id, ticket_number_prefix, urgent_keywords,
		       urgent_priority_id
		FROM organization_settings WHERE organization_id = $1
	`), orgID).Scan(
		&d.OrganizationID,
		&d.DefaultStatusID,
		&d.DefaultPriorityID,
		&d.DefaultSLAID,
		&d.TicketNumberPrefix,
		&keywordsRaw,
		&d.UrgentPriorityID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.OrgDefaults{}, models.ErrNotFound
		}
		return models.OrgDefaults{}, err
	}
	if len(keywordsRaw) > 0 {
		if err := json.Unmarshal(keywordsRaw, &d.UrgentKeywords); err != nil {
			return models.OrgDefaults{}, fmt.Errorf("organization %d urgent_keywords: %w", orgID, err)
		}
	}
	return d, nil
}

// CachedProvider decorates a Provider with a Redis read-through cache.
// Settings change rarely; a short TTL keeps edits visible without a bus.
type CachedProvider struct {
	inner Provider
	rdb   *redis.Client
	ttl   time.Duration
}

// NewCachedProvider wraps inner with a Redis cache. A zero ttl defaults to
// one minute.
func NewCachedProvider(inner Provider, rdb *redis.Client, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedProvider{inner: inner, rdb: rdb, ttl: ttl}
}

func (p *CachedProvider) Defaults(ctx context.Context, orgID uint) (models.OrgDefaults, error) {
	key := fmt.Sprintf("deskhub:orgdefaults:%d", orgID)
	if raw, err := p.rdb.Get(ctx, key).Bytes(); err == nil {
		var d models.OrgDefaults
		if json.Unmarshal(raw, &d) == nil {
			return d, nil
		}
	}
	d, err := p.inner.Defaults(ctx, orgID)
	if err != nil {
		return models.OrgDefaults{}, err
	}
	if raw, err := json.Marshal(d); err == nil {
		// Cache write failures are invisible to callers; Redis being down
		// only costs the fast path.
		p.rdb.Set(ctx, key, raw, p.ttl)
	}
	return d, nil
}

// StaticProvider serves a fixed defaults table, for tests and the one-shot
// poll command.
type StaticProvider map[uint]models.OrgDefaults

func (p StaticProvider) Defaults(_ context.Context, orgID uint) (models.OrgDefaults, error) {
	d, ok := p[orgID]
	if !ok {
		return models.OrgDefaults{}, models.ErrNotFound
	}
	return d, nil
}
