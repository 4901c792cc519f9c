// Package contact resolves inbound sender identities to contact records,
// creating contacts lazily on first touch.
package contact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/models"
)

// Store is the persistence surface the resolver needs.
type Store interface {
	FindByEmail(ctx context.Context, orgID uint, email string) (*models.Contact, error)
	FindByPlatformID(ctx context.Context, orgID uint, platformID string) (*models.Contact, error)
	Create(ctx context.Context, contact *models.Contact) error
	UpdateName(ctx context.Context, contactID uint, firstName, lastName string) error
	TouchLastContact(ctx context.Context, contactID uint, at time.Time) error
}

// Resolver finds or creates the contact for a sender identity. Lookups are
// keyed by email for email channels and by platform id for messaging
// channels; the two identity spaces never merge automatically.
type Resolver struct {
	store Store
	now   func() time.Time
	title cases.Caser
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the resolver's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a contact resolver backed by the given store.
func NewResolver(store Store, opts ...Option) *Resolver {
	r := &Resolver{
		store: store,
		now:   time.Now,
		title: cases.Title(language.English),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the contact for the identity, creating one if none
// exists. Concurrent first-contact races are settled by the store's unique
// constraint: a duplicate on create is resolved by re-reading the winner.
func (r *Resolver) Resolve(ctx context.Context, orgID uint, identity channel.SenderIdentity) (*models.Contact, error) {
	if identity.IsZero() {
		return nil, fmt.Errorf("contact resolve: identity has neither email nor platform id")
	}

	existing, err := r.lookup(ctx, orgID, identity)
	if err == nil {
		r.backfill(ctx, existing, identity)
		return existing, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	created := r.build(orgID, identity)
	if err := r.store.Create(ctx, created); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			// Lost the race to a concurrent ingest; the winner's row is
			// authoritative.
			return r.lookup(ctx, orgID, identity)
		}
		return nil, err
	}
	return created, nil
}

func (r *Resolver) lookup(ctx context.Context, orgID uint, identity channel.SenderIdentity) (*models.Contact, error) {
	if identity.Email != "" {
		return r.store.FindByEmail(ctx, orgID, identity.Email)
	}
	return r.store.FindByPlatformID(ctx, orgID, identity.PlatformID)
}

func (r *Resolver) build(orgID uint, identity channel.SenderIdentity) *models.Contact {
	first, last := r.deriveName(identity)
	now := r.now()
	c := &models.Contact{
		OrganizationID: orgID,
		FirstName:      first,
		LastName:       last,
		LastContactAt:  &now,
	}
	if identity.Email != "" {
		email := strings.ToLower(identity.Email)
		c.Email = &email
	}
	if identity.PlatformID != "" {
		pid := identity.PlatformID
		c.PlatformID = &pid
	}
	if identity.AvatarURL != "" {
		url := identity.AvatarURL
		c.AvatarURL = &url
	}
	return c
}

// backfill fills in a blank contact name when a display name arrives on a
// later message, and records the touch. Errors are swallowed; neither update
// may fail ingestion.
func (r *Resolver) backfill(ctx context.Context, c *models.Contact, identity channel.SenderIdentity) {
	if c.FullName() == "" {
		if first, last := splitDisplayName(identity.DisplayName); first != "" || last != "" {
			if err := r.store.UpdateName(ctx, c.ID, first, last); err == nil {
				c.FirstName = first
				c.LastName = last
			}
		}
	}
	_ = r.store.TouchLastContact(ctx, c.ID, r.now())
}

func (r *Resolver) deriveName(identity channel.SenderIdentity) (string, string) {
	if name := strings.TrimSpace(identity.DisplayName); name != "" {
		return splitDisplayName(name)
	}
	if identity.Email != "" {
		return r.nameFromLocalPart(identity.Email), ""
	}
	return "", ""
}

// nameFromLocalPart turns "jane.doe@example.com" into "Jane Doe".
func (r *Resolver) nameFromLocalPart(email string) string {
	local := email
	if at := strings.Index(email, "@"); at > 0 {
		local = email[:at]
	}
	local = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(local)
	local = strings.Join(strings.Fields(local), " ")
	if local == "" {
		return ""
	}
	return r.title.String(strings.ToLower(local))
}

func splitDisplayName(name string) (string, string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
