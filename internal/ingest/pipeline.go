// Package ingest is the pipeline that turns canonical inbound messages
// into contacts, tickets, messages and attachments. Ingestion is
// idempotent per provider message-id; the storage layer's uniqueness
// constraint is the authoritative guard and the pre-check is only a fast
// path.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deskhub-io/deskhub/internal/activity"
	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/metrics"
	"github.com/deskhub-io/deskhub/internal/models"
	"github.com/deskhub-io/deskhub/internal/sanitize"
	"github.com/deskhub-io/deskhub/internal/settings"
	"github.com/deskhub-io/deskhub/internal/thread"
)

// ContactResolver finds or creates the contact for a sender identity.
type ContactResolver interface {
	Resolve(ctx context.Context, orgID uint, identity channel.SenderIdentity) (*models.Contact, error)
}

// ThreadResolver decides which existing ticket, if any, a message belongs
// to.
type ThreadResolver interface {
	ResolveTicket(ctx context.Context, ch models.Channel, defaults models.OrgDefaults, msg *channel.InboundMessage) (*models.Ticket, thread.Match, error)
}

// TicketStore is the ticket persistence surface the pipeline needs.
type TicketStore interface {
	GetByID(ctx context.Context, id uint) (*models.Ticket, error)
	Create(ctx context.Context, ticket *models.Ticket) error
	Reopen(ctx context.Context, ticketID, statusID uint) error
	ClearFolder(ctx context.Context, ticketID uint) error
}

// MessageStore persists messages. Insert must return models.ErrDuplicate
// when the provider message-id is already present for the organization.
type MessageStore interface {
	Insert(ctx context.Context, msg *models.Message) error
	FindByProviderID(ctx context.Context, orgID uint, emailMessageID, messagingProviderID string) (*models.Message, error)
}

// AttachmentStore persists attachment rows.
type AttachmentStore interface {
	Insert(ctx context.Context, att *models.Attachment) error
}

// StatusStore reads status rows, for the reopen decision.
type StatusStore interface {
	GetStatus(ctx context.Context, id uint) (*models.Status, error)
	GetDefaultStatus(ctx context.Context, orgID uint, kind models.StatusKind) (*models.Status, error)
}

// BlobStore writes attachment content.
type BlobStore interface {
	Store(ctx context.Context, orgID uint, fileName string, content []byte) (string, error)
	Delete(ctx context.Context, path string) error
}

// Stores bundles the persistence collaborators.
type Stores struct {
	Contacts    ContactResolver
	Threads     ThreadResolver
	Tickets     TicketStore
	Messages    MessageStore
	Attachments AttachmentStore
	Statuses    StatusStore
	Blobs       BlobStore
	Settings    settings.Provider
}

// Pipeline ingests canonical messages. It implements channel.Handler so
// fetchers can stream into it directly.
type Pipeline struct {
	stores    Stores
	sanitizer *sanitize.Sanitizer
	notifier  activity.Notifier
	metrics   *metrics.Ingest
	rdb       *redis.Client
	logger    *log.Logger
	now       func() time.Time

	storagePrefix string
	cacheTTL      time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNotifier sets the activity sink.
func WithNotifier(n activity.Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithMetrics attaches the Prometheus collectors.
func WithMetrics(m *metrics.Ingest) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithRedis enables the duplicate-check fast path. Redis being down only
// costs the fast path; correctness comes from the database constraint.
func WithRedis(rdb *redis.Client) Option {
	return func(p *Pipeline) { p.rdb = rdb }
}

// WithLogger sets the pipeline's logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithStoragePrefix sets the public URL prefix inline attachment
// references are rewritten to.
func WithStoragePrefix(prefix string) Option {
	return func(p *Pipeline) { p.storagePrefix = prefix }
}

// NewPipeline creates the ingestion pipeline.
func NewPipeline(stores Stores, sanitizer *sanitize.Sanitizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		stores:        stores,
		sanitizer:     sanitizer,
		notifier:      activity.NopNotifier{},
		logger:        log.Default(),
		now:           time.Now,
		storagePrefix: "/storage",
		cacheTTL:      24 * time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle implements channel.Handler.
func (p *Pipeline) Handle(ctx context.Context, msg *channel.InboundMessage, ch models.Channel) error {
	_, err := p.Ingest(ctx, msg, ch)
	return err
}

// Ingest processes one canonical message and returns the ticket it landed
// on. Ingesting the same provider message-id twice returns the same ticket
// with no new rows and no re-applied side effects.
func (p *Pipeline) Ingest(ctx context.Context, msg *channel.InboundMessage, ch models.Channel) (*models.Ticket, error) {
	start := p.now()
	provider := string(ch.Provider)

	if msg.ProviderMessageID == "" {
		return nil, channel.Malformed("ingest", fmt.Errorf("channel %d: message has no provider message-id", ch.ID))
	}
	if msg.Sender.IsZero() {
		return nil, channel.Malformed("ingest", fmt.Errorf("channel %d: message %s has no sender identity", ch.ID, msg.ProviderMessageID))
	}

	orgID := ch.OrganizationID
	emailID, messagingID := p.providerIDs(msg, ch)

	if t, ok := p.cachedTicket(ctx, orgID, msg.ProviderMessageID); ok {
		p.countDuplicate(provider)
		return t, nil
	}
	if existing, err := p.stores.Messages.FindByProviderID(ctx, orgID, emailID, messagingID); err == nil {
		p.countDuplicate(provider)
		return p.stores.Tickets.GetByID(ctx, existing.TicketID)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	defaults, err := p.stores.Settings.Defaults(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("organization %d defaults: %w", orgID, err)
	}

	contact, err := p.stores.Contacts.Resolve(ctx, orgID, msg.Sender)
	if err != nil {
		return nil, err
	}

	ticket, match, err := p.stores.Threads.ResolveTicket(ctx, ch, defaults, msg)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.ThreadMatches.WithLabelValues(string(match)).Inc()
	}

	created := false
	if ticket == nil {
		ticket, err = p.createTicket(ctx, ch, defaults, contact, msg)
		if err != nil {
			return nil, err
		}
		created = true
	}

	stored, cidURLs, err := p.storeBlobs(ctx, orgID, msg)
	if err != nil {
		return nil, err
	}

	row := p.buildMessage(orgID, ticket.ID, contact.ID, emailID, messagingID, cidURLs, msg)
	if err := p.stores.Messages.Insert(ctx, row); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			// Lost a concurrent-delivery race; the winner's row stands.
			p.discardBlobs(ctx, stored)
			p.countDuplicate(provider)
			if existing, ferr := p.stores.Messages.FindByProviderID(ctx, orgID, emailID, messagingID); ferr == nil {
				return p.stores.Tickets.GetByID(ctx, existing.TicketID)
			}
			return ticket, nil
		}
		p.discardBlobs(ctx, stored)
		return nil, err
	}

	// Lifecycle effects run only once the insert has won any
	// concurrent-delivery race; a losing delivery returns above without
	// re-applying them.
	if !created {
		if err := p.maybeReopen(ctx, ticket, ch, defaults, provider); err != nil {
			return nil, err
		}
	}

	for i := range stored {
		stored[i].att.MessageID = row.ID
		if err := p.stores.Attachments.Insert(ctx, &stored[i].att); err != nil {
			p.logger.Printf("ingest: attachment %q on message %d: %v", stored[i].att.FileName, row.ID, err)
		}
	}

	p.cacheTicket(ctx, orgID, msg.ProviderMessageID, ticket.ID)
	p.notify(ctx, created, ch, ticket, row, contact)
	if p.metrics != nil {
		p.metrics.MessagesIngested.WithLabelValues(provider).Inc()
		if created {
			p.metrics.TicketsCreated.WithLabelValues(provider).Inc()
		}
		p.metrics.IngestDuration.WithLabelValues(provider).Observe(p.now().Sub(start).Seconds())
	}
	return ticket, nil
}

// providerIDs splits the provider message-id into the email and messaging
// identity columns.
func (p *Pipeline) providerIDs(msg *channel.InboundMessage, ch models.Channel) (string, string) {
	if ch.IsEmail() {
		return channel.CleanMessageID(msg.ProviderMessageID), ""
	}
	return "", msg.ProviderMessageID
}

func (p *Pipeline) createTicket(ctx context.Context, ch models.Channel, defaults models.OrgDefaults, contact *models.Contact, msg *channel.InboundMessage) (*models.Ticket, error) {
	t := &models.Ticket{
		OrganizationID: ch.OrganizationID,
		Subject:        subjectOrFallback(msg),
		ContactID:      contact.ID,
		StatusID:       defaults.DefaultStatusID,
		PriorityID:     defaults.DefaultPriorityID,
		SLAID:          defaults.DefaultSLAID,
	}
	chID := ch.ID
	if ch.IsEmail() {
		t.EmailChannelID = &chID
		if msg.ConversationID != "" {
			conv := msg.ConversationID
			t.EmailThreadID = &conv
		}
	} else {
		t.MessagingChannelID = &chID
		if msg.ConversationID != "" {
			conv := msg.ConversationID
			t.MessagingConversationID = &conv
		}
		if msg.ParticipantID != "" {
			part := msg.ParticipantID
			t.MessagingParticipantID = &part
		}
	}
	// Urgency applies at creation only; later replies never change an
	// agent's triage.
	if defaults.UrgentPriorityID != 0 && isUrgent(msg, defaults.UrgentKeywords) {
		t.PriorityID = defaults.UrgentPriorityID
	}
	if err := p.stores.Tickets.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// maybeReopen resets a closed ticket when the contact replies. A reply to
// an open or pending ticket still returns it to the inbox if it had been
// filed away, but leaves status and timestamps alone.
func (p *Pipeline) maybeReopen(ctx context.Context, ticket *models.Ticket, ch models.Channel, defaults models.OrgDefaults, provider string) error {
	status, err := p.stores.Statuses.GetStatus(ctx, ticket.StatusID)
	if err != nil {
		return fmt.Errorf("ticket %d status %d: %w", ticket.ID, ticket.StatusID, err)
	}
	if status.Kind != models.StatusKindClosed {
		if ticket.FolderID != nil {
			if err := p.stores.Tickets.ClearFolder(ctx, ticket.ID); err != nil {
				return err
			}
			ticket.FolderID = nil
		}
		return nil
	}
	openStatusID := defaults.DefaultStatusID
	if open, err := p.stores.Statuses.GetDefaultStatus(ctx, ticket.OrganizationID, models.StatusKindOpen); err == nil {
		openStatusID = open.ID
	}
	if err := p.stores.Tickets.Reopen(ctx, ticket.ID, openStatusID); err != nil {
		return err
	}
	ticket.StatusID = openStatusID
	ticket.ResolvedAt = nil
	ticket.ClosedAt = nil
	ticket.FolderID = nil
	p.notifier.Notify(ctx, activity.Event{
		Kind:           activity.KindTicketReopened,
		OrganizationID: ticket.OrganizationID,
		TicketID:       ticket.ID,
		ChannelID:      ch.ID,
		At:             p.now(),
	})
	if p.metrics != nil {
		p.metrics.TicketsReopened.WithLabelValues(provider).Inc()
	}
	return nil
}

type storedBlob struct {
	att models.Attachment
}

// storeBlobs resolves attachment content and writes it to blob storage,
// returning the pending rows plus the content-id to public-URL map for
// inline image rewriting.
func (p *Pipeline) storeBlobs(ctx context.Context, orgID uint, msg *channel.InboundMessage) ([]storedBlob, map[string]string, error) {
	if len(msg.Attachments) == 0 || p.stores.Blobs == nil {
		return nil, nil, nil
	}
	var stored []storedBlob
	cidURLs := make(map[string]string)
	for _, desc := range msg.Attachments {
		content := desc.Content
		if content == nil && desc.Fetch != nil {
			var err error
			content, err = desc.Fetch(ctx)
			if err != nil {
				// A lost attachment is a per-item degradation, never a
				// dropped message.
				p.logger.Printf("ingest: fetch attachment %q on %s: %v", desc.FileName, msg.ProviderMessageID, err)
				continue
			}
		}
		if content == nil {
			continue
		}
		storagePath, err := p.stores.Blobs.Store(ctx, orgID, desc.FileName, content)
		if err != nil {
			p.discardBlobs(ctx, stored)
			return nil, nil, err
		}
		att := models.Attachment{
			FileName:    desc.FileName,
			ContentType: desc.ContentType,
			Size:        int64(len(content)),
			StoragePath: storagePath,
			Inline:      desc.Inline,
		}
		if desc.ContentID != "" {
			cid := desc.ContentID
			att.ContentID = &cid
			cidURLs[cid] = path.Join(p.storagePrefix, storagePath)
		}
		stored = append(stored, storedBlob{att: att})
	}
	return stored, cidURLs, nil
}

func (p *Pipeline) discardBlobs(ctx context.Context, stored []storedBlob) {
	if p.stores.Blobs == nil {
		return
	}
	for _, s := range stored {
		if err := p.stores.Blobs.Delete(ctx, s.att.StoragePath); err != nil {
			p.logger.Printf("ingest: discard blob %s: %v", s.att.StoragePath, err)
		}
	}
}

func (p *Pipeline) buildMessage(orgID, ticketID, contactID uint, emailID, messagingID string, cidURLs map[string]string, msg *channel.InboundMessage) *models.Message {
	row := &models.Message{
		OrganizationID: orgID,
		TicketID:       ticketID,
		Type:           models.MessageTypeReply,
		IsFromContact:  true,
		ContactID:      &contactID,
		Body:           msg.TextBody,
	}
	if emailID != "" {
		row.EmailMessageID = &emailID
	}
	if messagingID != "" {
		row.MessagingProviderID = &messagingID
	}
	if msg.HTMLBody != "" {
		html := msg.HTMLBody
		if len(cidURLs) > 0 {
			html = sanitize.RewriteCIDReferences(html, func(cid string) (string, bool) {
				url, ok := cidURLs[cid]
				return url, ok
			})
		}
		html = p.sanitizer.Sanitize(html)
		row.HTMLBody = &html
	}
	if !msg.ReceivedAt.IsZero() {
		row.CreateTime = msg.ReceivedAt
	}
	return row
}

func (p *Pipeline) notify(ctx context.Context, created bool, ch models.Channel, ticket *models.Ticket, row *models.Message, contact *models.Contact) {
	if created {
		p.notifier.Notify(ctx, activity.Event{
			Kind:           activity.KindTicketCreated,
			OrganizationID: ticket.OrganizationID,
			TicketID:       ticket.ID,
			ContactID:      contact.ID,
			ChannelID:      ch.ID,
			At:             p.now(),
		})
	}
	p.notifier.Notify(ctx, activity.Event{
		Kind:           activity.KindMessageAdded,
		OrganizationID: ticket.OrganizationID,
		TicketID:       ticket.ID,
		MessageID:      row.ID,
		ContactID:      contact.ID,
		ChannelID:      ch.ID,
		At:             p.now(),
	})
}

func (p *Pipeline) countDuplicate(provider string) {
	if p.metrics != nil {
		p.metrics.MessagesDuplicate.WithLabelValues(provider).Inc()
	}
}

func (p *Pipeline) cacheKey(orgID uint, providerMessageID string) string {
	return fmt.Sprintf("deskhub:ingested:%d:%s", orgID, providerMessageID)
}

func (p *Pipeline) cachedTicket(ctx context.Context, orgID uint, providerMessageID string) (*models.Ticket, bool) {
	if p.rdb == nil {
		return nil, false
	}
	id, err := p.rdb.Get(ctx, p.cacheKey(orgID, providerMessageID)).Uint64()
	if err != nil {
		return nil, false
	}
	t, err := p.stores.Tickets.GetByID(ctx, uint(id))
	if err != nil {
		return nil, false
	}
	return t, true
}

func (p *Pipeline) cacheTicket(ctx context.Context, orgID uint, providerMessageID string, ticketID uint) {
	if p.rdb == nil {
		return
	}
	p.rdb.Set(ctx, p.cacheKey(orgID, providerMessageID), uint64(ticketID), p.cacheTTL)
}

func subjectOrFallback(msg *channel.InboundMessage) string {
	if s := strings.TrimSpace(msg.Subject); s != "" {
		return s
	}
	body := strings.TrimSpace(msg.TextBody)
	if body == "" {
		return "(no subject)"
	}
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = strings.TrimSpace(body[:nl])
	}
	if runes := []rune(body); len(runes) > 80 {
		body = string(runes[:77]) + "..."
	}
	return body
}

// isUrgent matches the configured keyword list against the subject
// (case-insensitive substring) or the provider's importance hint.
func isUrgent(msg *channel.InboundMessage, keywords []string) bool {
	if strings.EqualFold(msg.Importance, "high") {
		return true
	}
	subject := strings.ToLower(msg.Subject)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(subject, kw) {
			return true
		}
	}
	return false
}
