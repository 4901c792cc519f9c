package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deskhub-io/deskhub/internal/models"
)

// In-memory repository implementations for development and tests. They
// enforce the same uniqueness rules as the SQL implementations, including
// returning models.ErrDuplicate where a unique constraint would fire.

// MemoryContactRepository implements the contact store in memory.
type MemoryContactRepository struct {
	mu       sync.RWMutex
	contacts map[uint]*models.Contact
	nextID   uint
}

// NewMemoryContactRepository creates an empty in-memory contact store.
func NewMemoryContactRepository() *MemoryContactRepository {
	return &MemoryContactRepository{contacts: make(map[uint]*models.Contact), nextID: 1}
}

func (r *MemoryContactRepository) FindByEmail(_ context.Context, orgID uint, email string) (*models.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.contacts {
		if c.OrganizationID == orgID && c.Email != nil && strings.EqualFold(*c.Email, email) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *MemoryContactRepository) FindByPlatformID(_ context.Context, orgID uint, platformID string) (*models.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.contacts {
		if c.OrganizationID == orgID && c.PlatformID != nil && *c.PlatformID == platformID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *MemoryContactRepository) Create(_ context.Context, contact *models.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts {
		if c.OrganizationID != contact.OrganizationID {
			continue
		}
		if contact.Email != nil && c.Email != nil && strings.EqualFold(*c.Email, *contact.Email) {
			return models.ErrDuplicate
		}
		if contact.PlatformID != nil && c.PlatformID != nil && *c.PlatformID == *contact.PlatformID {
			return models.ErrDuplicate
		}
	}
	contact.ID = r.nextID
	r.nextID++
	now := time.Now()
	contact.CreateTime = now
	contact.ChangeTime = now
	cp := *contact
	r.contacts[contact.ID] = &cp
	return nil
}

func (r *MemoryContactRepository) UpdateName(_ context.Context, contactID uint, firstName, lastName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[contactID]
	if !ok {
		return models.ErrNotFound
	}
	c.FirstName = firstName
	c.LastName = lastName
	c.ChangeTime = time.Now()
	return nil
}

func (r *MemoryContactRepository) TouchLastContact(_ context.Context, contactID uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[contactID]
	if !ok {
		return models.ErrNotFound
	}
	c.LastContactAt = &at
	return nil
}

// MemoryTicketRepository implements the ticket store in memory. Ticket
// numbers are assigned per organization starting at 1.
type MemoryTicketRepository struct {
	mu      sync.RWMutex
	tickets map[uint]*models.Ticket
	nextID  uint
}

// NewMemoryTicketRepository creates an empty in-memory ticket store.
func NewMemoryTicketRepository() *MemoryTicketRepository {
	return &MemoryTicketRepository{tickets: make(map[uint]*models.Ticket), nextID: 1}
}

func (r *MemoryTicketRepository) GetByID(_ context.Context, id uint) (*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickets[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryTicketRepository) FindByNumber(_ context.Context, orgID uint, number uint64) (*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tickets {
		if t.OrganizationID == orgID && t.Number == number {
			cp := *t
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *MemoryTicketRepository) FindByEmailThread(_ context.Context, orgID, channelID uint, threadID string) (*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var newest *models.Ticket
	for _, t := range r.tickets {
		if t.OrganizationID != orgID || t.EmailChannelID == nil || *t.EmailChannelID != channelID {
			continue
		}
		if t.EmailThreadID == nil || *t.EmailThreadID != threadID {
			continue
		}
		if newest == nil || t.CreateTime.After(newest.CreateTime) {
			newest = t
		}
	}
	if newest == nil {
		return nil, models.ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (r *MemoryTicketRepository) FindByConversation(_ context.Context, orgID, channelID uint, conversationID, participantID string) (*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var newest *models.Ticket
	for _, t := range r.tickets {
		if t.OrganizationID != orgID || t.MessagingChannelID == nil || *t.MessagingChannelID != channelID {
			continue
		}
		if t.MessagingConversationID == nil || *t.MessagingConversationID != conversationID {
			continue
		}
		if t.MessagingParticipantID == nil || *t.MessagingParticipantID != participantID {
			continue
		}
		if newest == nil || t.CreateTime.After(newest.CreateTime) {
			newest = t
		}
	}
	if newest == nil {
		return nil, models.ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (r *MemoryTicketRepository) Create(_ context.Context, ticket *models.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max uint64
	for _, t := range r.tickets {
		if t.OrganizationID == ticket.OrganizationID && t.Number > max {
			max = t.Number
		}
	}
	ticket.ID = r.nextID
	r.nextID++
	ticket.Number = max + 1
	now := time.Now()
	ticket.CreateTime = now
	ticket.ChangeTime = now
	cp := *ticket
	r.tickets[ticket.ID] = &cp
	return nil
}

func (r *MemoryTicketRepository) SetStatus(_ context.Context, ticketID, statusID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return models.ErrNotFound
	}
	t.StatusID = statusID
	t.ChangeTime = time.Now()
	return nil
}

func (r *MemoryTicketRepository) Reopen(_ context.Context, ticketID, statusID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return models.ErrNotFound
	}
	t.StatusID = statusID
	t.ResolvedAt = nil
	t.ClosedAt = nil
	t.FolderID = nil
	t.ChangeTime = time.Now()
	return nil
}

func (r *MemoryTicketRepository) SetFolder(_ context.Context, ticketID, folderID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return models.ErrNotFound
	}
	t.FolderID = &folderID
	t.ChangeTime = time.Now()
	return nil
}

func (r *MemoryTicketRepository) ClearFolder(_ context.Context, ticketID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return models.ErrNotFound
	}
	t.FolderID = nil
	t.ChangeTime = time.Now()
	return nil
}

func (r *MemoryTicketRepository) SetPriority(_ context.Context, ticketID, priorityID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return models.ErrNotFound
	}
	t.PriorityID = priorityID
	t.ChangeTime = time.Now()
	return nil
}

// MemoryMessageRepository implements the message store in memory.
type MemoryMessageRepository struct {
	mu       sync.RWMutex
	messages map[uint]*models.Message
	nextID   uint
}

// NewMemoryMessageRepository creates an empty in-memory message store.
func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{messages: make(map[uint]*models.Message), nextID: 1}
}

func (r *MemoryMessageRepository) Insert(_ context.Context, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.OrganizationID != msg.OrganizationID {
			continue
		}
		if msg.EmailMessageID != nil && m.EmailMessageID != nil && *m.EmailMessageID == *msg.EmailMessageID {
			return models.ErrDuplicate
		}
		if msg.MessagingProviderID != nil && m.MessagingProviderID != nil && *m.MessagingProviderID == *msg.MessagingProviderID {
			return models.ErrDuplicate
		}
	}
	msg.ID = r.nextID
	r.nextID++
	if msg.CreateTime.IsZero() {
		msg.CreateTime = time.Now()
	}
	cp := *msg
	r.messages[msg.ID] = &cp
	return nil
}

func (r *MemoryMessageRepository) FindByProviderID(_ context.Context, orgID uint, emailMessageID, messagingProviderID string) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.messages {
		if m.OrganizationID != orgID {
			continue
		}
		if emailMessageID != "" && m.EmailMessageID != nil && *m.EmailMessageID == emailMessageID {
			cp := *m
			return &cp, nil
		}
		if messagingProviderID != "" && m.MessagingProviderID != nil && *m.MessagingProviderID == messagingProviderID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *MemoryMessageRepository) FindTicketIDByEmailMessageID(_ context.Context, orgID uint, messageID string) (uint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.messages {
		if m.OrganizationID == orgID && m.EmailMessageID != nil && *m.EmailMessageID == messageID {
			return m.TicketID, nil
		}
	}
	return 0, models.ErrNotFound
}

func (r *MemoryMessageRepository) ListByTicket(_ context.Context, ticketID uint) ([]models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Message
	for _, m := range r.messages {
		if m.TicketID == ticketID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].CreateTime.Before(out[j].CreateTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MemoryAttachmentRepository implements the attachment store in memory.
type MemoryAttachmentRepository struct {
	mu          sync.RWMutex
	attachments map[uint]*models.Attachment
	nextID      uint
}

// NewMemoryAttachmentRepository creates an empty in-memory attachment store.
func NewMemoryAttachmentRepository() *MemoryAttachmentRepository {
	return &MemoryAttachmentRepository{attachments: make(map[uint]*models.Attachment), nextID: 1}
}

func (r *MemoryAttachmentRepository) Insert(_ context.Context, att *models.Attachment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	att.ID = r.nextID
	r.nextID++
	if att.CreateTime.IsZero() {
		att.CreateTime = time.Now()
	}
	cp := *att
	r.attachments[att.ID] = &cp
	return nil
}

func (r *MemoryAttachmentRepository) ListByMessage(_ context.Context, messageID uint, inline *bool) ([]models.Attachment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Attachment
	for _, a := range r.attachments {
		if a.MessageID != messageID {
			continue
		}
		if inline != nil && a.Inline != *inline {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (r *MemoryAttachmentRepository) DeleteByMessage(_ context.Context, messageID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.attachments {
		if a.MessageID == messageID {
			delete(r.attachments, id)
		}
	}
	return nil
}
