// Package thread decides which ticket an inbound message belongs to, and
// produces the outbound header material that keeps replies threadable.
package thread

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/models"
)

// TicketStore is the ticket lookup surface the resolver needs.
type TicketStore interface {
	FindByEmailThread(ctx context.Context, orgID, channelID uint, threadID string) (*models.Ticket, error)
	FindByConversation(ctx context.Context, orgID, channelID uint, conversationID, participantID string) (*models.Ticket, error)
	FindByNumber(ctx context.Context, orgID uint, number uint64) (*models.Ticket, error)
}

// MessageStore maps stored email message-ids back to their tickets.
type MessageStore interface {
	FindTicketIDByEmailMessageID(ctx context.Context, orgID uint, messageID string) (uint, error)
	ListByTicket(ctx context.Context, ticketID uint) ([]models.Message, error)
}

// TicketGetter loads a ticket once a reference-chain match names its id.
type TicketGetter interface {
	GetByID(ctx context.Context, id uint) (*models.Ticket, error)
}

// Match tells the pipeline how a ticket was found, for logging and metrics.
type Match string

const (
	MatchConversation Match = "conversation"
	MatchReference    Match = "reference"
	MatchSubject      Match = "subject"
	MatchNone         Match = "none"
)

// Resolver implements the threading decision. Lookups run in strict
// priority order: provider conversation id, then stored message-id
// references, then a ticket-number token in the subject. The first hit
// wins; no hit means a new ticket.
type Resolver struct {
	tickets  TicketStore
	byID     TicketGetter
	messages MessageStore
}

// NewResolver creates a thread resolver over the given stores.
func NewResolver(tickets TicketStore, byID TicketGetter, messages MessageStore) *Resolver {
	return &Resolver{tickets: tickets, byID: byID, messages: messages}
}

// ResolveTicket returns the existing ticket for msg, or nil when the
// message starts a new conversation. Only ErrNotFound is swallowed; any
// other store error aborts resolution so the message can be retried.
func (r *Resolver) ResolveTicket(ctx context.Context, ch models.Channel, defaults models.OrgDefaults, msg *channel.InboundMessage) (*models.Ticket, Match, error) {
	orgID := ch.OrganizationID

	if msg.ConversationID != "" {
		t, err := r.byConversation(ctx, orgID, ch, msg)
		if err == nil {
			return t, MatchConversation, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, MatchNone, err
		}
	}

	if ch.IsEmail() {
		t, err := r.byReferenceChain(ctx, orgID, msg)
		if err == nil {
			return t, MatchReference, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, MatchNone, err
		}

		t, err = r.bySubjectToken(ctx, orgID, defaults.TicketNumberPrefix, msg.Subject)
		if err == nil {
			return t, MatchSubject, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, MatchNone, err
		}
	}

	return nil, MatchNone, nil
}

func (r *Resolver) byConversation(ctx context.Context, orgID uint, ch models.Channel, msg *channel.InboundMessage) (*models.Ticket, error) {
	if ch.IsEmail() {
		return r.tickets.FindByEmailThread(ctx, orgID, ch.ID, msg.ConversationID)
	}
	return r.tickets.FindByConversation(ctx, orgID, ch.ID, msg.ConversationID, msg.ParticipantID)
}

// byReferenceChain walks the message's ancestry newest-first: In-Reply-To
// is the immediate parent and tried before the References header, which is
// itself scanned from its last (most recent) entry backwards.
func (r *Resolver) byReferenceChain(ctx context.Context, orgID uint, msg *channel.InboundMessage) (*models.Ticket, error) {
	seen := make(map[string]struct{})
	try := func(raw string) (*models.Ticket, error) {
		id := channel.CleanMessageID(raw)
		if id == "" {
			return nil, models.ErrNotFound
		}
		if _, dup := seen[id]; dup {
			return nil, models.ErrNotFound
		}
		seen[id] = struct{}{}
		ticketID, err := r.messages.FindTicketIDByEmailMessageID(ctx, orgID, id)
		if err != nil {
			return nil, err
		}
		return r.byID.GetByID(ctx, ticketID)
	}

	if t, err := try(msg.InReplyTo); err == nil || !errors.Is(err, models.ErrNotFound) {
		return t, err
	}
	for i := len(msg.References) - 1; i >= 0; i-- {
		if t, err := try(msg.References[i]); err == nil || !errors.Is(err, models.ErrNotFound) {
			return t, err
		}
	}
	return nil, models.ErrNotFound
}

// bySubjectToken looks for the organization's ticket-number token, for
// example "DH10023" with prefix "DH", anywhere in the subject. An empty
// prefix disables the fallback; a bare digit run is too ambiguous to trust.
func (r *Resolver) bySubjectToken(ctx context.Context, orgID uint, prefix, subject string) (*models.Ticket, error) {
	if prefix == "" || subject == "" {
		return nil, models.ErrNotFound
	}
	re, err := subjectTokenPattern(prefix)
	if err != nil {
		return nil, models.ErrNotFound
	}
	for _, m := range re.FindAllStringSubmatch(subject, -1) {
		number, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		t, err := r.tickets.FindByNumber(ctx, orgID, number)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}
	return nil, models.ErrNotFound
}

func subjectTokenPattern(prefix string) (*regexp.Regexp, error) {
	return regexp.Compile(`(?i)\b` + regexp.QuoteMeta(prefix) + `[ #-]?(\d{1,12})\b`)
}

// BuildReferenceChain assembles the References header for an outbound
// reply on the ticket: every stored inbound email message-id, oldest
// first, each wrapped in angle brackets.
func (r *Resolver) BuildReferenceChain(ctx context.Context, ticketID uint) (string, error) {
	msgs, err := r.messages.ListByTicket(ctx, ticketID)
	if err != nil {
		return "", err
	}
	var parts []string
	seen := make(map[string]struct{})
	for _, m := range msgs {
		if m.EmailMessageID == nil || *m.EmailMessageID == "" {
			continue
		}
		if _, dup := seen[*m.EmailMessageID]; dup {
			continue
		}
		seen[*m.EmailMessageID] = struct{}{}
		parts = append(parts, "<"+*m.EmailMessageID+">")
	}
	return strings.Join(parts, " "), nil
}

// GenerateMessageID produces a deterministic message-id for an outbound
// message, domain-scoped to the sending channel's address.
func GenerateMessageID(ticketID, messageID uint, ch models.Channel) string {
	domain := "localhost"
	if at := strings.LastIndex(ch.Address, "@"); at >= 0 && at < len(ch.Address)-1 {
		domain = ch.Address[at+1:]
	}
	return fmt.Sprintf("ticket-%d-msg-%d@%s", ticketID, messageID, domain)
}
