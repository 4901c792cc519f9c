package channel

import (
	"context"
	"time"

	"github.com/deskhub-io/deskhub/internal/models"
)

// SenderIdentity is how the outside world identified the author of an
// inbound message: an email address, or a platform user id, plus whatever
// display name the provider supplied.
type SenderIdentity struct {
	Email       string
	PlatformID  string
	DisplayName string
	AvatarURL   string
}

// IsZero reports whether no identity field is set.
func (s SenderIdentity) IsZero() bool {
	return s.Email == "" && s.PlatformID == ""
}

// AttachmentDescriptor describes one attachment carried by an inbound
// message. Content holds the bytes when the adapter fetched them eagerly;
// Fetch is set instead when the provider hands out a lazy handle.
type AttachmentDescriptor struct {
	FileName    string
	ContentType string
	Size        int64
	Content     []byte
	Fetch       func(ctx context.Context) ([]byte, error)
	ContentID   string
	Inline      bool
}

// InboundMessage is the canonical, provider-agnostic form of one received
// email or chat message. Adapters must tolerate missing optional fields;
// only ProviderMessageID and Sender are required downstream.
type InboundMessage struct {
	// ProviderMessageID is the provider's unique id for this message,
	// normalized (email message-ids are stored without angle brackets).
	// It is the idempotency key.
	ProviderMessageID string
	// ConversationID is the provider-native thread id when the provider
	// supplies one. Absence is expected and not an error.
	ConversationID string
	// ParticipantID is the provider-side counterpart id for messaging
	// conversations (page-scoped sender id).
	ParticipantID string

	Sender  SenderIdentity
	Subject string

	TextBody string
	HTMLBody string

	InReplyTo  string
	References []string

	// Importance is the provider's urgency hint ("high" when flagged).
	Importance string
	Headers    map[string][]string

	ReceivedAt  time.Time
	Attachments []AttachmentDescriptor
}

// Handler receives canonical messages one at a time, in provider-delivery
// order.
type Handler interface {
	Handle(ctx context.Context, msg *InboundMessage, ch models.Channel) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *InboundMessage, ch models.Channel) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg *InboundMessage, ch models.Channel) error {
	return f(ctx, msg, ch)
}

// Fetcher implementations (IMAP, POP3, Graph, Gmail) drain a mailbox-style
// channel and stream canonical messages to a handler. A failure on one
// message must not abort the rest of the batch; fetchers report per-item
// failures through the returned BatchResult instead.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, ch models.Channel, handler Handler) (BatchResult, error)
}

// Normalizer implementations turn one webhook delivery into canonical
// messages. A payload may carry a batch.
type Normalizer interface {
	Provider() models.Provider
	Normalize(payload []byte, ch models.Channel) ([]InboundMessage, error)
}

// BatchResult summarizes one poll/webhook processing unit.
type BatchResult struct {
	Fetched int
	Handled int
	Skipped []ItemError
}

// ItemError records a single skipped message with enough context to replay
// it manually.
type ItemError struct {
	ProviderMessageID string
	Err               error
}
