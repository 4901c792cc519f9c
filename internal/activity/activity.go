// Package activity receives ingestion events for the audit trail and agent
// notifications. Dispatch is fire-and-forget: an unavailable sink must
// never fail or slow ingestion.
package activity

import (
	"context"
	"log"
	"time"
)

// Kind enumerates the events the ingestion core emits.
type Kind string

const (
	KindTicketCreated  Kind = "ticket_created"
	KindMessageAdded   Kind = "message_added"
	KindTicketReopened Kind = "ticket_reopened"
)

// Event is one ingestion occurrence.
type Event struct {
	Kind           Kind
	OrganizationID uint
	TicketID       uint
	MessageID      uint
	ContactID      uint
	ChannelID      uint
	At             time.Time
}

// Notifier consumes ingestion events.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier writes events to the process log. It is the default sink.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier creates a notifier over the given logger, or the standard
// logger when nil.
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) {
	n.logger.Printf("activity %s org=%d ticket=%d message=%d contact=%d channel=%d",
		ev.Kind, ev.OrganizationID, ev.TicketID, ev.MessageID, ev.ContactID, ev.ChannelID)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

// Multi fans one event out to several sinks.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}
