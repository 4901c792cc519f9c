package models

import "time"

// MessageType distinguishes replies, internal notes, and system events
// within a ticket.
type MessageType string

const (
	MessageTypeReply MessageType = "reply"
	MessageTypeNote  MessageType = "note"
	MessageTypeEvent MessageType = "event"
)

// Message is one unit of conversation content. The provider message-id
// fields are the idempotency key: within an organization a given non-null
// provider id must be unique, enforced by the storage layer.
type Message struct {
	ID             uint        `json:"id" db:"id"`
	OrganizationID uint        `json:"organization_id" db:"organization_id"`
	TicketID       uint        `json:"ticket_id" db:"ticket_id"`
	Type           MessageType `json:"type" db:"type"`
	IsFromContact  bool        `json:"is_from_contact" db:"is_from_contact"`
	ContactID      *uint       `json:"contact_id,omitempty" db:"contact_id"`
	UserID         *uint       `json:"user_id,omitempty" db:"user_id"`

	Body     string  `json:"body" db:"body"`
	HTMLBody *string `json:"html_body,omitempty" db:"html_body"`

	// Provider identity. EmailMessageID is stored without angle brackets.
	EmailMessageID      *string `json:"email_message_id,omitempty" db:"email_message_id"`
	MessagingProviderID *string `json:"messaging_provider_id,omitempty" db:"messaging_provider_id"`

	CreateTime time.Time `json:"create_time" db:"create_time"`

	// Joined fields.
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is owned by exactly one message and deleted with it. Inline
// attachments are referenced by content id from the message's HTML body.
type Attachment struct {
	ID          uint      `json:"id" db:"id"`
	MessageID   uint      `json:"message_id" db:"message_id"`
	FileName    string    `json:"file_name" db:"file_name"`
	ContentType string    `json:"content_type" db:"content_type"`
	Size        int64     `json:"size" db:"size"`
	StoragePath string    `json:"storage_path" db:"storage_path"`
	ContentID   *string   `json:"content_id,omitempty" db:"content_id"`
	Inline      bool      `json:"inline" db:"inline"`
	CreateTime  time.Time `json:"create_time" db:"create_time"`
}
