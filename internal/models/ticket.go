package models

import "time"

// StatusKind classifies a ticket status for lifecycle decisions. Reopen
// logic keys off the kind, never off status names.
type StatusKind string

const (
	StatusKindOpen    StatusKind = "open"
	StatusKindPending StatusKind = "pending"
	StatusKindClosed  StatusKind = "closed"
)

// Status is a per-organization ticket status.
type Status struct {
	ID             uint       `json:"id" db:"id"`
	OrganizationID uint       `json:"organization_id" db:"organization_id"`
	Name           string     `json:"name" db:"name"`
	Kind           StatusKind `json:"kind" db:"kind"`
	IsDefault      bool       `json:"is_default" db:"is_default"`
}

// Priority is a per-organization priority level. Higher Level means more
// urgent.
type Priority struct {
	ID             uint   `json:"id" db:"id"`
	OrganizationID uint   `json:"organization_id" db:"organization_id"`
	Name           string `json:"name" db:"name"`
	Level          int    `json:"level" db:"level"`
}

// Folder is a user-visible ticket bucket distinct from status. The default
// folder is the inbox; reopened tickets return to it.
type Folder struct {
	ID             uint   `json:"id" db:"id"`
	OrganizationID uint   `json:"organization_id" db:"organization_id"`
	Name           string `json:"name" db:"name"`
	IsDefault      bool   `json:"is_default" db:"is_default"`
}

// Ticket is one conversation. A ticket belongs to exactly one contact and
// one organization; Number is unique per organization and immutable once
// assigned.
type Ticket struct {
	ID             uint   `json:"id" db:"id"`
	OrganizationID uint   `json:"organization_id" db:"organization_id"`
	Number         uint64 `json:"number" db:"number"`
	Subject        string `json:"subject" db:"subject"`
	ContactID      uint   `json:"contact_id" db:"contact_id"`

	// Originating channel: at most one of the two is set. Both nil means
	// the ticket was created manually.
	EmailChannelID     *uint `json:"email_channel_id,omitempty" db:"email_channel_id"`
	MessagingChannelID *uint `json:"messaging_channel_id,omitempty" db:"messaging_channel_id"`

	StatusID   uint  `json:"status_id" db:"status_id"`
	PriorityID uint  `json:"priority_id" db:"priority_id"`
	AssigneeID *uint `json:"assignee_id,omitempty" db:"assignee_id"`
	FolderID   *uint `json:"folder_id,omitempty" db:"folder_id"`
	SLAID      *uint `json:"sla_id,omitempty" db:"sla_id"`

	// Provider thread identity, used by the thread resolver's first pass.
	EmailThreadID           *string `json:"email_thread_id,omitempty" db:"email_thread_id"`
	MessagingConversationID *string `json:"messaging_conversation_id,omitempty" db:"messaging_conversation_id"`
	MessagingParticipantID  *string `json:"messaging_participant_id,omitempty" db:"messaging_participant_id"`

	FirstResponseDueAt *time.Time `json:"first_response_due_at,omitempty" db:"first_response_due_at"`
	ResolutionDueAt    *time.Time `json:"resolution_due_at,omitempty" db:"resolution_due_at"`
	FirstRespondedAt   *time.Time `json:"first_responded_at,omitempty" db:"first_responded_at"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty" db:"closed_at"`

	CreateTime time.Time `json:"create_time" db:"create_time"`
	ChangeTime time.Time `json:"change_time" db:"change_time"`

	// Joined fields, populated when needed.
	Contact  *Contact  `json:"contact,omitempty"`
	Status   *Status   `json:"status,omitempty"`
	Priority *Priority `json:"priority,omitempty"`
}
