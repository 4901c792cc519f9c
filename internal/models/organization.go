package models

import "time"

// Organization is the tenant boundary. Every other entity is scoped to
// exactly one organization and every query must filter by it.
type Organization struct {
	ID         uint      `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	Domain     *string   `json:"domain,omitempty" db:"domain"`
	CreateTime time.Time `json:"create_time" db:"create_time"`
	ChangeTime time.Time `json:"change_time" db:"change_time"`
}

// OrgDefaults carries the per-organization settings this core consumes from
// the settings collaborator: lifecycle defaults plus the subject-token and
// urgency configuration used during ingestion.
type OrgDefaults struct {
	OrganizationID    uint
	DefaultStatusID   uint
	DefaultPriorityID uint
	DefaultSLAID      *uint
	// TicketNumberPrefix is the literal prefix in front of the digit run,
	// e.g. "DH" for DH10023. Used by the subject-token fallback.
	TicketNumberPrefix string
	// UrgentKeywords raise a new ticket's priority when one appears in the
	// subject (case-insensitive substring match).
	UrgentKeywords []string
	// UrgentPriorityID is the priority applied on an urgency match. Zero
	// means the organization has no urgent priority configured.
	UrgentPriorityID uint
}
