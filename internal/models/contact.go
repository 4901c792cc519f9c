package models

import (
	"strings"
	"time"
)

// Contact is a person external to the organization, identified by email
// address and/or a platform-specific user id. Unique per organization per
// identity field. Contacts are created lazily on first inbound message and
// never merged automatically.
type Contact struct {
	ID             uint       `json:"id" db:"id"`
	OrganizationID uint       `json:"organization_id" db:"organization_id"`
	Email          *string    `json:"email,omitempty" db:"email"`
	PlatformID     *string    `json:"platform_id,omitempty" db:"platform_id"`
	FirstName      string     `json:"first_name" db:"first_name"`
	LastName       string     `json:"last_name" db:"last_name"`
	AvatarURL      *string    `json:"avatar_url,omitempty" db:"avatar_url"`
	LastContactAt  *time.Time `json:"last_contact_at,omitempty" db:"last_contact_at"`
	CreateTime     time.Time  `json:"create_time" db:"create_time"`
	ChangeTime     time.Time  `json:"change_time" db:"change_time"`
}

// FullName joins the name parts, tolerating blanks.
func (c *Contact) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}
