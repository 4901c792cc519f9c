package models

import "time"

// ChannelKind distinguishes the two channel families. Email channels are
// polled; messaging channels receive webhook deliveries.
type ChannelKind string

const (
	ChannelKindEmail     ChannelKind = "email"
	ChannelKindMessaging ChannelKind = "messaging"
)

// Provider identifies the concrete adapter for a channel.
type Provider string

const (
	ProviderIMAP      Provider = "imap"
	ProviderPOP3      Provider = "pop3"
	ProviderGraph     Provider = "graph"
	ProviderGmail     Provider = "gmail"
	ProviderMessenger Provider = "messenger"
	ProviderInstagram Provider = "instagram"
	ProviderWhatsApp  Provider = "whatsapp"
)

// Channel is a configured inbound/outbound endpoint. Exactly one of the
// provider config fields is non-nil, matching Provider.
type Channel struct {
	ID             uint        `json:"id" db:"id"`
	OrganizationID uint        `json:"organization_id" db:"organization_id"`
	Kind           ChannelKind `json:"kind" db:"kind"`
	Provider       Provider    `json:"provider" db:"provider"`
	Name           string      `json:"name" db:"name"`
	// Address is the mailbox address for email channels or the page/account
	// id for messaging channels. Used as the domain source for outbound
	// message-id generation.
	Address      string `json:"address" db:"address"`
	DepartmentID *uint  `json:"department_id,omitempty" db:"department_id"`

	// Sync bookkeeping, mutated by the poller / webhook processing only.
	SyncInterval time.Duration `json:"sync_interval" db:"sync_interval"`
	LastSyncAt   *time.Time    `json:"last_sync_at,omitempty" db:"last_sync_at"`
	LastError    *string       `json:"last_error,omitempty" db:"last_error"`
	LastErrorAt  *time.Time    `json:"last_error_at,omitempty" db:"last_error_at"`
	IsActive     bool          `json:"is_active" db:"is_active"`

	IMAP  *IMAPConfig  `json:"imap,omitempty"`
	POP3  *POP3Config  `json:"pop3,omitempty"`
	Graph *GraphConfig `json:"graph,omitempty"`
	Gmail *GmailConfig `json:"gmail,omitempty"`
	Meta  *MetaConfig  `json:"meta,omitempty"`

	CreateTime time.Time `json:"create_time" db:"create_time"`
	ChangeTime time.Time `json:"change_time" db:"change_time"`
}

// IMAPConfig configures a direct IMAP/IMAPS mailbox.
type IMAPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password []byte `json:"-"`
	UseTLS   bool   `json:"use_tls"`
	Folder   string `json:"folder"`
}

// POP3Config configures a direct POP3/POP3S mailbox.
type POP3Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password []byte `json:"-"`
	UseTLS   bool   `json:"use_tls"`
}

// GraphConfig configures a Microsoft Graph mailbox. The access token is
// supplied already refreshed by the OAuth collaborator.
type GraphConfig struct {
	Mailbox     string `json:"mailbox"`
	AccessToken []byte `json:"-"`
	BaseURL     string `json:"base_url,omitempty"`
}

// GmailConfig configures a Gmail API mailbox.
type GmailConfig struct {
	AccessToken []byte `json:"-"`
	BaseURL     string `json:"base_url,omitempty"`
}

// MetaConfig configures a Meta messaging webhook (Messenger, Instagram,
// WhatsApp share the payload family).
type MetaConfig struct {
	PageID      string `json:"page_id"`
	AppSecret   []byte `json:"-"`
	VerifyToken string `json:"-"`
	AccessToken []byte `json:"-"`
}

// Validate checks that the variant payload matches the declared provider.
// Adapters call this at construction time instead of re-checking on every
// read.
func (c *Channel) Validate() error {
	switch c.Provider {
	case ProviderIMAP:
		if c.IMAP == nil || c.IMAP.Host == "" {
			return ErrChannelConfig
		}
	case ProviderPOP3:
		if c.POP3 == nil || c.POP3.Host == "" {
			return ErrChannelConfig
		}
	case ProviderGraph:
		if c.Graph == nil || c.Graph.Mailbox == "" {
			return ErrChannelConfig
		}
	case ProviderGmail:
		if c.Gmail == nil {
			return ErrChannelConfig
		}
	case ProviderMessenger, ProviderInstagram, ProviderWhatsApp:
		if c.Meta == nil || c.Meta.PageID == "" {
			return ErrChannelConfig
		}
	default:
		return ErrChannelConfig
	}
	return nil
}

// IsEmail reports whether the channel belongs to the email family.
func (c *Channel) IsEmail() bool {
	return c.Kind == ChannelKindEmail
}
