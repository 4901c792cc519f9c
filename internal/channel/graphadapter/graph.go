package graphadapter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/models"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// graphMessage mirrors the subset of the Graph message resource the adapter
// consumes.
type graphMessage struct {
	ID                string `json:"id"`
	ConversationID    string `json:"conversationId"`
	InternetMessageID string `json:"internetMessageId"`
	Subject           string `json:"subject"`
	Importance        string `json:"importance"`
	ReceivedDateTime  string `json:"receivedDateTime"`
	HasAttachments    bool   `json:"hasAttachments"`
	Body              struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	BodyPreview string `json:"bodyPreview"`
	From        struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	InternetMessageHeaders []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"internetMessageHeaders"`
}

type graphMessageList struct {
	Value []graphMessage `json:"value"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	ContentID    string `json:"contentId"`
	IsInline     bool   `json:"isInline"`
	ContentBytes string `json:"contentBytes"`
}

type graphAttachmentList struct {
	Value []graphAttachment `json:"value"`
}

// Fetcher lists a Microsoft Graph mailbox through the REST API. Tokens
// arrive already refreshed on the channel config.
type Fetcher struct {
	client  *resty.Client
	logger  *log.Logger
	timeout time.Duration
	now     func() time.Time
}

// Option customizes fetcher behavior.
type Option func(*Fetcher)

// WithLogger overrides the logger used for adapter diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithTimeout bounds each Graph API call.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client, primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *Fetcher) {
		f.client = resty.NewWithClient(hc)
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// New returns a Graph adapter.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:  resty.New(),
		logger:  log.Default(),
		timeout: 30 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.client.SetTimeout(f.timeout)
	return f
}

// Name returns the adapter identifier.
func (f *Fetcher) Name() string {
	return "graph"
}

// Fetch lists messages received since the channel's sync cursor and hands
// each canonical message to the handler.
func (f *Fetcher) Fetch(ctx context.Context, ch models.Channel, handler channel.Handler) (channel.BatchResult, error) {
	var result channel.BatchResult
	if handler == nil {
		return result, errors.New("graph fetcher requires a handler")
	}
	if err := ch.Validate(); err != nil {
		return result, channel.Malformed("graph config", err)
	}
	cfg := *ch.Graph
	if len(cfg.AccessToken) == 0 {
		return result, channel.Auth("graph config", errors.New("missing access token"))
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	req := f.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+string(cfg.AccessToken)).
		SetQueryParam("$orderby", "receivedDateTime asc").
		SetQueryParam("$top", "50")
	if ch.LastSyncAt != nil {
		req.SetQueryParam("$filter", fmt.Sprintf("receivedDateTime gt %s", ch.LastSyncAt.UTC().Format(time.RFC3339)))
	}

	var list graphMessageList
	resp, err := req.SetResult(&list).
		Get(fmt.Sprintf("%s/users/%s/mailFolders/inbox/messages", baseURL, cfg.Mailbox))
	if err != nil {
		return result, channel.Transient("graph list", err)
	}
	if err := classifyStatus("graph list", resp.StatusCode()); err != nil {
		return result, err
	}

	for _, gm := range list.Value {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Fetched++
		msg, err := f.normalize(gm)
		if err != nil {
			f.logger.Printf("graph: skipping %s on channel %d: %v", gm.ID, ch.ID, err)
			result.Skipped = append(result.Skipped, channel.ItemError{ProviderMessageID: gm.ID, Err: err})
			continue
		}
		if gm.HasAttachments {
			atts, err := f.fetchAttachments(ctx, baseURL, cfg, gm.ID)
			if err != nil {
				f.logger.Printf("graph: attachment list failed for %s on channel %d: %v", gm.ID, ch.ID, err)
			} else {
				msg.Attachments = atts
			}
		}
		if err := handler.Handle(ctx, msg, ch); err != nil {
			f.logger.Printf("graph: ingest failed for %s on channel %d: %v", msg.ProviderMessageID, ch.ID, err)
			result.Skipped = append(result.Skipped, channel.ItemError{ProviderMessageID: msg.ProviderMessageID, Err: err})
			continue
		}
		result.Handled++
	}
	return result, nil
}

func (f *Fetcher) normalize(gm graphMessage) (*channel.InboundMessage, error) {
	sender := channel.SenderIdentity{
		Email:       strings.TrimSpace(gm.From.EmailAddress.Address),
		DisplayName: strings.TrimSpace(gm.From.EmailAddress.Name),
	}
	if sender.IsZero() {
		return nil, channel.Malformed("graph normalize", errors.New("message has no sender address"))
	}

	msg := &channel.InboundMessage{
		ProviderMessageID: channel.CleanMessageID(gm.InternetMessageID),
		ConversationID:    gm.ConversationID,
		Sender:            sender,
		Subject:           gm.Subject,
		Importance:        strings.ToLower(gm.Importance),
		Headers:           map[string][]string{},
		ReceivedAt:        f.now(),
	}
	if msg.ProviderMessageID == "" {
		// Graph always assigns its own id even when the internet message-id
		// header is absent.
		msg.ProviderMessageID = gm.ID
	}
	if ts, err := time.Parse(time.RFC3339, gm.ReceivedDateTime); err == nil {
		msg.ReceivedAt = ts
	}
	switch strings.ToLower(gm.Body.ContentType) {
	case "html":
		msg.HTMLBody = gm.Body.Content
		msg.TextBody = gm.BodyPreview
	default:
		msg.TextBody = gm.Body.Content
	}
	for _, h := range gm.InternetMessageHeaders {
		msg.Headers[h.Name] = append(msg.Headers[h.Name], h.Value)
		switch strings.ToLower(h.Name) {
		case "in-reply-to":
			msg.InReplyTo = channel.CleanMessageID(h.Value)
		case "references":
			msg.References = append(msg.References, channel.SplitReferences(h.Value)...)
		}
	}
	return msg, nil
}

func (f *Fetcher) fetchAttachments(ctx context.Context, baseURL string, cfg models.GraphConfig, messageID string) ([]channel.AttachmentDescriptor, error) {
	var list graphAttachmentList
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+string(cfg.AccessToken)).
		SetResult(&list).
		Get(fmt.Sprintf("%s/users/%s/messages/%s/attachments", baseURL, cfg.Mailbox, messageID))
	if err != nil {
		return nil, channel.Transient("graph attachments", err)
	}
	if err := classifyStatus("graph attachments", resp.StatusCode()); err != nil {
		return nil, err
	}

	var out []channel.AttachmentDescriptor
	for _, ga := range list.Value {
		if !strings.HasSuffix(ga.ODataType, "fileAttachment") || ga.ContentBytes == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(ga.ContentBytes)
		if err != nil {
			f.logger.Printf("graph: undecodable attachment %q on message %s", ga.Name, messageID)
			continue
		}
		out = append(out, channel.AttachmentDescriptor{
			FileName:    ga.Name,
			ContentType: ga.ContentType,
			Size:        int64(len(data)),
			Content:     data,
			ContentID:   channel.CleanMessageID(ga.ContentID),
			Inline:      ga.IsInline,
		})
	}
	return out, nil
}

func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return channel.Auth(op, fmt.Errorf("status %d", status))
	default:
		return channel.Transient(op, fmt.Errorf("status %d", status))
	}
}
