package gmailadapter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/models"
)

const defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

type gmailList struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
}

type gmailPart struct {
	PartID   string `json:"partId"`
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		AttachmentID string `json:"attachmentId"`
		Size         int64  `json:"size"`
		Data         string `json:"data"`
	} `json:"body"`
	Parts []gmailPart `json:"parts"`
}

type gmailMessage struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"threadId"`
	InternalDate string    `json:"internalDate"`
	Payload      gmailPart `json:"payload"`
}

type gmailAttachmentBody struct {
	Size int64  `json:"size"`
	Data string `json:"data"`
}

// Fetcher lists a Gmail mailbox through the REST API.
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

// WithTimeout bounds each Gmail API call.
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

// New returns a Gmail adapter.
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
	return "gmail"
}

// Fetch lists messages received since the channel's sync cursor and hands
// each canonical message to the handler.
func (f *Fetcher) Fetch(ctx context.Context, ch models.Channel, handler channel.Handler) (channel.BatchResult, error) {
	var result channel.BatchResult
	if handler == nil {
		return result, errors.New("gmail fetcher requires a handler")
	}
	if err := ch.Validate(); err != nil {
		return result, channel.Malformed("gmail config", err)
	}
	cfg := *ch.Gmail
	if len(cfg.AccessToken) == 0 {
		return result, channel.Auth("gmail config", errors.New("missing access token"))
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	req := f.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+string(cfg.AccessToken)).
		SetQueryParam("labelIds", "INBOX").
		SetQueryParam("maxResults", "50")
	if ch.LastSyncAt != nil {
		req.SetQueryParam("q", fmt.Sprintf("after:%d", ch.LastSyncAt.Unix()))
	}

	var list gmailList
	resp, err := req.SetResult(&list).Get(baseURL + "/users/me/messages")
	if err != nil {
		return result, channel.Transient("gmail list", err)
	}
	if err := classifyStatus("gmail list", resp.StatusCode()); err != nil {
		return result, err
	}

	// The list endpoint returns newest first; ingest in delivery order.
	for i := len(list.Messages) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		ref := list.Messages[i]
		result.Fetched++

		msg, err := f.fetchMessage(ctx, baseURL, cfg, ref.ID)
		if err != nil {
			f.logger.Printf("gmail: skipping %s on channel %d: %v", ref.ID, ch.ID, err)
			result.Skipped = append(result.Skipped, channel.ItemError{ProviderMessageID: ref.ID, Err: err})
			continue
		}
		if err := handler.Handle(ctx, msg, ch); err != nil {
			f.logger.Printf("gmail: ingest failed for %s on channel %d: %v", msg.ProviderMessageID, ch.ID, err)
			result.Skipped = append(result.Skipped, channel.ItemError{ProviderMessageID: msg.ProviderMessageID, Err: err})
			continue
		}
		result.Handled++
	}
	return result, nil
}

func (f *Fetcher) fetchMessage(ctx context.Context, baseURL string, cfg models.GmailConfig, id string) (*channel.InboundMessage, error) {
	var gm gmailMessage
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+string(cfg.AccessToken)).
		SetQueryParam("format", "full").
		SetResult(&gm).
		Get(baseURL + "/users/me/messages/" + id)
	if err != nil {
		return nil, channel.Transient("gmail get", err)
	}
	if err := classifyStatus("gmail get", resp.StatusCode()); err != nil {
		return nil, err
	}
	return f.normalize(ctx, baseURL, cfg, gm)
}

func (f *Fetcher) normalize(ctx context.Context, baseURL string, cfg models.GmailConfig, gm gmailMessage) (*channel.InboundMessage, error) {
	msg := &channel.InboundMessage{
		ConversationID: gm.ThreadID,
		Headers:        map[string][]string{},
		ReceivedAt:     f.now(),
	}
	if ms, err := strconv.ParseInt(gm.InternalDate, 10, 64); err == nil && ms > 0 {
		msg.ReceivedAt = time.UnixMilli(ms).UTC()
	}

	for _, h := range gm.Payload.Headers {
		msg.Headers[h.Name] = append(msg.Headers[h.Name], h.Value)
		switch strings.ToLower(h.Name) {
		case "subject":
			msg.Subject = h.Value
		case "from":
			msg.Sender = parseFrom(h.Value)
		case "message-id":
			msg.ProviderMessageID = channel.CleanMessageID(h.Value)
		case "in-reply-to":
			msg.InReplyTo = channel.CleanMessageID(h.Value)
		case "references":
			msg.References = append(msg.References, channel.SplitReferences(h.Value)...)
		case "importance":
			msg.Importance = strings.ToLower(strings.TrimSpace(h.Value))
		}
	}
	if msg.ProviderMessageID == "" {
		msg.ProviderMessageID = gm.ID
	}
	if msg.Sender.IsZero() {
		return nil, channel.Malformed("gmail normalize", errors.New("message has no sender address"))
	}

	f.collectParts(ctx, baseURL, cfg, gm.ID, gm.Payload, msg)
	return msg, nil
}

func (f *Fetcher) collectParts(ctx context.Context, baseURL string, cfg models.GmailConfig, messageID string, part gmailPart, msg *channel.InboundMessage) {
	switch {
	case strings.HasPrefix(part.MimeType, "multipart/"):
		for _, child := range part.Parts {
			f.collectParts(ctx, baseURL, cfg, messageID, child, msg)
		}
	case part.Filename != "":
		if att := f.collectAttachment(ctx, baseURL, cfg, messageID, part); att != nil {
			msg.Attachments = append(msg.Attachments, *att)
		}
	case strings.HasPrefix(part.MimeType, "text/html"):
		if msg.HTMLBody == "" {
			msg.HTMLBody = decodeBody(part.Body.Data)
		}
	default:
		if msg.TextBody == "" {
			msg.TextBody = decodeBody(part.Body.Data)
		}
	}
}

func (f *Fetcher) collectAttachment(ctx context.Context, baseURL string, cfg models.GmailConfig, messageID string, part gmailPart) *channel.AttachmentDescriptor {
	contentID := ""
	inline := false
	for _, h := range part.Headers {
		switch strings.ToLower(h.Name) {
		case "content-id":
			contentID = channel.CleanMessageID(h.Value)
		case "content-disposition":
			inline = strings.HasPrefix(strings.ToLower(h.Value), "inline")
		}
	}

	att := &channel.AttachmentDescriptor{
		FileName:    part.Filename,
		ContentType: part.MimeType,
		Size:        part.Body.Size,
		ContentID:   contentID,
		Inline:      inline || contentID != "",
	}
	if part.Body.Data != "" {
		data, err := decodeBase64URL(part.Body.Data)
		if err == nil {
			att.Content = data
			att.Size = int64(len(data))
		}
		return att
	}

	// Large attachments come through a separate fetch handle; resolve them
	// lazily so the pipeline only pays for attachments it stores.
	attachmentID := part.Body.AttachmentID
	att.Fetch = func(ctx context.Context) ([]byte, error) {
		var body gmailAttachmentBody
		resp, err := f.client.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+string(cfg.AccessToken)).
			SetResult(&body).
			Get(fmt.Sprintf("%s/users/me/messages/%s/attachments/%s", baseURL, messageID, attachmentID))
		if err != nil {
			return nil, channel.Transient("gmail attachment", err)
		}
		if err := classifyStatus("gmail attachment", resp.StatusCode()); err != nil {
			return nil, err
		}
		return decodeBase64URL(body.Data)
	}
	return att
}

// decodeBase64URL accepts both padded and unpadded web-safe base64, which the
// Gmail API mixes freely.
func decodeBase64URL(data string) ([]byte, error) {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return decoded, nil
	}
	return base64.RawURLEncoding.DecodeString(data)
}

func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	decoded, err := decodeBase64URL(data)
	if err != nil {
		return ""
	}
	return string(decoded)
}

func parseFrom(value string) channel.SenderIdentity {
	value = strings.TrimSpace(value)
	if value == "" {
		return channel.SenderIdentity{}
	}
	if open := strings.LastIndex(value, "<"); open >= 0 {
		end := strings.LastIndex(value, ">")
		if end > open {
			return channel.SenderIdentity{
				Email:       strings.TrimSpace(value[open+1 : end]),
				DisplayName: strings.Trim(strings.TrimSpace(value[:open]), `"`),
			}
		}
	}
	return channel.SenderIdentity{Email: value}
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
