package metaadapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/xeipuuv/gojsonschema"

	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/models"
)

// payloadSchema is the documented shape of a Meta messaging webhook
// delivery. Payloads are validated before normalization so malformed
// deliveries fail as a unit with a clear cause.
const payloadSchema = `{
	"type": "object",
	"required": ["object", "entry"],
	"properties": {
		"object": {"type": "string"},
		"entry": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string"},
					"time": {"type": "integer"},
					"messaging": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["sender"],
							"properties": {
								"sender": {
									"type": "object",
									"required": ["id"],
									"properties": {"id": {"type": "string"}}
								},
								"recipient": {
									"type": "object",
									"properties": {"id": {"type": "string"}}
								},
								"timestamp": {"type": "integer"},
								"message": {"type": "object"}
							}
						}
					}
				}
			}
		}
	}
}`

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"`
		Time      int64  `json:"time"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Recipient struct {
				ID string `json:"id"`
			} `json:"recipient"`
			Timestamp int64 `json:"timestamp"`
			Message   *struct {
				MID         string `json:"mid"`
				Text        string `json:"text"`
				IsEcho      bool   `json:"is_echo"`
				Attachments []struct {
					Type    string `json:"type"`
					Payload struct {
						URL string `json:"url"`
					} `json:"payload"`
				} `json:"attachments"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// Normalizer turns Meta webhook deliveries (Messenger, Instagram, WhatsApp)
// into canonical inbound messages.
type Normalizer struct {
	provider models.Provider
	schema   *gojsonschema.Schema
	logger   *log.Logger
	now      func() time.Time
}

// Option customizes a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// WithLogger overrides the logger used for normalizer diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// New builds a normalizer for one Meta provider variant.
func New(provider models.Provider, opts ...Option) (*Normalizer, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	n := &Normalizer{
		provider: provider,
		schema:   schema,
		logger:   log.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n, nil
}

// Provider returns the provider this normalizer serves.
func (n *Normalizer) Provider() models.Provider {
	return n.provider
}

// Normalize validates one webhook delivery and expands it into canonical
// messages, in delivery order. Echo events (the page's own outbound
// messages mirrored back) and non-message events are dropped silently.
// A message event missing its sender or mid is skipped with a log line
// so the rest of the delivery still goes through.
func (n *Normalizer) Normalize(payload []byte, ch models.Channel) ([]channel.InboundMessage, error) {
	if err := ch.Validate(); err != nil {
		return nil, channel.Malformed("meta config", err)
	}

	validation, err := n.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, channel.Malformed("meta webhook", fmt.Errorf("unparseable payload: %w", err))
	}
	if !validation.Valid() {
		return nil, channel.Malformed("meta webhook", fmt.Errorf("schema violation: %s", describeViolations(validation)))
	}

	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, channel.Malformed("meta webhook", err)
	}

	var out []channel.InboundMessage
	for _, entry := range body.Entry {
		for _, event := range entry.Messaging {
			if event.Message == nil || event.Message.IsEcho {
				continue
			}
			if event.Sender.ID == "" || event.Message.MID == "" {
				n.logger.Printf("meta: skipping message event without sender or mid on page %s", entry.ID)
				continue
			}
			receivedAt := n.now()
			if event.Timestamp > 0 {
				receivedAt = time.UnixMilli(event.Timestamp).UTC()
			}
			msg := channel.InboundMessage{
				ProviderMessageID: event.Message.MID,
				// Meta has no thread id; one page-scoped participant is one
				// conversation.
				ConversationID: conversationID(entry.ID, event.Sender.ID),
				ParticipantID:  event.Sender.ID,
				Sender:         channel.SenderIdentity{PlatformID: event.Sender.ID},
				TextBody:       event.Message.Text,
				ReceivedAt:     receivedAt,
			}
			for i, att := range event.Message.Attachments {
				if att.Payload.URL == "" {
					continue
				}
				msg.Attachments = append(msg.Attachments, channel.AttachmentDescriptor{
					FileName:    fmt.Sprintf("%s-%d", att.Type, i+1),
					ContentType: attachmentContentType(att.Type),
					Fetch:       fetchURL(att.Payload.URL),
				})
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// VerifySignature checks the X-Hub-Signature-256 header against the
// channel's app secret. An empty secret disables verification (local
// development only).
func VerifySignature(payload []byte, signatureHeader string, appSecret []byte) error {
	if len(appSecret) == 0 {
		return nil
	}
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return channel.Auth("meta signature", errors.New("missing sha256 signature"))
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, prefix))
	if err != nil {
		return channel.Auth("meta signature", errors.New("undecodable signature"))
	}
	mac := hmac.New(sha256.New, appSecret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return channel.Auth("meta signature", errors.New("signature mismatch"))
	}
	return nil
}

// fetchURL returns a lazy handle that downloads the attachment from the
// provider CDN when the pipeline decides to store it.
func fetchURL(url string) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		resp, err := resty.New().SetTimeout(30 * time.Second).R().SetContext(ctx).Get(url)
		if err != nil {
			return nil, channel.Transient("meta attachment", err)
		}
		if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
			return nil, channel.Transient("meta attachment", fmt.Errorf("status %d", resp.StatusCode()))
		}
		return resp.Body(), nil
	}
}

func conversationID(pageID, senderID string) string {
	return pageID + ":" + senderID
}

func attachmentContentType(kind string) string {
	switch strings.ToLower(kind) {
	case "image":
		return "image/jpeg"
	case "video":
		return "video/mp4"
	case "audio":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

func describeViolations(result *gojsonschema.Result) string {
	var parts []string
	for _, desc := range result.Errors() {
		parts = append(parts, desc.String())
	}
	return strings.Join(parts, "; ")
}
