package channel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	stdmail "net/mail"
	"regexp"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

const (
	defaultBodyLimit       = 128 * 1024
	defaultAttachmentLimit = 25 * 1024 * 1024
)

// EnvelopeParser turns raw RFC822 bytes into a canonical inbound message.
// It is shared by the IMAP and POP3 adapters.
type EnvelopeParser struct {
	decoder         *mime.WordDecoder
	bodyLimit       int64
	attachmentLimit int64
	now             func() time.Time
}

// EnvelopeOption customizes an EnvelopeParser.
type EnvelopeOption func(*EnvelopeParser)

// WithBodyLimit constrains how much body text is retained.
func WithBodyLimit(limit int64) EnvelopeOption {
	return func(p *EnvelopeParser) {
		if limit > 0 {
			p.bodyLimit = limit
		}
	}
}

// WithAttachmentLimit constrains attachment bytes buffered in memory.
func WithAttachmentLimit(limit int64) EnvelopeOption {
	return func(p *EnvelopeParser) {
		if limit > 0 {
			p.attachmentLimit = limit
		}
	}
}

// WithEnvelopeClock overrides the wall clock, primarily for tests.
func WithEnvelopeClock(now func() time.Time) EnvelopeOption {
	return func(p *EnvelopeParser) {
		if now != nil {
			p.now = now
		}
	}
}

// NewEnvelopeParser returns a parser with production limits.
func NewEnvelopeParser(opts ...EnvelopeOption) *EnvelopeParser {
	p := &EnvelopeParser{
		decoder:         &mime.WordDecoder{},
		bodyLimit:       defaultBodyLimit,
		attachmentLimit: defaultAttachmentLimit,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Parse extracts the canonical message from raw RFC822 bytes. Structured
// MIME parsing is attempted first; a plain net/mail pass backstops messages
// go-message rejects.
func (p *EnvelopeParser) Parse(raw []byte, receivedAt time.Time) (*InboundMessage, error) {
	if len(raw) == 0 {
		return nil, Malformed("envelope parse", errors.New("empty message"))
	}
	if receivedAt.IsZero() {
		receivedAt = p.now()
	}
	msg := &InboundMessage{ReceivedAt: receivedAt}

	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return p.legacyParse(raw, msg)
	}

	msg.Subject = p.subjectFromHeader(&reader.Header)
	msg.Sender = p.senderFromHeader(&reader.Header)
	msg.ProviderMessageID = CleanMessageID(reader.Header.Get("Message-Id"))
	msg.InReplyTo = firstMessageID(reader.Header.Get("In-Reply-To"))
	referenceValues := reader.Header.Values("References")
	if inReply := reader.Header.Get("In-Reply-To"); inReply != "" {
		referenceValues = append(referenceValues, inReply)
	}
	msg.References = uniqueMessageIDs(referenceValues...)
	msg.Importance = strings.ToLower(strings.TrimSpace(reader.Header.Get("Importance")))
	msg.Headers = headerMap(&reader.Header)

	p.readBodyParts(reader, msg)

	if msg.TextBody == "" && msg.HTMLBody == "" {
		// Single-part messages that go-message treats as opaque still have
		// a readable body through the legacy path.
		legacy := &InboundMessage{ReceivedAt: receivedAt}
		if _, err := p.legacyParse(raw, legacy); err == nil {
			msg.TextBody = legacy.TextBody
			msg.HTMLBody = legacy.HTMLBody
		}
	}
	if msg.Sender.IsZero() {
		return nil, Malformed("envelope parse", errors.New("missing sender address"))
	}
	return msg, nil
}

func (p *EnvelopeParser) legacyParse(raw []byte, msg *InboundMessage) (*InboundMessage, error) {
	reader, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, Malformed("envelope parse", fmt.Errorf("unparseable message: %w", err))
	}
	msg.Subject = p.decodeHeader(reader.Header.Get("Subject"))
	msg.Sender = p.parseSender(reader.Header.Get("From"))
	msg.ProviderMessageID = CleanMessageID(reader.Header.Get("Message-Id"))
	msg.InReplyTo = firstMessageID(reader.Header.Get("In-Reply-To"))
	msg.References = uniqueMessageIDs(reader.Header.Get("References"), reader.Header.Get("In-Reply-To"))
	msg.Importance = strings.ToLower(strings.TrimSpace(reader.Header.Get("Importance")))
	if msg.Headers == nil {
		msg.Headers = map[string][]string{}
		for key, values := range reader.Header {
			msg.Headers[key] = append([]string(nil), values...)
		}
	}
	body, readErr := io.ReadAll(io.LimitReader(reader.Body, p.bodyLimit))
	if readErr == nil {
		mediaType, _ := parseContentType(reader.Header.Get("Content-Type"))
		if strings.HasPrefix(mediaType, "text/html") {
			msg.HTMLBody = string(body)
		} else {
			msg.TextBody = string(body)
		}
	}
	if msg.Sender.IsZero() {
		return nil, Malformed("envelope parse", errors.New("missing sender address"))
	}
	return msg, nil
}

func (p *EnvelopeParser) readBodyParts(reader *gomail.Reader, msg *InboundMessage) {
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			return
		}
		switch header := part.Header.(type) {
		case *gomail.InlineHeader:
			p.collectInlinePart(part, header, msg)
		case *gomail.AttachmentHeader:
			if att := p.collectAttachment(part, header, false); att != nil {
				msg.Attachments = append(msg.Attachments, *att)
			}
		}
	}
}

func (p *EnvelopeParser) collectInlinePart(part *gomail.Part, header *gomail.InlineHeader, msg *InboundMessage) {
	mediaType, _, err := header.ContentType()
	if err != nil {
		mediaType, _ = parseContentType(header.Get("Content-Type"))
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	// Inline parts with a content id are embedded images, not body text.
	if cid := CleanMessageID(header.Get("Content-Id")); cid != "" && !strings.HasPrefix(mediaType, "text/") {
		if att := p.collectAttachment(part, nil, true); att != nil {
			att.ContentID = cid
			att.ContentType = mediaType
			msg.Attachments = append(msg.Attachments, *att)
		}
		return
	}

	data, err := io.ReadAll(io.LimitReader(part.Body, p.bodyLimit))
	if err != nil || len(data) == 0 {
		return
	}
	body := string(data)
	switch {
	case strings.HasPrefix(mediaType, "text/html"):
		if msg.HTMLBody == "" {
			msg.HTMLBody = body
		}
	default:
		if msg.TextBody == "" {
			msg.TextBody = body
		}
	}
}

func (p *EnvelopeParser) collectAttachment(part *gomail.Part, header *gomail.AttachmentHeader, inline bool) *AttachmentDescriptor {
	filename := ""
	contentType := ""
	contentID := ""
	if header != nil {
		if name, err := header.Filename(); err == nil {
			filename = strings.TrimSpace(name)
		}
		if mediaType, _, err := header.ContentType(); err == nil {
			contentType = strings.ToLower(strings.TrimSpace(mediaType))
		}
		contentID = CleanMessageID(header.Get("Content-Id"))
	}
	if filename == "" {
		filename = fmt.Sprintf("attachment-%d.bin", p.now().UnixNano())
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	data, err := io.ReadAll(io.LimitReader(part.Body, p.attachmentLimit))
	if err != nil || len(data) == 0 {
		return nil
	}
	return &AttachmentDescriptor{
		FileName:    filename,
		ContentType: contentType,
		Size:        int64(len(data)),
		Content:     data,
		ContentID:   contentID,
		Inline:      inline || contentID != "",
	}
}

func (p *EnvelopeParser) subjectFromHeader(header *gomail.Header) string {
	if subject, err := header.Subject(); err == nil {
		return subject
	}
	return p.decodeHeader(header.Get("Subject"))
}

func (p *EnvelopeParser) senderFromHeader(header *gomail.Header) SenderIdentity {
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		return SenderIdentity{
			Email:       strings.TrimSpace(list[0].Address),
			DisplayName: strings.TrimSpace(list[0].Name),
		}
	}
	return p.parseSender(header.Get("From"))
}

func (p *EnvelopeParser) parseSender(value string) SenderIdentity {
	value = p.decodeHeader(value)
	if value == "" {
		return SenderIdentity{}
	}
	if addrs, err := stdmail.ParseAddressList(value); err == nil && len(addrs) > 0 {
		return SenderIdentity{Email: strings.TrimSpace(addrs[0].Address), DisplayName: strings.TrimSpace(addrs[0].Name)}
	}
	if addr, err := stdmail.ParseAddress(value); err == nil {
		return SenderIdentity{Email: strings.TrimSpace(addr.Address), DisplayName: strings.TrimSpace(addr.Name)}
	}
	return SenderIdentity{Email: strings.TrimSpace(value)}
}

func (p *EnvelopeParser) decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	decoded, err := p.decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func headerMap(header *gomail.Header) map[string][]string {
	out := map[string][]string{}
	fields := header.Fields()
	for fields.Next() {
		key := fields.Key()
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		out[key] = append(out[key], value)
	}
	return out
}

func parseContentType(value string) (string, string) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return "", ""
	}
	mediaType := raw
	charset := ""
	if parsed, params, err := mime.ParseMediaType(raw); err == nil {
		mediaType = parsed
		charset = strings.TrimSpace(params["charset"])
	}
	return strings.ToLower(mediaType), strings.ToLower(charset)
}

var messageIDPattern = regexp.MustCompile(`<([^<>]+)>`)

// CleanMessageID strips angle brackets, quotes, and surrounding space from a
// message-id. Providers inconsistently include the brackets; comparisons all
// happen on the cleaned form.
func CleanMessageID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.Trim(value, "<>")
	value = strings.Trim(value, "\"")
	return strings.TrimSpace(value)
}

// SplitReferences splits a References header value into cleaned message-ids,
// preserving order and dropping duplicates.
func SplitReferences(raw string) []string {
	return uniqueMessageIDs(raw)
}

func firstMessageID(raw string) string {
	ids := parseMessageIDs(raw)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func uniqueMessageIDs(values ...string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, raw := range values {
		for _, candidate := range parseMessageIDs(raw) {
			if _, ok := seen[candidate]; ok {
				continue
			}
			seen[candidate] = struct{}{}
			ids = append(ids, candidate)
		}
	}
	return ids
}

func parseMessageIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	matches := messageIDPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		if id := CleanMessageID(raw); id != "" {
			return []string{id}
		}
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		if id := CleanMessageID(match[1]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
