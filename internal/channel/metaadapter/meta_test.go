package metaadapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/models"
)

func messengerChannel() models.Channel {
	return models.Channel{
		ID:             20,
		OrganizationID: 1,
		Kind:           models.ChannelKindMessaging,
		Provider:       models.ProviderMessenger,
		Meta:           &models.MetaConfig{PageID: "page-1"},
	}
}

func newNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := New(models.ProviderMessenger, WithClock(func() time.Time {
		return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestNormalizeMessagePayload(t *testing.T) {
	n := newNormalizer(t)

	payload := `{
		"object": "page",
		"entry": [{
			"id": "page-1",
			"time": 1767225600000,
			"messaging": [{
				"sender": {"id": "psid-9"},
				"recipient": {"id": "page-1"},
				"timestamp": 1767225600000,
				"message": {
					"mid": "mid.abc",
					"text": "hello",
					"attachments": [{"type": "image", "payload": {"url": "https://cdn.example/a.jpg"}}]
				}
			}]
		}]
	}`

	msgs, err := n.Normalize([]byte(payload), messengerChannel())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.ProviderMessageID != "mid.abc" {
		t.Errorf("ProviderMessageID = %q", msg.ProviderMessageID)
	}
	if msg.ConversationID != "page-1:psid-9" {
		t.Errorf("ConversationID = %q", msg.ConversationID)
	}
	if msg.ParticipantID != "psid-9" || msg.Sender.PlatformID != "psid-9" {
		t.Errorf("participant = %q sender = %+v", msg.ParticipantID, msg.Sender)
	}
	if msg.TextBody != "hello" {
		t.Errorf("TextBody = %q", msg.TextBody)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments = %d", len(msg.Attachments))
	}
	if msg.Attachments[0].ContentType != "image/jpeg" || msg.Attachments[0].Fetch == nil {
		t.Errorf("attachment = %+v", msg.Attachments[0])
	}
	if msg.ReceivedAt != time.UnixMilli(1767225600000).UTC() {
		t.Errorf("ReceivedAt = %v", msg.ReceivedAt)
	}
}

func TestNormalizeSkipsEchoAndNonMessageEvents(t *testing.T) {
	n := newNormalizer(t)

	payload := `{
		"object": "page",
		"entry": [{
			"id": "page-1",
			"messaging": [
				{"sender": {"id": "page-1"}, "message": {"mid": "mid.echo", "text": "our reply", "is_echo": true}},
				{"sender": {"id": "psid-9"}},
				{"sender": {"id": "psid-9"}, "message": {"mid": "mid.real", "text": "kept"}}
			]
		}]
	}`

	msgs, err := n.Normalize([]byte(payload), messengerChannel())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ProviderMessageID != "mid.real" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestNormalizeRejectsSchemaViolations(t *testing.T) {
	n := newNormalizer(t)

	cases := []string{
		`not json`,
		`{"object": "page"}`,
		`{"object": "page", "entry": [{}]}`,
		`{"object": "page", "entry": [{"id": "p", "messaging": [{"message": {"mid": "m"}}]}]}`,
	}
	for _, payload := range cases {
		_, err := n.Normalize([]byte(payload), messengerChannel())
		if err == nil {
			t.Errorf("payload %q: expected error", payload)
			continue
		}
		if channel.KindOf(err) != channel.ErrorKindMalformed {
			t.Errorf("payload %q: kind = %s", payload, channel.KindOf(err))
		}
	}
}

func TestNormalizeSkipsEventMissingMID(t *testing.T) {
	n := newNormalizer(t)

	payload := `{"object": "page", "entry": [{"id": "p", "messaging": [
		{"sender": {"id": "s"}, "message": {"text": "no mid"}},
		{"sender": {"id": "s"}, "message": {"mid": "m2", "text": "still here"}}
	]}]}`

	msgs, err := n.Normalize([]byte(payload), messengerChannel())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ProviderMessageID != "m2" {
		t.Fatalf("msgs = %+v, want only m2", msgs)
	}
}

func TestNormalizeRejectsBadChannelConfig(t *testing.T) {
	n := newNormalizer(t)

	ch := messengerChannel()
	ch.Meta = nil
	if _, err := n.Normalize([]byte(`{"object":"page","entry":[]}`), ch); err == nil {
		t.Fatal("expected config error")
	}
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("app-secret")
	payload := []byte(`{"object":"page","entry":[]}`)

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	good := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if err := VerifySignature(payload, good, secret); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := VerifySignature(payload, "sha256=deadbeef", secret); err == nil {
		t.Error("bad signature accepted")
	} else if !channel.IsAuth(err) {
		t.Errorf("kind = %s, want auth", channel.KindOf(err))
	}
	if err := VerifySignature(payload, "", secret); err == nil {
		t.Error("missing signature accepted")
	}
	// Empty secret disables verification.
	if err := VerifySignature(payload, "", nil); err != nil {
		t.Errorf("empty secret should disable verification: %v", err)
	}
}
