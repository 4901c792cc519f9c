package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/channel/metaadapter"
	"github.com/deskhub-io/deskhub/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const webhookPayload = `{
	"object": "page",
	"entry": [{
		"id": "page-1",
		"messaging": [{
			"sender": {"id": "psid-9"},
			"recipient": {"id": "page-1"},
			"timestamp": 1767225600000,
			"message": {"mid": "mid.abc", "text": "hello"}
		}]
	}]
}`

type fakeLoader struct {
	channels map[uint]*models.Channel
}

func (l *fakeLoader) GetByID(_ context.Context, id uint) (*models.Channel, error) {
	ch, ok := l.channels[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return ch, nil
}

type recordingHandler struct {
	err      error
	messages []*channel.InboundMessage
}

func (h *recordingHandler) Handle(_ context.Context, msg *channel.InboundMessage, _ models.Channel) error {
	if h.err != nil {
		return h.err
	}
	h.messages = append(h.messages, msg)
	return nil
}

func messengerChannel() *models.Channel {
	return &models.Channel{
		ID:             20,
		OrganizationID: 1,
		Kind:           models.ChannelKindMessaging,
		Provider:       models.ProviderMessenger,
		IsActive:       true,
		Meta: &models.MetaConfig{
			PageID:      "page-1",
			AppSecret:   []byte("s3cret"),
			VerifyToken: "tok-1",
		},
	}
}

func sign(payload string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T, ch *models.Channel, h channel.Handler, opts ...Option) *gin.Engine {
	t.Helper()
	normalizer, err := metaadapter.New(models.ProviderMessenger)
	require.NoError(t, err)
	factory := channel.NewFactory(channel.WithNormalizer(normalizer, models.ProviderMessenger))
	loader := &fakeLoader{channels: map[uint]*models.Channel{}}
	if ch != nil {
		loader.channels[ch.ID] = ch
	}
	return NewServer(loader, factory, h, opts...).Router()
}

func TestHealthz(t *testing.T) {
	router := newTestServer(t, nil, &recordingHandler{})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "deskhub_test_total"})
	reg.MustRegister(counter)
	counter.Inc()

	router := newTestServer(t, nil, &recordingHandler{}, WithGatherer(reg))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "deskhub_test_total 1")
}

func TestVerifyHandshake(t *testing.T) {
	router := newTestServer(t, messengerChannel(), &recordingHandler{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/webhooks/meta/20?hub.verify_token=tok-1&hub.challenge=12345", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "12345", w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/webhooks/meta/20?hub.verify_token=wrong&hub.challenge=12345", nil))
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestReceiveWebhook(t *testing.T) {
	h := &recordingHandler{}
	router := newTestServer(t, messengerChannel(), h)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/meta/20", strings.NewReader(webhookPayload))
	req.Header.Set("X-Hub-Signature-256", sign(webhookPayload, []byte("s3cret")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"handled":1`)
	require.Len(t, h.messages, 1)
	require.Equal(t, "mid.abc", h.messages[0].ProviderMessageID)
	require.Equal(t, "page-1:psid-9", h.messages[0].ConversationID)
}

func TestReceiveKeepsBatchWhenEventLacksMID(t *testing.T) {
	h := &recordingHandler{}
	router := newTestServer(t, messengerChannel(), h)

	payload := `{
		"object": "page",
		"entry": [{
			"id": "page-1",
			"messaging": [
				{"sender": {"id": "psid-9"}, "message": {"text": "no mid"}},
				{"sender": {"id": "psid-9"}, "message": {"mid": "m2", "text": "kept"}}
			]
		}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/meta/20", strings.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", sign(payload, []byte("s3cret")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"handled":1`)
	require.Len(t, h.messages, 1)
	require.Equal(t, "m2", h.messages[0].ProviderMessageID)
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	h := &recordingHandler{}
	router := newTestServer(t, messengerChannel(), h)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/meta/20", strings.NewReader(webhookPayload))
	req.Header.Set("X-Hub-Signature-256", sign(webhookPayload, []byte("wrong-secret")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Empty(t, h.messages)
}

func TestReceiveAcknowledgesMalformedPayload(t *testing.T) {
	h := &recordingHandler{}
	router := newTestServer(t, messengerChannel(), h)

	// Garbage that verifies but does not normalize: 200 so the provider
	// stops redelivering it.
	payload := `{"object":"page"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/meta/20", strings.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", sign(payload, []byte("s3cret")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"ignored"`)
	require.Empty(t, h.messages)
}

func TestReceiveTransientIngestFailure(t *testing.T) {
	h := &recordingHandler{err: errors.New("db down")}
	router := newTestServer(t, messengerChannel(), h)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/meta/20", strings.NewReader(webhookPayload))
	req.Header.Set("X-Hub-Signature-256", sign(webhookPayload, []byte("s3cret")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestReceiveSkipsMalformedMessage(t *testing.T) {
	h := &recordingHandler{err: channel.Malformed("ingest", errors.New("no sender"))}
	router := newTestServer(t, messengerChannel(), h)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/meta/20", strings.NewReader(webhookPayload))
	req.Header.Set("X-Hub-Signature-256", sign(webhookPayload, []byte("s3cret")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"handled":0`)
}

func TestChannelRouting(t *testing.T) {
	inactive := messengerChannel()
	inactive.IsActive = false

	email := messengerChannel()
	email.Kind = models.ChannelKindEmail

	cases := []struct {
		name   string
		ch     *models.Channel
		target string
		status int
	}{
		{"unknown channel", nil, "/webhooks/meta/99", http.StatusNotFound},
		{"bad channel id", nil, "/webhooks/meta/abc", http.StatusBadRequest},
		{"inactive channel", inactive, "/webhooks/meta/20", http.StatusNotFound},
		{"email channel", email, "/webhooks/meta/20", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestServer(t, tc.ch, &recordingHandler{})
			req := httptest.NewRequest(http.MethodPost, tc.target, strings.NewReader(webhookPayload))
			req.Header.Set("X-Hub-Signature-256", sign(webhookPayload, []byte("s3cret")))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, tc.status, w.Code)
		})
	}
}
