package graphadapter

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/models"
)

func graphChannel(baseURL string) models.Channel {
	return models.Channel{
		ID:       4,
		Kind:     models.ChannelKindEmail,
		Provider: models.ProviderGraph,
		Address:  "support@acme.test",
		Graph: &models.GraphConfig{
			Mailbox:     "support@acme.test",
			AccessToken: []byte("token-1"),
			BaseURL:     baseURL,
		},
	}
}

type recordingHandler struct {
	messages []*channel.InboundMessage
}

func (h *recordingHandler) Handle(_ context.Context, msg *channel.InboundMessage, _ models.Channel) error {
	h.messages = append(h.messages, msg)
	return nil
}

func TestFetchListsAndNormalizes(t *testing.T) {
	attachment := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	mux := http.NewServeMux()
	mux.HandleFunc("/users/support@acme.test/mailFolders/inbox/messages", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[{
			"id":"AAMk1",
			"conversationId":"conv-1",
			"internetMessageId":"<graph-1@example.com>",
			"subject":"outage report",
			"importance":"high",
			"receivedDateTime":"2025-04-01T10:00:00Z",
			"hasAttachments":true,
			"body":{"contentType":"html","content":"<p>everything is down</p>"},
			"bodyPreview":"everything is down",
			"from":{"emailAddress":{"name":"Dana","address":"dana@example.com"}},
			"internetMessageHeaders":[
				{"name":"In-Reply-To","value":"<root@example.com>"},
				{"name":"References","value":"<root@example.com> <mid@example.com>"}
			]
		}]}`)
	})
	mux.HandleFunc("/users/support@acme.test/messages/AAMk1/attachments", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"value":[
			{"@odata.type":"#microsoft.graph.fileAttachment","name":"shot.png","contentType":"image/png","contentId":"<cid-1>","isInline":true,"contentBytes":%q},
			{"@odata.type":"#microsoft.graph.itemAttachment","name":"forwarded"}
		]}`, attachment)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := &recordingHandler{}
	f := New()
	result, err := f.Fetch(context.Background(), graphChannel(srv.URL), h)
	require.NoError(t, err)
	require.Equal(t, 1, result.Fetched)
	require.Equal(t, 1, result.Handled)
	require.Len(t, h.messages, 1)

	msg := h.messages[0]
	require.Equal(t, "graph-1@example.com", msg.ProviderMessageID)
	require.Equal(t, "conv-1", msg.ConversationID)
	require.Equal(t, "dana@example.com", msg.Sender.Email)
	require.Equal(t, "Dana", msg.Sender.DisplayName)
	require.Equal(t, "outage report", msg.Subject)
	require.Equal(t, "high", msg.Importance)
	require.Equal(t, "<p>everything is down</p>", msg.HTMLBody)
	require.Equal(t, "root@example.com", msg.InReplyTo)
	require.Equal(t, []string{"root@example.com", "mid@example.com"}, msg.References)
	require.Equal(t, time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC), msg.ReceivedAt)

	// Item attachments carry no bytes; only the file attachment survives.
	require.Len(t, msg.Attachments, 1)
	require.Equal(t, "shot.png", msg.Attachments[0].FileName)
	require.Equal(t, "cid-1", msg.Attachments[0].ContentID)
	require.True(t, msg.Attachments[0].Inline)
	require.Equal(t, []byte("png-bytes"), msg.Attachments[0].Content)
}

func TestFetchSendsSyncCursorFilter(t *testing.T) {
	var gotFilter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFilter = r.URL.Query().Get("$filter")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[]}`)
	}))
	defer srv.Close()

	ch := graphChannel(srv.URL)
	since := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	ch.LastSyncAt = &since

	_, err := New().Fetch(context.Background(), ch, &recordingHandler{})
	require.NoError(t, err)
	require.Equal(t, "receivedDateTime gt 2025-05-01T00:00:00Z", gotFilter)
}

func TestFetchSkipsSenderlessMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[{"id":"AAMk2","subject":"ghost"}]}`)
	}))
	defer srv.Close()

	h := &recordingHandler{}
	result, err := New().Fetch(context.Background(), graphChannel(srv.URL), h)
	require.NoError(t, err)
	require.Equal(t, 1, result.Fetched)
	require.Zero(t, result.Handled)
	require.Len(t, result.Skipped, 1)
	require.Equal(t, "AAMk2", result.Skipped[0].ProviderMessageID)
}

func TestFetchUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New().Fetch(context.Background(), graphChannel(srv.URL), &recordingHandler{})
	require.Error(t, err)
	require.True(t, channel.IsAuth(err))
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New().Fetch(context.Background(), graphChannel(srv.URL), &recordingHandler{})
	require.Error(t, err)
	require.Equal(t, channel.ErrorKindTransient, channel.KindOf(err))
}

func TestFetchMissingToken(t *testing.T) {
	ch := graphChannel("http://unused")
	ch.Graph.AccessToken = nil

	_, err := New().Fetch(context.Background(), ch, &recordingHandler{})
	require.Error(t, err)
	require.True(t, channel.IsAuth(err))
}

func TestFetchRequiresHandler(t *testing.T) {
	if _, err := New().Fetch(context.Background(), graphChannel("http://unused"), nil); err == nil {
		t.Fatalf("expected handler required error")
	}
}

func TestNormalizeFallsBackToGraphID(t *testing.T) {
	f := New()
	gm := graphMessage{ID: "AAMk3"}
	gm.From.EmailAddress.Address = "erin@example.com"
	msg, err := f.normalize(gm)
	require.NoError(t, err)
	require.Equal(t, "AAMk3", msg.ProviderMessageID)
	require.NotZero(t, msg.ReceivedAt)
}

func TestNormalizeRejectsMissingSender(t *testing.T) {
	_, err := New().normalize(graphMessage{ID: "AAMk4"})
	require.Error(t, err)
	require.Equal(t, channel.ErrorKindMalformed, channel.KindOf(err))
}
