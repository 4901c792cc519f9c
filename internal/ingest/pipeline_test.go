package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deskhub-io/deskhub/internal/activity"
	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/contact"
	"github.com/deskhub-io/deskhub/internal/models"
	"github.com/deskhub-io/deskhub/internal/repository"
	"github.com/deskhub-io/deskhub/internal/sanitize"
	"github.com/deskhub-io/deskhub/internal/settings"
	"github.com/deskhub-io/deskhub/internal/thread"
)

const (
	statusOpen   = uint(1)
	statusClosed = uint(2)
	priorityNorm = uint(1)
	priorityUrg  = uint(5)
)

type fakeStatusStore struct{}

func (fakeStatusStore) GetStatus(_ context.Context, id uint) (*models.Status, error) {
	switch id {
	case statusOpen:
		return &models.Status{ID: statusOpen, OrganizationID: 1, Name: "Open", Kind: models.StatusKindOpen, IsDefault: true}, nil
	case statusClosed:
		return &models.Status{ID: statusClosed, OrganizationID: 1, Name: "Closed", Kind: models.StatusKindClosed}, nil
	}
	return nil, models.ErrNotFound
}

func (fakeStatusStore) GetDefaultStatus(_ context.Context, _ uint, kind models.StatusKind) (*models.Status, error) {
	if kind == models.StatusKindOpen {
		return &models.Status{ID: statusOpen, Kind: models.StatusKindOpen}, nil
	}
	return nil, models.ErrNotFound
}

type fakeBlobStore struct {
	stored  map[string][]byte
	deleted []string
	seq     int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{stored: make(map[string][]byte)}
}

func (b *fakeBlobStore) Store(_ context.Context, orgID uint, fileName string, content []byte) (string, error) {
	b.seq++
	path := fmt.Sprintf("%d/blob-%d%s", orgID, b.seq, filepath.Ext(fileName))
	b.stored[path] = content
	return path, nil
}

func (b *fakeBlobStore) Delete(_ context.Context, path string) error {
	delete(b.stored, path)
	b.deleted = append(b.deleted, path)
	return nil
}

type recordingNotifier struct {
	events []activity.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev activity.Event) {
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) kinds() []activity.Kind {
	var out []activity.Kind
	for _, ev := range n.events {
		out = append(out, ev.Kind)
	}
	return out
}

type testEnv struct {
	pipeline    *Pipeline
	contacts    *repository.MemoryContactRepository
	tickets     *repository.MemoryTicketRepository
	messages    *repository.MemoryMessageRepository
	attachments *repository.MemoryAttachmentRepository
	blobs       *fakeBlobStore
	notifier    *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	contacts := repository.NewMemoryContactRepository()
	tickets := repository.NewMemoryTicketRepository()
	messages := repository.NewMemoryMessageRepository()
	attachments := repository.NewMemoryAttachmentRepository()
	blobs := newFakeBlobStore()
	notifier := &recordingNotifier{}

	defaults := settings.StaticProvider{
		1: {
			OrganizationID:     1,
			DefaultStatusID:    statusOpen,
			DefaultPriorityID:  priorityNorm,
			TicketNumberPrefix: "DH",
			UrgentKeywords:     []string{"urgent", "outage"},
			UrgentPriorityID:   priorityUrg,
		},
	}

	p := NewPipeline(Stores{
		Contacts:    contact.NewResolver(contacts),
		Threads:     thread.NewResolver(tickets, tickets, messages),
		Tickets:     tickets,
		Messages:    messages,
		Attachments: attachments,
		Statuses:    fakeStatusStore{},
		Blobs:       blobs,
		Settings:    defaults,
	},
		sanitize.New(sanitize.WithAppHost("desk.example.com")),
		WithNotifier(notifier),
	)
	return &testEnv{
		pipeline:    p,
		contacts:    contacts,
		tickets:     tickets,
		messages:    messages,
		attachments: attachments,
		blobs:       blobs,
		notifier:    notifier,
	}
}

func testChannel() models.Channel {
	return models.Channel{
		ID:             10,
		OrganizationID: 1,
		Kind:           models.ChannelKindEmail,
		Provider:       models.ProviderIMAP,
		Address:        "support@acme.example",
		IsActive:       true,
	}
}

func inbound(id string) *channel.InboundMessage {
	return &channel.InboundMessage{
		ProviderMessageID: id,
		Sender:            channel.SenderIdentity{Email: "jane@customer.example", DisplayName: "Jane Doe"},
		Subject:           "Printer trouble",
		TextBody:          "It will not print.",
		ReceivedAt:        time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestIngestNewContactNewTicket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ticket, err := env.pipeline.Ingest(ctx, inbound("m1@x.com"), testChannel())
	require.NoError(t, err)
	require.NotNil(t, ticket)
	require.Equal(t, uint64(1), ticket.Number)
	require.Equal(t, statusOpen, ticket.StatusID)
	require.Equal(t, priorityNorm, ticket.PriorityID)
	require.NotNil(t, ticket.EmailChannelID)

	c, err := env.contacts.FindByEmail(ctx, 1, "jane@customer.example")
	require.NoError(t, err)
	require.Equal(t, "Jane", c.FirstName)
	require.Equal(t, c.ID, ticket.ContactID)

	msgs, err := env.messages.ListByTicket(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsFromContact)
	require.NotNil(t, msgs[0].EmailMessageID)
	require.Equal(t, "m1@x.com", *msgs[0].EmailMessageID)

	require.Equal(t, []activity.Kind{activity.KindTicketCreated, activity.KindMessageAdded}, env.notifier.kinds())
}

func TestIngestIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.pipeline.Ingest(ctx, inbound("dup@x.com"), testChannel())
	require.NoError(t, err)
	second, err := env.pipeline.Ingest(ctx, inbound("dup@x.com"), testChannel())
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	msgs, err := env.messages.ListByTicket(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "duplicate delivery must not add a row")
	// Side effects are not re-applied.
	require.Equal(t, []activity.Kind{activity.KindTicketCreated, activity.KindMessageAdded}, env.notifier.kinds())
}

func TestIngestReplyThreadsIntoExistingTicket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.pipeline.Ingest(ctx, inbound("root@x.com"), testChannel())
	require.NoError(t, err)

	reply := inbound("reply@x.com")
	reply.Subject = "Re: Printer trouble"
	reply.InReplyTo = "<root@x.com>"
	second, err := env.pipeline.Ingest(ctx, reply, testChannel())
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "reply must land on the same ticket")
	msgs, err := env.messages.ListByTicket(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestIngestReopensClosedTicket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ticket, err := env.pipeline.Ingest(ctx, inbound("case@x.com"), testChannel())
	require.NoError(t, err)

	require.NoError(t, env.tickets.SetStatus(ctx, ticket.ID, statusClosed))

	reply := inbound("case-reply@x.com")
	reply.InReplyTo = "<case@x.com>"
	reopened, err := env.pipeline.Ingest(ctx, reply, testChannel())
	require.NoError(t, err)

	require.Equal(t, ticket.ID, reopened.ID)
	require.Equal(t, statusOpen, reopened.StatusID)
	require.Nil(t, reopened.ResolvedAt)
	require.Nil(t, reopened.FolderID)

	stored, err := env.tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	require.Equal(t, statusOpen, stored.StatusID)
	require.Contains(t, env.notifier.kinds(), activity.KindTicketReopened)
}

func TestIngestLeavesOpenTicketAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ticket, err := env.pipeline.Ingest(ctx, inbound("open@x.com"), testChannel())
	require.NoError(t, err)

	reply := inbound("open-reply@x.com")
	reply.InReplyTo = "<open@x.com>"
	_, err = env.pipeline.Ingest(ctx, reply, testChannel())
	require.NoError(t, err)

	stored, err := env.tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	require.Equal(t, statusOpen, stored.StatusID)
	require.NotContains(t, env.notifier.kinds(), activity.KindTicketReopened)
}

func TestIngestReplyReturnsFiledTicketToInbox(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ticket, err := env.pipeline.Ingest(ctx, inbound("filed@x.com"), testChannel())
	require.NoError(t, err)
	require.NoError(t, env.tickets.SetFolder(ctx, ticket.ID, 8))

	reply := inbound("filed-reply@x.com")
	reply.InReplyTo = "<filed@x.com>"
	_, err = env.pipeline.Ingest(ctx, reply, testChannel())
	require.NoError(t, err)

	stored, err := env.tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	// Still open, but back in the inbox.
	require.Equal(t, statusOpen, stored.StatusID)
	require.Nil(t, stored.FolderID)
	require.NotContains(t, env.notifier.kinds(), activity.KindTicketReopened)
}

// racingMessageStore misses a configurable number of dedup lookups,
// standing in for a concurrent delivery that inserts between the lookup
// and our own insert.
type racingMessageStore struct {
	*repository.MemoryMessageRepository
	misses int
}

func (s *racingMessageStore) FindByProviderID(ctx context.Context, orgID uint, emailMessageID, messagingProviderID string) (*models.Message, error) {
	if s.misses > 0 {
		s.misses--
		return nil, models.ErrNotFound
	}
	return s.MemoryMessageRepository.FindByProviderID(ctx, orgID, emailMessageID, messagingProviderID)
}

func TestIngestRaceLoserSkipsLifecycleEffects(t *testing.T) {
	contacts := repository.NewMemoryContactRepository()
	tickets := repository.NewMemoryTicketRepository()
	messages := repository.NewMemoryMessageRepository()
	racing := &racingMessageStore{MemoryMessageRepository: messages}
	notifier := &recordingNotifier{}

	defaults := settings.StaticProvider{
		1: {
			OrganizationID:    1,
			DefaultStatusID:   statusOpen,
			DefaultPriorityID: priorityNorm,
		},
	}
	p := NewPipeline(Stores{
		Contacts:    contact.NewResolver(contacts),
		Threads:     thread.NewResolver(tickets, tickets, messages),
		Tickets:     tickets,
		Messages:    racing,
		Attachments: repository.NewMemoryAttachmentRepository(),
		Statuses:    fakeStatusStore{},
		Settings:    defaults,
	},
		sanitize.New(sanitize.WithAppHost("desk.example.com")),
		WithNotifier(notifier),
	)
	ctx := context.Background()

	ticket, err := p.Ingest(ctx, inbound("case@x.com"), testChannel())
	require.NoError(t, err)
	require.NoError(t, tickets.SetStatus(ctx, ticket.ID, statusClosed))

	// The winner's reply row is already down; its own delivery will apply
	// the reopen.
	mid := "case-reply@x.com"
	require.NoError(t, messages.Insert(ctx, &models.Message{
		OrganizationID: 1,
		TicketID:       ticket.ID,
		Type:           models.MessageTypeReply,
		IsFromContact:  true,
		Body:           "reopening reply",
		EmailMessageID: &mid,
	}))

	racing.misses = 1
	reply := inbound("case-reply@x.com")
	reply.InReplyTo = "<case@x.com>"
	got, err := p.Ingest(ctx, reply, testChannel())
	require.NoError(t, err)
	require.Equal(t, ticket.ID, got.ID)

	stored, err := tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	require.Equal(t, statusClosed, stored.StatusID, "losing delivery must not apply the reopen")
	require.NotContains(t, notifier.kinds(), activity.KindTicketReopened)

	msgs, err := messages.ListByTicket(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestIngestUrgencyAppliesOnCreationOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	urgent := inbound("urg@x.com")
	urgent.Subject = "URGENT: total outage"
	ticket, err := env.pipeline.Ingest(ctx, urgent, testChannel())
	require.NoError(t, err)
	require.Equal(t, priorityUrg, ticket.PriorityID)

	calm, err := env.pipeline.Ingest(ctx, inbound("calm@x.com"), testChannel())
	require.NoError(t, err)
	require.Equal(t, priorityNorm, calm.PriorityID)

	// A later urgent-sounding reply must not re-triage an existing ticket.
	reply := inbound("calm-reply@x.com")
	reply.Subject = "now it is urgent!!"
	reply.InReplyTo = "<calm@x.com>"
	_, err = env.pipeline.Ingest(ctx, reply, testChannel())
	require.NoError(t, err)
	stored, err := env.tickets.GetByID(ctx, calm.ID)
	require.NoError(t, err)
	require.Equal(t, priorityNorm, stored.PriorityID)
}

func TestIngestImportanceHintRaisesPriority(t *testing.T) {
	env := newTestEnv(t)

	msg := inbound("imp@x.com")
	msg.Importance = "high"
	ticket, err := env.pipeline.Ingest(context.Background(), msg, testChannel())
	require.NoError(t, err)
	require.Equal(t, priorityUrg, ticket.PriorityID)
}

func TestIngestAttachments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg := inbound("att@x.com")
	msg.HTMLBody = `<p>see <img src="cid:img1" alt="screenshot"></p>`
	msg.Attachments = []channel.AttachmentDescriptor{
		{FileName: "shot.png", ContentType: "image/png", Content: []byte("png-bytes"), ContentID: "img1", Inline: true},
		{FileName: "log.txt", ContentType: "text/plain", Fetch: func(context.Context) ([]byte, error) {
			return []byte("log-bytes"), nil
		}},
	}

	ticket, err := env.pipeline.Ingest(ctx, msg, testChannel())
	require.NoError(t, err)

	msgs, err := env.messages.ListByTicket(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	inline := true
	inlineAtts, err := env.attachments.ListByMessage(ctx, msgs[0].ID, &inline)
	require.NoError(t, err)
	require.Len(t, inlineAtts, 1)
	require.NotNil(t, inlineAtts[0].ContentID)
	require.Equal(t, "img1", *inlineAtts[0].ContentID)

	regular := false
	regularAtts, err := env.attachments.ListByMessage(ctx, msgs[0].ID, &regular)
	require.NoError(t, err)
	require.Len(t, regularAtts, 1)
	require.Equal(t, "log.txt", regularAtts[0].FileName)
	require.Equal(t, int64(len("log-bytes")), regularAtts[0].Size)

	// The inline reference is rewritten to the stored blob and survives
	// sanitization.
	require.NotNil(t, msgs[0].HTMLBody)
	require.Contains(t, *msgs[0].HTMLBody, "/storage/"+inlineAtts[0].StoragePath)
	require.NotContains(t, *msgs[0].HTMLBody, "cid:")
	require.Len(t, env.blobs.stored, 2)
}

func TestIngestSanitizesHTMLBody(t *testing.T) {
	env := newTestEnv(t)

	msg := inbound("html@x.com")
	msg.HTMLBody = `<script>alert(1)</script><strong>kept</strong>`
	ticket, err := env.pipeline.Ingest(context.Background(), msg, testChannel())
	require.NoError(t, err)

	msgs, err := env.messages.ListByTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, msgs[0].HTMLBody)
	require.NotContains(t, *msgs[0].HTMLBody, "script")
	require.Contains(t, *msgs[0].HTMLBody, "<strong>kept</strong>")
	require.Equal(t, "It will not print.", msgs[0].Body, "plain text stored as-is")
}

func TestIngestRejectsMalformed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	noID := inbound("")
	_, err := env.pipeline.Ingest(ctx, noID, testChannel())
	require.Error(t, err)
	require.Equal(t, channel.ErrorKindMalformed, channel.KindOf(err))

	noSender := inbound("x@x.com")
	noSender.Sender = channel.SenderIdentity{}
	_, err = env.pipeline.Ingest(ctx, noSender, testChannel())
	require.Error(t, err)
	require.Equal(t, channel.ErrorKindMalformed, channel.KindOf(err))
}

func TestIngestMessagingChannelLinkage(t *testing.T) {
	env := newTestEnv(t)

	ch := models.Channel{
		ID:             20,
		OrganizationID: 1,
		Kind:           models.ChannelKindMessaging,
		Provider:       models.ProviderMessenger,
		IsActive:       true,
	}
	msg := &channel.InboundMessage{
		ProviderMessageID: "mid.12345",
		ConversationID:    "page:psid-1",
		ParticipantID:     "psid-1",
		Sender:            channel.SenderIdentity{PlatformID: "psid-1", DisplayName: "Max"},
		TextBody:          "hello there",
	}

	ticket, err := env.pipeline.Ingest(context.Background(), msg, ch)
	require.NoError(t, err)
	require.NotNil(t, ticket.MessagingChannelID)
	require.NotNil(t, ticket.MessagingConversationID)
	require.Equal(t, "page:psid-1", *ticket.MessagingConversationID)
	require.Equal(t, "hello there", ticket.Subject, "subject falls back to the first line")

	followUp := &channel.InboundMessage{
		ProviderMessageID: "mid.67890",
		ConversationID:    "page:psid-1",
		ParticipantID:     "psid-1",
		Sender:            channel.SenderIdentity{PlatformID: "psid-1"},
		TextBody:          "still there?",
	}
	second, err := env.pipeline.Ingest(context.Background(), followUp, ch)
	require.NoError(t, err)
	require.Equal(t, ticket.ID, second.ID)
}

func TestIngestHandlerAdapter(t *testing.T) {
	env := newTestEnv(t)

	var h channel.Handler = env.pipeline
	err := h.Handle(context.Background(), inbound("handler@x.com"), testChannel())
	require.NoError(t, err)

	if !strings.Contains(fmt.Sprint(env.notifier.kinds()), string(activity.KindMessageAdded)) {
		t.Error("handler path did not ingest")
	}
}
