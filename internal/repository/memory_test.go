package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskhub-io/deskhub/internal/models"
)

func strptr(s string) *string { return &s }

func TestMemoryContactRepositoryUniqueness(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryContactRepository()

	first := &models.Contact{OrganizationID: 1, Email: strptr("a@b.c"), FirstName: "A"}
	require.NoError(t, repo.Create(ctx, first))
	require.NotZero(t, first.ID)

	dup := &models.Contact{OrganizationID: 1, Email: strptr("A@B.C")}
	err := repo.Create(ctx, dup)
	assert.True(t, errors.Is(err, models.ErrDuplicate), "case-insensitive email duplicate, got %v", err)

	// Same email in another organization is a different contact.
	other := &models.Contact{OrganizationID: 2, Email: strptr("a@b.c")}
	require.NoError(t, repo.Create(ctx, other))

	found, err := repo.FindByEmail(ctx, 1, "A@b.C")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = repo.FindByPlatformID(ctx, 1, "nope")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestMemoryTicketRepositoryNumbersPerOrganization(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTicketRepository()

	for org := uint(1); org <= 2; org++ {
		for want := uint64(1); want <= 3; want++ {
			ticket := &models.Ticket{OrganizationID: org, Subject: "t", ContactID: 1, StatusID: 1, PriorityID: 1}
			require.NoError(t, repo.Create(ctx, ticket))
			assert.Equal(t, want, ticket.Number, "org %d", org)
		}
	}

	found, err := repo.FindByNumber(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint(2), found.OrganizationID)
}

func TestMemoryTicketRepositoryReopen(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTicketRepository()

	now := time.Now()
	folder := uint(4)
	ticket := &models.Ticket{
		OrganizationID: 1, ContactID: 1, StatusID: 2, PriorityID: 1,
		FolderID: &folder, ResolvedAt: &now, ClosedAt: &now,
	}
	require.NoError(t, repo.Create(ctx, ticket))
	require.NoError(t, repo.Reopen(ctx, ticket.ID, 1))

	stored, err := repo.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(1), stored.StatusID)
	assert.Nil(t, stored.ResolvedAt)
	assert.Nil(t, stored.ClosedAt)
	assert.Nil(t, stored.FolderID)
}

func TestMemoryMessageRepositoryIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryMessageRepository()

	msg := &models.Message{OrganizationID: 1, TicketID: 1, Type: models.MessageTypeReply, EmailMessageID: strptr("m@x")}
	require.NoError(t, repo.Insert(ctx, msg))

	dup := &models.Message{OrganizationID: 1, TicketID: 2, Type: models.MessageTypeReply, EmailMessageID: strptr("m@x")}
	assert.True(t, errors.Is(repo.Insert(ctx, dup), models.ErrDuplicate))

	// Same id in another organization is allowed.
	foreign := &models.Message{OrganizationID: 2, TicketID: 9, Type: models.MessageTypeReply, EmailMessageID: strptr("m@x")}
	require.NoError(t, repo.Insert(ctx, foreign))

	ticketID, err := repo.FindTicketIDByEmailMessageID(ctx, 1, "m@x")
	require.NoError(t, err)
	assert.Equal(t, uint(1), ticketID)
}

func TestMemoryMessageRepositoryListOrdering(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryMessageRepository()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, offset := range []time.Duration{10 * time.Minute, 0, 5 * time.Minute} {
		msg := &models.Message{
			OrganizationID: 1, TicketID: 7, Type: models.MessageTypeReply,
			EmailMessageID: strptr(string(rune('a' + i))),
			CreateTime:     base.Add(offset),
		}
		require.NoError(t, repo.Insert(ctx, msg))
	}

	msgs, err := repo.ListByTicket(ctx, 7)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].CreateTime.Before(msgs[1].CreateTime))
	assert.True(t, msgs[1].CreateTime.Before(msgs[2].CreateTime))
}

func TestMemoryAttachmentRepositoryInlineFilter(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAttachmentRepository()

	require.NoError(t, repo.Insert(ctx, &models.Attachment{MessageID: 1, FileName: "a.png", Inline: true}))
	require.NoError(t, repo.Insert(ctx, &models.Attachment{MessageID: 1, FileName: "b.txt"}))
	require.NoError(t, repo.Insert(ctx, &models.Attachment{MessageID: 2, FileName: "c.txt"}))

	all, err := repo.ListByMessage(ctx, 1, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	inline := true
	only, err := repo.ListByMessage(ctx, 1, &inline)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "a.png", only[0].FileName)

	require.NoError(t, repo.DeleteByMessage(ctx, 1))
	all, err = repo.ListByMessage(ctx, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}
