package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-relay.git/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenSeedsGroupConversation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening the same file must not duplicate or fail on the seed.
	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, GroupConversationID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRegisterUserIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.RegisterUser(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeUser, first.Type)
	assert.NotZero(t, first.ID)

	again, err := s.RegisterUser(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	other, err := s.RegisterUser(ctx, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestUserByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.RegisterUser(ctx, "ann")
	require.NoError(t, err)

	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "ann", got.Username)

	_, err = s.UserByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveMessageAndHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.RegisterUser(ctx, "ann")
	require.NoError(t, err)

	m1, err := s.SaveMessage(ctx, protocol.MessageSend{
		ConversationID: GroupConversationID, SenderID: u.ID,
		Text: "first", ClientMsgID: "opt-1",
	})
	require.NoError(t, err)
	assert.NotZero(t, m1.MessageID)
	assert.Equal(t, "opt-1", m1.ClientMsgID, "client id echoed in broadcast shape")
	assert.NotEmpty(t, m1.SentAt)

	m2, err := s.SaveMessage(ctx, protocol.MessageSend{
		ConversationID: GroupConversationID, SenderID: u.ID, Text: "second",
	})
	require.NoError(t, err)
	assert.Greater(t, m2.MessageID, m1.MessageID)

	hist, err := s.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "first", hist[0].MessageText)
	assert.Equal(t, "opt-1", hist[0].ClientMsgID)
	assert.Equal(t, "second", hist[1].MessageText)
	assert.Empty(t, hist[1].ClientMsgID)
}

func TestHistoryLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		_, err := s.SaveMessage(ctx, protocol.MessageSend{
			ConversationID: GroupConversationID, SenderID: 1, Text: text,
		})
		require.NoError(t, err)
	}

	hist, err := s.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	// Oldest first even when capped.
	assert.Equal(t, "a", hist[0].MessageText)
	assert.Equal(t, "b", hist[1].MessageText)
}

func TestCreateDirectConversationIdempotentPerPair(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, created, err := s.CreateDirectConversation(ctx, 2, 1)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, conv.IsDirectMessage)
	assert.Equal(t, []int64{1, 2}, conv.Participants, "pair normalized")

	// Same pair in either order resolves to the same conversation.
	again, created, err := s.CreateDirectConversation(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ConversationID, again.ConversationID)

	other, created, err := s.CreateDirectConversation(ctx, 1, 3)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, conv.ConversationID, other.ConversationID)
}
