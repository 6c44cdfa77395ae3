package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-relay.git/internal/protocol"
)

func TestConversationMessages_FiltersAndProjects(t *testing.T) {
	s := New()
	s.InsertMessage(&StoredMessage{
		ID: "opt-1", Kind: KindOutgoing, Type: protocol.TypeMessageSend,
		Timestamp: 100, Optimistic: true,
		Outbound: protocol.MessageSend{ConversationID: 1, SenderID: 9, Text: "mine"},
	})
	s.InsertMessage(&StoredMessage{
		ID: "in-1", Kind: KindIncoming, Type: protocol.TypeMessage,
		Timestamp: 110,
		Inbound:   protocol.Message{MessageID: 5, ConversationID: 1, SenderID: 2, Text: "theirs"},
	})
	// Different conversation, superseded entry, and a non-chat envelope all
	// stay out of the view.
	s.InsertMessage(&StoredMessage{
		ID: "in-2", Kind: KindIncoming, Type: protocol.TypeMessage,
		Inbound: protocol.Message{MessageID: 6, ConversationID: 2, SenderID: 2, Text: "elsewhere"},
	})
	s.InsertMessage(&StoredMessage{
		ID: "opt-2", Kind: KindOutgoing, Type: protocol.TypeMessageSend,
		Optimistic: true, Superseded: true,
		Outbound: protocol.MessageSend{ConversationID: 1, SenderID: 9, Text: "confirmed already"},
	})
	s.InsertMessage(&StoredMessage{
		ID: "sys", Kind: KindIncoming, Type: protocol.TypeSystem,
		Inbound: protocol.SystemNotice{Code: "user.joined", Text: "bob joined"},
	})

	msgs := s.ConversationMessages(1)
	require.Len(t, msgs, 2)
	assert.Equal(t, "mine", msgs[0].Text)
	assert.True(t, msgs[0].Optimistic)
	assert.Zero(t, msgs[0].MessageID)
	assert.Equal(t, "theirs", msgs[1].Text)
	assert.Equal(t, int64(5), msgs[1].MessageID)
}

func TestSortedConversations(t *testing.T) {
	s := New()
	s.EnsureGroupConversation()
	s.Conversations[10] = &Conversation{
		ID: 10, Kind: ConversationPrivate,
		LastMessage: &LastMessage{Text: "older", Timestamp: 100},
	}
	s.Conversations[11] = &Conversation{
		ID: 11, Kind: ConversationPrivate,
		LastMessage: &LastMessage{Text: "newer", Timestamp: 200},
	}
	s.Conversations[12] = &Conversation{ID: 12, Kind: ConversationPrivate}

	// Give the group recent activity; it still sorts first regardless.
	s.Conversations[GroupConversationID].LastMessage = &LastMessage{Timestamp: 50}

	sorted := s.SortedConversations()
	require.Len(t, sorted, 4)
	assert.Equal(t, GroupConversationID, sorted[0].ID)
	assert.Equal(t, int64(11), sorted[1].ID)
	assert.Equal(t, int64(10), sorted[2].ID)
	assert.Equal(t, int64(12), sorted[3].ID) // never any messages, sorts last
}

func TestSortedUsers(t *testing.T) {
	s := New()
	s.UpsertUser(protocol.User{ID: 2, Username: "zoe"})
	s.UpsertUser(protocol.User{ID: 3, Username: "ann"})

	users := s.SortedUsers()
	require.Len(t, users, 2)
	assert.Equal(t, "ann", users[0].Username)
	assert.Equal(t, "zoe", users[1].Username)
}

func TestLatestMessageSkipsSuperseded(t *testing.T) {
	s := New()
	assert.Nil(t, s.LatestMessage())

	s.InsertMessage(&StoredMessage{ID: "a", Kind: KindIncoming, Type: protocol.TypeSystem})
	s.InsertMessage(&StoredMessage{ID: "b", Kind: KindOutgoing, Superseded: true})

	latest := s.LatestMessage()
	require.NotNil(t, latest)
	assert.Equal(t, "a", latest.ID)
}

func TestPrivateConversationWith(t *testing.T) {
	s := New()
	s.Conversations[8] = &Conversation{ID: 8, Kind: ConversationPrivate, OtherUserID: 3}
	s.EnsureGroupConversation()

	require.NotNil(t, s.PrivateConversationWith(3))
	assert.Nil(t, s.PrivateConversationWith(4))
}
