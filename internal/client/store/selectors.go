package store

import (
	"sort"

	"github.com/pelusa-v/pelusa-relay.git/internal/protocol"
)

// Selectors are read-only views over the state. They are called with the
// engine's read lock held and must not mutate anything.

// ChatMessage is the consumer-facing projection of one renderable message.
type ChatMessage struct {
	StoreID        string
	MessageID      int64 // zero for unconfirmed optimistic entries
	ConversationID int64
	SenderID       int64
	Text           string
	Timestamp      int64
	Optimistic     bool
}

// ConversationMessages returns the renderable messages of one conversation
// in store order. Superseded optimistic entries and non-chat envelope kinds
// are excluded, so an optimistic/confirmed pair never renders twice.
func (s *State) ConversationMessages(conversationID int64) []ChatMessage {
	var out []ChatMessage
	for _, id := range s.MessageOrder {
		entry := s.MessagesByID[id]
		if entry.Superseded {
			continue
		}
		switch entry.Kind {
		case KindIncoming:
			msg, ok := entry.Inbound.(protocol.Message)
			if !ok || msg.ConversationID != conversationID {
				continue
			}
			out = append(out, ChatMessage{
				StoreID:        entry.ID,
				MessageID:      msg.MessageID,
				ConversationID: msg.ConversationID,
				SenderID:       msg.SenderID,
				Text:           msg.Text,
				Timestamp:      entry.Timestamp,
			})
		case KindOutgoing:
			send, ok := entry.Outbound.(protocol.MessageSend)
			if !ok || send.ConversationID != conversationID {
				continue
			}
			out = append(out, ChatMessage{
				StoreID:        entry.ID,
				ConversationID: send.ConversationID,
				SenderID:       send.SenderID,
				Text:           send.Text,
				Timestamp:      entry.Timestamp,
				Optimistic:     entry.Optimistic,
			})
		}
	}
	return out
}

// SortedConversations orders the directory for display: the group
// conversation first, then privates by last activity descending, then
// conversations that have never seen a message.
func (s *State) SortedConversations() []*Conversation {
	out := make([]*Conversation, 0, len(s.Conversations))
	for _, conv := range s.Conversations {
		out = append(out, conv)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ID == GroupConversationID {
			return true
		}
		if b.ID == GroupConversationID {
			return false
		}
		switch {
		case a.LastMessage != nil && b.LastMessage == nil:
			return true
		case a.LastMessage == nil && b.LastMessage != nil:
			return false
		case a.LastMessage == nil && b.LastMessage == nil:
			return a.ID < b.ID
		}
		return a.LastMessage.Timestamp > b.LastMessage.Timestamp
	})
	return out
}

// SortedUsers returns the directory ordered by username.
func (s *State) SortedUsers() []protocol.User {
	out := make([]protocol.User, 0, len(s.Users))
	for _, u := range s.Users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// LatestMessage returns the most recently appended non-superseded entry, or
// nil when the table is empty.
func (s *State) LatestMessage() *StoredMessage {
	for i := len(s.MessageOrder) - 1; i >= 0; i-- {
		if entry := s.MessagesByID[s.MessageOrder[i]]; !entry.Superseded {
			return entry
		}
	}
	return nil
}

// PrivateConversationWith finds an existing two-party conversation with the
// given user, if any.
func (s *State) PrivateConversationWith(otherUserID int64) *Conversation {
	for _, conv := range s.Conversations {
		if conv.Kind == ConversationPrivate && conv.OtherUserID == otherUserID {
			return conv
		}
	}
	return nil
}
