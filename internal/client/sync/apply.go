// Package sync layers the chat-level folding policies on top of the store:
// domain de-duplication, optimistic reconciliation, pending-registration
// resolution, conversation provisioning and history merge. The store only
// knows mechanics; everything with protocol judgement is here.
package sync

import (
	"time"

	"github.com/pelusa-v/pelusa-relay.git/internal/client/store"
	"github.com/pelusa-v/pelusa-relay.git/internal/protocol"
)

// ApplyInbound folds one validated server envelope into the state. The stamp
// supplies the store key and wall clock for the new entry.
func ApplyInbound(s *store.State, payload protocol.Inbound, stamp store.Stamp) {
	switch p := payload.(type) {
	case protocol.Message:
		applyMessage(s, p, stamp)
	case protocol.User:
		applyUser(s, p, stamp)
	case protocol.SystemNotice:
		s.InsertMessage(&store.StoredMessage{
			ID:        stamp.ID,
			Kind:      store.KindIncoming,
			Type:      protocol.TypeSystem,
			Timestamp: stamp.Now,
			Inbound:   p,
		})
	case protocol.ConversationCreated:
		applyConversationCreated(s, p, stamp)
	case protocol.HistoryResponse:
		MergeHistory(s, p)
	}
}

// ApplySend records a locally issued command optimistically so the sender
// sees it before server confirmation. A user.register additionally opens a
// pending username claim.
func ApplySend(s *store.State, cmd protocol.Outbound, stamp store.Stamp) {
	if reg, ok := cmd.(protocol.UserRegister); ok {
		s.BeginRegistration(reg.Username)
	}
	s.InsertMessage(&store.StoredMessage{
		ID:         stamp.ID,
		Kind:       store.KindOutgoing,
		Type:       cmd.OutboundType(),
		Timestamp:  stamp.Now,
		Optimistic: true,
		Outbound:   cmd,
	})
}

func applyMessage(s *store.State, msg protocol.Message, stamp store.Stamp) {
	if s.HasDomainMessage(msg.MessageID) {
		return
	}
	ts := sentAtMillis(msg.SentAt, stamp.Now)
	reconcileOptimistic(s, msg, ts)
	s.InsertMessage(&store.StoredMessage{
		ID:        stamp.ID,
		Kind:      store.KindIncoming,
		Type:      protocol.TypeMessage,
		Timestamp: ts,
		Inbound:   msg,
	})
	s.TouchConversation(msg.ConversationID, msg.SenderID, msg.Text, ts, true)
}

func applyUser(s *store.State, u protocol.User, stamp store.Stamp) {
	s.UpsertUser(u)
	s.ResolveRegistration(u)
	s.InsertMessage(&store.StoredMessage{
		ID:        stamp.ID,
		Kind:      store.KindIncoming,
		Type:      protocol.TypeUser,
		Timestamp: stamp.Now,
		Inbound:   u,
	})

	// A direct conversation announced before this user's record was known
	// can be materialized now.
	deferred := s.DeferredConversations[u.ID]
	if len(deferred) > 0 {
		delete(s.DeferredConversations, u.ID)
		for _, conv := range deferred {
			materializePrivate(s, conv, u.ID)
		}
	}
}

func applyConversationCreated(s *store.State, conv protocol.ConversationCreated, stamp store.Stamp) {
	s.InsertMessage(&store.StoredMessage{
		ID:        stamp.ID,
		Kind:      store.KindIncoming,
		Type:      protocol.TypeConversationCreated,
		Timestamp: stamp.Now,
		Inbound:   conv,
	})

	if !conv.IsDirectMessage || s.Session.CurrentUser == nil {
		return
	}
	me := s.Session.CurrentUser.ID
	var other int64
	mine := false
	for _, id := range conv.Participants {
		if id == me {
			mine = true
		} else {
			other = id
		}
	}
	if !mine || other == 0 {
		return
	}
	if _, known := s.Users[other]; !known {
		s.DeferredConversations[other] = append(s.DeferredConversations[other], conv)
		return
	}
	materializePrivate(s, conv, other)
}

func materializePrivate(s *store.State, conv protocol.ConversationCreated, otherID int64) {
	if _, exists := s.Conversations[conv.ConversationID]; exists {
		return
	}
	s.Conversations[conv.ConversationID] = &store.Conversation{
		ID:           conv.ConversationID,
		Kind:         store.ConversationPrivate,
		Name:         s.Users[otherID].Username,
		Participants: append([]int64(nil), conv.Participants...),
		OtherUserID:  otherID,
	}
}

func sentAtMillis(sentAt string, fallback int64) int64 {
	if t, err := time.Parse(time.RFC3339Nano, sentAt); err == nil {
		return t.UnixMilli()
	}
	return fallback
}
