package sync

import (
	"fmt"

	"github.com/pelusa-v/pelusa-relay.git/internal/client/store"
	"github.com/pelusa-v/pelusa-relay.git/internal/protocol"
)

// reconcileWindowMillis bounds the heuristic match: a confirmed broadcast
// only supersedes an optimistic entry stamped within this span before it.
const reconcileWindowMillis = int64(60_000)

// reconcileOptimistic marks the optimistic entry that a confirmed broadcast
// represents, so the pair renders once. The exact key is the relay-echoed
// client_msg_id, which is the optimistic entry's store id; when the echo is
// absent the match falls back to the same-conversation same-sender same-text
// heuristic with the confirmed timestamp at or after the optimistic one.
func reconcileOptimistic(s *store.State, msg protocol.Message, confirmedTS int64) bool {
	if msg.ClientMsgID != "" {
		if entry, ok := s.MessagesByID[msg.ClientMsgID]; ok &&
			entry.Kind == store.KindOutgoing && entry.Optimistic && !entry.Superseded {
			entry.Superseded = true
			return true
		}
	}

	// Fallback heuristic, newest optimistic entry first.
	for i := len(s.MessageOrder) - 1; i >= 0; i-- {
		entry := s.MessagesByID[s.MessageOrder[i]]
		if entry.Kind != store.KindOutgoing || !entry.Optimistic || entry.Superseded {
			continue
		}
		send, ok := entry.Outbound.(protocol.MessageSend)
		if !ok {
			continue
		}
		if send.ConversationID == msg.ConversationID &&
			send.SenderID == msg.SenderID &&
			send.Text == msg.Text &&
			confirmedTS >= entry.Timestamp &&
			confirmedTS-entry.Timestamp <= reconcileWindowMillis {
			entry.Superseded = true
			return true
		}
	}
	return false
}

// MergeHistory folds a history replay into the store. Rows not already
// present (by domain message id) are prepended in their replayed order,
// treated as older than anything live; the user directory is merged by
// upsert. A replayed row may also confirm a still-optimistic local send
// after a reconnect.
func MergeHistory(s *store.State, hist protocol.HistoryResponse) {
	for _, row := range hist.Users {
		s.UpsertUser(row.Normalize())
	}

	var fresh []*store.StoredMessage
	for _, row := range hist.Messages {
		msg := row.Normalize()
		if s.HasDomainMessage(msg.MessageID) {
			continue
		}
		ts := sentAtMillis(msg.SentAt, 0)
		reconcileOptimistic(s, msg, ts)
		fresh = append(fresh, &store.StoredMessage{
			ID:        HistoryStoreID(msg.MessageID),
			Kind:      store.KindIncoming,
			Type:      protocol.TypeMessage,
			Timestamp: ts,
			Inbound:   msg,
		})
		s.TouchConversation(msg.ConversationID, msg.SenderID, msg.Text, ts, false)
	}

	// Rows replay oldest first; prepending in reverse keeps that order at
	// the head of the table.
	for i := len(fresh) - 1; i >= 0; i-- {
		s.PrependMessage(fresh[i])
	}

	s.IsLoadingHistory = false
}

// HistoryStoreID is the deterministic store key for a replayed message, so
// repeated replays of the same row collapse on insertion as well.
func HistoryStoreID(messageID int64) string {
	return fmt.Sprintf("msg-%d", messageID)
}
