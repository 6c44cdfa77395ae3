package store

import (
	"github.com/pelusa-v/pelusa-relay.git/internal/protocol"
)

// Connection lifecycle. These mirror the transport's observed state; the
// reconnect policy deciding when to call them lives in the engine.

func (s *State) Connect(url string) {
	s.Connection.URL = url
	s.Connection.Status = StatusConnecting
	s.Connection.Err = ""
	s.Connection.IsReconnecting = false
}

func (s *State) Connected() {
	s.Connection.Status = StatusConnected
	s.Connection.Err = ""
	s.Connection.IsReconnecting = false
	s.Connection.ReconnectAttempts = 0
	s.EnsureGroupConversation()
}

func (s *State) Disconnected() {
	// URL survives a temporary disconnection so a reconnect can reuse it.
	s.Connection.Status = StatusDisconnected
}

func (s *State) ConnectionError(msg string) {
	s.Connection.Status = StatusError
	s.Connection.Err = msg
	s.Connection.IsReconnecting = false
}

func (s *State) StartReconnecting() {
	s.Connection.IsReconnecting = true
	s.Connection.ReconnectAttempts++
}

func (s *State) StopReconnecting() {
	s.Connection.IsReconnecting = false
}

// Disconnect is the explicit, user-initiated teardown. Identity and the user
// directory are durable session state and survive; an in-flight registration
// does not.
func (s *State) Disconnect() {
	s.Connection = Connection{Status: StatusDisconnected}
	s.Session.PendingUsername = ""
	if s.Session.Registration == RegistrationPending {
		s.Session.Registration = RegistrationNone
	}
}

// InsertMessage appends an entry to the message table. Insertion is a no-op
// when the store key is already present, which makes every caller idempotent
// per id.
func (s *State) InsertMessage(m *StoredMessage) bool {
	if _, ok := s.MessagesByID[m.ID]; ok {
		return false
	}
	s.MessagesByID[m.ID] = m
	s.MessageOrder = append(s.MessageOrder, m.ID)
	return true
}

// PrependMessage inserts an entry at the head of the order, used by history
// merge where replayed rows are older than anything already rendered.
func (s *State) PrependMessage(m *StoredMessage) bool {
	if _, ok := s.MessagesByID[m.ID]; ok {
		return false
	}
	s.MessagesByID[m.ID] = m
	s.MessageOrder = append([]string{m.ID}, s.MessageOrder...)
	return true
}

// HasDomainMessage reports whether any incoming entry already represents the
// server-assigned message id. This is the domain-level dedup key that
// collapses live broadcasts and history replays of the same persisted
// message.
func (s *State) HasDomainMessage(messageID int64) bool {
	for _, id := range s.MessageOrder {
		entry := s.MessagesByID[id]
		if entry.Kind != KindIncoming || entry.Type != protocol.TypeMessage {
			continue
		}
		if msg, ok := entry.Inbound.(protocol.Message); ok && msg.MessageID == messageID {
			return true
		}
	}
	return false
}

// ClearMessages empties the message table only; users, conversations and
// session identity survive. This is a local cache reset, not a logout.
func (s *State) ClearMessages() {
	s.MessagesByID = map[string]*StoredMessage{}
	s.MessageOrder = nil
}

// UpsertUser records a user in the directory, last write wins (the server is
// authoritative). It also joins the user to the group conversation.
func (s *State) UpsertUser(u protocol.User) {
	s.Users[u.ID] = u
	s.EnsureGroupConversation()
	group := s.Conversations[GroupConversationID]
	for _, id := range group.Participants {
		if id == u.ID {
			return
		}
	}
	group.Participants = append(group.Participants, u.ID)
}

// EnsureGroupConversation provisions the well-known broadcast conversation.
// Idempotent; never duplicated.
func (s *State) EnsureGroupConversation() {
	if _, ok := s.Conversations[GroupConversationID]; ok {
		return
	}
	conv := &Conversation{
		ID:   GroupConversationID,
		Kind: ConversationGroup,
		Name: GroupConversationName,
	}
	if s.Session.CurrentUser != nil {
		conv.Participants = []int64{s.Session.CurrentUser.ID}
	}
	s.Conversations[GroupConversationID] = conv
}

// TouchConversation updates a conversation's preview for a newly seen
// message, and bumps the unread count when countUnread is set (live
// broadcasts count; history replays do not). Messages for conversations the
// client has not materialized yet are still stored; only the preview is
// skipped.
func (s *State) TouchConversation(conversationID, senderID int64, text string, ts int64, countUnread bool) {
	conv, ok := s.Conversations[conversationID]
	if !ok {
		return
	}
	if conv.LastMessage == nil || ts >= conv.LastMessage.Timestamp {
		conv.LastMessage = &LastMessage{Text: text, Timestamp: ts, SenderID: senderID}
	}
	fromSelf := s.Session.CurrentUser != nil && s.Session.CurrentUser.ID == senderID
	if countUnread && !fromSelf && conversationID != s.ActiveConversationID {
		conv.UnreadCount++
	}
}

// SetActiveConversation switches the focused conversation and clears its
// unread count.
func (s *State) SetActiveConversation(id int64) {
	s.ActiveConversationID = id
	if conv, ok := s.Conversations[id]; ok {
		conv.UnreadCount = 0
	}
}

// BeginRegistration records a username claim in flight. At most one pending
// registration exists at a time; a new claim replaces the old one.
func (s *State) BeginRegistration(username string) {
	s.Session.PendingUsername = username
	s.Session.Registration = RegistrationPending
	s.Session.RegistrationErr = ""
}

// ResolveRegistration promotes a pending claim to the current identity.
// Idempotent: late duplicates of the confirming event find no pending claim
// and fall through to a plain directory update.
func (s *State) ResolveRegistration(u protocol.User) bool {
	if s.Session.PendingUsername == "" || s.Session.PendingUsername != u.Username {
		return false
	}
	user := u
	s.Session.CurrentUser = &user
	s.Session.PendingUsername = ""
	s.Session.Registration = RegistrationRegistered
	s.Session.RegistrationErr = ""
	return true
}

// FailRegistration expires a pending claim that the server never confirmed.
// A claim resolved or replaced in the meantime is left alone.
func (s *State) FailRegistration(username, reason string) bool {
	if s.Session.Registration != RegistrationPending || s.Session.PendingUsername != username {
		return false
	}
	s.Session.PendingUsername = ""
	s.Session.Registration = RegistrationFailed
	s.Session.RegistrationErr = reason
	return true
}

// SetCurrentUser installs a known identity directly, used when reloading a
// persisted session at startup.
func (s *State) SetCurrentUser(u protocol.User) {
	user := u
	s.Session.CurrentUser = &user
	s.Session.Registration = RegistrationRegistered
	s.Users[u.ID] = u
}
