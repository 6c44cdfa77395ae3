package client

import (
	"github.com/pelusa-v/pelusa-relay.git/internal/client/store"
	"github.com/pelusa-v/pelusa-relay.git/internal/protocol"
)

// Read-only selectors. Each takes the read lock and returns copies; callers
// never see live store internals.

// ConnectionInfo is the connection banner's view of the supervisor.
type ConnectionInfo struct {
	Status            store.ConnectionStatus
	URL               string
	Err               string
	IsReconnecting    bool
	ReconnectAttempts int
}

func (e *Engine) ConnectionInfo() ConnectionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := e.state.Connection
	return ConnectionInfo{
		Status:            c.Status,
		URL:               c.URL,
		Err:               c.Err,
		IsReconnecting:    c.IsReconnecting,
		ReconnectAttempts: c.ReconnectAttempts,
	}
}

func (e *Engine) ConnectionStatus() store.ConnectionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Connection.Status
}

func (e *Engine) IsConnected() bool {
	return e.ConnectionStatus() == store.StatusConnected
}

func (e *Engine) CurrentUser() *protocol.User {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state.Session.CurrentUser == nil {
		return nil
	}
	u := *e.state.Session.CurrentUser
	return &u
}

// RegistrationState reports the in-flight username claim and, when it has
// failed, why.
func (e *Engine) RegistrationState() (store.RegistrationStatus, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Session.Registration, e.state.Session.RegistrationErr
}

func (e *Engine) Users() []protocol.User {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.SortedUsers()
}

// Conversations returns the directory in display order: group first, then by
// last activity.
func (e *Engine) Conversations() []store.Conversation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sorted := e.state.SortedConversations()
	out := make([]store.Conversation, len(sorted))
	for i, conv := range sorted {
		c := *conv
		c.Participants = append([]int64(nil), conv.Participants...)
		if conv.LastMessage != nil {
			lm := *conv.LastMessage
			c.LastMessage = &lm
		}
		out[i] = c
	}
	return out
}

func (e *Engine) ConversationMessages(conversationID int64) []store.ChatMessage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.ConversationMessages(conversationID)
}

func (e *Engine) ActiveConversationID() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.ActiveConversationID
}

func (e *Engine) IsLoadingHistory() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.IsLoadingHistory
}
