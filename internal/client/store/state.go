// Package store holds the client's normalized state and the primitive
// reducers that mutate it. Reducers are total functions over validated input
// and are only ever invoked from the engine's event loop (single writer);
// everything with protocol-level judgement lives one layer up in the sync
// package.
package store

import (
	"github.com/pelusa-v/pelusa-relay.git/internal/protocol"
)

// The well-known group conversation. It is provisioned locally on every
// successful connect and seeded server-side, so its id never varies.
const (
	GroupConversationID   int64 = 1
	GroupConversationName       = "General"
)

// ConnectionStatus mirrors the socket lifecycle as the UI sees it.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// Connection is the supervisor-facing slice of state. IsReconnecting is
// orthogonal to Status: it marks an in-flight reconnect episode while Status
// reports the last observed socket state.
type Connection struct {
	Status            ConnectionStatus
	URL               string
	Err               string
	IsReconnecting    bool
	ReconnectAttempts int
}

// Kind discriminates locally created entries from server-delivered ones.
type Kind string

const (
	KindIncoming Kind = "incoming"
	KindOutgoing Kind = "outgoing"
)

// StoredMessage is one entry in the append-only message table. ID is the
// client-local store key, distinct from any server-assigned message_id
// carried in the payload. Superseded marks an optimistic entry whose
// server-confirmed echo has arrived; it stays in the table but is hidden
// from conversation views.
type StoredMessage struct {
	ID         string
	Kind       Kind
	Type       string
	Timestamp  int64
	Optimistic bool
	Superseded bool

	// Exactly one of these is set, matching Kind.
	Inbound  protocol.Inbound
	Outbound protocol.Outbound
}

// ConversationKind discriminates the broadcast channel from two-party chats.
type ConversationKind string

const (
	ConversationGroup   ConversationKind = "group"
	ConversationPrivate ConversationKind = "private"
)

// LastMessage is the preview shown in conversation lists.
type LastMessage struct {
	Text      string
	Timestamp int64
	SenderID  int64
}

type Conversation struct {
	ID           int64
	Kind         ConversationKind
	Name         string
	Participants []int64
	Description  string // group only
	OtherUserID  int64  // private only
	LastMessage  *LastMessage
	UnreadCount  int
}

// RegistrationStatus tracks the in-flight username claim.
type RegistrationStatus string

const (
	RegistrationNone       RegistrationStatus = "none"
	RegistrationPending    RegistrationStatus = "pending"
	RegistrationRegistered RegistrationStatus = "registered"
	RegistrationFailed     RegistrationStatus = "failed"
)

// Session is the client's identity. CurrentUser and Users survive
// disconnects; only PendingUsername is cleared on explicit disconnect.
type Session struct {
	CurrentUser     *protocol.User
	PendingUsername string
	Registration    RegistrationStatus
	RegistrationErr string
}

// State is the single shared mutable resource of the client core.
type State struct {
	Connection Connection
	Session    Session

	// Normalized message table: byID plus insertion order.
	MessagesByID map[string]*StoredMessage
	MessageOrder []string

	Users         map[int64]protocol.User
	Conversations map[int64]*Conversation

	ActiveConversationID int64
	IsLoadingHistory     bool

	// conversation.created events whose other participant is not yet in
	// Users, keyed by the missing user id. Replayed when that user arrives.
	DeferredConversations map[int64][]protocol.ConversationCreated
}

func New() *State {
	return &State{
		Connection:            Connection{Status: StatusDisconnected},
		Session:               Session{Registration: RegistrationNone},
		MessagesByID:          map[string]*StoredMessage{},
		Users:                 map[int64]protocol.User{},
		Conversations:         map[int64]*Conversation{},
		DeferredConversations: map[int64][]protocol.ConversationCreated{},
	}
}

// Stamp carries the locally generated identity for a new store entry. The
// engine mints stamps (uuid + wall clock); tests pass fixed values.
type Stamp struct {
	ID  string
	Now int64 // unix milliseconds
}
