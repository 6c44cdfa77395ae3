// Package protocol defines the wire contract shared by the relay server and
// the client engine: JSON text frames carrying a typed envelope around one of
// a fixed set of payloads. Server frames are {type, data}; client frames are
// {type, data, timestamp}.
package protocol

// Server-to-client envelope kinds.
const (
	TypeMessage             = "message"
	TypeUser                = "user"
	TypeSystem              = "system"
	TypeHistoryResponse     = "history.response"
	TypeConversationCreated = "conversation.created"
)

// Client-to-server command kinds.
const (
	TypeMessageSend        = "message.send"
	TypeUserRegister       = "user.register"
	TypeUserTyping         = "user.typing"
	TypeConversationCreate = "conversation.create"
	TypeHistoryRequest     = "history.request"
)

// Inbound is a validated server-to-client payload. Exactly one struct per
// envelope kind implements it, so consumers can switch exhaustively.
type Inbound interface {
	InboundType() string
}

// Message is a persisted chat message broadcast by the relay. ClientMsgID
// echoes the sender's optimistic id when the sender supplied one, which lets
// that client reconcile its optimistic entry exactly.
type Message struct {
	Type           string `json:"type,omitempty"`
	MessageID      int64  `json:"message_id"`
	ConversationID int64  `json:"conversation_id"`
	SenderID       int64  `json:"sender_id"`
	Text           string `json:"text"`
	SentAt         string `json:"sent_at"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
}

func (Message) InboundType() string { return TypeMessage }

// User announces a registered user to all connected clients.
type User struct {
	Type     string `json:"type,omitempty"`
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func (User) InboundType() string { return TypeUser }

// SystemNotice carries relay-originated notices such as joins and leaves.
type SystemNotice struct {
	Type      string `json:"type,omitempty"`
	Code      string `json:"code"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

func (SystemNotice) InboundType() string { return TypeSystem }

// HistoryResponse replays persisted messages and the known user directory.
// History rows come straight from the relay's store and use looser field
// names than live messages; Normalize converts them.
type HistoryResponse struct {
	Messages []HistoryMessage `json:"messages"`
	Users    []HistoryUser    `json:"users"`
}

func (HistoryResponse) InboundType() string { return TypeHistoryResponse }

// HistoryMessage is one persisted message row. The body may arrive under
// either "text" or "message_text" depending on the store column it was read
// from.
type HistoryMessage struct {
	MessageID      int64  `json:"message_id"`
	ConversationID int64  `json:"conversation_id"`
	SenderID       int64  `json:"sender_id"`
	Text           string `json:"text,omitempty"`
	MessageText    string `json:"message_text,omitempty"`
	SentAt         string `json:"sent_at"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
}

// Normalize converts a history row to the live Message shape.
func (h HistoryMessage) Normalize() Message {
	text := h.Text
	if text == "" {
		text = h.MessageText
	}
	return Message{
		Type:           TypeMessage,
		MessageID:      h.MessageID,
		ConversationID: h.ConversationID,
		SenderID:       h.SenderID,
		Text:           text,
		SentAt:         h.SentAt,
		ClientMsgID:    h.ClientMsgID,
	}
}

// HistoryUser is one user directory row; the id may arrive under either
// "user_id" or "id".
type HistoryUser struct {
	UserID   int64  `json:"user_id,omitempty"`
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username"`
}

// Normalize converts a directory row to the live User shape.
func (h HistoryUser) Normalize() User {
	id := h.UserID
	if id == 0 {
		id = h.ID
	}
	return User{Type: TypeUser, ID: id, Username: h.Username}
}

// ConversationCreated announces a new conversation to all clients.
type ConversationCreated struct {
	ConversationID  int64   `json:"conversation_id"`
	Participants    []int64 `json:"participants"`
	IsDirectMessage bool    `json:"is_direct_message"`
}

func (ConversationCreated) InboundType() string { return TypeConversationCreated }

// Outbound is a client-to-server command payload.
type Outbound interface {
	OutboundType() string
}

// MessageSend posts a chat message. ClientMsgID is the sender's optimistic
// store id; the relay echoes it back in the resulting broadcast.
type MessageSend struct {
	ConversationID int64  `json:"conversation_id"`
	SenderID       int64  `json:"sender_id"`
	Text           string `json:"text"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
}

func (MessageSend) OutboundType() string { return TypeMessageSend }

// UserRegister claims a username for this connection.
type UserRegister struct {
	Username string `json:"username"`
}

func (UserRegister) OutboundType() string { return TypeUserRegister }

// UserTyping is a fire-and-forget presence signal.
type UserTyping struct {
	ConversationID int64 `json:"conversation_id"`
	SenderID       int64 `json:"sender_id"`
}

func (UserTyping) OutboundType() string { return TypeUserTyping }

// ConversationCreate asks the relay to provision a direct conversation
// between two users. The pair is unordered; repeated requests are idempotent.
type ConversationCreate struct {
	User1ID int64 `json:"user1_id"`
	User2ID int64 `json:"user2_id"`
}

func (ConversationCreate) OutboundType() string { return TypeConversationCreate }

// HistoryRequest asks the relay to replay persisted history to this
// connection only.
type HistoryRequest struct{}

func (HistoryRequest) OutboundType() string { return TypeHistoryRequest }
