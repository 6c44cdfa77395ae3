package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decoding is staged: frame-level JSON, then envelope shape, then the payload
// schema for the declared kind. Each stage has its own error so callers can
// report protocol violations precisely. A frame that fails any stage is
// dropped by the caller; malformed input is not transient and is never
// retried.
var (
	// ErrMalformedJSON reports a frame that is not valid JSON.
	ErrMalformedJSON = errors.New("malformed json frame")
	// ErrInvalidEnvelope reports a frame whose outer shape or discriminant
	// does not match the envelope contract.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// InvalidPayloadError reports a well-formed envelope whose data does not
// satisfy the schema for its declared kind.
type InvalidPayloadError struct {
	Kind   string
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid %q payload: %s", e.Kind, e.Reason)
}

func invalidPayload(kind, reason string) error {
	return &InvalidPayloadError{Kind: kind, Reason: reason}
}

type serverEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type clientEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// DecodeInbound validates a raw server frame and returns its typed payload.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env serverEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if env.Type == "" || env.Data == nil {
		return nil, fmt.Errorf("%w: missing type or data", ErrInvalidEnvelope)
	}

	switch env.Type {
	case TypeMessage:
		var p Message
		if err := unmarshalPayload(env.Type, env.Data, &p); err != nil {
			return nil, err
		}
		if p.MessageID <= 0 || p.ConversationID <= 0 || p.SenderID <= 0 {
			return nil, invalidPayload(env.Type, "missing message, conversation or sender id")
		}
		if p.SentAt == "" {
			return nil, invalidPayload(env.Type, "missing sent_at")
		}
		p.Type = TypeMessage
		return p, nil

	case TypeUser:
		var p User
		if err := unmarshalPayload(env.Type, env.Data, &p); err != nil {
			return nil, err
		}
		if p.ID <= 0 {
			return nil, invalidPayload(env.Type, "missing user id")
		}
		if p.Username == "" {
			return nil, invalidPayload(env.Type, "missing username")
		}
		p.Type = TypeUser
		return p, nil

	case TypeSystem:
		var p SystemNotice
		if err := unmarshalPayload(env.Type, env.Data, &p); err != nil {
			return nil, err
		}
		if p.Code == "" {
			return nil, invalidPayload(env.Type, "missing code")
		}
		p.Type = TypeSystem
		return p, nil

	case TypeHistoryResponse:
		var p HistoryResponse
		if err := unmarshalPayload(env.Type, env.Data, &p); err != nil {
			return nil, err
		}
		for i, row := range p.Messages {
			if row.MessageID <= 0 {
				return nil, invalidPayload(env.Type, fmt.Sprintf("history row %d missing message_id", i))
			}
		}
		for i, row := range p.Users {
			if row.UserID <= 0 && row.ID <= 0 {
				return nil, invalidPayload(env.Type, fmt.Sprintf("history user %d missing id", i))
			}
		}
		return p, nil

	case TypeConversationCreated:
		var p ConversationCreated
		if err := unmarshalPayload(env.Type, env.Data, &p); err != nil {
			return nil, err
		}
		if p.ConversationID <= 0 {
			return nil, invalidPayload(env.Type, "missing conversation_id")
		}
		if len(p.Participants) == 0 {
			return nil, invalidPayload(env.Type, "missing participants")
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Type)
	}
}

// DecodeCommand validates a raw client frame and returns its typed command
// with the sender's timestamp (unix milliseconds, zero when absent).
func DecodeCommand(raw []byte) (Outbound, int64, error) {
	var env clientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if env.Type == "" || env.Data == nil {
		return nil, 0, fmt.Errorf("%w: missing type or data", ErrInvalidEnvelope)
	}

	switch env.Type {
	case TypeMessageSend:
		var p MessageSend
		if err := unmarshalPayload(env.Type, env.Data, &p); err != nil {
			return nil, 0, err
		}
		if p.ConversationID <= 0 || p.SenderID <= 0 {
			return nil, 0, invalidPayload(env.Type, "missing conversation or sender id")
		}
		if p.Text == "" {
			return nil, 0, invalidPayload(env.Type, "missing text")
		}
		return p, env.Timestamp, nil

	case TypeUserRegister:
		var p UserRegister
		if err := unmarshalPayload(env.Type, env.Data, &p); err != nil {
			return nil, 0, err
		}
		if p.Username == "" {
			return nil, 0, invalidPayload(env.Type, "missing username")
		}
		return p, env.Timestamp, nil

	case TypeUserTyping:
		var p UserTyping
		if err := unmarshalPayload(env.Type, env.Data, &p); err != nil {
			return nil, 0, err
		}
		if p.ConversationID <= 0 || p.SenderID <= 0 {
			return nil, 0, invalidPayload(env.Type, "missing conversation or sender id")
		}
		return p, env.Timestamp, nil

	case TypeConversationCreate:
		var p ConversationCreate
		if err := unmarshalPayload(env.Type, env.Data, &p); err != nil {
			return nil, 0, err
		}
		if p.User1ID <= 0 || p.User2ID <= 0 {
			return nil, 0, invalidPayload(env.Type, "missing participant id")
		}
		if p.User1ID == p.User2ID {
			return nil, 0, invalidPayload(env.Type, "participants must differ")
		}
		return p, env.Timestamp, nil

	case TypeHistoryRequest:
		return HistoryRequest{}, env.Timestamp, nil

	default:
		return nil, 0, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Type)
	}
}

func unmarshalPayload(kind string, data json.RawMessage, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return invalidPayload(kind, err.Error())
	}
	return nil
}

// EncodeInbound wraps a payload in the server envelope.
func EncodeInbound(payload Inbound) ([]byte, error) {
	return json.Marshal(serverEnvelope{
		Type: payload.InboundType(),
		Data: mustRaw(payload),
	})
}

// EncodeCommand wraps a command in the client envelope. The wire object
// carries only the command's own fields plus the timestamp; client-local
// bookkeeping (store ids, optimistic flags) never leaves the client.
func EncodeCommand(cmd Outbound, timestamp int64) ([]byte, error) {
	return json.Marshal(clientEnvelope{
		Type:      cmd.OutboundType(),
		Data:      mustRaw(cmd),
		Timestamp: timestamp,
	})
}

func mustRaw(v any) json.RawMessage {
	// All payload types are plain structs of marshalable fields.
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return raw
}
