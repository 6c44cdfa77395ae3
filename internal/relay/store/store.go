// Package store persists the relay's chat history: users, conversations and
// messages, in sqlite. The relay is otherwise stateless; everything a client
// needs to catch up after a reconnect comes out of this store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pelusa-v/pelusa-relay.git/internal/protocol"
)

var ErrNotFound = errors.New("not found")

// The well-known broadcast conversation, seeded at open.
const (
	GroupConversationID   int64 = 1
	GroupConversationName       = "General"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	is_direct INTEGER NOT NULL DEFAULT 0,
	user1_id INTEGER,
	user2_id INTEGER
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL,
	sender_id INTEGER NOT NULL,
	message_text TEXT NOT NULL,
	client_msg_id TEXT,
	sent_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_sent_at ON messages(sent_at, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair
	ON conversations(user1_id, user2_id) WHERE is_direct = 1;
`

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database and seeds the group
// conversation.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s := &Store{db: db}
	if err := s.seedGroupConversation(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) seedGroupConversation(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(id, name, is_direct) VALUES (?, ?, 0)
ON CONFLICT(id) DO NOTHING
`, GroupConversationID, GroupConversationName)
	if err != nil {
		return fmt.Errorf("seed group conversation: %w", err)
	}
	return nil
}

// RegisterUser records a username and returns its user, reusing the existing
// row when the name is already taken, so registration is idempotent per
// username.
func (s *Store) RegisterUser(ctx context.Context, username string) (protocol.User, error) {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(username) VALUES (?) ON CONFLICT(username) DO NOTHING
`, username)
	if err != nil {
		return protocol.User{}, fmt.Errorf("insert user: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE username = ?`, username).Scan(&id)
	if err != nil {
		return protocol.User{}, fmt.Errorf("lookup user: %w", err)
	}
	return protocol.User{Type: protocol.TypeUser, ID: id, Username: username}, nil
}

// UserByID fetches one user or ErrNotFound.
func (s *Store) UserByID(ctx context.Context, id int64) (protocol.User, error) {
	var u protocol.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.User{}, ErrNotFound
	}
	if err != nil {
		return protocol.User{}, fmt.Errorf("lookup user: %w", err)
	}
	u.Type = protocol.TypeUser
	return u, nil
}

// Users returns the whole directory as history rows.
func (s *Store) Users(ctx context.Context) ([]protocol.HistoryUser, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []protocol.HistoryUser
	for rows.Next() {
		var u protocol.HistoryUser
		if err := rows.Scan(&u.UserID, &u.Username); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SaveMessage persists a message and returns it in broadcast shape with the
// server-assigned id and timestamp.
func (s *Store) SaveMessage(ctx context.Context, send protocol.MessageSend) (protocol.Message, error) {
	sentAt := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages(conversation_id, sender_id, message_text, client_msg_id, sent_at)
VALUES (?, ?, ?, ?, ?)
`, send.ConversationID, send.SenderID, send.Text, send.ClientMsgID, sentAt)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return protocol.Message{}, fmt.Errorf("message id: %w", err)
	}
	return protocol.Message{
		Type:           protocol.TypeMessage,
		MessageID:      id,
		ConversationID: send.ConversationID,
		SenderID:       send.SenderID,
		Text:           send.Text,
		SentAt:         sentAt,
		ClientMsgID:    send.ClientMsgID,
	}, nil
}

// History returns persisted messages oldest first, capped at limit (0 means
// no cap).
func (s *Store) History(ctx context.Context, limit int) ([]protocol.HistoryMessage, error) {
	q := `SELECT id, conversation_id, sender_id, message_text, COALESCE(client_msg_id, ''), sent_at
FROM messages ORDER BY sent_at ASC, id ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []protocol.HistoryMessage
	for rows.Next() {
		var m protocol.HistoryMessage
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.SenderID,
			&m.MessageText, &m.ClientMsgID, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateDirectConversation provisions the two-party conversation for an
// unordered user pair, returning the existing one when the pair already has
// a conversation.
func (s *Store) CreateDirectConversation(ctx context.Context, user1, user2 int64) (protocol.ConversationCreated, bool, error) {
	lo, hi := user1, user2
	if lo > hi {
		lo, hi = hi, lo
	}

	var existing int64
	err := s.db.QueryRowContext(ctx, `
SELECT id FROM conversations WHERE is_direct = 1 AND user1_id = ? AND user2_id = ?
`, lo, hi).Scan(&existing)
	if err == nil {
		return conversationCreated(existing, lo, hi), false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return protocol.ConversationCreated{}, false, fmt.Errorf("lookup conversation: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(name, is_direct, user1_id, user2_id) VALUES ('', 1, ?, ?)
`, lo, hi)
	if err != nil {
		return protocol.ConversationCreated{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return protocol.ConversationCreated{}, false, fmt.Errorf("conversation id: %w", err)
	}
	return conversationCreated(id, lo, hi), true, nil
}

func conversationCreated(id, lo, hi int64) protocol.ConversationCreated {
	return protocol.ConversationCreated{
		ConversationID:  id,
		Participants:    []int64{lo, hi},
		IsDirectMessage: true,
	}
}
