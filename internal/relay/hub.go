// Package relay is the fan-out server: it validates client commands,
// persists what must survive a reconnect, and broadcasts envelopes to every
// connected session. It holds no chat state of its own beyond the session
// registry; history lives in the store.
package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-relay.git/internal/protocol"
	"github.com/pelusa-v/pelusa-relay.git/internal/relay/store"
)

// Frame is one raw inbound frame with its originating session.
type Frame struct {
	Session *Session
	Data    []byte
}

const storeOpTimeout = 5 * time.Second

type Hub struct {
	store *store.Store
	log   *zap.Logger

	historyLimit int

	mu       sync.RWMutex
	sessions map[string]*Session

	RegisterChan   chan *Session
	UnregisterChan chan *Session
	FrameChan      chan *Frame

	// closed when Run returns; pumps blocked on the channels above bail out
	done chan struct{}
}

func NewHub(st *store.Store, historyLimit int, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		store:          st,
		log:            log,
		historyLimit:   historyLimit,
		sessions:       map[string]*Session{},
		RegisterChan:   make(chan *Session),
		UnregisterChan: make(chan *Session),
		FrameChan:      make(chan *Frame, 16),
		done:           make(chan struct{}),
	}
}

// Run consumes the hub's channels until ctx is cancelled. All session
// registry mutation and command handling happens here, one event at a time.
// On return every session's send queue is closed, so write pumps drain out
// and read pumps stop feeding the hub.
func (h *Hub) Run(ctx context.Context) {
	defer h.quiesce()
	for {
		select {
		case <-ctx.Done():
			return

		case sess := <-h.RegisterChan:
			h.mu.Lock()
			h.sessions[sess.ID] = sess
			h.mu.Unlock()
			h.log.Info("session connected", zap.String("session", sess.ID))

		case sess := <-h.UnregisterChan:
			h.mu.Lock()
			_, known := h.sessions[sess.ID]
			if known {
				delete(h.sessions, sess.ID)
				close(sess.Send)
			}
			h.mu.Unlock()
			if !known {
				continue
			}
			h.log.Info("session disconnected",
				zap.String("session", sess.ID), zap.String("username", sess.Username))
			if sess.Username != "" {
				h.broadcastNotice("user.left", sess.Username+" left")
			}

		case frame := <-h.FrameChan:
			h.handleFrame(ctx, frame)
		}
	}
}

// quiesce releases every goroutine still attached to the hub after Run has
// stopped consuming. Closing done unblocks pumps stuck on the hub channels;
// closing the send queues ends the write pumps. Runs after the loop, so it
// never races the unregister path's close.
func (h *Hub) quiesce() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sess := range h.sessions {
		close(sess.Send)
	}
	h.sessions = map[string]*Session{}
}

func (h *Hub) handleFrame(ctx context.Context, frame *Frame) {
	cmd, _, err := protocol.DecodeCommand(frame.Data)
	if err != nil {
		h.log.Warn("dropped client frame",
			zap.String("session", frame.Session.ID), zap.Error(err))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	switch c := cmd.(type) {
	case protocol.MessageSend:
		h.handleMessageSend(opCtx, c)
	case protocol.UserRegister:
		h.handleUserRegister(opCtx, frame.Session, c)
	case protocol.UserTyping:
		// Presence signal; no inbound envelope kind exists for it.
		h.log.Debug("typing",
			zap.Int64("conversation", c.ConversationID), zap.Int64("sender", c.SenderID))
	case protocol.ConversationCreate:
		h.handleConversationCreate(opCtx, frame.Session, c)
	case protocol.HistoryRequest:
		h.handleHistoryRequest(opCtx, frame.Session)
	}
}

func (h *Hub) handleMessageSend(ctx context.Context, send protocol.MessageSend) {
	msg, err := h.store.SaveMessage(ctx, send)
	if err != nil {
		h.log.Error("persist message", zap.Error(err))
		return
	}
	h.broadcast(msg)
}

func (h *Hub) handleUserRegister(ctx context.Context, sess *Session, reg protocol.UserRegister) {
	user, err := h.store.RegisterUser(ctx, reg.Username)
	if err != nil {
		h.log.Error("register user", zap.Error(err))
		return
	}
	sess.UserID = user.ID
	sess.Username = user.Username
	h.broadcast(user)
	h.broadcastNotice("user.joined", user.Username+" joined")
}

func (h *Hub) handleConversationCreate(ctx context.Context, sess *Session, req protocol.ConversationCreate) {
	conv, created, err := h.store.CreateDirectConversation(ctx, req.User1ID, req.User2ID)
	if err != nil {
		h.log.Error("create conversation", zap.Error(err))
		return
	}
	if created {
		// Both participants (and everyone else) learn about it.
		h.broadcast(conv)
		return
	}
	// Already provisioned; re-announce to the requester only so a client
	// that lost the original broadcast can still materialize it.
	h.sendTo(sess, conv)
}

func (h *Hub) handleHistoryRequest(ctx context.Context, sess *Session) {
	messages, err := h.store.History(ctx, h.historyLimit)
	if err != nil {
		h.log.Error("load history", zap.Error(err))
		return
	}
	users, err := h.store.Users(ctx)
	if err != nil {
		h.log.Error("load users", zap.Error(err))
		return
	}
	h.sendTo(sess, protocol.HistoryResponse{
		Messages: messages,
		Users:    users,
	})
}

func (h *Hub) broadcastNotice(code, text string) {
	h.broadcast(protocol.SystemNotice{
		Code:      code,
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// broadcast fans an envelope out to every session. A session whose send
// queue is full misses the frame rather than stalling the hub.
func (h *Hub) broadcast(payload protocol.Inbound) {
	data, err := protocol.EncodeInbound(payload)
	if err != nil {
		h.log.Error("encode envelope", zap.Error(err))
		return
	}

	h.mu.RLock()
	snapshot := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		snapshot = append(snapshot, sess)
	}
	h.mu.RUnlock()

	for _, sess := range snapshot {
		select {
		case sess.Send <- data:
		default:
			h.log.Warn("send queue full, frame dropped", zap.String("session", sess.ID))
		}
	}
}

func (h *Hub) sendTo(sess *Session, payload protocol.Inbound) {
	data, err := protocol.EncodeInbound(payload)
	if err != nil {
		h.log.Error("encode envelope", zap.Error(err))
		return
	}
	select {
	case sess.Send <- data:
	default:
		h.log.Warn("send queue full, frame dropped", zap.String("session", sess.ID))
	}
}
