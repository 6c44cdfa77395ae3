// Package client implements the chat client core: the connection supervisor
// driving one Transport, the envelope codec boundary, and the synchronized
// state store behind read-only selectors. All state transitions run on a
// single event loop fed by transport callbacks, timers and local commands,
// in the order they arrive.
package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-relay.git/internal/client/store"
	syncpolicy "github.com/pelusa-v/pelusa-relay.git/internal/client/sync"
	"github.com/pelusa-v/pelusa-relay.git/internal/client/transport"
	"github.com/pelusa-v/pelusa-relay.git/internal/protocol"
)

// Config tunes the supervisor. Zero values take the defaults below, which
// match the production policy: five reconnect attempts three seconds apart.
type Config struct {
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	RegistrationTimeout  time.Duration

	Logger    *zap.Logger
	Dialer    transport.Dialer // nil means the real websocket dialer
	UserCache UserCache        // nil disables identity persistence
}

const (
	defaultReconnectDelay      = 3 * time.Second
	defaultMaxReconnects       = 5
	defaultRegistrationTimeout = 10 * time.Second
)

func (c *Config) fill() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnects
	}
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = defaultRegistrationTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evOpen
	evClose
	evMessage
	evError
	evSend
	evRequestHistory
	evClearMessages
	evSetActive
	evCreatePrivate
	evReconnectDue
	evRegistrationDue
)

type event struct {
	kind eventKind

	url       string
	protocols []string

	data   []byte
	err    error
	code   int
	reason string
	clean  bool

	cmd          protocol.Outbound
	optimisticID string

	conversationID int64
	otherUserID    int64
	username       string
}

// Engine is the client core. Construct with New, drive with the command
// methods, read with the selector methods, and Close when done.
type Engine struct {
	cfg Config
	log *zap.Logger

	transport *transport.Transport

	mu    sync.RWMutex
	state *store.State

	events chan event
	done   chan struct{}
	loopWG sync.WaitGroup

	reconnectTimer    *time.Timer
	registrationTimer *time.Timer
}

// New builds and starts an engine. A persisted identity, when the cache
// holds one, is installed before the loop starts.
func New(cfg Config) *Engine {
	cfg.fill()
	e := &Engine{
		cfg:    cfg,
		log:    cfg.Logger,
		state:  store.New(),
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
	e.transport = transport.New(e, cfg.Dialer, cfg.Logger)

	if cfg.UserCache != nil {
		if u, err := cfg.UserCache.Load(); err != nil {
			e.log.Warn("user cache unreadable", zap.Error(err))
		} else if u != nil {
			e.state.SetCurrentUser(*u)
		}
	}

	e.loopWG.Add(1)
	go e.loop()
	return e
}

// Close stops the loop and tears the socket down. Safe to call once.
func (e *Engine) Close() {
	close(e.done)
	e.transport.Disconnect(1000, "client shutting down")
	e.loopWG.Wait()
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// Transport handler. Callbacks arrive from transport goroutines and are
// serialized onto the loop.

func (e *Engine) HandleOpen()               { e.post(event{kind: evOpen}) }
func (e *Engine) HandleMessage(data []byte) { e.post(event{kind: evMessage, data: data}) }
func (e *Engine) HandleError(err error)     { e.post(event{kind: evError, err: err}) }
func (e *Engine) HandleClose(code int, reason string, clean bool) {
	e.post(event{kind: evClose, code: code, reason: reason, clean: clean})
}

// Commands.

// Connect opens (or re-opens) the socket. An explicit connect cancels any
// pending reconnect timer.
func (e *Engine) Connect(url string, protocols ...string) {
	e.post(event{kind: evConnect, url: url, protocols: protocols})
}

// Disconnect tears the connection down and stops the reconnect policy.
// Identity and the user directory survive.
func (e *Engine) Disconnect() { e.post(event{kind: evDisconnect}) }

// Send records cmd optimistically and writes it to the wire. optimisticID
// keys the local entry; empty means a generated one.
func (e *Engine) Send(cmd protocol.Outbound, optimisticID string) {
	e.post(event{kind: evSend, cmd: cmd, optimisticID: optimisticID})
}

// SendChatMessage posts text to a conversation as the current user.
func (e *Engine) SendChatMessage(conversationID int64, text string) {
	e.post(event{kind: evSend, cmd: protocol.MessageSend{
		ConversationID: conversationID,
		Text:           text,
	}})
}

// Register claims a username. The claim stays pending until the server
// confirms it or the registration timeout expires.
func (e *Engine) Register(username string) {
	e.Send(protocol.UserRegister{Username: username}, "")
}

// Typing signals typing activity in a conversation, fire and forget.
func (e *Engine) Typing(conversationID int64) {
	e.post(event{kind: evSend, cmd: protocol.UserTyping{ConversationID: conversationID}})
}

// RequestHistory asks the relay to replay persisted history.
func (e *Engine) RequestHistory() { e.post(event{kind: evRequestHistory}) }

// ClearMessages empties the local message table.
func (e *Engine) ClearMessages() { e.post(event{kind: evClearMessages}) }

// SetActiveConversation focuses a conversation and clears its unread count.
func (e *Engine) SetActiveConversation(id int64) {
	e.post(event{kind: evSetActive, conversationID: id})
}

// CreatePrivateConversation focuses an existing two-party conversation with
// the user, or asks the relay to provision one.
func (e *Engine) CreatePrivateConversation(otherUserID int64) {
	e.post(event{kind: evCreatePrivate, otherUserID: otherUserID})
}

// Event loop.

func (e *Engine) loop() {
	defer e.loopWG.Done()
	defer e.stopTimers()
	for {
		select {
		case <-e.done:
			return
		case ev := <-e.events:
			e.dispatch(ev)
		}
	}
}

func (e *Engine) dispatch(ev event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.kind {
	case evConnect:
		e.handleConnect(ev.url, ev.protocols)
	case evDisconnect:
		e.handleDisconnect()
	case evOpen:
		e.handleOpen()
	case evClose:
		e.handleClose(ev.clean)
	case evError:
		e.handleTransportError(ev.err)
	case evMessage:
		e.handleFrame(ev.data)
	case evSend:
		e.handleSend(ev.cmd, ev.optimisticID)
	case evRequestHistory:
		e.sendHistoryRequest()
	case evClearMessages:
		e.state.ClearMessages()
	case evSetActive:
		e.state.SetActiveConversation(ev.conversationID)
	case evCreatePrivate:
		e.handleCreatePrivate(ev.otherUserID)
	case evReconnectDue:
		e.handleReconnectDue()
	case evRegistrationDue:
		e.handleRegistrationDue(ev.username)
	}
}

func (e *Engine) handleConnect(url string, protocols []string) {
	e.cancelReconnectTimer()
	e.state.Connect(url)
	e.transport.Connect(url, protocols...)
	e.log.Info("connecting", zap.String("url", url))
}

func (e *Engine) handleDisconnect() {
	e.cancelReconnectTimer()
	e.transport.Disconnect(1000, "client disconnected")
	e.state.Disconnect()
	e.log.Info("disconnected by request")
}

func (e *Engine) handleOpen() {
	e.state.Connected()
	e.log.Info("connected", zap.String("url", e.state.Connection.URL))
	// History is requested exactly once per successful connection.
	e.sendHistoryRequest()
	e.resendPendingRegistration()
}

// resendPendingRegistration re-sends a username claim that was issued before
// the socket was up, or lost with it. The transport never queues, so a
// register command written while connecting was dropped; the claim itself
// stays pending and is replayed here with a fresh timeout.
func (e *Engine) resendPendingRegistration() {
	if e.state.Session.Registration != store.RegistrationPending {
		return
	}
	username := e.state.Session.PendingUsername
	if username == "" {
		return
	}
	e.armRegistrationTimer(username)
	e.writeCommand(protocol.UserRegister{Username: username}, timeNowMillis())
}

func (e *Engine) handleClose(clean bool) {
	e.state.Disconnected()
	if clean {
		e.log.Info("connection closed")
		return
	}
	e.scheduleReconnect()
}

func (e *Engine) handleTransportError(err error) {
	e.state.ConnectionError(fmt.Sprintf("websocket connection failed: %v", err))
	e.log.Warn("transport error", zap.Error(err))
	e.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer after an unclean loss, bounded
// by the attempt budget. The URL is re-read when the timer fires, so a
// manual disconnect or reconnect in between is respected.
func (e *Engine) scheduleReconnect() {
	conn := &e.state.Connection
	if conn.URL == "" {
		return
	}
	if conn.ReconnectAttempts >= e.cfg.MaxReconnectAttempts {
		conn.Err = "reconnect attempts exhausted"
		e.log.Warn("reconnect attempts exhausted",
			zap.Int("attempts", conn.ReconnectAttempts))
		return
	}
	if e.reconnectTimer != nil {
		return
	}
	e.state.StartReconnecting()
	e.log.Info("scheduling reconnect",
		zap.Int("attempt", conn.ReconnectAttempts),
		zap.Duration("delay", e.cfg.ReconnectDelay))
	e.reconnectTimer = time.AfterFunc(e.cfg.ReconnectDelay, func() {
		e.post(event{kind: evReconnectDue})
	})
}

func (e *Engine) handleReconnectDue() {
	e.reconnectTimer = nil
	url := e.state.Connection.URL // latest, not the one captured at loss time
	if url == "" || e.state.Connection.Status == store.StatusConnected {
		return
	}
	e.state.Connect(url)
	e.state.StopReconnecting()
	e.transport.Connect(url)
	e.log.Info("reconnecting", zap.String("url", url))
}

func (e *Engine) cancelReconnectTimer() {
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	e.state.StopReconnecting()
}

func (e *Engine) handleFrame(raw []byte) {
	payload, err := protocol.DecodeInbound(raw)
	if err != nil {
		e.reportDecodeError(err)
		return
	}

	wasPending := e.state.Session.PendingUsername
	syncpolicy.ApplyInbound(e.state, payload, e.stamp())

	if wasPending != "" && e.state.Session.Registration == store.RegistrationRegistered {
		e.cancelRegistrationTimer()
		e.persistUser()
	}
}

// Decode failures surface on the connection error field and the frame is
// dropped; the connection itself stays up.
func (e *Engine) reportDecodeError(err error) {
	switch {
	case errors.Is(err, protocol.ErrMalformedJSON):
		e.state.ConnectionError("failed to parse incoming JSON")
	case errors.Is(err, protocol.ErrInvalidEnvelope):
		e.state.ConnectionError("invalid server envelope received")
	default:
		var perr *protocol.InvalidPayloadError
		if errors.As(err, &perr) {
			e.state.ConnectionError(fmt.Sprintf("invalid payload for type %s", perr.Kind))
		} else {
			e.state.ConnectionError(err.Error())
		}
	}
	e.log.Warn("dropped inbound frame", zap.Error(err))
}

func (e *Engine) handleSend(cmd protocol.Outbound, optimisticID string) {
	stamp := e.stamp()
	if optimisticID != "" {
		stamp.ID = optimisticID
	}

	switch c := cmd.(type) {
	case protocol.MessageSend:
		if c.SenderID == 0 && e.state.Session.CurrentUser != nil {
			c.SenderID = e.state.Session.CurrentUser.ID
		}
		// The optimistic store id rides along so the relay can echo it back.
		c.ClientMsgID = stamp.ID
		cmd = c
	case protocol.UserTyping:
		if c.SenderID == 0 && e.state.Session.CurrentUser != nil {
			c.SenderID = e.state.Session.CurrentUser.ID
			cmd = c
		}
	}

	syncpolicy.ApplySend(e.state, cmd, stamp)

	if reg, ok := cmd.(protocol.UserRegister); ok {
		e.armRegistrationTimer(reg.Username)
	}

	e.writeCommand(cmd, stamp.Now)
}

func (e *Engine) writeCommand(cmd protocol.Outbound, ts int64) {
	wire, err := protocol.EncodeCommand(cmd, ts)
	if err != nil {
		e.log.Error("encode command", zap.Error(err))
		return
	}
	if err := e.transport.Send(wire); err != nil {
		// Dropped, never queued. The command stays recorded optimistically.
		e.log.Warn("command not sent",
			zap.String("type", cmd.OutboundType()), zap.Error(err))
	}
}

func (e *Engine) sendHistoryRequest() {
	e.state.IsLoadingHistory = true
	e.writeCommand(protocol.HistoryRequest{}, timeNowMillis())
}

func (e *Engine) handleCreatePrivate(otherUserID int64) {
	if existing := e.state.PrivateConversationWith(otherUserID); existing != nil {
		e.state.SetActiveConversation(existing.ID)
		return
	}
	current := e.state.Session.CurrentUser
	if current == nil {
		e.log.Warn("cannot create private conversation without identity")
		return
	}
	e.handleSend(protocol.ConversationCreate{
		User1ID: current.ID,
		User2ID: otherUserID,
	}, "")
}

func (e *Engine) armRegistrationTimer(username string) {
	e.cancelRegistrationTimer()
	e.registrationTimer = time.AfterFunc(e.cfg.RegistrationTimeout, func() {
		e.post(event{kind: evRegistrationDue, username: username})
	})
}

func (e *Engine) handleRegistrationDue(username string) {
	e.registrationTimer = nil
	if e.state.FailRegistration(username, "registration not confirmed in time") {
		e.log.Warn("registration timed out", zap.String("username", username))
	}
}

func (e *Engine) cancelRegistrationTimer() {
	if e.registrationTimer != nil {
		e.registrationTimer.Stop()
		e.registrationTimer = nil
	}
}

func (e *Engine) persistUser() {
	if e.cfg.UserCache == nil || e.state.Session.CurrentUser == nil {
		return
	}
	if err := e.cfg.UserCache.Save(*e.state.Session.CurrentUser); err != nil {
		e.log.Warn("user cache write failed", zap.Error(err))
	}
}

func (e *Engine) stopTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	e.cancelRegistrationTimer()
}

func (e *Engine) stamp() store.Stamp {
	return store.Stamp{ID: uuid.NewString(), Now: timeNowMillis()}
}

func timeNowMillis() int64 { return time.Now().UnixMilli() }
