// Package transport owns the physical websocket: one live socket per
// Transport at any time, surfaced to its single owner through lifecycle
// callbacks. It knows nothing about chat semantics.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"go.uber.org/zap"
)

// ErrSendRejected reports a send attempted while the socket is not open.
// The frame is dropped; the transport never queues.
var ErrSendRejected = errors.New("websocket not open, frame dropped")

// Status is the transport's ready state.
type Status int

const (
	StatusClosed Status = iota
	StatusConnecting
	StatusOpen
)

// Handler receives socket lifecycle events. Events from a socket that has
// been replaced or torn down are never delivered.
type Handler interface {
	HandleOpen()
	HandleClose(code int, reason string, clean bool)
	HandleMessage(data []byte)
	HandleError(err error)
}

// Conn is the slice of the websocket connection the transport drives.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a connection; injected so tests can run without a server.
type Dialer func(url string, protocols []string) (Conn, error)

// DefaultDialer dials over fasthttp/websocket.
func DefaultDialer(url string, protocols []string) (Conn, error) {
	d := websocket.Dialer{
		Subprotocols:     protocols,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := d.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

type Transport struct {
	handler Handler
	dial    Dialer
	log     *zap.Logger

	mu     sync.Mutex
	gen    uint64 // bumped on every Connect/Disconnect; stale sockets check it
	conn   Conn
	status Status
}

// New builds a transport delivering events to handler. A nil dialer means
// DefaultDialer; a nil logger is replaced with a nop.
func New(handler Handler, dial Dialer, log *zap.Logger) *Transport {
	if dial == nil {
		dial = DefaultDialer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{handler: handler, dial: dial, log: log}
}

// Connect tears down any existing socket and opens a new one. The dial runs
// asynchronously; the outcome arrives as HandleOpen or HandleError. Events
// still in flight from a replaced socket are discarded.
func (t *Transport) Connect(url string, protocols ...string) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.status = StatusConnecting
	t.mu.Unlock()

	go func() {
		conn, err := t.dial(url, protocols)

		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			t.status = StatusClosed
			t.mu.Unlock()
			t.handler.HandleError(err)
			return
		}
		t.conn = conn
		t.status = StatusOpen
		t.mu.Unlock()

		// A Disconnect between the unlock and here has already retired and
		// closed this socket; its open event must not be delivered.
		if t.stale(gen) {
			return
		}
		t.handler.HandleOpen()
		t.readLoop(gen, conn)
	}()
}

func (t *Transport) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			if t.stale(gen) {
				return
			}
			t.handler.HandleMessage(data)
			continue
		}

		t.mu.Lock()
		stale := gen != t.gen
		if !stale {
			t.conn = nil
			t.status = StatusClosed
		}
		t.mu.Unlock()
		if stale {
			return
		}

		code, reason, clean := closeDetails(err)
		t.handler.HandleClose(code, reason, clean)
		return
	}
}

func (t *Transport) stale(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen != t.gen
}

func closeDetails(err error) (code int, reason string, clean bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		clean = ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
		return ce.Code, ce.Text, clean
	}
	return websocket.CloseAbnormalClosure, err.Error(), false
}

// Send writes one text frame. When the socket is not open the frame is
// dropped with a warning and ErrSendRejected; nothing is queued or retried.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	open := t.status == StatusOpen
	t.mu.Unlock()

	if !open || conn == nil {
		t.log.Warn("send rejected, socket not open")
		return ErrSendRejected
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Disconnect requests a clean close. The socket is retired immediately: no
// further events from it reach the handler.
func (t *Transport) Disconnect(code int, reason string) {
	t.mu.Lock()
	t.gen++
	conn := t.conn
	t.conn = nil
	t.status = StatusClosed
	t.mu.Unlock()

	if conn != nil {
		closeFrame := websocket.FormatCloseMessage(code, reason)
		_ = conn.WriteMessage(websocket.CloseMessage, closeFrame)
		_ = conn.Close()
	}
}

// State reports the current ready state for callers gating sends.
func (t *Transport) State() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}
