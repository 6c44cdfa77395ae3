package relay

import (
	"github.com/gofiber/contrib/websocket"
)

// ConnLike is the slice of the websocket connection a session drives;
// narrowed to an interface so hub tests can run without sockets.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// Session is one connected client. UserID and Username are zero until the
// client registers.
type Session struct {
	ID       string
	Conn     ConnLike
	Send     chan []byte
	UserID   int64
	Username string
}

// ReadPump feeds inbound frames to the hub until the socket errors out or
// the hub stops. Runs on the connection's handler goroutine.
func (s *Session) ReadPump(h *Hub) {
	for {
		_, data, err := s.Conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case h.FrameChan <- &Frame{Session: s, Data: data}:
		case <-h.done:
			return
		}
	}
}

// WritePump drains the send queue onto the socket. Ends when the hub closes
// the queue on unregister.
func (s *Session) WritePump() {
	for data := range s.Send {
		_ = s.Conn.WriteMessage(websocket.TextMessage, data)
	}
}
