package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a scriptable Conn. ReadMessage blocks on the frames channel
// until a frame, an error, or Close arrives.
type fakeConn struct {
	frames chan []byte
	errs   chan error

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 8),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.frames:
		return websocket.TextMessage, data, nil
	case err := <-c.errs:
		return 0, nil, err
	case <-c.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type closeEvent struct {
	code  int
	clean bool
}

// recorder collects delivered events for assertions.
type recorder struct {
	mu       sync.Mutex
	opens    int
	closes   []closeEvent
	messages [][]byte
	errs     []error
	opened   chan struct{}
	handled  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		opened:  make(chan struct{}, 8),
		handled: make(chan struct{}, 64),
	}
}

func (r *recorder) HandleOpen() {
	r.mu.Lock()
	r.opens++
	r.mu.Unlock()
	r.opened <- struct{}{}
	r.handled <- struct{}{}
}

func (r *recorder) HandleClose(code int, _ string, clean bool) {
	r.mu.Lock()
	r.closes = append(r.closes, closeEvent{code, clean})
	r.mu.Unlock()
	r.handled <- struct{}{}
}

func (r *recorder) HandleMessage(data []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, append([]byte(nil), data...))
	r.mu.Unlock()
	r.handled <- struct{}{}
}

func (r *recorder) HandleError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.handled <- struct{}{}
}

func (r *recorder) waitEvent(t *testing.T) {
	t.Helper()
	select {
	case <-r.handled:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
	}
}

func (r *recorder) snapshot() (opens int, closes []closeEvent, messages [][]byte, errs []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens,
		append([]closeEvent(nil), r.closes...),
		append([][]byte(nil), r.messages...),
		append([]error(nil), r.errs...)
}

func dialerFor(conns ...*fakeConn) Dialer {
	i := 0
	var mu sync.Mutex
	return func(url string, _ []string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(conns) {
			return nil, errors.New("no more connections scripted")
		}
		c := conns[i]
		i++
		return c, nil
	}
}

func TestConnectDeliversOpenAndFrames(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	tr := New(rec, dialerFor(conn), nil)

	tr.Connect("ws://test/ws")
	rec.waitEvent(t) // open
	assert.Equal(t, StatusOpen, tr.State())

	conn.frames <- []byte(`{"type":"message"}`)
	rec.waitEvent(t)

	opens, _, messages, _ := rec.snapshot()
	assert.Equal(t, 1, opens)
	require.Len(t, messages, 1)
	assert.JSONEq(t, `{"type":"message"}`, string(messages[0]))
}

func TestSendRejectedWhenNotOpen(t *testing.T) {
	rec := newRecorder()
	tr := New(rec, dialerFor(), nil)

	err := tr.Send([]byte("frame"))
	assert.ErrorIs(t, err, ErrSendRejected)
}

func TestSendWritesTextFrame(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	tr := New(rec, dialerFor(conn), nil)

	tr.Connect("ws://test/ws")
	rec.waitEvent(t)

	require.NoError(t, tr.Send([]byte("hello")))
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.writes, 1)
	assert.Equal(t, "hello", string(conn.writes[0]))
}

func TestDialErrorSurfacesAsHandleError(t *testing.T) {
	rec := newRecorder()
	tr := New(rec, func(string, []string) (Conn, error) {
		return nil, errors.New("connection refused")
	}, nil)

	tr.Connect("ws://test/ws")
	rec.waitEvent(t)

	_, _, _, errs := rec.snapshot()
	require.Len(t, errs, 1)
	assert.Equal(t, StatusClosed, tr.State())
}

func TestCloseClassification(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		code  int
		clean bool
	}{
		{"normal closure", &websocket.CloseError{Code: websocket.CloseNormalClosure}, 1000, true},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, 1001, true},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, 1006, false},
		{"io error", errors.New("connection reset"), 1006, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := newFakeConn()
			rec := newRecorder()
			tr := New(rec, dialerFor(conn), nil)

			tr.Connect("ws://test/ws")
			rec.waitEvent(t) // open
			conn.errs <- tc.err
			rec.waitEvent(t) // close

			_, closes, _, _ := rec.snapshot()
			require.Len(t, closes, 1)
			assert.Equal(t, tc.code, closes[0].code)
			assert.Equal(t, tc.clean, closes[0].clean)
			assert.Equal(t, StatusClosed, tr.State())
		})
	}
}

func TestReconnectReplacesSocketAndDropsStaleEvents(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	rec := newRecorder()
	tr := New(rec, dialerFor(first, second), nil)

	tr.Connect("ws://test/ws")
	rec.waitEvent(t) // first open

	tr.Connect("ws://test/ws")
	rec.waitEvent(t) // second open

	assert.True(t, first.isClosed(), "replaced socket must be closed")

	// A frame still buffered on the old socket must not be delivered. The
	// old read loop exits on the close error without a HandleClose.
	second.frames <- []byte("live")
	rec.waitEvent(t)

	opens, closes, messages, _ := rec.snapshot()
	assert.Equal(t, 2, opens)
	assert.Empty(t, closes)
	require.Len(t, messages, 1)
	assert.Equal(t, "live", string(messages[0]))
}

func TestDisconnectRetiresSocketImmediately(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	tr := New(rec, dialerFor(conn), nil)

	tr.Connect("ws://test/ws")
	rec.waitEvent(t)

	tr.Disconnect(websocket.CloseNormalClosure, "bye")
	assert.Equal(t, StatusClosed, tr.State())
	assert.True(t, conn.isClosed())

	// The retired socket's read loop ends without reporting a close.
	time.Sleep(50 * time.Millisecond)
	_, closes, _, _ := rec.snapshot()
	assert.Empty(t, closes)

	assert.ErrorIs(t, tr.Send([]byte("late")), ErrSendRejected)
}

func TestDisconnectDuringDialSuppressesOpen(t *testing.T) {
	release := make(chan struct{})
	conn := newFakeConn()
	rec := newRecorder()
	tr := New(rec, func(string, []string) (Conn, error) {
		<-release
		return conn, nil
	}, nil)

	tr.Connect("ws://test/ws")
	tr.Disconnect(websocket.CloseNormalClosure, "going away")
	close(release)

	// The dial completes after the socket was retired: no open event, the
	// connection is closed, and the transport stays closed.
	require.Eventually(t, conn.isClosed, 2*time.Second, 10*time.Millisecond)
	opens, _, _, _ := rec.snapshot()
	assert.Equal(t, 0, opens)
	assert.Equal(t, StatusClosed, tr.State())
}

func TestStaleDialOutcomeDiscarded(t *testing.T) {
	release := make(chan struct{})
	slow := newFakeConn()
	fast := newFakeConn()
	calls := 0
	var mu sync.Mutex
	rec := newRecorder()
	tr := New(rec, func(string, []string) (Conn, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-release // finishes after the second Connect superseded it
			return slow, nil
		}
		return fast, nil
	}, nil)

	tr.Connect("ws://test/ws")
	tr.Connect("ws://test/ws")
	rec.waitEvent(t) // open from the second dial
	close(release)

	// The slow dial's socket is closed without ever opening.
	require.Eventually(t, slow.isClosed, 2*time.Second, 10*time.Millisecond)
	opens, _, _, _ := rec.snapshot()
	assert.Equal(t, 1, opens)
}
