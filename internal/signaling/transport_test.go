package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signalingServer 测试用信令服务，记录收到的消息
type signalingServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []Message
	conns    []*websocket.Conn
	onJoin   func(conn *websocket.Conn, msg Message)
}

func newSignalingServer(t *testing.T) *signalingServer {
	s := &signalingServer{t: t}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *signalingServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *signalingServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		onJoin := s.onJoin
		s.mu.Unlock()
		if msg.Type == MessageTypeJoin && onJoin != nil {
			onJoin(conn, msg)
		}
	}
}

func (s *signalingServer) count(msgType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.received {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func (s *signalingServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

type handlerRecorder struct {
	messages chan Message
	closed   chan error
}

func newHandlerRecorder() *handlerRecorder {
	return &handlerRecorder{messages: make(chan Message, 16), closed: make(chan error, 1)}
}

func (h *handlerRecorder) OnMessage(msg Message) { h.messages <- msg }
func (h *handlerRecorder) OnClose(err error)     { h.closed <- err }

func TestWebSocketTransport(t *testing.T) {
	srv := newSignalingServer(t)
	srv.onJoin = func(conn *websocket.Conn, msg Message) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
		reply := NewMessage(MessageTypeUserJoined, msg.RoomID)
		reply.UserID = "peer"
		data, _ := reply.Encode()
		conn.WriteMessage(websocket.TextMessage, data)
	}

	dialer := &WebSocketDialer{HandshakeTimeout: time.Second, WriteTimeout: time.Second}
	h := newHandlerRecorder()
	transport, err := dialer.Dial(context.Background(), srv.URL(), h)
	require.NoError(t, err)

	join := NewMessage(MessageTypeJoin, "room-1")
	require.NoError(t, transport.Send(join))

	select {
	case msg := <-h.messages:
		// 无效消息被丢弃，只收到 user-joined
		assert.Equal(t, MessageTypeUserJoined, msg.Type)
		assert.Equal(t, "peer", msg.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message from server")
	}
	assert.Equal(t, 1, srv.count(MessageTypeJoin))

	srv.dropConnections()
	select {
	case err := <-h.closed:
		assert.ErrorIs(t, err, ErrTransportFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}

	assert.Error(t, transport.Send(join))
	transport.Close()
}

func TestWebSocketTransportLocalClose(t *testing.T) {
	srv := newSignalingServer(t)
	dialer := &WebSocketDialer{HandshakeTimeout: time.Second, WriteTimeout: time.Second}
	h := newHandlerRecorder()
	transport, err := dialer.Dial(context.Background(), srv.URL(), h)
	require.NoError(t, err)

	require.NoError(t, transport.Close())
	select {
	case err := <-h.closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}
	assert.ErrorIs(t, transport.Send(NewMessage(MessageTypeKeepalive, "r")), ErrTransportFailed)
}

func TestWebSocketDialFailure(t *testing.T) {
	dialer := &WebSocketDialer{HandshakeTimeout: 200 * time.Millisecond}
	_, err := dialer.Dial(context.Background(), "ws://127.0.0.1:1/ws", newHandlerRecorder())
	assert.ErrorIs(t, err, ErrTransportFailed)
}
