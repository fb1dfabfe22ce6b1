package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

// TransportHandler 信令通道事件，在通道的读协程上回调
type TransportHandler interface {
	OnMessage(msg Message)

	// OnClose 通道关闭时调用一次，本端主动关闭时 err 为 nil
	OnClose(err error)
}

// Transport 已建立的信令通道
type Transport interface {
	Send(msg Message) error
	Close() error
}

// Dialer 建立信令通道
type Dialer interface {
	Dial(ctx context.Context, url string, handler TransportHandler) (Transport, error)
}

// WebSocketDialer 基于 gorilla/websocket 的信令通道
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

// NewWebSocketDialer 按远端配置创建 Dialer
func NewWebSocketDialer(cfg *config.RemoteConfig) *WebSocketDialer {
	return &WebSocketDialer{
		HandshakeTimeout: cfg.DialTimeout,
		WriteTimeout:     cfg.WriteTimeout,
	}
}

// Dial 连接信令服务并启动读协程
func (d *WebSocketDialer) Dial(ctx context.Context, url string, handler TransportHandler) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (status %d)", ErrTransportFailed, url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransportFailed, url, err)
	}
	conn.SetReadLimit(MaxMessageSize)

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	t := &wsTransport{
		conn:         conn,
		handler:      handler,
		writeTimeout: writeTimeout,
		logger:       config.GetLoggerWithPrefix("signaling-transport"),
	}
	go t.readPump()
	return t, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	handler      TransportHandler
	writeTimeout time.Duration
	logger       *logrus.Entry

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func (t *wsTransport) Send(msg Message) error {
	if t.closed.Load() {
		return fmt.Errorf("%w: transport closed", ErrTransportFailed)
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransportFailed, msg.Type, err)
	}
	t.logger.Debugf("📤 Signaling message sent: type=%s, %d bytes", msg.Type, len(data))
	return nil
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)

		t.writeMu.Lock()
		deadline := time.Now().Add(t.writeTimeout)
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
		t.writeMu.Unlock()

		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) readPump() {
	var closeErr error
	defer func() {
		t.conn.Close()
		if t.closed.Load() {
			closeErr = nil
		}
		t.handler.OnClose(closeErr)
	}()

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			switch {
			case t.closed.Load():
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				t.logger.Infof("Signaling connection closed by server: %v", err)
				closeErr = fmt.Errorf("%w: closed by server: %v", ErrTransportFailed, err)
			default:
				t.logger.Warnf("⚠️ Signaling read error: %v", err)
				closeErr = fmt.Errorf("%w: read: %v", ErrTransportFailed, err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			t.logger.Debugf("Ignoring non-text signaling message (type: %d)", messageType)
			continue
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			t.logger.Warnf("⚠️ Dropping invalid signaling message: %v", err)
			continue
		}
		t.handler.OnMessage(msg)
	}
}
