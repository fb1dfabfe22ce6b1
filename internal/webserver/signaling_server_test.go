package webserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/signaling"
)

func newRelay(t *testing.T) (*SignalingServer, string) {
	t.Helper()
	relay := NewSignalingServer()
	require.NoError(t, relay.Start(context.Background()))
	t.Cleanup(func() { relay.Stop() })

	router := mux.NewRouter()
	require.NoError(t, relay.SetupRoutes(router))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return relay, "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/signaling/ws"
}

type relayClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRelay(t *testing.T, url string) *relayClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &relayClient{t: t, conn: conn}
}

func (c *relayClient) send(msg signaling.Message) {
	c.t.Helper()
	data, err := msg.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *relayClient) join(room, user string) {
	msg := signaling.NewMessage(signaling.MessageTypeJoin, room)
	msg.UserID = user
	c.send(msg)
}

// expect 读取消息直到出现指定类型
func (c *relayClient) expect(msgType string) signaling.Message {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", msgType)
		msg, err := signaling.DecodeMessage(data)
		require.NoError(c.t, err)
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestSignalingServerRelay(t *testing.T) {
	relay, url := newRelay(t)

	alice := dialRelay(t, url)
	alice.join("room-1", "alice")
	assert.Eventually(t, func() bool { return len(relay.RoomMembers("room-1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	bob := dialRelay(t, url)
	bob.join("room-1", "bob")

	joined := alice.expect(signaling.MessageTypeUserJoined)
	assert.Equal(t, "bob", joined.UserID)
	existing := bob.expect(signaling.MessageTypeUserJoined)
	assert.Equal(t, "alice", existing.UserID)
	assert.Equal(t, []string{"alice", "bob"}, relay.RoomMembers("room-1"))

	offer := signaling.NewMessage(signaling.MessageTypeOffer, "room-1")
	offer.SDP = "v=0"
	alice.send(offer)
	got := bob.expect(signaling.MessageTypeOffer)
	assert.Equal(t, "v=0", got.SDP)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "room-1", got.RoomID)

	bob.send(signaling.NewMessage(signaling.MessageTypeBye, "room-1"))
	bye := alice.expect(signaling.MessageTypeBye)
	assert.Equal(t, "bob", bye.UserID)
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice"}, relay.RoomMembers("room-1"))
	}, 2*time.Second, 10*time.Millisecond)

	// 未发送 bye 的断开通知 user-left
	carol := dialRelay(t, url)
	carol.join("room-1", "carol")
	alice.expect(signaling.MessageTypeUserJoined)
	carol.conn.Close()
	left := alice.expect(signaling.MessageTypeUserLeft)
	assert.Equal(t, "carol", left.UserID)

	stats := relay.GetStats()
	assert.GreaterOrEqual(t, stats["total_relayed"].(int64), int64(2))
}

func TestSignalingServerErrors(t *testing.T) {
	relay, url := newRelay(t)
	client := dialRelay(t, url)

	offer := signaling.NewMessage(signaling.MessageTypeOffer, "room-1")
	offer.SDP = "v=0"
	client.send(offer)
	assert.Contains(t, client.expect(signaling.MessageTypeError).Message, "before join")

	require.NoError(t, client.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	assert.Contains(t, client.expect(signaling.MessageTypeError).Message, "unknown type")

	client.send(signaling.NewMessage(signaling.MessageTypeJoin, ""))
	assert.Contains(t, client.expect(signaling.MessageTypeError).Message, "requires roomId")

	client.join("room-1", "dup")
	other := dialRelay(t, url)
	other.join("room-1", "dup")
	assert.Contains(t, other.expect(signaling.MessageTypeError).Message, "already in room")
	assert.Equal(t, []string{"dup"}, relay.RoomMembers("room-1"))

	require.NoError(t, relay.Stop())
	resp, err := http.Get(strings.Replace(url, "ws://", "http://", 1))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSignalingServerExpiresIdleConnections(t *testing.T) {
	relay, url := newRelay(t)
	alice := dialRelay(t, url)
	alice.join("room-1", "alice")
	bob := dialRelay(t, url)
	bob.join("room-1", "bob")
	alice.expect(signaling.MessageTypeUserJoined)

	assert.Eventually(t, func() bool { return len(relay.RoomMembers("room-1")) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, relay.cleanupExpiredConnections(0))
	assert.Empty(t, relay.RoomMembers("room-1"))
}

// 远端接收器经由内置房间服务与 pion 推流端完成协商
func TestSignalingServerWithReceiver(t *testing.T) {
	relay, url := newRelay(t)

	cfg := config.DefaultRemoteConfig()
	cfg.SignalingURL = url
	cfg.RoomID = "room-e2e"
	cfg.ICEServers = nil
	cfg.ByeGracePeriod = 20 * time.Millisecond
	cfg.KeyframeInterval = 0

	receiver, err := signaling.NewReceiver(cfg, signaling.ListenerFuncs{})
	require.NoError(t, err)
	defer receiver.Close()

	require.NoError(t, receiver.Start())
	assert.Eventually(t, func() bool { return len(relay.RoomMembers("room-e2e")) == 1 }, 3*time.Second, 10*time.Millisecond)

	publisher := dialRelay(t, url)
	publisher.join("room-e2e", "publisher")
	publisher.expect(signaling.MessageTypeUserJoined)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "publisher")
	require.NoError(t, err)
	_, err = pc.AddTrack(track)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))

	msg := signaling.NewMessage(signaling.MessageTypeOffer, "room-e2e")
	msg.SDP = offer.SDP
	publisher.send(msg)

	answer := publisher.expect(signaling.MessageTypeAnswer)
	require.NoError(t, pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}))
	assert.Eventually(t, func() bool {
		return receiver.State() == signaling.StateConnected
	}, 3*time.Second, 10*time.Millisecond)

	receiver.Stop(true)
	publisher.expect(signaling.MessageTypeBye)
	assert.Equal(t, signaling.StateDisconnected, receiver.State())
}
