package webserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/signaling"
)

const (
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	writeWait     = 10 * time.Second
	idleTimeout   = 10 * time.Minute
	sendQueueSize = 256
)

// ConnectionInfo WebSocket连接信息
type ConnectionInfo struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	UserAgent   string    `json:"user_agent"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`

	conn   *websocket.Conn
	send   chan []byte
	closed bool
}

// SignalingServer 信令房间服务
// 只负责 WebSocket 连接管理和同房间消息转发，不处理 WebRTC 逻辑
type SignalingServer struct {
	connections map[*websocket.Conn]*ConnectionInfo
	rooms       map[string]map[string]*ConnectionInfo
	upgrader    websocket.Upgrader
	mutex       sync.RWMutex
	logger      *logrus.Entry
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}

	// 统计信息
	totalConnections int64
	totalMessages    int64
	totalRelayed     int64
	totalErrors      int64
}

// NewSignalingServer 创建信令服务器
func NewSignalingServer() *SignalingServer {
	return &SignalingServer{
		connections: make(map[*websocket.Conn]*ConnectionInfo),
		rooms:       make(map[string]map[string]*ConnectionInfo),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许跨域
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: config.GetLoggerWithPrefix("webserver-signaling"),
	}
}

// SetupRoutes 设置路由
func (s *SignalingServer) SetupRoutes(router *mux.Router) error {
	router.HandleFunc("/api/signaling/ws", s.HandleWebSocket).Methods("GET")
	router.HandleFunc("/api/signaling/rooms", s.handleRooms).Methods("GET")
	router.HandleFunc("/api/signaling/stats", s.handleStats).Methods("GET")
	return nil
}

// Start 启动信令服务器
func (s *SignalingServer) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return fmt.Errorf("signaling server already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	go s.cleanupRoutine(s.ctx, s.done)

	s.logger.Info("✅ Signaling server started")
	return nil
}

// Stop 停止信令服务器并关闭所有连接
func (s *SignalingServer) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	done := s.done

	for conn, info := range s.connections {
		s.closeLocked(info)
		delete(s.connections, conn)
	}
	s.rooms = make(map[string]map[string]*ConnectionInfo)
	s.mutex.Unlock()

	<-done
	s.logger.Info("Signaling server stopped")
	return nil
}

// IsRunning 检查是否运行中
func (s *SignalingServer) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// GetStats 获取统计信息
func (s *SignalingServer) GetStats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return map[string]interface{}{
		"running":            s.running,
		"connections":        len(s.connections),
		"rooms":              len(s.rooms),
		"total_messages":     s.totalMessages,
		"total_relayed":      s.totalRelayed,
		"total_errors":       s.totalErrors,
		"connection_history": s.totalConnections,
	}
}

// RoomMembers 返回房间内的用户 ID (排序后)
func (s *SignalingServer) RoomMembers(roomID string) []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	members := make([]string, 0, len(s.rooms[roomID]))
	for userID := range s.rooms[roomID] {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members
}

// HandleWebSocket 处理WebSocket连接
func (s *SignalingServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.IsRunning() {
		http.Error(w, "signaling server not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	info := &ConnectionInfo{
		ID:          uuid.NewString(),
		RemoteAddr:  conn.RemoteAddr().String(),
		UserAgent:   r.Header.Get("User-Agent"),
		ConnectedAt: time.Now(),
		LastSeen:    time.Now(),
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
	}

	s.mutex.Lock()
	s.connections[conn] = info
	s.totalConnections++
	s.mutex.Unlock()

	s.logger.Infof("🔗 Signaling connection %s from %s", info.ID, info.RemoteAddr)

	go s.writePump(info)
	go s.readPump(info)
}

// readPump 读取消息
func (s *SignalingServer) readPump(info *ConnectionInfo) {
	defer s.unregisterConnection(info)

	info.conn.SetReadLimit(signaling.MaxMessageSize)
	info.conn.SetReadDeadline(time.Now().Add(pongWait))
	info.conn.SetPongHandler(func(string) error {
		info.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := info.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warnf("⚠️ WebSocket error for %s: %v", info.ID, err)
				s.mutex.Lock()
				s.totalErrors++
				s.mutex.Unlock()
			}
			return
		}
		info.conn.SetReadDeadline(time.Now().Add(pongWait))

		s.mutex.Lock()
		info.LastSeen = time.Now()
		s.totalMessages++
		s.mutex.Unlock()

		msg, err := signaling.DecodeMessage(data)
		if err != nil {
			s.logger.Debugf("Invalid message from %s: %v", info.ID, err)
			s.replyError(info, err.Error())
			continue
		}
		s.handleMessage(info, msg)
	}
}

// handleMessage 按类型处理消息
func (s *SignalingServer) handleMessage(info *ConnectionInfo, msg signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeJoin:
		s.join(info, msg)
	case signaling.MessageTypeKeepalive:
	case signaling.MessageTypeOffer, signaling.MessageTypeAnswer, signaling.MessageTypeICECandidate:
		s.relay(info, msg)
	case signaling.MessageTypeBye:
		s.relay(info, msg)
		s.leave(info, false)
	default:
		s.replyError(info, fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

// join 加入房间，通知双方已有成员
func (s *SignalingServer) join(info *ConnectionInfo, msg signaling.Message) {
	if msg.RoomID == "" {
		s.replyError(info, "join requires roomId")
		return
	}

	s.mutex.Lock()
	if current := info.RoomID; current != "" {
		s.mutex.Unlock()
		s.replyError(info, fmt.Sprintf("already joined room %s", current))
		return
	}
	userID := msg.UserID
	if userID == "" {
		userID = info.ID
	}
	room := s.rooms[msg.RoomID]
	if room == nil {
		room = make(map[string]*ConnectionInfo)
		s.rooms[msg.RoomID] = room
	}
	if _, taken := room[userID]; taken {
		s.mutex.Unlock()
		s.replyError(info, fmt.Sprintf("user %s already in room %s", userID, msg.RoomID))
		return
	}

	info.RoomID = msg.RoomID
	info.UserID = userID
	for peerID, peer := range room {
		joined := signaling.NewMessage(signaling.MessageTypeUserJoined, msg.RoomID)
		joined.UserID = userID
		s.enqueueLocked(peer, joined)

		existing := signaling.NewMessage(signaling.MessageTypeUserJoined, msg.RoomID)
		existing.UserID = peerID
		s.enqueueLocked(info, existing)
	}
	room[userID] = info
	members := len(room)
	s.mutex.Unlock()

	s.logger.Infof("👤 User %s joined room %s (%d members)", userID, msg.RoomID, members)
}

// relay 转发给同房间其他成员
func (s *SignalingServer) relay(info *ConnectionInfo, msg signaling.Message) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if info.RoomID == "" {
		s.enqueueLocked(info, errorMessage("", fmt.Sprintf("%s before join", msg.Type)))
		return
	}

	msg.RoomID = info.RoomID
	msg.UserID = info.UserID
	for peerID, peer := range s.rooms[info.RoomID] {
		if peerID == info.UserID {
			continue
		}
		s.enqueueLocked(peer, msg)
		s.totalRelayed++
	}
}

// leave 离开房间，notify 为 true 时向其他成员发送 user-left
func (s *SignalingServer) leave(info *ConnectionInfo, notify bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.leaveLocked(info, notify)
}

func (s *SignalingServer) leaveLocked(info *ConnectionInfo, notify bool) {
	if info.RoomID == "" {
		return
	}
	roomID, userID := info.RoomID, info.UserID
	room := s.rooms[roomID]
	delete(room, userID)
	if len(room) == 0 {
		delete(s.rooms, roomID)
	}
	info.RoomID, info.UserID = "", ""

	if notify {
		for _, peer := range room {
			left := signaling.NewMessage(signaling.MessageTypeUserLeft, roomID)
			left.UserID = userID
			s.enqueueLocked(peer, left)
		}
	}
	s.logger.Infof("👋 User %s left room %s", userID, roomID)
}

// unregisterConnection 注销连接
func (s *SignalingServer) unregisterConnection(info *ConnectionInfo) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.connections[info.conn]; !exists {
		return
	}
	s.leaveLocked(info, true)
	delete(s.connections, info.conn)
	s.closeLocked(info)

	s.logger.Infof("Signaling connection %s closed (connected for: %v)",
		info.ID, time.Since(info.ConnectedAt).Round(time.Millisecond))
}

// closeLocked 关闭发送队列，writePump 随后关闭连接
func (s *SignalingServer) closeLocked(info *ConnectionInfo) {
	if info.closed {
		return
	}
	info.closed = true
	close(info.send)
}

// writePump 发送消息
func (s *SignalingServer) writePump(info *ConnectionInfo) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		info.conn.Close()
	}()

	for {
		select {
		case data, ok := <-info.send:
			info.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				info.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := info.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debugf("Write error for %s: %v", info.ID, err)
				return
			}

		case <-ticker.C:
			info.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := info.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueueLocked 放入发送队列，队列满时丢弃
func (s *SignalingServer) enqueueLocked(info *ConnectionInfo, msg signaling.Message) {
	if info.closed {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		s.logger.Errorf("Failed to encode %s for %s: %v", msg.Type, info.ID, err)
		return
	}
	select {
	case info.send <- data:
	default:
		s.totalErrors++
		s.logger.Warnf("⚠️ Send queue full for %s, dropping %s", info.ID, msg.Type)
	}
}

func (s *SignalingServer) replyError(info *ConnectionInfo, text string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.enqueueLocked(info, errorMessage(info.RoomID, text))
}

func errorMessage(roomID, text string) signaling.Message {
	msg := signaling.NewMessage(signaling.MessageTypeError, roomID)
	msg.Message = text
	return msg
}

// cleanupRoutine 清理长时间无消息的连接
func (s *SignalingServer) cleanupRoutine(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpiredConnections(idleTimeout)
		case <-ctx.Done():
			return
		}
	}
}

// cleanupExpiredConnections 清理过期连接
func (s *SignalingServer) cleanupExpiredConnections(maxIdle time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	expired := 0
	for conn, info := range s.connections {
		if now.Sub(info.LastSeen) <= maxIdle {
			continue
		}
		s.logger.Infof("Cleaning up idle connection %s (last seen: %v ago)", info.ID, now.Sub(info.LastSeen))
		s.leaveLocked(info, true)
		delete(s.connections, conn)
		s.closeLocked(info)
		expired++
	}
	return expired
}

// handleRooms 房间成员列表
func (s *SignalingServer) handleRooms(w http.ResponseWriter, r *http.Request) {
	s.mutex.RLock()
	rooms := make(map[string][]string, len(s.rooms))
	for roomID, members := range s.rooms {
		ids := make([]string, 0, len(members))
		for userID := range members {
			ids = append(ids, userID)
		}
		sort.Strings(ids)
		rooms[roomID] = ids
	}
	s.mutex.RUnlock()

	encodeJSON(w, rooms)
}

// handleStats 处理统计信息查询
func (s *SignalingServer) handleStats(w http.ResponseWriter, r *http.Request) {
	encodeJSON(w, s.GetStats())
}

func encodeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
