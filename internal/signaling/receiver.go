package signaling

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// vp8ClockRate VP8 RTP 时钟频率
const vp8ClockRate = 90000

// Stats 接收器连接统计
type Stats struct {
	State             string    `json:"state"`
	SignalingURL      string    `json:"signaling_url"`
	RoomID            string    `json:"room_id"`
	UserID            string    `json:"user_id,omitempty"`
	Joined            bool      `json:"joined"`
	ByeSent           bool      `json:"bye_sent"`
	ICEState          string    `json:"ice_state,omitempty"`
	MessagesIn        int64     `json:"messages_in"`
	MessagesOut       int64     `json:"messages_out"`
	LocalCandidates   int64     `json:"local_candidates"`
	RemoteCandidates  int64     `json:"remote_candidates"`
	PendingCandidates int       `json:"pending_candidates"`
	FramesReceived    int64     `json:"frames_received"`
	FramesDropped     int64     `json:"frames_dropped"`
	Reconnects        int64     `json:"reconnects"`
	LastError         string    `json:"last_error,omitempty"`
	ConnectedAt       time.Time `json:"connected_at,omitempty"`
}

// Option 接收器选项
type Option func(*Receiver)

// WithDialer 替换信令通道的建立方式
func WithDialer(dialer Dialer) Option {
	return func(r *Receiver) { r.dialer = dialer }
}

// WithAPI 使用自定义的 pion API (SettingEngine、MediaEngine)
func WithAPI(api *webrtc.API) Option {
	return func(r *Receiver) { r.api = api }
}

// WithDecoderFactory 替换远端 VP8 解码器
func WithDecoderFactory(factory DecoderFactory) Option {
	return func(r *Receiver) { r.newDecoder = factory }
}

// WithBufferPool 指定帧缓冲池
func WithBufferPool(pool *media.BufferPool) Option {
	return func(r *Receiver) { r.pool = pool }
}

// session 一次信令连接的生命周期，断开即丢弃
type session struct {
	gen       uint64
	userID    string
	transport Transport
	pc        *webrtc.PeerConnection
	joined    bool
	byeSent   bool
	pending   []webrtc.ICECandidateInit
	iceState  webrtc.ICEConnectionState

	cancelDial    context.CancelFunc
	stopKeepalive chan struct{}
}

// Receiver 远端视频接收器
// 所有状态迁移都在内部反应器协程上串行执行
type Receiver struct {
	cfg        config.RemoteConfig
	listener   Listener
	dialer     Dialer
	api        *webrtc.API
	newDecoder DecoderFactory
	pool       *media.BufferPool
	logger     *logrus.Entry

	events    chan func()
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// 以下字段只在反应器协程上访问
	state          ConnectionState
	sess           *session
	generation     uint64
	wanted         bool
	reconnectTimer *time.Timer
	connectedAt    time.Time
	lastError      string

	stateValue atomic.Int32

	clockMu sync.Mutex
	clock   media.MonotonicClock

	messagesIn       atomic.Int64
	messagesOut      atomic.Int64
	localCandidates  atomic.Int64
	remoteCandidates atomic.Int64
	framesReceived   atomic.Int64
	framesDropped    atomic.Int64
	reconnects       atomic.Int64
}

// NewReceiver 创建接收器，初始状态为 Disconnected
func NewReceiver(cfg *config.RemoteConfig, listener Listener, opts ...Option) (*Receiver, error) {
	if cfg == nil {
		cfg = config.DefaultRemoteConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remote config: %w", err)
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}

	r := &Receiver{
		cfg:      *cfg,
		listener: listener,
		logger:   config.GetLoggerWithPrefix("remote-receiver"),
		events:   make(chan func(), 256),
		quit:     make(chan struct{}),
		state:    StateDisconnected,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dialer == nil {
		r.dialer = NewWebSocketDialer(cfg)
	}
	if r.newDecoder == nil {
		r.newDecoder = NewKeyframeDecoder
	}
	if r.pool == nil {
		r.pool = media.NewBufferPool()
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

func (r *Receiver) run() {
	defer r.wg.Done()
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-r.quit:
			return
		}
	}
}

// post 把事件排入反应器，接收器关闭后返回 false
func (r *Receiver) post(fn func()) bool {
	select {
	case r.events <- fn:
		return true
	case <-r.quit:
		return false
	}
}

// do 在反应器上执行 fn 并等待完成
func (r *Receiver) do(fn func()) bool {
	done := make(chan struct{})
	if !r.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-r.quit:
		return false
	}
}

// Start 开始连接，Connecting/Connected 状态下为空操作
func (r *Receiver) Start() error {
	if !r.do(func() {
		r.wanted = true
		r.connect()
	}) {
		return ErrReceiverClosed
	}
	return nil
}

// Stop 断开连接
// 已加入房间时先发送 bye 并等待一个宽限期，最终状态总是 Disconnected
// userInitiated 为 true 时不再自动重连
func (r *Receiver) Stop(userInitiated bool) {
	var grace bool
	if !r.do(func() { grace = r.beginStop(userInitiated) }) {
		return
	}

	if grace && r.cfg.ByeGracePeriod > 0 {
		timer := time.NewTimer(r.cfg.ByeGracePeriod)
		select {
		case <-timer.C:
		case <-r.quit:
			timer.Stop()
		}
	}

	var closed <-chan struct{}
	if !r.do(func() { closed = r.finishStop(userInitiated) }) {
		return
	}
	if closed != nil {
		timer := time.NewTimer(r.cfg.WriteTimeout + time.Second)
		defer timer.Stop()
		select {
		case <-closed:
		case <-timer.C:
			r.logger.Warn("⚠️ Timed out waiting for peer connection teardown")
		}
	}
}

// Close 停止并释放接收器
func (r *Receiver) Close() error {
	r.Stop(true)
	r.closeOnce.Do(func() { close(r.quit) })
	r.wg.Wait()
	return nil
}

// State 当前连接状态
func (r *Receiver) State() ConnectionState {
	return ConnectionState(r.stateValue.Load())
}

// Stats 返回连接统计
func (r *Receiver) Stats() Stats {
	s := Stats{
		State:            r.State().String(),
		SignalingURL:     r.cfg.SignalingURL,
		RoomID:           r.cfg.RoomID,
		MessagesIn:       r.messagesIn.Load(),
		MessagesOut:      r.messagesOut.Load(),
		LocalCandidates:  r.localCandidates.Load(),
		RemoteCandidates: r.remoteCandidates.Load(),
		FramesReceived:   r.framesReceived.Load(),
		FramesDropped:    r.framesDropped.Load(),
		Reconnects:       r.reconnects.Load(),
	}
	r.do(func() {
		s.LastError = r.lastError
		s.ConnectedAt = r.connectedAt
		if sess := r.sess; sess != nil {
			s.UserID = sess.userID
			s.Joined = sess.joined
			s.ByeSent = sess.byeSent
			s.PendingCandidates = len(sess.pending)
			if sess.pc != nil {
				s.ICEState = sess.iceState.String()
			}
		}
	})
	return s
}

func (r *Receiver) setState(state ConnectionState) {
	if r.state == state {
		return
	}
	prev := r.state
	r.state = state
	r.stateValue.Store(int32(state))
	if state == StateDisconnected {
		r.connectedAt = time.Time{}
	}
	r.logger.Infof("🔄 Connection state: %s -> %s", prev, state)
	r.listener.OnStateChanged(state)
}

func (r *Receiver) status(format string, args ...interface{}) {
	r.listener.OnStatusMessage(fmt.Sprintf(format, args...))
}

// current 返回仍然有效的会话，过期事件返回 nil
func (r *Receiver) current(gen uint64) *session {
	if r.sess == nil || r.sess.gen != gen {
		return nil
	}
	return r.sess
}

func (r *Receiver) connect() {
	if r.state == StateConnecting || r.state == StateConnected {
		r.logger.Debugf("Start ignored in state %s", r.state)
		return
	}

	r.cancelReconnect()
	r.teardown()
	r.setState(StateConnecting)

	r.generation++
	gen := r.generation
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DialTimeout)
	r.sess = &session{gen: gen, userID: uuid.NewString(), cancelDial: cancel}

	events := &transportEvents{r: r, gen: gen, opened: make(chan struct{})}
	url := r.cfg.SignalingURL
	r.logger.Infof("🔗 Connecting to signaling server %s (room: %s)", url, r.cfg.RoomID)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		transport, err := r.dialer.Dial(ctx, url, events)
		if !r.post(func() { r.onTransportOpen(gen, transport, err, events) }) && transport != nil {
			transport.Close()
		}
	}()
}

// transportEvents 把通道事件带上会话代号转交反应器
type transportEvents struct {
	r      *Receiver
	gen    uint64
	opened chan struct{}
}

func (e *transportEvents) wait() bool {
	select {
	case <-e.opened:
		return true
	case <-e.r.quit:
		return false
	}
}

func (e *transportEvents) OnMessage(msg Message) {
	if e.wait() {
		e.r.post(func() { e.r.handleMessage(e.gen, msg) })
	}
}

func (e *transportEvents) OnClose(err error) {
	if e.wait() {
		e.r.post(func() { e.r.onTransportClosed(e.gen, err) })
	}
}

func (r *Receiver) onTransportOpen(gen uint64, transport Transport, err error, events *transportEvents) {
	defer close(events.opened)

	sess := r.current(gen)
	if sess == nil {
		if transport != nil {
			go transport.Close()
		}
		return
	}
	if err != nil {
		r.transportFailed(err)
		return
	}

	sess.transport = transport
	r.logger.Info("✅ Signaling transport open")
	r.startKeepalive(sess)

	if !r.wanted || sess.joined {
		return
	}

	join := NewMessage(MessageTypeJoin, r.cfg.RoomID)
	join.UserID = sess.userID
	if err := r.send(sess, join); err != nil {
		r.transportFailed(err)
		return
	}
	sess.joined = true
	r.status("Joined room %s", r.cfg.RoomID)

	if r.cfg.InitiateOffer {
		if err := r.sendOffer(sess); err != nil {
			r.negotiationFailed(err)
		}
	}
}

func (r *Receiver) onTransportClosed(gen uint64, err error) {
	if r.current(gen) == nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("%w: connection closed", ErrTransportFailed)
	}
	r.transportFailed(err)
}

func (r *Receiver) send(sess *session, msg Message) error {
	if sess.transport == nil {
		return fmt.Errorf("%w: transport not open", ErrTransportFailed)
	}
	if err := sess.transport.Send(msg); err != nil {
		return err
	}
	r.messagesOut.Add(1)
	return nil
}

func (r *Receiver) handleMessage(gen uint64, msg Message) {
	sess := r.current(gen)
	if sess == nil {
		return
	}
	r.messagesIn.Add(1)
	r.logger.Debugf("📨 Signaling message received: type=%s", msg.Type)

	switch msg.Type {
	case MessageTypeOffer:
		r.handleOffer(sess, msg)
	case MessageTypeAnswer:
		r.handleAnswer(sess, msg)
	case MessageTypeICECandidate:
		r.handleRemoteCandidate(sess, msg)
	case MessageTypeUserJoined:
		r.status("User %s joined room %s", msg.UserID, r.cfg.RoomID)
		if r.cfg.InitiateOffer && r.state != StateConnected {
			r.closePeer(sess)
			if err := r.sendOffer(sess); err != nil {
				r.negotiationFailed(err)
			}
		}
	case MessageTypeUserLeft:
		r.status("User %s left room %s", msg.UserID, r.cfg.RoomID)
	case MessageTypeBye:
		r.status("Peer %s said bye", msg.UserID)
	case MessageTypeError:
		r.lastError = msg.Message
		r.logger.Warnf("⚠️ Signaling server error: %s", msg.Message)
		r.status("Signaling error: %s", msg.Message)
	case MessageTypeKeepalive, MessageTypeJoin:
	}
}

func (r *Receiver) handleOffer(sess *session, msg Message) {
	if n, err := videoMediaCount(msg.SDP); err != nil {
		r.negotiationFailed(err)
		return
	} else if n == 0 {
		r.logger.Warn("⚠️ Remote offer carries no video section")
	}

	if sess.pc != nil && sess.pc.SignalingState() != webrtc.SignalingStateStable {
		r.logger.Info("Discarding pending local negotiation for remote offer")
		r.closePeer(sess)
	}
	pc, err := r.ensurePeer(sess)
	if err != nil {
		r.negotiationFailed(err)
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		r.negotiationFailed(fmt.Errorf("%w: set remote offer: %v", ErrNegotiationFailed, err))
		return
	}
	r.flushPending(sess)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		r.negotiationFailed(fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		r.negotiationFailed(fmt.Errorf("%w: set local answer: %v", ErrNegotiationFailed, err))
		return
	}

	description, err := raiseBandwidth(answer.SDP, r.cfg.MaxBitrateKbps)
	if err != nil {
		r.logger.Warnf("⚠️ Sending answer without bandwidth ceiling: %v", err)
		description = answer.SDP
	}

	reply := NewMessage(MessageTypeAnswer, r.cfg.RoomID)
	reply.SDP = description
	reply.UserID = sess.userID
	if err := r.send(sess, reply); err != nil {
		r.transportFailed(err)
		return
	}

	r.logger.Info("📤 Answer sent")
	r.markConnected()
}

func (r *Receiver) handleAnswer(sess *session, msg Message) {
	if sess.pc == nil || sess.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		r.logger.Warn("⚠️ Ignoring answer without a pending local offer")
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
	if err := sess.pc.SetRemoteDescription(answer); err != nil {
		r.negotiationFailed(fmt.Errorf("%w: set remote answer: %v", ErrNegotiationFailed, err))
		return
	}
	r.flushPending(sess)
	r.markConnected()
}

func (r *Receiver) handleRemoteCandidate(sess *session, msg Message) {
	r.remoteCandidates.Add(1)
	candidate := msg.CandidateInit()

	if sess.pc == nil || sess.pc.RemoteDescription() == nil {
		sess.pending = append(sess.pending, candidate)
		r.logger.Debugf("Queued remote candidate (pending: %d)", len(sess.pending))
		return
	}
	if err := sess.pc.AddICECandidate(candidate); err != nil {
		r.logger.Warnf("⚠️ Failed to add remote candidate: %v", err)
	}
}

func (r *Receiver) flushPending(sess *session) {
	for _, candidate := range sess.pending {
		if err := sess.pc.AddICECandidate(candidate); err != nil {
			r.logger.Warnf("⚠️ Failed to add pending candidate: %v", err)
		}
	}
	if n := len(sess.pending); n > 0 {
		r.logger.Debugf("Flushed %d pending candidates", n)
	}
	sess.pending = nil
}

func (r *Receiver) markConnected() {
	if r.state == StateConnected {
		return
	}
	r.connectedAt = time.Now()
	r.setState(StateConnected)
}

func (r *Receiver) sendOffer(sess *session) error {
	pc, err := r.ensurePeer(sess)
	if err != nil {
		return err
	}
	if len(pc.GetTransceivers()) == 0 {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return fmt.Errorf("%w: add transceiver: %v", ErrNegotiationFailed, err)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", ErrNegotiationFailed, err)
	}

	description, err := raiseBandwidth(offer.SDP, r.cfg.MaxBitrateKbps)
	if err != nil {
		description = offer.SDP
	}
	msg := NewMessage(MessageTypeOffer, r.cfg.RoomID)
	msg.SDP = description
	msg.UserID = sess.userID
	if err := r.send(sess, msg); err != nil {
		return err
	}
	r.logger.Info("📤 Offer sent")
	return nil
}

func (r *Receiver) iceServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(r.cfg.ICEServers))
	for _, server := range r.cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return servers
}

func (r *Receiver) ensurePeer(sess *session) (*webrtc.PeerConnection, error) {
	if sess.pc != nil {
		return sess.pc, nil
	}

	cfg := webrtc.Configuration{ICEServers: r.iceServers()}
	var pc *webrtc.PeerConnection
	var err error
	if r.api != nil {
		pc, err = r.api.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: create peer connection: %v", ErrNegotiationFailed, err)
	}

	gen := sess.gen
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		r.post(func() { r.sendCandidate(gen, init) })
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		r.post(func() { r.handleICEState(gen, state) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.readTrack(pc, track)
	})

	r.logger.Infof("🔧 PeerConnection created with %d ICE servers", len(cfg.ICEServers))
	sess.pc = pc
	sess.iceState = webrtc.ICEConnectionStateNew
	return pc, nil
}

func (r *Receiver) sendCandidate(gen uint64, candidate webrtc.ICECandidateInit) {
	sess := r.current(gen)
	if sess == nil {
		return
	}
	r.localCandidates.Add(1)
	if err := r.send(sess, candidateMessage(r.cfg.RoomID, candidate)); err != nil {
		r.logger.Warnf("⚠️ Failed to send local candidate: %v", err)
	}
}

func (r *Receiver) handleICEState(gen uint64, state webrtc.ICEConnectionState) {
	sess := r.current(gen)
	if sess == nil {
		return
	}
	sess.iceState = state
	r.logger.Infof("ICE connection state changed: %s", state)

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		r.markConnected()
		r.status("Media path established (%s)", state)
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateClosed:
		if !r.wanted {
			return
		}
		r.negotiationFailed(fmt.Errorf("%w: ice %s", ErrNegotiationFailed, state))
	}
}

// negotiationFailed 通知监听者并进入 Error，之后按计划重连
func (r *Receiver) negotiationFailed(err error) {
	r.lastError = err.Error()
	r.logger.Errorf("❌ Negotiation failed (state: %s): %v", r.state, err)
	r.status("Negotiation failed: %v", err)
	r.teardown()
	r.setState(StateError)
	r.scheduleReconnect()
}

// transportFailed 信令通道失败，进入 Reconnecting 并安排重连
func (r *Receiver) transportFailed(err error) {
	r.lastError = err.Error()
	r.teardown()
	if !r.wanted {
		r.setState(StateDisconnected)
		return
	}
	r.logger.Warnf("⚠️ Signaling transport failed (state: %s, reconnects: %d): %v",
		r.state, r.reconnects.Load(), err)
	r.setState(StateReconnecting)
	r.scheduleReconnect()
}

func (r *Receiver) scheduleReconnect() {
	if !r.wanted || r.reconnectTimer != nil {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(r.cfg.ReconnectDelay, func() {
		r.post(func() {
			if r.reconnectTimer != timer {
				return
			}
			r.reconnectTimer = nil
			r.reconnect()
		})
	})
	r.reconnectTimer = timer
	r.logger.Infof("Reconnect scheduled in %v", r.cfg.ReconnectDelay)
}

func (r *Receiver) cancelReconnect() {
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
}

func (r *Receiver) reconnect() {
	if !r.wanted {
		return
	}
	r.reconnects.Add(1)
	r.logger.Infof("🔄 Reconnecting (attempt %d)", r.reconnects.Load())
	r.setState(StateReconnecting)
	r.connect()
}

func (r *Receiver) beginStop(userInitiated bool) bool {
	if userInitiated {
		r.wanted = false
	}
	r.cancelReconnect()

	sess := r.sess
	if sess == nil || !sess.joined || sess.byeSent || sess.transport == nil {
		return false
	}
	bye := NewMessage(MessageTypeBye, r.cfg.RoomID)
	bye.UserID = sess.userID
	if err := r.send(sess, bye); err != nil {
		r.logger.Warnf("⚠️ Failed to send bye: %v", err)
		return false
	}
	sess.byeSent = true
	r.logger.Info("👋 Bye sent")
	return true
}

func (r *Receiver) finishStop(userInitiated bool) <-chan struct{} {
	if userInitiated {
		r.wanted = false
	}
	r.cancelReconnect()
	closed := r.teardown()
	r.setState(StateDisconnected)
	return closed
}

func (r *Receiver) startKeepalive(sess *session) {
	stop := make(chan struct{})
	sess.stopKeepalive = stop
	gen := sess.gen
	interval := r.cfg.KeepaliveInterval

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.post(func() { r.sendKeepalive(gen) })
			case <-stop:
				return
			case <-r.quit:
				return
			}
		}
	}()
}

func (r *Receiver) sendKeepalive(gen uint64) {
	sess := r.current(gen)
	if sess == nil {
		return
	}
	if err := r.send(sess, NewMessage(MessageTypeKeepalive, r.cfg.RoomID)); err != nil {
		r.logger.Debugf("Keepalive failed: %v", err)
	}
}

func (r *Receiver) closePeer(sess *session) {
	if sess.pc == nil {
		return
	}
	pc := sess.pc
	sess.pc = nil
	sess.pending = nil
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		pc.Close()
	}()
}

// teardown 丢弃当前会话，返回的通道在连接与通道都关闭后关闭
func (r *Receiver) teardown() <-chan struct{} {
	sess := r.sess
	if sess == nil {
		return nil
	}
	r.sess = nil

	if sess.cancelDial != nil {
		sess.cancelDial()
	}
	if sess.stopKeepalive != nil {
		close(sess.stopKeepalive)
	}

	closed := make(chan struct{})
	pc, transport := sess.pc, sess.transport
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(closed)
		if pc != nil {
			if err := pc.Close(); err != nil {
				r.logger.Debugf("Peer connection close: %v", err)
			}
		}
		if transport != nil {
			transport.Close()
		}
	}()
	r.logger.Debugf("Session torn down (joined: %v, bye sent: %v)", sess.joined, sess.byeSent)
	return closed
}

// readTrack 在 pion 的轨道协程上读取 RTP 并输出帧
func (r *Receiver) readTrack(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	codec := track.Codec()
	if track.Kind() != webrtc.RTPCodecTypeVideo || !strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8) {
		r.logger.Warnf("⚠️ Ignoring remote track %s (%s)", track.ID(), codec.MimeType)
		return
	}

	decoder, err := r.newDecoder()
	if err != nil {
		r.logger.Errorf("❌ Failed to create VP8 decoder: %v", err)
		r.post(func() { r.status("Decoder unavailable: %v", err) })
		return
	}
	defer decoder.Close()

	r.logger.Infof("🎬 Receiving remote video track %s (ssrc: %d)", track.ID(), track.SSRC())

	stop := make(chan struct{})
	defer close(stop)
	if r.cfg.KeyframeInterval > 0 {
		go r.requestKeyframes(pc, uint32(track.SSRC()), stop)
	}

	pipeline := r.newTrackPipeline(decoder)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			r.logger.Debugf("Remote track %s ended: %v", track.ID(), err)
			return
		}
		pipeline.push(pkt)
	}
}

// requestKeyframes 周期性发送 PLI
func (r *Receiver) requestKeyframes(pc *webrtc.PeerConnection, ssrc uint32, stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.KeyframeInterval)
	defer ticker.Stop()
	for {
		if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			r.logger.Debugf("PLI write failed: %v", err)
		}
		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}

func (r *Receiver) newTrackPipeline(decoder FrameDecoder) *trackPipeline {
	r.clockMu.Lock()
	r.clock.Rebase(r.clock.Last())
	r.clockMu.Unlock()

	return &trackPipeline{
		assembler: newFrameAssembler(),
		decoder:   decoder,
		pool:      r.pool,
		logger:    r.logger,
		stamp: func(pts media.Time) media.Time {
			r.clockMu.Lock()
			defer r.clockMu.Unlock()
			return r.clock.Stamp(pts)
		},
		emit: func(frame *media.SampleFrame) {
			r.framesReceived.Add(1)
			r.listener.OnVideoFrame(frame)
		},
		drop: func() { r.framesDropped.Add(1) },
	}
}
