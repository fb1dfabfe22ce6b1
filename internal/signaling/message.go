// Package signaling 远端视频源：信令状态机、WebRTC 协商与 VP8 帧接收
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// 信令消息类型
const (
	MessageTypeJoin         = "join"
	MessageTypeBye          = "bye"
	MessageTypeOffer        = "offer"
	MessageTypeAnswer       = "answer"
	MessageTypeICECandidate = "ice-candidate"
	MessageTypeKeepalive    = "keepalive"
	MessageTypeUserJoined   = "user-joined"
	MessageTypeUserLeft     = "user-left"
	MessageTypeError        = "error"
)

// MaxMessageSize 单条信令消息的最大字节数
const MaxMessageSize = 64 * 1024

var (
	// ErrNegotiationFailed SDP/ICE 协商失败
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrTransportFailed 信令通道失败 (超时、断开)
	ErrTransportFailed = errors.New("signaling transport failed")

	// ErrInvalidMessage 无法解析的信令消息
	ErrInvalidMessage = errors.New("invalid signaling message")

	// ErrReceiverClosed 接收器已关闭
	ErrReceiverClosed = errors.New("receiver closed")
)

// Message 信令消息
type Message struct {
	Type          string  `json:"type"`
	RoomID        string  `json:"roomId,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	UserID        string  `json:"userId,omitempty"`
	Message       string  `json:"message,omitempty"`
	Timestamp     int64   `json:"timestamp,omitempty"`
}

// NewMessage 创建带时间戳的消息
func NewMessage(msgType, roomID string) Message {
	return Message{
		Type:      msgType,
		RoomID:    roomID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// DecodeMessage 解析并校验一条信令消息
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if len(data) > MaxMessageSize {
		return msg, fmt.Errorf("%w: message too large: %d bytes (max: %d)", ErrInvalidMessage, len(data), MaxMessageSize)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// Encode 序列化为 JSON
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes (max: %d)", len(data), MaxMessageSize)
	}
	return data, nil
}

// Validate 检查消息类型与必需字段
func (m Message) Validate() error {
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidMessage, m.Type)
		}
	case MessageTypeICECandidate:
		if m.Candidate == "" {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrInvalidMessage)
		}
	case MessageTypeJoin, MessageTypeBye, MessageTypeKeepalive,
		MessageTypeUserJoined, MessageTypeUserLeft, MessageTypeError:
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// CandidateInit 转换为 pion 的 ICECandidateInit
func (m Message) CandidateInit() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     m.Candidate,
		SDPMid:        m.SDPMid,
		SDPMLineIndex: m.SDPMLineIndex,
	}
}

// candidateMessage 将本地候选转换为 ice-candidate 消息
func candidateMessage(roomID string, c webrtc.ICECandidateInit) Message {
	msg := NewMessage(MessageTypeICECandidate, roomID)
	msg.Candidate = c.Candidate
	msg.SDPMid = c.SDPMid
	msg.SDPMLineIndex = c.SDPMLineIndex
	return msg
}
