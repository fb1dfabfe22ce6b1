package signaling

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"ice-candidate","roomId":"r1","candidate":"candidate:1 1 UDP 1 192.0.2.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeICECandidate, msg.Type)
	assert.Equal(t, "r1", msg.RoomID)

	init := msg.CandidateInit()
	require.NotNil(t, init.SDPMid)
	require.NotNil(t, init.SDPMLineIndex)
	assert.Equal(t, "0", *init.SDPMid)
	assert.Equal(t, uint16(0), *init.SDPMLineIndex)

	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"roomId":"r1"}`},
		{"unknown type", `{"type":"dance"}`},
		{"offer without sdp", `{"type":"offer"}`},
		{"candidate without candidate", `{"type":"ice-candidate"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}

	_, err = DecodeMessage([]byte(`{"type":"keepalive","message":"` + strings.Repeat("x", MaxMessageSize) + `"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	msg := NewMessage(MessageTypeJoin, "room-1")
	msg.UserID = "u1"
	assert.NotZero(t, msg.Timestamp)

	data, err := msg.Encode()
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `"type":"join"`)
	assert.Contains(t, s, `"roomId":"room-1"`)
	assert.Contains(t, s, `"userId":"u1"`)
	assert.NotContains(t, s, `"sdp"`)
	assert.NotContains(t, s, `"sdpMid"`)
}
