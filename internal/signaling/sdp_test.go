package signaling

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"b=AS:300\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func TestRaiseBandwidth(t *testing.T) {
	out, err := raiseBandwidth(testSDP, 8000)
	require.NoError(t, err)

	assert.Contains(t, out, "b=AS:8000")
	assert.Contains(t, out, "b=TIAS:8000000")
	assert.NotContains(t, out, "b=AS:300")
	assert.Equal(t, 1, strings.Count(out, "b=AS:"))

	// 只改写视频段
	audio := out[strings.Index(out, "m=audio"):strings.Index(out, "m=video")]
	assert.NotContains(t, audio, "b=")

	n, err := videoMediaCount(out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRaiseBandwidthDisabledOrInvalid(t *testing.T) {
	out, err := raiseBandwidth(testSDP, 0)
	require.NoError(t, err)
	assert.Equal(t, testSDP, out)

	_, err = raiseBandwidth("not an sdp", 1000)
	assert.ErrorIs(t, err, ErrNegotiationFailed)
}
