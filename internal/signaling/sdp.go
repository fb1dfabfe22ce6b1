package signaling

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// raiseBandwidth 为视频媒体段写入 b=AS 与 b=TIAS 带宽上限
// kbps 为 0 时原样返回
func raiseBandwidth(description string, kbps int) (string, error) {
	if kbps <= 0 {
		return description, nil
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(description)); err != nil {
		return "", fmt.Errorf("%w: parse sdp: %v", ErrNegotiationFailed, err)
	}

	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		bandwidth := md.Bandwidth[:0]
		for _, b := range md.Bandwidth {
			if b.Type != "AS" && b.Type != "TIAS" {
				bandwidth = append(bandwidth, b)
			}
		}
		md.Bandwidth = append(bandwidth,
			sdp.Bandwidth{Type: "AS", Bandwidth: uint64(kbps)},
			sdp.Bandwidth{Type: "TIAS", Bandwidth: uint64(kbps) * 1000},
		)
	}

	out, err := parsed.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: marshal sdp: %v", ErrNegotiationFailed, err)
	}
	return string(out), nil
}

// videoMediaCount 统计 SDP 中的视频媒体段数量
func videoMediaCount(description string) (int, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(description)); err != nil {
		return 0, fmt.Errorf("%w: parse sdp: %v", ErrNegotiationFailed, err)
	}
	n := 0
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media == "video" {
			n++
		}
	}
	return n, nil
}
