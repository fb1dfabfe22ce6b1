package signaling

import (
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// frameAssembler 把 VP8 RTP 包重组为完整帧
// 丢包时丢弃当前帧，直到下一个分区起始包
type frameAssembler struct {
	depacketizer codecs.VP8Packet

	buf       []byte
	timestamp uint32
	lastSeq   uint16
	started   bool
	haveSeq   bool

	dropped int64
}

func newFrameAssembler() *frameAssembler {
	return &frameAssembler{}
}

// Push 输入一个 RTP 包，凑齐一帧时返回帧数据 (调用方可持有) 与 RTP 时间戳
func (a *frameAssembler) Push(pkt *rtp.Packet) ([]byte, uint32, bool) {
	if a.haveSeq && pkt.SequenceNumber != a.lastSeq+1 && a.started {
		a.reset()
	}
	a.lastSeq = pkt.SequenceNumber
	a.haveSeq = true

	payload, err := a.depacketizer.Unmarshal(pkt.Payload)
	if err != nil || len(payload) == 0 {
		return nil, 0, false
	}

	if a.depacketizer.S == 1 && a.depacketizer.PID == 0 {
		if a.started {
			a.reset()
		}
		a.started = true
		a.timestamp = pkt.Timestamp
		a.buf = a.buf[:0]
	}
	if !a.started {
		return nil, 0, false
	}
	if pkt.Timestamp != a.timestamp {
		a.reset()
		return nil, 0, false
	}

	a.buf = append(a.buf, payload...)
	if !pkt.Marker {
		return nil, 0, false
	}

	frame := make([]byte, len(a.buf))
	copy(frame, a.buf)
	a.started = false
	a.buf = a.buf[:0]
	return frame, a.timestamp, true
}

func (a *frameAssembler) reset() {
	if a.started {
		a.dropped++
	}
	a.started = false
	a.buf = a.buf[:0]
}

// Dropped 因丢包丢弃的帧数
func (a *frameAssembler) Dropped() int64 {
	return a.dropped
}

// isKeyFrame VP8 帧头 P 位为 0 表示关键帧
func isKeyFrame(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}

// rtpClock 把 32 位 RTP 时间戳展开为从会话开始计的 64 位时钟
type rtpClock struct {
	first   uint32
	last    uint32
	cycles  int64
	started bool
}

func (c *rtpClock) ticks(ts uint32) int64 {
	if !c.started {
		c.first, c.last, c.started = ts, ts, true
		return 0
	}
	// 回绕检测
	if ts < c.last && c.last-ts > 1<<31 {
		c.cycles++
	} else if ts > c.last && ts-c.last > 1<<31 && c.cycles > 0 {
		c.cycles--
	}
	c.last = ts
	return c.cycles<<32 + int64(ts) - int64(c.first)
}
