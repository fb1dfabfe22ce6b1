package signaling

import (
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// trackPipeline RTP 包 -> VP8 帧 -> YCbCr -> 420f 帧
type trackPipeline struct {
	assembler *frameAssembler
	clock     rtpClock
	decoder   FrameDecoder
	pool      *media.BufferPool
	logger    *logrus.Entry

	stamp func(media.Time) media.Time
	emit  func(*media.SampleFrame)
	drop  func()
}

func (p *trackPipeline) push(pkt *rtp.Packet) {
	frame, ts, ok := p.assembler.Push(pkt)
	if !ok {
		return
	}
	pts := media.Time{Value: p.clock.ticks(ts), Timescale: vp8ClockRate}

	img, err := p.decoder.Decode(frame, pts.Duration())
	if err != nil {
		p.logger.Debugf("Dropping undecodable VP8 frame (%d bytes, key: %v): %v", len(frame), isKeyFrame(frame), err)
		p.drop()
		return
	}
	if img == nil {
		return
	}

	raw, err := media.YCbCrToFrame(p.pool, img, media.PixelFormatNV12FullRange, false)
	if err != nil {
		p.logger.Warnf("⚠️ Failed to convert remote frame: %v", err)
		p.drop()
		return
	}

	pts = p.stamp(pts)
	sample := media.NewSampleFrame(raw, media.TimingInfo{
		PresentationTimestamp: pts,
		DecodeTimestamp:       pts,
	})
	p.emit(sample)
	sample.Release()
}
