package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

func remoteFrame(t *testing.T, pool *media.BufferPool, w, h int, pts int64) *media.SampleFrame {
	t.Helper()
	raw, err := media.YCbCrToFrame(pool, grayImage(w, h), media.PixelFormatNV12FullRange, false)
	require.NoError(t, err)
	return media.NewSampleFrame(raw, media.TimingInfo{
		PresentationTimestamp: media.Time{Value: pts, Timescale: vp8ClockRate},
	})
}

func TestFrameSlotAvailability(t *testing.T) {
	pool := media.NewBufferPool()
	slot := NewFrameSlot(time.Minute)
	ctx := context.Background()

	_, err := slot.NextFrame(ctx, media.PixelFormatBGRA)
	assert.ErrorIs(t, err, media.ErrSourceUnavailable)

	slot.OnStateChanged(StateConnected)
	_, err = slot.NextFrame(ctx, media.PixelFormatBGRA)
	assert.ErrorIs(t, err, media.ErrSourceUnavailable)
	assert.False(t, slot.IsReceivingFrames())

	incoming := remoteFrame(t, pool, 8, 6, 3000)
	slot.OnVideoFrame(incoming)
	incoming.Release()

	assert.True(t, slot.IsReceivingFrames())
	w, h := slot.LastFrameSize()
	assert.Equal(t, 8, w)
	assert.Equal(t, 6, h)

	frame, err := slot.NextFrame(ctx, media.PixelFormatBGRA)
	require.NoError(t, err)
	assert.True(t, frame.Frame.Matches(media.PixelFormatNV12FullRange, 8, 6))
	assert.Equal(t, int64(3000), frame.Timing.PresentationTimestamp.Value)
	frame.Release()
	assert.Equal(t, int64(1), slot.FramesServed())

	slot.Reset()
	_, err = slot.NextFrame(ctx, media.PixelFormatBGRA)
	assert.ErrorIs(t, err, media.ErrSourceUnavailable)

	incoming = remoteFrame(t, pool, 8, 6, 6000)
	slot.OnVideoFrame(incoming)
	incoming.Release()
	slot.OnStateChanged(StateReconnecting)
	_, err = slot.NextFrame(ctx, media.PixelFormatBGRA)
	assert.ErrorIs(t, err, media.ErrSourceUnavailable)

	slot.OnStateChanged(StateDisconnected)
	assert.False(t, slot.IsReceivingFrames())
	assert.Equal(t, int64(0), pool.Stats().InUse)
	assert.Equal(t, int64(2), slot.FramesReceived())
}

func TestFrameSlotStaleFrame(t *testing.T) {
	slot := NewFrameSlot(20 * time.Millisecond)
	slot.OnStateChanged(StateConnected)

	incoming := remoteFrame(t, nil, 4, 4, 0)
	slot.OnVideoFrame(incoming)
	incoming.Release()

	frame, err := slot.NextFrame(context.Background(), media.PixelFormatNV12VideoRange)
	require.NoError(t, err)
	frame.Release()

	time.Sleep(50 * time.Millisecond)
	_, err = slot.NextFrame(context.Background(), media.PixelFormatNV12VideoRange)
	assert.ErrorIs(t, err, media.ErrSourceUnavailable)
	assert.False(t, slot.IsReceivingFrames())

	slot.OnStatusMessage("User u2 left room r1")
	assert.Equal(t, "User u2 left room r1", slot.LastStatus())
}
