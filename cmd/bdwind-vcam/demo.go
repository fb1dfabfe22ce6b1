package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/compositor"
	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

const (
	demoWidth  = 640
	demoHeight = 480
)

// demoDriver 模拟采集回调：按固定帧率生成原始帧并交给合成器替换
type demoDriver struct {
	compositor *compositor.Compositor
	gen        *media.PatternGenerator
	format     media.PixelFormat
	interval   time.Duration
	start      time.Time
	logger     *logrus.Entry

	frames      int64
	substituted int64
}

func newDemoDriver(comp *compositor.Compositor, pool *media.BufferPool, fps int, format string) (*demoDriver, error) {
	if fps <= 0 || fps > 120 {
		return nil, fmt.Errorf("demo fps out of range: %d (1-120)", fps)
	}
	pf, err := media.ParsePixelFormat(format)
	if err != nil {
		return nil, fmt.Errorf("invalid demo format: %w", err)
	}
	return &demoDriver{
		compositor: comp,
		gen:        media.NewPatternGenerator(pool, demoWidth, demoHeight),
		format:     pf,
		interval:   time.Second / time.Duration(fps),
		start:      time.Now(),
		logger:     config.GetLoggerWithPrefix("demo"),
	}, nil
}

// Run 阻塞直到 ctx 结束
func (d *demoDriver) Run(ctx context.Context) error {
	d.logger.Infof("🎬 Demo capture running: %s %dx%d every %v", d.format, demoWidth, demoHeight, d.interval)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Infof("Demo capture stopped after %d frames (%d substituted)", d.frames, d.substituted)
			return nil
		case <-ticker.C:
			if err := d.step(); err != nil {
				d.logger.Warnf("⚠️ Demo frame failed: %v", err)
			}
		}
	}
}

// step 生成一帧原始画面并执行一次替换
func (d *demoDriver) step() error {
	raw, err := d.gen.Next(d.format)
	if err != nil {
		return err
	}
	origin := media.NewSampleFrame(raw, media.TimingInfo{
		Duration:              media.TimeFromDuration(d.interval, 0),
		PresentationTimestamp: media.TimeFromDuration(time.Since(d.start), 0),
	})

	out := d.compositor.Substitute(origin, false)
	d.frames++
	if out != origin {
		d.substituted++
		origin.Release()
	}
	out.Release()

	if d.frames%300 == 0 {
		d.logger.Debugf("Demo capture: %d frames, %d substituted", d.frames, d.substituted)
	}
	return nil
}
