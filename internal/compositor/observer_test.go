package compositor

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

type mockObserver struct {
	mock.Mock
}

func (m *mockObserver) ObserveSubstitution(result string) {
	m.Called(result)
}

func (m *mockObserver) ObserveConversion(pair string, elapsed time.Duration, failed bool) {
	m.Called(pair, elapsed, failed)
}

func TestObserverReceivesEveryResult(t *testing.T) {
	pool := media.NewBufferPool()
	gate := activeGate()
	source := solidSource(pool, media.PixelFormatNV12VideoRange, 8, 8)
	c := newTestCompositor(t, gate, source, pool, func(cfg *config.CompositorConfig) {
		cfg.CacheTTL = 5 * time.Second
	})

	observer := &mockObserver{}
	observer.On("ObserveConversion", "420v->420v", mock.AnythingOfType("time.Duration"), false).Once()
	observer.On("ObserveSubstitution", ResultConverted).Once()
	observer.On("ObserveSubstitution", ResultCacheHit).Once()
	observer.On("ObserveSubstitution", ResultPassthrough).Once()
	c.SetObserver(observer)

	origin := originFrame(t, media.PixelFormatNV12VideoRange, 16, 16, 1)
	out := c.Substitute(origin, false)
	assert.NotSame(t, origin, out)
	out.Release()

	out = c.Substitute(origin, false)
	assert.NotSame(t, origin, out)
	out.Release()

	gate.active.Store(false)
	assert.Same(t, origin, c.Substitute(origin, false))

	observer.AssertExpectations(t)
}

func TestConversionFailureIsObservedAndLogged(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	pool := media.NewBufferPool()
	source := &fakeSource{next: func(media.PixelFormat) (*media.SampleFrame, error) {
		frame := &media.RawFrame{Format: media.PixelFormatBGRA, Width: 8, Height: 8}
		return &media.SampleFrame{Frame: frame}, nil
	}}
	c := newTestCompositor(t, activeGate(), source, pool, nil)

	observer := &mockObserver{}
	observer.On("ObserveConversion", "BGRA->420f", mock.AnythingOfType("time.Duration"), true).Once()
	observer.On("ObserveSubstitution", ResultFallback).Once()
	c.SetObserver(observer)

	origin := originFrame(t, media.PixelFormatNV12FullRange, 16, 16, 1)
	assert.Same(t, origin, c.Substitute(origin, false))
	observer.AssertExpectations(t)

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && strings.Contains(entry.Message, "Conversion failed") {
			warned = true
			assert.Equal(t, "compositor", entry.Data["component"])
		}
	}
	assert.True(t, warned, "expected a conversion warning")
}
