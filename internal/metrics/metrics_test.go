package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

// scrape 读取注册表的文本暴露格式
func scrape(t *testing.T, m Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics(config.DefaultMetricsConfig().External)
	require.NoError(t, err)
	assert.False(t, m.IsRunning())
	assert.Empty(t, m.Addr())

	// 默认注册运行时指标
	assert.Contains(t, scrape(t, m), "go_goroutines")
}

func TestNewMetricsInvalidPort(t *testing.T) {
	_, err := NewMetrics(config.ExternalMetricsConfig{Enabled: true, Port: 70000})
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestMetricsStartStop(t *testing.T) {
	m, err := NewMetrics(config.ExternalMetricsConfig{
		Enabled: true,
		Port:    0,
		Host:    "127.0.0.1",
	})
	require.NoError(t, err)

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), ErrServerAlreadyRunning)

	resp, err := http.Get("http://" + m.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "process_")

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	assert.ErrorIs(t, m.Stop(), ErrServerNotRunning)
}

func TestMetricsDisabledStart(t *testing.T) {
	m, err := NewMetrics(config.ExternalMetricsConfig{Enabled: false, Port: 9092})
	require.NoError(t, err)

	assert.NoError(t, m.Start())
	assert.False(t, m.IsRunning())
}

func TestMetricsRegister(t *testing.T) {
	m, err := NewMetrics(config.DefaultMetricsConfig().External)
	require.NoError(t, err)

	gauge, err := m.RegisterGauge("test_gauge", "Test gauge metric", []string{"label1"})
	require.NoError(t, err)
	gauge.Set(10.5, "value1")
	gauge.Inc("value1")
	gauge.Dec("value1")
	gauge.Add(5.0, "value1")
	gauge.Sub(2.0, "value1")

	counter, err := m.RegisterCounter("test_counter", "Test counter metric", []string{"label1"})
	require.NoError(t, err)
	counter.Inc("value1")
	counter.Add(5.0, "value1")

	histogram, err := m.RegisterHistogram("test_histogram", "Test histogram metric", []string{"label1"},
		[]float64{0.1, 0.5, 1.0})
	require.NoError(t, err)
	histogram.Observe(0.5, "value1")
	histogram.Observe(7.5, "value1")

	out := scrape(t, m)
	assert.Contains(t, out, `test_gauge{label1="value1"} 13.5`)
	assert.Contains(t, out, `test_counter{label1="value1"} 6`)
	assert.Contains(t, out, `test_histogram_count{label1="value1"} 2`)

	_, err = m.RegisterGauge("test_gauge", "Duplicate gauge", []string{"label1"})
	assert.ErrorIs(t, err, ErrMetricAlreadyRegistered)
	_, err = m.RegisterCounter("test_counter", "Duplicate counter", []string{"label1"})
	assert.ErrorIs(t, err, ErrMetricAlreadyRegistered)
	_, err = m.RegisterHistogram("test_histogram", "Duplicate histogram", []string{"label1"}, nil)
	assert.ErrorIs(t, err, ErrMetricAlreadyRegistered)
}
