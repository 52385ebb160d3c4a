package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("warm").End(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("warm").End(boom), boom)

	assert.Equal(t, 1.0, counterValue(t, m.runs.WithLabelValues("warm", "success")))
	assert.Equal(t, 1.0, counterValue(t, m.runs.WithLabelValues("warm", "failure")))
	assert.Equal(t, 1.0, counterValue(t, m.failures.WithLabelValues("warm")))
}

func TestAddWarmed(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddWarmed(3)
	m.AddWarmed(0)
	assert.Equal(t, 3.0, counterValue(t, m.warmed))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.AddWarmed(2)
	assert.NoError(t, m.Track("warm").End(nil))
}
