package obsmetrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterWritesPrometheusFormat(t *testing.T) {
	c := NewCounter("ingestd_test_total", "a test counter")
	c.Add(3)
	c.Inc()

	var b strings.Builder
	require.NoError(t, c.WritePrometheus(&b))
	out := b.String()
	assert.Contains(t, out, "# HELP ingestd_test_total a test counter")
	assert.Contains(t, out, "# TYPE ingestd_test_total counter")
	assert.Contains(t, out, "ingestd_test_total 4.000000")
}

func TestGaugeVecLabelsValues(t *testing.T) {
	g := NewGaugeVec("ingestd_stage_active", "active stages", []string{"stage"})
	g.Set(2, "converting")
	g.Set(1, "imaging")

	var b strings.Builder
	require.NoError(t, g.WritePrometheus(&b))
	out := b.String()
	assert.Contains(t, out, `ingestd_stage_active{stage="converting"} 2.000000`)
	assert.Contains(t, out, `ingestd_stage_active{stage="imaging"} 1.000000`)
}

func TestHistogramVecBucketsAndCount(t *testing.T) {
	h := NewHistogramVec("ingestd_stage_duration_seconds", "stage duration", []string{"stage"}, []float64{1, 5})
	h.Observe(0.5, "converting")
	h.Observe(2, "converting")
	h.Observe(10, "converting")

	var b strings.Builder
	require.NoError(t, h.WritePrometheus(&b))
	out := b.String()
	assert.Contains(t, out, `ingestd_stage_duration_seconds_count{stage="converting"} 3`)
	assert.Contains(t, out, `ingestd_stage_duration_seconds_bucket{stage="converting",le="+Inf"} 3`)
}

func TestNilMetricsDoNotPanic(t *testing.T) {
	var c *Counter
	var g *Gauge
	assert.NotPanics(t, func() {
		c.Inc()
		g.Set(1)
		var b strings.Builder
		_ = c.WritePrometheus(&b)
		_ = g.WritePrometheus(&b)
	})
}
