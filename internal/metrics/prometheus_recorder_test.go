package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.ObserveStageDuration("compile", 150*time.Millisecond)
	pr.ObserveBuildDuration(500 * time.Millisecond)
	pr.IncStageResult("compile", ResultSuccess)
	pr.IncStageResult("bundle", ResultFailed)
	pr.IncBuildOutcome(ResultFailed)
	pr.IncCacheLookup(true)
	pr.IncCacheLookup(false)
	pr.IncCacheLookup(false)
	pr.SetOutputFiles(7)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	assert.Equal(t, 1.0, testutil.ToFloat64(pr.stageResults.WithLabelValues("bundle", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pr.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 7.0, testutil.ToFloat64(pr.outputFiles))
}

func TestPrometheusRecorder_Handler(t *testing.T) {
	pr := NewPrometheusRecorder(nil)
	pr.IncBuildOutcome(ResultSuccess)

	rec := httptest.NewRecorder()
	pr.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `wasmbundle_build_outcomes_total{outcome="success"} 1`)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var pr *PrometheusRecorder

	assert.NotPanics(t, func() {
		pr.ObserveStageDuration("copy", time.Second)
		pr.IncStageResult("copy", ResultCanceled)
		pr.IncCacheLookup(true)
	})
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}

	assert.NotPanics(t, func() {
		r.ObserveBuildDuration(time.Second)
		r.IncBuildOutcome(ResultSuccess)
		r.SetOutputFiles(1)
	})
}
