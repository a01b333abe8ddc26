package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestHealthHandlerReportsHealthy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthHandler()(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "healthy")
}

func TestReadinessHandlerFailsOnCheckError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	failing := func(ctx context.Context) error { return errors.New("index unavailable") }
	ReadinessHandler(failing)(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadinessHandlerSucceedsWithNoChecks(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	ReadinessHandler()(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsRecordObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveUpload("success", 0.5)
	m.RecordCacheHit()
	m.SetThrottleMultiplier(3.0)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNilMetricsIsANoOp(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveUpload("success", 0.1)
		m.ObserveDownload("failure", 0.2)
		m.RecordRateLimitPause()
		m.SetThrottleMultiplier(1.5)
		m.RecordCacheHit()
		m.RecordCacheMiss()
		m.SetCacheSizeBytes(1024)
		m.RecordCacheEviction()
		m.RecordIndexOp("get", "success")
		m.RecordIntegrityFailure()
		m.RecordLegacyFallback()
	})
}
