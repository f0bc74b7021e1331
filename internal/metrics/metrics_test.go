package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordsSeries(t *testing.T) {
	t.Parallel()

	m := New()
	m.CycleFinished(CycleOK, 2*time.Second)
	m.CycleFinished(CycleSkipped, 0)
	m.CycleFinished(CycleOK, time.Second)
	m.LogProcessed()
	m.LogProcessed()
	m.JobFinished("submitted")
	m.JobFinished("rejected")
	m.IntegrityFailure()
	m.KeyDerivationFailed()
	m.ObserveState(5552046, 3)

	if got := testutil.ToFloat64(m.cycles.WithLabelValues(CycleOK)); got != 2 {
		t.Fatalf("cycles ok: got %v", got)
	}
	if got := testutil.ToFloat64(m.cycles.WithLabelValues(CycleSkipped)); got != 1 {
		t.Fatalf("cycles skipped: got %v", got)
	}
	if got := testutil.ToFloat64(m.logsProcessed); got != 2 {
		t.Fatalf("logs: got %v", got)
	}
	if got := testutil.ToFloat64(m.jobs.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("jobs rejected: got %v", got)
	}
	if got := testutil.ToFloat64(m.integrityFailures); got != 1 {
		t.Fatalf("integrity: got %v", got)
	}
	if got := testutil.ToFloat64(m.blockCursor); got != 5552046 {
		t.Fatalf("cursor: got %v", got)
	}
	if got := testutil.ToFloat64(m.nonce); got != 3 {
		t.Fatalf("nonce: got %v", got)
	}
}

func TestMetrics_HandlerServesRegistry(t *testing.T) {
	t.Parallel()

	m := New()
	m.IntegrityFailure()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "coprocessor_integrity_failures_total 1") {
		t.Fatalf("metrics output missing series:\n%s", body)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.CycleFinished(CycleError, time.Second)
	m.LogProcessed()
	m.JobFinished("failed")
	m.IntegrityFailure()
	m.KeyDerivationFailed()
	m.ObserveState(1, 1)
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("status: got %d", rec.Code)
	}
}
