package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RelayStarted("stateless")("completed")
	m.StageTask("initial", true)
	m.StageDuration("initial", 0)
	m.Collaboration("done")
	m.Attachment("pdf", "resolved")
	m.CredentialRefresh(nil)
	if m.Registry() != nil {
		t.Error("expected nil registry")
	}
}

func TestRelayCounters(t *testing.T) {
	m := New()

	done := m.RelayStarted("stateful")
	if got := testutil.ToFloat64(m.relayInFlight); got != 1 {
		t.Errorf("expected 1 in flight, got %v", got)
	}
	done("cancelled")

	if got := testutil.ToFloat64(m.relayInFlight); got != 0 {
		t.Errorf("expected 0 in flight, got %v", got)
	}
	if got := testutil.ToFloat64(m.relayStreams.WithLabelValues("stateful", "cancelled")); got != 1 {
		t.Errorf("expected 1 cancelled stream, got %v", got)
	}
}

func TestStageAndRefreshCounters(t *testing.T) {
	m := New()
	m.StageTask("initial", false)
	m.StageTask("initial", true)
	m.StageTask("initial", true)
	m.CredentialRefresh(errors.New("boom"))

	if got := testutil.ToFloat64(m.stageTasks.WithLabelValues("initial", "failed")); got != 2 {
		t.Errorf("expected 2 failed tasks, got %v", got)
	}
	if got := testutil.ToFloat64(m.tokenRefreshes.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed refresh, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Attachment("text", "resolved")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `conclave_attachments_total{kind="text",outcome="resolved"} 1`) {
		t.Errorf("metric missing from exposition:\n%s", rec.Body.String())
	}
}
