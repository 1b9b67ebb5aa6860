package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"forgescan/tool-runner/internal/model"
)

// TestMetricsRecordsJobs ensures job outcomes land in the labelled counters.
func TestMetricsRecordsJobs(t *testing.T) {
	m := NewMetrics()
	m.JobFinished("nmap", &model.Result{ToolName: "nmap", Status: model.StatusTimeout, Duration: 2000})
	m.JobFinished("nmap", &model.Result{ToolName: "nmap", Status: model.StatusTimeout, Duration: 2100})
	m.Rejected(StageScope)

	if got := testutil.ToFloat64(m.JobsTotal.WithLabelValues("nmap", "timeout")); got != 2 {
		t.Fatalf("expected 2 timeouts, got %v", got)
	}
	if got := testutil.ToFloat64(m.Rejections.WithLabelValues(StageScope)); got != 1 {
		t.Fatalf("expected 1 scope rejection, got %v", got)
	}
}

// TestMetricsNilSafe ensures a nil collector can be used freely.
func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.JobStarted()
	m.JobDone()
	m.Rejected(StageTarget)
	m.ReportFailed()
	m.ReportAlert()
	m.QueueError()
	m.JobFinished(UnknownTool, &model.Result{})
}

// TestMetricsHandler ensures the exposition endpoint serves our namespace.
func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.QueueError()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "toolrunner_queue_errors_total 1") {
		t.Fatalf("metric missing from output")
	}
}

// TestTracerDisabled ensures a disabled setup still yields a usable tracer.
func TestTracerDisabled(t *testing.T) {
	ts, err := NewTracerSetup(context.Background(), TracingConfig{})
	if err != nil || ts != nil {
		t.Fatalf("expected nil setup, got %v %v", ts, err)
	}
	_, span := ts.Tracer().Start(context.Background(), "noop")
	span.End()
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
}
