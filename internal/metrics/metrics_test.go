package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	m := New()
	m.ObserveSubmission("created", 10*time.Millisecond)
	m.ObserveSubmission("created", 10*time.Millisecond)
	m.ObserveSubmission("duplicate", time.Millisecond)
	m.ObserveMirror("upsert", "failed")
	m.ObserveStatus(201)
	m.ObserveAttachment(2048)

	if got := testutil.ToFloat64(m.submissions.WithLabelValues("created")); got != 2 {
		t.Fatalf("expected 2 created, got %v", got)
	}
	if got := testutil.ToFloat64(m.mirrorWrites.WithLabelValues("upsert", "failed")); got != 1 {
		t.Fatalf("expected 1 failed upsert, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"kobocat_submissions_total", `kobocat_http_status_total{status="201"} 1`, "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSubmission("created", time.Second)
	m.ObserveMirror("upsert", "succeeded")
	m.ObserveStatus(500)
	m.ObserveAttachment(1)
	if m.Registry() != nil {
		t.Fatalf("nil metrics has no registry")
	}
}
