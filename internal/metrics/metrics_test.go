package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestObserveHTTPRecordsRequestAndDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg)

	rec.ObserveHTTP("/api/message/send", "POST", 200, 12*time.Millisecond)

	if got := counterValue(t, rec.httpRequests, "/api/message/send", "POST", "OK"); got != 1 {
		t.Fatalf("httpRequests = %v, want 1", got)
	}
}

func TestObserveToolCallLabelsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg)

	rec.ObserveToolCall("send_message", "rest", "ok", time.Millisecond)
	rec.ObserveToolCall("reserve_paths", "mcp", "reservation_conflict", time.Millisecond)

	if got := counterValue(t, rec.toolCalls, "send_message", "rest", "ok"); got != 1 {
		t.Fatalf("toolCalls(ok) = %v, want 1", got)
	}
	if got := counterValue(t, rec.toolCalls, "reserve_paths", "mcp", "reservation_conflict"); got != 1 {
		t.Fatalf("toolCalls(reservation_conflict) = %v, want 1", got)
	}
}

func TestObserveRateLimited(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg)

	rec.ObserveRateLimited("write", "mcp")
	rec.ObserveRateLimited("write", "mcp")

	if got := counterValue(t, rec.rateLimited, "write", "mcp"); got != 2 {
		t.Fatalf("rateLimited = %v, want 2", got)
	}
}

func TestNilRecorderMethodsAreNoops(t *testing.T) {
	var rec *Recorder
	rec.ObserveHTTP("/x", "GET", 200, time.Millisecond)
	rec.ObserveToolCall("t", "rest", "ok", time.Millisecond)
	rec.ObserveRateLimited("write", "rest")
}

func TestHandlerServesExposition(t *testing.T) {
	h := Handler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
