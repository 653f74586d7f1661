package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.EventIn("receive_message")
	m.Dropped("bad_payload")
	m.SetConnStatus("connected")
	m.ObserveHTTP("fetch_history", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Fatalf("nil metrics must have nil registry")
	}
}

func TestMetrics_ConnStatusIsExclusive(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetConnStatus("connected")

	if got := testutil.ToFloat64(m.connStatus.WithLabelValues("connected")); got != 1 {
		t.Fatalf("connected=%v want=1", got)
	}
	if got := testutil.ToFloat64(m.connStatus.WithLabelValues("disconnected")); got != 0 {
		t.Fatalf("disconnected=%v want=0", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.Duplicate()
	m.Duplicate()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "chatsync_sync_duplicate_messages_total 2") {
		t.Fatalf("duplicate counter missing from exposition:\n%s", body)
	}
}
