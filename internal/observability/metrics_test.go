package observability

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ent0n29/recall/internal/retrieval"
)

var metricsSeq int

func testMetrics(t *testing.T) *Metrics {
	t.Helper()
	metricsSeq++
	return NewMetrics(fmt.Sprintf("recall_test_obs_%d", metricsSeq))
}

func TestMetricsObserveWindowAndErrors(t *testing.T) {
	m := testMetrics(t)
	m.ObserveWindow(retrieval.ScopeUser, retrieval.PathSimilarityPivot, 4)
	m.ObserveWindow(retrieval.ScopeUser, retrieval.PathSimilarityPivot, 3)
	m.ObserveError(retrieval.ScopeConversation, retrieval.KindNotFound)

	if got := testutil.ToFloat64(m.RetrievalRequests.WithLabelValues("user", "similarity_pivot")); got != 2 {
		t.Fatalf("retrieval_requests_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RetrievalErrors.WithLabelValues("conversation", "not_found")); got != 1 {
		t.Fatalf("retrieval_errors_total = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.WindowMessages); got != 1 {
		t.Fatalf("window_messages series = %d, want 1", got)
	}

	snap := m.ActivitySnapshot()
	if len(snap.Scopes) != 1 || snap.Scopes[0].Scope != "user" || snap.Scopes[0].Paths["similarity_pivot"] != 2 {
		t.Fatalf("Scopes = %+v, want user similarity_pivot x2", snap.Scopes)
	}
	if snap.Scopes[0].AvgMessages != 3.5 {
		t.Fatalf("AvgMessages = %v, want 3.5", snap.Scopes[0].AvgMessages)
	}
}

func TestMetricsRecorderHooks(t *testing.T) {
	m := testMetrics(t)
	m.ObserveAnnotation("ok")
	m.ObserveAnnotation("failed")
	m.ObserveAnnotation("failed")
	m.ObserveAnnotationError("timeout")
	m.ObserveTrim(3)
	m.ObserveTrim(0)

	if got := testutil.ToFloat64(m.Annotations.WithLabelValues("failed")); got != 2 {
		t.Fatalf("annotations_total{failed} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AnnotationErrors.WithLabelValues("timeout")); got != 1 {
		t.Fatalf("annotation_errors_total{timeout} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TrimmedMessages); got != 3 {
		t.Fatalf("trimmed_messages_total = %v, want 3", got)
	}
}

func TestMetricsTransportCounters(t *testing.T) {
	m := testMetrics(t)
	m.ObserveHTTP("/v1/conversations/{id}", 404)
	m.ObserveWS("in", "window_request")

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/v1/conversations/{id}", "404")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WSMessages.WithLabelValues("in", "window_request")); got != 1 {
		t.Fatalf("ws_messages_total = %v, want 1", got)
	}
}

func TestMetricsObserveOperation(t *testing.T) {
	m := testMetrics(t)
	m.ObserveOperation("recent_window", 1500*time.Microsecond)
	snap := m.ActivitySnapshot()
	if len(snap.Operations) != 1 || snap.Operations[0].MaxMS != 1.5 {
		t.Fatalf("Operations = %+v, want recent_window 1.5ms", snap.Operations)
	}
}
