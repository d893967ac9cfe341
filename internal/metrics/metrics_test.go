package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordInvocation("a", "ok", time.Second)
	c.RecordGraph("sequential", "succeeded", time.Second)
	c.RecordStep("failed")
	c.RecordDelegation("parallel")
	c.RecordHandoffTransition("pending", "active")
	c.RecordHandoffConflict()
	c.RecordRoute("single")
	c.RecordJanitor("handoffs", 3)
	if c.Registry() != nil {
		t.Error("expected nil registry")
	}
}

func TestCounters(t *testing.T) {
	c := New()

	c.RecordInvocation("planner", "ok", 100*time.Millisecond)
	c.RecordInvocation("planner", "ok", 200*time.Millisecond)
	c.RecordInvocation("planner", "timeout", time.Second)
	c.RecordHandoffTransition("active", "returning")
	c.RecordHandoffConflict()
	c.RecordJanitor("handoffs", 0)
	c.RecordJanitor("contexts", 4)

	if got := testutil.ToFloat64(c.invocationsTotal.WithLabelValues("planner", "ok")); got != 2 {
		t.Errorf("expected 2 ok invocations, got %v", got)
	}
	if got := testutil.ToFloat64(c.invocationsTotal.WithLabelValues("planner", "timeout")); got != 1 {
		t.Errorf("expected 1 timeout, got %v", got)
	}
	if got := testutil.ToFloat64(c.handoffConflicts); got != 1 {
		t.Errorf("expected 1 conflict, got %v", got)
	}
	if got := testutil.ToFloat64(c.janitorRemoved.WithLabelValues("contexts")); got != 4 {
		t.Errorf("expected 4 contexts removed, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.RecordRoute("handoff")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `synodos_router_routes_total{path="handoff"} 1`) {
		t.Errorf("expected route counter in output, got:\n%s", body)
	}
}
