package observability

import (
	"testing"
	"time"

	"github.com/danmuck/relaylink/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("linkctl", "GET", "/health", 200, 12*time.Millisecond)
	RecordConnectAttempt("connected")
	RecordMessage("data", "sent", 42)
	RecordAbort("protocol_violation")
	RecordRelaySession("accepted", 3*time.Second)
}

func TestRecordTransitionMovesStateGauge(t *testing.T) {
	testlog.Start(t)
	RecordTransition("connecting", "idle")
	if got := testutil.ToFloat64(linkState.WithLabelValues("idle")); got != 1 {
		t.Fatalf("idle gauge=%v want 1", got)
	}
	RecordTransition("idle", "sizing")
	if got := testutil.ToFloat64(linkState.WithLabelValues("idle")); got != 0 {
		t.Fatalf("idle gauge=%v want 0", got)
	}
	if got := testutil.ToFloat64(linkState.WithLabelValues("sizing")); got != 1 {
		t.Fatalf("sizing gauge=%v want 1", got)
	}
}
