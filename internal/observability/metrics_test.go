package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/api/v1/health", 200, 5*time.Millisecond)
	RecordPerceptionFailure("frame")
	RecordRelayMessage("webrtc-offer")
	RelayConnectionOpened()
	RelayConnectionClosed()
}

func TestPairingClaimLabels(t *testing.T) {
	before := testutil.ToFloat64(pairingClaims.WithLabelValues("rejected"))
	RecordPairingClaim(false)
	RecordPairingClaim(true)
	if got := testutil.ToFloat64(pairingClaims.WithLabelValues("rejected")); got != before+1 {
		t.Fatalf("expected rejected counter %v, got %v", before+1, got)
	}
}

func TestViolationPointsAccumulate(t *testing.T) {
	before := testutil.ToFloat64(violationPoints)
	RecordViolationPoints(7)
	RecordViolationPoints(3)
	if got := testutil.ToFloat64(violationPoints); got != before+10 {
		t.Fatalf("expected %v points, got %v", before+10, got)
	}
}
