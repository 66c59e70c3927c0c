package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(Verifications.WithLabelValues("XML", "SUCCESS"))
	Verifications.WithLabelValues("XML", "SUCCESS").Inc()
	if got := testutil.ToFloat64(Verifications.WithLabelValues("XML", "SUCCESS")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}

	before = testutil.ToFloat64(SignatureVerdicts.WithLabelValues("invalid"))
	SignatureVerdicts.WithLabelValues("invalid").Inc()
	if got := testutil.ToFloat64(SignatureVerdicts.WithLabelValues("invalid")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}
}

func TestHistogramsRegistered(t *testing.T) {
	VerificationStepDuration.WithLabelValues("VERIFY_SIGNATURE").Observe(0.02)

	if n := testutil.CollectAndCount(VerificationStepDuration); n < 1 {
		t.Fatalf("expected at least one step series, got %d", n)
	}
}
