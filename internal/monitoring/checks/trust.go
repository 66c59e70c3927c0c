package checks

import (
	"context"

	"github.com/charlesng35/offlinekyc/internal/ekyc/signature"
	"github.com/charlesng35/offlinekyc/internal/monitoring"
)

// TrustPolicy reports degraded when the active policy trusts no issuer, since every
// certificate check would then fail.
func TrustPolicy(store *signature.PolicyStore) monitoring.Check {
	return monitoring.NewCheck("trust_policy", func(context.Context) monitoring.ProbeResult {
		if store == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: "trust policy not configured"}
		}

		policy := store.Load()
		if len(policy.IssuerNames) == 0 {
			return monitoring.ProbeResult{Status: monitoring.StatusDegraded, Details: "no trusted issuers configured"}
		}
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	})
}
