package checks

import (
	"context"
	"time"

	"github.com/charlesng35/offlinekyc/internal/monitoring"
)

const defaultMaintenanceMaxAge = 36 * time.Hour

// SweepReporter exposes the outcome of the most recent retention sweep.
type SweepReporter interface {
	LastSweep() (time.Time, error)
}

// Maintenance verifies that the retention sweep ran successfully within maxAge. A zero maxAge
// selects a window that tolerates one missed daily run.
func Maintenance(reporter SweepReporter, maxAge time.Duration) monitoring.Check {
	if maxAge <= 0 {
		maxAge = defaultMaintenanceMaxAge
	}

	return monitoring.NewCheck("maintenance", func(context.Context) monitoring.ProbeResult {
		if reporter == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "maintenance disabled"}
		}

		at, err := reporter.LastSweep()
		switch {
		case at.IsZero():
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "pending first run"}
		case err != nil:
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: err.Error()}
		case time.Since(at) > maxAge:
			return monitoring.ProbeResult{
				Status:  monitoring.StatusDegraded,
				Details: "stale run " + at.UTC().Format(time.RFC3339),
			}
		}
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	})
}
