package checks

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/charlesng35/offlinekyc/internal/monitoring"
)

const defaultMaxGoroutines = 10000

// Process returns a liveness probe that reports uptime and degrades when the goroutine count
// exceeds maxGoroutines. A non-positive limit selects the default.
func Process(startedAt time.Time, maxGoroutines int) monitoring.Check {
	if maxGoroutines <= 0 {
		maxGoroutines = defaultMaxGoroutines
	}
	return monitoring.NewCheck("process", func(context.Context) monitoring.ProbeResult {
		goroutines := runtime.NumGoroutine()
		details := fmt.Sprintf("uptime %s, %d goroutines", time.Since(startedAt).Truncate(time.Second), goroutines)
		if goroutines > maxGoroutines {
			return monitoring.ProbeResult{Status: monitoring.StatusDegraded, Details: details}
		}
		return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: details}
	})
}
