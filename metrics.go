package main

import (
	"context"
	"log/slog"
	"time"

	"huddle/server/internal/core"
)

// RunMetrics logs registry stats every interval until ctx is canceled.
// Idle intervals are not logged.
func RunMetrics(ctx context.Context, registry *core.Registry, interval time.Duration) {
	if interval < minMetricsInterval {
		interval = minMetricsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logMetrics(registry.Stats(), interval)
		}
	}
}

func logMetrics(st core.Stats, interval time.Duration) {
	if st.Connections == 0 && st.Published == 0 {
		return
	}
	slog.Info("metrics",
		"rooms", st.Rooms,
		"connections", st.Connections,
		"published", st.Published,
		"dropped", st.Dropped,
		"events_per_sec", float64(st.Published)/interval.Seconds(),
	)
}
