package main

import "time"

// Operator-facing limits and defaults for the CLI and process lifecycle.
const (
	// defaultTokenTTL is how long `huddle token` tokens live unless a TTL
	// argument is given.
	defaultTokenTTL = 24 * time.Hour

	// maxTokenTTL caps dev tokens so a leaked one expires eventually.
	maxTokenTTL = 30 * 24 * time.Hour

	// defaultBackupPath is where `huddle backup` writes without an argument.
	defaultBackupPath = "huddle-backup.db"

	// minMetricsInterval keeps a misconfigured interval from spinning the
	// metrics loop.
	minMetricsInterval = time.Second
)
