// Package config provides configuration management for indexsync.
package config

import "time"

// Default configuration values for indexsync.
const (
	// DefaultBackend is the document store backend.
	DefaultBackend = BackendBadger

	// DefaultInterval is the polling interval of the update task.
	DefaultInterval = 5 * time.Second

	// DefaultBatchSize is the number of log entries fetched per pull.
	DefaultBatchSize = 1000

	// DefaultStrategy is the snapshot storage strategy.
	DefaultStrategy = "zip"

	// DefaultMaxSnapshots is the number of snapshots retained.
	DefaultMaxSnapshots = 3

	// DefaultSearchCache is the number of cached search results.
	DefaultSearchCache = 256

	// DefaultMetricsAddr is the listen address of the metrics endpoint.
	// Empty disables it.
	DefaultMetricsAddr = "127.0.0.1:9464"
)

// Store backends.
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)
