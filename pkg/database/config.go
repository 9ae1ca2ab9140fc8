package database

import "time"

// Config holds the pool-sizing knobs for NewClient. It is populated by
// pkg/config.Load() and passed in explicitly rather than re-read from
// the environment here, matching spec.md §9's module-singleton note.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}
