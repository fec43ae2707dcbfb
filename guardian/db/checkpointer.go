package db

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinelguard/sentinel/guardian/config"
)

// Checkpointer periodically truncates the SQLite write-ahead log so it does
// not grow without bound on long-running nodes. It is a no-op for Postgres.
type Checkpointer struct {
	database *DB
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewCheckpointer creates a checkpointer running every interval.
func NewCheckpointer(database *DB, interval time.Duration, logger zerolog.Logger) *Checkpointer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Checkpointer{
		database: database,
		interval: interval,
		logger:   logger.With().Str("component", "wal_checkpointer").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic checkpoint loop.
func (c *Checkpointer) Start(ctx context.Context) {
	if c.database.Driver() != config.DatabaseDriverSQLite {
		c.logger.Debug().Msg("datastore is not sqlite, checkpointer disabled")
		return
	}

	c.logger.Info().Dur("interval", c.interval).Msg("starting WAL checkpointer")

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Checkpoint()
			}
		}
	}()
}

// Stop halts the loop.
func (c *Checkpointer) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

// Checkpoint runs one WAL checkpoint and reports whether it succeeded.
func (c *Checkpointer) Checkpoint() bool {
	if c.database.Driver() != config.DatabaseDriverSQLite {
		return false
	}
	if err := c.database.Client().Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		c.logger.Warn().Err(err).Msg("failed to checkpoint WAL")
		return false
	}
	c.logger.Debug().Msg("WAL checkpoint completed")
	return true
}
