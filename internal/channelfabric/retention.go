package channelfabric

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/annex-node/annex/internal/storage"
)

// backoff bounds for repeated pool-acquisition failure during a sweep.
const (
	backoffStart = 1 * time.Second
	backoffCap   = 60 * time.Second
)

// RetentionStats is a snapshot of the sweeper's counters, consistent with
// the teacher's scheduler job-status fields (last_status/run_count):
// LastRunAt is the time of the most recent batch attempt, RowsDeleted the
// running total across every sweep, and LastError the error of the most
// recent batch (empty after a successful one).
type RetentionStats struct {
	LastRunAt   time.Time
	RowsDeleted int64
	LastError   string
}

// RetentionSweeper runs the background retention sweep task: batches of
// sweepBatchSize, yielding between batches, until a batch returns fewer
// rows than the limit. Pool-acquisition failures back off exponentially
// up to backoffCap rather than spinning.
type RetentionSweeper struct {
	engine   *storage.Engine
	fabric   *Fabric
	interval time.Duration

	mu    sync.Mutex
	stats RetentionStats
}

// NewRetentionSweeper constructs a sweeper that checks for expired
// messages every interval.
func NewRetentionSweeper(engine *storage.Engine, fabric *Fabric, interval time.Duration) *RetentionSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RetentionSweeper{engine: engine, fabric: fabric, interval: interval}
}

// Stats returns a snapshot of the sweeper's counters (see RetentionStats).
func (s *RetentionSweeper) Stats() RetentionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *RetentionSweeper) recordRun(rowsDeleted int64, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.LastRunAt = time.Now()
	s.stats.RowsDeleted += rowsDeleted
	if runErr != nil {
		s.stats.LastError = runErr.Error()
	} else {
		s.stats.LastError = ""
	}
}

// Run blocks until ctx is cancelled. Each tick runs SweepOnce; on shutdown
// the current batch finishes before Run returns.
func (s *RetentionSweeper) Run(ctx context.Context) error {
	slog.Info("retention sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce drains every expired-message batch, acquiring a fresh
// transaction per batch, and yielding between batches so the sweep never
// monopolizes the pool.
func (s *RetentionSweeper) SweepOnce(ctx context.Context) {
	backoff := backoffStart
	for {
		if ctx.Err() != nil {
			return
		}

		var removed int
		err := s.engine.WithTx(ctx, func(tx *sql.Tx) error {
			n, err := s.fabric.SweepExpiredBatch(ctx, tx)
			removed = n
			return err
		})
		if err != nil {
			s.recordRun(0, err)
			slog.Warn("retention sweep batch failed", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}

		s.recordRun(int64(removed), nil)
		backoff = backoffStart
		if removed < sweepBatchSize {
			return
		}

		// Yield between batches so other writers get a turn.
		select {
		case <-time.After(0):
		case <-ctx.Done():
			return
		}
	}
}
