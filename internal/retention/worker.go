// Package retention prunes old rows from the reply ledger.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/chaincord/internal/store"
)

// DefaultInterval is how often the worker sweeps.
const DefaultInterval = 10 * time.Minute

// PruneCallback is called with the number of rows removed by a sweep.
type PruneCallback func(deleted int64)

// StartWorker runs a background goroutine that periodically deletes ledger
// rows older than maxAge. The returned channel is closed when the worker
// exits after ctx is cancelled.
func StartWorker(ctx context.Context, repo store.Repository, interval, maxAge time.Duration, onPrune PruneCallback) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultInterval
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "max_age", maxAge)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, repo, maxAge, time.Now(), onPrune)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// Sweep deletes rows created before now minus maxAge. A non-positive maxAge
// keeps everything.
func Sweep(ctx context.Context, repo store.Repository, maxAge time.Duration, now time.Time, onPrune PruneCallback) {
	if maxAge <= 0 {
		return
	}
	cutoff := now.Add(-maxAge)
	deleted, err := repo.PruneReplies(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention sweep interrupted", "error", err)
			return
		}
		slog.Error("Retention worker failed to prune replies", "error", err, "cutoff", cutoff)
		return
	}
	if deleted == 0 {
		return
	}

	slog.Info("Retention worker pruned replies", "count", deleted, "cutoff", cutoff)
	if onPrune != nil {
		onPrune(deleted)
	}
}
