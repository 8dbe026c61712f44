// Package jobs holds the River background workers.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"navifleet.io/navifleet/internal/pkg/logger"
	"navifleet.io/navifleet/internal/storage"
)

// DefaultCommitRetention keeps abandoned commits around long enough to
// debug a superseded head before they are reclaimed.
const DefaultCommitRetention = 30 * 24 * time.Hour

// CommitPruneArgs is the periodic job that reclaims commits no tag can
// reach. Concurrent head moves leave the superseded commit behind, so
// without pruning the store grows without bound.
type CommitPruneArgs struct{}

// Kind returns the job kind identifier for commit pruning.
func (CommitPruneArgs) Kind() string { return "commit_prune" }

// InsertOpts ensures at most one prune job is enqueued per day.
func (CommitPruneArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: 24 * time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// CommitPruneWorker deletes unreachable commits older than the retention
// window.
type CommitPruneWorker struct {
	river.WorkerDefaults[CommitPruneArgs]
	store     storage.Store
	retention time.Duration
}

// NewCommitPruneWorker creates a prune worker. Non-positive retention
// falls back to the 30-day default.
func NewCommitPruneWorker(store storage.Store, retention time.Duration) *CommitPruneWorker {
	if retention <= 0 {
		retention = DefaultCommitRetention
	}
	return &CommitPruneWorker{store: store, retention: retention}
}

// Work reclaims aged unreachable commits.
func (w *CommitPruneWorker) Work(ctx context.Context, _ *river.Job[CommitPruneArgs]) error {
	if w == nil || w.store == nil {
		return fmt.Errorf("commit prune worker is not initialized")
	}

	pruned, err := w.store.PruneCommits(ctx, w.retention)
	if err != nil {
		return fmt.Errorf("prune commits older than %s: %w", w.retention, err)
	}

	logger.Info("commit prune completed",
		zap.Int64("pruned_commits", pruned),
		zap.Duration("retention", w.retention),
	)
	return nil
}
