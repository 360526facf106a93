// Package job runs asynchronous submissions: a persisted queue plus a
// worker pool that replays queued jobs through the gateway pipeline.
package job

import (
	"context"

	"github.com/sells-group/inference-gateway/internal/model"
)

// Store is the persistence interface for the job queue.
type Store interface {
	// Insert persists a new queued job.
	Insert(ctx context.Context, j model.Job) error

	// Claim atomically moves the oldest queued job to running and
	// returns it. Nil when no job is queued.
	Claim(ctx context.Context) (*model.Job, error)

	// Complete records the terminal status for a running job.
	Complete(ctx context.Context, jobID string, status model.JobStatus, resultRef, errMsg string) error

	// Get fetches one job by ID, nil when absent.
	Get(ctx context.Context, jobID string) (*model.Job, error)

	// Requeue moves jobs stuck in running back to queued, used on
	// startup after an unclean shutdown.
	Requeue(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
