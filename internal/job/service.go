package job

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/inference-gateway/internal/model"
)

// Runner executes one claimed job and returns a reference to where its
// result was stored.
type Runner func(ctx context.Context, j model.Job) (resultRef string, err error)

// Options tunes the worker pool.
type Options struct {
	Workers      int
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// Service accepts async submissions and replays them through the runner.
type Service struct {
	store Store
	run   Runner
	opts  Options
}

// NewService creates a Service. Run must be started for queued jobs to
// make progress.
func NewService(store Store, run Runner, opts Options) *Service {
	return &Service{store: store, run: run, opts: opts.withDefaults()}
}

// Submit persists a queued job and returns it immediately. The request
// has already passed identity checks. The request ID is minted here so
// the job row and the eventual usage entry share it.
func (s *Service) Submit(ctx context.Context, processID string, req model.Request) (*model.Job, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	j := model.Job{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		ProcessID: processID,
		Status:    model.JobQueued,
		Request:   req,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, j); err != nil {
		return nil, eris.Wrap(err, "job: submit")
	}
	return &j, nil
}

// Status fetches the current state of a job, nil when unknown.
func (s *Service) Status(ctx context.Context, jobID string) (*model.Job, error) {
	return s.store.Get(ctx, jobID)
}

// Run requeues jobs orphaned by an unclean shutdown, then polls for
// queued work with a bounded worker pool until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if n, err := s.store.Requeue(ctx); err != nil {
		return eris.Wrap(err, "job: requeue on startup")
	} else if n > 0 {
		zap.L().Info("requeued orphaned jobs", zap.Int("count", n))
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		g.Go(func() error {
			return s.workLoop(ctx)
		})
	}
	return g.Wait()
}

func (s *Service) workLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		claimed, err := s.store.Claim(ctx)
		if err != nil {
			zap.L().Error("job claim failed", zap.Error(err))
		} else if claimed != nil {
			s.execute(ctx, *claimed)
			// Keep draining while work is available.
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) execute(ctx context.Context, j model.Job) {
	log := zap.L().With(zap.String("job_id", j.ID), zap.String("process_id", j.ProcessID))
	log.Info("job started")

	resultRef, err := s.run(ctx, j)

	status := model.JobSucceeded
	errMsg := ""
	if err != nil {
		status = model.JobFailed
		errMsg = err.Error()
		log.Warn("job failed", zap.Error(err))
	} else {
		log.Info("job succeeded", zap.String("result_ref", resultRef))
	}

	if err := s.store.Complete(ctx, j.ID, status, resultRef, errMsg); err != nil {
		zap.L().Error("job completion not recorded", zap.String("job_id", j.ID), zap.Error(err))
	}
}
