package trust

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	trustrepo "github.com/veridian-network/veridian/internal/repository/trust"
	"github.com/veridian-network/veridian/pkg/graceful"
	"github.com/veridian-network/veridian/pkg/logger"
	"github.com/veridian-network/veridian/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
)

// staleClaimCutoff is how long a claimed job may sit before a dead drain's
// lease is released.
const staleClaimCutoff = 15 * time.Minute

// drainConcurrency bounds per-drain parallel recomputation.
const drainConcurrency = 4

// DrainResult reports one drain pass.
type DrainResult struct {
	Claimed   int `json:"claimed"`
	Processed int `json:"processed"`
	Requeued  int `json:"requeued"`
}

// Queue buffers trust recomputation jobs in the store and drains them in
// bounded batches through the engine.
type Queue struct {
	log       *zap.Logger
	repo      Repository
	engine    *Engine
	batchSize int

	cronRunner *cron.Cron
}

// NewQueue constructs the recalculation queue service.
func NewQueue(log *zap.Logger, repo Repository, engine *Engine, batchSize int) *Queue {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Queue{
		log:       log,
		repo:      repo,
		engine:    engine,
		batchSize: batchSize,
	}
}

// Enqueue appends a recalc job unless an equivalent pending job exists for
// the content unit. Dedup is silent: the caller's intent is already queued.
// Admin only at the boundary.
func (q *Queue) Enqueue(ctx context.Context, callerID, contentID, reason string) error {
	if err := requireAdmin(ctx, q.log, q.repo, callerID); err != nil {
		return err
	}
	if contentID == "" {
		return graceful.WrapErr(ctx, codes.InvalidArgument, "content_id is required", nil)
	}
	enqueued, err := q.repo.Enqueue(ctx, contentID, reason)
	if err != nil {
		return graceful.LogAndWrap(ctx, q.log, codes.Internal, "failed to enqueue recalc job", err,
			zap.String("content_id", contentID))
	}
	if !enqueued {
		q.log.Debug("recalc job deduplicated", zap.String("content_id", contentID))
	}
	q.refreshQueueGauge(ctx)
	return nil
}

// Drain is the admin trigger for an immediate drain pass. It funnels
// through the same lease step as the background loop, so concurrent drains
// never double-process.
func (q *Queue) Drain(ctx context.Context, callerID string, limit int) (DrainResult, error) {
	if err := requireAdmin(ctx, q.log, q.repo, callerID); err != nil {
		return DrainResult{}, err
	}
	return q.drain(ctx, limit)
}

// drain claims up to limit pending jobs under a fresh lease and recomputes
// each. A job whose signal lookups time out is requeued rather than failing
// the batch.
func (q *Queue) drain(ctx context.Context, limit int) (DrainResult, error) {
	if limit <= 0 {
		limit = q.batchSize
	}

	if released, err := q.repo.ReleaseStaleClaims(ctx, staleClaimCutoff); err != nil {
		q.log.Warn("failed to release stale claims", zap.Error(err))
	} else if released > 0 {
		q.log.Info("released stale recalc claims", zap.Int64("count", released))
	}

	leaseID := uuid.New().String()
	jobs, err := q.repo.ClaimJobs(ctx, limit, leaseID)
	if err != nil {
		return DrainResult{}, graceful.LogAndWrap(ctx, q.log, codes.Internal, "failed to claim recalc jobs", err)
	}

	result := DrainResult{Claimed: len(jobs)}
	if len(jobs) == 0 {
		q.refreshQueueGauge(ctx)
		return result, nil
	}

	outcomes := make([]bool, len(jobs))
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(drainConcurrency)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			outcomes[i] = q.processJob(groupCtx, job)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, graceful.LogAndWrap(ctx, q.log, codes.Internal, "recalc drain aborted", err)
	}

	for _, processed := range outcomes {
		if processed {
			result.Processed++
		} else {
			result.Requeued++
		}
	}

	q.log.Info("recalc queue drained",
		zap.String("lease_id", leaseID),
		zap.Int("claimed", result.Claimed),
		zap.Int("processed", result.Processed),
		zap.Int("requeued", result.Requeued),
	)
	q.refreshQueueGauge(ctx)
	return result, nil
}

// processJob recomputes one job, retrying once with backoff before giving
// the job back to the queue. Returns true when the job is fully processed.
func (q *Queue) processJob(ctx context.Context, job trustrepo.RecalcJob) bool {
	var profile *trustrepo.Profile
	operation := func() error {
		p, err := q.engine.compute(ctx, job.ContentID)
		if err != nil {
			return err
		}
		if p.Partial {
			return errors.New("partial profile: signal feed unavailable")
		}
		profile = p
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		q.log.Warn("recalc job requeued",
			zap.Int64("job_id", job.ID),
			zap.String("content_id", job.ContentID),
			zap.Error(err),
		)
		if requeueErr := q.repo.Requeue(ctx, job); requeueErr != nil {
			q.log.Error("failed to requeue recalc job", zap.Int64("job_id", job.ID), zap.Error(requeueErr))
		}
		metrics.RecalcJobsProcessed.WithLabelValues("requeued").Inc()
		return false
	}

	if err := q.repo.MarkProcessed(ctx, job.ID); err != nil {
		q.log.Error("failed to mark recalc job processed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	metrics.RecalcJobsProcessed.WithLabelValues("processed").Inc()
	q.log.Debug("recalc job processed",
		zap.Int64("job_id", job.ID),
		zap.String("content_id", job.ContentID),
		zap.Int("aggregate", Aggregate(profile)),
	)
	return true
}

// PendingCount reports the operational queue-size metric.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	n, err := q.repo.PendingCount(ctx)
	if err != nil {
		return 0, graceful.LogAndWrap(ctx, q.log, codes.Internal, "failed to count pending recalc jobs", err)
	}
	return n, nil
}

// StartDrainLoop schedules background drains on the given cron spec and
// returns a stop function.
func (q *Queue) StartDrainLoop(ctx context.Context, spec string) (func(), error) {
	q.cronRunner = cron.New()
	_, err := q.cronRunner.AddFunc(spec, func() {
		drainCtx, cancel := context.WithTimeout(logger.WithContext(ctx, "recalc-drain"), 5*time.Minute)
		defer cancel()
		if _, err := q.drain(drainCtx, q.batchSize); err != nil {
			q.log.Error("background recalc drain failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	q.cronRunner.Start()
	q.log.Info("recalc drain loop started", zap.String("spec", spec))
	return func() {
		stopCtx := q.cronRunner.Stop()
		<-stopCtx.Done()
	}, nil
}

func (q *Queue) refreshQueueGauge(ctx context.Context) {
	if n, err := q.repo.PendingCount(ctx); err == nil {
		metrics.RecalcQueuePending.Set(float64(n))
	}
}
