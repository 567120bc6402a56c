package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"git-reviewer/internal/config"
	"git-reviewer/internal/models"
	"git-reviewer/internal/queue"
	"git-reviewer/internal/store"
	"git-reviewer/internal/telemetry"
)

// Queue is the dispatch side the processor consumes.
type Queue interface {
	Dequeue(ctx context.Context) (queue.Task, bool, error)
	Ack(ctx context.Context, jobID string) error
	Requeue(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
	Stale(ctx context.Context, now time.Time, olderThan time.Duration, limit int64) ([]string, error)
}

// Executor runs one job to a terminal status.
type Executor interface {
	Execute(ctx context.Context, jobID string) (models.Status, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg    config.Config
	queue  Queue
	exec   Executor
	logger *zap.Logger
}

func NewProcessor(cfg config.Config, q Queue, exec Executor, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	return &Processor{
		cfg:    cfg,
		queue:  q,
		exec:   exec,
		logger: logger.Named("processor"),
	}
}

// Run starts WorkerConcurrency consumer loops plus a housekeeping loop, until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		slot := i
		g.Go(func() error { return p.consume(ctx, slot) })
	}
	g.Go(func() error { return p.watch(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) consume(ctx context.Context, slot int) error {
	log := p.logger.With(zap.Int("slot", slot))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		worked, err := p.RunOnce(ctx)
		if err != nil {
			log.Warn("processing iteration failed", zap.Error(err))
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// RunOnce dequeues and executes at most one task. worked is false when the queue was empty.
// A task whose job could not be claimed because of a store error goes back to the ready list;
// every other outcome acknowledges it, so a claimed job is never executed twice.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	task, ok, err := p.queue.Dequeue(ctx)
	if errors.Is(err, queue.ErrTaskMetaMissing) {
		p.logger.Warn("task record missing, continuing with job id only", zap.String("job_id", task.JobID))
		err = nil
	}
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	status, err := p.exec.Execute(ctx, task.JobID)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		p.logger.Warn("dropping task for unknown job", zap.String("job_id", task.JobID))
	case err != nil:
		if rqErr := p.queue.Requeue(context.WithoutCancel(ctx), task.JobID); rqErr != nil {
			p.logger.Error("requeue failed, job left in flight", zap.String("job_id", task.JobID), zap.Error(rqErr))
		}
		return true, err
	default:
		p.logger.Info("job finished", zap.String("job_id", task.JobID), zap.String("status", string(status)),
			zap.Duration("queued_for", time.Since(task.EnqueuedAt)))
	}
	p.ack(ctx, task.JobID)
	return true, nil
}

func (p *Processor) ack(ctx context.Context, jobID string) {
	if err := p.queue.Ack(context.WithoutCancel(ctx), jobID); err != nil {
		p.logger.Warn("ack failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// watch refreshes the queue depth gauge and reports tasks held in flight past StaleJobAfter.
// Stale tasks are only reported: a job abandoned by a crashed worker stays processing.
func (p *Processor) watch(ctx context.Context) error {
	ticker := time.NewTicker(5 * p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		if p.cfg.StaleJobAfter <= 0 {
			continue
		}
		stale, err := p.queue.Stale(ctx, time.Now(), p.cfg.StaleJobAfter, 100)
		if err != nil {
			p.logger.Debug("stale scan failed", zap.Error(err))
			continue
		}
		for _, id := range stale {
			p.logger.Warn("job in flight past deadline", zap.String("job_id", id), zap.Duration("after", p.cfg.StaleJobAfter))
		}
	}
}
