package worker

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"forgescan/tool-runner/internal/model"
	"forgescan/tool-runner/internal/observability"
	"forgescan/tool-runner/internal/queue"
)

// Reporter publishes a terminal Result. *report.Reporter implements it.
type Reporter interface {
	Report(ctx context.Context, res *model.Result) error
}

// Config bounds the runtime. RateLimit job starts are allowed per RateWindow.
type Config struct {
	Concurrency   int
	RateLimit     int
	RateWindow    time.Duration
	ShutdownGrace time.Duration
	// QueueBackoff caps the delay between retries of a failing queue.
	QueueBackoff time.Duration
	// LeaseRefresh is how often a leasing queue is heartbeated and swept.
	// It must be well below the queue's lease TTL.
	LeaseRefresh time.Duration
}

// Runtime pulls jobs from the queue with at most Concurrency in flight and at
// most RateLimit starts per RateWindow. A delivery is acknowledged only after
// its Result has been reported.
type Runtime struct {
	queue    queue.Queue
	pipeline *Pipeline
	reporter Reporter
	cfg      Config
	logger   zerolog.Logger
	metrics  *observability.Metrics

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	pool    *workerpool.WorkerPool
}

func NewRuntime(q queue.Queue, pipeline *Pipeline, reporter Reporter, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Runtime {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RateLimit < 1 {
		cfg.RateLimit = 1
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	if cfg.QueueBackoff <= 0 {
		cfg.QueueBackoff = 30 * time.Second
	}
	if cfg.LeaseRefresh <= 0 {
		cfg.LeaseRefresh = 10 * time.Second
	}
	return &Runtime{
		queue:    q,
		pipeline: pipeline,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger.With().Str("component", "worker").Logger(),
		metrics:  metrics,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiter:  rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateLimit)), cfg.RateLimit),
		pool:     workerpool.New(cfg.Concurrency),
	}
}

// Run consumes until ctx is cancelled or the queue closes, then gives in-flight
// jobs ShutdownGrace to finish. Jobs cut off by the grace period are left
// unacknowledged for redelivery.
func (r *Runtime) Run(ctx context.Context) error {
	if n, err := r.queue.Recover(ctx); err != nil {
		return errors.Wrap(err, "recovering unacknowledged jobs")
	} else if n > 0 {
		r.logger.Info().Int("count", n).Msg("requeued unacknowledged jobs")
	}

	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	// The lease outlives ctx so jobs finishing inside the grace period stay owned.
	leaseCtx, stopLease := context.WithCancel(context.WithoutCancel(ctx))
	leaseDone := r.keepLease(leaseCtx)
	defer func() {
		stopLease()
		<-leaseDone
	}()

	r.logger.Info().
		Int("concurrency", r.cfg.Concurrency).
		Int("rate_limit", r.cfg.RateLimit).
		Dur("rate_window", r.cfg.RateWindow).
		Msg("worker started")

	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		if err := r.limiter.Wait(ctx); err != nil {
			r.sem.Release(1)
			break
		}
		d, err := r.dequeue(ctx)
		if err != nil {
			r.sem.Release(1)
			break
		}
		r.pool.Submit(func() {
			defer r.sem.Release(1)
			r.handle(jobCtx, d)
		})
	}

	r.logger.Info().Dur("grace", r.cfg.ShutdownGrace).Msg("worker stopping")
	done := make(chan struct{})
	go func() {
		r.pool.StopWait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.cfg.ShutdownGrace):
		r.logger.Warn().Msg("shutdown grace expired, interrupting running jobs")
		cancelJobs()
		<-done
	}
	r.logger.Info().Msg("worker stopped")
	return nil
}

// keepLease heartbeats a leasing queue and reclaims work orphaned by dead
// workers until ctx is done. The returned channel closes when it stops.
func (r *Runtime) keepLease(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	leaser, ok := r.queue.(queue.Leaser)
	if !ok {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.LeaseRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := leaser.Heartbeat(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.metrics.QueueError()
				r.logger.Error().Err(err).Msg("lease heartbeat failed")
				continue
			}
			n, err := leaser.Sweep(ctx)
			if err != nil {
				r.metrics.QueueError()
				r.logger.Error().Err(err).Msg("orphan sweep failed")
			}
			if n > 0 {
				r.logger.Warn().Int("count", n).Msg("requeued jobs orphaned by an expired worker")
			}
		}
	}()
	return done
}

// dequeue retries queue infrastructure errors with capped backoff until ctx ends.
func (r *Runtime) dequeue(ctx context.Context) (*queue.Delivery, error) {
	var d *queue.Delivery
	err := retry.Do(
		func() error {
			var err error
			d, err = r.queue.Dequeue(ctx)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return retry.Unrecoverable(err)
			}
			r.metrics.QueueError()
			return err
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(r.cfg.QueueBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Error().Err(err).Uint("attempt", n+1).Msg("dequeue failed, backing off")
		}),
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *Runtime) handle(ctx context.Context, d *queue.Delivery) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("job handler panicked, leaving delivery for redelivery")
		}
	}()

	if d.Job == nil {
		r.handleMalformed(ctx, d)
		return
	}

	res := r.pipeline.Process(ctx, d.Job)
	if ctx.Err() != nil {
		r.logger.Warn().Str("run_id", d.Job.RunID).Msg("job interrupted by shutdown, left for redelivery")
		return
	}
	r.finish(ctx, d, res)
}

// handleMalformed acks undecodable payloads; a failed Result is reported when
// a runId can still be recovered from the payload.
func (r *Runtime) handleMalformed(ctx context.Context, d *queue.Delivery) {
	r.metrics.Rejected(observability.StageDecode)
	runID := queue.ExtractRunID(d.Raw)
	r.logger.Warn().Err(d.DecodeErr).Str("run_id", runID).Msg("malformed job payload")
	if runID == "" {
		r.ack(d)
		return
	}
	r.finish(ctx, d, model.FailedResult(runID, "", "validation failed: malformed job payload"))
}

func (r *Runtime) finish(ctx context.Context, d *queue.Delivery, res *model.Result) {
	if err := r.reporter.Report(ctx, res); err != nil {
		r.logger.Error().Err(err).Str("run_id", res.RunID).Msg("result not reported, leaving job for redelivery")
		return
	}
	r.ack(d)
}

func (r *Runtime) ack(d *queue.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.queue.Ack(ctx, d); err != nil {
		r.metrics.QueueError()
		r.logger.Error().Err(err).Msg("ack failed, job may be redelivered")
	}
}
