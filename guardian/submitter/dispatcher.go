package submitter

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
	"github.com/sentinelguard/sentinel/guardian/metrics"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
)

// DispatcherConfig holds configuration for the dispatcher.
type DispatcherConfig struct {
	Submitter *Submitter
	Workers   int
	QueueSize int
	Logger    zerolog.Logger
}

// Dispatcher runs submissions off the verdict path on a fixed worker pool.
// Incidents that do not fit in the queue stay pending for the poller.
type Dispatcher struct {
	submitter *Submitter
	queue     chan string
	workers   int
	logger    zerolog.Logger

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// NewDispatcher creates a dispatcher. Call Start before enqueueing work.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Dispatcher{
		submitter: cfg.Submitter,
		queue:     make(chan string, size),
		workers:   workers,
		logger:    cfg.Logger.With().Str("component", "submission_dispatcher").Logger(),
		done:      make(chan struct{}),
	}
}

// Enqueue schedules incidentID for submission without blocking. It returns
// false when the queue is full.
func (d *Dispatcher) Enqueue(incidentID string) bool {
	select {
	case d.queue <- incidentID:
		metrics.QueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		metrics.QueueDropped.Inc()
		d.logger.Warn().Str("incident_id", incidentID).Msg("submission queue full, leaving incident for the poller")
		return false
	}
}

// Len returns the number of queued incidents.
func (d *Dispatcher) Len() int { return len(d.queue) }

// Submitter returns the submitter the workers call.
func (d *Dispatcher) Submitter() *Submitter { return d.submitter }

// Start launches the workers. They stop when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	go d.run(ctx)
}

// Done is closed once every worker has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			d.work(ctx, worker)
			return nil
		})
	}
	_ = g.Wait()
	d.logger.Info().Msg("submission workers stopped")
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			metrics.QueueDepth.Set(float64(len(d.queue)))
			d.process(ctx, worker, id)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, worker int, id string) {
	log := d.logger.With().Int("worker", worker).Str("incident_id", id).Logger()

	result, err := d.submitter.Submit(ctx, id)
	switch {
	case err == nil:
		log.Debug().Str("outcome", string(result.Outcome)).Str("chain_status", string(result.Status)).Msg("submission processed")
	case sentinelerrors.IsConfig(err):
		log.Debug().Msg("ledger not configured, incident stays pending")
	default:
		log.Error().Err(err).Msg("submission errored")
	}
}

// Resubmit resets a failed incident to pending and queues it. A conflict
// means the incident was not failed.
func (d *Dispatcher) Resubmit(ctx context.Context, incidentID string) error {
	if err := d.submitter.store.ResetFailed(ctx, incidentID); err != nil {
		return err
	}
	d.Enqueue(incidentID)
	return nil
}

// ResubmitFailed resets up to limit failed incidents at or above the
// submission threshold and queues them.
func (d *Dispatcher) ResubmitFailed(ctx context.Context, limit int) ([]string, error) {
	ids, err := d.submitter.store.ResetFailedBatch(ctx, d.submitter.Threshold(), limit)
	for _, id := range ids {
		d.Enqueue(id)
	}
	return ids, err
}
