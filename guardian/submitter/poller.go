package submitter

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultPollBatch    = 100
)

// PollerConfig holds configuration for the poller.
type PollerConfig struct {
	Dispatcher    *Dispatcher
	CheckInterval time.Duration
	BatchSize     int
	Logger        zerolog.Logger
}

// Poller periodically sweeps pending eligible incidents into the dispatcher
// so that nothing is lost across restarts or queue overflow.
type Poller struct {
	dispatcher    *Dispatcher
	store         IncidentStore
	threshold     int
	claimTTL      time.Duration
	checkInterval time.Duration
	batchSize     int
	logger        zerolog.Logger
}

// NewPoller creates a new poller.
func NewPoller(cfg PollerConfig) *Poller {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultPollBatch
	}
	sub := cfg.Dispatcher.Submitter()
	return &Poller{
		dispatcher:    cfg.Dispatcher,
		store:         sub.store,
		threshold:     sub.Threshold(),
		claimTTL:      sub.claimTTL,
		checkInterval: interval,
		batchSize:     batch,
		logger:        cfg.Logger.With().Str("component", "submission_poller").Logger(),
	}
}

// Start releases leases left behind by a previous process and begins the
// background poll loop.
func (p *Poller) Start(ctx context.Context) {
	if _, err := p.store.ReleaseStaleClaims(ctx, p.claimTTL); err != nil {
		p.logger.Warn().Err(err).Msg("failed to release stale claims on startup")
	}
	go p.run(ctx)
}

func (p *Poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll queues one batch of submittable incidents and returns how many were
// queued. It stops early when the queue is full.
func (p *Poller) Poll(ctx context.Context) int {
	if !p.dispatcher.Submitter().Configured() {
		return 0
	}
	if _, err := p.store.ReleaseStaleClaims(ctx, p.claimTTL); err != nil {
		p.logger.Warn().Err(err).Msg("failed to release stale claims")
	}

	incidents, err := p.store.ListSubmittable(ctx, p.threshold, p.batchSize)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to list submittable incidents")
		return 0
	}

	queued := 0
	for i := range incidents {
		if !p.dispatcher.Enqueue(incidents[i].ID) {
			break
		}
		queued++
	}
	if queued > 0 {
		p.logger.Info().Int("queued", queued).Int("found", len(incidents)).Msg("queued pending incidents")
	}
	return queued
}
