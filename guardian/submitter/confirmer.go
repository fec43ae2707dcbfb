package submitter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
	"github.com/sentinelguard/sentinel/guardian/ledger"
	"github.com/sentinelguard/sentinel/guardian/metrics"
	"github.com/sentinelguard/sentinel/guardian/store"
)

const (
	defaultConfirmInterval = 30 * time.Second
	confirmBatchSize       = 100
)

// ConfirmerConfig holds configuration for the confirmer.
type ConfirmerConfig struct {
	Submitter     *Submitter
	CheckInterval time.Duration
	Logger        zerolog.Logger
}

// Confirmer polls submitted incidents and records the ledger's verdict on
// their transactions. Transactions the ledger does not know yet are left
// alone.
type Confirmer struct {
	store         IncidentStore
	ledger        ledger.Client
	timeout       time.Duration
	checkInterval time.Duration
	logger        zerolog.Logger
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Checked   int
	Confirmed int
	Rejected  int
}

// NewConfirmer creates a new confirmer.
func NewConfirmer(cfg ConfirmerConfig) *Confirmer {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = defaultConfirmInterval
	}
	return &Confirmer{
		store:         cfg.Submitter.store,
		ledger:        cfg.Submitter.ledger,
		timeout:       cfg.Submitter.timeout,
		checkInterval: interval,
		logger:        cfg.Logger.With().Str("component", "confirmer").Logger(),
	}
}

// Start begins the background confirmation loop.
func (c *Confirmer) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Confirmer) run(ctx context.Context) {
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep checks one batch of submitted incidents, oldest first.
func (c *Confirmer) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	if !ledger.IsConfigured(c.ledger) {
		return res
	}

	incidents, err := c.store.ListByStatus(ctx, store.ChainStatusSubmitted, 0, confirmBatchSize)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to query submitted incidents")
		return res
	}

	for i := range incidents {
		inc := &incidents[i]
		if inc.TxRef == nil {
			continue
		}
		res.Checked++

		switch c.check(ctx, inc) {
		case ledger.TxStatusConfirmed:
			res.Confirmed++
		case ledger.TxStatusRejected:
			res.Rejected++
		}
	}

	if res.Confirmed > 0 || res.Rejected > 0 {
		c.logger.Info().
			Int("checked", res.Checked).
			Int("confirmed", res.Confirmed).
			Int("rejected", res.Rejected).
			Msg("confirmation sweep finished")
	}
	return res
}

// check returns the status that was actually recorded, or unknown.
func (c *Confirmer) check(ctx context.Context, inc *store.Incident) ledger.TxStatus {
	txRef := *inc.TxRef
	log := c.logger.With().Str("incident_id", inc.ID).Str("tx_ref", txRef).Logger()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	status, err := c.ledger.TransactionStatus(callCtx, txRef)
	cancel()
	if err != nil {
		metrics.Confirmations.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("failed to get transaction status")
		return ledger.TxStatusUnknown
	}
	metrics.Confirmations.WithLabelValues(string(status)).Inc()

	switch status {
	case ledger.TxStatusConfirmed:
		err = c.store.MarkConfirmed(ctx, inc.ID, txRef)
	case ledger.TxStatusRejected:
		err = c.store.MarkRejected(ctx, inc.ID, txRef, "transaction reverted on the ledger")
	default:
		return ledger.TxStatusUnknown
	}

	if err != nil {
		if !sentinelerrors.IsConflict(err) {
			log.Error().Err(err).Str("status", string(status)).Msg("failed to record ledger status")
		}
		return ledger.TxStatusUnknown
	}
	return status
}
