// Package submitter moves eligible incidents from pending to the public
// ledger. Mutual exclusion between submitters comes from the datastore lease
// and status-guarded updates only.
package submitter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sentinelguard/sentinel/guardian/contenthash"
	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
	"github.com/sentinelguard/sentinel/guardian/ledger"
	"github.com/sentinelguard/sentinel/guardian/metrics"
	"github.com/sentinelguard/sentinel/guardian/policy"
	"github.com/sentinelguard/sentinel/guardian/store"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultClaimTTL = 5 * time.Minute

	// bound on recording the outcome once the ledger call has returned
	persistTimeout = 10 * time.Second
)

// IncidentStore is the slice of the incident ledger the submission pipeline uses.
type IncidentStore interface {
	GetIncident(ctx context.Context, id string) (*store.Incident, error)
	Claim(ctx context.Context, id, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id, token string) error
	MarkSubmitted(ctx context.Context, id, claimToken, txRef string) error
	MarkFailed(ctx context.Context, id, claimToken, reason string) error
	MarkConfirmed(ctx context.Context, id, txRef string) error
	MarkRejected(ctx context.Context, id, txRef, reason string) error
	ResetFailed(ctx context.Context, id string) error
	ResetFailedBatch(ctx context.Context, minSeverity, limit int) ([]string, error)
	ListSubmittable(ctx context.Context, minSeverity, limit int) ([]store.Incident, error)
	ListByStatus(ctx context.Context, status store.ChainStatus, minSeverity, limit int) ([]store.Incident, error)
	ReleaseStaleClaims(ctx context.Context, ttl time.Duration) (int64, error)
}

// Outcome summarizes one Submit call.
type Outcome string

const (
	OutcomeSubmitted  Outcome = "submitted"
	OutcomeFailed     Outcome = "failed"
	OutcomeConflict   Outcome = "conflict"
	OutcomeIneligible Outcome = "ineligible"
)

// Result is what Submit reports back. Status and TxRef reflect the incident
// after the call.
type Result struct {
	IncidentID string            `json:"incidentId"`
	Outcome    Outcome           `json:"outcome"`
	Status     store.ChainStatus `json:"chainStatus"`
	TxRef      string            `json:"txRef,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Config holds configuration for the submitter.
type Config struct {
	Store       IncidentStore
	Ledger      ledger.Client
	Eligibility policy.Eligibility
	Timeout     time.Duration // bound on one ledger call
	ClaimTTL    time.Duration
	Logger      zerolog.Logger
}

// Submitter performs single incident submissions.
type Submitter struct {
	store       IncidentStore
	ledger      ledger.Client
	eligibility policy.Eligibility
	timeout     time.Duration
	claimTTL    time.Duration
	logger      zerolog.Logger
}

// New creates a submitter. A nil Ledger behaves as unconfigured.
func New(cfg Config) *Submitter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ttl := cfg.ClaimTTL
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	client := cfg.Ledger
	if client == nil {
		client = ledger.Unconfigured{}
	}
	eligibility := cfg.Eligibility
	if eligibility.Threshold == 0 {
		eligibility = policy.NewEligibility(policy.DefaultSubmissionThreshold)
	}
	return &Submitter{
		store:       cfg.Store,
		ledger:      client,
		eligibility: eligibility,
		timeout:     timeout,
		claimTTL:    ttl,
		logger:      cfg.Logger.With().Str("component", "submitter").Logger(),
	}
}

// Configured reports whether a ledger integration is available.
func (s *Submitter) Configured() bool { return ledger.IsConfigured(s.ledger) }

// Threshold is the minimum severity that is sent to the ledger.
func (s *Submitter) Threshold() int { return s.eligibility.Threshold }

// Store returns the incident store the submitter works against.
func (s *Submitter) Store() IncidentStore { return s.store }

// Ledger returns the ledger client.
func (s *Submitter) Ledger() ledger.Client { return s.ledger }

// Submit sends one pending incident to the ledger. Anything other than a
// pending, eligible, unclaimed incident is a no-op. A ledger failure or
// timeout leaves the incident failed and is reported through the Result,
// not retried. Cancelling ctx before the broadcast releases the claim; once
// the broadcast has started it runs to completion or s.timeout.
func (s *Submitter) Submit(ctx context.Context, incidentID string) (*Result, error) {
	if !s.Configured() {
		return nil, sentinelerrors.NewConfigError(sentinelerrors.DependencyLedger, "ledger integration is not configured")
	}

	inc, err := s.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.ChainStatus != store.ChainStatusPending {
		metrics.Submissions.WithLabelValues(string(OutcomeConflict)).Inc()
		return resultFor(inc, OutcomeConflict), nil
	}
	if !s.eligibility.Eligible(inc.Severity, inc.WalletAddress) {
		metrics.Submissions.WithLabelValues(string(OutcomeIneligible)).Inc()
		return resultFor(inc, OutcomeIneligible), nil
	}

	token := uuid.NewString()
	claimed, err := s.store.Claim(ctx, incidentID, token, s.claimTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		metrics.Submissions.WithLabelValues(string(OutcomeConflict)).Inc()
		if current, err := s.store.GetIncident(ctx, incidentID); err == nil {
			inc = current
		}
		return resultFor(inc, OutcomeConflict), nil
	}

	log := s.logger.With().Str("incident_id", incidentID).Int("severity", inc.Severity).Logger()

	canonical, err := contenthash.Normalize(contenthash.RawBytes(inc.ContentHash))
	if err != nil {
		return s.fail(ctx, inc, token, fmt.Sprintf("stored content hash is unusable: %v", err))
	}
	hash, err := contenthash.Decode(canonical)
	if err != nil {
		return s.fail(ctx, inc, token, fmt.Sprintf("stored content hash is unusable: %v", err))
	}

	rec := ledger.Record{
		IncidentID:    inc.ID,
		Wallet:        *inc.WalletAddress,
		ContentHash:   hash,
		Severity:      inc.Severity,
		Category:      inc.Category,
		PolicyVersion: inc.PolicyVersion,
		Action:        inc.Action,
	}

	if ctx.Err() != nil {
		// Nothing was broadcast yet, so hand the incident back unchanged.
		s.release(ctx, incidentID, token)
		return nil, ctx.Err()
	}

	// The broadcast outlives caller cancellation so shutdown cannot turn an
	// in-flight transaction into a failed incident. s.timeout still bounds it.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	start := time.Now()
	txRef, err := s.ledger.RecordIncident(callCtx, rec)
	cancel()
	metrics.SubmissionLatency.Observe(time.Since(start).Seconds())

	if err == nil && txRef == "" {
		err = sentinelerrors.NewDependencyError(sentinelerrors.DependencyLedger, "ledger returned an empty transaction reference", nil)
	}
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && !sentinelerrors.IsTimeout(err) {
			err = sentinelerrors.NewTimeoutError(sentinelerrors.DependencyLedger, "ledger call timed out", err)
		}
		// A timed-out call may still land on chain. The incident is marked
		// failed regardless and a resubmit may record it a second time.
		log.Warn().Err(err).Msg("ledger submission failed")
		return s.fail(ctx, inc, token, err.Error())
	}

	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()
	if err := s.store.MarkSubmitted(persistCtx, incidentID, token, txRef); err != nil {
		log.Error().Err(err).Str("tx_ref", txRef).Msg("transaction broadcast but incident could not be marked submitted")
		return nil, err
	}

	metrics.Submissions.WithLabelValues(string(OutcomeSubmitted)).Inc()
	log.Info().Str("tx_ref", txRef).Msg("incident submitted to ledger")

	return &Result{
		IncidentID: incidentID,
		Outcome:    OutcomeSubmitted,
		Status:     store.ChainStatusSubmitted,
		TxRef:      txRef,
	}, nil
}

func (s *Submitter) release(ctx context.Context, id, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.store.Release(releaseCtx, id, token); err != nil {
		s.logger.Warn().Err(err).Str("incident_id", id).Msg("failed to release claim, it expires with the lease")
	}
}

// fail records reason on the claimed incident and reports OutcomeFailed.
func (s *Submitter) fail(ctx context.Context, inc *store.Incident, token, reason string) (*Result, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := s.store.MarkFailed(persistCtx, inc.ID, token, reason); err != nil {
		if sentinelerrors.IsConflict(err) {
			metrics.Submissions.WithLabelValues(string(OutcomeConflict)).Inc()
			current, getErr := s.store.GetIncident(persistCtx, inc.ID)
			if getErr != nil {
				return nil, err
			}
			return resultFor(current, OutcomeConflict), nil
		}
		return nil, err
	}

	metrics.Submissions.WithLabelValues(string(OutcomeFailed)).Inc()
	return &Result{
		IncidentID: inc.ID,
		Outcome:    OutcomeFailed,
		Status:     store.ChainStatusFailed,
		Error:      reason,
	}, nil
}

func resultFor(inc *store.Incident, outcome Outcome) *Result {
	return &Result{IncidentID: inc.ID, Outcome: outcome, Status: inc.ChainStatus, TxRef: inc.TxReference()}
}
