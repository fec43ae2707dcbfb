package incidentstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
	"github.com/sentinelguard/sentinel/guardian/metrics"
	"github.com/sentinelguard/sentinel/guardian/store"
)

// allowedTransitions is the complete chain status state machine.
// failed → pending is the explicit compensating reset and is never automatic.
var allowedTransitions = map[store.ChainStatus][]store.ChainStatus{
	store.ChainStatusPending:   {store.ChainStatusSubmitted, store.ChainStatusFailed},
	store.ChainStatusSubmitted: {store.ChainStatusConfirmed, store.ChainStatusFailed},
	store.ChainStatusFailed:    {store.ChainStatusPending},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to store.ChainStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition describes one status change.
type Transition struct {
	From store.ChainStatus
	To   store.ChainStatus

	// TxRef is required entering submitted, and names the rejected
	// transaction when leaving submitted for failed.
	TxRef string

	// Reason is recorded as LastError when entering failed.
	Reason string

	// ClaimToken must match the lease when leaving pending. Empty means the
	// row must be unclaimed.
	ClaimToken string
}

// Apply performs the transition as one conditional update. An illegal move,
// or a row whose status no longer matches From, is a ConflictError and
// leaves the record untouched.
func (s *Store) Apply(ctx context.Context, id string, tr Transition) error {
	if !CanTransition(tr.From, tr.To) {
		metrics.Transitions.WithLabelValues(string(tr.From), string(tr.To), "illegal").Inc()
		return sentinelerrors.NewConflictError(fmt.Sprintf("illegal chain status transition %s -> %s", tr.From, tr.To)).
			WithContext("incident_id", id)
	}
	if tr.To == store.ChainStatusSubmitted && strings.TrimSpace(tr.TxRef) == "" {
		return sentinelerrors.NewValidationError("a transaction reference is required to mark an incident submitted")
	}

	now := s.now()
	updates := map[string]any{
		"chain_status": tr.To,
		"claim_token":  nil,
		"claimed_at":   nil,
		"updated_at":   now,
	}

	q := s.db.WithContext(ctx).Model(&store.Incident{}).Where("id = ? AND chain_status = ?", id, tr.From)

	switch tr.From {
	case store.ChainStatusPending:
		if tr.ClaimToken != "" {
			q = q.Where("claim_token = ?", tr.ClaimToken)
		} else {
			q = q.Where("claim_token IS NULL")
		}
	case store.ChainStatusSubmitted:
		if tr.TxRef != "" {
			q = q.Where("tx_ref = ?", tr.TxRef)
		}
	}

	switch tr.To {
	case store.ChainStatusSubmitted:
		updates["tx_ref"] = tr.TxRef
		updates["submitted_at"] = now
		updates["last_error"] = ""
	case store.ChainStatusConfirmed:
		updates["confirmed_at"] = now
	case store.ChainStatusFailed:
		reason := tr.Reason
		if tr.From == store.ChainStatusSubmitted {
			updates["tx_ref"] = nil
			if tr.TxRef != "" {
				reason = fmt.Sprintf("transaction %s rejected: %s", tr.TxRef, tr.Reason)
			}
		}
		updates["last_error"] = reason
	case store.ChainStatusPending:
		updates["submitted_at"] = nil
	}

	result := q.Updates(updates)
	if result.Error != nil {
		return datastoreError(result.Error, "failed to move incident %s from %s to %s", id, tr.From, tr.To)
	}
	if result.RowsAffected == 0 {
		metrics.Transitions.WithLabelValues(string(tr.From), string(tr.To), "conflict").Inc()
		return s.conflictFor(ctx, id, tr)
	}

	metrics.Transitions.WithLabelValues(string(tr.From), string(tr.To), "applied").Inc()
	s.logger.Info().
		Str("incident_id", id).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Str("tx_ref", tr.TxRef).
		Msg("chain status updated")
	return nil
}

// conflictFor explains why a guarded update matched no row.
func (s *Store) conflictFor(ctx context.Context, id string, tr Transition) error {
	current, err := s.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	e := sentinelerrors.NewConflictError(
		fmt.Sprintf("incident %s is %s, cannot move %s -> %s", id, current.ChainStatus, tr.From, tr.To),
	).WithContext("incident_id", id).WithContext("current_status", string(current.ChainStatus))
	if current.ChainStatus == tr.From {
		e.Message = fmt.Sprintf("incident %s is held by another submitter", id)
	}
	return e
}

// MarkSubmitted records a successful ledger submission.
func (s *Store) MarkSubmitted(ctx context.Context, id, claimToken, txRef string) error {
	return s.Apply(ctx, id, Transition{
		From:       store.ChainStatusPending,
		To:         store.ChainStatusSubmitted,
		TxRef:      txRef,
		ClaimToken: claimToken,
	})
}

// MarkFailed records an irrecoverable submission failure.
func (s *Store) MarkFailed(ctx context.Context, id, claimToken, reason string) error {
	return s.Apply(ctx, id, Transition{
		From:       store.ChainStatusPending,
		To:         store.ChainStatusFailed,
		Reason:     reason,
		ClaimToken: claimToken,
	})
}

// MarkConfirmed records that the submitted transaction was finalized.
func (s *Store) MarkConfirmed(ctx context.Context, id, txRef string) error {
	return s.Apply(ctx, id, Transition{
		From:  store.ChainStatusSubmitted,
		To:    store.ChainStatusConfirmed,
		TxRef: txRef,
	})
}

// MarkRejected records that the submitted transaction was rejected on the ledger.
func (s *Store) MarkRejected(ctx context.Context, id, txRef, reason string) error {
	return s.Apply(ctx, id, Transition{
		From:   store.ChainStatusSubmitted,
		To:     store.ChainStatusFailed,
		TxRef:  txRef,
		Reason: reason,
	})
}

// ResetFailed moves a failed incident back to pending so it can be resubmitted.
func (s *Store) ResetFailed(ctx context.Context, id string) error {
	return s.Apply(ctx, id, Transition{
		From: store.ChainStatusFailed,
		To:   store.ChainStatusPending,
	})
}

// ResetFailedBatch resets up to limit failed incidents with at least
// minSeverity, oldest first, and returns the ids that were reset. Rows reset
// concurrently by someone else are skipped.
func (s *Store) ResetFailedBatch(ctx context.Context, minSeverity, limit int) ([]string, error) {
	failed, err := s.ListByStatus(ctx, store.ChainStatusFailed, minSeverity, limit)
	if err != nil {
		return nil, err
	}

	var reset []string
	for _, inc := range failed {
		err := s.ResetFailed(ctx, inc.ID)
		switch {
		case err == nil:
			reset = append(reset, inc.ID)
		case sentinelerrors.IsConflict(err):
			continue
		default:
			return reset, err
		}
	}
	if len(reset) > 0 {
		s.logger.Info().Int("reset_count", len(reset)).Msg("reset failed incidents to pending")
	}
	return reset, nil
}

// Claim takes the submission lease on a pending incident. It succeeds only
// if the row is pending and unclaimed, or its previous lease is older than
// ttl. Each successful claim counts as one submission attempt.
func (s *Store) Claim(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	now := s.now()
	result := s.db.WithContext(ctx).Model(&store.Incident{}).
		Where("id = ? AND chain_status = ?", id, store.ChainStatusPending).
		Where("(claim_token IS NULL OR claimed_at < ?)", now.Add(-ttl)).
		Updates(map[string]any{
			"claim_token": token,
			"claimed_at":  now,
			"attempts":    gorm.Expr("attempts + 1"),
			"updated_at":  now,
		})
	if result.Error != nil {
		return false, datastoreError(result.Error, "failed to claim incident %s", id)
	}
	return result.RowsAffected == 1, nil
}

// Release drops a lease without changing status.
func (s *Store) Release(ctx context.Context, id, token string) error {
	result := s.db.WithContext(ctx).Model(&store.Incident{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(map[string]any{"claim_token": nil, "claimed_at": nil})
	if result.Error != nil {
		return datastoreError(result.Error, "failed to release incident %s", id)
	}
	return nil
}

// ReleaseStaleClaims clears leases older than ttl on pending incidents.
// Run at startup and periodically so a crashed submitter does not strand rows.
func (s *Store) ReleaseStaleClaims(ctx context.Context, ttl time.Duration) (int64, error) {
	result := s.db.WithContext(ctx).Model(&store.Incident{}).
		Where("chain_status = ? AND claim_token IS NOT NULL AND claimed_at < ?", store.ChainStatusPending, s.now().Add(-ttl)).
		Updates(map[string]any{"claim_token": nil, "claimed_at": nil})
	if result.Error != nil {
		return 0, datastoreError(result.Error, "failed to release stale claims")
	}
	if result.RowsAffected > 0 {
		s.logger.Info().Int64("released", result.RowsAffected).Msg("released stale submission claims")
	}
	return result.RowsAffected, nil
}

// Stats summarizes the incident table.
type Stats struct {
	Total      int64            `json:"total"`
	ByStatus   map[string]int64 `json:"byStatus"`
	ByCategory map[string]int64 `json:"byCategory"`
	BySeverity map[int]int64    `json:"bySeverity"`
}

type groupCount struct {
	Bucket string
	Count  int64
}

type severityCount struct {
	Severity int
	Count    int64
}

// Stats counts incidents by status, category and severity.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	out := &Stats{
		ByStatus:   map[string]int64{},
		ByCategory: map[string]int64{},
		BySeverity: map[int]int64{},
	}
	db := s.db.WithContext(ctx).Model(&store.Incident{})

	for column, dst := range map[string]map[string]int64{"chain_status": out.ByStatus, "category": out.ByCategory} {
		var rows []groupCount
		if err := db.Session(&gorm.Session{}).
			Select(column + " AS bucket, COUNT(*) AS count").
			Group(column).
			Scan(&rows).Error; err != nil {
			return nil, datastoreError(err, "failed to count incidents by %s", column)
		}
		for _, r := range rows {
			dst[r.Bucket] = r.Count
			if column == "chain_status" {
				out.Total += r.Count
			}
		}
	}

	var sev []severityCount
	if err := db.Session(&gorm.Session{}).
		Select("severity, COUNT(*) AS count").
		Group("severity").
		Scan(&sev).Error; err != nil {
		return nil, datastoreError(err, "failed to count incidents by severity")
	}
	for _, r := range sev {
		out.BySeverity[r.Severity] = r.Count
	}
	return out, nil
}
