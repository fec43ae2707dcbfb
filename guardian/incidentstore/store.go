// Package incidentstore owns incident creation and the chain status state
// machine. Every mutation is a single conditional statement against the
// datastore; no in-process lock guards incident rows.
package incidentstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/sentinelguard/sentinel/guardian/contenthash"
	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
	"github.com/sentinelguard/sentinel/guardian/metrics"
	"github.com/sentinelguard/sentinel/guardian/store"
)

const pgUniqueViolation = "23505"

// NewIncident is the input to CreateIncident. Content is hashed and dropped.
type NewIncident struct {
	SessionID     string
	MessageID     string
	FromSide      string
	WalletAddress *string
	Content       string
	Severity      int
	Category      string
	PolicyVersion string
	Action        string
}

func (n NewIncident) validate() error {
	switch {
	case strings.TrimSpace(n.SessionID) == "":
		return sentinelerrors.NewValidationError("session id is required")
	case strings.TrimSpace(n.MessageID) == "":
		return sentinelerrors.NewValidationError("message id is required")
	case n.FromSide != store.FromUser && n.FromSide != store.FromAI:
		return sentinelerrors.NewValidationError(fmt.Sprintf("from side must be %q or %q", store.FromUser, store.FromAI))
	case n.Severity < 0 || n.Severity > 3:
		return sentinelerrors.NewValidationError("severity must be between 0 and 3")
	case n.Category == "":
		return sentinelerrors.NewValidationError("category is required")
	case n.PolicyVersion == "":
		return sentinelerrors.NewValidationError("policy version is required")
	case n.Action == "":
		return sentinelerrors.NewValidationError("action is required")
	}
	return nil
}

// Store provides database access for incidents.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a new incident store.
func NewStore(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "incident_store").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func datastoreError(err error, format string, args ...any) error {
	return sentinelerrors.WrapError(err, sentinelerrors.ErrCodeDependency, sentinelerrors.DependencyDatastore, fmt.Sprintf(format, args...))
}

func isUniqueViolation(err error) bool {
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	// sqlite drivers built without error translation
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateIncident persists an incident for (session, message), or returns
// the record that already exists for that pair, unchanged.
func (s *Store) CreateIncident(ctx context.Context, in NewIncident) (*store.Incident, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	rec := store.Incident{
		ID:            uuid.NewString(),
		SessionID:     in.SessionID,
		MessageID:     in.MessageID,
		FromSide:      in.FromSide,
		WalletAddress: normalizeWallet(in.WalletAddress),
		ContentHash:   contenthash.DigestBytes(in.Content),
		Severity:      in.Severity,
		Category:      in.Category,
		PolicyVersion: in.PolicyVersion,
		Action:        in.Action,
		ChainStatus:   store.ChainStatusPending,
		Timestamp:     s.now(),
	}

	err := s.db.WithContext(ctx).Create(&rec).Error
	if err == nil {
		metrics.IncidentsCreated.WithLabelValues("created").Inc()
		s.logger.Info().
			Str("incident_id", rec.ID).
			Str("session_id", rec.SessionID).
			Str("message_id", rec.MessageID).
			Int("severity", rec.Severity).
			Str("category", rec.Category).
			Msg("stored new incident")
		return &rec, nil
	}

	if !isUniqueViolation(err) {
		return nil, datastoreError(err, "failed to create incident for %s/%s", in.SessionID, in.MessageID)
	}

	existing, gerr := s.GetByNaturalKey(ctx, in.SessionID, in.MessageID)
	if gerr != nil {
		return nil, gerr
	}
	metrics.IncidentsCreated.WithLabelValues("deduplicated").Inc()
	s.logger.Debug().
		Str("incident_id", existing.ID).
		Str("session_id", in.SessionID).
		Str("message_id", in.MessageID).
		Msg("incident already exists for natural key")
	return existing, nil
}

func normalizeWallet(w *string) *string {
	if w == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*w)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func (s *Store) first(ctx context.Context, what string, query any, args ...any) (*store.Incident, error) {
	var inc store.Incident
	err := s.db.WithContext(ctx).Where(query, args...).First(&inc).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, sentinelerrors.NewNotFoundError(fmt.Sprintf("incident %s not found", what))
	}
	if err != nil {
		return nil, datastoreError(err, "failed to load incident %s", what)
	}
	return &inc, nil
}

// GetIncident retrieves an incident by ID.
func (s *Store) GetIncident(ctx context.Context, id string) (*store.Incident, error) {
	return s.first(ctx, id, "id = ?", id)
}

// GetByNaturalKey retrieves the incident for a conversation turn.
func (s *Store) GetByNaturalKey(ctx context.Context, sessionID, messageID string) (*store.Incident, error) {
	return s.first(ctx, sessionID+"/"+messageID, "session_id = ? AND message_id = ?", sessionID, messageID)
}

func (s *Store) list(ctx context.Context, q *gorm.DB, order string, limit int, what string) ([]store.Incident, error) {
	var out []store.Incident
	q = q.WithContext(ctx).Order(order)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, datastoreError(err, "failed to list incidents %s", what)
	}
	return out, nil
}

// ListBySession returns a session's incidents, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]store.Incident, error) {
	return s.list(ctx, s.db.Where("session_id = ?", sessionID), "ts DESC, id ASC", limit, "for session "+sessionID)
}

// ListByWallet returns the incidents bound to a wallet, newest first.
func (s *Store) ListByWallet(ctx context.Context, wallet string, limit int) ([]store.Incident, error) {
	return s.list(ctx, s.db.Where("wallet_address = ?", strings.TrimSpace(wallet)), "ts DESC, id ASC", limit, "for wallet")
}

// ListByStatus returns incidents in a status with at least minSeverity, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status store.ChainStatus, minSeverity, limit int) ([]store.Incident, error) {
	if !status.Valid() {
		return nil, sentinelerrors.NewValidationError(fmt.Sprintf("unknown chain status %q", status))
	}
	q := s.db.Where("chain_status = ? AND severity >= ?", status, minSeverity)
	return s.list(ctx, q, "ts ASC, id ASC", limit, "with status "+string(status))
}

// ListSubmittable returns unclaimed pending incidents with a wallet and at
// least minSeverity, oldest first.
func (s *Store) ListSubmittable(ctx context.Context, minSeverity, limit int) ([]store.Incident, error) {
	q := s.db.Where(
		"chain_status = ? AND severity >= ? AND wallet_address IS NOT NULL AND wallet_address <> '' AND claim_token IS NULL",
		store.ChainStatusPending, minSeverity,
	)
	return s.list(ctx, q, "ts ASC, id ASC", limit, "ready for submission")
}
