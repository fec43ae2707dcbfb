// Package moderation turns an inbound verdict request into a verdict and,
// when the content is flagged, an incident queued for ledger submission.
// The verdict never waits on the ledger.
package moderation

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sentinelguard/sentinel/guardian/classifier"
	"github.com/sentinelguard/sentinel/guardian/config"
	"github.com/sentinelguard/sentinel/guardian/contenthash"
	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
	"github.com/sentinelguard/sentinel/guardian/incidentstore"
	"github.com/sentinelguard/sentinel/guardian/metrics"
	"github.com/sentinelguard/sentinel/guardian/policy"
	"github.com/sentinelguard/sentinel/guardian/store"
)

const defaultClassifierTimeout = 5 * time.Second

// IncidentStore is what the service needs from the incident ledger.
type IncidentStore interface {
	CreateIncident(ctx context.Context, in incidentstore.NewIncident) (*store.Incident, error)
	GetIncident(ctx context.Context, id string) (*store.Incident, error)
}

// Enqueuer schedules an incident for asynchronous submission without blocking.
type Enqueuer interface {
	Enqueue(incidentID string) bool
}

// Request is the inbound verdict request.
type Request struct {
	SessionID     string  `json:"sessionId"`
	MessageID     string  `json:"messageId"`
	FromSide      string  `json:"fromSide"`
	Text          string  `json:"text"`
	WalletAddress *string `json:"walletAddress,omitempty"`
	PolicyVersion string  `json:"policyVersion,omitempty"`
}

func (r Request) validate() error {
	if _, err := uuid.Parse(r.SessionID); err != nil {
		return sentinelerrors.NewValidationError("session id must be a uuid")
	}
	if strings.TrimSpace(r.MessageID) == "" {
		return sentinelerrors.NewValidationError("message id is required")
	}
	if r.FromSide != store.FromUser && r.FromSide != store.FromAI {
		return sentinelerrors.NewValidationError("from side must be user or ai")
	}
	if r.Text == "" {
		return sentinelerrors.NewValidationError("text is required")
	}
	return nil
}

// Response is the verdict. Incident fields are set only when an incident exists.
type Response struct {
	Allowed       bool              `json:"allowed"`
	Action        policy.Action     `json:"action"`
	Severity      *int              `json:"severity,omitempty"`
	Category      string            `json:"category,omitempty"`
	PolicyVersion string            `json:"policyVersion,omitempty"`
	IncidentID    string            `json:"incidentId,omitempty"`
	TxRef         string            `json:"txRef,omitempty"`
	ChainStatus   store.ChainStatus `json:"chainStatus,omitempty"`
	Degraded      bool              `json:"degraded,omitempty"`
}

func responseFor(v policy.Verdict) *Response {
	severity := v.Severity
	return &Response{
		Allowed:       v.Allowed(),
		Action:        v.Action,
		Severity:      &severity,
		Category:      v.Category,
		PolicyVersion: v.PolicyVersion,
	}
}

// Config holds the service collaborators.
type Config struct {
	Classifier        classifier.Classifier
	Policies          *policy.Registry
	Incidents         IncidentStore
	Queue             Enqueuer // optional; nil leaves incidents for the poller
	Eligibility       policy.Eligibility
	ClassifierTimeout time.Duration
	FailMode          config.FailMode
	Logger            zerolog.Logger
}

// Service produces verdicts.
type Service struct {
	classifier  classifier.Classifier
	policies    *policy.Registry
	incidents   IncidentStore
	queue       Enqueuer
	eligibility policy.Eligibility
	timeout     time.Duration
	failMode    config.FailMode
	logger      zerolog.Logger
}

// NewService creates a moderation service.
func NewService(cfg Config) *Service {
	policies := cfg.Policies
	if policies == nil {
		policies = policy.NewRegistry()
	}
	timeout := cfg.ClassifierTimeout
	if timeout <= 0 {
		timeout = defaultClassifierTimeout
	}
	failMode := cfg.FailMode
	if failMode == "" {
		failMode = config.FailModeError
	}
	eligibility := cfg.Eligibility
	if eligibility.Threshold == 0 {
		eligibility = policy.NewEligibility(policy.DefaultSubmissionThreshold)
	}
	return &Service{
		classifier:  cfg.Classifier,
		policies:    policies,
		incidents:   cfg.Incidents,
		queue:       cfg.Queue,
		eligibility: eligibility,
		timeout:     timeout,
		failMode:    failMode,
		logger:      cfg.Logger.With().Str("component", "moderation").Logger(),
	}
}

// Moderate classifies req.Text and returns the verdict. Malformed requests
// and blank text get the clean verdict. Only a classifier failure under
// FailModeError is returned as an error.
func (s *Service) Moderate(ctx context.Context, req Request) (*Response, error) {
	pol := s.policies.Resolve(req.PolicyVersion)

	if err := req.validate(); err != nil {
		metrics.VerdictErrors.WithLabelValues("validation").Inc()
		s.logger.Debug().Err(err).Msg("malformed verdict request, answering clean")
		return s.finish(responseFor(pol.Clean())), nil
	}
	if strings.TrimSpace(req.Text) == "" {
		return s.finish(responseFor(pol.Clean())), nil
	}

	log := s.logger.With().
		Str("session_id", req.SessionID).
		Str("message_id", req.MessageID).
		Str("from", req.FromSide).
		Int("text_length", len(req.Text)).
		Logger()

	result, err := s.classify(ctx, req.Text)
	if err != nil {
		return s.degrade(pol, err, log)
	}

	verdict := pol.Evaluate(result.Category())
	resp := responseFor(verdict)

	if result.Flagged || verdict.Severity > 0 {
		s.record(ctx, req, verdict, resp, log)
	}

	log.Info().
		Str("category", verdict.Category).
		Int("severity", verdict.Severity).
		Str("action", string(verdict.Action)).
		Str("incident_id", resp.IncidentID).
		Msg("verdict issued")
	return s.finish(resp), nil
}

func (s *Service) classify(ctx context.Context, text string) (*classifier.Result, error) {
	if s.classifier == nil {
		return nil, sentinelerrors.NewConfigError(sentinelerrors.DependencyClassifier, "no classifier configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.classifier.Classify(callCtx, text)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.ClassifierLatency.WithLabelValues("error").Observe(elapsed)
		if stderrors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, sentinelerrors.NewTimeoutError(sentinelerrors.DependencyClassifier, "classification timed out", err)
		}
		return nil, sentinelerrors.WrapError(err, sentinelerrors.ErrCodeDependency, sentinelerrors.DependencyClassifier, "classification failed")
	}
	metrics.ClassifierLatency.WithLabelValues("ok").Observe(elapsed)
	return result, nil
}

// degrade applies the fail mode to a classifier failure.
func (s *Service) degrade(pol policy.Policy, err error, log zerolog.Logger) (*Response, error) {
	metrics.VerdictErrors.WithLabelValues("classifier").Inc()

	switch s.failMode {
	case config.FailModeOpen:
		log.Warn().Err(err).Msg("classifier unavailable, failing open")
		resp := responseFor(pol.Clean())
		resp.Degraded = true
		return s.finish(resp), nil
	case config.FailModeClosed:
		log.Warn().Err(err).Msg("classifier unavailable, failing closed")
		return s.finish(&Response{
			Allowed:       false,
			Action:        policy.ActionBlock,
			Category:      policy.CategoryUnavailable,
			PolicyVersion: pol.Version,
			Degraded:      true,
		}), nil
	default:
		log.Error().Err(err).Msg("classifier unavailable")
		return nil, err
	}
}

// record persists the incident for a flagged verdict and queues it. A
// persistence failure is logged and leaves the verdict as it is.
func (s *Service) record(ctx context.Context, req Request, verdict policy.Verdict, resp *Response, log zerolog.Logger) {
	if s.incidents == nil {
		return
	}
	inc, err := s.incidents.CreateIncident(ctx, incidentstore.NewIncident{
		SessionID:     req.SessionID,
		MessageID:     req.MessageID,
		FromSide:      req.FromSide,
		WalletAddress: req.WalletAddress,
		Content:       req.Text,
		Severity:      verdict.Severity,
		Category:      verdict.Category,
		PolicyVersion: verdict.PolicyVersion,
		Action:        string(verdict.Action),
	})
	if err != nil {
		metrics.IncidentPersistFailures.Inc()
		log.Error().Err(err).Str("content_digest", contenthash.Digest(req.Text)).Msg("failed to persist incident")
		return
	}

	resp.IncidentID = inc.ID
	resp.ChainStatus = inc.ChainStatus
	resp.TxRef = inc.TxReference()
	s.enqueue(inc)
}

func (s *Service) enqueue(inc *store.Incident) {
	if s.queue == nil || inc.ChainStatus != store.ChainStatusPending {
		return
	}
	if !s.eligibility.Eligible(inc.Severity, inc.WalletAddress) {
		return
	}
	s.queue.Enqueue(inc.ID)
}

func (s *Service) finish(resp *Response) *Response {
	metrics.Verdicts.WithLabelValues(string(resp.Action), resp.Category).Inc()
	return resp
}

// StatusResponse is the answer to a submission-status request.
type StatusResponse struct {
	IncidentID  string            `json:"incidentId"`
	ChainStatus store.ChainStatus `json:"chainStatus"`
	TxRef       string            `json:"txRef,omitempty"`
}

// Status reports the chain status of one incident.
func (s *Service) Status(ctx context.Context, incidentID string) (*StatusResponse, error) {
	inc, err := s.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{IncidentID: inc.ID, ChainStatus: inc.ChainStatus, TxRef: inc.TxReference()}, nil
}

// Report is an incident the chat layer already decided on, such as an AI
// reply cut off mid-stream.
type Report struct {
	SessionID     string  `json:"sessionId"`
	MessageID     string  `json:"messageId"`
	FromSide      string  `json:"fromSide"`
	WalletAddress *string `json:"walletAddress,omitempty"`
	Content       string  `json:"content"`
	Severity      int     `json:"severity"`
	Category      string  `json:"category"`
	Action        string  `json:"action"`
	PolicyVersion string  `json:"policyVersion"`
}

// RecordIncident stores a reported incident and queues it like a flagged
// verdict would. Unlike Moderate, validation errors are returned.
func (s *Service) RecordIncident(ctx context.Context, r Report) (*store.Incident, error) {
	switch policy.Action(r.Action) {
	case policy.ActionAllow, policy.ActionBlock, policy.ActionTruncated:
	default:
		return nil, sentinelerrors.NewValidationError("action must be allow, block or truncated")
	}
	if r.Content == "" {
		return nil, sentinelerrors.NewValidationError("content is required")
	}
	version := r.PolicyVersion
	if version == "" {
		version = s.policies.Resolve("").Version
	}

	inc, err := s.incidents.CreateIncident(ctx, incidentstore.NewIncident{
		SessionID:     r.SessionID,
		MessageID:     r.MessageID,
		FromSide:      r.FromSide,
		WalletAddress: r.WalletAddress,
		Content:       r.Content,
		Severity:      r.Severity,
		Category:      r.Category,
		PolicyVersion: version,
		Action:        r.Action,
	})
	if err != nil {
		return nil, err
	}
	s.enqueue(inc)
	return inc, nil
}

// VerifyRequest carries either the candidate text or a digest in any of the
// stored encodings. Exactly one must be set.
type VerifyRequest struct {
	Text   *string `json:"text,omitempty"`
	Digest any     `json:"digest,omitempty"`
}

// VerifyResponse reports whether the candidate matches the stored fingerprint.
type VerifyResponse struct {
	IncidentID  string `json:"incidentId" yaml:"incidentId"`
	Match       bool   `json:"match" yaml:"match"`
	ContentHash string `json:"contentHash" yaml:"contentHash"`
}

// VerifyIncident checks a candidate against the fingerprint stored on inc.
// An unrecognized digest encoding is a FormatError.
func VerifyIncident(inc *store.Incident, req VerifyRequest) (*VerifyResponse, error) {
	if (req.Text == nil) == (req.Digest == nil) {
		return nil, sentinelerrors.NewValidationError("exactly one of text or digest is required")
	}
	stored, err := contenthash.Normalize(contenthash.RawBytes(inc.ContentHash))
	if err != nil {
		return nil, err
	}
	resp := &VerifyResponse{IncidentID: inc.ID, ContentHash: stored}

	if req.Text != nil {
		resp.Match, err = contenthash.Verify(*req.Text, contenthash.RawBytes(inc.ContentHash))
		return resp, err
	}

	enc, err := contenthash.FromValue(req.Digest)
	if err != nil {
		return nil, err
	}
	candidate, err := contenthash.Normalize(enc)
	if err != nil {
		return nil, err
	}
	resp.Match = candidate == stored
	return resp, nil
}

// Verify loads the incident and checks req against its fingerprint.
func (s *Service) Verify(ctx context.Context, incidentID string, req VerifyRequest) (*VerifyResponse, error) {
	inc, err := s.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	return VerifyIncident(inc, req)
}
