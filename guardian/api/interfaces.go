package api

import (
	"context"

	"github.com/sentinelguard/sentinel/guardian/incidentstore"
	"github.com/sentinelguard/sentinel/guardian/moderation"
	"github.com/sentinelguard/sentinel/guardian/store"
	"github.com/sentinelguard/sentinel/guardian/submitter"
)

// Moderator produces verdicts and reports incident status.
type Moderator interface {
	Moderate(ctx context.Context, req moderation.Request) (*moderation.Response, error)
	Status(ctx context.Context, incidentID string) (*moderation.StatusResponse, error)
	RecordIncident(ctx context.Context, r moderation.Report) (*store.Incident, error)
	Verify(ctx context.Context, incidentID string, req moderation.VerifyRequest) (*moderation.VerifyResponse, error)
}

// IncidentReader serves the read-only incident views.
type IncidentReader interface {
	GetIncident(ctx context.Context, id string) (*store.Incident, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]store.Incident, error)
	ListByWallet(ctx context.Context, wallet string, limit int) ([]store.Incident, error)
	Stats(ctx context.Context) (*incidentstore.Stats, error)
}

// Submitter performs a synchronous submission.
type Submitter interface {
	Submit(ctx context.Context, incidentID string) (*submitter.Result, error)
}

// Resubmitter resets failed incidents and queues them again.
type Resubmitter interface {
	Resubmit(ctx context.Context, incidentID string) error
}
