// Package ledger submits incident fingerprints to the public ledger and
// reports on the resulting transactions. Content never reaches this package.
package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinelguard/sentinel/guardian/config"
	"github.com/sentinelguard/sentinel/guardian/contenthash"
	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
)

// Record is the payload written to the ledger for one incident.
type Record struct {
	IncidentID    string
	Wallet        string
	ContentHash   [contenthash.Size]byte
	Severity      int
	Category      string
	PolicyVersion string
	Action        string
}

// TxStatus is the ledger's view of a submitted transaction.
type TxStatus string

const (
	// TxStatusUnknown means the ledger has no record of the transaction.
	TxStatusUnknown TxStatus = "unknown"

	// TxStatusPending means the transaction is known but not yet final.
	TxStatusPending TxStatus = "pending"

	// TxStatusConfirmed means the transaction succeeded and is final.
	TxStatusConfirmed TxStatus = "confirmed"

	// TxStatusRejected means the transaction was included but failed.
	TxStatusRejected TxStatus = "rejected"
)

// Client is the public ledger integration.
type Client interface {
	// RecordIncident submits one record and returns the transaction reference.
	RecordIncident(ctx context.Context, rec Record) (string, error)

	// TransactionStatus reports on a previously returned transaction reference.
	TransactionStatus(ctx context.Context, txRef string) (TxStatus, error)
}

// Unconfigured is the Client used when no ledger integration is set up.
// Every call fails with a ConfigError without contacting anything.
type Unconfigured struct{}

func (Unconfigured) RecordIncident(context.Context, Record) (string, error) {
	return "", sentinelerrors.NewConfigError(sentinelerrors.DependencyLedger, "ledger integration is not configured")
}

func (Unconfigured) TransactionStatus(context.Context, string) (TxStatus, error) {
	return TxStatusUnknown, sentinelerrors.NewConfigError(sentinelerrors.DependencyLedger, "ledger integration is not configured")
}

// IsConfigured reports whether c can actually submit.
func IsConfigured(c Client) bool {
	if c == nil {
		return false
	}
	switch c.(type) {
	case Unconfigured, *Unconfigured:
		return false
	}
	return true
}

// HealthChecker is implemented by clients that can check their endpoints.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Check reports whether c can currently reach the ledger. Unconfigured
// clients yield a ConfigError; clients without a health check are assumed reachable.
func Check(ctx context.Context, c Client) error {
	if !IsConfigured(c) {
		return sentinelerrors.NewConfigError(sentinelerrors.DependencyLedger, "ledger integration is not configured")
	}
	if hc, ok := c.(HealthChecker); ok && !hc.Healthy(ctx) {
		return sentinelerrors.NewDependencyError(sentinelerrors.DependencyLedger, "no ledger endpoint answers", nil)
	}
	return nil
}

// FromConfig builds the ledger client described by cfg. A disabled or
// incomplete ledger section yields Unconfigured, not an error.
func FromConfig(ctx context.Context, cfg config.LedgerConfig, logger zerolog.Logger) (Client, error) {
	if !cfg.Configured() {
		logger.Warn().Str("component", "ledger").Msg("ledger integration not configured, submissions will be refused")
		return Unconfigured{}, nil
	}
	return NewEVMClient(ctx, EVMConfig{
		RPCURLs:         cfg.RPCURLs,
		ChainID:         cfg.ChainID,
		ContractAddress: cfg.ContractAddress,
		PrivateKeyHex:   cfg.PrivateKey(),
		GasLimit:        cfg.GasLimit,
		Confirmations:   cfg.Confirmations,
		RequestTimeout:  time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		Logger:          logger,
	})
}
