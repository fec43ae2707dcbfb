package api

import (
	"encoding/hex"
	"time"

	"github.com/sentinelguard/sentinel/guardian/store"
)

// IncidentView is the public shape of an incident. Content is never part of it.
type IncidentView struct {
	ID            string            `json:"id" yaml:"id"`
	SessionID     string            `json:"sessionId" yaml:"sessionId"`
	MessageID     string            `json:"messageId" yaml:"messageId"`
	FromSide      string            `json:"fromSide" yaml:"fromSide"`
	WalletAddress string            `json:"walletAddress,omitempty" yaml:"walletAddress,omitempty"`
	ContentHash   string            `json:"contentHash" yaml:"contentHash"`
	Severity      int               `json:"severity" yaml:"severity"`
	Category      string            `json:"category" yaml:"category"`
	PolicyVersion string            `json:"policyVersion" yaml:"policyVersion"`
	Action        string            `json:"action" yaml:"action"`
	ChainStatus   store.ChainStatus `json:"chainStatus" yaml:"chainStatus"`
	TxRef         string            `json:"txRef,omitempty" yaml:"txRef,omitempty"`
	Timestamp     time.Time         `json:"ts" yaml:"ts"`
	Attempts      int               `json:"attempts" yaml:"attempts"`
	LastError     string            `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

// ViewOf converts a stored incident to its public shape.
func ViewOf(inc *store.Incident) IncidentView {
	v := IncidentView{
		ID:            inc.ID,
		SessionID:     inc.SessionID,
		MessageID:     inc.MessageID,
		FromSide:      inc.FromSide,
		ContentHash:   hex.EncodeToString(inc.ContentHash),
		Severity:      inc.Severity,
		Category:      inc.Category,
		PolicyVersion: inc.PolicyVersion,
		Action:        inc.Action,
		ChainStatus:   inc.ChainStatus,
		TxRef:         inc.TxReference(),
		Timestamp:     inc.Timestamp,
		Attempts:      inc.Attempts,
		LastError:     inc.LastError,
	}
	if inc.WalletAddress != nil {
		v.WalletAddress = *inc.WalletAddress
	}
	return v
}

// ListResponse wraps a list of incidents
type ListResponse struct {
	Data  []IncidentView `json:"data"`
	Count int            `json:"count"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
