// Package store contains the GORM models persisted by the sentinel node.
//
// Database Structure:
//
//	incidents
//	├── id                      uuid primary key
//	├── (session_id, message_id) unique natural key
//	├── content_hash            32-byte SHA-256, never the content
//	└── chain_status            pending → submitted → confirmed, or failed
package store

import (
	"time"
)

// ChainStatus is the lifecycle stage of an incident's ledger submission.
type ChainStatus string

const (
	ChainStatusPending   ChainStatus = "pending"
	ChainStatusSubmitted ChainStatus = "submitted"
	ChainStatusConfirmed ChainStatus = "confirmed"
	ChainStatusFailed    ChainStatus = "failed"
)

// Valid reports whether s is a known status.
func (s ChainStatus) Valid() bool {
	switch s {
	case ChainStatusPending, ChainStatusSubmitted, ChainStatusConfirmed, ChainStatusFailed:
		return true
	}
	return false
}

// HasTxRef reports whether an incident in this status must carry a tx reference.
func (s ChainStatus) HasTxRef() bool {
	return s == ChainStatusSubmitted || s == ChainStatusConfirmed
}

// Author of the classified text.
const (
	FromUser = "user"
	FromAI   = "ai"
)

// Incident is the audit record for one classified conversation turn.
type Incident struct {
	ID            string      `gorm:"primaryKey;type:varchar(36)"`
	SessionID     string      `gorm:"not null;uniqueIndex:idx_incident_session_message"`
	MessageID     string      `gorm:"not null;uniqueIndex:idx_incident_session_message"`
	FromSide      string      `gorm:"not null"`
	WalletAddress *string     `gorm:"index"`
	ContentHash   []byte      `gorm:"not null"` // set once at creation
	Severity      int         `gorm:"not null;index"`
	Category      string      `gorm:"not null;index"`
	PolicyVersion string      `gorm:"not null"`
	Action        string      `gorm:"not null"`
	ChainStatus   ChainStatus `gorm:"not null;index;default:pending"`
	TxRef         *string     // set iff submitted or confirmed
	Timestamp     time.Time   `gorm:"column:ts;not null;index"`

	// Submission bookkeeping
	Attempts    int        `gorm:"not null;default:0"`
	LastError   string     `gorm:"type:text"`
	ClaimToken  *string    `gorm:"index"`
	ClaimedAt   *time.Time // lease start, cleared on every transition
	SubmittedAt *time.Time
	ConfirmedAt *time.Time
	UpdatedAt   time.Time
}

// TableName specifies the table name for Incident.
func (Incident) TableName() string {
	return "incidents"
}

// TxReference returns the ledger reference, or "" when the status carries none.
func (i *Incident) TxReference() string {
	if i.TxRef == nil || !i.ChainStatus.HasTxRef() {
		return ""
	}
	return *i.TxRef
}
