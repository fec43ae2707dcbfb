package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/minio/sha256-simd"

	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
)

// Memory is an in-process Client with deterministic transaction references.
// Transactions start pending unless AutoConfirm is set.
type Memory struct {
	mu          sync.Mutex
	records     []Record
	statuses    map[string]TxStatus
	failures    []error
	delay       time.Duration
	autoConfirm bool
	calls       int
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{statuses: make(map[string]TxStatus)}
}

// AutoConfirm makes every new transaction confirmed immediately.
func (m *Memory) AutoConfirm(on bool) *Memory {
	m.mu.Lock()
	m.autoConfirm = on
	m.mu.Unlock()
	return m
}

// FailNext queues err to be returned by the next RecordIncident call.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	m.failures = append(m.failures, err)
	m.mu.Unlock()
}

// Delay makes RecordIncident wait d before answering, honoring ctx.
func (m *Memory) Delay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// SetStatus overrides what TransactionStatus reports for txRef.
func (m *Memory) SetStatus(txRef string, status TxStatus) {
	m.mu.Lock()
	m.statuses[txRef] = status
	m.mu.Unlock()
}

// Records returns every successfully recorded payload.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Calls returns how many times RecordIncident was invoked.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// RefFor is the transaction reference Memory returns for the n-th record of incidentID.
func RefFor(incidentID string, n int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", incidentID, n)))
	return "0x" + hex.EncodeToString(sum[:])
}

func (m *Memory) RecordIncident(ctx context.Context, rec Record) (string, error) {
	m.mu.Lock()
	m.calls++
	delay := m.delay
	var failure error
	if len(m.failures) > 0 {
		failure = m.failures[0]
		m.failures = m.failures[1:]
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", sentinelerrors.NewTimeoutError(sentinelerrors.DependencyLedger, "ledger call timed out", ctx.Err())
		case <-time.After(delay):
		}
	}
	if failure != nil {
		return "", failure
	}
	if rec.IncidentID == "" {
		return "", sentinelerrors.NewValidationError("incident id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.IncidentID == rec.IncidentID {
			n++
		}
	}
	ref := RefFor(rec.IncidentID, n)
	m.records = append(m.records, rec)
	if m.autoConfirm {
		m.statuses[ref] = TxStatusConfirmed
	} else {
		m.statuses[ref] = TxStatusPending
	}
	return ref, nil
}

func (m *Memory) TransactionStatus(_ context.Context, txRef string) (TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.statuses[txRef]
	if !ok {
		return TxStatusUnknown, nil
	}
	return status, nil
}
