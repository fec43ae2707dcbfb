package incidentstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelguard/sentinel/guardian/contenthash"
	"github.com/sentinelguard/sentinel/guardian/db"
	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
	"github.com/sentinelguard/sentinel/guardian/store"
)

const testWallet = "0x00000000000000000000000000000000000000aa"

// setupTestStore creates an incident store over an in-memory SQLite database
// with a controllable clock.
func setupTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	s := NewStore(database.Client(), zerolog.Nop())
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func newIncident(session, message string, severity int) NewIncident {
	wallet := testWallet
	return NewIncident{
		SessionID:     session,
		MessageID:     message,
		FromSide:      store.FromUser,
		WalletAddress: &wallet,
		Content:       "content for " + session + "/" + message,
		Severity:      severity,
		Category:      "hate",
		PolicyVersion: "v1",
		Action:        "block",
	}
}

func TestCreateIncident(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	in := newIncident("s1", "m1", 2)
	inc, err := s.CreateIncident(ctx, in)
	require.NoError(t, err)

	assert.NotEmpty(t, inc.ID)
	assert.Equal(t, store.ChainStatusPending, inc.ChainStatus)
	assert.Nil(t, inc.TxRef)
	assert.Equal(t, contenthash.DigestBytes(in.Content), inc.ContentHash)
	assert.Equal(t, testWallet, *inc.WalletAddress)

	loaded, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc.ID, loaded.ID)
	assert.Equal(t, inc.ContentHash, loaded.ContentHash)
	assert.True(t, loaded.Timestamp.Equal(inc.Timestamp))
}

func TestCreateIncidentIsIdempotent(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	first, err := s.CreateIncident(ctx, newIncident("s1", "m1", 2))
	require.NoError(t, err)

	*clock = clock.Add(time.Hour)
	again := newIncident("s1", "m1", 3)
	again.Content = "different content"
	again.Category = "self_harm"
	second, err := s.CreateIncident(ctx, again)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Severity)
	assert.Equal(t, "hate", second.Category)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.True(t, second.Timestamp.Equal(first.Timestamp))

	var count int64
	require.NoError(t, s.db.Model(&store.Incident{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreateIncidentConcurrentDuplicates(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	const writers = 12
	ids := make([]string, writers)
	errs := make([]error, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inc, err := s.CreateIncident(ctx, newIncident("s-race", "m-race", 2))
			errs[i] = err
			if inc != nil {
				ids[i] = inc.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	var count int64
	require.NoError(t, s.db.Model(&store.Incident{}).Where("session_id = ?", "s-race").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreateIncidentValidation(t *testing.T) {
	s, _ := setupTestStore(t)

	tests := []struct {
		name   string
		mutate func(*NewIncident)
	}{
		{"no session", func(n *NewIncident) { n.SessionID = " " }},
		{"no message", func(n *NewIncident) { n.MessageID = "" }},
		{"bad side", func(n *NewIncident) { n.FromSide = "assistant" }},
		{"severity high", func(n *NewIncident) { n.Severity = 4 }},
		{"no category", func(n *NewIncident) { n.Category = "" }},
		{"no policy", func(n *NewIncident) { n.PolicyVersion = "" }},
		{"no action", func(n *NewIncident) { n.Action = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newIncident("s", "m", 1)
			tt.mutate(&in)
			_, err := s.CreateIncident(context.Background(), in)
			assert.True(t, sentinelerrors.IsValidation(err), "got %v", err)
		})
	}
}

func TestBlankWalletStoredAsNull(t *testing.T) {
	s, _ := setupTestStore(t)
	blank := "   "
	in := newIncident("s", "m", 1)
	in.WalletAddress = &blank

	inc, err := s.CreateIncident(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, inc.WalletAddress)
}

func TestGetIncidentNotFound(t *testing.T) {
	s, _ := setupTestStore(t)
	_, err := s.GetIncident(context.Background(), "missing")
	assert.True(t, sentinelerrors.IsNotFound(err))

	_, err = s.GetByNaturalKey(context.Background(), "s", "m")
	assert.True(t, sentinelerrors.IsNotFound(err))
}

var allStatuses = []store.ChainStatus{
	store.ChainStatusPending,
	store.ChainStatusSubmitted,
	store.ChainStatusConfirmed,
	store.ChainStatusFailed,
}

// putInStatus drives a fresh incident to the requested status through legal moves.
func putInStatus(t *testing.T, s *Store, id string, status store.ChainStatus) {
	t.Helper()
	ctx := context.Background()
	switch status {
	case store.ChainStatusPending:
	case store.ChainStatusSubmitted:
		require.NoError(t, s.MarkSubmitted(ctx, id, "", "0xtx-"+id))
	case store.ChainStatusConfirmed:
		require.NoError(t, s.MarkSubmitted(ctx, id, "", "0xtx-"+id))
		require.NoError(t, s.MarkConfirmed(ctx, id, "0xtx-"+id))
	case store.ChainStatusFailed:
		require.NoError(t, s.MarkFailed(ctx, id, "", "boom"))
	}
}

func TestTransitionMatrix(t *testing.T) {
	legal := map[[2]store.ChainStatus]bool{
		{store.ChainStatusPending, store.ChainStatusSubmitted}:   true,
		{store.ChainStatusPending, store.ChainStatusFailed}:      true,
		{store.ChainStatusSubmitted, store.ChainStatusConfirmed}: true,
		{store.ChainStatusSubmitted, store.ChainStatusFailed}:    true,
		{store.ChainStatusFailed, store.ChainStatusPending}:      true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			name := fmt.Sprintf("%s->%s", from, to)
			t.Run(name, func(t *testing.T) {
				s, _ := setupTestStore(t)
				ctx := context.Background()

				inc, err := s.CreateIncident(ctx, newIncident("s", name, 2))
				require.NoError(t, err)
				putInStatus(t, s, inc.ID, from)
				before, err := s.GetIncident(ctx, inc.ID)
				require.NoError(t, err)

				tr := Transition{From: from, To: to, Reason: "r"}
				if to == store.ChainStatusSubmitted {
					tr.TxRef = "0xnew"
				}
				err = s.Apply(ctx, inc.ID, tr)

				after, gerr := s.GetIncident(ctx, inc.ID)
				require.NoError(t, gerr)

				assert.Equal(t, legal[[2]store.ChainStatus{from, to}], CanTransition(from, to))
				if !legal[[2]store.ChainStatus{from, to}] {
					require.True(t, sentinelerrors.IsConflict(err), "got %v", err)
					assert.Equal(t, before.ChainStatus, after.ChainStatus)
					assert.Equal(t, before.TxRef, after.TxRef)
					assert.Equal(t, before.LastError, after.LastError)
					return
				}

				require.NoError(t, err)
				assert.Equal(t, to, after.ChainStatus)
				assert.Equal(t, to.HasTxRef(), after.TxRef != nil, "tx ref presence in %s", to)
			})
		}
	}
}

func TestSubmittedRequiresTxRef(t *testing.T) {
	s, _ := setupTestStore(t)
	inc, err := s.CreateIncident(context.Background(), newIncident("s", "m", 2))
	require.NoError(t, err)

	err = s.MarkSubmitted(context.Background(), inc.ID, "", " ")
	assert.True(t, sentinelerrors.IsValidation(err))
}

func TestStaleTransitionIsConflict(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	inc, err := s.CreateIncident(ctx, newIncident("s", "m", 2))
	require.NoError(t, err)

	require.NoError(t, s.MarkSubmitted(ctx, inc.ID, "", "0xfirst"))

	err = s.MarkSubmitted(ctx, inc.ID, "", "0xsecond")
	require.True(t, sentinelerrors.IsConflict(err))

	after, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xfirst", *after.TxRef)
	assert.NotNil(t, after.SubmittedAt)
}

func TestApplyUnknownIncident(t *testing.T) {
	s, _ := setupTestStore(t)
	err := s.MarkSubmitted(context.Background(), "missing", "", "0x1")
	assert.True(t, sentinelerrors.IsNotFound(err))
}

func TestRejectedSubmissionClearsTxRef(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	inc, err := s.CreateIncident(ctx, newIncident("s", "m", 2))
	require.NoError(t, err)
	require.NoError(t, s.MarkSubmitted(ctx, inc.ID, "", "0xabc"))

	// a different tx ref does not match the stored one
	err = s.MarkRejected(ctx, inc.ID, "0xother", "reverted")
	require.True(t, sentinelerrors.IsConflict(err))

	require.NoError(t, s.MarkRejected(ctx, inc.ID, "0xabc", "reverted"))
	after, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChainStatusFailed, after.ChainStatus)
	assert.Nil(t, after.TxRef)
	assert.Contains(t, after.LastError, "0xabc")
	assert.Contains(t, after.LastError, "reverted")
}

func TestClaimLease(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()
	inc, err := s.CreateIncident(ctx, newIncident("s", "m", 2))
	require.NoError(t, err)

	ok, err := s.Claim(ctx, inc.ID, "token-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Claim(ctx, inc.ID, "token-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must not be stolen")

	// unclaimed transitions are refused while a lease is held
	err = s.MarkFailed(ctx, inc.ID, "", "x")
	assert.True(t, sentinelerrors.IsConflict(err))
	err = s.MarkSubmitted(ctx, inc.ID, "token-b", "0x1")
	assert.True(t, sentinelerrors.IsConflict(err))

	*clock = clock.Add(2 * time.Minute)
	ok, err = s.Claim(ctx, inc.ID, "token-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	// the previous holder lost its lease
	err = s.MarkSubmitted(ctx, inc.ID, "token-a", "0x1")
	assert.True(t, sentinelerrors.IsConflict(err))

	require.NoError(t, s.MarkSubmitted(ctx, inc.ID, "token-b", "0x2"))
	after, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Attempts)
	assert.Nil(t, after.ClaimToken)
	assert.Nil(t, after.ClaimedAt)

	ok, err = s.Claim(ctx, inc.ID, "token-c", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "only pending incidents can be claimed")
}

func TestReleaseStaleClaims(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	stale, err := s.CreateIncident(ctx, newIncident("s", "stale", 2))
	require.NoError(t, err)
	_, err = s.Claim(ctx, stale.ID, "t1", time.Minute)
	require.NoError(t, err)

	*clock = clock.Add(5 * time.Minute)
	fresh, err := s.CreateIncident(ctx, newIncident("s", "fresh", 2))
	require.NoError(t, err)
	_, err = s.Claim(ctx, fresh.ID, "t2", time.Minute)
	require.NoError(t, err)

	n, err := s.ReleaseStaleClaims(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetIncident(ctx, stale.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ClaimToken)

	got, err = s.GetIncident(ctx, fresh.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClaimToken)

	require.NoError(t, s.Release(ctx, fresh.ID, "t2"))
	got, err = s.GetIncident(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ClaimToken)
}

func TestResetFailed(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	var ids []string
	for i, sev := range []int{1, 2, 3} {
		*clock = clock.Add(time.Second)
		inc, err := s.CreateIncident(ctx, newIncident("s", fmt.Sprintf("m%d", i), sev))
		require.NoError(t, err)
		require.NoError(t, s.MarkFailed(ctx, inc.ID, "", "timeout"))
		ids = append(ids, inc.ID)
	}

	reset, err := s.ResetFailedBatch(ctx, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, ids[1:], reset)

	got, err := s.GetIncident(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, store.ChainStatusPending, got.ChainStatus)
	assert.Equal(t, "timeout", got.LastError)

	err = s.ResetFailed(ctx, ids[1])
	assert.True(t, sentinelerrors.IsConflict(err))

	require.NoError(t, s.ResetFailed(ctx, ids[0]))
}

func TestListings(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	mk := func(session, message string, severity int, wallet *string) *store.Incident {
		*clock = clock.Add(time.Second)
		in := newIncident(session, message, severity)
		in.WalletAddress = wallet
		inc, err := s.CreateIncident(ctx, in)
		require.NoError(t, err)
		return inc
	}

	w := testWallet
	a := mk("s1", "m1", 1, &w)
	b := mk("s1", "m2", 3, nil)
	c := mk("s2", "m1", 2, &w)
	d := mk("s2", "m2", 2, &w)
	_, err := s.Claim(ctx, d.ID, "busy", time.Minute)
	require.NoError(t, err)

	bySession, err := s.ListBySession(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, bySession, 2)
	assert.Equal(t, b.ID, bySession[0].ID, "newest first")

	byWallet, err := s.ListByWallet(ctx, testWallet, 2)
	require.NoError(t, err)
	require.Len(t, byWallet, 2)
	assert.Equal(t, d.ID, byWallet[0].ID)

	pending, err := s.ListByStatus(ctx, store.ChainStatusPending, 2, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, b.ID, pending[0].ID, "oldest first")

	submittable, err := s.ListSubmittable(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, submittable, 2)
	assert.Equal(t, a.ID, submittable[0].ID)
	assert.Equal(t, c.ID, submittable[1].ID)
}

func TestStats(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	a, err := s.CreateIncident(ctx, newIncident("s", "1", 2))
	require.NoError(t, err)
	other := newIncident("s", "2", 1)
	other.Category = "other"
	_, err = s.CreateIncident(ctx, other)
	require.NoError(t, err)
	require.NoError(t, s.MarkSubmitted(ctx, a.ID, "", "0x1"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByStatus["pending"])
	assert.Equal(t, int64(1), stats.ByStatus["submitted"])
	assert.Equal(t, int64(1), stats.ByCategory["hate"])
	assert.Equal(t, int64(1), stats.ByCategory["other"])
	assert.Equal(t, int64(1), stats.BySeverity[2])
}
