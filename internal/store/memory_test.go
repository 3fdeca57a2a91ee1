package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func seedAgent(t *testing.T, m *Memory, id string, credits int) {
	t.Helper()
	require.NoError(t, m.Atomically(context.Background(), func(tx Tx) error {
		return tx.InsertAgent(&Agent{ID: id, Name: id, Credits: credits, CreatedAt: base})
	}))
}

func seedTask(t *testing.T, m *Memory, task *Task) {
	t.Helper()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = base
	}
	require.NoError(t, m.Atomically(context.Background(), func(tx Tx) error {
		return tx.InsertTask(task)
	}))
}

func TestAtomicallyRollsBackOnError(t *testing.T) {
	m := NewMemory()
	seedAgent(t, m, "ag_1", 100)

	boom := errors.New("boom")
	err := m.Atomically(context.Background(), func(tx Tx) error {
		ok, err := tx.DebitIf("ag_1", 40)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	m.View(context.Background(), func(tx Tx) error {
		a, err := tx.GetAgent("ag_1")
		require.NoError(t, err)
		assert.Equal(t, 100, a.Credits, "failed transaction must not leak the debit")
		return nil
	})
}

func TestDebitIfGuard(t *testing.T) {
	m := NewMemory()
	seedAgent(t, m, "ag_1", 10)

	m.Atomically(context.Background(), func(tx Tx) error {
		ok, err := tx.DebitIf("ag_1", 10)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.DebitIf("ag_1", 1)
		require.NoError(t, err)
		assert.False(t, ok, "balance is zero, guard must fail")
		return nil
	})
}

func TestClaimTaskIsConditional(t *testing.T) {
	m := NewMemory()
	seedTask(t, m, &Task{ID: "tk_1", PosterID: "ag_p", Status: StatusPosted, MaxCredits: 5})

	m.Atomically(context.Background(), func(tx Tx) error {
		ok, err := tx.ClaimTask("tk_1", "ag_w1", base, nil)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.ClaimTask("tk_1", "ag_w2", base, nil)
		require.NoError(t, err)
		assert.False(t, ok, "second claim must lose")

		task, err := tx.GetTask("tk_1")
		require.NoError(t, err)
		assert.Equal(t, "ag_w1", task.WorkerID)
		assert.Equal(t, StatusClaimed, task.Status)
		return nil
	})
}

func TestRejectToClaimedCountsAndSetsDeadlines(t *testing.T) {
	m := NewMemory()
	grace := base.Add(5 * time.Minute)
	delivered := base
	seedTask(t, m, &Task{
		ID: "tk_1", PosterID: "ag_p", WorkerID: "ag_w",
		Status: StatusDelivered, Result: "answer", CreditsCharged: 3,
		MaxCredits: 5, DeliveredAt: &delivered,
	})

	m.Atomically(context.Background(), func(tx Tx) error {
		ok, count, err := tx.RejectToClaimed("tk_1", "too short", grace)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, count)

		task, _ := tx.GetTask("tk_1")
		assert.Equal(t, StatusClaimed, task.Status)
		assert.Empty(t, task.Result)
		assert.Zero(t, task.CreditsCharged)
		require.NotNil(t, task.RejectionGraceDeadline)
		require.NotNil(t, task.ClaimDeadline)
		assert.Equal(t, grace, *task.RejectionGraceDeadline)
		assert.Equal(t, grace, *task.ClaimDeadline, "rejection must not extend the claim beyond the grace window")

		// Not delivered anymore, a second reject is a no-op.
		ok, _, err = tx.RejectToClaimed("tk_1", "again", grace)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
}

func TestReleaseToPostedClearsWorkerState(t *testing.T) {
	m := NewMemory()
	claimedAt := base
	dl := base.Add(10 * time.Minute)
	seedTask(t, m, &Task{
		ID: "tk_1", PosterID: "ag_p", WorkerID: "ag_w",
		Status: StatusClaimed, MaxCredits: 5,
		ClaimedAt: &claimedAt, ClaimDeadline: &dl, MatchStatus: MatchMatched,
	})

	newExpiry := base.Add(72 * time.Hour)
	m.Atomically(context.Background(), func(tx Tx) error {
		ok, err := tx.ReleaseToPosted("tk_1", newExpiry)
		require.NoError(t, err)
		assert.True(t, ok)

		task, _ := tx.GetTask("tk_1")
		assert.Equal(t, StatusPosted, task.Status)
		assert.Empty(t, task.WorkerID)
		assert.Nil(t, task.ClaimedAt)
		assert.Nil(t, task.ClaimDeadline)
		assert.Equal(t, MatchBroadcast, task.MatchStatus)
		assert.Equal(t, newExpiry, *task.ExpiresAt)
		return nil
	})
}

func TestTagFilteringIsOverlap(t *testing.T) {
	m := NewMemory()
	seedTask(t, m, &Task{ID: "tk_go", PosterID: "ag_p", Status: StatusPosted,
		MaxCredits: 5, Tags: []string{"go", "backend"}, MatchStatus: MatchBroadcast})
	seedTask(t, m, &Task{ID: "tk_py", PosterID: "ag_p", Status: StatusPosted,
		MaxCredits: 5, Tags: []string{"python"}, MatchStatus: MatchBroadcast,
		CreatedAt: base.Add(time.Second)})
	seedTask(t, m, &Task{ID: "tk_none", PosterID: "ag_p", Status: StatusPosted,
		MaxCredits: 5, MatchStatus: MatchBroadcast, CreatedAt: base.Add(2 * time.Second)})

	m.View(context.Background(), func(tx Tx) error {
		got, err := tx.ListBroadcastPosted("ag_w", []string{"go", "rust"}, 10)
		require.NoError(t, err)
		require.Len(t, got, 1, "one shared tag is enough, no tag is not")
		assert.Equal(t, "tk_go", got[0].ID)

		got, err = tx.ListBroadcastPosted("ag_w", nil, 10)
		require.NoError(t, err)
		assert.Len(t, got, 3, "no filter matches everything")
		return nil
	})
}

func TestExtractedTagsCountForFiltering(t *testing.T) {
	m := NewMemory()
	seedTask(t, m, &Task{ID: "tk_1", PosterID: "ag_p", Status: StatusPosted,
		MaxCredits: 5, ExtractedTags: []string{"scraping"}, MatchStatus: MatchBroadcast})

	m.View(context.Background(), func(tx Tx) error {
		got, err := tx.ListBroadcastPosted("ag_w", []string{"scraping"}, 10)
		require.NoError(t, err)
		assert.Len(t, got, 1)
		return nil
	})
}

func TestListMatchedPostedOrdersByRank(t *testing.T) {
	m := NewMemory()
	seedTask(t, m, &Task{ID: "tk_a", PosterID: "ag_p", Status: StatusPosted,
		MaxCredits: 5, MatchStatus: MatchMatched})
	seedTask(t, m, &Task{ID: "tk_b", PosterID: "ag_p", Status: StatusPosted,
		MaxCredits: 5, MatchStatus: MatchMatched, CreatedAt: base.Add(time.Second)})

	m.Atomically(context.Background(), func(tx Tx) error {
		require.NoError(t, tx.InsertMatch(&TaskMatch{ID: "mt_1", TaskID: "tk_a", AgentID: "ag_w", Rank: 2, CreatedAt: base}))
		require.NoError(t, tx.InsertMatch(&TaskMatch{ID: "mt_2", TaskID: "tk_b", AgentID: "ag_w", Rank: 1, CreatedAt: base}))
		return nil
	})

	m.View(context.Background(), func(tx Tx) error {
		got, err := tx.ListMatchedPosted("ag_w", nil, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "tk_b", got[0].ID, "rank 1 first")
		assert.Equal(t, "tk_a", got[1].ID)

		// A worker with no match rows sees nothing in this phase.
		got, err = tx.ListMatchedPosted("ag_other", nil, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	})
}

func TestLedgerPaginationNewestFirst(t *testing.T) {
	m := NewMemory()
	m.Atomically(context.Background(), func(tx Tx) error {
		for i := 0; i < 5; i++ {
			require.NoError(t, tx.AppendLedger(&LedgerEntry{
				ID: "le_" + string(rune('a'+i)), AgentID: "ag_1", Amount: i + 1,
				Reason: ReasonEscrow, CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}
		return nil
	})

	m.View(context.Background(), func(tx Tx) error {
		page, total, err := tx.Ledger("ag_1", 0, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, 5, page[0].Amount, "newest entry first")
		assert.Equal(t, 4, page[1].Amount)

		page, _, err = tx.Ledger("ag_1", 4, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, 1, page[0].Amount)
		return nil
	})
}

func TestInsertRatingDuplicate(t *testing.T) {
	m := NewMemory()
	m.Atomically(context.Background(), func(tx Tx) error {
		ok, err := tx.InsertRating(&Rating{ID: "rt_1", TaskID: "tk_1", RaterID: "ag_p", RatedID: "ag_w", Score: 5, CreatedAt: base})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.InsertRating(&Rating{ID: "rt_2", TaskID: "tk_1", RaterID: "ag_p", RatedID: "ag_w", Score: 1, CreatedAt: base})
		require.NoError(t, err)
		assert.False(t, ok, "one rating per task and rater")

		avg, has, err := tx.AvgRating("ag_w")
		require.NoError(t, err)
		assert.True(t, has)
		assert.InDelta(t, 5.0, avg, 0.001)
		return nil
	})
}

func TestHasSystemConflict(t *testing.T) {
	m := NewMemory()
	seedTask(t, m, &Task{ID: "tk_parent", PosterID: "ag_p", Status: StatusPosted, MaxCredits: 5})
	seedTask(t, m, &Task{ID: "tk_match", PosterID: "ag_platform", WorkerID: "ag_infra",
		Status: StatusApproved, MaxCredits: 3, IsSystem: true,
		SystemTaskType: SystemMatchAgents, ParentTaskID: "tk_parent"})

	m.View(context.Background(), func(tx Tx) error {
		conflict, err := tx.HasSystemConflict("tk_parent", "ag_infra")
		require.NoError(t, err)
		assert.True(t, conflict, "matcher can never claim the task it matched")

		conflict, err = tx.HasSystemConflict("tk_parent", "ag_other")
		require.NoError(t, err)
		assert.False(t, conflict)
		return nil
	})
}

func TestClaimTimedOutRespectsGrace(t *testing.T) {
	m := NewMemory()
	now := base.Add(time.Hour)
	past := base
	future := now.Add(10 * time.Minute)

	seedTask(t, m, &Task{ID: "tk_due", PosterID: "ag_p", WorkerID: "ag_w",
		Status: StatusClaimed, MaxCredits: 5, ClaimDeadline: &past})
	seedTask(t, m, &Task{ID: "tk_grace", PosterID: "ag_p", WorkerID: "ag_w",
		Status: StatusClaimed, MaxCredits: 5, ClaimDeadline: &past,
		RejectionGraceDeadline: &future, CreatedAt: base.Add(time.Second)})
	seedTask(t, m, &Task{ID: "tk_sys", PosterID: "ag_platform", WorkerID: "ag_infra",
		Status: StatusClaimed, MaxCredits: 3, IsSystem: true, ClaimDeadline: &past,
		CreatedAt: base.Add(2 * time.Second)})

	m.View(context.Background(), func(tx Tx) error {
		got, err := tx.ListClaimTimedOut(now)
		require.NoError(t, err)
		require.Len(t, got, 1, "grace window and system flag both suppress the timeout")
		assert.Equal(t, "tk_due", got[0].ID)
		return nil
	})
}
