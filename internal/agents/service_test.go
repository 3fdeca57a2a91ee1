package agents

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinchwork/backend/internal/config"
	"github.com/pinchwork/backend/internal/pwerr"
	"github.com/pinchwork/backend/internal/store"
)

func newRegistry(t *testing.T) (*Service, *store.Memory, *config.Config) {
	t.Helper()
	cfg := config.Default()
	m := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(m, cfg, logger), m, cfg
}

func TestRegisterGrantsInitialCredits(t *testing.T) {
	svc, m, cfg := newRegistry(t)

	reg, err := svc.Register(context.Background(), RegisterRequest{Name: "scraper-bot"})
	require.NoError(t, err)
	assert.Equal(t, cfg.InitialCredits, reg.Agent.Credits)
	assert.NotEmpty(t, reg.Key)
	assert.NotEmpty(t, reg.Agent.ReferralCode)
	assert.NotEqual(t, reg.Key, reg.Agent.KeyHash, "raw key is never stored")

	m.View(context.Background(), func(tx store.Tx) error {
		entries, total, err := tx.Ledger(reg.Agent.ID, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, store.ReasonSignupBonus, entries[0].Reason)
		assert.Equal(t, cfg.InitialCredits, entries[0].Amount)
		return nil
	})
}

func TestRegisterRequiresName(t *testing.T) {
	svc, _, _ := newRegistry(t)
	_, err := svc.Register(context.Background(), RegisterRequest{Name: "   "})
	assert.Equal(t, pwerr.InvalidInput, pwerr.KindOf(err))
}

func TestAuthenticate(t *testing.T) {
	svc, _, _ := newRegistry(t)
	reg, err := svc.Register(context.Background(), RegisterRequest{Name: "bot"})
	require.NoError(t, err)

	a, err := svc.Authenticate(context.Background(), reg.Key)
	require.NoError(t, err)
	assert.Equal(t, reg.Agent.ID, a.ID)

	_, err = svc.Authenticate(context.Background(), "pwk_not_a_real_key")
	assert.Equal(t, pwerr.Unauthorized, pwerr.KindOf(err))

	_, err = svc.Authenticate(context.Background(), "")
	assert.Equal(t, pwerr.Unauthorized, pwerr.KindOf(err))
}

func TestAuthenticateSuspended(t *testing.T) {
	svc, _, _ := newRegistry(t)
	reg, err := svc.Register(context.Background(), RegisterRequest{Name: "bot"})
	require.NoError(t, err)

	require.NoError(t, svc.Suspend(context.Background(), reg.Agent.ID, "spam", true))
	_, err = svc.Authenticate(context.Background(), reg.Key)
	assert.Equal(t, pwerr.Suspended, pwerr.KindOf(err))

	require.NoError(t, svc.Suspend(context.Background(), reg.Agent.ID, "", false))
	_, err = svc.Authenticate(context.Background(), reg.Key)
	assert.NoError(t, err)
}

func TestReferralResolution(t *testing.T) {
	svc, _, _ := newRegistry(t)
	referrer, err := svc.Register(context.Background(), RegisterRequest{Name: "referrer"})
	require.NoError(t, err)

	// A known code links the agents.
	linked, err := svc.Register(context.Background(), RegisterRequest{
		Name: "linked", ReferredBy: referrer.Agent.ReferralCode,
	})
	require.NoError(t, err)
	assert.Equal(t, referrer.Agent.ReferralCode, linked.Agent.ReferredBy)
	assert.Empty(t, linked.Agent.ReferralSource)

	// Anything else is kept as free-text attribution.
	freeText, err := svc.Register(context.Background(), RegisterRequest{
		Name: "organic", ReferredBy: "saw it on a forum",
	})
	require.NoError(t, err)
	assert.Empty(t, freeText.Agent.ReferredBy)
	assert.Equal(t, "saw it on a forum", freeText.Agent.ReferralSource)
}

func TestUpdateSpawnsCapabilityExtraction(t *testing.T) {
	svc, _, _ := newRegistry(t)
	var spawnedFor []string
	svc.SetCapabilitySpawner(func(tx store.Tx, a *store.Agent, now time.Time) error {
		spawnedFor = append(spawnedFor, a.ID)
		return nil
	})

	reg, err := svc.Register(context.Background(), RegisterRequest{Name: "bot"})
	require.NoError(t, err)

	goodAt := "web scraping and data cleanup"
	a, err := svc.Update(context.Background(), reg.Agent.ID, UpdateRequest{GoodAt: &goodAt})
	require.NoError(t, err)
	assert.Equal(t, goodAt, a.GoodAt)
	assert.Equal(t, []string{reg.Agent.ID}, spawnedFor)

	// Unchanged skill text does not respawn.
	_, err = svc.Update(context.Background(), reg.Agent.ID, UpdateRequest{GoodAt: &goodAt})
	require.NoError(t, err)
	assert.Len(t, spawnedFor, 1)
}

func TestUpdateInfraAgentSkipsExtraction(t *testing.T) {
	svc, _, _ := newRegistry(t)
	spawned := 0
	svc.SetCapabilitySpawner(func(tx store.Tx, a *store.Agent, now time.Time) error {
		spawned++
		return nil
	})

	reg, err := svc.Register(context.Background(), RegisterRequest{
		Name: "matcher", AcceptsSystemTasks: true,
	})
	require.NoError(t, err)

	goodAt := "matching tasks to agents"
	_, err = svc.Update(context.Background(), reg.Agent.ID, UpdateRequest{GoodAt: &goodAt})
	require.NoError(t, err)
	assert.Zero(t, spawned, "infra agents run system tasks, they are not profiled by them")
}

func payBonus(t *testing.T, m *store.Memory, cfg *config.Config, workerID string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, m.Atomically(context.Background(), func(tx store.Tx) error {
		return PayReferralBonus(tx, cfg, logger, workerID, time.Now().UTC())
	}))
}

func TestPayReferralBonusOnce(t *testing.T) {
	svc, m, cfg := newRegistry(t)
	referrer, err := svc.Register(context.Background(), RegisterRequest{Name: "referrer"})
	require.NoError(t, err)
	worker, err := svc.Register(context.Background(), RegisterRequest{
		Name: "worker", ReferredBy: referrer.Agent.ReferralCode,
	})
	require.NoError(t, err)

	payBonus(t, m, cfg, worker.Agent.ID)
	payBonus(t, m, cfg, worker.Agent.ID)

	m.View(context.Background(), func(tx store.Tx) error {
		a, err := tx.GetAgent(referrer.Agent.ID)
		require.NoError(t, err)
		assert.Equal(t, cfg.InitialCredits+cfg.ReferralBonus, a.Credits,
			"bonus is paid exactly once")

		w, err := tx.GetAgent(worker.Agent.ID)
		require.NoError(t, err)
		assert.True(t, w.ReferralBonusPaid)

		n, err := tx.CountReferralBonuses(referrer.Agent.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
}

func TestPayReferralBonusRespectsCap(t *testing.T) {
	svc, m, cfg := newRegistry(t)
	cfg.MaxReferralBonusesPerAgent = 1

	referrer, err := svc.Register(context.Background(), RegisterRequest{Name: "referrer"})
	require.NoError(t, err)
	first, err := svc.Register(context.Background(), RegisterRequest{
		Name: "first", ReferredBy: referrer.Agent.ReferralCode,
	})
	require.NoError(t, err)
	second, err := svc.Register(context.Background(), RegisterRequest{
		Name: "second", ReferredBy: referrer.Agent.ReferralCode,
	})
	require.NoError(t, err)

	payBonus(t, m, cfg, first.Agent.ID)
	payBonus(t, m, cfg, second.Agent.ID)

	m.View(context.Background(), func(tx store.Tx) error {
		a, err := tx.GetAgent(referrer.Agent.ID)
		require.NoError(t, err)
		assert.Equal(t, cfg.InitialCredits+cfg.ReferralBonus, a.Credits,
			"cap stops the second payout")

		w, err := tx.GetAgent(second.Agent.ID)
		require.NoError(t, err)
		assert.False(t, w.ReferralBonusPaid,
			"a capped payout leaves the flag unset")
		return nil
	})
}

func TestPayReferralBonusNoReferrer(t *testing.T) {
	svc, m, cfg := newRegistry(t)
	worker, err := svc.Register(context.Background(), RegisterRequest{Name: "worker"})
	require.NoError(t, err)

	payBonus(t, m, cfg, worker.Agent.ID)

	m.View(context.Background(), func(tx store.Tx) error {
		w, err := tx.GetAgent(worker.Agent.ID)
		require.NoError(t, err)
		assert.False(t, w.ReferralBonusPaid)
		return nil
	})
}

func TestRecomputeReputation(t *testing.T) {
	_, m, _ := newRegistry(t)
	now := time.Now().UTC()
	require.NoError(t, m.Atomically(context.Background(), func(tx store.Tx) error {
		if err := tx.InsertAgent(&store.Agent{ID: "ag_w", Name: "w", CreatedAt: now}); err != nil {
			return err
		}
		for i, score := range []int{5, 4} {
			ok, err := tx.InsertRating(&store.Rating{
				ID: "rt_" + string(rune('a'+i)), TaskID: "tk_" + string(rune('a'+i)),
				RaterID: "ag_p", RatedID: "ag_w", Score: score, CreatedAt: now,
			})
			require.NoError(t, err)
			require.True(t, ok)
		}
		return RecomputeReputation(tx, "ag_w")
	}))

	m.View(context.Background(), func(tx store.Tx) error {
		a, err := tx.GetAgent("ag_w")
		require.NoError(t, err)
		assert.InDelta(t, 4.5, a.Reputation, 0.001)
		return nil
	})
}
