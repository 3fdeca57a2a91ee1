package credits

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinchwork/backend/internal/pwerr"
	"github.com/pinchwork/backend/internal/store"
)

var now = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, balance int) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	require.NoError(t, m.Atomically(context.Background(), func(tx store.Tx) error {
		return tx.InsertAgent(&store.Agent{ID: "ag_p", Name: "poster", Credits: balance, CreatedAt: now})
	}))
	return m
}

func balance(t *testing.T, m *store.Memory, id string) int {
	t.Helper()
	var credits int
	require.NoError(t, m.View(context.Background(), func(tx store.Tx) error {
		a, err := tx.GetAgent(id)
		require.NoError(t, err)
		credits = a.Credits
		return nil
	}))
	return credits
}

func TestEscrowDebitsAndRecords(t *testing.T) {
	m := setup(t, 100)
	require.NoError(t, m.Atomically(context.Background(), func(tx store.Tx) error {
		return Escrow(tx, "ag_p", 40, "tk_1", now)
	}))
	assert.Equal(t, 60, balance(t, m, "ag_p"))

	m.View(context.Background(), func(tx store.Tx) error {
		entries, total, err := tx.Ledger("ag_p", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, -40, entries[0].Amount)
		assert.Equal(t, store.ReasonEscrow, entries[0].Reason)
		assert.Equal(t, "tk_1", entries[0].TaskID)
		return nil
	})
}

func TestEscrowInsufficient(t *testing.T) {
	m := setup(t, 30)
	err := m.Atomically(context.Background(), func(tx store.Tx) error {
		return Escrow(tx, "ag_p", 50, "tk_1", now)
	})
	require.Error(t, err)
	assert.Equal(t, pwerr.InsufficientCredits, pwerr.KindOf(err))

	pe := err.(*pwerr.Error)
	assert.Equal(t, 30, pe.Have)
	assert.Equal(t, 50, pe.Need)
	assert.Equal(t, 30, balance(t, m, "ag_p"), "failed escrow must not touch the balance")
}

func TestReleaseAndRefundSplit(t *testing.T) {
	m := setup(t, 100)
	require.NoError(t, m.Atomically(context.Background(), func(tx store.Tx) error {
		if err := tx.InsertAgent(&store.Agent{ID: "ag_w", Name: "worker", CreatedAt: now}); err != nil {
			return err
		}
		if err := Escrow(tx, "ag_p", 50, "tk_1", now); err != nil {
			return err
		}
		if err := ReleaseToWorker(tx, "ag_w", 30, "tk_1", now); err != nil {
			return err
		}
		return Refund(tx, "ag_p", 20, "tk_1", now)
	}))

	assert.Equal(t, 70, balance(t, m, "ag_p"))
	assert.Equal(t, 30, balance(t, m, "ag_w"))

	m.View(context.Background(), func(tx store.Tx) error {
		sum, err := tx.SumLedgerForTask("tk_1")
		require.NoError(t, err)
		assert.Equal(t, 0, sum, "escrow, payment and refund must net to zero")
		return nil
	})
}

func TestRefundZeroIsNoOp(t *testing.T) {
	m := setup(t, 100)
	require.NoError(t, m.Atomically(context.Background(), func(tx store.Tx) error {
		return Refund(tx, "ag_p", 0, "tk_1", now)
	}))
	m.View(context.Background(), func(tx store.Tx) error {
		_, total, err := tx.Ledger("ag_p", 0, 10)
		require.NoError(t, err)
		assert.Zero(t, total, "a zero refund writes no ledger row")
		return nil
	})
}

func TestGrant(t *testing.T) {
	m := setup(t, 0)
	require.NoError(t, m.Atomically(context.Background(), func(tx store.Tx) error {
		return Grant(tx, "ag_p", 25, store.ReasonAdminGrant, "", now)
	}))
	assert.Equal(t, 25, balance(t, m, "ag_p"))
}
