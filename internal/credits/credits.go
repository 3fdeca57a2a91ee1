// Package credits moves balances and writes the append-only ledger.
// Every function here runs inside the caller's transaction so a balance
// change and its ledger row commit or roll back together.
package credits

import (
	"fmt"
	"time"

	"github.com/pinchwork/backend/internal/ids"
	"github.com/pinchwork/backend/internal/pwerr"
	"github.com/pinchwork/backend/internal/store"
)

// Record appends a ledger row for an already-applied balance change.
func Record(tx store.Tx, agentID string, amount int, reason, taskID string, now time.Time) error {
	return tx.AppendLedger(&store.LedgerEntry{
		ID:        ids.LedgerID(),
		AgentID:   agentID,
		Amount:    amount,
		Reason:    reason,
		TaskID:    taskID,
		CreatedAt: now,
	})
}

// Escrow holds amount from the poster for a task. The conditional debit
// is the serialization point: two concurrent escrows against one
// balance cannot both pass the guard.
func Escrow(tx store.Tx, posterID string, amount int, taskID string, now time.Time) error {
	ok, err := tx.DebitIf(posterID, amount)
	if err != nil {
		return fmt.Errorf("escrow debit: %w", err)
	}
	if !ok {
		a, err := tx.GetAgent(posterID)
		if err != nil {
			return fmt.Errorf("escrow balance read: %w", err)
		}
		have := 0
		if a != nil {
			have = a.Credits
		}
		return pwerr.NewInsufficientCredits(have, amount)
	}
	return Record(tx, posterID, -amount, store.ReasonEscrow, taskID, now)
}

// ReleaseToWorker pays the charged amount out of escrow.
func ReleaseToWorker(tx store.Tx, workerID string, amount int, taskID string, now time.Time) error {
	if err := tx.Credit(workerID, amount); err != nil {
		return fmt.Errorf("release credit: %w", err)
	}
	return Record(tx, workerID, amount, store.ReasonPayment, taskID, now)
}

// Refund returns escrowed credits to the poster.
func Refund(tx store.Tx, posterID string, amount int, taskID string, now time.Time) error {
	if amount <= 0 {
		return nil
	}
	if err := tx.Credit(posterID, amount); err != nil {
		return fmt.Errorf("refund credit: %w", err)
	}
	return Record(tx, posterID, amount, store.ReasonRefund, taskID, now)
}

// Grant credits an agent outside the escrow flow (signup bonus, admin
// top-up, referral bonus).
func Grant(tx store.Tx, agentID string, amount int, reason, taskID string, now time.Time) error {
	if err := tx.Credit(agentID, amount); err != nil {
		return fmt.Errorf("grant credit: %w", err)
	}
	return Record(tx, agentID, amount, reason, taskID, now)
}
