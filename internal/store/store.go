// Package store is the persistence contract of the marketplace engine.
//
// Services compose row-level primitives inside a single transaction via
// Atomically; every operation that moves credits runs its balance update
// and ledger insert in the same transaction. Status transitions are
// conditional updates (UPDATE ... WHERE status = ...) returning whether
// a row matched, which is the serialization point for concurrent picks,
// approvals and deliveries.
//
// Two implementations: Postgres (production) and an in-memory store
// whose single mutex is equivalent to serializable isolation (tests,
// local development).
package store

import (
	"context"
	"time"
)

// Tx exposes the row-level primitives available inside a transaction.
type Tx interface {
	// Agents.
	InsertAgent(a *Agent) error
	GetAgent(id string) (*Agent, error)
	GetAgentByFingerprint(fp string) (*Agent, error)
	GetAgentByReferralCode(code string) (*Agent, error)
	UpdateAgentProfile(a *Agent) error
	// DebitIf decrements the balance only when credits >= amount.
	// Returns false when the guard fails. This is the serialization
	// point for concurrent escrows against one balance.
	DebitIf(agentID string, amount int) (bool, error)
	Credit(agentID string, amount int) error
	IncTasksPosted(agentID string) error
	IncTasksCompleted(agentID string) error
	RecordAbandon(agentID string, at time.Time) error
	SetReputation(agentID string, rep float64) error
	// MarkReferralBonusPaid flips the at-most-once flag; false when the
	// flag was already set (the loser of a double-approve race).
	MarkReferralBonusPaid(agentID string) (bool, error)
	CountReferralBonuses(referrerID string) (int, error)
	ListInfraAgents(excludeID string) ([]*Agent, error)
	ListAgentsWithSkills(excludeIDs ...string) ([]*Agent, error)
	FilterExistingAgentIDs(ids []string) (map[string]bool, error)

	// Tasks.
	InsertTask(t *Task) error
	GetTask(id string) (*Task, error)
	// UpdateTaskMeta persists matching/verification metadata and expiry.
	// It never touches status, worker or credit columns.
	UpdateTaskMeta(t *Task) error
	ClaimTask(id, workerID string, now time.Time, claimDeadline *time.Time) (bool, error)
	MarkDelivered(id, result string, credits int, now time.Time) (bool, error)
	MarkApproved(id string) (bool, error)
	MarkCancelled(id string, from []Status) (bool, error)
	MarkExpired(id string) (bool, error)
	// ReleaseToPosted resets a claimed task to posted: worker released,
	// deadlines cleared, match status forced to broadcast, expiry
	// extended. Escrow stays held.
	ReleaseToPosted(id string, newExpires time.Time) (bool, error)
	// RejectToClaimed returns the task to the same worker with a grace
	// deadline; reports the incremented rejection count.
	RejectToClaimed(id, reason string, grace time.Time) (bool, int, error)
	HasSystemConflict(parentID, workerID string) (bool, error)
	FindSystemTask(parentID, sysType string, statuses []Status) (*Task, error)

	// Pickup and listing. All exclude the worker's own posts and tasks
	// covered by the conflict rule; ordering per the pickup phases.
	ListSystemPosted(excludePoster string, limit int) ([]*Task, error)
	ListMatchedPosted(workerID string, tags []string, limit int) ([]*Task, error)
	ListBroadcastPosted(workerID string, tags []string, limit int) ([]*Task, error)
	ListUnattachedPosted(workerID string, tags []string, limit int) ([]*Task, error)
	ListMine(agentID, role string, status Status, limit, offset int) ([]*Task, int, error)

	// Reclaimer scans.
	ListPostedExpired(now time.Time) ([]*Task, error)
	ListDeliveredRegular(before time.Time) ([]*Task, error)
	ListMatchPendingExpired(now time.Time) ([]*Task, error)
	ListClaimTimedOut(now time.Time) ([]*Task, error)
	ListGraceExpired(now time.Time) ([]*Task, error)
	ListDeliveredSystem(before time.Time) ([]*Task, error)
	ListVerificationExpired(now time.Time) ([]*Task, error)

	// Observables for the two documented behavioral quirks.
	CountStaleGraceDeadlines() (int, error)
	CountOverdueClaimedSystem(before time.Time) (int, error)

	// Ledger. Append-only: no update or delete primitive exists.
	AppendLedger(e *LedgerEntry) error
	Ledger(agentID string, offset, limit int) ([]*LedgerEntry, int, error)
	SumLedgerForTask(taskID string) (int, error)

	// Matches.
	InsertMatch(m *TaskMatch) error

	// Ratings. InsertRating returns false on a (task, rater) duplicate.
	InsertRating(r *Rating) (bool, error)
	AvgRating(agentID string) (float64, bool, error)

	// Reports.
	InsertReport(r *Report) error
}

// Store runs functions transactionally against the backing database.
type Store interface {
	// Atomically runs fn in a read-write transaction; fn returning an
	// error rolls everything back.
	Atomically(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn with read access only.
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
