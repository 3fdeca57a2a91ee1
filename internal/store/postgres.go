package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Postgres is the production Store backed by database/sql + lib/pq.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, pings and prepares the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := InitSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	return p.run(ctx, false, fn)
}

func (p *Postgres) View(ctx context.Context, fn func(tx Tx) error) error {
	return p.run(ctx, true, fn)
}

func (p *Postgres) run(ctx context.Context, readOnly bool, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{ctx: ctx, tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// --- agents ---

const agentCols = `id, name, key_hash, key_fingerprint, credits, reputation,
	tasks_posted, tasks_completed, accepts_system_tasks, good_at, capability_tags,
	suspended, suspend_reason, abandon_count, last_abandon_at,
	webhook_url, webhook_secret, referral_code, referred_by, referral_source,
	referral_bonus_paid, created_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var lastAbandon sql.NullTime
	err := row.Scan(&a.ID, &a.Name, &a.KeyHash, &a.KeyFingerprint, &a.Credits,
		&a.Reputation, &a.TasksPosted, &a.TasksCompleted, &a.AcceptsSystemTasks,
		&a.GoodAt, pq.Array(&a.CapabilityTags), &a.Suspended, &a.SuspendReason,
		&a.AbandonCount, &lastAbandon, &a.WebhookURL, &a.WebhookSecret,
		&a.ReferralCode, &a.ReferredBy, &a.ReferralSource, &a.ReferralBonusPaid,
		&a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.LastAbandonAt = timePtr(lastAbandon)
	return &a, nil
}

func (t *pgTx) InsertAgent(a *Agent) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO agents (`+agentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		a.ID, a.Name, a.KeyHash, a.KeyFingerprint, a.Credits, a.Reputation,
		a.TasksPosted, a.TasksCompleted, a.AcceptsSystemTasks, a.GoodAt,
		pq.Array(a.CapabilityTags), a.Suspended, a.SuspendReason, a.AbandonCount,
		nullTime(a.LastAbandonAt), a.WebhookURL, a.WebhookSecret,
		a.ReferralCode, a.ReferredBy, a.ReferralSource, a.ReferralBonusPaid,
		a.CreatedAt)
	return err
}

func (t *pgTx) agentWhere(clause string, args ...any) (*Agent, error) {
	a, err := scanAgent(t.tx.QueryRowContext(t.ctx,
		`SELECT `+agentCols+` FROM agents WHERE `+clause, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (t *pgTx) GetAgent(id string) (*Agent, error) {
	return t.agentWhere(`id = $1`, id)
}

func (t *pgTx) GetAgentByFingerprint(fp string) (*Agent, error) {
	return t.agentWhere(`key_fingerprint = $1`, fp)
}

func (t *pgTx) GetAgentByReferralCode(code string) (*Agent, error) {
	if code == "" {
		return nil, nil
	}
	return t.agentWhere(`referral_code = $1`, code)
}

func (t *pgTx) UpdateAgentProfile(a *Agent) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE agents SET good_at = $2, accepts_system_tasks = $3,
			capability_tags = $4, suspended = $5, suspend_reason = $6,
			webhook_url = $7, webhook_secret = $8
		WHERE id = $1`,
		a.ID, a.GoodAt, a.AcceptsSystemTasks, pq.Array(a.CapabilityTags),
		a.Suspended, a.SuspendReason, a.WebhookURL, a.WebhookSecret)
	return err
}

func (t *pgTx) DebitIf(agentID string, amount int) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE agents SET credits = credits - $2
		WHERE id = $1 AND credits >= $2`, agentID, amount)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (t *pgTx) Credit(agentID string, amount int) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE agents SET credits = credits + $2 WHERE id = $1`, agentID, amount)
	return err
}

func (t *pgTx) IncTasksPosted(agentID string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE agents SET tasks_posted = tasks_posted + 1 WHERE id = $1`, agentID)
	return err
}

func (t *pgTx) IncTasksCompleted(agentID string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE agents SET tasks_completed = tasks_completed + 1 WHERE id = $1`, agentID)
	return err
}

func (t *pgTx) RecordAbandon(agentID string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE agents SET abandon_count = abandon_count + 1, last_abandon_at = $2
		WHERE id = $1`, agentID, at)
	return err
}

func (t *pgTx) SetReputation(agentID string, rep float64) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE agents SET reputation = $2 WHERE id = $1`, agentID, rep)
	return err
}

func (t *pgTx) MarkReferralBonusPaid(agentID string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE agents SET referral_bonus_paid = TRUE
		WHERE id = $1 AND referral_bonus_paid = FALSE`, agentID)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (t *pgTx) CountReferralBonuses(referrerID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT count(*) FROM credit_ledger
		WHERE agent_id = $1 AND reason LIKE $2`,
		referrerID, ReasonReferralPrefix+"%").Scan(&n)
	return n, err
}

func (t *pgTx) listAgents(clause string, args ...any) ([]*Agent, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+agentCols+` FROM agents WHERE `+clause+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *pgTx) ListInfraAgents(excludeID string) ([]*Agent, error) {
	return t.listAgents(`accepts_system_tasks AND NOT suspended AND id <> $1`, excludeID)
}

func (t *pgTx) ListAgentsWithSkills(excludeIDs ...string) ([]*Agent, error) {
	return t.listAgents(`good_at <> '' AND NOT suspended AND id <> ALL($1)`,
		pq.Array(excludeIDs))
}

func (t *pgTx) FilterExistingAgentIDs(ids []string) (map[string]bool, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT id FROM agents WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// --- tasks ---

const taskCols = `id, poster_id, worker_id, need, context, result, status,
	max_credits, credits_charged, tags, extracted_tags,
	is_system, system_task_type, parent_task_id,
	match_status, match_deadline,
	verification_status, verification_result, verification_deadline,
	rejection_count, rejection_reason, rejection_grace_deadline,
	review_timeout_minutes, claim_timeout_minutes, claim_deadline,
	created_at, claimed_at, delivered_at, expires_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var tk Task
	var matchDL, verifyDL, graceDL, claimDL, claimedAt, deliveredAt, expiresAt sql.NullTime
	err := row.Scan(&tk.ID, &tk.PosterID, &tk.WorkerID, &tk.Need, &tk.Context,
		&tk.Result, &tk.Status, &tk.MaxCredits, &tk.CreditsCharged,
		pq.Array(&tk.Tags), pq.Array(&tk.ExtractedTags),
		&tk.IsSystem, &tk.SystemTaskType, &tk.ParentTaskID,
		&tk.MatchStatus, &matchDL,
		&tk.VerificationStatus, &tk.VerificationResult, &verifyDL,
		&tk.RejectionCount, &tk.RejectionReason, &graceDL,
		&tk.ReviewTimeoutMinutes, &tk.ClaimTimeoutMinutes, &claimDL,
		&tk.CreatedAt, &claimedAt, &deliveredAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	tk.MatchDeadline = timePtr(matchDL)
	tk.VerificationDeadline = timePtr(verifyDL)
	tk.RejectionGraceDeadline = timePtr(graceDL)
	tk.ClaimDeadline = timePtr(claimDL)
	tk.ClaimedAt = timePtr(claimedAt)
	tk.DeliveredAt = timePtr(deliveredAt)
	tk.ExpiresAt = timePtr(expiresAt)
	return &tk, nil
}

func (t *pgTx) InsertTask(tk *Task) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO tasks (`+taskCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
			$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		tk.ID, tk.PosterID, tk.WorkerID, tk.Need, tk.Context, tk.Result,
		tk.Status, tk.MaxCredits, tk.CreditsCharged,
		pq.Array(tk.Tags), pq.Array(tk.ExtractedTags),
		tk.IsSystem, tk.SystemTaskType, tk.ParentTaskID,
		tk.MatchStatus, nullTime(tk.MatchDeadline),
		tk.VerificationStatus, tk.VerificationResult, nullTime(tk.VerificationDeadline),
		tk.RejectionCount, tk.RejectionReason, nullTime(tk.RejectionGraceDeadline),
		tk.ReviewTimeoutMinutes, tk.ClaimTimeoutMinutes, nullTime(tk.ClaimDeadline),
		tk.CreatedAt, nullTime(tk.ClaimedAt), nullTime(tk.DeliveredAt),
		nullTime(tk.ExpiresAt))
	return err
}

func (t *pgTx) GetTask(id string) (*Task, error) {
	tk, err := scanTask(t.tx.QueryRowContext(t.ctx,
		`SELECT `+taskCols+` FROM tasks WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tk, err
}

func (t *pgTx) UpdateTaskMeta(tk *Task) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE tasks SET match_status = $2, match_deadline = $3,
			verification_status = $4, verification_result = $5,
			verification_deadline = $6, extracted_tags = $7, expires_at = $8
		WHERE id = $1`,
		tk.ID, tk.MatchStatus, nullTime(tk.MatchDeadline),
		tk.VerificationStatus, tk.VerificationResult,
		nullTime(tk.VerificationDeadline), pq.Array(tk.ExtractedTags),
		nullTime(tk.ExpiresAt))
	return err
}

func (t *pgTx) ClaimTask(id, workerID string, now time.Time, claimDeadline *time.Time) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE tasks SET status = 'claimed', worker_id = $2, claimed_at = $3,
			claim_deadline = $4
		WHERE id = $1 AND status = 'posted' AND worker_id = ''`,
		id, workerID, now, nullTime(claimDeadline))
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (t *pgTx) MarkDelivered(id, result string, credits int, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE tasks SET status = 'delivered', result = $2, credits_charged = $3,
			delivered_at = $4, claim_deadline = NULL
		WHERE id = $1 AND status = 'claimed'`,
		id, result, credits, now)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (t *pgTx) MarkApproved(id string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE tasks SET status = 'approved'
		WHERE id = $1 AND status = 'delivered'`, id)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (t *pgTx) MarkCancelled(id string, from []Status) (bool, error) {
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE tasks SET status = 'cancelled'
		WHERE id = $1 AND status = ANY($2)`, id, pq.Array(statuses))
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (t *pgTx) MarkExpired(id string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE tasks SET status = 'expired'
		WHERE id = $1 AND status = 'posted'`, id)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (t *pgTx) ReleaseToPosted(id string, newExpires time.Time) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE tasks SET status = 'posted', worker_id = '', claimed_at = NULL,
			claim_deadline = NULL, delivered_at = NULL,
			rejection_grace_deadline = NULL, match_status = 'broadcast',
			expires_at = $2
		WHERE id = $1 AND status = 'claimed'`, id, newExpires)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (t *pgTx) RejectToClaimed(id, reason string, grace time.Time) (bool, int, error) {
	var count int
	err := t.tx.QueryRowContext(t.ctx, `
		UPDATE tasks SET status = 'claimed', result = '', credits_charged = 0,
			delivered_at = NULL, rejection_reason = $2,
			rejection_count = rejection_count + 1,
			rejection_grace_deadline = $3, claim_deadline = $3
		WHERE id = $1 AND status = 'delivered'
		RETURNING rejection_count`, id, reason, grace).Scan(&count)
	if err == sql.ErrNoRows {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, count, nil
}

func (t *pgTx) HasSystemConflict(parentID, workerID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT EXISTS (SELECT 1 FROM tasks
			WHERE is_system AND worker_id = $2 AND parent_task_id = $1)`,
		parentID, workerID).Scan(&exists)
	return exists, err
}

func (t *pgTx) FindSystemTask(parentID, sysType string, statuses []Status) (*Task, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	tk, err := scanTask(t.tx.QueryRowContext(t.ctx, `
		SELECT `+taskCols+` FROM tasks
		WHERE is_system AND parent_task_id = $1 AND system_task_type = $2
			AND status = ANY($3)
		ORDER BY created_at LIMIT 1`, parentID, sysType, pq.Array(ss)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tk, err
}

// --- pickup / listing ---

func (t *pgTx) listTasks(query string, args ...any) ([]*Task, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		tk, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}

func (t *pgTx) ListSystemPosted(excludePoster string, limit int) ([]*Task, error) {
	return t.listTasks(`
		SELECT `+taskCols+` FROM tasks
		WHERE is_system AND status = 'posted' AND poster_id <> $1
		ORDER BY created_at LIMIT $2`, excludePoster, limit)
}

// pickupGuards excludes own posts, the conflict rule and non-overlapping
// tags. Placeholders: $1 worker, $2 tag filter.
const pickupGuards = `
	AND t.poster_id <> $1
	AND NOT EXISTS (SELECT 1 FROM tasks s
		WHERE s.is_system AND s.worker_id = $1 AND s.parent_task_id = t.id)
	AND (cardinality($2::text[]) = 0 OR (t.tags || t.extracted_tags) && $2)`

func (t *pgTx) ListMatchedPosted(workerID string, tags []string, limit int) ([]*Task, error) {
	return t.listTasks(`
		SELECT `+prefixCols("t")+` FROM tasks t
		JOIN task_matches m ON m.task_id = t.id AND m.agent_id = $1
		WHERE t.status = 'posted' AND NOT t.is_system
			AND t.match_status = 'matched'`+pickupGuards+`
		ORDER BY m.rank, t.created_at LIMIT $3`,
		workerID, pq.Array(lowered(tags)), limit)
}

func (t *pgTx) ListBroadcastPosted(workerID string, tags []string, limit int) ([]*Task, error) {
	return t.listTasks(`
		SELECT `+prefixCols("t")+` FROM tasks t
		WHERE t.status = 'posted' AND NOT t.is_system
			AND t.match_status IN ('broadcast', 'pending')`+pickupGuards+`
		ORDER BY t.created_at LIMIT $3`,
		workerID, pq.Array(lowered(tags)), limit)
}

func (t *pgTx) ListUnattachedPosted(workerID string, tags []string, limit int) ([]*Task, error) {
	return t.listTasks(`
		SELECT `+prefixCols("t")+` FROM tasks t
		WHERE t.status = 'posted' AND NOT t.is_system
			AND t.match_status = ''`+pickupGuards+`
		ORDER BY t.created_at LIMIT $3`,
		workerID, pq.Array(lowered(tags)), limit)
}

func (t *pgTx) ListMine(agentID, role string, status Status, limit, offset int) ([]*Task, int, error) {
	clause := `NOT is_system AND ($2 = '' OR status = $2)`
	switch role {
	case "poster":
		clause += ` AND poster_id = $1`
	case "worker":
		clause += ` AND worker_id = $1`
	default:
		clause += ` AND (poster_id = $1 OR worker_id = $1)`
	}
	var total int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT count(*) FROM tasks WHERE `+clause, agentID, string(status)).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	out, err := t.listTasks(`
		SELECT `+taskCols+` FROM tasks WHERE `+clause+`
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		agentID, string(status), limit, offset)
	return out, total, err
}

// --- reclaimer scans ---

func (t *pgTx) ListPostedExpired(now time.Time) ([]*Task, error) {
	return t.listTasks(`
		SELECT `+taskCols+` FROM tasks
		WHERE status = 'posted' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY created_at`, now)
}

func (t *pgTx) ListDeliveredRegular(before time.Time) ([]*Task, error) {
	return t.listTasks(`
		SELECT `+taskCols+` FROM tasks
		WHERE status = 'delivered' AND NOT is_system AND delivered_at < $1
		ORDER BY created_at`, before)
}

func (t *pgTx) ListMatchPendingExpired(now time.Time) ([]*Task, error) {
	return t.listTasks(`
		SELECT `+taskCols+` FROM tasks
		WHERE status = 'posted' AND match_status = 'pending'
			AND match_deadline IS NOT NULL AND match_deadline < $1
		ORDER BY created_at`, now)
}

func (t *pgTx) ListClaimTimedOut(now time.Time) ([]*Task, error) {
	return t.listTasks(`
		SELECT `+taskCols+` FROM tasks
		WHERE status = 'claimed' AND NOT is_system
			AND claim_deadline IS NOT NULL AND claim_deadline < $1
			AND (rejection_grace_deadline IS NULL OR rejection_grace_deadline < $1)
		ORDER BY created_at`, now)
}

func (t *pgTx) ListGraceExpired(now time.Time) ([]*Task, error) {
	return t.listTasks(`
		SELECT `+taskCols+` FROM tasks
		WHERE status = 'claimed'
			AND rejection_grace_deadline IS NOT NULL AND rejection_grace_deadline < $1
		ORDER BY created_at`, now)
}

func (t *pgTx) ListDeliveredSystem(before time.Time) ([]*Task, error) {
	return t.listTasks(`
		SELECT `+taskCols+` FROM tasks
		WHERE status = 'delivered' AND is_system AND delivered_at < $1
		ORDER BY created_at`, before)
}

func (t *pgTx) ListVerificationExpired(now time.Time) ([]*Task, error) {
	return t.listTasks(`
		SELECT `+taskCols+` FROM tasks
		WHERE status = 'delivered' AND verification_status = 'pending'
			AND verification_deadline IS NOT NULL AND verification_deadline < $1
		ORDER BY created_at`, now)
}

func (t *pgTx) CountStaleGraceDeadlines() (int, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT count(*) FROM tasks
		WHERE rejection_grace_deadline IS NOT NULL AND status <> 'claimed'`).Scan(&n)
	return n, err
}

func (t *pgTx) CountOverdueClaimedSystem(before time.Time) (int, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT count(*) FROM tasks
		WHERE is_system AND status = 'claimed' AND claimed_at < $1`, before).Scan(&n)
	return n, err
}

// --- ledger ---

func (t *pgTx) AppendLedger(e *LedgerEntry) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO credit_ledger (id, agent_id, amount, reason, task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.AgentID, e.Amount, e.Reason, e.TaskID, e.CreatedAt)
	return err
}

func (t *pgTx) Ledger(agentID string, offset, limit int) ([]*LedgerEntry, int, error) {
	var total int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT count(*) FROM credit_ledger WHERE agent_id = $1`, agentID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, agent_id, amount, reason, task_id, created_at
		FROM credit_ledger WHERE agent_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Amount, &e.Reason, &e.TaskID,
			&e.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

func (t *pgTx) SumLedgerForTask(taskID string) (int, error) {
	var sum int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT coalesce(sum(amount), 0) FROM credit_ledger WHERE task_id = $1`,
		taskID).Scan(&sum)
	return sum, err
}

// --- matches / ratings / reports ---

func (t *pgTx) InsertMatch(m *TaskMatch) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO task_matches (id, task_id, agent_id, rank, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id, agent_id) DO NOTHING`,
		m.ID, m.TaskID, m.AgentID, m.Rank, m.CreatedAt)
	return err
}

func (t *pgTx) InsertRating(r *Rating) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ratings (id, task_id, rater_id, rated_id, score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id, rater_id) DO NOTHING`,
		r.ID, r.TaskID, r.RaterID, r.RatedID, r.Score, r.CreatedAt)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (t *pgTx) AvgRating(agentID string) (float64, bool, error) {
	var avg sql.NullFloat64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT avg(score) FROM ratings WHERE rated_id = $1`, agentID).Scan(&avg)
	if err != nil {
		return 0, false, err
	}
	return avg.Float64, avg.Valid, nil
}

func (t *pgTx) InsertReport(r *Report) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO reports (id, task_id, reporter_id, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.TaskID, r.ReporterID, r.Reason, r.Status, r.CreatedAt)
	return err
}

// --- helpers ---

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func lowered(tags []string) []string {
	out := make([]string, len(tags))
	for i, s := range tags {
		out[i] = strings.ToLower(s)
	}
	return out
}

// prefixCols qualifies the task column list with a table alias.
func prefixCols(alias string) string {
	out := make([]byte, 0, len(taskCols)*2)
	start := true
	for i := 0; i < len(taskCols); i++ {
		c := taskCols[i]
		if start && c != ' ' && c != '\n' && c != '\t' {
			out = append(out, alias...)
			out = append(out, '.')
			start = false
		}
		out = append(out, c)
		if c == ',' {
			start = true
		}
	}
	return string(out)
}

var _ Store = (*Postgres)(nil)
var _ Tx = (*pgTx)(nil)
