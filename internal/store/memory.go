package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. A single mutex serializes transactions,
// which is equivalent to serializable isolation; each transaction works
// on a deep copy and swaps it in on commit, so a failed fn rolls back.
type Memory struct {
	mu sync.Mutex

	agents  map[string]*Agent
	tasks   map[string]*Task
	ledger  []*LedgerEntry
	matches []*TaskMatch
	ratings []*Rating
	reports []*Report
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents: make(map[string]*Agent),
		tasks:  make(map[string]*Task),
	}
}

func (m *Memory) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := m.snapshot()
	if err := fn(tx); err != nil {
		return err
	}
	m.agents = tx.agents
	m.tasks = tx.tasks
	m.ledger = tx.ledger
	m.matches = tx.matches
	m.ratings = tx.ratings
	m.reports = tx.reports
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.snapshot())
}

func (m *Memory) Close() error { return nil }

func (m *Memory) snapshot() *memTx {
	tx := &memTx{
		agents:  make(map[string]*Agent, len(m.agents)),
		tasks:   make(map[string]*Task, len(m.tasks)),
		ledger:  make([]*LedgerEntry, len(m.ledger)),
		matches: make([]*TaskMatch, len(m.matches)),
		ratings: make([]*Rating, len(m.ratings)),
		reports: make([]*Report, len(m.reports)),
	}
	for id, a := range m.agents {
		tx.agents[id] = cloneAgent(a)
	}
	for id, t := range m.tasks {
		tx.tasks[id] = cloneTask(t)
	}
	copy(tx.ledger, m.ledger)
	copy(tx.matches, m.matches)
	copy(tx.ratings, m.ratings)
	copy(tx.reports, m.reports)
	return tx
}

func cloneAgent(a *Agent) *Agent {
	c := *a
	c.CapabilityTags = append([]string(nil), a.CapabilityTags...)
	c.LastAbandonAt = cloneTime(a.LastAbandonAt)
	return &c
}

func cloneTask(t *Task) *Task {
	c := *t
	c.Tags = append([]string(nil), t.Tags...)
	c.ExtractedTags = append([]string(nil), t.ExtractedTags...)
	c.MatchDeadline = cloneTime(t.MatchDeadline)
	c.VerificationDeadline = cloneTime(t.VerificationDeadline)
	c.RejectionGraceDeadline = cloneTime(t.RejectionGraceDeadline)
	c.ClaimDeadline = cloneTime(t.ClaimDeadline)
	c.ClaimedAt = cloneTime(t.ClaimedAt)
	c.DeliveredAt = cloneTime(t.DeliveredAt)
	c.ExpiresAt = cloneTime(t.ExpiresAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type memTx struct {
	agents  map[string]*Agent
	tasks   map[string]*Task
	ledger  []*LedgerEntry
	matches []*TaskMatch
	ratings []*Rating
	reports []*Report
}

// --- agents ---

func (tx *memTx) InsertAgent(a *Agent) error {
	tx.agents[a.ID] = cloneAgent(a)
	return nil
}

func (tx *memTx) GetAgent(id string) (*Agent, error) {
	a, ok := tx.agents[id]
	if !ok {
		return nil, nil
	}
	return cloneAgent(a), nil
}

func (tx *memTx) GetAgentByFingerprint(fp string) (*Agent, error) {
	for _, a := range tx.agents {
		if a.KeyFingerprint == fp {
			return cloneAgent(a), nil
		}
	}
	return nil, nil
}

func (tx *memTx) GetAgentByReferralCode(code string) (*Agent, error) {
	if code == "" {
		return nil, nil
	}
	for _, a := range tx.agents {
		if a.ReferralCode == code {
			return cloneAgent(a), nil
		}
	}
	return nil, nil
}

func (tx *memTx) UpdateAgentProfile(a *Agent) error {
	cur, ok := tx.agents[a.ID]
	if !ok {
		return nil
	}
	cur.GoodAt = a.GoodAt
	cur.AcceptsSystemTasks = a.AcceptsSystemTasks
	cur.CapabilityTags = append([]string(nil), a.CapabilityTags...)
	cur.Suspended = a.Suspended
	cur.SuspendReason = a.SuspendReason
	cur.WebhookURL = a.WebhookURL
	cur.WebhookSecret = a.WebhookSecret
	return nil
}

func (tx *memTx) DebitIf(agentID string, amount int) (bool, error) {
	a, ok := tx.agents[agentID]
	if !ok || a.Credits < amount {
		return false, nil
	}
	a.Credits -= amount
	return true, nil
}

func (tx *memTx) Credit(agentID string, amount int) error {
	if a, ok := tx.agents[agentID]; ok {
		a.Credits += amount
	}
	return nil
}

func (tx *memTx) IncTasksPosted(agentID string) error {
	if a, ok := tx.agents[agentID]; ok {
		a.TasksPosted++
	}
	return nil
}

func (tx *memTx) IncTasksCompleted(agentID string) error {
	if a, ok := tx.agents[agentID]; ok {
		a.TasksCompleted++
	}
	return nil
}

func (tx *memTx) RecordAbandon(agentID string, at time.Time) error {
	if a, ok := tx.agents[agentID]; ok {
		a.AbandonCount++
		a.LastAbandonAt = &at
	}
	return nil
}

func (tx *memTx) SetReputation(agentID string, rep float64) error {
	if a, ok := tx.agents[agentID]; ok {
		a.Reputation = rep
	}
	return nil
}

func (tx *memTx) MarkReferralBonusPaid(agentID string) (bool, error) {
	a, ok := tx.agents[agentID]
	if !ok || a.ReferralBonusPaid {
		return false, nil
	}
	a.ReferralBonusPaid = true
	return true, nil
}

func (tx *memTx) CountReferralBonuses(referrerID string) (int, error) {
	n := 0
	for _, e := range tx.ledger {
		if e.AgentID == referrerID && strings.HasPrefix(e.Reason, ReasonReferralPrefix) {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) ListInfraAgents(excludeID string) ([]*Agent, error) {
	var out []*Agent
	for _, a := range tx.agents {
		if a.AcceptsSystemTasks && a.ID != excludeID && !a.Suspended {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) ListAgentsWithSkills(excludeIDs ...string) ([]*Agent, error) {
	skip := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		skip[id] = true
	}
	var out []*Agent
	for _, a := range tx.agents {
		if a.GoodAt != "" && !skip[a.ID] && !a.Suspended {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) FilterExistingAgentIDs(ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := tx.agents[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

// --- tasks ---

func (tx *memTx) InsertTask(t *Task) error {
	tx.tasks[t.ID] = cloneTask(t)
	return nil
}

func (tx *memTx) GetTask(id string) (*Task, error) {
	t, ok := tx.tasks[id]
	if !ok {
		return nil, nil
	}
	return cloneTask(t), nil
}

func (tx *memTx) UpdateTaskMeta(t *Task) error {
	cur, ok := tx.tasks[t.ID]
	if !ok {
		return nil
	}
	cur.MatchStatus = t.MatchStatus
	cur.MatchDeadline = cloneTime(t.MatchDeadline)
	cur.VerificationStatus = t.VerificationStatus
	cur.VerificationResult = t.VerificationResult
	cur.VerificationDeadline = cloneTime(t.VerificationDeadline)
	cur.ExtractedTags = append([]string(nil), t.ExtractedTags...)
	cur.ExpiresAt = cloneTime(t.ExpiresAt)
	return nil
}

func (tx *memTx) ClaimTask(id, workerID string, now time.Time, claimDeadline *time.Time) (bool, error) {
	t, ok := tx.tasks[id]
	if !ok || t.Status != StatusPosted || t.WorkerID != "" {
		return false, nil
	}
	t.Status = StatusClaimed
	t.WorkerID = workerID
	at := now
	t.ClaimedAt = &at
	t.ClaimDeadline = cloneTime(claimDeadline)
	return true, nil
}

func (tx *memTx) MarkDelivered(id, result string, credits int, now time.Time) (bool, error) {
	t, ok := tx.tasks[id]
	if !ok || t.Status != StatusClaimed {
		return false, nil
	}
	t.Status = StatusDelivered
	t.Result = result
	t.CreditsCharged = credits
	at := now
	t.DeliveredAt = &at
	t.ClaimDeadline = nil
	return true, nil
}

func (tx *memTx) MarkApproved(id string) (bool, error) {
	t, ok := tx.tasks[id]
	if !ok || t.Status != StatusDelivered {
		return false, nil
	}
	t.Status = StatusApproved
	return true, nil
}

func (tx *memTx) MarkCancelled(id string, from []Status) (bool, error) {
	t, ok := tx.tasks[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if t.Status == s {
			t.Status = StatusCancelled
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) MarkExpired(id string) (bool, error) {
	t, ok := tx.tasks[id]
	if !ok || t.Status != StatusPosted {
		return false, nil
	}
	t.Status = StatusExpired
	return true, nil
}

func (tx *memTx) ReleaseToPosted(id string, newExpires time.Time) (bool, error) {
	t, ok := tx.tasks[id]
	if !ok || t.Status != StatusClaimed {
		return false, nil
	}
	t.Status = StatusPosted
	t.WorkerID = ""
	t.ClaimedAt = nil
	t.ClaimDeadline = nil
	t.DeliveredAt = nil
	t.RejectionGraceDeadline = nil
	t.MatchStatus = MatchBroadcast
	exp := newExpires
	t.ExpiresAt = &exp
	return true, nil
}

func (tx *memTx) RejectToClaimed(id, reason string, grace time.Time) (bool, int, error) {
	t, ok := tx.tasks[id]
	if !ok || t.Status != StatusDelivered {
		return false, 0, nil
	}
	t.Status = StatusClaimed
	t.Result = ""
	t.CreditsCharged = 0
	t.DeliveredAt = nil
	t.RejectionReason = reason
	t.RejectionCount++
	g := grace
	t.RejectionGraceDeadline = &g
	g2 := grace
	t.ClaimDeadline = &g2
	return true, t.RejectionCount, nil
}

func (tx *memTx) HasSystemConflict(parentID, workerID string) (bool, error) {
	for _, t := range tx.tasks {
		if t.IsSystem && t.WorkerID == workerID && t.ParentTaskID == parentID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) FindSystemTask(parentID, sysType string, statuses []Status) (*Task, error) {
	for _, t := range tx.tasks {
		if !t.IsSystem || t.ParentTaskID != parentID || t.SystemTaskType != sysType {
			continue
		}
		for _, s := range statuses {
			if t.Status == s {
				return cloneTask(t), nil
			}
		}
	}
	return nil, nil
}

// --- pickup / listing ---

func tagsIntersect(taskTags, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	set := make(map[string]bool, len(taskTags))
	for _, t := range taskTags {
		set[strings.ToLower(t)] = true
	}
	for _, f := range filter {
		if set[strings.ToLower(f)] {
			return true
		}
	}
	return false
}

func (tx *memTx) inConflictSet(taskID, workerID string) bool {
	ok, _ := tx.HasSystemConflict(taskID, workerID)
	return ok
}

func byCreatedAt(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

func (tx *memTx) ListSystemPosted(excludePoster string, limit int) ([]*Task, error) {
	var out []*Task
	for _, t := range tx.tasks {
		if t.IsSystem && t.Status == StatusPosted && t.PosterID != excludePoster {
			out = append(out, cloneTask(t))
		}
	}
	byCreatedAt(out)
	return capSlice(out, limit), nil
}

func (tx *memTx) ListMatchedPosted(workerID string, tags []string, limit int) ([]*Task, error) {
	rank := make(map[string]int)
	for _, m := range tx.matches {
		if m.AgentID == workerID {
			rank[m.TaskID] = m.Rank
		}
	}
	var out []*Task
	for _, t := range tx.tasks {
		if t.Status != StatusPosted || t.IsSystem || t.PosterID == workerID {
			continue
		}
		if t.MatchStatus != MatchMatched {
			continue
		}
		if _, ok := rank[t.ID]; !ok {
			continue
		}
		if tx.inConflictSet(t.ID, workerID) || !tagsIntersect(t.AllTags(), tags) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := rank[out[i].ID], rank[out[j].ID]
		if ri == rj {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return ri < rj
	})
	return capSlice(out, limit), nil
}

func (tx *memTx) listPostedByMatchStatus(workerID string, tags []string, limit int, want func(string) bool) ([]*Task, error) {
	var out []*Task
	for _, t := range tx.tasks {
		if t.Status != StatusPosted || t.IsSystem || t.PosterID == workerID {
			continue
		}
		if !want(t.MatchStatus) {
			continue
		}
		if tx.inConflictSet(t.ID, workerID) || !tagsIntersect(t.AllTags(), tags) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	byCreatedAt(out)
	return capSlice(out, limit), nil
}

func (tx *memTx) ListBroadcastPosted(workerID string, tags []string, limit int) ([]*Task, error) {
	return tx.listPostedByMatchStatus(workerID, tags, limit, func(ms string) bool {
		return ms == MatchBroadcast || ms == MatchPending
	})
}

func (tx *memTx) ListUnattachedPosted(workerID string, tags []string, limit int) ([]*Task, error) {
	return tx.listPostedByMatchStatus(workerID, tags, limit, func(ms string) bool {
		return ms == ""
	})
}

func (tx *memTx) ListMine(agentID, role string, status Status, limit, offset int) ([]*Task, int, error) {
	var out []*Task
	for _, t := range tx.tasks {
		if t.IsSystem {
			continue
		}
		asPoster := t.PosterID == agentID
		asWorker := t.WorkerID == agentID
		switch role {
		case "poster":
			if !asPoster {
				continue
			}
		case "worker":
			if !asWorker {
				continue
			}
		default:
			if !asPoster && !asWorker {
				continue
			}
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	return capSlice(out, limit), total, nil
}

func capSlice(ts []*Task, limit int) []*Task {
	if limit > 0 && len(ts) > limit {
		return ts[:limit]
	}
	return ts
}

// --- reclaimer scans ---

func (tx *memTx) collect(pred func(*Task) bool) []*Task {
	var out []*Task
	for _, t := range tx.tasks {
		if pred(t) {
			out = append(out, cloneTask(t))
		}
	}
	byCreatedAt(out)
	return out
}

func (tx *memTx) ListPostedExpired(now time.Time) ([]*Task, error) {
	return tx.collect(func(t *Task) bool {
		return t.Status == StatusPosted && t.ExpiresAt != nil && t.ExpiresAt.Before(now)
	}), nil
}

func (tx *memTx) ListDeliveredRegular(before time.Time) ([]*Task, error) {
	return tx.collect(func(t *Task) bool {
		return t.Status == StatusDelivered && !t.IsSystem &&
			t.DeliveredAt != nil && t.DeliveredAt.Before(before)
	}), nil
}

func (tx *memTx) ListMatchPendingExpired(now time.Time) ([]*Task, error) {
	return tx.collect(func(t *Task) bool {
		return t.Status == StatusPosted && t.MatchStatus == MatchPending &&
			t.MatchDeadline != nil && t.MatchDeadline.Before(now)
	}), nil
}

func (tx *memTx) ListClaimTimedOut(now time.Time) ([]*Task, error) {
	return tx.collect(func(t *Task) bool {
		return t.Status == StatusClaimed && !t.IsSystem &&
			t.ClaimDeadline != nil && t.ClaimDeadline.Before(now) &&
			(t.RejectionGraceDeadline == nil || t.RejectionGraceDeadline.Before(now))
	}), nil
}

func (tx *memTx) ListGraceExpired(now time.Time) ([]*Task, error) {
	return tx.collect(func(t *Task) bool {
		return t.Status == StatusClaimed &&
			t.RejectionGraceDeadline != nil && t.RejectionGraceDeadline.Before(now)
	}), nil
}

func (tx *memTx) ListDeliveredSystem(before time.Time) ([]*Task, error) {
	return tx.collect(func(t *Task) bool {
		return t.Status == StatusDelivered && t.IsSystem &&
			t.DeliveredAt != nil && t.DeliveredAt.Before(before)
	}), nil
}

func (tx *memTx) ListVerificationExpired(now time.Time) ([]*Task, error) {
	return tx.collect(func(t *Task) bool {
		return t.Status == StatusDelivered && t.VerificationStatus == VerificationPending &&
			t.VerificationDeadline != nil && t.VerificationDeadline.Before(now)
	}), nil
}

func (tx *memTx) CountStaleGraceDeadlines() (int, error) {
	n := 0
	for _, t := range tx.tasks {
		if t.RejectionGraceDeadline != nil && t.Status != StatusClaimed {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) CountOverdueClaimedSystem(before time.Time) (int, error) {
	n := 0
	for _, t := range tx.tasks {
		if t.IsSystem && t.Status == StatusClaimed &&
			t.ClaimedAt != nil && t.ClaimedAt.Before(before) {
			n++
		}
	}
	return n, nil
}

// --- ledger ---

func (tx *memTx) AppendLedger(e *LedgerEntry) error {
	c := *e
	tx.ledger = append(tx.ledger, &c)
	return nil
}

func (tx *memTx) Ledger(agentID string, offset, limit int) ([]*LedgerEntry, int, error) {
	var out []*LedgerEntry
	for _, e := range tx.ledger {
		if e.AgentID == agentID {
			c := *e
			out = append(out, &c)
		}
	}
	// Reverse chronological; ties resolved by insertion order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (tx *memTx) SumLedgerForTask(taskID string) (int, error) {
	sum := 0
	for _, e := range tx.ledger {
		if e.TaskID == taskID {
			sum += e.Amount
		}
	}
	return sum, nil
}

// --- matches / ratings / reports ---

func (tx *memTx) InsertMatch(m *TaskMatch) error {
	for _, existing := range tx.matches {
		if existing.TaskID == m.TaskID && existing.AgentID == m.AgentID {
			return nil
		}
	}
	c := *m
	tx.matches = append(tx.matches, &c)
	return nil
}

func (tx *memTx) InsertRating(r *Rating) (bool, error) {
	for _, existing := range tx.ratings {
		if existing.TaskID == r.TaskID && existing.RaterID == r.RaterID {
			return false, nil
		}
	}
	c := *r
	tx.ratings = append(tx.ratings, &c)
	return true, nil
}

func (tx *memTx) AvgRating(agentID string) (float64, bool, error) {
	sum, n := 0, 0
	for _, r := range tx.ratings {
		if r.RatedID == agentID {
			sum += r.Score
			n++
		}
	}
	if n == 0 {
		return 0, false, nil
	}
	return float64(sum) / float64(n), true, nil
}

func (tx *memTx) InsertReport(r *Report) error {
	c := *r
	tx.reports = append(tx.reports, &c)
	return nil
}

var _ Store = (*Memory)(nil)
var _ Tx = (*memTx)(nil)
