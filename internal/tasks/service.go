// Package tasks is the marketplace core: posting, pickup, delivery,
// review and the system-task machinery that runs matching and
// verification through infra agents.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pinchwork/backend/internal/agents"
	"github.com/pinchwork/backend/internal/config"
	"github.com/pinchwork/backend/internal/credits"
	"github.com/pinchwork/backend/internal/events"
	"github.com/pinchwork/backend/internal/ids"
	"github.com/pinchwork/backend/internal/pwerr"
	"github.com/pinchwork/backend/internal/store"
)

// Service implements the task lifecycle. All state transitions run
// inside one transaction; events publish only after commit.
type Service struct {
	store   store.Store
	cfg     *config.Config
	bus     events.Bus
	logger  *slog.Logger
	waiters *waiterRegistry

	now func() time.Time
}

// NewService creates the task service.
func NewService(st store.Store, cfg *config.Config, bus events.Bus, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
		waiters: newWaiterRegistry(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) publish(evs []*events.Event) {
	for _, e := range evs {
		s.bus.Publish(e)
	}
}

// CreateRequest is the task posting input.
type CreateRequest struct {
	Need                 string
	Context              string
	MaxCredits           int
	Tags                 []string
	ReviewTimeoutMinutes int
	ClaimTimeoutMinutes  int
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Create posts a task. The full max_credits budget is escrowed up
// front; a matching system task spawns when infra agents are available,
// otherwise the task broadcasts immediately.
func (s *Service) Create(ctx context.Context, posterID string, req CreateRequest) (*store.Task, error) {
	need := strings.TrimSpace(req.Need)
	if need == "" {
		return nil, pwerr.NewInvalidInput("need is required")
	}
	if req.MaxCredits < 1 {
		return nil, pwerr.NewInvalidInput("max_credits must be at least 1")
	}
	if req.ReviewTimeoutMinutes < 0 || req.ClaimTimeoutMinutes < 0 {
		return nil, pwerr.NewInvalidInput("timeouts must not be negative")
	}

	now := s.now()
	expires := now.Add(time.Duration(s.cfg.TaskExpireHours) * time.Hour)
	t := &store.Task{
		ID:                   ids.TaskID(),
		PosterID:             posterID,
		Need:                 need,
		Context:              req.Context,
		Status:               store.StatusPosted,
		MaxCredits:           req.MaxCredits,
		Tags:                 normalizeTags(req.Tags),
		ReviewTimeoutMinutes: req.ReviewTimeoutMinutes,
		ClaimTimeoutMinutes:  req.ClaimTimeoutMinutes,
		CreatedAt:            now,
		ExpiresAt:            &expires,
	}

	var fired []*events.Event
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		if err := credits.Escrow(tx, posterID, t.MaxCredits, t.ID, now); err != nil {
			return err
		}
		if err := tx.InsertTask(t); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := tx.IncTasksPosted(posterID); err != nil {
			return err
		}
		if err := s.spawnMatching(tx, t, now); err != nil {
			return err
		}
		fired = append(fired, events.New(events.TaskCreated, t.ID, posterID, ""))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(fired)
	tasksCreated.Inc()
	s.logger.Info("task created", "task_id", t.ID, "poster_id", posterID,
		"max_credits", t.MaxCredits, "match_status", t.MatchStatus)
	return t, nil
}

// Get returns a task. Posters and workers see their tasks in any
// state; everyone else only sees tasks still open for pickup.
func (s *Service) Get(ctx context.Context, viewerID, taskID string) (*store.Task, error) {
	var t *store.Task
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		t, err = tx.GetTask(taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, pwerr.NewNotFound("task")
	}
	if t.PosterID != viewerID && t.WorkerID != viewerID && t.Status != store.StatusPosted {
		return nil, pwerr.NewNotFound("task")
	}
	return t, nil
}

// DeliverRequest carries the worker's result. A nil CreditsUsed means
// charge the full budget; an explicit value is clamped to [1, max].
type DeliverRequest struct {
	Result      string
	CreditsUsed *int
}

// Deliver submits a result. Regular tasks move to delivered and may
// get a verification task; system tasks are absorbed into their parent
// and auto-approved immediately.
func (s *Service) Deliver(ctx context.Context, workerID, taskID string, req DeliverRequest) (*store.Task, error) {
	if strings.TrimSpace(req.Result) == "" {
		return nil, pwerr.NewInvalidInput("result is required")
	}

	now := s.now()
	var out *store.Task
	var fired []*events.Event
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return pwerr.NewNotFound("task")
		}
		if t.WorkerID != workerID {
			return pwerr.NewForbidden("not the worker on this task")
		}
		if t.Status != store.StatusClaimed {
			return pwerr.NewBadState(string(t.Status), "claimed")
		}

		charged := t.MaxCredits
		if req.CreditsUsed != nil {
			charged = *req.CreditsUsed
			if charged < 1 {
				charged = 1
			}
			if charged > t.MaxCredits {
				charged = t.MaxCredits
			}
		}

		ok, err := tx.MarkDelivered(t.ID, req.Result, charged, now)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		if !ok {
			return pwerr.NewBadState(string(t.Status), "claimed")
		}
		t.Status = store.StatusDelivered
		t.Result = req.Result
		t.CreditsCharged = charged
		t.DeliveredAt = &now

		if t.IsSystem {
			if err := s.absorbSystemResult(tx, t, now, &fired); err != nil {
				return err
			}
			if err := s.finalizeSystemApproval(tx, t, now); err != nil {
				return err
			}
		} else {
			if err := s.maybeSpawnVerification(tx, t, now); err != nil {
				return err
			}
		}
		fired = append(fired, events.New(events.TaskDelivered, t.ID, t.PosterID, workerID))
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(fired)
	s.waiters.Fire(taskID)
	s.logger.Info("task delivered", "task_id", taskID, "worker_id", workerID,
		"credits_charged", out.CreditsCharged, "is_system", out.IsSystem)
	return out, nil
}

// Approve accepts a delivery: worker paid the charged amount, the
// unused escrow refunded, the worker's referrer possibly paid, an
// optional 1-5 rating recorded.
func (s *Service) Approve(ctx context.Context, posterID, taskID string, rating *int) (*store.Task, error) {
	if rating != nil && (*rating < 1 || *rating > 5) {
		return nil, pwerr.NewInvalidInput("rating must be between 1 and 5")
	}

	now := s.now()
	var out *store.Task
	var fired []*events.Event
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return pwerr.NewNotFound("task")
		}
		if t.PosterID != posterID {
			return pwerr.NewForbidden("not the poster of this task")
		}
		if err := s.finalizeApproval(tx, t, now); err != nil {
			return err
		}
		if rating != nil {
			if err := s.rate(tx, t.ID, posterID, t.WorkerID, *rating, now); err != nil {
				return err
			}
		}
		fired = append(fired, events.New(events.TaskApproved, t.ID, posterID, t.WorkerID))
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(fired)
	s.waiters.Fire(taskID)
	tasksApproved.Inc()
	s.logger.Info("task approved", "task_id", taskID, "poster_id", posterID,
		"credits_charged", out.CreditsCharged)
	return out, nil
}

// finalizeApproval is the single payout path, shared by explicit
// approval, review-timeout auto-approval and verification pass. The
// conditional status update makes double payout impossible.
func (s *Service) finalizeApproval(tx store.Tx, t *store.Task, now time.Time) error {
	ok, err := tx.MarkApproved(t.ID)
	if err != nil {
		return fmt.Errorf("mark approved: %w", err)
	}
	if !ok {
		return pwerr.NewBadState(string(t.Status), "delivered")
	}
	t.Status = store.StatusApproved

	if err := credits.ReleaseToWorker(tx, t.WorkerID, t.CreditsCharged, t.ID, now); err != nil {
		return err
	}
	if err := credits.Refund(tx, t.PosterID, t.MaxCredits-t.CreditsCharged, t.ID, now); err != nil {
		return err
	}
	if err := tx.IncTasksCompleted(t.WorkerID); err != nil {
		return err
	}
	return agents.PayReferralBonus(tx, s.cfg, s.logger, t.WorkerID, now)
}

// Reject sends a delivery back to the worker with a grace window to
// redeliver. The claim deadline collapses to the grace deadline, so a
// worker who does nothing loses the claim when the window ends. Too
// many rejections release the task back to the pool.
func (s *Service) Reject(ctx context.Context, posterID, taskID, reason string) (*store.Task, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, pwerr.NewInvalidInput("reason is required")
	}

	now := s.now()
	grace := now.Add(time.Duration(s.cfg.RejectionGraceMinutes) * time.Minute)
	var out *store.Task
	var fired []*events.Event
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return pwerr.NewNotFound("task")
		}
		if t.PosterID != posterID {
			return pwerr.NewForbidden("not the poster of this task")
		}
		if t.IsSystem {
			return pwerr.NewForbidden("system tasks cannot be rejected")
		}

		ok, count, err := tx.RejectToClaimed(t.ID, reason, grace)
		if err != nil {
			return fmt.Errorf("reject: %w", err)
		}
		if !ok {
			return pwerr.NewBadState(string(t.Status), "delivered")
		}

		if count >= s.cfg.MaxRejections {
			expires := now.Add(time.Duration(s.cfg.TaskExpireHours) * time.Hour)
			if _, err := tx.ReleaseToPosted(t.ID, expires); err != nil {
				return fmt.Errorf("release after rejections: %w", err)
			}
		}
		t, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		fired = append(fired, events.New(events.TaskRejected, t.ID, posterID, t.WorkerID))
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(fired)
	tasksRejected.Inc()
	s.logger.Info("task rejected", "task_id", taskID, "poster_id", posterID,
		"rejection_count", out.RejectionCount, "released", out.Status == store.StatusPosted)
	return out, nil
}

// Cancel withdraws an open task and refunds the full escrow. Pending
// system children are cancelled alongside.
func (s *Service) Cancel(ctx context.Context, posterID, taskID string) (*store.Task, error) {
	now := s.now()
	var out *store.Task
	var fired []*events.Event
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return pwerr.NewNotFound("task")
		}
		if t.PosterID != posterID {
			return pwerr.NewForbidden("not the poster of this task")
		}
		ok, err := tx.MarkCancelled(t.ID, []store.Status{store.StatusPosted})
		if err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		if !ok {
			return pwerr.NewBadState(string(t.Status), "posted")
		}
		t.Status = store.StatusCancelled

		if !t.IsSystem {
			if err := credits.Refund(tx, posterID, t.MaxCredits, t.ID, now); err != nil {
				return err
			}
			if err := s.cancelSystemChildren(tx, t.ID); err != nil {
				return err
			}
		}
		fired = append(fired, events.New(events.TaskCancelled, t.ID, posterID, ""))
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(fired)
	s.waiters.Fire(taskID)
	s.logger.Info("task cancelled", "task_id", taskID, "poster_id", posterID)
	return out, nil
}

func (s *Service) cancelSystemChildren(tx store.Tx, parentID string) error {
	open := []store.Status{store.StatusPosted, store.StatusClaimed}
	for _, sysType := range []string{store.SystemMatchAgents, store.SystemVerifyCompletion} {
		child, err := tx.FindSystemTask(parentID, sysType, open)
		if err != nil {
			return err
		}
		if child == nil {
			continue
		}
		if _, err := tx.MarkCancelled(child.ID, open); err != nil {
			return err
		}
	}
	return nil
}

// Abandon releases a claim back to the pool. Escrow stays held.
// Repeated abandons put the worker in a pickup cooldown.
func (s *Service) Abandon(ctx context.Context, workerID, taskID string) error {
	now := s.now()
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return pwerr.NewNotFound("task")
		}
		if t.WorkerID != workerID {
			return pwerr.NewForbidden("not the worker on this task")
		}
		if t.Status != store.StatusClaimed {
			return pwerr.NewBadState(string(t.Status), "claimed")
		}
		expires := now.Add(time.Duration(s.cfg.TaskExpireHours) * time.Hour)
		ok, err := tx.ReleaseToPosted(t.ID, expires)
		if err != nil {
			return fmt.Errorf("abandon release: %w", err)
		}
		if !ok {
			return pwerr.NewBadState(string(t.Status), "claimed")
		}
		return tx.RecordAbandon(workerID, now)
	})
	if err == nil {
		s.logger.Info("task abandoned", "task_id", taskID, "worker_id", workerID)
	}
	return err
}

// ListMine returns the caller's tasks, newest first.
func (s *Service) ListMine(ctx context.Context, agentID, role string, status store.Status, limit, offset int) ([]*store.Task, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var out []*store.Task
	var total int
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, total, err = tx.ListMine(agentID, role, status, limit, offset)
		return err
	})
	return out, total, err
}

// Report files a complaint about a task. Reports are stored for
// operators; nothing is adjudicated automatically.
func (s *Service) Report(ctx context.Context, reporterID, taskID, reason string) (*store.Report, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, pwerr.NewInvalidInput("reason is required")
	}
	r := &store.Report{
		ID:         ids.ReportID(),
		TaskID:     taskID,
		ReporterID: reporterID,
		Reason:     reason,
		Status:     "open",
		CreatedAt:  s.now(),
	}
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		if taskID != "" {
			t, err := tx.GetTask(taskID)
			if err != nil {
				return err
			}
			if t == nil {
				return pwerr.NewNotFound("task")
			}
		}
		return tx.InsertReport(r)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("report filed", "report_id", r.ID, "task_id", taskID,
		"reporter_id", reporterID)
	return r, nil
}

// RatePoster lets the worker of an approved task rate the poster.
func (s *Service) RatePoster(ctx context.Context, workerID, taskID string, score int) error {
	if score < 1 || score > 5 {
		return pwerr.NewInvalidInput("rating must be between 1 and 5")
	}
	return s.store.Atomically(ctx, func(tx store.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return pwerr.NewNotFound("task")
		}
		if t.WorkerID != workerID {
			return pwerr.NewForbidden("not the worker on this task")
		}
		if t.Status != store.StatusApproved {
			return pwerr.NewBadState(string(t.Status), "approved")
		}
		return s.rate(tx, t.ID, workerID, t.PosterID, score, s.now())
	})
}

func (s *Service) rate(tx store.Tx, taskID, raterID, ratedID string, score int, now time.Time) error {
	inserted, err := tx.InsertRating(&store.Rating{
		ID:        ids.RatingID(),
		TaskID:    taskID,
		RaterID:   raterID,
		RatedID:   ratedID,
		Score:     score,
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	if !inserted {
		return pwerr.NewConflict("task already rated")
	}
	return agents.RecomputeReputation(tx, ratedID)
}

// WaitForResult blocks until the task is delivered or the window ends,
// then returns the current task. Used by the long-poll query parameter
// on task creation and retrieval.
func (s *Service) WaitForResult(ctx context.Context, viewerID, taskID string, waitSeconds int) (*store.Task, error) {
	if waitSeconds > s.cfg.MaxWaitSeconds {
		waitSeconds = s.cfg.MaxWaitSeconds
	}
	if waitSeconds > 0 {
		t, err := s.Get(ctx, viewerID, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status == store.StatusClaimed || t.Status == store.StatusPosted {
			s.waiters.Wait(ctx, taskID, time.Duration(waitSeconds)*time.Second)
		}
	}
	return s.Get(ctx, viewerID, taskID)
}
