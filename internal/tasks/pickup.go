package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/pinchwork/backend/internal/events"
	"github.com/pinchwork/backend/internal/pwerr"
	"github.com/pinchwork/backend/internal/store"
)

// Pickup phases, in priority order. System work first so the matching
// and verification loops stay fast, then targeted matches, then the
// open pool, then tasks matching never looked at.
const (
	phaseSystem     = "system"
	phaseMatched    = "matched"
	phaseBroadcast  = "broadcast"
	phaseUnattached = "unattached"
	phaseTargeted   = "targeted"
)

const pickupScanLimit = 20

// PickupRequest selects work. TaskID targets one task; otherwise the
// phase walk runs, optionally narrowed by tags.
type PickupRequest struct {
	TaskID string
	Tags   []string
}

// Pickup claims the next available task for the worker. Returns nil
// when nothing is available.
func (s *Service) Pickup(ctx context.Context, workerID string, req PickupRequest) (*store.Task, error) {
	now := s.now()
	var claimed *store.Task
	var phase string
	var fired []*events.Event

	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		worker, err := tx.GetAgent(workerID)
		if err != nil {
			return err
		}
		if worker == nil {
			return pwerr.NewUnauthorized("unknown agent")
		}
		if s.inAbandonCooldown(worker, now) {
			return pwerr.NewConflict("pickup disabled: too many abandoned tasks, try again later")
		}

		if req.TaskID != "" {
			claimed, err = s.claimTargeted(tx, worker, req.TaskID, now)
			phase = phaseTargeted
		} else {
			claimed, phase, err = s.claimNext(tx, worker, req.Tags, now)
		}
		if err != nil || claimed == nil {
			return err
		}
		fired = append(fired, events.New(events.TaskClaimed, claimed.ID, claimed.PosterID, workerID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.publish(fired)
		pickupsByPhase.WithLabelValues(phase).Inc()
		s.logger.Info("task claimed", "task_id", claimed.ID, "worker_id", workerID,
			"phase", phase, "is_system", claimed.IsSystem)
	}
	return claimed, nil
}

func (s *Service) inAbandonCooldown(a *store.Agent, now time.Time) bool {
	if a.AbandonCount < s.cfg.MaxAbandonsBeforeCooldown || a.LastAbandonAt == nil {
		return false
	}
	cooldown := time.Duration(s.cfg.AbandonCooldownMinutes) * time.Minute
	return now.Sub(*a.LastAbandonAt) < cooldown
}

// claimDeadline computes the claim deadline for a task. System tasks
// carry none; their turnaround is policed by the auto-approve sweep
// and an overdue gauge instead.
func (s *Service) claimDeadline(t *store.Task, now time.Time) *time.Time {
	if t.IsSystem {
		return nil
	}
	minutes := t.ClaimTimeoutMinutes
	if minutes <= 0 {
		minutes = s.cfg.DefaultClaimTimeoutMinutes
	}
	dl := now.Add(time.Duration(minutes) * time.Minute)
	return &dl
}

// eligible applies the guards a candidate must pass regardless of how
// it was selected: no claiming your own post, no claiming the parent
// of a system task you worked, no verifying or matching your own work.
func (s *Service) eligible(tx store.Tx, worker *store.Agent, t *store.Task) (bool, error) {
	if t.PosterID == worker.ID {
		return false, nil
	}
	conflict, err := tx.HasSystemConflict(t.ID, worker.ID)
	if err != nil {
		return false, err
	}
	if conflict {
		return false, nil
	}
	if t.IsSystem {
		if !worker.AcceptsSystemTasks {
			return false, nil
		}
		if t.ParentTaskID != "" {
			parent, err := tx.GetTask(t.ParentTaskID)
			if err != nil {
				return false, err
			}
			if parent != nil && (parent.WorkerID == worker.ID || parent.PosterID == worker.ID) {
				return false, nil
			}
		}
	}
	return true, nil
}

func (s *Service) claimTargeted(tx store.Tx, worker *store.Agent, taskID string, now time.Time) (*store.Task, error) {
	t, err := tx.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, pwerr.NewNotFound("task")
	}
	if t.PosterID == worker.ID {
		return nil, pwerr.NewForbidden("cannot claim your own task")
	}
	ok, err := s.eligible(tx, worker, t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, pwerr.NewForbidden("not eligible for this task")
	}
	if t.Status != store.StatusPosted {
		return nil, pwerr.NewConflict("task is not available")
	}
	won, err := tx.ClaimTask(t.ID, worker.ID, now, s.claimDeadline(t, now))
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if !won {
		return nil, pwerr.NewConflict("task is not available")
	}
	t, err = tx.GetTask(t.ID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// claimNext walks the pickup phases and claims the first eligible
// candidate. The conditional claim means a lost race just moves on to
// the next candidate.
func (s *Service) claimNext(tx store.Tx, worker *store.Agent, tags []string, now time.Time) (*store.Task, string, error) {
	tags = normalizeTags(tags)
	type phaseList struct {
		name string
		list func() ([]*store.Task, error)
	}
	phases := []phaseList{
		{phaseSystem, func() ([]*store.Task, error) {
			if !worker.AcceptsSystemTasks {
				return nil, nil
			}
			return tx.ListSystemPosted(worker.ID, pickupScanLimit)
		}},
		{phaseMatched, func() ([]*store.Task, error) {
			return tx.ListMatchedPosted(worker.ID, tags, pickupScanLimit)
		}},
		{phaseBroadcast, func() ([]*store.Task, error) {
			return tx.ListBroadcastPosted(worker.ID, tags, pickupScanLimit)
		}},
		{phaseUnattached, func() ([]*store.Task, error) {
			return tx.ListUnattachedPosted(worker.ID, tags, pickupScanLimit)
		}},
	}

	for _, p := range phases {
		candidates, err := p.list()
		if err != nil {
			return nil, "", err
		}
		for _, t := range candidates {
			ok, err := s.eligible(tx, worker, t)
			if err != nil {
				return nil, "", err
			}
			if !ok {
				continue
			}
			won, err := tx.ClaimTask(t.ID, worker.ID, now, s.claimDeadline(t, now))
			if err != nil {
				return nil, "", fmt.Errorf("claim: %w", err)
			}
			if !won {
				continue
			}
			t, err = tx.GetTask(t.ID)
			if err != nil {
				return nil, "", err
			}
			return t, p.name, nil
		}
	}
	return nil, "", nil
}

// ListAvailable previews the pickup queue without claiming, in the
// same phase order a pickup would walk.
func (s *Service) ListAvailable(ctx context.Context, workerID string, tags []string, limit int) ([]*store.Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	tags = normalizeTags(tags)
	var out []*store.Task
	err := s.store.View(ctx, func(tx store.Tx) error {
		worker, err := tx.GetAgent(workerID)
		if err != nil {
			return err
		}
		if worker == nil {
			return pwerr.NewUnauthorized("unknown agent")
		}
		seen := make(map[string]bool)
		add := func(ts []*store.Task, err error) error {
			if err != nil {
				return err
			}
			for _, t := range ts {
				if len(out) >= limit || seen[t.ID] {
					continue
				}
				ok, err := s.eligible(tx, worker, t)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				seen[t.ID] = true
				out = append(out, t)
			}
			return nil
		}
		if worker.AcceptsSystemTasks {
			if err := add(tx.ListSystemPosted(worker.ID, limit)); err != nil {
				return err
			}
		}
		if err := add(tx.ListMatchedPosted(worker.ID, tags, limit)); err != nil {
			return err
		}
		if err := add(tx.ListBroadcastPosted(worker.ID, tags, limit)); err != nil {
			return err
		}
		return add(tx.ListUnattachedPosted(worker.ID, tags, limit))
	})
	return out, err
}
