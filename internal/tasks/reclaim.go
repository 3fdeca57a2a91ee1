package tasks

import (
	"context"
	"time"

	"github.com/pinchwork/backend/internal/credits"
	"github.com/pinchwork/backend/internal/events"
	"github.com/pinchwork/backend/internal/store"
)

// The reclaimer sweeps. Each candidate is re-checked and acted on in
// its own transaction, so one bad row never blocks the rest of a
// sweep and a row that changed since the scan is simply skipped by
// the conditional update.

// sweepEach scans candidates in a read transaction, then processes
// each in a write transaction. Returns how many rows were acted on.
func (s *Service) sweepEach(ctx context.Context, list func(tx store.Tx) ([]*store.Task, error),
	act func(tx store.Tx, t *store.Task) (bool, error)) (int, error) {

	var candidates []*store.Task
	if err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		candidates, err = list(tx)
		return err
	}); err != nil {
		return 0, err
	}

	acted := 0
	for _, c := range candidates {
		var did bool
		err := s.store.Atomically(ctx, func(tx store.Tx) error {
			t, err := tx.GetTask(c.ID)
			if err != nil {
				return err
			}
			if t == nil {
				return nil
			}
			did, err = act(tx, t)
			return err
		})
		if err != nil {
			s.logger.Error("sweep action failed", "task_id", c.ID, "error", err)
			continue
		}
		if did {
			acted++
		}
	}
	return acted, nil
}

// ExpirePosted expires posted tasks past their deadline and refunds
// the escrow.
func (s *Service) ExpirePosted(ctx context.Context, now time.Time) (int, error) {
	return s.sweepEach(ctx,
		func(tx store.Tx) ([]*store.Task, error) { return tx.ListPostedExpired(now) },
		func(tx store.Tx, t *store.Task) (bool, error) {
			ok, err := tx.MarkExpired(t.ID)
			if err != nil || !ok {
				return false, err
			}
			if !t.IsSystem {
				if err := credits.Refund(tx, t.PosterID, t.MaxCredits, t.ID, now); err != nil {
					return false, err
				}
			}
			s.bus.Publish(events.New(events.TaskExpired, t.ID, t.PosterID, ""))
			s.waiters.Fire(t.ID)
			return true, nil
		})
}

// AutoApproveDelivered approves deliveries whose review window lapsed
// without poster action. Deliveries with a verification in flight wait
// for the verifier or the verification-expiry sweep.
func (s *Service) AutoApproveDelivered(ctx context.Context, now time.Time) (int, error) {
	return s.sweepEach(ctx,
		func(tx store.Tx) ([]*store.Task, error) { return tx.ListDeliveredRegular(now) },
		func(tx store.Tx, t *store.Task) (bool, error) {
			if t.Status != store.StatusDelivered || t.DeliveredAt == nil {
				return false, nil
			}
			if t.VerificationStatus == store.VerificationPending {
				return false, nil
			}
			minutes := t.ReviewTimeoutMinutes
			if minutes <= 0 {
				minutes = s.cfg.DefaultReviewTimeoutMinutes
			}
			if now.Before(t.DeliveredAt.Add(time.Duration(minutes) * time.Minute)) {
				return false, nil
			}
			if err := s.finalizeApproval(tx, t, now); err != nil {
				return false, err
			}
			s.bus.Publish(events.New(events.TaskApproved, t.ID, t.PosterID, t.WorkerID))
			s.waiters.Fire(t.ID)
			return true, nil
		})
}

// ExpireMatching broadcasts tasks whose matcher never delivered and
// cancels the stale match task.
func (s *Service) ExpireMatching(ctx context.Context, now time.Time) (int, error) {
	return s.sweepEach(ctx,
		func(tx store.Tx) ([]*store.Task, error) { return tx.ListMatchPendingExpired(now) },
		func(tx store.Tx, t *store.Task) (bool, error) {
			if t.Status != store.StatusPosted || t.MatchStatus != store.MatchPending {
				return false, nil
			}
			if err := s.broadcastParent(tx, t); err != nil {
				return false, err
			}
			open := []store.Status{store.StatusPosted, store.StatusClaimed}
			child, err := tx.FindSystemTask(t.ID, store.SystemMatchAgents, open)
			if err != nil {
				return false, err
			}
			if child != nil {
				if _, err := tx.MarkCancelled(child.ID, open); err != nil {
					return false, err
				}
			}
			return true, nil
		})
}

// ExpireClaims releases claims whose deadline lapsed. System tasks are
// exempt: they have no claim deadline and are watched by a gauge
// instead. A rejection grace window still in the future suppresses
// the release.
func (s *Service) ExpireClaims(ctx context.Context, now time.Time) (int, error) {
	return s.sweepEach(ctx,
		func(tx store.Tx) ([]*store.Task, error) { return tx.ListClaimTimedOut(now) },
		s.releaseClaim(now))
}

// ExpireGrace releases claims whose rejection grace window lapsed
// without a redelivery.
func (s *Service) ExpireGrace(ctx context.Context, now time.Time) (int, error) {
	return s.sweepEach(ctx,
		func(tx store.Tx) ([]*store.Task, error) { return tx.ListGraceExpired(now) },
		s.releaseClaim(now))
}

func (s *Service) releaseClaim(now time.Time) func(tx store.Tx, t *store.Task) (bool, error) {
	return func(tx store.Tx, t *store.Task) (bool, error) {
		if t.Status != store.StatusClaimed {
			return false, nil
		}
		expires := now.Add(time.Duration(s.cfg.TaskExpireHours) * time.Hour)
		ok, err := tx.ReleaseToPosted(t.ID, expires)
		if err != nil || !ok {
			return false, err
		}
		return true, nil
	}
}

// ExpireVerification fails verifications whose verifier never
// delivered, unblocking the review-timeout path, and cancels the
// stale verify task.
func (s *Service) ExpireVerification(ctx context.Context, now time.Time) (int, error) {
	return s.sweepEach(ctx,
		func(tx store.Tx) ([]*store.Task, error) { return tx.ListVerificationExpired(now) },
		func(tx store.Tx, t *store.Task) (bool, error) {
			if t.VerificationStatus != store.VerificationPending {
				return false, nil
			}
			t.VerificationStatus = store.VerificationFailed
			t.VerificationDeadline = nil
			if err := tx.UpdateTaskMeta(t); err != nil {
				return false, err
			}
			open := []store.Status{store.StatusPosted, store.StatusClaimed}
			child, err := tx.FindSystemTask(t.ID, store.SystemVerifyCompletion, open)
			if err != nil {
				return false, err
			}
			if child != nil {
				if _, err := tx.MarkCancelled(child.ID, open); err != nil {
					return false, err
				}
			}
			return true, nil
		})
}

// AutoApproveSystem is the safety net for system tasks delivered but
// not finalized in the delivery transaction.
func (s *Service) AutoApproveSystem(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(s.cfg.SystemTaskAutoApproveSecs) * time.Second)
	return s.sweepEach(ctx,
		func(tx store.Tx) ([]*store.Task, error) { return tx.ListDeliveredSystem(cutoff) },
		func(tx store.Tx, t *store.Task) (bool, error) {
			if t.Status != store.StatusDelivered {
				return false, nil
			}
			before := t.Status
			if err := s.finalizeSystemApproval(tx, t, now); err != nil {
				return false, err
			}
			if before != t.Status {
				s.waiters.Fire(t.ID)
				return true, nil
			}
			return false, nil
		})
}

// Observables reports the two watched anomaly counts: grace deadlines
// left behind on tasks that moved on, and claimed system tasks held
// past the normal turnaround.
func (s *Service) Observables(ctx context.Context, now time.Time) (staleGrace, overdueSystem int, err error) {
	cutoff := now.Add(-time.Duration(s.cfg.DefaultClaimTimeoutMinutes) * time.Minute)
	err = s.store.View(ctx, func(tx store.Tx) error {
		var err error
		if staleGrace, err = tx.CountStaleGraceDeadlines(); err != nil {
			return err
		}
		overdueSystem, err = tx.CountOverdueClaimedSystem(cutoff)
		return err
	})
	return staleGrace, overdueSystem, err
}
