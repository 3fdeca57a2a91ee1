package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pinchwork/backend/internal/credits"
	"github.com/pinchwork/backend/internal/events"
	"github.com/pinchwork/backend/internal/ids"
	"github.com/pinchwork/backend/internal/store"
)

// verifyPayload is the need of a verify_completion task.
type verifyPayload struct {
	TaskID string `json:"task_id"`
	Need   string `json:"need"`
	Result string `json:"result"`
}

type verifyResult struct {
	MeetsRequirements bool   `json:"meets_requirements"`
	Explanation       string `json:"explanation,omitempty"`
}

// maybeSpawnVerification posts a verify_completion task for a fresh
// delivery when a third-party infra agent exists to run it. The worker
// and poster of the parent can never verify it.
func (s *Service) maybeSpawnVerification(tx store.Tx, t *store.Task, now time.Time) error {
	infra, err := tx.ListInfraAgents(t.PosterID)
	if err != nil {
		return fmt.Errorf("list infra agents: %w", err)
	}
	available := false
	for _, a := range infra {
		if a.ID != t.WorkerID {
			available = true
			break
		}
	}
	if !available {
		return nil
	}

	need, err := json.Marshal(verifyPayload{TaskID: t.ID, Need: t.Need, Result: t.Result})
	if err != nil {
		return fmt.Errorf("marshal verify payload: %w", err)
	}
	deadline := now.Add(time.Duration(s.cfg.VerificationTimeoutSeconds) * time.Second)
	sys := &store.Task{
		ID:             ids.TaskID(),
		PosterID:       s.cfg.PlatformAgentID,
		Need:           string(need),
		Status:         store.StatusPosted,
		MaxCredits:     s.cfg.VerifyCredits,
		IsSystem:       true,
		SystemTaskType: store.SystemVerifyCompletion,
		ParentTaskID:   t.ID,
		CreatedAt:      now,
		ExpiresAt:      &deadline,
	}
	if err := tx.InsertTask(sys); err != nil {
		return fmt.Errorf("insert verify task: %w", err)
	}

	t.VerificationStatus = store.VerificationPending
	t.VerificationDeadline = &deadline
	return tx.UpdateTaskMeta(t)
}

// absorbVerifyResult applies a verifier's verdict. A pass approves the
// parent on the spot with the usual payout path; a fail (or garbage
// output) leaves the delivery for the poster's review.
func (s *Service) absorbVerifyResult(tx store.Tx, sys *store.Task, now time.Time, fired *[]*events.Event) error {
	parent, err := tx.GetTask(sys.ParentTaskID)
	if err != nil {
		return err
	}
	if parent == nil || parent.VerificationStatus != store.VerificationPending {
		return nil
	}

	var res verifyResult
	passed := false
	if err := json.Unmarshal([]byte(sys.Result), &res); err != nil {
		blob, _ := json.Marshal(verifyResult{
			MeetsRequirements: false,
			Explanation:       "verifier returned an unparseable result",
		})
		parent.VerificationResult = string(blob)
	} else {
		parent.VerificationResult = sys.Result
		passed = res.MeetsRequirements
	}

	if passed {
		parent.VerificationStatus = store.VerificationPassed
	} else {
		parent.VerificationStatus = store.VerificationFailed
	}
	parent.VerificationDeadline = nil
	if err := tx.UpdateTaskMeta(parent); err != nil {
		return err
	}

	if passed && parent.Status == store.StatusDelivered {
		if err := s.finalizeApproval(tx, parent, now); err != nil {
			return err
		}
		*fired = append(*fired, events.New(events.TaskApproved, parent.ID,
			parent.PosterID, parent.WorkerID))
	}
	return nil
}

// finalizeSystemApproval pays out a delivered system task. System
// tasks carry no escrow, so the payout is minted rather than released.
func (s *Service) finalizeSystemApproval(tx store.Tx, t *store.Task, now time.Time) error {
	ok, err := tx.MarkApproved(t.ID)
	if err != nil {
		return fmt.Errorf("approve system task: %w", err)
	}
	if !ok {
		return nil
	}
	t.Status = store.StatusApproved
	if err := credits.ReleaseToWorker(tx, t.WorkerID, t.CreditsCharged, t.ID, now); err != nil {
		return err
	}
	return tx.IncTasksCompleted(t.WorkerID)
}
