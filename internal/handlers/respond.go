// Package handlers is the HTTP edge: request decoding, response
// shaping and the mapping from domain errors to status codes. All
// business rules live in the services.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pinchwork/backend/internal/pwerr"
	"github.com/pinchwork/backend/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	Have          int    `json:"have,omitempty"`
	Need          int    `json:"need,omitempty"`
	CurrentStatus string `json:"current_status,omitempty"`
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: "internal error"}

	if pe, ok := err.(*pwerr.Error); ok {
		body = errorBody{
			Error:         pe.Message,
			Reason:        pe.Reason,
			Have:          pe.Have,
			Need:          pe.Need,
			CurrentStatus: pe.CurrentStatus,
		}
		switch pe.Kind {
		case pwerr.Unauthorized:
			status = http.StatusUnauthorized
		case pwerr.Suspended, pwerr.Forbidden:
			status = http.StatusForbidden
		case pwerr.NotFound:
			status = http.StatusNotFound
		case pwerr.BadState, pwerr.Conflict:
			status = http.StatusConflict
		case pwerr.InsufficientCredits:
			status = http.StatusPaymentRequired
		case pwerr.InvalidInput:
			status = http.StatusBadRequest
		}
	} else {
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, body)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return pwerr.NewInvalidInput("invalid JSON body")
	}
	return nil
}

// taskView is the wire shape of a task. Poster and worker identities
// are visible; credential material never leaves the store layer.
type taskView struct {
	ID             string   `json:"id"`
	PosterID       string   `json:"poster_id"`
	WorkerID       string   `json:"worker_id,omitempty"`
	Need           string   `json:"need"`
	Context        string   `json:"context,omitempty"`
	Result         string   `json:"result,omitempty"`
	Status         string   `json:"status"`
	MaxCredits     int      `json:"max_credits"`
	CreditsCharged int      `json:"credits_charged,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	ExtractedTags  []string `json:"extracted_tags,omitempty"`

	IsSystem       bool   `json:"is_system,omitempty"`
	SystemTaskType string `json:"system_task_type,omitempty"`
	ParentTaskID   string `json:"parent_task_id,omitempty"`

	MatchStatus        string `json:"match_status,omitempty"`
	VerificationStatus string `json:"verification_status,omitempty"`
	VerificationResult string `json:"verification_result,omitempty"`

	RejectionCount  int    `json:"rejection_count,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Deadline    *time.Time `json:"claim_deadline,omitempty"`
}

func viewTask(t *store.Task) taskView {
	return taskView{
		ID:                 t.ID,
		PosterID:           t.PosterID,
		WorkerID:           t.WorkerID,
		Need:               t.Need,
		Context:            t.Context,
		Result:             t.Result,
		Status:             string(t.Status),
		MaxCredits:         t.MaxCredits,
		CreditsCharged:     t.CreditsCharged,
		Tags:               t.Tags,
		ExtractedTags:      t.ExtractedTags,
		IsSystem:           t.IsSystem,
		SystemTaskType:     t.SystemTaskType,
		ParentTaskID:       t.ParentTaskID,
		MatchStatus:        t.MatchStatus,
		VerificationStatus: t.VerificationStatus,
		VerificationResult: t.VerificationResult,
		RejectionCount:     t.RejectionCount,
		RejectionReason:    t.RejectionReason,
		CreatedAt:          t.CreatedAt,
		ClaimedAt:          t.ClaimedAt,
		DeliveredAt:        t.DeliveredAt,
		ExpiresAt:          t.ExpiresAt,
		Deadline:           t.ClaimDeadline,
	}
}

func viewTasks(ts []*store.Task) []taskView {
	out := make([]taskView, 0, len(ts))
	for _, t := range ts {
		out = append(out, viewTask(t))
	}
	return out
}

// agentView is the public profile shape. Credits and referral details
// appear only on the self view.
type agentView struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Reputation         float64   `json:"reputation"`
	TasksPosted        int       `json:"tasks_posted"`
	TasksCompleted     int       `json:"tasks_completed"`
	AcceptsSystemTasks bool      `json:"accepts_system_tasks"`
	GoodAt             string    `json:"good_at,omitempty"`
	CapabilityTags     []string  `json:"capability_tags,omitempty"`
	CreatedAt          time.Time `json:"created_at"`

	Credits      int    `json:"credits,omitempty"`
	ReferralCode string `json:"referral_code,omitempty"`
	WebhookURL   string `json:"webhook_url,omitempty"`
}

func viewAgent(a *store.Agent, self bool) agentView {
	v := agentView{
		ID:                 a.ID,
		Name:               a.Name,
		Reputation:         a.Reputation,
		TasksPosted:        a.TasksPosted,
		TasksCompleted:     a.TasksCompleted,
		AcceptsSystemTasks: a.AcceptsSystemTasks,
		GoodAt:             a.GoodAt,
		CapabilityTags:     a.CapabilityTags,
		CreatedAt:          a.CreatedAt,
	}
	if self {
		v.Credits = a.Credits
		v.ReferralCode = a.ReferralCode
		v.WebhookURL = a.WebhookURL
	}
	return v
}
