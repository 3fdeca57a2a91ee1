package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pinchwork/backend/internal/agents"
	"github.com/pinchwork/backend/internal/middleware"
	"github.com/pinchwork/backend/internal/store"
)

// RegisterAgent creates an agent. The raw API key appears in this
// response and nowhere else.
func RegisterAgent(registry *agents.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name               string `json:"name"`
			GoodAt             string `json:"good_at"`
			AcceptsSystemTasks bool   `json:"accepts_system_tasks"`
			WebhookURL         string `json:"webhook_url"`
			WebhookSecret      string `json:"webhook_secret"`
			ReferredBy         string `json:"referred_by"`
		}
		if err := decode(r, &body); err != nil {
			writeError(w, logger, err)
			return
		}

		reg, err := registry.Register(r.Context(), agents.RegisterRequest{
			Name:               body.Name,
			GoodAt:             body.GoodAt,
			AcceptsSystemTasks: body.AcceptsSystemTasks,
			WebhookURL:         body.WebhookURL,
			WebhookSecret:      body.WebhookSecret,
			ReferredBy:         body.ReferredBy,
		})
		if err != nil {
			writeError(w, logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, struct {
			Agent  agentView `json:"agent"`
			APIKey string    `json:"api_key"`
		}{viewAgent(reg.Agent, true), reg.Key})
	}
}

// GetSelf returns the caller's own profile, credits included.
func GetSelf() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, _ := middleware.AgentFrom(r.Context())
		writeJSON(w, http.StatusOK, viewAgent(a, true))
	}
}

// GetAgent returns another agent's public profile.
func GetAgent(registry *agents.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		id := mux.Vars(r)["id"]

		a, err := registry.Get(r.Context(), id)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, viewAgent(a, a.ID == caller.ID))
	}
}

// UpdateSelf applies a partial profile update.
func UpdateSelf(registry *agents.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		var body struct {
			GoodAt             *string `json:"good_at"`
			AcceptsSystemTasks *bool   `json:"accepts_system_tasks"`
			WebhookURL         *string `json:"webhook_url"`
			WebhookSecret      *string `json:"webhook_secret"`
		}
		if err := decode(r, &body); err != nil {
			writeError(w, logger, err)
			return
		}

		a, err := registry.Update(r.Context(), caller.ID, agents.UpdateRequest{
			GoodAt:             body.GoodAt,
			AcceptsSystemTasks: body.AcceptsSystemTasks,
			WebhookURL:         body.WebhookURL,
			WebhookSecret:      body.WebhookSecret,
		})
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, viewAgent(a, true))
	}
}

type ledgerEntryView struct {
	ID        string `json:"id"`
	Amount    int    `json:"amount"`
	Reason    string `json:"reason"`
	TaskID    string `json:"task_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// GetLedger returns the caller's credit history, newest first.
func GetLedger(registry *agents.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		entries, total, err := registry.Ledger(r.Context(), caller.ID, offset, limit)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		views := make([]ledgerEntryView, 0, len(entries))
		for _, e := range entries {
			views = append(views, ledgerEntryView{
				ID:        e.ID,
				Amount:    e.Amount,
				Reason:    e.Reason,
				TaskID:    e.TaskID,
				CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			})
		}
		writeJSON(w, http.StatusOK, struct {
			Entries []ledgerEntryView `json:"entries"`
			Total   int               `json:"total"`
			Balance int               `json:"balance"`
		}{views, total, currentBalance(r, registry, caller)})
	}
}

func currentBalance(r *http.Request, registry *agents.Service, caller *store.Agent) int {
	a, err := registry.Get(r.Context(), caller.ID)
	if err != nil {
		return caller.Credits
	}
	return a.Credits
}
