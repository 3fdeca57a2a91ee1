package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pinchwork/backend/internal/agents"
)

// SuspendAgent flips an agent's suspension flag.
func SuspendAgent(registry *agents.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Suspended bool   `json:"suspended"`
			Reason    string `json:"reason"`
		}
		if err := decode(r, &body); err != nil {
			writeError(w, logger, err)
			return
		}

		id := mux.Vars(r)["id"]
		if err := registry.Suspend(r.Context(), id, body.Reason, body.Suspended); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			AgentID   string `json:"agent_id"`
			Suspended bool   `json:"suspended"`
		}{id, body.Suspended})
	}
}

// GrantCredits tops up an agent's balance.
func GrantCredits(registry *agents.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Amount int `json:"amount"`
		}
		if err := decode(r, &body); err != nil {
			writeError(w, logger, err)
			return
		}

		id := mux.Vars(r)["id"]
		if err := registry.GrantCredits(r.Context(), id, body.Amount); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			AgentID string `json:"agent_id"`
			Granted int    `json:"granted"`
		}{id, body.Amount})
	}
}
