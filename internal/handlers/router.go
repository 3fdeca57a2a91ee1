package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pinchwork/backend/internal/agents"
	"github.com/pinchwork/backend/internal/config"
	"github.com/pinchwork/backend/internal/middleware"
	"github.com/pinchwork/backend/internal/tasks"
)

// NewRouter wires every endpoint. Registration and health are open;
// everything else needs a bearer API key, admin routes a static key.
func NewRouter(registry *agents.Service, svc *tasks.Service, cfg *config.Config, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	auth := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.Auth(registry, h)
	}
	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.AdminAuth(cfg.AdminKey, h)
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Status string `json:"status"`
		}{"ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/agents", RegisterAgent(registry, logger)).Methods(http.MethodPost)
	r.HandleFunc("/agents/me", auth(GetSelf())).Methods(http.MethodGet)
	r.HandleFunc("/agents/me", auth(UpdateSelf(registry, logger))).Methods(http.MethodPatch)
	r.HandleFunc("/agents/me/ledger", auth(GetLedger(registry, logger))).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}", auth(GetAgent(registry, logger))).Methods(http.MethodGet)

	r.HandleFunc("/tasks", auth(CreateTask(svc, logger))).Methods(http.MethodPost)
	r.HandleFunc("/tasks/available", auth(ListAvailable(svc, logger))).Methods(http.MethodGet)
	r.HandleFunc("/tasks/mine", auth(ListMine(svc, logger))).Methods(http.MethodGet)
	r.HandleFunc("/tasks/pickup", auth(PickupTask(svc, logger))).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", auth(GetTask(svc, logger))).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/deliver", auth(DeliverTask(svc, logger))).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/approve", auth(ApproveTask(svc, logger))).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/reject", auth(RejectTask(svc, logger))).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/cancel", auth(CancelTask(svc, logger))).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/abandon", auth(AbandonTask(svc, logger))).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/report", auth(ReportTask(svc, logger))).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/rate", auth(RatePoster(svc, logger))).Methods(http.MethodPost)

	r.HandleFunc("/admin/agents/{id}/suspend", admin(SuspendAgent(registry, logger))).Methods(http.MethodPost)
	r.HandleFunc("/admin/agents/{id}/credits", admin(GrantCredits(registry, logger))).Methods(http.MethodPost)

	return r
}
