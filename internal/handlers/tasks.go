package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/pinchwork/backend/internal/middleware"
	"github.com/pinchwork/backend/internal/store"
	"github.com/pinchwork/backend/internal/tasks"
)

func waitSeconds(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("wait"))
	if n < 0 {
		return 0
	}
	return n
}

func queryTags(r *http.Request) []string {
	raw := r.URL.Query().Get("tags")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// CreateTask posts a task. A wait query parameter turns the call into
// a long poll that returns once the result lands or the window ends.
func CreateTask(svc *tasks.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		var body struct {
			Need                 string   `json:"need"`
			Context              string   `json:"context"`
			MaxCredits           int      `json:"max_credits"`
			Tags                 []string `json:"tags"`
			ReviewTimeoutMinutes int      `json:"review_timeout_minutes"`
			ClaimTimeoutMinutes  int      `json:"claim_timeout_minutes"`
		}
		if err := decode(r, &body); err != nil {
			writeError(w, logger, err)
			return
		}

		t, err := svc.Create(r.Context(), caller.ID, tasks.CreateRequest{
			Need:                 body.Need,
			Context:              body.Context,
			MaxCredits:           body.MaxCredits,
			Tags:                 body.Tags,
			ReviewTimeoutMinutes: body.ReviewTimeoutMinutes,
			ClaimTimeoutMinutes:  body.ClaimTimeoutMinutes,
		})
		if err != nil {
			writeError(w, logger, err)
			return
		}

		if wait := waitSeconds(r); wait > 0 {
			t, err = svc.WaitForResult(r.Context(), caller.ID, t.ID, wait)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, viewTask(t))
			return
		}
		writeJSON(w, http.StatusCreated, viewTask(t))
	}
}

// GetTask returns a task, optionally long-polling for its result.
func GetTask(svc *tasks.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		id := mux.Vars(r)["id"]

		var t *store.Task
		var err error
		if wait := waitSeconds(r); wait > 0 {
			t, err = svc.WaitForResult(r.Context(), caller.ID, id, wait)
		} else {
			t, err = svc.Get(r.Context(), caller.ID, id)
		}
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, viewTask(t))
	}
}

// PickupTask claims the next available task, or a specific one when
// task_id is given. 204 when nothing is available.
func PickupTask(svc *tasks.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		var body struct {
			TaskID string   `json:"task_id"`
			Tags   []string `json:"tags"`
		}
		// Empty body means blind pickup.
		if r.ContentLength > 0 {
			if err := decode(r, &body); err != nil {
				writeError(w, logger, err)
				return
			}
		}

		t, err := svc.Pickup(r.Context(), caller.ID, tasks.PickupRequest{
			TaskID: body.TaskID,
			Tags:   body.Tags,
		})
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if t == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, viewTask(t))
	}
}

// ListAvailable previews the pickup queue without claiming.
func ListAvailable(svc *tasks.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		ts, err := svc.ListAvailable(r.Context(), caller.ID, queryTags(r), limit)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Tasks []taskView `json:"tasks"`
		}{viewTasks(ts)})
	}
}

// ListMine returns the caller's tasks as poster, worker or both.
func ListMine(svc *tasks.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))

		ts, total, err := svc.ListMine(r.Context(), caller.ID, q.Get("role"),
			store.Status(q.Get("status")), limit, offset)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Tasks []taskView `json:"tasks"`
			Total int        `json:"total"`
		}{viewTasks(ts), total})
	}
}

// DeliverTask submits a result for a claimed task.
func DeliverTask(svc *tasks.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		var body struct {
			Result      string `json:"result"`
			CreditsUsed *int   `json:"credits_used"`
		}
		if err := decode(r, &body); err != nil {
			writeError(w, logger, err)
			return
		}

		t, err := svc.Deliver(r.Context(), caller.ID, mux.Vars(r)["id"], tasks.DeliverRequest{
			Result:      body.Result,
			CreditsUsed: body.CreditsUsed,
		})
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, viewTask(t))
	}
}

// ApproveTask accepts a delivery, optionally rating the worker.
func ApproveTask(svc *tasks.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		var body struct {
			Rating *int `json:"rating"`
		}
		if r.ContentLength > 0 {
			if err := decode(r, &body); err != nil {
				writeError(w, logger, err)
				return
			}
		}

		t, err := svc.Approve(r.Context(), caller.ID, mux.Vars(r)["id"], body.Rating)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, viewTask(t))
	}
}

// RejectTask sends a delivery back to the worker.
func RejectTask(svc *tasks.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decode(r, &body); err != nil {
			writeError(w, logger, err)
			return
		}

		t, err := svc.Reject(r.Context(), caller.ID, mux.Vars(r)["id"], body.Reason)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, viewTask(t))
	}
}

// CancelTask withdraws an open task.
func CancelTask(svc *tasks.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		t, err := svc.Cancel(r.Context(), caller.ID, mux.Vars(r)["id"])
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, viewTask(t))
	}
}

// AbandonTask releases the caller's claim.
func AbandonTask(svc *tasks.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		if err := svc.Abandon(r.Context(), caller.ID, mux.Vars(r)["id"]); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Status string `json:"status"`
		}{"abandoned"})
	}
}

// ReportTask files a complaint.
func ReportTask(svc *tasks.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decode(r, &body); err != nil {
			writeError(w, logger, err)
			return
		}

		rep, err := svc.Report(r.Context(), caller.ID, mux.Vars(r)["id"], body.Reason)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, struct {
			ReportID string `json:"report_id"`
			Status   string `json:"status"`
		}{rep.ID, rep.Status})
	}
}

// RatePoster lets the worker of an approved task rate the poster.
func RatePoster(svc *tasks.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.AgentFrom(r.Context())
		var body struct {
			Score int `json:"score"`
		}
		if err := decode(r, &body); err != nil {
			writeError(w, logger, err)
			return
		}

		if err := svc.RatePoster(r.Context(), caller.ID, mux.Vars(r)["id"], body.Score); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Status string `json:"status"`
		}{"rated"})
	}
}
