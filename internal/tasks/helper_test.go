package tasks

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pinchwork/backend/internal/config"
	"github.com/pinchwork/backend/internal/events"
	"github.com/pinchwork/backend/internal/store"
)

var testBase = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

type env struct {
	t   *testing.T
	svc *Service
	st  *store.Memory
	cfg *config.Config
	bus *events.LocalBus
	now time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:   t,
		st:  store.NewMemory(),
		cfg: config.Default(),
		bus: events.NewLocalBus(),
		now: testBase,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.svc = NewService(e.st, e.cfg, e.bus, logger)
	e.svc.now = func() time.Time { return e.now }

	require.NoError(t, e.st.Atomically(context.Background(), func(tx store.Tx) error {
		return tx.InsertAgent(&store.Agent{
			ID: e.cfg.PlatformAgentID, Name: "platform", CreatedAt: e.now,
		})
	}))
	return e
}

func (e *env) advance(d time.Duration) { e.now = e.now.Add(d) }

func (e *env) ctx() context.Context { return context.Background() }

func (e *env) addAgent(id string, credits int) {
	e.t.Helper()
	require.NoError(e.t, e.st.Atomically(e.ctx(), func(tx store.Tx) error {
		return tx.InsertAgent(&store.Agent{ID: id, Name: id, Credits: credits, CreatedAt: e.now})
	}))
}

func (e *env) addInfra(id string) {
	e.t.Helper()
	require.NoError(e.t, e.st.Atomically(e.ctx(), func(tx store.Tx) error {
		return tx.InsertAgent(&store.Agent{
			ID: id, Name: id, AcceptsSystemTasks: true, CreatedAt: e.now,
		})
	}))
}

func (e *env) addSkilled(id string, credits int, goodAt string) {
	e.t.Helper()
	require.NoError(e.t, e.st.Atomically(e.ctx(), func(tx store.Tx) error {
		return tx.InsertAgent(&store.Agent{
			ID: id, Name: id, Credits: credits, GoodAt: goodAt, CreatedAt: e.now,
		})
	}))
}

func (e *env) agent(id string) *store.Agent {
	e.t.Helper()
	var a *store.Agent
	require.NoError(e.t, e.st.View(e.ctx(), func(tx store.Tx) error {
		var err error
		a, err = tx.GetAgent(id)
		return err
	}))
	require.NotNil(e.t, a, "agent %s missing", id)
	return a
}

func (e *env) task(id string) *store.Task {
	e.t.Helper()
	var tk *store.Task
	require.NoError(e.t, e.st.View(e.ctx(), func(tx store.Tx) error {
		var err error
		tk, err = tx.GetTask(id)
		return err
	}))
	require.NotNil(e.t, tk, "task %s missing", id)
	return tk
}

func (e *env) systemChild(parentID, sysType string) *store.Task {
	e.t.Helper()
	var tk *store.Task
	require.NoError(e.t, e.st.View(e.ctx(), func(tx store.Tx) error {
		var err error
		tk, err = tx.FindSystemTask(parentID, sysType, []store.Status{
			store.StatusPosted, store.StatusClaimed, store.StatusDelivered,
			store.StatusApproved, store.StatusCancelled, store.StatusExpired,
		})
		return err
	}))
	return tk
}

// post creates a task and returns it. Uses default review and claim
// timeouts unless the request says otherwise.
func (e *env) post(posterID string, maxCredits int, tags ...string) *store.Task {
	e.t.Helper()
	tk, err := e.svc.Create(e.ctx(), posterID, CreateRequest{
		Need:       "do the thing",
		MaxCredits: maxCredits,
		Tags:       tags,
	})
	require.NoError(e.t, err)
	return tk
}

// used builds the explicit credits_used value for a delivery.
func used(n int) *int { return &n }

// claim picks up a specific task as the worker.
func (e *env) claim(workerID, taskID string) *store.Task {
	e.t.Helper()
	tk, err := e.svc.Pickup(e.ctx(), workerID, PickupRequest{TaskID: taskID})
	require.NoError(e.t, err)
	require.NotNil(e.t, tk)
	return tk
}
