package tasks

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinchwork/backend/internal/store"
)

func TestMatchTaskPayload(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_m")
	e.addSkilled("ag_w", 0, "scraping product pages")
	e.addAgent("ag_p", 100)

	parent := e.post("ag_p", 10, "scraping")

	child := e.systemChild(parent.ID, store.SystemMatchAgents)
	require.NotNil(t, child)
	assert.Equal(t, e.cfg.PlatformAgentID, child.PosterID)
	assert.Equal(t, e.cfg.MatchCredits, child.MaxCredits)

	var payload matchPayload
	require.NoError(t, json.Unmarshal([]byte(child.Need), &payload))
	assert.Equal(t, parent.ID, payload.TaskID)
	assert.Equal(t, "do the thing", payload.Need)
	assert.Equal(t, []string{"scraping"}, payload.Tags)
	require.Len(t, payload.Candidates, 1)
	assert.Equal(t, "ag_w", payload.Candidates[0].AgentID)
	assert.Equal(t, "scraping product pages", payload.Candidates[0].GoodAt)
}

func TestMatchResultAbsorbed(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_m")
	e.addAgent("ag_p", 100)
	e.addAgent("ag_w", 0)
	e.addAgent("ag_w2", 0)

	parent := e.post("ag_p", 10)
	child, err := e.svc.Pickup(e.ctx(), "ag_m", PickupRequest{})
	require.NoError(t, err)
	require.NotNil(t, child)

	result := `{"ranked_agents":["ag_w","ag_ghost","ag_p","ag_w2","ag_w"],"tags":["Scraping","go"]}`
	_, err = e.svc.Deliver(e.ctx(), "ag_m", child.ID, DeliverRequest{Result: result})
	require.NoError(t, err)

	got := e.task(parent.ID)
	assert.Equal(t, store.MatchMatched, got.MatchStatus)
	assert.Nil(t, got.MatchDeadline)
	assert.Equal(t, []string{"scraping", "go"}, got.ExtractedTags)

	// Unknown agents, the poster and duplicates were dropped; the two
	// survivors keep the matcher's order.
	first, err := e.svc.Pickup(e.ctx(), "ag_w2", PickupRequest{})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, parent.ID, first.ID)

	// The matcher got paid and the system task closed immediately.
	assert.Equal(t, store.StatusApproved, e.task(child.ID).Status)
	assert.Equal(t, e.cfg.MatchCredits, e.agent("ag_m").Credits)
	assert.Equal(t, 1, e.agent("ag_m").TasksCompleted)
}

func TestMatchResultBareArray(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_m")
	e.addAgent("ag_p", 100)
	e.addAgent("ag_w", 0)

	parent := e.post("ag_p", 10)
	child, err := e.svc.Pickup(e.ctx(), "ag_m", PickupRequest{})
	require.NoError(t, err)

	_, err = e.svc.Deliver(e.ctx(), "ag_m", child.ID, DeliverRequest{Result: `["ag_w"]`})
	require.NoError(t, err)
	assert.Equal(t, store.MatchMatched, e.task(parent.ID).MatchStatus)
}

func TestMatchResultMalformedBroadcasts(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_m")
	e.addAgent("ag_p", 100)

	parent := e.post("ag_p", 10)
	child, err := e.svc.Pickup(e.ctx(), "ag_m", PickupRequest{})
	require.NoError(t, err)

	_, err = e.svc.Deliver(e.ctx(), "ag_m", child.ID, DeliverRequest{Result: "i could not decide"})
	require.NoError(t, err, "garbage output never fails the delivery")

	got := e.task(parent.ID)
	assert.Equal(t, store.MatchBroadcast, got.MatchStatus)
	assert.Nil(t, got.MatchDeadline)
	assert.Equal(t, store.StatusApproved, e.task(child.ID).Status, "the matcher is still paid")
}

func TestMatchResultNoValidAgentsBroadcasts(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_m")
	e.addAgent("ag_p", 100)

	parent := e.post("ag_p", 10)
	child, err := e.svc.Pickup(e.ctx(), "ag_m", PickupRequest{})
	require.NoError(t, err)

	_, err = e.svc.Deliver(e.ctx(), "ag_m", child.ID, DeliverRequest{
		Result: `{"ranked_agents":["ag_ghost","ag_p"]}`,
	})
	require.NoError(t, err)
	assert.Equal(t, store.MatchBroadcast, e.task(parent.ID).MatchStatus)
}

func TestVerificationSpawnsOnDelivery(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_v")
	e.addAgent("ag_p", 100)
	e.addAgent("ag_w", 0)

	parent := e.post("ag_p", 10)
	e.claim("ag_w", parent.ID)
	delivered, err := e.svc.Deliver(e.ctx(), "ag_w", parent.ID, DeliverRequest{Result: "done"})
	require.NoError(t, err)
	assert.Equal(t, store.VerificationPending, delivered.VerificationStatus)
	require.NotNil(t, delivered.VerificationDeadline)

	child := e.systemChild(parent.ID, store.SystemVerifyCompletion)
	require.NotNil(t, child)
	assert.Equal(t, e.cfg.VerifyCredits, child.MaxCredits)

	var payload verifyPayload
	require.NoError(t, json.Unmarshal([]byte(child.Need), &payload))
	assert.Equal(t, parent.ID, payload.TaskID)
	assert.Equal(t, "done", payload.Result)
}

func TestVerificationSkippedWhenOnlyInfraIsWorker(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_w")
	e.addAgent("ag_p", 100)

	parent := e.post("ag_p", 10)
	// The match child is still open; claim the parent directly.
	e.claim("ag_w", parent.ID)
	delivered, err := e.svc.Deliver(e.ctx(), "ag_w", parent.ID, DeliverRequest{Result: "done"})
	require.NoError(t, err)
	assert.Empty(t, delivered.VerificationStatus,
		"no third party available means no verification")
}

func TestVerificationPassAutoApprovesParent(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_v")
	e.addAgent("ag_p", 100)
	e.addAgent("ag_w", 0)

	parent := e.post("ag_p", 10)
	e.claim("ag_w", parent.ID)
	_, err := e.svc.Deliver(e.ctx(), "ag_w", parent.ID, DeliverRequest{
		Result: "done", CreditsUsed: used(8),
	})
	require.NoError(t, err)

	child := e.systemChild(parent.ID, store.SystemVerifyCompletion)
	e.claim("ag_v", child.ID)
	_, err = e.svc.Deliver(e.ctx(), "ag_v", child.ID, DeliverRequest{
		Result: `{"meets_requirements":true,"explanation":"meets the need"}`,
	})
	require.NoError(t, err)

	got := e.task(parent.ID)
	assert.Equal(t, store.StatusApproved, got.Status, "a pass closes the loop without the poster")
	assert.Equal(t, store.VerificationPassed, got.VerificationStatus)
	assert.Equal(t, 8, e.agent("ag_w").Credits)
	assert.Equal(t, 92, e.agent("ag_p").Credits, "unused escrow came back")
	assert.Equal(t, e.cfg.VerifyCredits, e.agent("ag_v").Credits)
}

func TestVerificationFailLeavesDelivered(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_v")
	e.addAgent("ag_p", 100)
	e.addAgent("ag_w", 0)

	parent := e.post("ag_p", 10)
	e.claim("ag_w", parent.ID)
	_, err := e.svc.Deliver(e.ctx(), "ag_w", parent.ID, DeliverRequest{Result: "done"})
	require.NoError(t, err)

	child := e.systemChild(parent.ID, store.SystemVerifyCompletion)
	e.claim("ag_v", child.ID)
	_, err = e.svc.Deliver(e.ctx(), "ag_v", child.ID, DeliverRequest{
		Result: `{"meets_requirements":false,"explanation":"result is empty boilerplate"}`,
	})
	require.NoError(t, err)

	got := e.task(parent.ID)
	assert.Equal(t, store.StatusDelivered, got.Status, "the poster still decides")
	assert.Equal(t, store.VerificationFailed, got.VerificationStatus)
	assert.Zero(t, e.agent("ag_w").Credits)

	// The poster can approve anyway.
	_, err = e.svc.Approve(e.ctx(), "ag_p", parent.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, e.agent("ag_w").Credits)
}

func TestVerificationGarbageVerdictFails(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_v")
	e.addAgent("ag_p", 100)
	e.addAgent("ag_w", 0)

	parent := e.post("ag_p", 10)
	e.claim("ag_w", parent.ID)
	_, err := e.svc.Deliver(e.ctx(), "ag_w", parent.ID, DeliverRequest{Result: "done"})
	require.NoError(t, err)

	child := e.systemChild(parent.ID, store.SystemVerifyCompletion)
	e.claim("ag_v", child.ID)
	_, err = e.svc.Deliver(e.ctx(), "ag_v", child.ID, DeliverRequest{Result: "lgtm!!"})
	require.NoError(t, err)

	got := e.task(parent.ID)
	assert.Equal(t, store.VerificationFailed, got.VerificationStatus)
	var res verifyResult
	require.NoError(t, json.Unmarshal([]byte(got.VerificationResult), &res))
	assert.False(t, res.MeetsRequirements)
	assert.NotEmpty(t, res.Explanation)
}

func TestSystemTasksCannotBeRejected(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_m")
	e.addAgent("ag_p", 100)

	e.post("ag_p", 10)
	child, err := e.svc.Pickup(e.ctx(), "ag_m", PickupRequest{})
	require.NoError(t, err)

	// Only the platform poster could even try; it is refused outright.
	_, err = e.svc.Reject(e.ctx(), e.cfg.PlatformAgentID, child.ID, "bad match")
	assert.Error(t, err)
}

func TestCapabilityExtractionRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_x")
	e.addSkilled("ag_w", 0, "turning pdfs into spreadsheets")

	require.NoError(t, e.st.Atomically(e.ctx(), func(tx store.Tx) error {
		a, err := tx.GetAgent("ag_w")
		if err != nil {
			return err
		}
		return e.svc.SpawnCapabilityExtraction(tx, a, e.now)
	}))

	child, err := e.svc.Pickup(e.ctx(), "ag_x", PickupRequest{})
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, store.SystemExtractCapabilities, child.SystemTaskType)
	assert.Empty(t, child.ParentTaskID, "capability tasks have no parent task")

	var payload capabilityPayload
	require.NoError(t, json.Unmarshal([]byte(child.Need), &payload))
	assert.Equal(t, "ag_w", payload.AgentID)
	assert.Equal(t, "turning pdfs into spreadsheets", payload.GoodAt)

	_, err = e.svc.Deliver(e.ctx(), "ag_x", child.ID, DeliverRequest{
		Result: `{"tags":["pdf","data-extraction","Spreadsheets"]}`,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"pdf", "data-extraction", "spreadsheets"},
		e.agent("ag_w").CapabilityTags)
	assert.Equal(t, e.cfg.CapabilityExtractCredits, e.agent("ag_x").Credits)
}

func TestCapabilityExtractionTagCap(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_x")
	e.addSkilled("ag_w", 0, "everything")
	e.cfg.MaxExtractedTags = 2

	require.NoError(t, e.st.Atomically(e.ctx(), func(tx store.Tx) error {
		a, err := tx.GetAgent("ag_w")
		if err != nil {
			return err
		}
		return e.svc.SpawnCapabilityExtraction(tx, a, e.now)
	}))

	child, err := e.svc.Pickup(e.ctx(), "ag_x", PickupRequest{})
	require.NoError(t, err)
	_, err = e.svc.Deliver(e.ctx(), "ag_x", child.ID, DeliverRequest{
		Result: `["a","b","c","d"]`,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, e.agent("ag_w").CapabilityTags)
}

func TestCancelParentCancelsMatchChild(t *testing.T) {
	e := newEnv(t)
	e.addInfra("ag_m")
	e.addAgent("ag_p", 100)

	parent := e.post("ag_p", 10)
	child := e.systemChild(parent.ID, store.SystemMatchAgents)
	require.NotNil(t, child)

	_, err := e.svc.Cancel(e.ctx(), "ag_p", parent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, e.task(child.ID).Status)
	assert.Equal(t, 100, e.agent("ag_p").Credits)
}
