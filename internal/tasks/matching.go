package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pinchwork/backend/internal/events"
	"github.com/pinchwork/backend/internal/ids"
	"github.com/pinchwork/backend/internal/store"
)

// matchPayload is what a matcher agent receives as the need of a
// match_agents task.
type matchPayload struct {
	TaskID     string           `json:"task_id"`
	Need       string           `json:"need"`
	Tags       []string         `json:"tags,omitempty"`
	Candidates []matchCandidate `json:"candidates"`
}

type matchCandidate struct {
	AgentID        string   `json:"agent_id"`
	GoodAt         string   `json:"good_at"`
	CapabilityTags []string `json:"capability_tags,omitempty"`
	Reputation     float64  `json:"reputation"`
	TasksCompleted int      `json:"tasks_completed"`
}

// matchResult is the expected matcher output. Extra tags, when
// present, enrich the parent task for later tag-filtered pickups.
type matchResult struct {
	RankedAgents []string `json:"ranked_agents"`
	Tags         []string `json:"tags,omitempty"`
}

// spawnMatching decides how a fresh task reaches workers. With no
// matcher capacity the task broadcasts immediately; otherwise a
// match_agents system task is posted and the parent holds in pending
// until the matcher delivers or the match window lapses.
func (s *Service) spawnMatching(tx store.Tx, t *store.Task, now time.Time) error {
	infra, err := tx.ListInfraAgents(t.PosterID)
	if err != nil {
		return fmt.Errorf("list infra agents: %w", err)
	}
	if len(infra) == 0 {
		t.MatchStatus = store.MatchBroadcast
		return tx.UpdateTaskMeta(t)
	}

	candidates, err := tx.ListAgentsWithSkills(t.PosterID)
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}
	payload := matchPayload{TaskID: t.ID, Need: t.Need, Tags: t.Tags}
	for _, a := range candidates {
		payload.Candidates = append(payload.Candidates, matchCandidate{
			AgentID:        a.ID,
			GoodAt:         a.GoodAt,
			CapabilityTags: a.CapabilityTags,
			Reputation:     a.Reputation,
			TasksCompleted: a.TasksCompleted,
		})
	}
	need, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal match payload: %w", err)
	}

	deadline := now.Add(time.Duration(s.cfg.MatchTimeoutSeconds) * time.Second)
	sys := &store.Task{
		ID:             ids.TaskID(),
		PosterID:       s.cfg.PlatformAgentID,
		Need:           string(need),
		Status:         store.StatusPosted,
		MaxCredits:     s.cfg.MatchCredits,
		IsSystem:       true,
		SystemTaskType: store.SystemMatchAgents,
		ParentTaskID:   t.ID,
		CreatedAt:      now,
		ExpiresAt:      &deadline,
	}
	if err := tx.InsertTask(sys); err != nil {
		return fmt.Errorf("insert match task: %w", err)
	}

	t.MatchStatus = store.MatchPending
	t.MatchDeadline = &deadline
	return tx.UpdateTaskMeta(t)
}

// capabilityPayload is the need of an extract_capabilities task.
type capabilityPayload struct {
	AgentID string `json:"agent_id"`
	GoodAt  string `json:"good_at"`
}

type capabilityResult struct {
	Tags []string `json:"tags"`
}

// SpawnCapabilityExtraction posts a system task that turns an agent's
// free-text skill description into capability tags. Runs inside the
// profile-update transaction; wired into the agent registry at boot.
func (s *Service) SpawnCapabilityExtraction(tx store.Tx, a *store.Agent, now time.Time) error {
	need, err := json.Marshal(capabilityPayload{AgentID: a.ID, GoodAt: a.GoodAt})
	if err != nil {
		return fmt.Errorf("marshal capability payload: %w", err)
	}
	expires := now.Add(time.Duration(s.cfg.TaskExpireHours) * time.Hour)
	sys := &store.Task{
		ID:             ids.TaskID(),
		PosterID:       s.cfg.PlatformAgentID,
		Need:           string(need),
		Status:         store.StatusPosted,
		MaxCredits:     s.cfg.CapabilityExtractCredits,
		IsSystem:       true,
		SystemTaskType: store.SystemExtractCapabilities,
		CreatedAt:      now,
		ExpiresAt:      &expires,
	}
	if err := tx.InsertTask(sys); err != nil {
		return fmt.Errorf("insert capability task: %w", err)
	}
	return nil
}

// absorbSystemResult folds a delivered system task's result into its
// target. Absorbers never fail the delivery on malformed output; a
// useless result degrades to the fallback behavior instead.
func (s *Service) absorbSystemResult(tx store.Tx, sys *store.Task, now time.Time, fired *[]*events.Event) error {
	switch sys.SystemTaskType {
	case store.SystemMatchAgents:
		return s.absorbMatchResult(tx, sys, fired)
	case store.SystemVerifyCompletion:
		return s.absorbVerifyResult(tx, sys, now, fired)
	case store.SystemExtractCapabilities:
		return s.absorbCapabilityResult(tx, sys)
	default:
		s.logger.Warn("unknown system task type", "task_id", sys.ID,
			"system_task_type", sys.SystemTaskType)
		return nil
	}
}

// absorbMatchResult applies a matcher's ranked agent list to the
// parent. Unknown agents and the poster are dropped; an empty or
// malformed result broadcasts the parent instead.
func (s *Service) absorbMatchResult(tx store.Tx, sys *store.Task, fired *[]*events.Event) error {
	parent, err := tx.GetTask(sys.ParentTaskID)
	if err != nil {
		return err
	}
	if parent == nil || parent.Status != store.StatusPosted ||
		parent.MatchStatus != store.MatchPending {
		return nil
	}

	var res matchResult
	if err := json.Unmarshal([]byte(sys.Result), &res); err != nil {
		// Matchers sometimes return a bare array.
		if err2 := json.Unmarshal([]byte(sys.Result), &res.RankedAgents); err2 != nil {
			s.logger.Warn("malformed match result, broadcasting",
				"task_id", parent.ID, "match_task_id", sys.ID)
			return s.broadcastParent(tx, parent)
		}
	}

	existing, err := tx.FilterExistingAgentIDs(res.RankedAgents)
	if err != nil {
		return err
	}
	rank := 0
	seen := make(map[string]bool)
	for _, agentID := range res.RankedAgents {
		if !existing[agentID] || agentID == parent.PosterID || seen[agentID] {
			continue
		}
		seen[agentID] = true
		rank++
		if err := tx.InsertMatch(&store.TaskMatch{
			ID:        ids.MatchID(),
			TaskID:    parent.ID,
			AgentID:   agentID,
			Rank:      rank,
			CreatedAt: sys.CreatedAt,
		}); err != nil {
			return fmt.Errorf("insert match: %w", err)
		}
	}
	if rank == 0 {
		return s.broadcastParent(tx, parent)
	}

	if tags := normalizeTags(res.Tags); len(tags) > 0 {
		if len(tags) > s.cfg.MaxExtractedTags {
			tags = tags[:s.cfg.MaxExtractedTags]
		}
		parent.ExtractedTags = tags
	}
	parent.MatchStatus = store.MatchMatched
	parent.MatchDeadline = nil
	if err := tx.UpdateTaskMeta(parent); err != nil {
		return err
	}
	*fired = append(*fired, events.New(events.TaskMatched, parent.ID, parent.PosterID, ""))
	return nil
}

func (s *Service) broadcastParent(tx store.Tx, parent *store.Task) error {
	parent.MatchStatus = store.MatchBroadcast
	parent.MatchDeadline = nil
	return tx.UpdateTaskMeta(parent)
}

// absorbCapabilityResult writes extracted tags onto the agent profile.
func (s *Service) absorbCapabilityResult(tx store.Tx, sys *store.Task) error {
	var payload capabilityPayload
	if err := json.Unmarshal([]byte(sys.Need), &payload); err != nil {
		s.logger.Warn("malformed capability payload", "task_id", sys.ID)
		return nil
	}
	var res capabilityResult
	if err := json.Unmarshal([]byte(sys.Result), &res); err != nil {
		if err2 := json.Unmarshal([]byte(sys.Result), &res.Tags); err2 != nil {
			s.logger.Warn("malformed capability result", "task_id", sys.ID,
				"agent_id", payload.AgentID)
			return nil
		}
	}
	tags := normalizeTags(res.Tags)
	if len(tags) == 0 {
		return nil
	}
	if len(tags) > s.cfg.MaxExtractedTags {
		tags = tags[:s.cfg.MaxExtractedTags]
	}

	a, err := tx.GetAgent(payload.AgentID)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}
	a.CapabilityTags = tags
	return tx.UpdateAgentProfile(a)
}
