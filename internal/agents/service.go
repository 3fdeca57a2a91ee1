// Package agents is the participant registry: registration, API key
// authentication, profile updates, reputation and referral payouts.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/pinchwork/backend/internal/config"
	"github.com/pinchwork/backend/internal/credits"
	"github.com/pinchwork/backend/internal/ids"
	"github.com/pinchwork/backend/internal/pwerr"
	"github.com/pinchwork/backend/internal/store"
)

// CapabilitySpawner posts a capability-extraction system task for the
// agent inside the caller's transaction. Wired by the server at boot;
// nil disables extraction.
type CapabilitySpawner func(tx store.Tx, a *store.Agent, now time.Time) error

// Service is the agent registry.
type Service struct {
	store    store.Store
	cfg      *config.Config
	logger   *slog.Logger
	capSpawn CapabilitySpawner
}

// NewService creates the registry.
func NewService(st store.Store, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{store: st, cfg: cfg, logger: logger}
}

// SetCapabilitySpawner wires the extraction hook. Called once at boot,
// after the task service exists.
func (s *Service) SetCapabilitySpawner(fn CapabilitySpawner) {
	s.capSpawn = fn
}

// RegisterRequest is the registration input.
type RegisterRequest struct {
	Name               string
	GoodAt             string
	AcceptsSystemTasks bool
	WebhookURL         string
	WebhookSecret      string
	ReferredBy         string // referral code or free text
}

// Registered is the one-time registration response. Key is the raw API
// key; it is never stored and never shown again.
type Registered struct {
	Agent *store.Agent
	Key   string
}

// Register creates an agent, grants the signup bonus and mints the API
// key. A referred_by value that resolves to a known referral code links
// the agents; anything else is kept as free-text attribution.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Registered, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, pwerr.NewInvalidInput("name is required")
	}

	rawKey := ids.NewAPIKey()
	keyHash, err := ids.HashKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	a := &store.Agent{
		ID:                 ids.AgentID(),
		Name:               name,
		KeyHash:            keyHash,
		KeyFingerprint:     ids.Fingerprint(rawKey),
		Credits:            s.cfg.InitialCredits,
		GoodAt:             strings.TrimSpace(req.GoodAt),
		AcceptsSystemTasks: req.AcceptsSystemTasks,
		WebhookURL:         req.WebhookURL,
		WebhookSecret:      req.WebhookSecret,
		ReferralCode:       ids.NewReferralCode(),
		CreatedAt:          now,
	}

	err = s.store.Atomically(ctx, func(tx store.Tx) error {
		if ref := strings.TrimSpace(req.ReferredBy); ref != "" {
			referrer, err := tx.GetAgentByReferralCode(ref)
			if err != nil {
				return fmt.Errorf("resolve referral code: %w", err)
			}
			if referrer != nil {
				a.ReferredBy = ref
			} else {
				a.ReferralSource = ref
			}
		}
		if err := tx.InsertAgent(a); err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return credits.Record(tx, a.ID, s.cfg.InitialCredits, store.ReasonSignupBonus, "", now)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent registered", "agent_id", a.ID, "name", a.Name,
		"accepts_system_tasks", a.AcceptsSystemTasks)
	return &Registered{Agent: a, Key: rawKey}, nil
}

// Authenticate resolves a raw API key to an agent. The fingerprint
// lookup is indexed; the bcrypt hash is always verified afterward.
// Suspended agents fail with a suspension error.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*store.Agent, error) {
	if rawKey == "" {
		return nil, pwerr.NewUnauthorized("missing API key")
	}
	var a *store.Agent
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.GetAgentByFingerprint(ids.Fingerprint(rawKey))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("lookup key: %w", err)
	}
	if a == nil || !ids.VerifyKey(rawKey, a.KeyHash) {
		return nil, pwerr.NewUnauthorized("invalid API key")
	}
	if a.Suspended {
		return nil, pwerr.NewSuspended(a.SuspendReason)
	}
	return a, nil
}

// Get returns an agent by ID.
func (s *Service) Get(ctx context.Context, id string) (*store.Agent, error) {
	var a *store.Agent
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.GetAgent(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, pwerr.NewNotFound("agent")
	}
	return a, nil
}

// UpdateRequest carries partial profile changes. Nil means unchanged.
type UpdateRequest struct {
	GoodAt             *string
	AcceptsSystemTasks *bool
	WebhookURL         *string
	WebhookSecret      *string
}

// Update applies a partial profile update. A changed skill description
// on a non-infra agent spawns a capability-extraction task so the
// profile grows searchable tags.
func (s *Service) Update(ctx context.Context, agentID string, req UpdateRequest) (*store.Agent, error) {
	var updated *store.Agent
	now := time.Now().UTC()
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		a, err := tx.GetAgent(agentID)
		if err != nil {
			return err
		}
		if a == nil {
			return pwerr.NewNotFound("agent")
		}

		goodAtChanged := false
		if req.GoodAt != nil && strings.TrimSpace(*req.GoodAt) != a.GoodAt {
			a.GoodAt = strings.TrimSpace(*req.GoodAt)
			goodAtChanged = true
		}
		if req.AcceptsSystemTasks != nil {
			a.AcceptsSystemTasks = *req.AcceptsSystemTasks
		}
		if req.WebhookURL != nil {
			a.WebhookURL = *req.WebhookURL
		}
		if req.WebhookSecret != nil {
			a.WebhookSecret = *req.WebhookSecret
		}
		if err := tx.UpdateAgentProfile(a); err != nil {
			return fmt.Errorf("update profile: %w", err)
		}

		if goodAtChanged && a.GoodAt != "" && !a.AcceptsSystemTasks && s.capSpawn != nil {
			if err := s.capSpawn(tx, a, now); err != nil {
				return fmt.Errorf("spawn capability extraction: %w", err)
			}
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Suspend flags an agent. Subsequent authentication fails until lifted.
func (s *Service) Suspend(ctx context.Context, agentID, reason string, suspended bool) error {
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		a, err := tx.GetAgent(agentID)
		if err != nil {
			return err
		}
		if a == nil {
			return pwerr.NewNotFound("agent")
		}
		a.Suspended = suspended
		if suspended {
			a.SuspendReason = reason
		} else {
			a.SuspendReason = ""
		}
		return tx.UpdateAgentProfile(a)
	})
	if err == nil {
		s.logger.Info("agent suspension changed", "agent_id", agentID,
			"suspended", suspended, "reason", reason)
	}
	return err
}

// GrantCredits is the admin top-up.
func (s *Service) GrantCredits(ctx context.Context, agentID string, amount int) error {
	if amount <= 0 {
		return pwerr.NewInvalidInput("amount must be positive")
	}
	return s.store.Atomically(ctx, func(tx store.Tx) error {
		a, err := tx.GetAgent(agentID)
		if err != nil {
			return err
		}
		if a == nil {
			return pwerr.NewNotFound("agent")
		}
		return credits.Grant(tx, agentID, amount, store.ReasonAdminGrant, "", time.Now().UTC())
	})
}

// Ledger returns an agent's credit history, newest first.
func (s *Service) Ledger(ctx context.Context, agentID string, offset, limit int) ([]*store.LedgerEntry, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var entries []*store.LedgerEntry
	var total int
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		entries, total, err = tx.Ledger(agentID, offset, limit)
		return err
	})
	return entries, total, err
}

// RecomputeReputation refreshes the cached average rating, rounded to
// two decimals. No ratings leaves the value untouched.
func RecomputeReputation(tx store.Tx, agentID string) error {
	avg, ok, err := tx.AvgRating(agentID)
	if err != nil {
		return fmt.Errorf("avg rating: %w", err)
	}
	if !ok {
		return nil
	}
	return tx.SetReputation(agentID, math.Round(avg*100)/100)
}

// PayReferralBonus pays the worker's referrer after the worker's first
// approved delivery. At most once per referred agent (conditional flag
// flip) and capped per referrer. Runs inside the approval transaction.
func PayReferralBonus(tx store.Tx, cfg *config.Config, logger *slog.Logger, workerID string, now time.Time) error {
	worker, err := tx.GetAgent(workerID)
	if err != nil {
		return err
	}
	if worker == nil || worker.ReferralBonusPaid || worker.ReferredBy == "" {
		return nil
	}
	referrer, err := tx.GetAgentByReferralCode(worker.ReferredBy)
	if err != nil {
		return err
	}
	if referrer == nil || referrer.ID == worker.ID {
		return nil
	}
	paid, err := tx.CountReferralBonuses(referrer.ID)
	if err != nil {
		return err
	}
	if paid >= cfg.MaxReferralBonusesPerAgent {
		return nil
	}
	flipped, err := tx.MarkReferralBonusPaid(worker.ID)
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}
	if err := credits.Grant(tx, referrer.ID, cfg.ReferralBonus,
		store.ReasonReferralPrefix+worker.ID, "", now); err != nil {
		return err
	}
	logger.Info("referral bonus paid", "referrer_id", referrer.ID,
		"referred_id", worker.ID, "amount", cfg.ReferralBonus)
	return nil
}
