// Package config holds every tunable knob of the marketplace engine.
// Values load from defaults, then an optional YAML file, then
// PINCHWORK_* environment variables (highest precedence).
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	DatabaseURL string `yaml:"database_url"`
	Port        string `yaml:"port"`

	InitialCredits              int `yaml:"initial_credits"`
	TaskExpireHours             int `yaml:"task_expire_hours"`
	DefaultReviewTimeoutMinutes int `yaml:"default_review_timeout_minutes"`
	DefaultClaimTimeoutMinutes  int `yaml:"default_claim_timeout_minutes"`
	MatchTimeoutSeconds         int `yaml:"match_timeout_seconds"`
	VerificationTimeoutSeconds  int `yaml:"verification_timeout_seconds"`
	SystemTaskAutoApproveSecs   int `yaml:"system_task_auto_approve_seconds"`
	MaxWaitSeconds              int `yaml:"max_wait_seconds"`
	MaxRejections               int `yaml:"max_rejections"`
	RejectionGraceMinutes       int `yaml:"rejection_grace_minutes"`

	ReferralBonus              int `yaml:"referral_bonus"`
	MaxReferralBonusesPerAgent int `yaml:"max_referral_bonuses_per_agent"`

	MaxAbandonsBeforeCooldown int `yaml:"max_abandons_before_cooldown"`
	AbandonCooldownMinutes    int `yaml:"abandon_cooldown_minutes"`

	PlatformAgentID          string `yaml:"platform_agent_id"`
	MatchCredits             int    `yaml:"match_credits"`
	VerifyCredits            int    `yaml:"verify_credits"`
	CapabilityExtractCredits int    `yaml:"capability_extract_credits"`
	MaxExtractedTags         int    `yaml:"max_extracted_tags"`

	ReclaimIntervalSeconds int `yaml:"reclaim_interval_seconds"`

	AdminKey string `yaml:"admin_key"`

	// Event bus selection: "local", "redis" or "pubsub".
	EventBackend  string `yaml:"event_backend"`
	RedisAddr     string `yaml:"redis_addr"`
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

// Default returns the built-in knob values.
func Default() *Config {
	return &Config{
		DatabaseURL:                 "postgres://localhost/pinchwork?sslmode=disable",
		Port:                        "8080",
		InitialCredits:              100,
		TaskExpireHours:             72,
		DefaultReviewTimeoutMinutes: 30,
		DefaultClaimTimeoutMinutes:  10,
		MatchTimeoutSeconds:         120,
		VerificationTimeoutSeconds:  120,
		SystemTaskAutoApproveSecs:   60,
		MaxWaitSeconds:              300,
		MaxRejections:               3,
		RejectionGraceMinutes:       5,
		ReferralBonus:               10,
		MaxReferralBonusesPerAgent:  50,
		MaxAbandonsBeforeCooldown:   5,
		AbandonCooldownMinutes:      30,
		PlatformAgentID:             "ag_platform",
		MatchCredits:                3,
		VerifyCredits:               5,
		CapabilityExtractCredits:    2,
		MaxExtractedTags:            20,
		ReclaimIntervalSeconds:      60,
		EventBackend:                "local",
		PubSubTopic:                 "pinchwork-events",
	}
}

// LoadFile overlays values from a YAML file onto cfg.
func LoadFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(cfg)
}

// FromEnv overlays PINCHWORK_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv("PINCHWORK_" + key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv("PINCHWORK_" + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("DATABASE_URL", &cfg.DatabaseURL)
	str("PORT", &cfg.Port)
	num("INITIAL_CREDITS", &cfg.InitialCredits)
	num("TASK_EXPIRE_HOURS", &cfg.TaskExpireHours)
	num("DEFAULT_REVIEW_TIMEOUT_MINUTES", &cfg.DefaultReviewTimeoutMinutes)
	num("DEFAULT_CLAIM_TIMEOUT_MINUTES", &cfg.DefaultClaimTimeoutMinutes)
	num("MATCH_TIMEOUT_SECONDS", &cfg.MatchTimeoutSeconds)
	num("VERIFICATION_TIMEOUT_SECONDS", &cfg.VerificationTimeoutSeconds)
	num("SYSTEM_TASK_AUTO_APPROVE_SECONDS", &cfg.SystemTaskAutoApproveSecs)
	num("MAX_WAIT_SECONDS", &cfg.MaxWaitSeconds)
	num("MAX_REJECTIONS", &cfg.MaxRejections)
	num("REJECTION_GRACE_MINUTES", &cfg.RejectionGraceMinutes)
	num("REFERRAL_BONUS", &cfg.ReferralBonus)
	num("MAX_REFERRAL_BONUSES_PER_AGENT", &cfg.MaxReferralBonusesPerAgent)
	num("MAX_ABANDONS_BEFORE_COOLDOWN", &cfg.MaxAbandonsBeforeCooldown)
	num("ABANDON_COOLDOWN_MINUTES", &cfg.AbandonCooldownMinutes)
	str("PLATFORM_AGENT_ID", &cfg.PlatformAgentID)
	num("MATCH_CREDITS", &cfg.MatchCredits)
	num("VERIFY_CREDITS", &cfg.VerifyCredits)
	num("CAPABILITY_EXTRACT_CREDITS", &cfg.CapabilityExtractCredits)
	num("MAX_EXTRACTED_TAGS", &cfg.MaxExtractedTags)
	num("RECLAIM_INTERVAL_SECONDS", &cfg.ReclaimIntervalSeconds)
	str("ADMIN_KEY", &cfg.AdminKey)
	str("EVENT_BACKEND", &cfg.EventBackend)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("PUBSUB_PROJECT", &cfg.PubSubProject)
	str("PUBSUB_TOPIC", &cfg.PubSubTopic)
}

// Load builds the effective config: defaults, optional file, then env.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	FromEnv(cfg)
	return cfg, nil
}
