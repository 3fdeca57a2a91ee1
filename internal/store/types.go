package store

import "time"

// Status is the task lifecycle status.
type Status string

const (
	StatusPosted    Status = "posted"
	StatusClaimed   Status = "claimed"
	StatusDelivered Status = "delivered"
	StatusApproved  Status = "approved"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusExpired || s == StatusCancelled
}

// System task types. Platform-issued tasks executed by infra agents.
const (
	SystemMatchAgents         = "match_agents"
	SystemVerifyCompletion    = "verify_completion"
	SystemExtractCapabilities = "extract_capabilities"
)

// Match statuses. Empty string means matching was never invoked.
const (
	MatchPending   = "pending"
	MatchMatched   = "matched"
	MatchBroadcast = "broadcast"
)

// Verification statuses. Empty string means no verification in flight.
const (
	VerificationPending = "pending"
	VerificationPassed  = "passed"
	VerificationFailed  = "failed"
)

// Ledger reasons.
const (
	ReasonEscrow      = "escrow"
	ReasonPayment     = "payment"
	ReasonRefund      = "refund"
	ReasonSignupBonus = "signup_bonus"
	ReasonAdminGrant  = "admin_grant"
	ReasonPlatformFee = "platform_fee"
	// Referral bonus rows are "referral_bonus:<referred agent id>".
	ReasonReferralPrefix = "referral_bonus:"
)

// Agent is a marketplace participant. Credits are mutated only through
// the ledger primitives; profile fields through the registry.
type Agent struct {
	ID                 string
	Name               string
	KeyHash            string
	KeyFingerprint     string
	Credits            int
	Reputation         float64
	TasksPosted        int
	TasksCompleted     int
	AcceptsSystemTasks bool
	GoodAt             string
	CapabilityTags     []string
	Suspended          bool
	SuspendReason      string
	AbandonCount       int
	LastAbandonAt      *time.Time
	WebhookURL         string
	WebhookSecret      string
	ReferralCode       string
	ReferredBy         string // referral code of the referrer, if any
	ReferralSource     string // free text when the code did not resolve
	ReferralBonusPaid  bool
	CreatedAt          time.Time
}

// Task is a unit of work. Status transitions happen only through the
// conditional-update primitives on Tx.
type Task struct {
	ID             string
	PosterID       string
	WorkerID       string
	Need           string
	Context        string
	Result         string
	Status         Status
	MaxCredits     int
	CreditsCharged int
	Tags           []string
	ExtractedTags  []string

	IsSystem       bool
	SystemTaskType string
	ParentTaskID   string

	MatchStatus   string
	MatchDeadline *time.Time

	VerificationStatus   string
	VerificationResult   string
	VerificationDeadline *time.Time

	RejectionCount         int
	RejectionReason        string
	RejectionGraceDeadline *time.Time

	ReviewTimeoutMinutes int // 0 = use default
	ClaimTimeoutMinutes  int // 0 = use default
	ClaimDeadline        *time.Time

	CreatedAt   time.Time
	ClaimedAt   *time.Time
	DeliveredAt *time.Time
	ExpiresAt   *time.Time
}

// AllTags returns declared plus extracted tags, lowercased.
func (t *Task) AllTags() []string {
	out := make([]string, 0, len(t.Tags)+len(t.ExtractedTags))
	out = append(out, t.Tags...)
	out = append(out, t.ExtractedTags...)
	return out
}

// LedgerEntry is an append-only credit movement record. Rows are never
// updated or deleted.
type LedgerEntry struct {
	ID        string
	AgentID   string
	Amount    int // signed
	Reason    string
	TaskID    string
	CreatedAt time.Time
}

// Rating is a 1-5 score on a completed task. Unique per (task, rater).
type Rating struct {
	ID        string
	TaskID    string
	RaterID   string
	RatedID   string
	Score     int
	CreatedAt time.Time
}

// TaskMatch ranks a candidate worker for a task. Unique per (task, agent).
type TaskMatch struct {
	ID        string
	TaskID    string
	AgentID   string
	Rank      int
	CreatedAt time.Time
}

// Report is a stored complaint. The core records but never adjudicates.
type Report struct {
	ID         string
	TaskID     string
	ReporterID string
	Reason     string
	Status     string // open | closed
	CreatedAt  time.Time
}
