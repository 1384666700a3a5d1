package storage

import "time"

const (
	TierFree = "free"
	TierPaid = "paid"

	SessionStatusNew    = "new"
	SessionStatusActive = "active"

	OwnerTypeHuman = "human"
	OwnerTypeBot   = "bot"

	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)

// TechProvider is a vendor account grouping; API keys are owned per
// provider and pricing tier (looked up in the process key store, not here).
type TechProvider struct {
	ID        int64
	Name      string
	BaseURL   string
	Status    string
	CreatedAt time.Time
}

// Tech is one configured provider variant. Immutable once created
// except for Status.
type Tech struct {
	ID          int64
	ProviderID  int64
	VariantName string
	Protocol    string
	Model       string
	PricingTier string
	IsDefault   bool
	IsAdminOnly bool
	Status      string
	CreatedAt   time.Time
}

// TechWithProvider joins a Tech to its owning provider for dispatch.
type TechWithProvider struct {
	Tech
	Provider TechProvider
}

// RateLimitedAPI links a Tech to its per-minute quota.
type RateLimitedAPI struct {
	ID        int64
	TechID    int64
	PerMinute int
}

type ChatSession struct {
	ID            string
	SettingsID    string
	Status        string
	JoinToken     string
	CreatedBy     string
	EncryptAtRest bool
	CreatedAt     time.Time
}

type ChatParticipant struct {
	ID            string
	ChatSessionID string
	UserProfileID string
	OwnerType     string
}

type ChatMessage struct {
	ID                string
	SessionID         string
	FromParticipantID string
	ToParticipantID   string
	SentByAI          bool
	Content           string
	IsEncrypted       bool
	CreatedAt         time.Time
}

// LedgerEntry is one append-only usage/cost row per completed turn.
type LedgerEntry struct {
	ID           int64
	UserID       string
	TechID       int64
	SentByAI     bool
	InputTokens  int64
	OutputTokens int64
	CostCents    int64
	CreatedAt    time.Time
}

// CacheEntry is a stored provider response keyed by (tech, content hash).
type CacheEntry struct {
	TechID       int64
	CacheKey     string
	ResponseJSON string
	CreatedAt    time.Time
}
