package domain

// Mission statuses. Transitions only move forward:
// scheduled -> active -> completed|failed.
const (
	StatusScheduled = "scheduled"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Reserved resource keys whose score ratio is not capped at the nominal
// requirement. Everything else is an item key.
const (
	ResourceGold   = "gold"
	ResourceTrades = "trades"
)

// TierThreshold pairs a tier name with the contribution-score multiplier a
// participant must reach for it. Thresholds are stored ascending.
type TierThreshold struct {
	Tier       string  `json:"tier"`
	Multiplier float64 `json:"multiplier"`
}

// RewardItem is one item grant inside a reward bundle.
type RewardItem struct {
	ItemKey  string `json:"item_key"`
	Quantity int64  `json:"quantity"`
}

// RewardBundle is what a tier pays out. The engine only authorizes the
// grant; the external ledger owns the balances.
type RewardBundle struct {
	Gold       int64        `json:"gold,omitempty"`
	Items      []RewardItem `json:"items,omitempty"`
	ServerBuff string       `json:"server_buff,omitempty"`
}

type Mission struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Description    string                  `json:"description,omitempty"`
	Type           string                  `json:"type,omitempty"`
	Status         string                  `json:"status" enum:"scheduled,active,completed,failed"`
	Requirements   map[string]int64        `json:"requirements"`
	Progress       map[string]int64        `json:"progress"`
	TierThresholds []TierThreshold         `json:"tier_thresholds"`
	RewardsByTier  map[string]RewardBundle `json:"rewards_by_tier"`
	CreatedAt      string                  `json:"created_at" format:"date-time"`
	StartedAt      *string                 `json:"started_at,omitempty" format:"date-time"`
	EndsAt         string                  `json:"ends_at" format:"date-time"`
	CompletedAt    *string                 `json:"completed_at,omitempty" format:"date-time"`
}

// Participant is one user's standing within one mission. Tier and Rank are
// nil until the mission reaches a terminal state and the freeze pass writes
// them; after that they are never recomputed.
type Participant struct {
	MissionID     string           `json:"mission_id"`
	UserID        string           `json:"user_id"`
	GuildID       *string          `json:"guild_id,omitempty"`
	Contribution  map[string]int64 `json:"contribution"`
	Tier          *string          `json:"tier,omitempty"`
	Rank          *int             `json:"rank,omitempty"`
	RewardClaimed bool             `json:"reward_claimed"`
	JoinedAt      string           `json:"joined_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
