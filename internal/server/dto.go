package server

import (
	"github.com/KDLN/aurelian-missions/internal/domain"
	"github.com/KDLN/aurelian-missions/internal/engine"
)

// Request payloads

type CreateMissionRequest struct {
	ID             *string                            `json:"id,omitempty"`
	Name           string                             `json:"name"`
	Description    *string                            `json:"description,omitempty"`
	Type           *string                            `json:"type,omitempty"`
	Requirements   map[string]int64                   `json:"requirements"`
	TierThresholds []domain.TierThreshold             `json:"tier_thresholds,omitempty"`
	RewardsByTier  map[string]domain.RewardBundle     `json:"rewards_by_tier,omitempty"`
	EndsAt         string                             `json:"ends_at" format:"date-time"`
	StartNow       bool                               `json:"start_now,omitempty"`
}

type ContributionRequest struct {
	Contributions map[string]int64 `json:"contributions"`
}

type EndMissionRequest struct {
	Forced bool `json:"forced,omitempty"`
}

// Response payloads

type MissionResponse struct {
	Mission domain.Mission `json:"mission"`
}

type MissionListResponse struct {
	Missions []domain.Mission `json:"missions"`
	Count    int              `json:"count"`
}

type ContributionResponse struct {
	Mission       domain.Mission     `json:"mission"`
	Participant   domain.Participant `json:"participant"`
	JustCompleted bool               `json:"just_completed"`
}

type StandingResponse struct {
	MissionID string           `json:"mission_id"`
	UserID    string           `json:"user_id"`
	Score     float64          `json:"score"`
	Tier      *string          `json:"tier,omitempty"`
	Rank      int              `json:"rank,omitempty"`
	Frozen    bool             `json:"frozen"`
	Claimed   bool             `json:"claimed"`
	Totals    map[string]int64 `json:"totals"`
}

type ClaimResponse struct {
	MissionID string              `json:"mission_id"`
	UserID    string              `json:"user_id"`
	Tier      string              `json:"tier"`
	Reward    domain.RewardBundle `json:"reward"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
}

func standingResponse(missionID string, s engine.Standing) StandingResponse {
	return StandingResponse{
		MissionID: missionID,
		UserID:    s.Participant.UserID,
		Score:     s.Score,
		Tier:      s.Tier,
		Rank:      s.Rank,
		Frozen:    s.Frozen,
		Claimed:   s.Participant.RewardClaimed,
		Totals:    s.Participant.Contribution,
	}
}
