package missionsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal missions HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model.
type Mission struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Description    string                  `json:"description,omitempty"`
	Type           string                  `json:"type,omitempty"`
	Status         string                  `json:"status"`
	Requirements   map[string]int64        `json:"requirements"`
	Progress       map[string]int64        `json:"progress"`
	TierThresholds []TierThreshold         `json:"tier_thresholds"`
	RewardsByTier  map[string]RewardBundle `json:"rewards_by_tier"`
	EndsAt         string                  `json:"ends_at"`
	CompletedAt    *string                 `json:"completed_at,omitempty"`
}

type TierThreshold struct {
	Tier       string  `json:"tier"`
	Multiplier float64 `json:"multiplier"`
}

type RewardItem struct {
	ItemKey  string `json:"item_key"`
	Quantity int64  `json:"quantity"`
}

type RewardBundle struct {
	Gold       int64        `json:"gold,omitempty"`
	Items      []RewardItem `json:"items,omitempty"`
	ServerBuff string       `json:"server_buff,omitempty"`
}

type Participant struct {
	MissionID     string           `json:"mission_id"`
	UserID        string           `json:"user_id"`
	GuildID       *string          `json:"guild_id,omitempty"`
	Contribution  map[string]int64 `json:"contribution"`
	Tier          *string          `json:"tier,omitempty"`
	Rank          *int             `json:"rank,omitempty"`
	RewardClaimed bool             `json:"reward_claimed"`
}

type ContributionResult struct {
	Mission       Mission     `json:"mission"`
	Participant   Participant `json:"participant"`
	JustCompleted bool        `json:"just_completed"`
}

type LeaderboardEntry struct {
	Rank         int              `json:"rank"`
	UserID       string           `json:"user_id"`
	GuildID      *string          `json:"guild_id,omitempty"`
	Score        float64          `json:"score"`
	Tier         *string          `json:"tier,omitempty"`
	Contribution map[string]int64 `json:"contribution"`
}

type Leaderboard struct {
	MissionID string             `json:"mission_id"`
	Frozen    bool               `json:"frozen"`
	Total     int                `json:"total"`
	Page      int                `json:"page"`
	PageSize  int                `json:"page_size"`
	Entries   []LeaderboardEntry `json:"entries"`
	Own       *LeaderboardEntry  `json:"own,omitempty"`
}

type Standing struct {
	MissionID string           `json:"mission_id"`
	UserID    string           `json:"user_id"`
	Score     float64          `json:"score"`
	Tier      *string          `json:"tier,omitempty"`
	Rank      int              `json:"rank,omitempty"`
	Frozen    bool             `json:"frozen"`
	Claimed   bool             `json:"claimed"`
	Totals    map[string]int64 `json:"totals"`
}

type ClaimResult struct {
	MissionID string       `json:"mission_id"`
	UserID    string       `json:"user_id"`
	Tier      string       `json:"tier"`
	Reward    RewardBundle `json:"reward"`
}

// CreateMissionRequest mirrors the create-mission payload.
type CreateMissionRequest struct {
	Name           string                  `json:"name"`
	Description    string                  `json:"description,omitempty"`
	Type           string                  `json:"type,omitempty"`
	Requirements   map[string]int64        `json:"requirements"`
	TierThresholds []TierThreshold         `json:"tier_thresholds,omitempty"`
	RewardsByTier  map[string]RewardBundle `json:"rewards_by_tier,omitempty"`
	EndsAt         string                  `json:"ends_at"`
	StartNow       bool                    `json:"start_now,omitempty"`
}

// LeaderboardQuery filters a leaderboard request.
type LeaderboardQuery struct {
	GuildID  string
	Tier     string
	Page     int
	PageSize int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type missionEnvelope struct {
	Mission Mission `json:"mission"`
}

type missionListEnvelope struct {
	Missions []Mission `json:"missions"`
	Count    int       `json:"count"`
}

// CreateMission creates a mission (admin credentials required).
func (c *Client) CreateMission(ctx context.Context, req CreateMissionRequest) (Mission, error) {
	var resp missionEnvelope
	err := c.do(ctx, http.MethodPost, "v1/missions", req, &resp)
	return resp.Mission, err
}

// GetMission fetches one mission.
func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp missionEnvelope
	err := c.do(ctx, http.MethodGet, "v1/missions/"+url.PathEscape(id), nil, &resp)
	return resp.Mission, err
}

// ListMissions lists missions, optionally filtered by status.
func (c *Client) ListMissions(ctx context.Context, status string) ([]Mission, error) {
	endpoint := "v1/missions"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp missionListEnvelope
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Missions, err
}

// StartMission activates a scheduled mission.
func (c *Client) StartMission(ctx context.Context, id string) (Mission, error) {
	var resp missionEnvelope
	err := c.do(ctx, http.MethodPost, "v1/missions/"+url.PathEscape(id)+"/start", nil, &resp)
	return resp.Mission, err
}

// EndMission ends an active mission. With forced set the mission is marked
// completed even if requirements are unmet.
func (c *Client) EndMission(ctx context.Context, id string, forced bool) (Mission, error) {
	var resp missionEnvelope
	err := c.do(ctx, http.MethodPost, "v1/missions/"+url.PathEscape(id)+"/end", map[string]any{"forced": forced}, &resp)
	return resp.Mission, err
}

// Contribute records deltas for the authenticated player.
func (c *Client) Contribute(ctx context.Context, missionID string, deltas map[string]int64) (ContributionResult, error) {
	body := map[string]any{"contributions": deltas}
	var resp ContributionResult
	err := c.do(ctx, http.MethodPost, "v1/missions/"+url.PathEscape(missionID)+"/contributions", body, &resp)
	return resp, err
}

// Leaderboard fetches a ranked page of participants.
func (c *Client) Leaderboard(ctx context.Context, missionID string, q LeaderboardQuery) (Leaderboard, error) {
	params := url.Values{}
	if q.GuildID != "" {
		params.Set("guild_id", q.GuildID)
	}
	if q.Tier != "" {
		params.Set("tier", q.Tier)
	}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		params.Set("page_size", strconv.Itoa(q.PageSize))
	}
	endpoint := "v1/missions/" + url.PathEscape(missionID) + "/leaderboard"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp Leaderboard
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Standing fetches the authenticated player's standing.
func (c *Client) Standing(ctx context.Context, missionID string) (Standing, error) {
	var resp Standing
	err := c.do(ctx, http.MethodGet, "v1/missions/"+url.PathEscape(missionID)+"/standing", nil, &resp)
	return resp, err
}

// Claim claims the authenticated player's reward.
func (c *Client) Claim(ctx context.Context, missionID string) (ClaimResult, error) {
	var resp ClaimResult
	err := c.do(ctx, http.MethodPost, "v1/missions/"+url.PathEscape(missionID)+"/claim", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
