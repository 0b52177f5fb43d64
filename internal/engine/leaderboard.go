package engine

import (
	"context"
	"sort"

	"github.com/KDLN/aurelian-missions/internal/domain"
)

// LeaderboardOptions filter and page a mission leaderboard. A PageSize of 0
// uses the default; -1 disables paging and returns every entry. When UserID
// is set, the caller's own entry is attached even if it falls off the
// requested page.
type LeaderboardOptions struct {
	GuildID  string
	Tier     string
	Page     int
	PageSize int
	UserID   string
}

const defaultPageSize = 50

// LeaderboardEntry is one ranked row.
type LeaderboardEntry struct {
	Rank         int              `json:"rank"`
	UserID       string           `json:"user_id"`
	GuildID      *string          `json:"guild_id,omitempty"`
	Score        float64          `json:"score"`
	Tier         *string          `json:"tier,omitempty"`
	Contribution map[string]int64 `json:"contribution"`
}

// Leaderboard is a page of ranked participants.
type Leaderboard struct {
	MissionID string             `json:"mission_id"`
	Frozen    bool               `json:"frozen"`
	Total     int                `json:"total"`
	Page      int                `json:"page"`
	PageSize  int                `json:"page_size"`
	Entries   []LeaderboardEntry `json:"entries"`
	Own       *LeaderboardEntry  `json:"own,omitempty"`
}

// Leaderboard ranks a mission's participants. While the mission is active,
// scores and tiers are computed live from current contributions; once it is
// terminal, the frozen tier and rank columns are authoritative and never
// recomputed. Filters apply before ranks are paginated, so a guild-filtered
// page still shows each entry's global rank.
func (e Engine) Leaderboard(ctx context.Context, missionID string, opts LeaderboardOptions) (Leaderboard, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return Leaderboard{}, err
	}
	participants, err := e.Repo.ListParticipants(ctx, missionID)
	if err != nil {
		return Leaderboard{}, err
	}

	frozen := m.Status == domain.StatusCompleted || m.Status == domain.StatusFailed
	type row struct {
		entry    LeaderboardEntry
		joinedAt string
	}
	rows := make([]row, 0, len(participants))
	for _, p := range participants {
		entry := LeaderboardEntry{
			UserID:       p.UserID,
			GuildID:      p.GuildID,
			Score:        Score(p.Contribution, m.Requirements),
			Contribution: p.Contribution,
		}
		if frozen {
			entry.Tier = p.Tier
			if p.Rank != nil {
				entry.Rank = *p.Rank
			}
		} else {
			entry.Tier = TierFor(entry.Score, m.TierThresholds)
		}
		rows = append(rows, row{entry: entry, joinedAt: p.JoinedAt})
	}

	if frozen {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].entry.Rank < rows[j].entry.Rank })
	} else {
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].entry.Score != rows[j].entry.Score {
				return rows[i].entry.Score > rows[j].entry.Score
			}
			if rows[i].joinedAt != rows[j].joinedAt {
				return rows[i].joinedAt < rows[j].joinedAt
			}
			return rows[i].entry.UserID < rows[j].entry.UserID
		})
		for i := range rows {
			rows[i].entry.Rank = i + 1
		}
	}
	entries := make([]LeaderboardEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.entry)
	}

	var own *LeaderboardEntry
	filtered := entries[:0:0]
	for _, entry := range entries {
		if opts.UserID != "" && entry.UserID == opts.UserID {
			copied := entry
			own = &copied
		}
		if opts.GuildID != "" && (entry.GuildID == nil || *entry.GuildID != opts.GuildID) {
			continue
		}
		if opts.Tier != "" && (entry.Tier == nil || *entry.Tier != opts.Tier) {
			continue
		}
		filtered = append(filtered, entry)
	}

	board := Leaderboard{
		MissionID: missionID,
		Frozen:    frozen,
		Total:     len(filtered),
		Own:       own,
	}
	if opts.PageSize < 0 {
		board.Page = 1
		board.PageSize = len(filtered)
		board.Entries = filtered
		return board, nil
	}
	page := opts.Page
	if page < 1 {
		page = 1
	}
	size := opts.PageSize
	if size == 0 {
		size = defaultPageSize
	}
	start := (page - 1) * size
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + size
	if end > len(filtered) {
		end = len(filtered)
	}
	board.Page = page
	board.PageSize = size
	board.Entries = filtered[start:end]
	return board, nil
}
