package engine_test

import (
	"testing"
	"time"

	"github.com/KDLN/aurelian-missions/internal/engine"
)

func TestLeaderboardLiveOrdering(t *testing.T) {
	env := newTestEnv(t)
	m := env.createActive(t, map[string]int64{"iron_ore": 100})

	contribute(t, env, m.ID, "carol", map[string]int64{"iron_ore": 10})
	*env.Clock = env.Clock.Add(time.Minute)
	contribute(t, env, m.ID, "alice", map[string]int64{"iron_ore": 50})
	*env.Clock = env.Clock.Add(time.Minute)
	contribute(t, env, m.ID, "bob", map[string]int64{"iron_ore": 50})

	board, err := env.Engine.Leaderboard(env.Ctx, m.ID, engine.LeaderboardOptions{})
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if board.Frozen {
		t.Fatalf("board frozen on active mission")
	}
	if len(board.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(board.Entries))
	}
	// alice and bob tie on score; alice joined first
	wantOrder := []string{"alice", "bob", "carol"}
	for i, want := range wantOrder {
		if board.Entries[i].UserID != want {
			t.Fatalf("rank %d = %s, want %s", i+1, board.Entries[i].UserID, want)
		}
		if board.Entries[i].Rank != i+1 {
			t.Fatalf("rank field = %d, want %d", board.Entries[i].Rank, i+1)
		}
	}
	if board.Entries[0].Tier == nil || *board.Entries[0].Tier != "silver" {
		t.Fatalf("alice live tier = %v, want silver", board.Entries[0].Tier)
	}
	if board.Entries[2].Tier != nil {
		t.Fatalf("carol live tier = %q, want none at 0.1", *board.Entries[2].Tier)
	}
}

func TestLeaderboardFrozenUsesStoredRanks(t *testing.T) {
	env := newTestEnv(t)
	m := env.createActive(t, map[string]int64{"iron_ore": 100})
	contribute(t, env, m.ID, "alice", map[string]int64{"iron_ore": 70})
	contribute(t, env, m.ID, "bob", map[string]int64{"iron_ore": 20})
	if _, err := env.Engine.EndMission(env.Ctx, m.ID, "admin", false); err != nil {
		t.Fatal(err)
	}

	board, err := env.Engine.Leaderboard(env.Ctx, m.ID, engine.LeaderboardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !board.Frozen {
		t.Fatalf("board not frozen on failed mission")
	}
	if board.Entries[0].UserID != "alice" || board.Entries[0].Rank != 1 {
		t.Fatalf("entry 0 = %+v", board.Entries[0])
	}
	if board.Entries[1].UserID != "bob" || board.Entries[1].Rank != 2 {
		t.Fatalf("entry 1 = %+v", board.Entries[1])
	}
	if board.Entries[0].Tier == nil || *board.Entries[0].Tier != "silver" {
		t.Fatalf("alice frozen tier = %v, want silver", board.Entries[0].Tier)
	}
}

func TestLeaderboardGuildFilterKeepsGlobalRanks(t *testing.T) {
	env := newTestEnv(t)
	m := env.createActive(t, map[string]int64{"iron_ore": 100})
	red, blue := "red", "blue"

	contributeGuild := func(user string, guild *string, qty int64) {
		t.Helper()
		_, err := env.Engine.Contribute(env.Ctx, engine.ContributeOptions{
			MissionID: m.ID, UserID: user, GuildID: guild,
			Deltas: map[string]int64{"iron_ore": qty},
		})
		if err != nil {
			t.Fatalf("contribute %s: %v", user, err)
		}
	}
	contributeGuild("alice", &red, 50)
	contributeGuild("bob", &blue, 40)
	contributeGuild("carol", &red, 30)

	board, err := env.Engine.Leaderboard(env.Ctx, m.ID, engine.LeaderboardOptions{GuildID: "red"})
	if err != nil {
		t.Fatal(err)
	}
	if board.Total != 2 || len(board.Entries) != 2 {
		t.Fatalf("filtered total = %d entries = %d, want 2", board.Total, len(board.Entries))
	}
	// global ranks survive filtering: carol is 3rd overall, not 2nd
	if board.Entries[0].UserID != "alice" || board.Entries[0].Rank != 1 {
		t.Fatalf("entry 0 = %+v", board.Entries[0])
	}
	if board.Entries[1].UserID != "carol" || board.Entries[1].Rank != 3 {
		t.Fatalf("entry 1 = %+v", board.Entries[1])
	}
}

func TestLeaderboardTierFilter(t *testing.T) {
	env := newTestEnv(t)
	m := env.createActive(t, map[string]int64{"iron_ore": 100})
	contribute(t, env, m.ID, "alice", map[string]int64{"iron_ore": 60})
	contribute(t, env, m.ID, "bob", map[string]int64{"iron_ore": 30})
	contribute(t, env, m.ID, "carol", map[string]int64{"iron_ore": 5})

	board, err := env.Engine.Leaderboard(env.Ctx, m.ID, engine.LeaderboardOptions{Tier: "bronze"})
	if err != nil {
		t.Fatal(err)
	}
	if board.Total != 1 || board.Entries[0].UserID != "bob" {
		t.Fatalf("bronze filter = %+v", board.Entries)
	}
}

func TestLeaderboardPaginationAndOwnEntry(t *testing.T) {
	env := newTestEnv(t)
	m := env.createActive(t, map[string]int64{"iron_ore": 1000})
	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for i, u := range users {
		contribute(t, env, m.ID, u, map[string]int64{"iron_ore": int64(100 - i*10)})
	}

	board, err := env.Engine.Leaderboard(env.Ctx, m.ID, engine.LeaderboardOptions{
		Page: 1, PageSize: 2, UserID: "u5",
	})
	if err != nil {
		t.Fatal(err)
	}
	if board.Total != 5 {
		t.Fatalf("total = %d, want 5", board.Total)
	}
	if len(board.Entries) != 2 || board.Entries[0].UserID != "u1" {
		t.Fatalf("page 1 = %+v", board.Entries)
	}
	// u5 is off the page but attached as the caller's own entry
	if board.Own == nil || board.Own.UserID != "u5" || board.Own.Rank != 5 {
		t.Fatalf("own = %+v", board.Own)
	}

	board, err = env.Engine.Leaderboard(env.Ctx, m.ID, engine.LeaderboardOptions{Page: 3, PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(board.Entries) != 1 || board.Entries[0].UserID != "u5" {
		t.Fatalf("page 3 = %+v", board.Entries)
	}

	// page past the end is empty, not an error
	board, err = env.Engine.Leaderboard(env.Ctx, m.ID, engine.LeaderboardOptions{Page: 9, PageSize: 2})
	if err != nil || len(board.Entries) != 0 {
		t.Fatalf("page 9 = %+v err=%v", board.Entries, err)
	}
}

func TestLeaderboardEmptyMission(t *testing.T) {
	env := newTestEnv(t)
	m := env.createActive(t, map[string]int64{"iron_ore": 100})
	board, err := env.Engine.Leaderboard(env.Ctx, m.ID, engine.LeaderboardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if board.Total != 0 || len(board.Entries) != 0 {
		t.Fatalf("empty board = %+v", board)
	}
}
