package engine_test

import (
	"testing"

	"github.com/KDLN/aurelian-missions/internal/domain"
	"github.com/KDLN/aurelian-missions/internal/engine"
)

func TestScore(t *testing.T) {
	reqs := map[string]int64{"iron_ore": 100, "oak_wood": 50}
	cases := []struct {
		name         string
		contribution map[string]int64
		want         float64
	}{
		{"empty", nil, 0},
		{"half of one key", map[string]int64{"iron_ore": 50}, 0.25},
		{"both keys full", map[string]int64{"iron_ore": 100, "oak_wood": 50}, 1.0},
		{"item overshoot capped", map[string]int64{"iron_ore": 500, "oak_wood": 0}, 0.5},
	}
	for _, tc := range cases {
		if got := engine.Score(tc.contribution, reqs); got != tc.want {
			t.Errorf("%s: score = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestScoreGoldAndTradesUncapped(t *testing.T) {
	reqs := map[string]int64{domain.ResourceGold: 100, domain.ResourceTrades: 10}
	got := engine.Score(map[string]int64{domain.ResourceGold: 300, domain.ResourceTrades: 10}, reqs)
	if got != 2.0 {
		t.Fatalf("score = %v, want 2.0 (gold ratio 3.0 uncapped)", got)
	}
}

func TestScoreNoRequirements(t *testing.T) {
	if got := engine.Score(map[string]int64{"iron_ore": 10}, nil); got != 0 {
		t.Fatalf("score = %v, want 0", got)
	}
}

func TestTierFor(t *testing.T) {
	thresholds := []domain.TierThreshold{
		{Tier: "bronze", Multiplier: 0.25},
		{Tier: "silver", Multiplier: 0.5},
		{Tier: "gold", Multiplier: 1.0},
		{Tier: "legendary", Multiplier: 2.0},
	}
	cases := []struct {
		score float64
		want  string
	}{
		{0, ""},
		{0.24, ""},
		{0.25, "bronze"},
		{0.49, "bronze"},
		{0.5, "silver"},
		{0.99, "silver"},
		{1.0, "gold"},
		{1.99, "gold"},
		{2.0, "legendary"},
		{7.5, "legendary"},
	}
	for _, tc := range cases {
		got := engine.TierFor(tc.score, thresholds)
		if tc.want == "" {
			if got != nil {
				t.Errorf("TierFor(%v) = %q, want none", tc.score, *got)
			}
			continue
		}
		if got == nil || *got != tc.want {
			t.Errorf("TierFor(%v) = %v, want %q", tc.score, got, tc.want)
		}
	}
}

func TestTierForNoThresholds(t *testing.T) {
	if got := engine.TierFor(5.0, nil); got != nil {
		t.Fatalf("TierFor = %q, want none", *got)
	}
}
