package engine

import "github.com/KDLN/aurelian-missions/internal/domain"

// Score computes a participant's contribution score against a mission's
// requirements: the unweighted mean of per-key ratios contributed/required.
// Item key ratios cap at 1.0 so stockpiling one resource cannot carry a
// mission; the reserved gold and trades keys stay uncapped so overshoot on
// them keeps counting toward higher tiers.
func Score(contribution, requirements map[string]int64) float64 {
	if len(requirements) == 0 {
		return 0
	}
	var sum float64
	for key, required := range requirements {
		if required <= 0 {
			continue
		}
		ratio := float64(contribution[key]) / float64(required)
		if ratio > 1.0 && key != domain.ResourceGold && key != domain.ResourceTrades {
			ratio = 1.0
		}
		sum += ratio
	}
	return sum / float64(len(requirements))
}

// TierFor maps a score onto the highest threshold it clears. Thresholds are
// stored ascending, so the scan runs from the top down. A score below the
// lowest threshold earns no tier.
func TierFor(score float64, thresholds []domain.TierThreshold) *string {
	for i := len(thresholds) - 1; i >= 0; i-- {
		if score >= thresholds[i].Multiplier {
			tier := thresholds[i].Tier
			return &tier
		}
	}
	return nil
}
