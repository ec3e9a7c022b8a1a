// Package gate implements the quality gate protecting each phase: scoring a
// work item against the phase's weighted criteria and aggregating the scores
// into a pass, fail, or escalate decision.
package gate

import (
	"fmt"

	"github.com/flywheelhq/gateflow/workflow"
)

// WeightedScore computes the weight-normalized mean of per-criterion scores:
// sum(score_i * weight_i) / sum(weight_i). Weights need not sum to any fixed
// total; scaling every weight by the same positive constant leaves the
// result unchanged.
func WeightedScore(criteria []workflow.Criterion, scores map[string]float64) (float64, error) {
	if len(criteria) == 0 {
		return 0, fmt.Errorf("no criteria to aggregate")
	}

	var weightedSum, weightTotal float64
	for _, c := range criteria {
		score, ok := scores[c.ID]
		if !ok {
			return 0, fmt.Errorf("missing score for criterion %s", c.ID)
		}
		weightedSum += score * c.Weight
		weightTotal += c.Weight
	}

	if weightTotal <= 0 {
		return 0, fmt.Errorf("total criterion weight must be positive")
	}

	return weightedSum / weightTotal, nil
}

// Decide applies the gate decision rule with closed interval boundaries:
// score >= passThreshold passes, escalateThreshold <= score < passThreshold
// escalates, anything below fails. Escalation always requires a human
// override; it is never auto-resolved.
func Decide(score, passThreshold, escalateThreshold float64) workflow.Decision {
	switch {
	case score >= passThreshold:
		return workflow.DecisionPass
	case score >= escalateThreshold:
		return workflow.DecisionEscalate
	default:
		return workflow.DecisionFail
	}
}

// Clamp bounds a score to [0,100]. The second return reports whether
// clamping was needed, which downgrades the assessment source to fallback.
func Clamp(score float64) (float64, bool) {
	switch {
	case score < 0:
		return 0, true
	case score > 100:
		return 100, true
	default:
		return score, false
	}
}
