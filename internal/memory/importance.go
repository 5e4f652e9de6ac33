package memory

import (
	"math"
	"time"
)

// ImportanceInput carries the signals the scorer looks at. TaskType, when
// set, lets phase/category matches bid the score up.
type ImportanceInput struct {
	Outcome        Outcome
	ResolvedErrors int
	AccessCount    int
	Confidence     float64 // 0 when the entity has no confidence field
	HasConfidence  bool
	Phase          string
	Category       string
	TaskType       string
}

// ComputeImportance scores an entry in [0.01, 1.0].
//
// Start at 0.5; +0.1 for success, -0.1 for failure; up to +0.15 from
// resolved errors; log-scaled access boost capped at 0.15; blend with
// confidence when present; +0.1 each for phase/category matching the task
// type.
func ComputeImportance(in ImportanceInput) float64 {
	score := 0.5

	switch in.Outcome {
	case OutcomeSuccess:
		score += 0.1
	case OutcomeFailure:
		score -= 0.1
	}

	errBoost := 0.05 * float64(in.ResolvedErrors)
	if errBoost > 0.15 {
		errBoost = 0.15
	}
	score += errBoost

	accessBoost := 0.05 * math.Log(1+float64(in.AccessCount))
	if accessBoost > 0.15 {
		accessBoost = 0.15
	}
	score += accessBoost

	if in.HasConfidence {
		score = (score + in.Confidence) / 2
	}

	if in.TaskType != "" {
		if in.Phase == in.TaskType {
			score += 0.1
		}
		if in.Category == in.TaskType {
			score += 0.1
		}
	}

	return clampImportance(score)
}

// DecayedImportance applies exponential decay to current importance given
// the time since last access: new = cur * exp(-rate * days / halfLife),
// floored at 0.01.
func DecayedImportance(current float64, lastAccess time.Time, now time.Time, rate, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return clampImportance(current)
	}
	days := now.Sub(lastAccess).Hours() / 24
	if days <= 0 {
		return clampImportance(current)
	}
	decayed := current * math.Exp(-rate*days/halfLifeDays)
	return clampImportance(decayed)
}

// BoostedImportance applies a diminishing-return retrieval boost:
// new = cur + boost * (1 - cur). The increase is always non-negative and
// bounded by boost*(1-cur).
func BoostedImportance(current, boost float64) float64 {
	return clampImportance(current + boost*(1-current))
}
