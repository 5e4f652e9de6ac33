package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"loki/internal/memory"
)

func TestDetectTaskType(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want TaskType
	}{
		{"empty defaults to implementation", Context{}, TaskImplementation},
		{"no signal defaults to implementation", Context{Goal: "database migration rollback"}, TaskImplementation},
		{"build keywords", Context{Goal: "implement user registration and add a login form"}, TaskImplementation},
		{"debugging keywords", Context{Goal: "fix the failing login flow, users report a crash"}, TaskDebugging},
		{"exploration keywords", Context{Goal: "research and compare options for the queue backend"}, TaskExploration},
		{"review keywords", Context{Goal: "review the auth changes and check the session handling"}, TaskReview},
		{"refactoring keywords", Context{Goal: "refactor the handler package and extract the parser"}, TaskRefactoring},
		{"action type outweighs weak goal", Context{Goal: "the cache layer", ActionType: "debug"}, TaskDebugging},
		{"phase outweighs weak goal", Context{Goal: "the cache layer", Phase: "review"}, TaskReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectTaskType(tt.ctx))
		})
	}
}

func TestTierWeightTable(t *testing.T) {
	assert.Equal(t, map[memory.Tier]float64{
		memory.TierEpisodic: 0.6, memory.TierSemantic: 0.3,
		memory.TierSkills: 0.1, memory.TierAntiPatterns: 0.0,
	}, tierWeights[TaskExploration])

	assert.Equal(t, map[memory.Tier]float64{
		memory.TierEpisodic: 0.15, memory.TierSemantic: 0.5,
		memory.TierSkills: 0.35, memory.TierAntiPatterns: 0.0,
	}, tierWeights[TaskImplementation])

	assert.Equal(t, map[memory.Tier]float64{
		memory.TierEpisodic: 0.4, memory.TierSemantic: 0.2,
		memory.TierSkills: 0.0, memory.TierAntiPatterns: 0.4,
	}, tierWeights[TaskDebugging])

	assert.Equal(t, map[memory.Tier]float64{
		memory.TierEpisodic: 0.3, memory.TierSemantic: 0.5,
		memory.TierSkills: 0.0, memory.TierAntiPatterns: 0.2,
	}, tierWeights[TaskReview])

	assert.Equal(t, map[memory.Tier]float64{
		memory.TierEpisodic: 0.25, memory.TierSemantic: 0.45,
		memory.TierSkills: 0.3, memory.TierAntiPatterns: 0.0,
	}, tierWeights[TaskRefactoring])
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("ab"))
	assert.Equal(t, 5, EstimateTokens("12345678901234567890"))
}
