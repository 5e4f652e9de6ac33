package composer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loki/internal/classifier"
	"loki/internal/types"
)

func agentTypes(team *Team) []string {
	out := make([]string, len(team.Agents))
	for i, a := range team.Agents {
		out[i] = a.Type
	}
	return out
}

func hasType(team *Team, agentType string) bool {
	for _, a := range team.Agents {
		if a.Type == agentType {
			return true
		}
	}
	return false
}

func TestBaseTeamAlwaysPresent(t *testing.T) {
	c := classifier.Classification{Tier: classifier.TierSimple, AgentCount: 3, Features: map[string]int{}}
	team := Compose(c, nil, nil)

	assert.Equal(t, []string{"eng-planner", "eng-backend", "review-code"}, agentTypes(team))
	for _, a := range team.Agents {
		assert.Equal(t, types.PriorityCritical, a.Priority)
		assert.Equal(t, types.AgentIdle, a.Status)
		assert.NotEmpty(t, a.ID)
	}
}

func TestSpecialistsFromFeatures(t *testing.T) {
	c := classifier.Classification{
		Tier:       classifier.TierStandard,
		AgentCount: 6,
		Features: map[string]int{
			"database_complexity":  2,
			"ui_complexity":        1,
			"testing_requirements": 1,
		},
	}
	team := Compose(c, nil, nil)

	assert.True(t, hasType(team, "eng-database"))
	assert.True(t, hasType(team, "eng-frontend"))
	assert.True(t, hasType(team, "eng-qa"))
	assert.Len(t, team.Agents, 6)
}

func TestEnterpriseExtrasAndTruncation(t *testing.T) {
	c := classifier.Classification{
		Tier:       classifier.TierEnterprise,
		AgentCount: 12,
		Features: map[string]int{
			"service_count":         3,
			"external_apis":         2,
			"database_complexity":   2,
			"deployment_complexity": 2,
			"testing_requirements":  1,
			"ui_complexity":         1,
			"auth_complexity":       2,
		},
	}
	team := Compose(c, nil, nil)

	// 3 base + 7 specialists + 3 enterprise = 13, truncated to 12 by
	// dropping the lowest-priority tail.
	require.Len(t, team.Agents, 12)
	assert.True(t, hasType(team, "ops-sre"))
	assert.True(t, hasType(team, "ops-compliance"))
	assert.False(t, hasType(team, "eng-analytics"), "lowest-priority extra dropped")

	// Priorities are non-decreasing.
	for i := 1; i < len(team.Agents); i++ {
		assert.GreaterOrEqual(t, team.Agents[i].Priority, team.Agents[i-1].Priority)
	}
}

func TestOrgPatternsPullSpecialists(t *testing.T) {
	c := classifier.Classification{Tier: classifier.TierSimple, AgentCount: 6, Features: map[string]int{}}
	patterns := []OrgPattern{
		{Name: "platform", Text: "We deploy everything on Kubernetes with Terraform."},
	}
	team := Compose(c, patterns, nil)

	assert.True(t, hasType(team, "ops-deploy"))
	assert.Equal(t, SourceOrgKnowledge, team.Source)
}

type fixedScorer map[string]float64

func (f fixedScorer) Score(agentType string) float64 {
	if s, ok := f[agentType]; ok {
		return s
	}
	return 0.5
}

func TestPerformanceReorderWithinPriority(t *testing.T) {
	c := classifier.Classification{
		Tier:       classifier.TierStandard,
		AgentCount: 6,
		Features: map[string]int{
			"database_complexity": 1,
			"ui_complexity":       1,
			"auth_complexity":     1,
		},
	}
	scorer := fixedScorer{
		"ops-security": 0.9,
		"eng-database": 0.4,
		"eng-frontend": 0.6,
	}
	team := Compose(c, nil, scorer)

	// Core team stays first in canonical order.
	assert.Equal(t, "eng-planner", team.Agents[0].Type)

	// Specialists sorted by descending score.
	var specialists []string
	for _, a := range team.Agents {
		if a.Priority == types.PrioritySpecialist {
			specialists = append(specialists, a.Type)
		}
	}
	assert.Equal(t, []string{"ops-security", "eng-frontend", "eng-database"}, specialists)
}

func TestComposeDeterministic(t *testing.T) {
	c := classifier.Classification{
		Tier:       classifier.TierStandard,
		AgentCount: 6,
		Features:   map[string]int{"database_complexity": 1, "ui_complexity": 2},
	}
	a := Compose(c, nil, nil)
	b := Compose(c, nil, nil)
	assert.Equal(t, agentTypes(a), agentTypes(b))
	assert.Equal(t, a.Rationale, b.Rationale)
}
