// Package composer turns a classification, optional organisational
// patterns, and agent performance history into an ordered, priority-tagged
// team of agent roles.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"loki/internal/classifier"
	"loki/internal/logging"
	"loki/internal/types"
)

// TeamSource records what drove the composition.
type TeamSource string

const (
	SourceClassification TeamSource = "classification"
	SourceOrgKnowledge   TeamSource = "org_knowledge"
)

// OrgPattern is one organisational pattern: free text describing how teams
// here are usually staffed, scanned for technology tokens.
type OrgPattern struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Team is a composed, ordered team of agents.
type Team struct {
	Agents    []types.Agent `json:"agents"`
	Rationale []string      `json:"rationale"`
	Source    TeamSource    `json:"source"`
}

// Scorer supplies performance scores per agent type; the performance
// tracker implements it. A nil Scorer skips the reorder step.
type Scorer interface {
	Score(agentType string) float64
}

// baseTeam is always present, priority 1.
var baseTeam = []roleSpec{
	{agentType: "eng-planner", role: "Planner"},
	{agentType: "eng-backend", role: "Backend Engineer"},
	{agentType: "review-code", role: "Code Reviewer"},
}

type roleSpec struct {
	agentType string
	role      string
}

// categorySpecialists maps feature categories to the specialist they pull in.
var categorySpecialists = map[string]roleSpec{
	"service_count":         {agentType: "eng-services", role: "Services Engineer"},
	"external_apis":         {agentType: "eng-integrations", role: "Integrations Engineer"},
	"database_complexity":   {agentType: "eng-database", role: "Database Engineer"},
	"deployment_complexity": {agentType: "ops-deploy", role: "Deployment Engineer"},
	"testing_requirements":  {agentType: "eng-qa", role: "QA Engineer"},
	"ui_complexity":         {agentType: "eng-frontend", role: "Frontend Engineer"},
	"auth_complexity":       {agentType: "ops-security", role: "Security Engineer"},
}

// enterpriseExtras join priority 3 on enterprise tier.
var enterpriseExtras = []roleSpec{
	{agentType: "ops-sre", role: "Site Reliability Engineer"},
	{agentType: "ops-compliance", role: "Compliance Officer"},
	{agentType: "eng-analytics", role: "Analytics Engineer"},
}

// technologySpecialists maps technology tokens found in org patterns to
// specialists.
var technologySpecialists = map[string]roleSpec{
	"kubernetes": {agentType: "ops-deploy", role: "Deployment Engineer"},
	"terraform":  {agentType: "ops-deploy", role: "Deployment Engineer"},
	"react":      {agentType: "eng-frontend", role: "Frontend Engineer"},
	"graphql":    {agentType: "eng-services", role: "Services Engineer"},
	"postgres":   {agentType: "eng-database", role: "Database Engineer"},
	"kafka":      {agentType: "eng-services", role: "Services Engineer"},
	"ml":         {agentType: "eng-ml", role: "ML Engineer"},
	"mobile":     {agentType: "eng-mobile", role: "Mobile Engineer"},
}

// Compose builds the team for a classification. The result is
// deterministic for a given classification, org patterns, and scorer
// snapshot; ties are broken by stable sort.
func Compose(c classifier.Classification, orgPatterns []OrgPattern, scorer Scorer) *Team {
	log := logging.Get(logging.CategoryComposer)

	team := &Team{Source: SourceClassification}
	present := make(map[string]bool)

	add := func(spec roleSpec, priority int, why string) {
		if present[spec.agentType] {
			return
		}
		present[spec.agentType] = true
		team.Agents = append(team.Agents, types.Agent{
			ID:       uuid.NewString(),
			Type:     spec.agentType,
			Role:     spec.role,
			Priority: priority,
			Status:   types.AgentIdle,
		})
		team.Rationale = append(team.Rationale, why)
	}

	// 1. Base team.
	for _, spec := range baseTeam {
		add(spec, types.PriorityCritical, fmt.Sprintf("%s: core team", spec.agentType))
	}

	// 2. One specialist per active feature category, in stable order.
	for _, category := range sortedKeys(c.Features) {
		if c.Features[category] == 0 {
			continue
		}
		if spec, ok := categorySpecialists[category]; ok {
			add(spec, types.PrioritySpecialist,
				fmt.Sprintf("%s: %d %s signal(s)", spec.agentType, c.Features[category], category))
		}
	}

	// 3. Enterprise extras.
	if c.Tier == classifier.TierEnterprise {
		for _, spec := range enterpriseExtras {
			add(spec, types.PriorityOptional, fmt.Sprintf("%s: enterprise tier", spec.agentType))
		}
	}

	// 4. Org patterns: technology tokens pull in specialists.
	for _, p := range orgPatterns {
		text := strings.ToLower(p.Text)
		for _, token := range sortedKeys(technologySpecialists) {
			if !strings.Contains(text, token) {
				continue
			}
			if present[technologySpecialists[token].agentType] {
				continue
			}
			add(technologySpecialists[token], types.PrioritySpecialist,
				fmt.Sprintf("%s: org pattern %q mentions %s", technologySpecialists[token].agentType, p.Name, token))
			team.Source = SourceOrgKnowledge
		}
	}

	// 5. Sort by priority, truncate to the recommended size.
	sort.SliceStable(team.Agents, func(i, j int) bool {
		return team.Agents[i].Priority < team.Agents[j].Priority
	})
	if c.AgentCount > 0 && len(team.Agents) > c.AgentCount {
		dropped := len(team.Agents) - c.AgentCount
		team.Agents = team.Agents[:c.AgentCount]
		team.Rationale = append(team.Rationale, fmt.Sprintf("truncated %d agent(s) to fit team size %d", dropped, c.AgentCount))
	}

	// 6. Within equal priority, prefer historically stronger agent types.
	if scorer != nil {
		sort.SliceStable(team.Agents, func(i, j int) bool {
			a, b := team.Agents[i], team.Agents[j]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			if a.Priority == types.PriorityCritical {
				return false // core team keeps its canonical order
			}
			return scorer.Score(a.Type) > scorer.Score(b.Type)
		})
	}

	log.Info("composed %d agents for tier %s (source=%s)", len(team.Agents), c.Tier, team.Source)
	return team
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
