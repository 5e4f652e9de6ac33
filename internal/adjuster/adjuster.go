// Package adjuster mutates a running team based on quality signals from
// the orchestrator loop: failing gates pull in matching specialists, weak
// coverage pulls in QA, and a healthy oversized team sheds its most
// optional member.
package adjuster

import (
	"fmt"
	"strings"

	"loki/internal/logging"
	"loki/internal/types"
)

// Action is what the adjuster decided to do this cycle.
type Action string

const (
	ActionNone    Action = "none"
	ActionAdd     Action = "add"
	ActionRemove  Action = "remove"
	ActionReplace Action = "replace" // reached only when a cycle both adds and removes
)

// Signals are the loop-quality measurements feeding the rules.
type Signals struct {
	GatePassRate   float64  `json:"gate_pass_rate"`
	TestCoverage   float64  `json:"test_coverage"`
	ReviewPassRate float64  `json:"review_pass_rate"`
	IterationCount int      `json:"iteration_count"`
	FailedGates    []string `json:"failed_gates,omitempty"`
}

// Adjustment is the adjuster's decision.
type Adjustment struct {
	Action         Action        `json:"action"`
	AgentsToAdd    []types.Agent `json:"agents_to_add,omitempty"`
	AgentsToRemove []string      `json:"agents_to_remove,omitempty"` // agent ids
	Rationale      []string      `json:"rationale"`
}

// gateSpecialists maps failed gate names (lower-cased) to the specialist
// that addresses them. Unknown gate names are ignored.
var gateSpecialists = map[string]struct{ agentType, role string }{
	"security":      {"ops-security", "Security Engineer"},
	"test_coverage": {"eng-qa", "QA Engineer"},
	"tests":         {"eng-qa", "QA Engineer"},
	"performance":   {"ops-sre", "Site Reliability Engineer"},
	"deployment":    {"ops-deploy", "Deployment Engineer"},
	"migration":     {"eng-database", "Database Engineer"},
	"accessibility": {"eng-frontend", "Frontend Engineer"},
}

// Thresholds for the rules below.
const (
	strugglingGateRate   = 0.5
	strugglingIterations = 3
	lowCoverage          = 0.6
	lowReviewRate        = 0.5
	healthyRate          = 0.8
	minTeamForTrim       = 4
)

// Evaluate applies the adjustment rules in order against the current team.
// IDs for added agents are left empty; the orchestrator assigns them on
// admission.
func Evaluate(current []types.Agent, s Signals) Adjustment {
	log := logging.Get(logging.CategoryAdjuster)
	adj := Adjustment{Action: ActionNone}

	present := make(map[string]bool, len(current))
	for _, a := range current {
		present[a.Type] = true
	}
	adding := make(map[string]bool)
	add := func(agentType, role string, priority int, why string) {
		if present[agentType] || adding[agentType] {
			return
		}
		adding[agentType] = true
		adj.AgentsToAdd = append(adj.AgentsToAdd, types.Agent{
			Type:     agentType,
			Role:     role,
			Priority: priority,
			Status:   types.AgentIdle,
		})
		adj.Rationale = append(adj.Rationale, why)
	}

	// Rule 1: repeated gate failures pull in the specialists for the
	// failing gates.
	if s.GatePassRate < strugglingGateRate && s.IterationCount > strugglingIterations {
		for _, gate := range s.FailedGates {
			spec, ok := gateSpecialists[strings.ToLower(strings.TrimSpace(gate))]
			if !ok {
				continue
			}
			add(spec.agentType, spec.role, types.PrioritySpecialist,
				fmt.Sprintf("%s: gate %q failing with pass rate %.2f after %d iterations",
					spec.agentType, gate, s.GatePassRate, s.IterationCount))
		}
	}

	// Rule 2: weak coverage pulls in QA.
	if s.TestCoverage < lowCoverage {
		add("eng-qa", "QA Engineer", types.PrioritySpecialist,
			fmt.Sprintf("eng-qa: test coverage %.2f below %.2f", s.TestCoverage, lowCoverage))
	}

	// Rule 3: weak review outcomes pull in a second, security-focused
	// reviewer.
	if s.ReviewPassRate < lowReviewRate {
		add("review-security", "Security Reviewer", types.PrioritySpecialist,
			fmt.Sprintf("review-security: review pass rate %.2f below %.2f", s.ReviewPassRate, lowReviewRate))
	}

	if len(adj.AgentsToAdd) > 0 {
		adj.Action = ActionAdd
	}

	// Rule 4: a healthy oversized team sheds its most optional member.
	if adj.Action == ActionNone &&
		s.GatePassRate > healthyRate && s.TestCoverage > healthyRate && s.ReviewPassRate > healthyRate &&
		len(current) > minTeamForTrim {
		if victim := mostOptional(current); victim != nil {
			adj.Action = ActionRemove
			adj.AgentsToRemove = append(adj.AgentsToRemove, victim.ID)
			adj.Rationale = append(adj.Rationale,
				fmt.Sprintf("%s (%s): all signals healthy, trimming most optional agent", victim.Type, victim.ID))
		}
	}

	log.Info("adjustment: %s (+%d/-%d)", adj.Action, len(adj.AgentsToAdd), len(adj.AgentsToRemove))
	return adj
}

// mostOptional returns the agent with the highest priority number, or nil
// when nobody is at priority 3 or above.
func mostOptional(current []types.Agent) *types.Agent {
	var victim *types.Agent
	for i := range current {
		a := &current[i]
		if a.Priority < types.PriorityOptional {
			continue
		}
		if victim == nil || a.Priority > victim.Priority {
			victim = a
		}
	}
	return victim
}
