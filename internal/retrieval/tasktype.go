// Package retrieval implements task-aware memory retrieval: it detects
// what kind of work the caller is doing, weights the four memory tiers
// accordingly, scores candidates by relevance, importance, and confidence,
// and optionally packs results into a token budget with progressive
// disclosure.
package retrieval

import (
	"strings"
)

// TaskType is the detected kind of work driving a retrieval.
type TaskType string

const (
	TaskExploration    TaskType = "exploration"
	TaskImplementation TaskType = "implementation"
	TaskDebugging      TaskType = "debugging"
	TaskReview         TaskType = "review"
	TaskRefactoring    TaskType = "refactoring"
)

// taskTypeOrder fixes iteration order so detection is deterministic.
var taskTypeOrder = []TaskType{
	TaskExploration, TaskImplementation, TaskDebugging, TaskReview, TaskRefactoring,
}

// Context describes the work a retrieval serves.
type Context struct {
	Goal       string `json:"goal"`
	ActionType string `json:"action_type,omitempty"`
	Phase      string `json:"phase,omitempty"`
}

// taskSignals drives task type detection: goal keywords score 1 each,
// action and phase matches score 2 each.
var taskSignals = map[TaskType]struct {
	keywords []string
	actions  []string
	phases   []string
}{
	TaskExploration: {
		keywords: []string{"explore", "research", "investigate", "understand", "survey", "compare options"},
		actions:  []string{"research", "explore", "investigate"},
		phases:   []string{"discovery", "planning"},
	},
	TaskImplementation: {
		keywords: []string{"implement", "build", "create", "add", "write", "develop"},
		actions:  []string{"implement", "create", "build"},
		phases:   []string{"implementation", "development"},
	},
	TaskDebugging: {
		keywords: []string{"debug", "fix", "error", "bug", "crash", "failing", "broken"},
		actions:  []string{"fix", "debug"},
		phases:   []string{"stabilization", "debugging"},
	},
	TaskReview: {
		keywords: []string{"review", "audit", "verify", "check", "assess", "inspect"},
		actions:  []string{"review", "verify", "audit"},
		phases:   []string{"review", "verification"},
	},
	TaskRefactoring: {
		keywords: []string{"refactor", "restructure", "simplify", "clean up", "extract", "rename"},
		actions:  []string{"refactor"},
		phases:   []string{"hardening", "cleanup"},
	},
}

// DetectTaskType scores the context against each task type's signals and
// returns the winner. All-zero scores default to implementation.
func DetectTaskType(ctx Context) TaskType {
	goal := strings.ToLower(ctx.Goal)
	action := strings.ToLower(strings.TrimSpace(ctx.ActionType))
	phase := strings.ToLower(strings.TrimSpace(ctx.Phase))

	best := TaskImplementation
	bestScore := 0
	for _, tt := range taskTypeOrder {
		sig := taskSignals[tt]
		score := 0
		for _, kw := range sig.keywords {
			if strings.Contains(goal, kw) {
				score++
			}
		}
		for _, a := range sig.actions {
			if action == a {
				score += 2
			}
		}
		for _, p := range sig.phases {
			if phase == p {
				score += 2
			}
		}
		if score > bestScore {
			best, bestScore = tt, score
		}
	}
	return best
}
