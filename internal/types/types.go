// Package types defines the shared domain types for the loki coordination
// runtime: agents, tasks, review votes, and task results. These are the
// lingua franca between the classifier, composer, council, BFT layer, and
// orchestrator.
package types

import (
	"time"
)

// =============================================================================
// AGENTS
// =============================================================================

// AgentStatus describes what an agent is currently doing.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentWaiting  AgentStatus = "waiting"
	AgentExcluded AgentStatus = "excluded"
)

// Agent priorities. Priority 1 agents form the core team and are never
// trimmed; higher numbers are increasingly optional.
const (
	PriorityCritical   = 1
	PrioritySpecialist = 2
	PriorityOptional   = 3
)

// Agent is one member of a composed team.
type Agent struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"` // e.g. "eng-qa", "review-security"
	Role         string      `json:"role"`
	Priority     int         `json:"priority"` // 1 = critical
	Capabilities []string    `json:"capabilities,omitempty"`
	Status       AgentStatus `json:"status"`
}

// HasCapability reports whether the agent declares the given capability.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// =============================================================================
// TASKS
// =============================================================================

// TaskStatus is the lifecycle state of a queued task.
//
// Legal transitions: pending -> in_progress -> {review, failed};
// review -> {completed, pending}; completed and failed are terminal
// within a run.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// ValidTransition reports whether moving from s to next is legal.
func (s TaskStatus) ValidTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskInProgress
	case TaskInProgress:
		return next == TaskReview || next == TaskFailed
	case TaskReview:
		return next == TaskCompleted || next == TaskPending
	default:
		return false // completed/failed are terminal
	}
}

// TaskPayload carries the work description for a task.
type TaskPayload struct {
	Action      string `json:"action"`
	Priority    string `json:"priority,omitempty"`
	Description string `json:"description,omitempty"`
}

// TaskItem is one unit of work in the orchestrator queue.
type TaskItem struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Title     string      `json:"title"`
	Payload   TaskPayload `json:"payload"`
	Status    TaskStatus  `json:"status"`
	Position  int         `json:"position"`
	ParentID  string      `json:"parent_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// TaskResult is what an agent produced for a task. ResultHash is used by the
// BFT cross-check; Artifacts lists files the agent touched.
type TaskResult struct {
	TaskID     string   `json:"task_id"`
	AgentID    string   `json:"agent_id"`
	Output     string   `json:"output"`
	ResultHash string   `json:"result_hash,omitempty"`
	Artifacts  []string `json:"artifacts,omitempty"`
	TokensUsed int      `json:"tokens_used,omitempty"`
	DurationS  float64  `json:"duration_s,omitempty"`
	Err        string   `json:"error,omitempty"`
}

// =============================================================================
// REVIEW
// =============================================================================

// Verdict is a reviewer's judgement on a proposal.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
	VerdictAbstain Verdict = "abstain"
)

// IssueSeverity tags a review issue.
type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "critical"
	SeverityMajor    IssueSeverity = "major"
	SeverityMinor    IssueSeverity = "minor"
)

// ReviewIssue is one problem a reviewer flagged.
type ReviewIssue struct {
	Severity    IssueSeverity `json:"severity"`
	Description string        `json:"description"`
	File        string        `json:"file,omitempty"`
	Line        int           `json:"line,omitempty"`
}

// ReviewVote is one reviewer's assessment of a proposal.
type ReviewVote struct {
	ReviewerID string        `json:"reviewer_id"`
	Verdict    Verdict       `json:"verdict"`
	Confidence float64       `json:"confidence"` // [0,1]
	Reasoning  string        `json:"reasoning"`
	Issues     []ReviewIssue `json:"issues,omitempty"`
}

// Proposal is a unit of work submitted for council review and consensus.
type Proposal struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Summary   string    `json:"summary"`
	Value     string    `json:"value"` // canonical content hashed for consensus
	CreatedAt time.Time `json:"created_at"`
}
