package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loki/internal/bft"
	"loki/internal/checklist"
	"loki/internal/config"
	"loki/internal/memory"
	"loki/internal/retrieval"
	"loki/internal/store"
	"loki/internal/types"
)

// approvingExecutor accepts every task and approves every review with a
// reviewer-specific rationale so the council sees independent votes.
type approvingExecutor struct{}

func (approvingExecutor) Execute(_ context.Context, agent types.Agent, task types.TaskItem, _ []retrieval.ScoredItem) (types.TaskResult, error) {
	return types.TaskResult{
		TaskID:    task.ID,
		AgentID:   agent.ID,
		Output:    "implemented " + task.Title,
		DurationS: 1.5,
	}, nil
}

func (approvingExecutor) Review(_ context.Context, reviewer types.Agent, task types.TaskItem, _ types.TaskResult) (types.ReviewVote, error) {
	return types.ReviewVote{
		Verdict:    types.VerdictApprove,
		Confidence: 0.9,
		Reasoning:  fmt.Sprintf("%s checked %s from the %s angle", reviewer.Type, task.Title, reviewer.Role),
	}, nil
}

// rejectingExecutor produces results the reviewers always reject.
type rejectingExecutor struct{ approvingExecutor }

func (rejectingExecutor) Review(_ context.Context, reviewer types.Agent, task types.TaskItem, _ types.TaskResult) (types.ReviewVote, error) {
	return types.ReviewVote{
		Verdict:    types.VerdictReject,
		Confidence: 0.8,
		Reasoning:  fmt.Sprintf("%s found a defect in %s", reviewer.Type, task.Title),
	}, nil
}

// brokenExecutor fails every dispatch.
type brokenExecutor struct{ approvingExecutor }

func (brokenExecutor) Execute(context.Context, types.Agent, types.TaskItem, []retrieval.ScoredItem) (types.TaskResult, error) {
	return types.TaskResult{}, errors.New("agent crashed")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg := config.DefaultConfig()
	cfg.Name = "test-project"
	cfg.Memory.Root = t.TempDir()
	cfg.Orchestrator.MaxTaskRetries = 1
	cfg.BFT.DevMode = true
	return cfg
}

func newTestOrchestrator(t *testing.T, executor AgentExecutor) (*Orchestrator, string) {
	t.Helper()
	projectDir := t.TempDir()
	o, err := New(testConfig(t), projectDir, "Build a small REST API for notes", executor)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, o.Close())
	})
	return o, projectDir
}

func eventTypes(t *testing.T, projectDir string) []EventType {
	t.Helper()
	events := readEvents(t, filepath.Join(projectDir, ".loki", "events.jsonl"))
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestRunCompletesApprovedTask(t *testing.T) {
	o, projectDir := newTestOrchestrator(t, approvingExecutor{})

	_, err := o.Enqueue(types.TaskItem{Type: "eng-backend", Title: "add notes endpoint"})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background()))
	require.NoError(t, o.events.Close())

	completed := readSegment(t, o.queue, queueCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "add notes endpoint", completed[0].Title)

	got := eventTypes(t, projectDir)
	assert.Contains(t, got, EventSessionStart)
	assert.Contains(t, got, EventTaskStarted)
	assert.Contains(t, got, EventTaskCompleted)
	assert.Contains(t, got, EventChecklistVerified)
	assert.Contains(t, got, EventSessionStop)
}

func TestRunCompletesSessionWhenChecklistPasses(t *testing.T) {
	o, projectDir := newTestOrchestrator(t, approvingExecutor{})

	marker := filepath.Join(projectDir, "README.md")
	require.NoError(t, os.WriteFile(marker, []byte("notes api"), 0644))
	cl := &checklist.Checklist{Items: []checklist.Item{{
		ID:    "c1",
		Title: "readme exists",
		Verification: []checklist.Check{
			{Type: checklist.CheckFileExists, Path: "README.md"},
		},
	}}}
	clPath := filepath.Join(projectDir, ".loki", "checklist", "checklist.json")
	require.NoError(t, cl.Save(clPath))

	_, err := o.Enqueue(types.TaskItem{Type: "eng-backend", Title: "write readme"})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background()))
	require.NoError(t, o.events.Close())

	got := eventTypes(t, projectDir)
	assert.Contains(t, got, EventSessionComplete)

	var summary checklist.Summary
	summaryPath := filepath.Join(projectDir, ".loki", "checklist", "verification-results.json")
	require.NoError(t, store.ReadJSON(summaryPath, &summary))
	assert.Equal(t, 1, summary.Verified)
}

func TestRunDeadLettersRejectedTask(t *testing.T) {
	o, projectDir := newTestOrchestrator(t, rejectingExecutor{})

	_, err := o.Enqueue(types.TaskItem{Type: "eng-backend", Title: "dubious change"})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background()))
	require.NoError(t, o.events.Close())

	assert.Empty(t, readSegment(t, o.queue, queueCompleted))
	dead := readSegment(t, o.queue, queueDeadLetter)
	require.Len(t, dead, 1)
	assert.Equal(t, types.TaskFailed, dead[0].Status)

	assert.Contains(t, eventTypes(t, projectDir), EventTaskFailed)
}

func TestRunFailsTaskOnExecutionError(t *testing.T) {
	o, projectDir := newTestOrchestrator(t, brokenExecutor{})

	_, err := o.Enqueue(types.TaskItem{Type: "eng-backend", Title: "doomed"})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background()))
	require.NoError(t, o.events.Close())

	failed := readSegment(t, o.queue, queueFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, eventTypes(t, projectDir), EventTaskFailed)
}

func TestRunHonorsStopFile(t *testing.T) {
	o, projectDir := newTestOrchestrator(t, approvingExecutor{})

	_, err := o.Enqueue(types.TaskItem{Type: "eng-backend", Title: "never started"})
	require.NoError(t, err)
	require.NoError(t, o.control.RequestStop())

	require.NoError(t, o.Run(context.Background()))
	require.NoError(t, o.events.Close())

	assert.Len(t, readSegment(t, o.queue, queuePending), 1)
	assert.Empty(t, readSegment(t, o.queue, queueCompleted))

	got := eventTypes(t, projectDir)
	assert.NotContains(t, got, EventTaskStarted)
	assert.Contains(t, got, EventSessionStop)
}

func TestRunRespectsContextCancellation(t *testing.T) {
	o, _ := newTestOrchestrator(t, approvingExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPickOwnerPrefersMatchingType(t *testing.T) {
	o, _ := newTestOrchestrator(t, approvingExecutor{})

	owner := o.pickOwner(types.TaskItem{Type: "eng-backend"})
	assert.Equal(t, "eng-backend", owner.Type)

	owner = o.pickOwner(types.TaskItem{Type: "no-such-type"})
	assert.Equal(t, "eng-backend", owner.Type)
}

func TestRemovePIDFileAfterRun(t *testing.T) {
	o, projectDir := newTestOrchestrator(t, approvingExecutor{})

	require.NoError(t, o.Run(context.Background()))

	_, err := os.Stat(filepath.Join(projectDir, ".loki", "session.pid"))
	assert.True(t, os.IsNotExist(err))
}

func TestNewRequiresSwarmKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.BFT.DevMode = false

	_, err := New(cfg, t.TempDir(), "Build a small REST API for notes", approvingExecutor{})
	require.ErrorIs(t, err, bft.ErrMissingKey)

	cfg.BFT.SwarmKey = "integration-test-key"
	o, err := New(cfg, t.TempDir(), "Build a small REST API for notes", approvingExecutor{})
	require.NoError(t, err)
	require.NoError(t, o.Close())
}

func TestNewProposalBindsTaskAndResult(t *testing.T) {
	task := types.TaskItem{ID: "task-1", Title: "add notes endpoint"}
	result := types.TaskResult{AgentID: "agent-1", ResultHash: "abc123"}

	p := newProposal(task, result)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "task-1", p.TaskID)
	assert.Equal(t, "agent-1", p.AgentID)
	assert.Equal(t, "add notes endpoint", p.Summary)
	assert.Equal(t, "abc123", p.Value)
	assert.False(t, p.CreatedAt.IsZero())

	// Each attempt is a distinct proposal.
	assert.NotEqual(t, p.ID, newProposal(task, result).ID)
}

func TestAdjustTeamPullsSpecialistsForFailedGates(t *testing.T) {
	o, projectDir := newTestOrchestrator(t, approvingExecutor{})

	cl := &checklist.Checklist{Items: []checklist.Item{
		{ID: "c1", Title: "docs", Status: checklist.ItemVerified},
		{ID: "c2", Title: "security", Status: checklist.ItemFailing},
		{ID: "c3", Title: "deployment", Status: checklist.ItemFailing},
	}}
	clPath := filepath.Join(projectDir, ".loki", "checklist", "checklist.json")
	require.NoError(t, cl.Save(clPath))

	o.mu.Lock()
	o.signals.consensusRuns = 4
	o.signals.consensusReached = 1
	o.mu.Unlock()
	o.iteration = 5

	o.adjustTeam()

	have := make(map[string]bool)
	for _, a := range o.Agents() {
		have[a.Type] = true
	}
	assert.True(t, have["ops-security"], "failing security gate pulls in ops-security")
	assert.True(t, have["ops-deploy"], "failing deployment gate pulls in ops-deploy")
}

func TestSweepDecayAgesStaleEpisodes(t *testing.T) {
	o, _ := newTestOrchestrator(t, approvingExecutor{})

	stale := time.Now().AddDate(0, 0, -60)
	id, err := o.memories.SaveEpisode(&memory.Episode{
		Actor:        "eng-backend",
		Goal:         "long-abandoned refactor",
		Outcome:      memory.OutcomeSuccess,
		Importance:   0.8,
		Timestamp:    stale,
		LastAccessed: stale,
	})
	require.NoError(t, err)

	o.sweepDecay()

	episodes, err := o.memories.ListEpisodes(memory.EpisodeFilter{})
	require.NoError(t, err)
	var got *memory.Episode
	for _, ep := range episodes {
		if ep.ID == id {
			got = ep
		}
	}
	require.NotNil(t, got)
	assert.Less(t, got.Importance, 0.8)
	assert.Greater(t, got.Importance, 0.0)
}

func TestHandlePauseEmitsPauseAndResume(t *testing.T) {
	o, projectDir := newTestOrchestrator(t, approvingExecutor{})

	require.NoError(t, os.WriteFile(filepath.Join(projectDir, ".loki", controlPause), nil, 0644))
	o.control.Poll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.True(t, o.handlePause(ctx))

	require.NoError(t, o.control.ClearPause())
	assert.False(t, o.handlePause(context.Background()))

	require.NoError(t, o.events.Close())
	got := eventTypes(t, projectDir)
	assert.Contains(t, got, EventSessionPause)
	assert.Contains(t, got, EventSessionResume)
}
