package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loki/internal/store"
	"loki/internal/types"
)

func newTestQueue(t *testing.T, maxRetries int) *Queue {
	t.Helper()
	q, err := NewQueue(t.TempDir(), maxRetries)
	require.NoError(t, err)
	return q
}

func readSegment(t *testing.T, q *Queue, name string) []types.TaskItem {
	t.Helper()
	var f queueFile
	err := store.ReadJSON(q.path(name), &f)
	if err != nil {
		return nil
	}
	return f.Tasks
}

func TestQueuePushAssignsIDAndPosition(t *testing.T) {
	q := newTestQueue(t, 3)

	id1, err := q.Push(types.TaskItem{Title: "first"})
	require.NoError(t, err)
	id2, err := q.Push(types.TaskItem{Title: "second"})
	require.NoError(t, err)
	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)

	pending := readSegment(t, q, queuePending)
	require.Len(t, pending, 2)
	assert.Equal(t, 0, pending[0].Position)
	assert.Equal(t, 1, pending[1].Position)
	assert.Equal(t, types.TaskPending, pending[0].Status)
}

func TestQueueNextPendingPopsInOrder(t *testing.T) {
	q := newTestQueue(t, 3)
	_, err := q.Push(types.TaskItem{Title: "first"})
	require.NoError(t, err)
	_, err = q.Push(types.TaskItem{Title: "second"})
	require.NoError(t, err)

	task, err := q.NextPending()
	require.NoError(t, err)
	assert.Equal(t, "first", task.Title)
	assert.Equal(t, types.TaskInProgress, task.Status)

	assert.Len(t, readSegment(t, q, queuePending), 1)
	assert.Len(t, readSegment(t, q, queueInProgress), 1)
}

func TestQueueNextPendingEmpty(t *testing.T) {
	q := newTestQueue(t, 3)
	_, err := q.NextPending()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueueMarkReviewMovesTask(t *testing.T) {
	q := newTestQueue(t, 3)
	_, err := q.Push(types.TaskItem{Title: "work"})
	require.NoError(t, err)
	task, err := q.NextPending()
	require.NoError(t, err)

	require.NoError(t, q.MarkReview(*task))

	assert.Empty(t, readSegment(t, q, queueInProgress))
	review := readSegment(t, q, queueReview)
	require.Len(t, review, 1)
	assert.Equal(t, types.TaskReview, review[0].Status)
}

func TestQueueCompleteMovesTask(t *testing.T) {
	q := newTestQueue(t, 3)
	_, err := q.Push(types.TaskItem{Title: "work"})
	require.NoError(t, err)
	task, err := q.NextPending()
	require.NoError(t, err)
	require.NoError(t, q.MarkReview(*task))

	require.NoError(t, q.Complete(*task))

	assert.Empty(t, readSegment(t, q, queueInProgress))
	assert.Empty(t, readSegment(t, q, queueReview))
	completed := readSegment(t, q, queueCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, types.TaskCompleted, completed[0].Status)
}

func TestQueueRetryRequeuesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t, 2)
	_, err := q.Push(types.TaskItem{Title: "flaky"})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		task, err := q.NextPending()
		require.NoError(t, err)
		require.NoError(t, q.MarkReview(*task))
		requeued, err := q.Retry(*task)
		require.NoError(t, err)
		assert.True(t, requeued, "attempt %d should requeue", attempt)
	}

	task, err := q.NextPending()
	require.NoError(t, err)
	require.NoError(t, q.MarkReview(*task))
	requeued, err := q.Retry(*task)
	require.NoError(t, err)
	assert.False(t, requeued)

	assert.Empty(t, readSegment(t, q, queuePending))
	assert.Empty(t, readSegment(t, q, queueReview))
	dead := readSegment(t, q, queueDeadLetter)
	require.Len(t, dead, 1)
	assert.Equal(t, types.TaskFailed, dead[0].Status)
}

func TestQueueLifecycleFollowsValidTransitions(t *testing.T) {
	q := newTestQueue(t, 3)
	_, err := q.Push(types.TaskItem{Title: "tracked"})
	require.NoError(t, err)

	seen := []types.TaskStatus{readSegment(t, q, queuePending)[0].Status}

	task, err := q.NextPending()
	require.NoError(t, err)
	seen = append(seen, task.Status)

	require.NoError(t, q.MarkReview(*task))
	seen = append(seen, readSegment(t, q, queueReview)[0].Status)

	requeued, err := q.Retry(*task)
	require.NoError(t, err)
	require.True(t, requeued)
	seen = append(seen, readSegment(t, q, queuePending)[0].Status)

	for i := 1; i < len(seen); i++ {
		assert.True(t, seen[i-1].ValidTransition(seen[i]),
			"illegal transition %s -> %s", seen[i-1], seen[i])
	}
}

func TestQueueFail(t *testing.T) {
	q := newTestQueue(t, 3)
	_, err := q.Push(types.TaskItem{Title: "broken"})
	require.NoError(t, err)
	task, err := q.NextPending()
	require.NoError(t, err)

	require.NoError(t, q.Fail(*task))

	failed := readSegment(t, q, queueFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, types.TaskFailed, failed[0].Status)
	assert.Empty(t, readSegment(t, q, queueInProgress))
}

func TestQueueCounts(t *testing.T) {
	q := newTestQueue(t, 3)
	for i := 0; i < 3; i++ {
		_, err := q.Push(types.TaskItem{Title: "t"})
		require.NoError(t, err)
	}
	task, err := q.NextPending()
	require.NoError(t, err)
	require.NoError(t, q.MarkReview(*task))
	require.NoError(t, q.Complete(*task))

	task, err = q.NextPending()
	require.NoError(t, err)
	require.NoError(t, q.MarkReview(*task))

	counts, err := q.Counts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		"pending":    1,
		"inProgress": 0,
		"review":     1,
		"completed":  1,
		"failed":     0,
	}, counts)
}
