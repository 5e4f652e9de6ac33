package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"loki/internal/store"
	"loki/internal/types"
)

// Queue file names under <project>/.loki/queue/.
const (
	queuePending    = "pending.json"
	queueInProgress = "in-progress.json"
	queueReview     = "review.json"
	queueCompleted  = "completed.json"
	queueFailed     = "failed.json"
	queueDeadLetter = "dead-letter.json"
)

// ErrQueueEmpty is returned by NextPending when no task is waiting.
var ErrQueueEmpty = errors.New("no pending tasks")

// queueFile is the on-disk shape of every queue segment.
type queueFile struct {
	Tasks []types.TaskItem `json:"tasks"`
}

// Queue is the file-backed task queue. Each state lives in its own JSON
// file; moves between states are atomic per file and guarded by the store
// layer's advisory locks.
type Queue struct {
	dir        string
	maxRetries int
	now        func() time.Time
	retries    map[string]int
}

// NewQueue opens the queue directory, creating it if needed.
func NewQueue(dir string, maxRetries int) (*Queue, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{dir: dir, maxRetries: maxRetries, now: time.Now, retries: make(map[string]int)}, nil
}

func (q *Queue) path(name string) string { return filepath.Join(q.dir, name) }

// Push appends a task to the pending queue, assigning id and position.
func (q *Queue) Push(task types.TaskItem) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = types.TaskPending
	task.CreatedAt = q.now()
	task.UpdatedAt = task.CreatedAt

	err := store.UpdateJSON(q.path(queuePending), func(f *queueFile) error {
		task.Position = len(f.Tasks)
		f.Tasks = append(f.Tasks, task)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return task.ID, nil
}

// NextPending pops the lowest-position pending task and moves it to
// in-progress.
func (q *Queue) NextPending() (*types.TaskItem, error) {
	var picked *types.TaskItem
	err := store.UpdateJSON(q.path(queuePending), func(f *queueFile) error {
		if len(f.Tasks) == 0 {
			return ErrQueueEmpty
		}
		sort.SliceStable(f.Tasks, func(i, j int) bool { return f.Tasks[i].Position < f.Tasks[j].Position })
		t := f.Tasks[0]
		f.Tasks = f.Tasks[1:]
		picked = &t
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrQueueEmpty) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("failed to pop pending task: %w", err)
	}

	picked.Status = types.TaskInProgress
	picked.UpdatedAt = q.now()
	if err := q.append(queueInProgress, *picked); err != nil {
		return nil, err
	}
	return picked, nil
}

// MarkReview moves an executed task from in-progress to review, where it
// waits on the council verdict.
func (q *Queue) MarkReview(task types.TaskItem) error {
	if err := q.remove(queueInProgress, task.ID); err != nil {
		return err
	}
	task.Status = types.TaskReview
	task.UpdatedAt = q.now()
	return q.append(queueReview, task)
}

// Complete moves a reviewed task to completed.
func (q *Queue) Complete(task types.TaskItem) error {
	if err := q.remove(queueReview, task.ID); err != nil {
		return err
	}
	task.Status = types.TaskCompleted
	task.UpdatedAt = q.now()
	return q.append(queueCompleted, task)
}

// Retry puts a reviewed-but-rejected task back on the pending queue, or
// into the dead letter file once its retry budget is spent.
func (q *Queue) Retry(task types.TaskItem) (requeued bool, err error) {
	if err := q.remove(queueReview, task.ID); err != nil {
		return false, err
	}
	q.retries[task.ID]++
	task.UpdatedAt = q.now()

	if q.retries[task.ID] > q.maxRetries {
		task.Status = types.TaskFailed
		return false, q.append(queueDeadLetter, task)
	}
	task.Status = types.TaskPending
	err = store.UpdateJSON(q.path(queuePending), func(f *queueFile) error {
		task.Position = len(f.Tasks)
		f.Tasks = append(f.Tasks, task)
		return nil
	})
	return err == nil, err
}

// Fail moves a task to the failed queue.
func (q *Queue) Fail(task types.TaskItem) error {
	if err := q.remove(queueInProgress, task.ID); err != nil {
		return err
	}
	task.Status = types.TaskFailed
	task.UpdatedAt = q.now()
	return q.append(queueFailed, task)
}

// Counts reports queue depths per state for the dashboard.
func (q *Queue) Counts() (map[string]int, error) {
	names := map[string]string{
		"pending":    queuePending,
		"inProgress": queueInProgress,
		"review":     queueReview,
		"completed":  queueCompleted,
		"failed":     queueFailed,
	}
	out := make(map[string]int, len(names))
	for key, name := range names {
		n, err := q.count(name)
		if err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, nil
}

func (q *Queue) count(name string) (int, error) {
	var f queueFile
	if err := store.ReadJSON(q.path(name), &f); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return len(f.Tasks), nil
}

func (q *Queue) append(name string, task types.TaskItem) error {
	err := store.UpdateJSON(q.path(name), func(f *queueFile) error {
		f.Tasks = append(f.Tasks, task)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	return nil
}

func (q *Queue) remove(name, taskID string) error {
	err := store.UpdateJSON(q.path(name), func(f *queueFile) error {
		for i := range f.Tasks {
			if f.Tasks[i].ID == taskID {
				f.Tasks = append(f.Tasks[:i], f.Tasks[i+1:]...)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove from %s: %w", name, err)
	}
	return nil
}
