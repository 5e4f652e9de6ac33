package orchestrator

import (
	"sync"
	"time"

	"loki/internal/logging"
	"loki/internal/store"
	"loki/internal/types"
)

// dashboardInterval is how often the snapshot file is rewritten.
const dashboardInterval = 2 * time.Second

// DashboardState is the snapshot external dashboards read.
type DashboardState struct {
	Phase      string         `json:"phase"`
	Iteration  int            `json:"iteration"`
	Complexity string         `json:"complexity"`
	Mode       string         `json:"mode"`
	Agents     []types.Agent  `json:"agents"`
	Tasks      map[string]int `json:"tasks"` // pending, inProgress, review, completed, failed
	UpdatedAt  time.Time      `json:"updated_at"`
}

// DashboardWriter rewrites dashboard-state.json atomically on a fixed
// interval. State updates come from any goroutine; only the writer
// goroutine touches the file.
type DashboardWriter struct {
	path   string
	ticker *time.Ticker
	done   chan struct{}
	closed chan struct{}
	log    *logging.Logger

	mu    sync.Mutex
	state DashboardState
	dirty bool
}

// NewDashboardWriter starts the snapshot loop.
func NewDashboardWriter(path string) *DashboardWriter {
	w := &DashboardWriter{
		path:   path,
		ticker: time.NewTicker(dashboardInterval),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		log:    logging.Get(logging.CategoryOrchestrator),
	}
	go w.run()
	return w
}

// Update replaces the snapshot state; it is written on the next tick.
func (w *DashboardWriter) Update(mutate func(*DashboardState)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mutate(&w.state)
	w.dirty = true
}

// Flush writes the current state immediately.
func (w *DashboardWriter) Flush() error {
	w.mu.Lock()
	state := w.snapshotLocked()
	w.dirty = false
	w.mu.Unlock()
	return store.WriteJSON(w.path, state)
}

// Close stops the loop after one final flush.
func (w *DashboardWriter) Close() error {
	close(w.done)
	<-w.closed
	return w.Flush()
}

func (w *DashboardWriter) run() {
	defer close(w.closed)
	defer w.ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-w.ticker.C:
			w.mu.Lock()
			if !w.dirty {
				w.mu.Unlock()
				continue
			}
			state := w.snapshotLocked()
			w.dirty = false
			w.mu.Unlock()
			if err := store.WriteJSON(w.path, state); err != nil {
				w.log.Warn("dashboard write failed: %v", err)
			}
		}
	}
}

// snapshotLocked deep-copies the state so the writer never races callers.
func (w *DashboardWriter) snapshotLocked() DashboardState {
	state := w.state
	state.UpdatedAt = time.Now()
	state.Agents = append([]types.Agent(nil), w.state.Agents...)
	state.Tasks = make(map[string]int, len(w.state.Tasks))
	for k, v := range w.state.Tasks {
		state.Tasks[k] = v
	}
	return state
}
