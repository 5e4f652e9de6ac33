// Package performance tracks per-agent-type rolling quality and duration
// scores. The composer consults it to order specialists; the orchestrator
// records completions into it.
package performance

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"loki/internal/logging"
	"loki/internal/store"
)

// ringSize is the number of recent quality scores kept for trend analysis.
const ringSize = 20

// neutralScore is returned for agent types with no history.
const neutralScore = 0.5

// TypeStats holds the rolling statistics for one agent type.
type TypeStats struct {
	TotalTasks   int       `json:"total_tasks"`
	AvgQuality   float64   `json:"avg_quality"`  // running average, clamped to [0,1]
	AvgDurationS float64   `json:"avg_duration_s"`
	Recent       []float64 `json:"recent"` // ring of last 20 quality scores, oldest first
	LastUpdated  time.Time `json:"last_updated"`
}

// Recommendation is one ranked candidate from Recommend.
type Recommendation struct {
	AgentType string  `json:"agent_type"`
	Score     float64 `json:"score"`
	Trend     float64 `json:"trend"`
}

// Tracker records completions and ranks agent types. Safe for concurrent
// use; persisted as one JSON file via atomic writes.
type Tracker struct {
	mu    sync.RWMutex
	path  string
	stats map[string]*TypeStats
	now   func() time.Time
	log   *logging.Logger
}

// NewTracker loads (or initialises) a tracker persisted at path.
func NewTracker(path string) (*Tracker, error) {
	t := &Tracker{
		path:  path,
		stats: make(map[string]*TypeStats),
		now:   time.Now,
		log:   logging.Get(logging.CategoryPerformance),
	}
	var persisted map[string]*TypeStats
	if err := store.ReadJSON(path, &persisted); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load performance history: %w", err)
		}
	} else {
		t.stats = persisted
	}
	return t, nil
}

// RecordCompletion folds one task completion into the stats for agentType.
// Quality is clamped to [0,1].
func (t *Tracker) RecordCompletion(agentType string, quality, durationS float64) {
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[agentType]
	if !ok {
		s = &TypeStats{}
		t.stats[agentType] = s
	}

	n := float64(s.TotalTasks)
	s.AvgQuality = (s.AvgQuality*n + quality) / (n + 1)
	s.AvgDurationS = (s.AvgDurationS*n + durationS) / (n + 1)
	s.TotalTasks++
	s.Recent = append(s.Recent, quality)
	if len(s.Recent) > ringSize {
		s.Recent = s.Recent[len(s.Recent)-ringSize:]
	}
	s.LastUpdated = t.now()

	t.log.Debug("recorded %s: quality=%.2f avg=%.3f n=%d", agentType, quality, s.AvgQuality, s.TotalTasks)
}

// Score returns avg_quality + 0.1*trend for an agent type, or 0.5 for
// unknown types. Implements composer.Scorer.
func (t *Tracker) Score(agentType string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[agentType]
	if !ok || s.TotalTasks == 0 {
		return neutralScore
	}
	return s.AvgQuality + 0.1*trend(s.Recent)
}

// Recommend ranks candidate agent types by score, best first, returning at
// most topN. Unknown candidates score the neutral 0.5.
func (t *Tracker) Recommend(candidates []string, topN int) []Recommendation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Recommendation, 0, len(candidates))
	for _, c := range candidates {
		rec := Recommendation{AgentType: c, Score: neutralScore}
		if s, ok := t.stats[c]; ok && s.TotalTasks > 0 {
			rec.Trend = trend(s.Recent)
			rec.Score = s.AvgQuality + 0.1*rec.Trend
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// Stats returns a copy of the stats for one agent type.
func (t *Tracker) Stats(agentType string) (TypeStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[agentType]
	if !ok {
		return TypeStats{}, false
	}
	cp := *s
	cp.Recent = append([]float64(nil), s.Recent...)
	return cp, true
}

// Save persists the tracker atomically.
func (t *Tracker) Save() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := store.WriteJSON(t.path, t.stats); err != nil {
		return fmt.Errorf("failed to save performance history: %w", err)
	}
	return nil
}

// trend is avg(newer half) - avg(older half) of the ring, clamped to
// [-1,1]. Fewer than 2 samples have no trend.
func trend(recent []float64) float64 {
	if len(recent) < 2 {
		return 0
	}
	mid := len(recent) / 2
	older := mean(recent[:mid])
	newer := mean(recent[mid:])
	d := newer - older
	if d > 1 {
		d = 1
	}
	if d < -1 {
		d = -1
	}
	return d
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
