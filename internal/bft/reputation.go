package bft

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"

	"loki/internal/logging"
	"loki/internal/store"
)

// ============================================================================
// FAULTS
// ============================================================================

// FaultKind classifies a recorded fault.
type FaultKind string

const (
	FaultInconsistentVote  FaultKind = "InconsistentVote"
	FaultTimeout           FaultKind = "Timeout"
	FaultInvalidMessage    FaultKind = "InvalidMessage"
	FaultConflictingResult FaultKind = "ConflictingResult"
	FaultEquivocation      FaultKind = "Equivocation"
	FaultMalformed         FaultKind = "Malformed"
	FaultSycophantic       FaultKind = "SycophanticAgreement"
)

// Default fault severities. Sycophancy severity comes from the council's
// score instead.
const (
	InconsistencyPenalty  = 0.3
	TimeoutPenalty        = 0.2
	InvalidMessagePenalty = 0.4
	ConflictPenalty       = 0.5
	EquivocationPenalty   = 0.8
	MalformedPenalty      = 0.3
)

// FaultRecord is one observed fault against an agent.
type FaultRecord struct {
	ID          string            `json:"id"`
	AgentID     string            `json:"agent_id"`
	Kind        FaultKind         `json:"kind"`
	Severity    float64           `json:"severity"` // [0,1]
	Description string            `json:"description"`
	Evidence    map[string]string `json:"evidence,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// ============================================================================
// REPUTATION
// ============================================================================

// scoringFaultWindow is how many recent faults feed the score penalty.
const scoringFaultWindow = 10

// AgentReputation is the persistent trust state for one agent.
type AgentReputation struct {
	AgentID                string        `json:"agent_id"`
	TotalInteractions      int           `json:"total_interactions"`
	SuccessfulInteractions int           `json:"successful_interactions"`
	Faults                 []FaultRecord `json:"faults,omitempty"`
	Score                  float64       `json:"score"`
	IsExcluded             bool          `json:"is_excluded"`
	LastUpdated            time.Time     `json:"last_updated"`
}

// TrackerConfig carries the exclusion policy knobs.
type TrackerConfig struct {
	Path                     string  // reputations.json location; empty disables persistence
	ExclusionThreshold       float64 // exclude below this score
	RehabilitationThreshold  float64 // clear exclusion at or above this score
	MaxFaultsBeforeExclusion int     // faults within the last hour
}

// Tracker maintains agent reputations. All mutation happens here; readers
// get snapshots. Implements the council's Excluder and FaultReporter.
type Tracker struct {
	mu   sync.Mutex
	reps map[string]*AgentReputation
	cfg  TrackerConfig
	now  func() time.Time
	log  *logging.Logger
}

// NewTracker loads persisted reputations from cfg.Path when present.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	t := &Tracker{
		reps: make(map[string]*AgentReputation),
		cfg:  cfg,
		now:  time.Now,
		log:  logging.Get(logging.CategoryBFT),
	}
	if cfg.Path != "" {
		var persisted map[string]*AgentReputation
		if err := store.ReadJSON(cfg.Path, &persisted); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to load reputations: %w", err)
			}
		} else {
			t.reps = persisted
		}
	}
	return t, nil
}

// RecordSuccess credits one successful interaction and rescores the agent.
func (t *Tracker) RecordSuccess(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rep := t.get(agentID)
	rep.TotalInteractions++
	rep.SuccessfulInteractions++
	t.rescore(rep)
}

// RecordFault appends a fault, rescores, and applies the exclusion policy.
// A zero fault ID and timestamp are filled in.
func (t *Tracker) RecordFault(f FaultRecord) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rep := t.get(f.AgentID)
	rep.TotalInteractions++
	rep.Faults = append(rep.Faults, f)
	t.rescore(rep)

	t.log.Warn("fault %s against %s (severity %.2f): %s", f.Kind, f.AgentID, f.Severity, f.Description)
}

// ReportSycophancy adapts council sycophancy flags into fault records.
func (t *Tracker) ReportSycophancy(reviewerID string, severity float64, description string) {
	t.RecordFault(FaultRecord{
		AgentID:     reviewerID,
		Kind:        FaultSycophantic,
		Severity:    severity,
		Description: description,
	})
}

// IsExcluded reports the agent's current exclusion flag. Unknown agents are
// not excluded.
func (t *Tracker) IsExcluded(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep, ok := t.reps[agentID]
	return ok && rep.IsExcluded
}

// Reputation returns a snapshot for one agent; ok is false for unknowns.
func (t *Tracker) Reputation(agentID string) (AgentReputation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep, ok := t.reps[agentID]
	if !ok {
		return AgentReputation{}, false
	}
	return t.snapshot(rep), true
}

// Score returns the agent's score, or 1.0 for agents with no history.
func (t *Tracker) Score(agentID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep, ok := t.reps[agentID]
	if !ok {
		return 1.0
	}
	return rep.Score
}

// Snapshot returns copies of every tracked reputation.
func (t *Tracker) Snapshot() map[string]AgentReputation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]AgentReputation, len(t.reps))
	for id, rep := range t.reps {
		out[id] = t.snapshot(rep)
	}
	return out
}

// Save persists all reputations. Best-effort callers may ignore the error.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.Path == "" {
		return nil
	}
	if err := store.WriteJSON(t.cfg.Path, t.reps); err != nil {
		return fmt.Errorf("failed to save reputations: %w", err)
	}
	return nil
}

func (t *Tracker) get(agentID string) *AgentReputation {
	rep, ok := t.reps[agentID]
	if !ok {
		rep = &AgentReputation{AgentID: agentID, Score: 1.0}
		t.reps[agentID] = rep
	}
	return rep
}

// rescore recomputes the score and applies exclusion and rehabilitation.
// Score = success ratio minus 0.1 per unit of recent fault severity,
// clamped to [0,1].
func (t *Tracker) rescore(rep *AgentReputation) {
	ratio := 1.0
	if rep.TotalInteractions > 0 {
		ratio = float64(rep.SuccessfulInteractions) / float64(rep.TotalInteractions)
	}

	recent := rep.Faults
	if len(recent) > scoringFaultWindow {
		recent = recent[len(recent)-scoringFaultWindow:]
	}
	var penalty float64
	for _, f := range recent {
		penalty += f.Severity
	}

	score := ratio - penalty*0.1
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	rep.Score = score
	rep.LastUpdated = t.now()

	switch {
	case rep.IsExcluded:
		if rep.Score >= t.cfg.RehabilitationThreshold {
			rep.IsExcluded = false
			t.log.Info("agent %s rehabilitated (score %.2f)", rep.AgentID, rep.Score)
		}
	case rep.Score < t.cfg.ExclusionThreshold,
		t.cfg.MaxFaultsBeforeExclusion > 0 && t.recentFaultsLocked(rep) >= t.cfg.MaxFaultsBeforeExclusion:
		rep.IsExcluded = true
		t.log.Warn("agent %s excluded (score %.2f, %d recent fault(s))",
			rep.AgentID, rep.Score, t.recentFaultsLocked(rep))
	}
}

// recentFaultsLocked counts faults in the last hour.
func (t *Tracker) recentFaultsLocked(rep *AgentReputation) int {
	cutoff := t.now().Add(-time.Hour)
	n := 0
	for _, f := range rep.Faults {
		if f.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

func (t *Tracker) snapshot(rep *AgentReputation) AgentReputation {
	cp := *rep
	cp.Faults = append([]FaultRecord(nil), rep.Faults...)
	return cp
}
