package retrieval

import (
	"sort"
	"strings"
	"time"

	"loki/internal/logging"
	"loki/internal/memory"
	"loki/internal/vector"
)

// Tier weights per task type. Rows sum to roughly 1; a zero weight removes
// the tier from that task type's results entirely.
var tierWeights = map[TaskType]map[memory.Tier]float64{
	TaskExploration:    {memory.TierEpisodic: 0.6, memory.TierSemantic: 0.3, memory.TierSkills: 0.1, memory.TierAntiPatterns: 0.0},
	TaskImplementation: {memory.TierEpisodic: 0.15, memory.TierSemantic: 0.5, memory.TierSkills: 0.35, memory.TierAntiPatterns: 0.0},
	TaskDebugging:      {memory.TierEpisodic: 0.4, memory.TierSemantic: 0.2, memory.TierSkills: 0.0, memory.TierAntiPatterns: 0.4},
	TaskReview:         {memory.TierEpisodic: 0.3, memory.TierSemantic: 0.5, memory.TierSkills: 0.0, memory.TierAntiPatterns: 0.2},
	TaskRefactoring:    {memory.TierEpisodic: 0.25, memory.TierSemantic: 0.45, memory.TierSkills: 0.3, memory.TierAntiPatterns: 0.0},
}

// recencyWindowDays is how long the recency boost applies.
const recencyWindowDays = 30.0

// defaultTopK bounds RetrieveTaskAware when the caller passes 0.
const defaultTopK = 10

// ScoredItem is one retrieved memory with its scoring breakdown.
type ScoredItem struct {
	ID            string      `json:"id"`
	Tier          memory.Tier `json:"tier"`
	Title         string      `json:"title"`
	Content       string      `json:"content"`
	Score         float64     `json:"score"`
	BaseRelevance float64     `json:"base_relevance"`
	Importance    float64     `json:"importance"`
	Confidence    float64     `json:"confidence"`
	Tokens        int         `json:"tokens"`
	Namespace     string      `json:"_namespace,omitempty"`
}

// Embedder turns text into a vector for similarity search. Optional; when
// absent, relevance falls back to keyword overlap.
type Embedder interface {
	Embed(text string) ([]float32, error)
}

// Engine retrieves from one memory store.
type Engine struct {
	store        *memory.Store
	vectors      *vector.Index
	embed        Embedder
	boostFactor  float64 // importance boost applied to returned items
	recencyBoost float64 // max relative score boost for fresh items
	now          func() time.Time
	log          *logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithVectorIndex enables embedding-based relevance. Entries are looked up
// by memory id; candidates without a vector fall back to keyword overlap.
func WithVectorIndex(idx *vector.Index, embed Embedder) Option {
	return func(e *Engine) {
		e.vectors = idx
		e.embed = embed
	}
}

// WithBoost overrides the retrieval importance boost (default 0.1).
func WithBoost(boost float64) Option {
	return func(e *Engine) { e.boostFactor = boost }
}

// WithClock fixes the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine over a memory store.
func New(store *memory.Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		boostFactor:  0.1,
		recencyBoost: 0.1,
		now:          time.Now,
		log:          logging.Get(logging.CategoryRetrieval),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RetrieveTaskAware returns the topK most relevant memories for the
// context, weighted by the detected task type. Returned items have their
// importance boosted (diminishing returns) and access stats updated.
func (e *Engine) RetrieveTaskAware(ctx Context, topK int) ([]ScoredItem, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	taskType := DetectTaskType(ctx)
	scored := e.scoreAll(ctx, taskType)
	if len(scored) > topK {
		scored = scored[:topK]
	}

	items := make([]ScoredItem, len(scored))
	for i, c := range scored {
		items[i] = c.item
		e.boostReturned(c)
	}
	e.log.Info("task-aware retrieval (%s): %d item(s) for %q", taskType, len(items), firstWords(ctx.Goal, 8))
	return items, nil
}

// RecencyBoost is the relative boost for an item last touched age days
// ago: boost·(1−age/30) inside the window, 0 at or past 30 days.
func (e *Engine) RecencyBoost(ageDays float64) float64 {
	if ageDays >= recencyWindowDays || ageDays < 0 {
		return 0
	}
	return e.recencyBoost * (1 - ageDays/recencyWindowDays)
}

// ============================================================================
// CANDIDATE GATHERING AND SCORING
// ============================================================================

// candidate pairs a scored item with its boost callback.
type candidate struct {
	item        ScoredItem
	lastTouched time.Time
	boost       func() error
}

// scoreAll gathers every candidate, scores it for the task type, and
// returns candidates with positive scores sorted by descending score (ties
// break on id).
func (e *Engine) scoreAll(ctx Context, taskType TaskType) []candidate {
	weights := tierWeights[taskType]
	goalWords := wordSet(ctx.Goal)
	vecScores := e.vectorScores(ctx.Goal)

	var out []candidate
	for _, c := range e.gather() {
		w := weights[c.item.Tier]
		if w == 0 {
			continue
		}

		rel, fromVector := vecScores[c.item.ID]
		if !fromVector {
			rel = jaccard(goalWords, wordSet(c.item.Title+" "+c.item.Content))
		}
		if rel <= 0 {
			continue
		}

		score := rel * w * (0.7 + 0.3*c.item.Importance) * c.item.Confidence
		if !c.lastTouched.IsZero() {
			age := e.now().Sub(c.lastTouched).Hours() / 24
			score *= 1 + e.RecencyBoost(age)
		}

		c.item.BaseRelevance = rel
		c.item.Score = score
		c.item.Tokens = EstimateTokens(c.item.Content)
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].item.Score != out[j].item.Score {
			return out[i].item.Score > out[j].item.Score
		}
		return out[i].item.ID < out[j].item.ID
	})
	return out
}

// gather pulls candidates from all four tiers. Single-file read errors are
// treated as misses.
func (e *Engine) gather() []candidate {
	var out []candidate

	if episodes, err := e.store.ListEpisodes(memory.EpisodeFilter{}); err == nil {
		for _, ep := range episodes {
			ep := ep
			touched := ep.LastAccessed
			if touched.IsZero() {
				touched = ep.Timestamp
			}
			out = append(out, candidate{
				item: ScoredItem{
					ID:         ep.ID,
					Tier:       memory.TierEpisodic,
					Title:      firstWords(ep.Goal, 12),
					Content:    ep.Goal + "\n" + strings.Join(ep.Actions, "\n"),
					Importance: ep.Importance,
					Confidence: 1.0,
				},
				lastTouched: touched,
				boost:       func() error { return e.store.BoostEpisode(ep, e.boostFactor) },
			})
		}
	}

	if patterns, err := e.store.ListPatterns(); err == nil {
		for _, p := range patterns {
			p := p
			touched := p.LastAccessed
			if touched.IsZero() {
				touched = p.LastUsed
			}
			out = append(out, candidate{
				item: ScoredItem{
					ID:         p.ID,
					Tier:       memory.TierSemantic,
					Title:      firstWords(p.Pattern, 12),
					Content:    p.Pattern + "\n" + p.CorrectApproach,
					Importance: p.Importance,
					Confidence: p.Confidence,
				},
				lastTouched: touched,
				boost:       func() error { return e.store.BoostPattern(p.ID, e.boostFactor) },
			})
		}
	}

	if antis, err := e.store.ListAntiPatterns(); err == nil {
		for _, ap := range antis {
			out = append(out, candidate{
				item: ScoredItem{
					ID:         ap.ID,
					Tier:       memory.TierAntiPatterns,
					Title:      firstWords(ap.WhatFails, 12),
					Content:    ap.WhatFails + "\n" + ap.Prevention,
					Importance: ap.Importance,
					Confidence: 1.0,
				},
			})
		}
	}

	if skills, err := e.store.ListSkills(); err == nil {
		for _, sk := range skills {
			sk := sk
			out = append(out, candidate{
				item: ScoredItem{
					ID:         sk.ID,
					Tier:       memory.TierSkills,
					Title:      sk.Name,
					Content:    sk.Name + "\n" + sk.Description,
					Importance: sk.Importance,
					Confidence: 1.0,
				},
				lastTouched: sk.LastAccessed,
				boost:       func() error { return e.store.BoostSkill(sk.Name, e.boostFactor) },
			})
		}
	}
	return out
}

// vectorScores searches the vector index for the goal and returns
// per-memory-id cosine scores, or nil when embeddings are unavailable.
func (e *Engine) vectorScores(goal string) map[string]float64 {
	if e.vectors == nil || e.embed == nil || goal == "" {
		return nil
	}
	query, err := e.embed.Embed(goal)
	if err != nil {
		e.log.Warn("embedding failed, falling back to keyword overlap: %v", err)
		return nil
	}
	results, err := e.vectors.Search(query, e.vectors.Len(), nil)
	if err != nil {
		return nil
	}
	scores := make(map[string]float64, len(results))
	for _, r := range results {
		if r.Score > 0 {
			scores[r.ID] = r.Score
		}
	}
	return scores
}

// boostReturned applies the retrieval importance boost; failures only log.
func (e *Engine) boostReturned(c candidate) {
	if c.boost == nil {
		return
	}
	if err := c.boost(); err != nil {
		e.log.Warn("boost failed for %s: %v", c.item.ID, err)
	}
}

// ============================================================================
// TEXT HELPERS
// ============================================================================

// EstimateTokens approximates token count as len/4, minimum 1 for
// non-empty text.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) > 2 {
			set[w] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) <= n {
		return strings.TrimSpace(s)
	}
	return strings.Join(fields[:n], " ")
}
