package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loki/internal/memory"
	"loki/internal/vector"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memory.Store) {
	t.Helper()
	store, err := memory.NewStore(t.TempDir(), "", memory.WithClock(clock))
	require.NoError(t, err)
	opts = append([]Option{WithClock(clock)}, opts...)
	return New(store, opts...), store
}

func seedPattern(t *testing.T, store *memory.Store, id, text string, confidence float64) {
	t.Helper()
	_, err := store.UpsertPattern(&memory.Pattern{ID: id, Pattern: text, Confidence: confidence})
	require.NoError(t, err)
}

func TestScoreFormula(t *testing.T) {
	e, store := newTestEngine(t)
	seedPattern(t, store, "pat-1", "database migration rollback", 0.8)

	items, err := e.RetrieveTaskAware(Context{Goal: "database migration rollback"}, 5)
	require.NoError(t, err)
	require.Len(t, items, 1)

	it := items[0]
	assert.Equal(t, "pat-1", it.ID)
	assert.Equal(t, memory.TierSemantic, it.Tier)
	assert.InDelta(t, 1.0, it.BaseRelevance, 1e-9, "identical word sets")

	// implementation weight for semantic is 0.5; the store stamps
	// last_accessed with the fixed clock, so the full recency boost applies.
	want := 1.0 * 0.5 * (0.7 + 0.3*it.Importance) * 0.8 * (1 + e.RecencyBoost(0))
	assert.InDelta(t, want, it.Score, 1e-9)
}

func TestZeroWeightTierExcluded(t *testing.T) {
	e, store := newTestEngine(t)
	_, err := store.SaveSkill(&memory.Skill{Name: "rebuild search index", Description: "rebuild the search index"})
	require.NoError(t, err)
	_, err = store.UpsertAntiPattern(&memory.AntiPattern{ID: "ap-1", WhatFails: "rebuilding the search index in place"})
	require.NoError(t, err)

	// Debugging weights skills at 0, anti-patterns at 0.4.
	items, err := e.RetrieveTaskAware(Context{Goal: "fix the broken search index rebuild"}, 10)
	require.NoError(t, err)
	for _, it := range items {
		assert.NotEqual(t, memory.TierSkills, it.Tier)
	}
	require.NotEmpty(t, items)
	assert.Equal(t, memory.TierAntiPatterns, items[0].Tier)
}

func TestIrrelevantItemsDropped(t *testing.T) {
	e, store := newTestEngine(t)
	seedPattern(t, store, "pat-1", "kubernetes ingress annotations", 0.9)

	items, err := e.RetrieveTaskAware(Context{Goal: "database migration rollback"}, 5)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRecencyBoostProperty(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.InDelta(t, 0.1, e.RecencyBoost(0), 1e-9)
	assert.InDelta(t, 0.05, e.RecencyBoost(15), 1e-9)
	assert.Zero(t, e.RecencyBoost(30))
	assert.Zero(t, e.RecencyBoost(45))
}

func TestFresherEpisodeScoresHigher(t *testing.T) {
	e, store := newTestEngine(t)
	_, err := store.SaveEpisode(&memory.Episode{
		ID: "ep-old", Goal: "database migration rollback",
		Timestamp: testNow.AddDate(0, 0, -40), Outcome: memory.OutcomeSuccess,
	})
	require.NoError(t, err)
	_, err = store.SaveEpisode(&memory.Episode{
		ID: "ep-fresh", Goal: "database migration rollback",
		Timestamp: testNow.AddDate(0, 0, -1), Outcome: memory.OutcomeSuccess,
	})
	require.NoError(t, err)

	items, err := e.RetrieveTaskAware(Context{Goal: "database migration rollback"}, 5)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "ep-fresh", items[0].ID)
	assert.Greater(t, items[0].Score, items[1].Score)
}

func TestBoostOnReturn(t *testing.T) {
	e, store := newTestEngine(t)
	seedPattern(t, store, "pat-1", "database migration rollback", 0.8)

	before, err := store.GetPattern("pat-1")
	require.NoError(t, err)

	_, err = e.RetrieveTaskAware(Context{Goal: "database migration rollback"}, 5)
	require.NoError(t, err)

	after, err := store.GetPattern("pat-1")
	require.NoError(t, err)
	assert.Equal(t, before.AccessCount+1, after.AccessCount)
	// Diminishing-return boost: delta = boost * (1 - importance).
	assert.InDelta(t, 0.1*(1-before.Importance), after.Importance-before.Importance, 1e-9)
}

type fixedEmbedder map[string][]float32

func (f fixedEmbedder) Embed(text string) ([]float32, error) { return f[text], nil }

func TestVectorRelevancePreferredOverKeywords(t *testing.T) {
	idx, err := vector.NewIndex(3)
	require.NoError(t, err)
	require.NoError(t, idx.Add("pat-vec", []float32{1, 0, 0}, nil))

	embed := fixedEmbedder{"database migration rollback": {1, 0, 0}}
	e, store := newTestEngine(t, WithVectorIndex(idx, embed))

	// No keyword overlap with the goal, but an exact vector match.
	seedPattern(t, store, "pat-vec", "pg schema rework procedure", 0.8)
	// Keyword overlap but no vector: still retrieved via fallback.
	seedPattern(t, store, "pat-kw", "database migration rollback steps checklist ordering", 0.8)

	items, err := e.RetrieveTaskAware(Context{Goal: "database migration rollback"}, 5)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "pat-vec", items[0].ID)
	assert.InDelta(t, 1.0, items[0].BaseRelevance, 1e-6)
}

func TestRetrieveWithBudgetRespectsBudget(t *testing.T) {
	e, store := newTestEngine(t)
	seedPattern(t, store, "pat-1", "database migration rollback with transactional ddl statements", 0.9)
	seedPattern(t, store, "pat-2", "database migration rollback and partial index rebuild notes", 0.8)
	seedPattern(t, store, "pat-3", "database migration rollback on replicated clusters with lag", 0.7)

	const budget = 40
	res, err := e.RetrieveWithBudget(Context{Goal: "database migration rollback"}, budget, true)
	require.NoError(t, err)

	total := 0
	for _, line := range res.IndexLines {
		total += EstimateTokens(line)
	}
	for _, line := range res.Summaries {
		total += EstimateTokens(line)
	}
	for _, it := range res.Items {
		total += it.Tokens
	}
	assert.LessOrEqual(t, total, budget)
	assert.Equal(t, res.Metrics.TokensUsed, total)
	assert.Equal(t, budget, res.Metrics.TokenBudget)
	assert.Equal(t, 3, res.Metrics.Candidates)
}

func TestProgressiveLayerShares(t *testing.T) {
	e, store := newTestEngine(t)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		seedPattern(t, store, "pat-"+id, "database migration rollback variant "+id, 0.9)
	}

	const budget = 100
	res, err := e.RetrieveWithBudget(Context{Goal: "database migration rollback"}, budget, true)
	require.NoError(t, err)

	indexTokens := 0
	for _, line := range res.IndexLines {
		indexTokens += EstimateTokens(line)
	}
	summaryTokens := 0
	for _, line := range res.Summaries {
		summaryTokens += EstimateTokens(line)
	}
	assert.LessOrEqual(t, indexTokens, budget/5)
	assert.LessOrEqual(t, summaryTokens, budget*2/5)
	assert.NotEmpty(t, res.Summaries)
}

func TestNonProgressiveSkipsCheapLayers(t *testing.T) {
	e, store := newTestEngine(t)
	seedPattern(t, store, "pat-1", "database migration rollback", 0.9)

	res, err := e.RetrieveWithBudget(Context{Goal: "database migration rollback"}, 100, false)
	require.NoError(t, err)
	assert.Empty(t, res.IndexLines)
	assert.Empty(t, res.Summaries)
	assert.NotEmpty(t, res.Items)
}

func TestZeroBudgetReturnsNothing(t *testing.T) {
	e, store := newTestEngine(t)
	seedPattern(t, store, "pat-1", "database migration rollback", 0.9)

	res, err := e.RetrieveWithBudget(Context{Goal: "database migration rollback"}, 0, true)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Zero(t, res.Metrics.TokensUsed)
}

func TestCrossNamespaceDiscountsForeignItems(t *testing.T) {
	e, store := newTestEngine(t)
	seedPattern(t, store, "pat-local", "database migration rollback", 0.8)

	team, err := memory.NewStore(store.Root(), "team", memory.WithClock(clock))
	require.NoError(t, err)
	_, err = team.UpsertPattern(&memory.Pattern{ID: "pat-team", Pattern: "database migration rollback", Confidence: 0.8})
	require.NoError(t, err)

	items, err := e.RetrieveCrossNamespace(Context{Goal: "database migration rollback"},
		[]string{store.Namespace(), "team"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "pat-local", items[0].ID)
	assert.Equal(t, store.Namespace(), items[0].Namespace)
	assert.Equal(t, "pat-team", items[1].ID)
	assert.Equal(t, "team", items[1].Namespace)
	assert.InDelta(t, items[0].Score*foreignNamespaceMultiplier, items[1].Score, 1e-9)
}

func TestInheritanceChain(t *testing.T) {
	parents := map[string]string{"team": "org", "org": "global"}
	assert.Equal(t, []string{"team", "org", "global"}, InheritanceChain(parents, "team"))
	assert.Equal(t, []string{"org", "global"}, InheritanceChain(parents, "org"))
	assert.Equal(t, []string{"solo"}, InheritanceChain(parents, "solo"))
	assert.Equal(t, []string{"global"}, InheritanceChain(parents, "global"))

	cyclic := map[string]string{"a": "b", "b": "a"}
	assert.Equal(t, []string{"a", "b"}, InheritanceChain(cyclic, "a"))
}
