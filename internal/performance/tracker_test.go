package performance

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := NewTracker(filepath.Join(t.TempDir(), "performance.json"))
	require.NoError(t, err)
	return tr
}

func TestUnknownTypeScoresNeutral(t *testing.T) {
	tr := newTestTracker(t)
	assert.Equal(t, 0.5, tr.Score("eng-database"))
}

func TestRunningAverages(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordCompletion("eng-backend", 0.8, 10)
	tr.RecordCompletion("eng-backend", 0.6, 30)

	s, ok := tr.Stats("eng-backend")
	require.True(t, ok)
	assert.Equal(t, 2, s.TotalTasks)
	assert.InDelta(t, 0.7, s.AvgQuality, 1e-9)
	assert.InDelta(t, 20.0, s.AvgDurationS, 1e-9)
}

func TestQualityClamped(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordCompletion("eng-qa", 1.7, 5)
	tr.RecordCompletion("eng-qa", -0.3, 5)

	s, _ := tr.Stats("eng-qa")
	assert.InDelta(t, 0.5, s.AvgQuality, 1e-9)
	assert.Equal(t, []float64{1, 0}, s.Recent)
}

func TestRingKeepsLastTwenty(t *testing.T) {
	tr := newTestTracker(t)
	for i := 0; i < 25; i++ {
		tr.RecordCompletion("eng-frontend", float64(i)/25, 1)
	}

	s, _ := tr.Stats("eng-frontend")
	require.Len(t, s.Recent, 20)
	// Oldest five dropped.
	assert.InDelta(t, 5.0/25, s.Recent[0], 1e-9)
	assert.InDelta(t, 24.0/25, s.Recent[19], 1e-9)
}

func TestTrendRewardsImprovement(t *testing.T) {
	tr := newTestTracker(t)
	// Older half 0.4, newer half 0.8: trend = 0.4.
	for i := 0; i < 5; i++ {
		tr.RecordCompletion("eng-services", 0.4, 1)
	}
	for i := 0; i < 5; i++ {
		tr.RecordCompletion("eng-services", 0.8, 1)
	}

	recs := tr.Recommend([]string{"eng-services"}, 0)
	require.Len(t, recs, 1)
	assert.InDelta(t, 0.4, recs[0].Trend, 1e-9)
	assert.InDelta(t, 0.6+0.1*0.4, recs[0].Score, 1e-9)
	assert.InDelta(t, recs[0].Score, tr.Score("eng-services"), 1e-9)
}

func TestTrendSingleSampleIsZero(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordCompletion("ops-deploy", 0.9, 1)

	recs := tr.Recommend([]string{"ops-deploy"}, 0)
	assert.Zero(t, recs[0].Trend)
	assert.InDelta(t, 0.9, recs[0].Score, 1e-9)
}

func TestRecommendRanksAndTruncates(t *testing.T) {
	tr := newTestTracker(t)
	for i := 0; i < 4; i++ {
		tr.RecordCompletion("eng-database", 0.9, 1)
	}
	for i := 0; i < 4; i++ {
		tr.RecordCompletion("eng-qa", 0.2, 1)
	}

	recs := tr.Recommend([]string{"eng-qa", "unknown-type", "eng-database"}, 2)
	require.Len(t, recs, 2)
	assert.Equal(t, "eng-database", recs[0].AgentType)
	assert.Equal(t, "unknown-type", recs[1].AgentType)
	assert.Equal(t, 0.5, recs[1].Score)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "performance.json")

	tr, err := NewTracker(path)
	require.NoError(t, err)
	tr.RecordCompletion("review-code", 0.75, 12)
	tr.RecordCompletion("review-code", 0.85, 8)
	require.NoError(t, tr.Save())

	loaded, err := NewTracker(path)
	require.NoError(t, err)
	s, ok := loaded.Stats("review-code")
	require.True(t, ok)
	assert.Equal(t, 2, s.TotalTasks)
	assert.InDelta(t, 0.8, s.AvgQuality, 1e-9)
	assert.False(t, math.IsNaN(loaded.Score("review-code")))
}
