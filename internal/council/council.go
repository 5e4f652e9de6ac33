// Package council aggregates reviewer votes into a single verdict.
// Votes are weighted by reviewer confidence and a calibration score that
// tracks how often each reviewer agreed with past final verdicts. The
// council also scores the round for sycophancy: agreement that looks like
// rubber-stamping rather than independent evaluation.
package council

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	cache "github.com/patrickmn/go-cache"

	"loki/internal/logging"
	"loki/internal/types"
)

// ============================================================================
// TYPES
// ============================================================================

// SycophancyClass buckets the sycophancy score.
type SycophancyClass string

const (
	ClassIndependent SycophancyClass = "independent" // < 0.3
	ClassMild        SycophancyClass = "mild"        // [0.3, 0.5)
	ClassModerate    SycophancyClass = "moderate"    // [0.5, 0.7)
	ClassSevere      SycophancyClass = "severe"      // >= 0.7
)

// Sycophancy is the breakdown of a round's agreement analysis.
type Sycophancy struct {
	Score               float64         `json:"score"`
	Class               SycophancyClass `json:"class"`
	VerdictUnanimity    float64         `json:"verdict_unanimity"`
	ReasoningSimilarity float64         `json:"reasoning_similarity"`
	SeverityUniformity  float64         `json:"severity_uniformity"`
	CountUniformity     float64         `json:"count_uniformity"`
}

// Decision is the outcome of one council round.
type Decision struct {
	Verdict             types.Verdict      `json:"verdict"`
	Sycophancy          Sycophancy         `json:"sycophancy"`
	Rationale           []string           `json:"rationale"`
	Weights             map[string]float64 `json:"weights"` // reviewer -> effective vote weight
	NeedsDevilsAdvocate bool               `json:"needs_devils_advocate"`
	Inconclusive        bool               `json:"inconclusive"`
}

// Excluder reports whether an agent is currently excluded from
// participation. The reputation tracker implements it.
type Excluder interface {
	IsExcluded(agentID string) bool
}

// FaultReporter receives sycophancy faults raised by the council.
type FaultReporter interface {
	ReportSycophancy(reviewerID string, severity float64, description string)
}

// calibrationRecord is the per-reviewer agreement history.
type calibrationRecord struct {
	Reviews int
	EMA     float64
}

const (
	calibrationAlpha = 0.1
	calibrationInit  = 0.5
	// Reviewers with fewer prior reviews than this vote at full weight.
	calibrationWarmup = 5
)

// ============================================================================
// COUNCIL
// ============================================================================

// Options configures a Council.
type Options struct {
	// Excluder filters out reviewers barred by the reputation layer. Nil
	// means nobody is excluded.
	Excluder Excluder
	// Faults receives SycophanticAgreement reports. Nil discards them.
	Faults FaultReporter
	// AllowDevilsAdvocate keeps a sycophantic round's verdict alive with a
	// devil's-advocate requirement. When false the round is inconclusive.
	AllowDevilsAdvocate bool
}

// Council weights votes and decides. Safe for concurrent use.
type Council struct {
	mu          sync.Mutex
	calibration *cache.Cache
	opts        Options
	log         *logging.Logger
}

// New creates a council with empty calibration history.
func New(opts Options) *Council {
	return &Council{
		calibration: cache.New(cache.NoExpiration, 0),
		opts:        opts,
		log:         logging.Get(logging.CategoryCouncil),
	}
}

// Decide aggregates votes into a verdict and updates reviewer calibration
// against the outcome. Votes from excluded reviewers are discarded. Ties in
// weighted vote mass abstain.
func (c *Council) Decide(votes []types.ReviewVote) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := Decision{Weights: make(map[string]float64)}

	counted := make([]types.ReviewVote, 0, len(votes))
	for _, v := range votes {
		if c.opts.Excluder != nil && c.opts.Excluder.IsExcluded(v.ReviewerID) {
			d.Rationale = append(d.Rationale, fmt.Sprintf("vote from %s discarded: reviewer excluded", v.ReviewerID))
			continue
		}
		counted = append(counted, v)
	}

	if len(counted) == 0 {
		d.Verdict = types.VerdictAbstain
		d.Rationale = append(d.Rationale, "no countable votes")
		return d
	}

	mass := map[types.Verdict]float64{}
	for _, v := range counted {
		w := v.Confidence * c.calibrationWeight(v.ReviewerID)
		d.Weights[v.ReviewerID] = w
		mass[v.Verdict] += w
	}
	d.Verdict = argmaxVerdict(mass)
	d.Rationale = append(d.Rationale, fmt.Sprintf(
		"weighted mass: approve=%.3f reject=%.3f abstain=%.3f",
		mass[types.VerdictApprove], mass[types.VerdictReject], mass[types.VerdictAbstain]))

	d.Sycophancy = scoreSycophancy(counted)
	if d.Sycophancy.Class == ClassModerate || d.Sycophancy.Class == ClassSevere {
		c.flagSycophancy(&d, counted)
	}

	c.updateCalibration(counted, d.Verdict)

	c.log.Info("council verdict=%s sycophancy=%.2f (%s) from %d vote(s)",
		d.Verdict, d.Sycophancy.Score, d.Sycophancy.Class, len(counted))
	return d
}

// CalibrationWeight exposes the current weight for a reviewer.
func (c *Council) CalibrationWeight(reviewerID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calibrationWeight(reviewerID)
}

func (c *Council) calibrationWeight(reviewerID string) float64 {
	if raw, ok := c.calibration.Get(reviewerID); ok {
		rec := raw.(calibrationRecord)
		if rec.Reviews >= calibrationWarmup {
			return rec.EMA
		}
	}
	return 1.0
}

func (c *Council) updateCalibration(votes []types.ReviewVote, final types.Verdict) {
	for _, v := range votes {
		rec := calibrationRecord{EMA: calibrationInit}
		if raw, ok := c.calibration.Get(v.ReviewerID); ok {
			rec = raw.(calibrationRecord)
		}
		agreed := 0.0
		if v.Verdict == final {
			agreed = 1.0
		}
		rec.EMA += calibrationAlpha * (agreed - rec.EMA)
		rec.Reviews++
		c.calibration.Set(v.ReviewerID, rec, cache.NoExpiration)
	}
}

func (c *Council) flagSycophancy(d *Decision, votes []types.ReviewVote) {
	modal := modalVerdict(votes)
	for _, v := range votes {
		if v.Verdict != modal {
			continue
		}
		if c.opts.Faults != nil {
			c.opts.Faults.ReportSycophancy(v.ReviewerID, d.Sycophancy.Score,
				fmt.Sprintf("sycophantic agreement (%s, score %.2f)", d.Sycophancy.Class, d.Sycophancy.Score))
		}
	}
	if c.opts.AllowDevilsAdvocate {
		d.NeedsDevilsAdvocate = true
		d.Rationale = append(d.Rationale, "sycophantic round: devil's-advocate reviewer required")
	} else {
		d.Inconclusive = true
		d.Rationale = append(d.Rationale, "sycophantic round: marked inconclusive")
	}
}

// ============================================================================
// SYCOPHANCY SCORING
// ============================================================================

// scoreSycophancy is 0 for fewer than 2 votes and otherwise a weighted sum
// of unanimity, reasoning similarity, and issue uniformity, clamped to [0,1].
func scoreSycophancy(votes []types.ReviewVote) Sycophancy {
	s := Sycophancy{Class: ClassIndependent}
	if len(votes) < 2 {
		return s
	}

	s.VerdictUnanimity = modalFraction(votes)
	s.ReasoningSimilarity = meanPairwiseJaccard(votes)
	s.SeverityUniformity = signatureUniformity(votes, severitySignature)
	s.CountUniformity = signatureUniformity(votes, countSignature)

	s.Score = 0.3*s.VerdictUnanimity + 0.3*s.ReasoningSimilarity +
		0.2*s.SeverityUniformity + 0.2*s.CountUniformity
	if s.Score < 0 {
		s.Score = 0
	}
	if s.Score > 1 {
		s.Score = 1
	}

	switch {
	case s.Score >= 0.7:
		s.Class = ClassSevere
	case s.Score >= 0.5:
		s.Class = ClassModerate
	case s.Score >= 0.3:
		s.Class = ClassMild
	}
	return s
}

func modalVerdict(votes []types.ReviewVote) types.Verdict {
	counts := map[types.Verdict]int{}
	for _, v := range votes {
		counts[v.Verdict]++
	}
	best, bestN := types.VerdictAbstain, -1
	for _, verdict := range []types.Verdict{types.VerdictApprove, types.VerdictReject, types.VerdictAbstain} {
		if counts[verdict] > bestN {
			best, bestN = verdict, counts[verdict]
		}
	}
	return best
}

func modalFraction(votes []types.ReviewVote) float64 {
	counts := map[types.Verdict]int{}
	max := 0
	for _, v := range votes {
		counts[v.Verdict]++
		if counts[v.Verdict] > max {
			max = counts[v.Verdict]
		}
	}
	return float64(max) / float64(len(votes))
}

// meanPairwiseJaccard averages the Jaccard similarity of reasoning
// word-sets over all vote pairs.
func meanPairwiseJaccard(votes []types.ReviewVote) float64 {
	sets := make([]map[string]bool, len(votes))
	for i, v := range votes {
		sets[i] = wordSet(v.Reasoning)
	}
	var sum float64
	pairs := 0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			sum += jaccard(sets[i], sets[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if w != "" {
			set[w] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// signatureUniformity maps every vote to a signature string and scores how
// few distinct signatures appear: all identical is 1, all distinct is 0.
func signatureUniformity(votes []types.ReviewVote, sig func(types.ReviewVote) string) float64 {
	distinct := make(map[string]bool)
	for _, v := range votes {
		distinct[sig(v)] = true
	}
	if len(votes) < 2 {
		return 0
	}
	return 1 - float64(len(distinct)-1)/float64(len(votes)-1)
}

func severitySignature(v types.ReviewVote) string {
	counts := map[types.IssueSeverity]int{}
	for _, is := range v.Issues {
		counts[is.Severity]++
	}
	return fmt.Sprintf("c%d-m%d-n%d",
		counts[types.SeverityCritical], counts[types.SeverityMajor], counts[types.SeverityMinor])
}

func countSignature(v types.ReviewVote) string {
	return fmt.Sprintf("%d", len(v.Issues))
}

func argmaxVerdict(mass map[types.Verdict]float64) types.Verdict {
	ordered := []types.Verdict{types.VerdictApprove, types.VerdictReject, types.VerdictAbstain}
	sort.SliceStable(ordered, func(i, j int) bool {
		return mass[ordered[i]] > mass[ordered[j]]
	})
	if len(ordered) > 1 && mass[ordered[0]] == mass[ordered[1]] {
		return types.VerdictAbstain
	}
	return ordered[0]
}
