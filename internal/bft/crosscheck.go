package bft

import (
	"fmt"
	"sort"
)

// CrossCheckAgreement is the agreement ratio callers typically require.
const CrossCheckAgreement = 0.67

// AgentResult pairs an agent with the result it produced.
type AgentResult struct {
	AgentID string `json:"agent_id"`
	Result  string `json:"result"`
}

// CrossCheckOutcome reports the majority result across agents.
type CrossCheckOutcome struct {
	MajorityResult string        `json:"majority_result"`
	AgreementRatio float64       `json:"agreement_ratio"`
	Faults         []FaultRecord `json:"faults,omitempty"`
}

// CrossCheck finds the majority result by hash and raises ConflictingResult
// faults against disagreeing agents. Ties on count break on the smaller
// hash so the outcome is deterministic.
func CrossCheck(results []AgentResult) CrossCheckOutcome {
	var out CrossCheckOutcome
	if len(results) == 0 {
		return out
	}

	counts := make(map[string]int)
	byHash := make(map[string]string) // hash -> representative result
	for _, r := range results {
		h := HashValue(r.Result)
		counts[h]++
		if _, ok := byHash[h]; !ok {
			byHash[h] = r.Result
		}
	}

	majorityHash := ""
	for h, n := range counts {
		switch {
		case majorityHash == "", n > counts[majorityHash]:
			majorityHash = h
		case n == counts[majorityHash] && h < majorityHash:
			majorityHash = h
		}
	}

	out.MajorityResult = byHash[majorityHash]
	out.AgreementRatio = float64(counts[majorityHash]) / float64(len(results))

	for _, r := range results {
		if HashValue(r.Result) == majorityHash {
			continue
		}
		out.Faults = append(out.Faults, FaultRecord{
			AgentID:     r.AgentID,
			Kind:        FaultConflictingResult,
			Severity:    ConflictPenalty,
			Description: "result hash differs from the majority",
			Evidence: map[string]string{
				"majority_hash": majorityHash,
				"agent_hash":    HashValue(r.Result),
			},
		})
	}
	return out
}

// ============================================================================
// DELEGATION
// ============================================================================

// Candidate is one agent considered for delegation.
type Candidate struct {
	AgentID      string             `json:"agent_id"`
	Capabilities map[string]float64 `json:"capabilities"` // capability -> proficiency [0,1]
}

// Delegation is the chosen agent plus ranked fallbacks.
type Delegation struct {
	AgentID   string   `json:"agent_id"`
	Score     float64  `json:"score"`
	Fallbacks []string `json:"fallbacks,omitempty"` // up to 3, best first
}

// Delegate picks the best eligible candidate for a task needing the given
// capabilities. Score = 0.6*reputation + 0.4*average required proficiency;
// missing capabilities count as zero proficiency.
func (t *Tracker) Delegate(requiredCapabilities []string, candidates []Candidate) (Delegation, error) {
	type scored struct {
		id    string
		score float64
	}
	var ranked []scored
	for _, c := range candidates {
		if t.IsExcluded(c.AgentID) {
			continue
		}
		var prof float64
		if len(requiredCapabilities) > 0 {
			for _, name := range requiredCapabilities {
				prof += c.Capabilities[name]
			}
			prof /= float64(len(requiredCapabilities))
		}
		ranked = append(ranked, scored{id: c.AgentID, score: 0.6*t.Score(c.AgentID) + 0.4*prof})
	}
	if len(ranked) == 0 {
		return Delegation{}, fmt.Errorf("no eligible candidates among %d", len(candidates))
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})

	d := Delegation{AgentID: ranked[0].id, Score: ranked[0].score}
	for _, s := range ranked[1:] {
		if len(d.Fallbacks) == 3 {
			break
		}
		d.Fallbacks = append(d.Fallbacks, s.id)
	}
	return d, nil
}
