package bft

import (
	"fmt"
	"sync"
	"time"
)

// voteHistoryWindow is how many votes per agent feed the inconsistency
// detector.
const voteHistoryWindow = 10

type voteRecord struct {
	ProposalID string
	Hash       string
	At         time.Time
}

// VoteHistory remembers recent votes per agent and detects inconsistent
// voting and equivocation. Safe for concurrent use.
type VoteHistory struct {
	mu    sync.Mutex
	votes map[string][]voteRecord // agent id -> last N votes
	now   func() time.Time
}

// NewVoteHistory creates an empty history.
func NewVoteHistory() *VoteHistory {
	return &VoteHistory{
		votes: make(map[string][]voteRecord),
		now:   time.Now,
	}
}

// Observe records a vote and returns an InconsistentVote fault when the
// agent previously voted a different hash on the same proposal within the
// history window. The inconsistent vote is still recorded.
func (h *VoteHistory) Observe(agentID, proposalID, hash string) *FaultRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	var fault *FaultRecord
	for _, prev := range h.votes[agentID] {
		if prev.ProposalID == proposalID && prev.Hash != hash {
			fault = &FaultRecord{
				AgentID:     agentID,
				Kind:        FaultInconsistentVote,
				Severity:    InconsistencyPenalty,
				Description: fmt.Sprintf("vote on proposal %s changed from %.12s to %.12s", proposalID, prev.Hash, hash),
				Evidence: map[string]string{
					"proposal_id":   proposalID,
					"previous_hash": prev.Hash,
					"new_hash":      hash,
				},
			}
			break
		}
	}

	recs := append(h.votes[agentID], voteRecord{ProposalID: proposalID, Hash: hash, At: h.now()})
	if len(recs) > voteHistoryWindow {
		recs = recs[len(recs)-voteHistoryWindow:]
	}
	h.votes[agentID] = recs
	return fault
}

// DetectEquivocation checks per-recipient message hashes from one agent on
// one proposal. Different hashes to different recipients is equivocation.
func DetectEquivocation(agentID, proposalID string, sentHashes map[string]string) *FaultRecord {
	var first string
	for _, hash := range sentHashes {
		if first == "" {
			first = hash
			continue
		}
		if hash != first {
			return &FaultRecord{
				AgentID:     agentID,
				Kind:        FaultEquivocation,
				Severity:    EquivocationPenalty,
				Description: fmt.Sprintf("agent sent different hashes for proposal %s to different recipients", proposalID),
				Evidence:    map[string]string{"proposal_id": proposalID},
			}
		}
	}
	return nil
}
