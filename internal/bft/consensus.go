package bft

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"loki/internal/logging"
)

// Phase is a PBFT round phase.
type Phase string

const (
	PhasePrePrepare Phase = "pre_prepare"
	PhasePrepare    Phase = "prepare"
	PhaseCommit     Phase = "commit"
	PhaseReply      Phase = "reply"
)

// minParticipants is the smallest swarm that can tolerate one fault.
const minParticipants = 4

// ErrTooFewParticipants is returned when fewer than 4 eligible agents
// remain after exclusion filtering.
var ErrTooFewParticipants = errors.New("consensus requires at least 4 eligible participants")

// VoteCollector gathers phase votes from the (external) agents. The
// orchestrator implements it on top of agent dispatch.
type VoteCollector interface {
	// PrepareVote asks an agent for its value hash of the proposal.
	PrepareVote(ctx context.Context, agentID, proposalID, value string) (hash string, err error)
	// CommitVote asks an agent to commit to the agreed hash and returns the
	// hash the agent actually committed.
	CommitVote(ctx context.Context, agentID, proposalID, hash string) (string, error)
}

// ConsensusRequest describes one round.
type ConsensusRequest struct {
	ProposalID   string
	Value        string
	Participants []string
	// Primary overrides primary selection; empty picks the
	// highest-reputation eligible agent.
	Primary string
	Collect VoteCollector
}

// ConsensusResult reports a finished (or failed) round.
type ConsensusResult struct {
	Success             bool          `json:"success"`
	ConsensusReached    bool          `json:"consensus_reached"`
	ProposalID          string        `json:"proposal_id"`
	Value               string        `json:"value"`
	ValueHash           string        `json:"value_hash"`
	Primary             string        `json:"primary"`
	ParticipatingAgents []string      `json:"participating_agents"`
	Excluded            []string      `json:"excluded"`
	FaultTolerance      int           `json:"fault_tolerance"` // f
	Quorum              int           `json:"quorum"`          // q = 2f+1
	Phase               Phase         `json:"phase"`           // furthest phase reached
	Faults              []FaultRecord `json:"faults,omitempty"`
}

// Engine runs PBFT-lite rounds and feeds outcomes into the reputation
// tracker. Concurrent rounds are independent.
type Engine struct {
	rep     *Tracker
	history *VoteHistory
	timeout time.Duration
	log     *logging.Logger
}

// NewEngine builds a consensus engine over the given reputation tracker.
func NewEngine(rep *Tracker, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{
		rep:     rep,
		history: NewVoteHistory(),
		timeout: timeout,
		log:     logging.Get(logging.CategoryBFT),
	}
}

// History exposes the shared vote history for external observation calls.
func (e *Engine) History() *VoteHistory { return e.history }

// Run executes one round: PrePrepare -> Prepare -> Commit -> Reply.
// Detected faults are recorded against the offending agents; a faulty or
// silent minority does not abort the round as long as quorum holds.
func (e *Engine) Run(ctx context.Context, req ConsensusRequest) (*ConsensusResult, error) {
	res := &ConsensusResult{
		ProposalID: req.ProposalID,
		Value:      req.Value,
		ValueHash:  HashValue(req.Value),
		Phase:      PhasePrePrepare,
	}

	for _, id := range req.Participants {
		if e.rep.IsExcluded(id) {
			res.Excluded = append(res.Excluded, id)
		} else {
			res.ParticipatingAgents = append(res.ParticipatingAgents, id)
		}
	}
	n := len(res.ParticipatingAgents)
	if n < minParticipants {
		return res, fmt.Errorf("%w: have %d", ErrTooFewParticipants, n)
	}
	res.FaultTolerance = (n - 1) / 3
	res.Quorum = 2*res.FaultTolerance + 1
	res.Primary = e.pickPrimary(req.Primary, res.ParticipatingAgents)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.log.Info("round %s: n=%d f=%d q=%d primary=%s",
		req.ProposalID, n, res.FaultTolerance, res.Quorum, res.Primary)

	// Prepare: every replica reports its hash of the pre-prepared value.
	res.Phase = PhasePrepare
	prepared := e.collectVotes(ctx, res, res.ParticipatingAgents, func(c context.Context, agentID string) (string, error) {
		return req.Collect.PrepareVote(c, agentID, req.ProposalID, req.Value)
	})
	if len(prepared) < res.Quorum {
		e.log.Warn("round %s failed in prepare: %d/%d votes", req.ProposalID, len(prepared), res.Quorum)
		return res, nil
	}

	// Commit: replicas that prepared the agreed hash commit to it.
	res.Phase = PhaseCommit
	committed := e.collectVotes(ctx, res, prepared, func(c context.Context, agentID string) (string, error) {
		return req.Collect.CommitVote(c, agentID, req.ProposalID, res.ValueHash)
	})
	if len(committed) < res.Quorum {
		e.log.Warn("round %s failed in commit: %d/%d votes", req.ProposalID, len(committed), res.Quorum)
		return res, nil
	}

	res.Phase = PhaseReply
	res.Success = true
	res.ConsensusReached = true
	for _, id := range committed {
		e.rep.RecordSuccess(id)
	}
	e.log.Info("round %s reached consensus with %d commit vote(s)", req.ProposalID, len(committed))
	return res, nil
}

// collectVotes gathers one phase's votes concurrently and returns the
// agents whose vote matched the round hash. Mismatches, inconsistencies,
// and timeouts become fault records on the result and the tracker.
func (e *Engine) collectVotes(ctx context.Context, res *ConsensusResult, agents []string,
	vote func(context.Context, string) (string, error)) []string {

	var (
		mu      sync.Mutex
		matched []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, agentID := range agents {
		agentID := agentID
		g.Go(func() error {
			hash, err := vote(gctx, agentID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fault := FaultRecord{
					AgentID:     agentID,
					Kind:        FaultTimeout,
					Severity:    TimeoutPenalty,
					Description: fmt.Sprintf("no %s vote on proposal %s: %v", res.Phase, res.ProposalID, err),
				}
				e.rep.RecordFault(fault)
				res.Faults = append(res.Faults, fault)
				return nil
			}
			if fault := e.history.Observe(agentID, res.ProposalID, hash); fault != nil {
				e.rep.RecordFault(*fault)
				res.Faults = append(res.Faults, *fault)
				return nil
			}
			if hash == res.ValueHash {
				matched = append(matched, agentID)
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	sort.Strings(matched)
	return matched
}

// pickPrimary keeps the caller's choice when it is participating, else the
// highest-reputation participant (ties break on agent id).
func (e *Engine) pickPrimary(requested string, participants []string) string {
	for _, id := range participants {
		if id == requested {
			return id
		}
	}
	best := ""
	bestScore := -1.0
	for _, id := range participants {
		score := e.rep.Score(id)
		if score > bestScore || (score == bestScore && (best == "" || id < best)) {
			best, bestScore = id, score
		}
	}
	return best
}
