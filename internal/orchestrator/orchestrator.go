package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"loki/internal/adjuster"
	"loki/internal/bft"
	"loki/internal/checklist"
	"loki/internal/classifier"
	"loki/internal/composer"
	"loki/internal/config"
	"loki/internal/council"
	"loki/internal/logging"
	"loki/internal/memory"
	"loki/internal/performance"
	"loki/internal/retrieval"
	"loki/internal/store"
	"loki/internal/types"
)

// pauseInterval is how long the loop sleeps between pause re-checks.
const pauseInterval = 2 * time.Second

// AgentExecutor dispatches work to the external agents (LLM collaborators
// or test doubles). Implementations must honour the context deadline.
type AgentExecutor interface {
	Execute(ctx context.Context, agent types.Agent, task types.TaskItem, memories []retrieval.ScoredItem) (types.TaskResult, error)
	Review(ctx context.Context, reviewer types.Agent, task types.TaskItem, result types.TaskResult) (types.ReviewVote, error)
}

// signalWindow accumulates the quality signals the adjuster consumes.
// Failed gate names come from the checklist at evaluation time.
type signalWindow struct {
	consensusRuns    int
	consensusReached int
	reviewsTotal     int
	reviewsPassed    int
}

// Orchestrator owns one session: the team, the queue, and the RARV loop.
type Orchestrator struct {
	cfg        *config.Config
	projectDir string
	executor   AgentExecutor

	queue      *Queue
	events     *EventSink
	dashboard  *DashboardWriter
	control    *Controller
	memories   *memory.Store
	engine     *retrieval.Engine
	council    *council.Council
	reputation *bft.Tracker
	consensus  *bft.Engine
	auth       *bft.Authenticator
	perf       *performance.Tracker
	verifier   *checklist.Verifier

	classification classifier.Classification
	workers        int
	log            *logging.Logger

	mu        sync.Mutex
	agents    []types.Agent
	signals   signalWindow
	iteration int
	paused    bool
}

// New wires a session for the project directory: classifies the PRD,
// composes the team, and opens all persistent state under .loki/.
func New(cfg *config.Config, projectDir, prd string, executor AgentExecutor) (*Orchestrator, error) {
	if cfg.Orchestrator.AdjustEvery <= 0 {
		cfg.Orchestrator.AdjustEvery = 5
	}
	if cfg.Orchestrator.VerifyEvery <= 0 {
		cfg.Orchestrator.VerifyEvery = 10
	}
	auth, err := bft.NewAuthenticator([]byte(cfg.BFT.SwarmKey), cfg.MessageValidityWindow(), cfg.BFT.DevMode)
	if err != nil {
		return nil, err
	}
	lokiDir := filepath.Join(projectDir, ".loki")

	queue, err := NewQueue(filepath.Join(lokiDir, "queue"), cfg.Orchestrator.MaxTaskRetries)
	if err != nil {
		return nil, err
	}
	events, err := NewEventSink(filepath.Join(lokiDir, "events.jsonl"))
	if err != nil {
		return nil, err
	}
	control, err := NewController(lokiDir)
	if err != nil {
		events.Close() //nolint:errcheck
		return nil, err
	}

	memories, err := memory.NewStore(cfg.MemoryRoot(), store.SafeName(cfg.Name))
	if err != nil {
		return nil, err
	}
	reputation, err := bft.NewTracker(bft.TrackerConfig{
		Path:                     filepath.Join(cfg.SwarmDir(), "reputations.json"),
		ExclusionThreshold:       cfg.BFT.ExclusionThreshold,
		RehabilitationThreshold:  cfg.BFT.RehabilitationThreshold,
		MaxFaultsBeforeExclusion: cfg.BFT.MaxFaultsBeforeExclusion,
	})
	if err != nil {
		return nil, err
	}
	perf, err := performance.NewTracker(filepath.Join(lokiDir, "performance.json"))
	if err != nil {
		return nil, err
	}

	classification := classifier.Classify(prd)
	team := composer.Compose(classification, nil, perf)

	o := &Orchestrator{
		cfg:        cfg,
		projectDir: projectDir,
		executor:   executor,
		queue:      queue,
		events:     events,
		dashboard:  NewDashboardWriter(filepath.Join(lokiDir, "dashboard-state.json")),
		control:    control,
		memories:   memories,
		engine:     retrieval.New(memories),
		reputation: reputation,
		consensus:  bft.NewEngine(reputation, cfg.ConsensusTimeout()),
		auth:       auth,
		perf:       perf,
		verifier: checklist.NewVerifier(projectDir,
			checklist.WithTimeout(cfg.CheckTimeout())),
		classification: classification,
		agents:         team.Agents,
		workers:        cfg.Orchestrator.WorkerPoolSize,
		log:            logging.Get(logging.CategoryOrchestrator),
	}
	if o.workers <= 0 {
		o.workers = runtime.NumCPU()
	}
	o.council = council.New(council.Options{
		Excluder:            reputation,
		Faults:              reputation,
		AllowDevilsAdvocate: true,
	})
	return o, nil
}

// Enqueue adds a task to the session's pending queue.
func (o *Orchestrator) Enqueue(task types.TaskItem) (string, error) {
	return o.queue.Push(task)
}

// Agents returns a snapshot of the current team.
func (o *Orchestrator) Agents() []types.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]types.Agent(nil), o.agents...)
}

// Classification returns the PRD classification driving this session.
func (o *Orchestrator) Classification() classifier.Classification {
	return o.classification
}

// RequestStop drops a STOP file so the loop exits at the next check.
func (o *Orchestrator) RequestStop() error {
	return o.control.RequestStop()
}

// QueueCounts reports queue depths per state.
func (o *Orchestrator) QueueCounts() (map[string]int, error) {
	return o.queue.Counts()
}

// Close flushes and releases everything the session holds open.
func (o *Orchestrator) Close() error {
	var errs []error
	if err := o.perf.Save(); err != nil {
		errs = append(errs, err)
	}
	if err := o.reputation.Save(); err != nil {
		errs = append(errs, err)
	}
	if err := o.control.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := o.dashboard.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := o.events.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Run drives the RARV loop until the queue drains, the checklist
// completes, a STOP file appears, or the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	pidFile := filepath.Join(o.projectDir, ".loki", "session.pid")
	if err := WritePIDFile(pidFile); err != nil {
		return err
	}
	defer RemovePIDFile(pidFile) //nolint:errcheck

	o.events.Emit(EventSessionStart, map[string]interface{}{
		"complexity": string(o.classification.Tier),
		"agents":     len(o.Agents()),
	})
	defer o.events.Emit(EventSessionStop, nil)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.control.Poll()
		if o.control.ShouldStop() {
			o.log.Info("stop requested after %d iteration(s)", o.iteration)
			return nil
		}
		if o.handlePause(ctx) {
			continue
		}

		o.iteration++
		done, err := o.iterate(ctx)
		if err != nil {
			o.log.Error("iteration %d: %v", o.iteration, err)
		}
		o.updateDashboard()

		if o.iteration%o.cfg.Orchestrator.AdjustEvery == 0 {
			o.adjustTeam()
		}
		if o.iteration%o.cfg.Orchestrator.VerifyEvery == 0 || done {
			o.sweepDecay()
			if o.verifyChecklist(ctx) {
				o.events.Emit(EventSessionComplete, map[string]interface{}{"iteration": o.iteration})
				return nil
			}
		}
		if done {
			return nil
		}
	}
}

// handlePause sleeps while a PAUSE file is present and reports whether the
// caller should re-check controls.
func (o *Orchestrator) handlePause(ctx context.Context) bool {
	if !o.control.ShouldPause() {
		if o.paused {
			o.paused = false
			o.events.Emit(EventSessionResume, nil)
		}
		return false
	}
	if !o.paused {
		o.paused = true
		o.events.Emit(EventSessionPause, nil)
	}
	select {
	case <-ctx.Done():
	case <-time.After(pauseInterval):
	}
	return true
}

// iterate runs one Reason-Act-Review-Verify pass over a single task.
// done reports that the queue is drained.
func (o *Orchestrator) iterate(ctx context.Context) (done bool, err error) {
	task, err := o.queue.NextPending()
	if err != nil {
		if errors.Is(err, ErrQueueEmpty) {
			return true, nil
		}
		return false, err
	}
	o.events.Emit(EventTaskStarted, map[string]interface{}{"task_id": task.ID, "title": task.Title})

	// Reason: pull relevant memories under the token budget.
	rctx := retrieval.Context{
		Goal:       task.Title + " " + task.Payload.Description,
		ActionType: task.Payload.Action,
	}
	budget, err := o.engine.RetrieveWithBudget(rctx, o.cfg.Orchestrator.TokenBudget, true)
	if err != nil {
		o.log.Warn("retrieval failed for task %s: %v", task.ID, err)
		budget = &retrieval.BudgetResult{}
	}

	// Act: dispatch to the owning agent.
	owner := o.pickOwner(*task)
	dispatchCtx, cancel := context.WithTimeout(ctx, o.cfg.DispatchTimeout())
	result, err := o.executor.Execute(dispatchCtx, owner, *task, budget.Items)
	cancel()
	if err != nil {
		return false, o.failTask(*task, owner, fmt.Sprintf("execution failed: %v", err))
	}
	if result.ResultHash == "" {
		result.ResultHash = bft.HashValue(result.Output)
	}

	// Review: the task waits in review state while the council votes on
	// the proposal.
	if err := o.queue.MarkReview(*task); err != nil {
		return false, err
	}
	proposal := newProposal(*task, result)
	votes := o.collectReviews(ctx, *task, result)
	decision := o.council.Decide(votes)
	o.recordReviewSignals(decision)

	if decision.Verdict != types.VerdictApprove || decision.Inconclusive {
		return false, o.retryTask(*task, decision)
	}

	// Verify: BFT consensus over the approved proposal.
	reached := o.runConsensus(ctx, proposal, votes)
	if !reached {
		return false, o.retryTask(*task, decision)
	}

	return false, o.completeTask(*task, owner, result, votes)
}

// newProposal wraps an execution result as the unit submitted for review
// and consensus. Each attempt gets a fresh proposal id, so vote history is
// tracked per round.
func newProposal(task types.TaskItem, result types.TaskResult) types.Proposal {
	return types.Proposal{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		AgentID:   result.AgentID,
		Summary:   task.Title,
		Value:     result.ResultHash,
		CreatedAt: time.Now(),
	}
}

// pickOwner prefers an agent whose type matches the task type, then the
// backend engineer, then the first agent.
func (o *Orchestrator) pickOwner(task types.TaskItem) types.Agent {
	agents := o.Agents()
	for _, a := range agents {
		if a.Type == task.Type {
			return a
		}
	}
	for _, a := range agents {
		if a.Type == "eng-backend" {
			return a
		}
	}
	return agents[0]
}

// collectReviews fans reviews out to every reviewer-capable agent except
// the owner, bounded by the worker pool. Review failures simply drop that
// vote.
func (o *Orchestrator) collectReviews(ctx context.Context, task types.TaskItem, result types.TaskResult) []types.ReviewVote {
	var (
		mu    sync.Mutex
		votes []types.ReviewVote
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, a := range o.Agents() {
		if a.ID == result.AgentID || !isReviewer(a) {
			continue
		}
		a := a
		g.Go(func() error {
			reviewCtx, cancel := context.WithTimeout(gctx, o.cfg.DispatchTimeout())
			defer cancel()
			vote, err := o.executor.Review(reviewCtx, a, task, result)
			if err != nil {
				o.log.Warn("review by %s failed: %v", a.Type, err)
				return nil
			}
			vote.ReviewerID = a.ID
			mu.Lock()
			votes = append(votes, vote)
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	sort.Slice(votes, func(i, j int) bool { return votes[i].ReviewerID < votes[j].ReviewerID })
	return votes
}

// isReviewer selects the agents asked to vote: dedicated reviewers plus
// the planner.
func isReviewer(a types.Agent) bool {
	return strings.HasPrefix(a.Type, "review-") || a.Type == "eng-planner"
}

// runConsensus runs a PBFT round over the approved proposal across the
// reviewing agents. The proposal travels in a sealed SwarmMessage envelope
// that must verify before the round is admitted, so a replayed or stale
// envelope never reaches the vote. Swarms below the PBFT minimum skip the
// round; the council's approval stands on its own there.
func (o *Orchestrator) runConsensus(ctx context.Context, proposal types.Proposal, votes []types.ReviewVote) bool {
	participants := make([]string, 0, len(votes))
	for _, v := range votes {
		participants = append(participants, v.ReviewerID)
	}
	if len(participants) < 4 {
		o.log.Debug("skipping consensus for task %s: %d participant(s)", proposal.TaskID, len(participants))
		return true
	}

	envelope := o.auth.Seal(proposal.Value)
	if err := o.auth.Verify(envelope); err != nil {
		o.log.Warn("proposal envelope for task %s refused: %v", proposal.TaskID, err)
		return false
	}

	res, err := o.consensus.Run(ctx, bft.ConsensusRequest{
		ProposalID:   proposal.ID,
		Value:        proposal.Value,
		Participants: participants,
		Collect:      verdictCollector{votes: votes, value: proposal.Value},
	})
	if err != nil {
		o.log.Warn("consensus error for task %s: %v", proposal.TaskID, err)
		return false
	}
	for _, f := range res.Faults {
		o.events.Emit(EventFaultDetected, map[string]interface{}{
			"agent_id": f.AgentID, "kind": string(f.Kind), "severity": f.Severity,
		})
	}

	o.mu.Lock()
	o.signals.consensusRuns++
	if res.ConsensusReached {
		o.signals.consensusReached++
	}
	o.mu.Unlock()

	eventType := EventConsensusReached
	if !res.ConsensusReached {
		eventType = EventConsensusFailed
	}
	o.events.Emit(eventType, map[string]interface{}{
		"task_id":     proposal.TaskID,
		"proposal_id": proposal.ID,
		"nonce":       envelope.Nonce,
		"quorum":      res.Quorum,
		"phase":       string(res.Phase),
	})
	return res.ConsensusReached
}

// verdictCollector adapts council votes into PBFT phase votes: approving
// reviewers vote the result hash, everyone else dissents.
type verdictCollector struct {
	votes []types.ReviewVote
	value string
}

func (c verdictCollector) PrepareVote(_ context.Context, agentID, _, value string) (string, error) {
	for _, v := range c.votes {
		if v.ReviewerID == agentID && v.Verdict == types.VerdictApprove {
			return bft.HashValue(value), nil
		}
	}
	return bft.HashValue(value + ":dissent"), nil
}

func (c verdictCollector) CommitVote(_ context.Context, agentID, _, hash string) (string, error) {
	return hash, nil
}

// completeTask finishes the happy path: queue move, episode write, and
// success records in reputation and performance.
func (o *Orchestrator) completeTask(task types.TaskItem, owner types.Agent, result types.TaskResult, votes []types.ReviewVote) error {
	if err := o.queue.Complete(task); err != nil {
		return err
	}
	o.events.Emit(EventTaskCompleted, map[string]interface{}{"task_id": task.ID, "agent": owner.Type})

	if _, err := o.memories.SaveEpisode(&memory.Episode{
		Actor:   owner.Type,
		Goal:    task.Title,
		Actions: []string{task.Payload.Action},
		Outcome: memory.OutcomeSuccess,
	}); err != nil {
		o.log.Warn("episode write failed for task %s: %v", task.ID, err)
	}

	o.reputation.RecordSuccess(owner.ID)
	o.perf.RecordCompletion(owner.Type, meanConfidence(votes), result.DurationS)
	return nil
}

// retryTask sends a rejected task back through the queue.
func (o *Orchestrator) retryTask(task types.TaskItem, decision council.Decision) error {
	requeued, err := o.queue.Retry(task)
	if err != nil {
		return err
	}
	if !requeued {
		o.events.Emit(EventTaskFailed, map[string]interface{}{
			"task_id": task.ID, "reason": "retry budget exhausted",
		})
	}
	o.log.Info("task %s sent back (verdict=%s, requeued=%v)", task.ID, decision.Verdict, requeued)
	return nil
}

// failTask hard-fails a task that never produced a result.
func (o *Orchestrator) failTask(task types.TaskItem, owner types.Agent, reason string) error {
	if err := o.queue.Fail(task); err != nil {
		return err
	}
	o.events.Emit(EventTaskFailed, map[string]interface{}{"task_id": task.ID, "reason": reason})

	if _, err := o.memories.SaveEpisode(&memory.Episode{
		Actor:   owner.Type,
		Goal:    task.Title,
		Outcome: memory.OutcomeFailure,
		Errors:  []memory.EpisodeError{{Message: reason}},
	}); err != nil {
		o.log.Warn("episode write failed for task %s: %v", task.ID, err)
	}
	return nil
}

func (o *Orchestrator) recordReviewSignals(decision council.Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.signals.reviewsTotal++
	if decision.Verdict == types.VerdictApprove {
		o.signals.reviewsPassed++
	}
}

// adjustTeam consults the adjuster with fresh signals and applies its
// mutations.
func (o *Orchestrator) adjustTeam() {
	coverage, failedGates := o.checklistSignals()

	o.mu.Lock()
	s := adjuster.Signals{
		GatePassRate:   ratio(o.signals.consensusReached, o.signals.consensusRuns),
		ReviewPassRate: ratio(o.signals.reviewsPassed, o.signals.reviewsTotal),
		TestCoverage:   coverage,
		IterationCount: o.iteration,
		FailedGates:    failedGates,
	}
	current := append([]types.Agent(nil), o.agents...)
	o.mu.Unlock()

	adj := adjuster.Evaluate(current, s)
	if adj.Action == adjuster.ActionNone {
		return
	}

	o.mu.Lock()
	for i := range adj.AgentsToAdd {
		a := adj.AgentsToAdd[i]
		a.ID = uuid.NewString()
		o.agents = append(o.agents, a)
		o.events.Emit(EventAgentAdded, map[string]interface{}{"agent": a.Type})
	}
	for _, id := range adj.AgentsToRemove {
		for i := range o.agents {
			if o.agents[i].ID == id {
				o.events.Emit(EventAgentRemoved, map[string]interface{}{"agent": o.agents[i].Type})
				o.agents = append(o.agents[:i], o.agents[i+1:]...)
				break
			}
		}
	}
	o.mu.Unlock()
}

// checklistSignals derives adjuster inputs from the checklist: coverage is
// the verified fraction of items, and failing item titles are the failed
// gate names the specialist table matches against.
func (o *Orchestrator) checklistSignals() (coverage float64, failedGates []string) {
	cl, err := checklist.Load(filepath.Join(o.projectDir, ".loki", "checklist", "checklist.json"))
	if err != nil || len(cl.Items) == 0 {
		return 1.0, nil
	}
	verified := 0
	for _, it := range cl.Items {
		switch it.Status {
		case checklist.ItemVerified:
			verified++
		case checklist.ItemFailing:
			failedGates = append(failedGates, it.Title)
		}
	}
	return ratio(verified, len(cl.Items)), failedGates
}

// sweepDecay applies bulk importance decay across the memory tiers.
func (o *Orchestrator) sweepDecay() {
	rate := o.cfg.Memory.DecayRate
	halfLife := o.cfg.Memory.HalfLifeDays
	for _, tier := range []memory.Tier{memory.TierEpisodic, memory.TierSemantic, memory.TierSkills} {
		n, err := o.memories.BatchApplyDecay(tier, rate, halfLife)
		if err != nil {
			o.log.Warn("decay sweep failed for %s: %v", tier, err)
			continue
		}
		if n > 0 {
			o.log.Debug("decayed %d entries in %s", n, tier)
		}
	}
}

// verifyChecklist runs the verifier and reports whether everything passed.
func (o *Orchestrator) verifyChecklist(ctx context.Context) bool {
	dir := filepath.Join(o.projectDir, ".loki", "checklist")
	cl, err := o.verifier.VerifyAll(ctx,
		filepath.Join(dir, "checklist.json"),
		filepath.Join(dir, "verification-results.json"))
	if err != nil {
		o.log.Warn("checklist verification failed: %v", err)
		return false
	}
	sum := cl.Summarize(time.Now())
	o.events.Emit(EventChecklistVerified, map[string]interface{}{
		"verified": sum.Verified, "failing": sum.Failing, "pending": sum.Pending,
	})
	return cl.AllVerified()
}

func (o *Orchestrator) updateDashboard() {
	counts, err := o.queue.Counts()
	if err != nil {
		counts = map[string]int{}
	}
	agents := o.Agents()
	o.dashboard.Update(func(d *DashboardState) {
		d.Phase = "rarv"
		d.Iteration = o.iteration
		d.Complexity = string(o.classification.Tier)
		d.Mode = o.cfg.Provider
		d.Agents = agents
		d.Tasks = counts
	})
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 1.0
	}
	return float64(num) / float64(den)
}

func meanConfidence(votes []types.ReviewVote) float64 {
	if len(votes) == 0 {
		return 0.5
	}
	var sum float64
	for _, v := range votes {
		sum += v.Confidence
	}
	return sum / float64(len(votes))
}
