package retrieval

import (
	"fmt"
	"sort"
)

// Budget layer shares: the topic index gets at most 20% and the summary
// layer at most 40%; full items fill whatever remains.
const (
	indexLayerShare   = 0.2
	summaryLayerShare = 0.4
)

// BudgetResult is a budgeted retrieval: two cheap disclosure layers plus
// the full items that fit in the remaining budget.
type BudgetResult struct {
	TaskType   TaskType     `json:"task_type"`
	IndexLines []string     `json:"index_lines,omitempty"` // layer 1: topic index
	Summaries  []string     `json:"summaries,omitempty"`   // layer 2: one-line summaries
	Items      []ScoredItem `json:"items"`                 // layer 3: full items
	Metrics    Metrics      `json:"metrics"`
}

// Metrics reports how a budgeted retrieval spent its allowance.
type Metrics struct {
	Candidates  int `json:"candidates"`
	Returned    int `json:"returned"`
	TokensUsed  int `json:"tokens_used"`
	TokenBudget int `json:"token_budget"`
}

// RetrieveWithBudget retrieves under a token budget. With progressive set,
// cheap index and summary layers are emitted before full items; otherwise
// the whole budget goes to full items. Total token usage never exceeds the
// budget. Returned full items get the usual importance boost.
func (e *Engine) RetrieveWithBudget(ctx Context, budget int, progressive bool) (*BudgetResult, error) {
	taskType := DetectTaskType(ctx)
	scored := e.scoreAll(ctx, taskType)

	res := &BudgetResult{
		TaskType: taskType,
		Metrics:  Metrics{Candidates: len(scored), TokenBudget: budget},
	}
	if budget <= 0 {
		return res, nil
	}

	used := 0
	if progressive {
		used += e.fillIndexLayer(ctx, res, int(float64(budget)*indexLayerShare))
		used += e.fillSummaryLayer(res, scored, int(float64(budget)*summaryLayerShare))
	}

	// Layer 3: greedy knapsack over importance-weighted score density.
	remaining := budget - used
	byDensity := make([]candidate, len(scored))
	copy(byDensity, scored)
	sort.SliceStable(byDensity, func(i, j int) bool {
		return density(byDensity[i].item) > density(byDensity[j].item)
	})
	for _, c := range byDensity {
		if c.item.Tokens > remaining {
			continue
		}
		remaining -= c.item.Tokens
		used += c.item.Tokens
		res.Items = append(res.Items, c.item)
		e.boostReturned(c)
	}

	res.Metrics.Returned = len(res.Items)
	res.Metrics.TokensUsed = used
	e.log.Info("budgeted retrieval (%s): %d/%d item(s), %d/%d tokens",
		taskType, len(res.Items), len(scored), used, budget)
	return res, nil
}

// fillIndexLayer emits topic index lines relevant to the goal, up to the
// layer budget, and returns the tokens spent.
func (e *Engine) fillIndexLayer(ctx Context, res *BudgetResult, layerBudget int) int {
	entries, err := e.store.Index()
	if err != nil {
		return 0
	}
	goalWords := wordSet(ctx.Goal)

	used := 0
	for _, entry := range entries {
		if jaccard(goalWords, wordSet(entry.Topic)) == 0 {
			continue
		}
		line := fmt.Sprintf("[%s] %s", entry.Tier, entry.Topic)
		cost := EstimateTokens(line)
		if used+cost > layerBudget {
			break
		}
		used += cost
		res.IndexLines = append(res.IndexLines, line)
	}
	return used
}

// fillSummaryLayer emits one-line summaries of the top-scored candidates,
// up to the layer budget, and returns the tokens spent.
func (e *Engine) fillSummaryLayer(res *BudgetResult, scored []candidate, layerBudget int) int {
	used := 0
	for _, c := range scored {
		line := fmt.Sprintf("[%s] %s", c.item.Tier, c.item.Title)
		cost := EstimateTokens(line)
		if used+cost > layerBudget {
			break
		}
		used += cost
		res.Summaries = append(res.Summaries, line)
	}
	return used
}

// density is the knapsack value of an item per token.
func density(it ScoredItem) float64 {
	if it.Tokens == 0 {
		return 0
	}
	return it.Importance * it.Score / float64(it.Tokens)
}
