package retrieval

import (
	"sort"

	"loki/internal/memory"
)

// foreignNamespaceMultiplier discounts items inherited from other
// namespaces so local knowledge wins ties.
const foreignNamespaceMultiplier = 0.9

// globalNamespace terminates every inheritance chain.
const globalNamespace = "global"

// RetrieveCrossNamespace retrieves from several namespaces at once. Items
// are annotated with their source namespace; foreign items are discounted
// by 0.9 before the merged sort. A positive budget caps total token cost
// greedily after ranking.
func (e *Engine) RetrieveCrossNamespace(ctx Context, namespaces []string, topK, budget int) ([]ScoredItem, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	taskType := DetectTaskType(ctx)
	current := e.store.Namespace()

	var merged []candidate
	for _, ns := range namespaces {
		sub := e
		if ns != current {
			store, err := memory.NewStore(e.store.Root(), ns, memory.WithClock(e.now))
			if err != nil {
				e.log.Warn("skipping namespace %s: %v", ns, err)
				continue
			}
			sub = New(store, WithBoost(e.boostFactor), WithClock(e.now))
		}
		for _, c := range sub.scoreAll(ctx, taskType) {
			c.item.Namespace = ns
			if ns != current {
				c.item.Score *= foreignNamespaceMultiplier
			}
			merged = append(merged, c)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].item.Score != merged[j].item.Score {
			return merged[i].item.Score > merged[j].item.Score
		}
		return merged[i].item.ID < merged[j].item.ID
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}

	var items []ScoredItem
	remaining := budget
	for _, c := range merged {
		if budget > 0 {
			if c.item.Tokens > remaining {
				continue
			}
			remaining -= c.item.Tokens
		}
		items = append(items, c.item)
		e.boostReturned(c)
	}
	return items, nil
}

// InheritanceChain resolves the namespace lookup order: the namespace
// itself, then each parent by id, ending at global. Cycles and missing
// parents end the walk.
func InheritanceChain(parents map[string]string, namespace string) []string {
	chain := []string{namespace}
	seen := map[string]bool{namespace: true}
	cur := namespace
	for cur != globalNamespace {
		parent, ok := parents[cur]
		if !ok || seen[parent] {
			break
		}
		chain = append(chain, parent)
		seen[parent] = true
		cur = parent
	}
	return chain
}
