package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"loki/internal/bft"
	"loki/internal/checklist"
	"loki/internal/retrieval"
	"loki/internal/types"
)

// providerCommands maps each provider to the CLI it spawns. The prompt is
// appended as the final argument.
var providerCommands = map[string][]string{
	"anthropic": {"claude", "-p"},
	"openai":    {"codex", "exec"},
	"gemini":    {"gemini", "-p"},
	"xai":       {"grok", "--prompt"},
}

// procExecutor dispatches agent work by spawning the provider's CLI as a
// child process, one invocation per task or review.
type procExecutor struct {
	argv []string
}

// newProcExecutor resolves the provider to a spawn command. The local
// provider reads its command line from LOKI_LOCAL_AGENT.
func newProcExecutor(provider string) (*procExecutor, error) {
	if provider == "local" {
		raw := os.Getenv("LOKI_LOCAL_AGENT")
		if raw == "" {
			return nil, fmt.Errorf("provider local requires LOKI_LOCAL_AGENT")
		}
		argv, err := checklist.SplitCommand(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid LOKI_LOCAL_AGENT: %w", err)
		}
		return &procExecutor{argv: argv}, nil
	}
	argv, ok := providerCommands[provider]
	if !ok {
		return nil, fmt.Errorf("no spawn command for provider %s", provider)
	}
	return &procExecutor{argv: argv}, nil
}

func (e *procExecutor) run(ctx context.Context, prompt string) (string, error) {
	argv := append(append([]string(nil), e.argv...), prompt)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return "", fmt.Errorf("agent timed out after %s", time.Since(start).Round(time.Second))
	}
	if err != nil {
		return "", fmt.Errorf("agent process failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Execute sends the task and its retrieved context to the agent process.
func (e *procExecutor) Execute(ctx context.Context, agent types.Agent, task types.TaskItem, memories []retrieval.ScoredItem) (types.TaskResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent (%s).\n\n", agent.Role, agent.Type)
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Payload.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Payload.Description)
	}
	if len(memories) > 0 {
		b.WriteString("\nRelevant memory:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Tier, m.Title, m.Content)
		}
	}
	b.WriteString("\nComplete the task and describe what you did.")

	start := time.Now()
	out, err := e.run(ctx, b.String())
	if err != nil {
		return types.TaskResult{}, err
	}
	return types.TaskResult{
		TaskID:     task.ID,
		AgentID:    agent.ID,
		Output:     out,
		ResultHash: bft.HashValue(out),
		DurationS:  time.Since(start).Seconds(),
	}, nil
}

// Review asks a reviewer for a structured verdict over the result. The
// first VERDICT: line decides; an unparseable reply abstains.
func (e *procExecutor) Review(ctx context.Context, reviewer types.Agent, task types.TaskItem, result types.TaskResult) (types.ReviewVote, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s reviewer (%s).\n\n", reviewer.Role, reviewer.Type)
	fmt.Fprintf(&b, "Task: %s\n\nResult:\n%s\n\n", task.Title, result.Output)
	b.WriteString("Reply with:\nVERDICT: approve|reject|abstain\nCONFIDENCE: 0.0-1.0\nREASONING: one paragraph\n")

	out, err := e.run(ctx, b.String())
	if err != nil {
		return types.ReviewVote{}, err
	}
	return parseReview(out), nil
}

func parseReview(out string) types.ReviewVote {
	vote := types.ReviewVote{Verdict: types.VerdictAbstain, Confidence: 0.5}
	for _, line := range strings.Split(out, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "VERDICT":
			switch strings.ToLower(value) {
			case "approve":
				vote.Verdict = types.VerdictApprove
			case "reject":
				vote.Verdict = types.VerdictReject
			case "abstain":
				vote.Verdict = types.VerdictAbstain
			}
		case "CONFIDENCE":
			if f, err := strconv.ParseFloat(value, 64); err == nil && f >= 0 && f <= 1 {
				vote.Confidence = f
			}
		case "REASONING":
			vote.Reasoning = value
		}
	}
	return vote
}
