package checklist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// execute runs argv (never through a shell) with the verifier's timeout.
// Exit 0 is pass, non-zero is fail, and hitting the deadline is pending:
// slowness is not evidence of failure.
func (v *Verifier) execute(ctx context.Context, argv []string) (CheckStatus, string) {
	cctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = v.projectRoot
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return CheckPending, fmt.Sprintf("%s timed out after %s", argv[0], v.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return CheckFail, fmt.Sprintf("%s exited %d: %s", argv[0], exitErr.ExitCode(), tail(out.String(), 400))
		}
		return CheckFail, fmt.Sprintf("%s failed to start: %v", argv[0], err)
	}
	return CheckPass, ""
}

// SplitCommand parses a command line into argv, honouring single and
// double quotes. There is deliberately no shell interpretation: no
// globbing, no variable expansion, no pipes.
func SplitCommand(command string) ([]string, error) {
	var (
		argv    []string
		current strings.Builder
		quote   rune
		inArg   bool
	)
	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				argv = append(argv, current.String())
				current.Reset()
				inArg = false
			}
		default:
			current.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if inArg {
		argv = append(argv, current.String())
	}
	return argv, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
