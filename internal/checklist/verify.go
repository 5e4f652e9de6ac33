package checklist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"loki/internal/logging"
	"loki/internal/store"
)

// maxPatternLength bounds user-supplied regex patterns.
const maxPatternLength = 256

// maxGrepFileSize skips huge files during codebase greps.
const maxGrepFileSize = 1 << 20

// grepExcludedDirs are never descended into during grep_codebase.
var grepExcludedDirs = map[string]bool{
	".git":         true,
	".loki":        true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
}

// AppState is the running-app state file http_check reads its base URL
// from.
type AppState struct {
	BaseURL string `json:"base_url"`
	PID     int    `json:"pid,omitempty"`
}

// Verifier runs checklist checks against a project tree.
type Verifier struct {
	projectRoot  string
	timeout      time.Duration
	appStatePath string
	client       *http.Client
	now          func() time.Time
	log          *logging.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithTimeout overrides the per-check timeout (default 30s).
func WithTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.timeout = d }
}

// WithAppStatePath points http_check at a custom app state file.
func WithAppStatePath(path string) VerifierOption {
	return func(v *Verifier) { v.appStatePath = path }
}

// WithClock fixes the clock, for tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier builds a verifier rooted at the project directory.
func NewVerifier(projectRoot string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		projectRoot:  projectRoot,
		timeout:      30 * time.Second,
		appStatePath: filepath.Join(projectRoot, ".loki", "app-state.json"),
		client:       &http.Client{Timeout: 10 * time.Second},
		now:          time.Now,
		log:          logging.Get(logging.CategoryChecklist),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyAll runs every item's checks and rewrites the checklist and the
// summary file atomically. Verification outcomes never produce an error;
// only failures to load or persist state do.
func (v *Verifier) VerifyAll(ctx context.Context, checklistPath, summaryPath string) (*Checklist, error) {
	cl, err := Load(checklistPath)
	if err != nil {
		return nil, err
	}

	for i := range cl.Items {
		v.VerifyItem(ctx, &cl.Items[i])
	}
	cl.UpdatedAt = v.now()

	if err := cl.Save(checklistPath); err != nil {
		return nil, err
	}
	if err := store.WriteJSON(summaryPath, cl.Summarize(v.now())); err != nil {
		return nil, fmt.Errorf("failed to save verification summary: %w", err)
	}

	sum := cl.Summarize(v.now())
	v.log.Info("checklist verified: %d pass / %d fail / %d pending of %d",
		sum.Verified, sum.Failing, sum.Pending, sum.Total)
	return cl, nil
}

// VerifyItem runs all of one item's checks and rolls up its status.
func (v *Verifier) VerifyItem(ctx context.Context, item *Item) {
	item.Results = item.Results[:0]
	for _, check := range item.Verification {
		item.Results = append(item.Results, v.runCheck(ctx, check))
	}
	item.Status = rollup(item.Results)
	if item.Status == ItemVerified {
		item.VerifiedAt = v.now()
	}
}

func (v *Verifier) runCheck(ctx context.Context, check Check) CheckResult {
	start := v.now()
	status, detail := v.dispatch(ctx, check)
	return CheckResult{
		Check:    check,
		Status:   status,
		Detail:   detail,
		Duration: v.now().Sub(start).Seconds(),
	}
}

func (v *Verifier) dispatch(ctx context.Context, check Check) (CheckStatus, string) {
	switch check.Type {
	case CheckFileExists:
		return v.checkFileExists(check)
	case CheckFileContains:
		return v.checkFileContains(check)
	case CheckTestsPass:
		return v.checkTestsPass(ctx, check)
	case CheckCommand:
		return v.checkCommand(ctx, check)
	case CheckGrepCodebase:
		return v.checkGrep(check)
	case CheckHTTP:
		return v.checkHTTP(ctx, check)
	default:
		return CheckFail, fmt.Sprintf("unknown check type %q", check.Type)
	}
}

// ============================================================================
// FILE CHECKS
// ============================================================================

func (v *Verifier) checkFileExists(check Check) (CheckStatus, string) {
	path, err := store.ResolveUnder(v.projectRoot, check.Path)
	if err != nil {
		return CheckFail, fmt.Sprintf("invalid path: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		return CheckFail, fmt.Sprintf("missing: %s", check.Path)
	}
	return CheckPass, ""
}

func (v *Verifier) checkFileContains(check Check) (CheckStatus, string) {
	path, err := store.ResolveUnder(v.projectRoot, check.Path)
	if err != nil {
		return CheckFail, fmt.Sprintf("invalid path: %v", err)
	}
	re, err := compilePattern(check.Pattern)
	if err != nil {
		return CheckFail, fmt.Sprintf("invalid pattern: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return CheckFail, fmt.Sprintf("unreadable: %s", check.Path)
	}
	if !re.Match(data) {
		return CheckFail, fmt.Sprintf("pattern %q not found in %s", check.Pattern, check.Path)
	}
	return CheckPass, ""
}

func (v *Verifier) checkGrep(check Check) (CheckStatus, string) {
	re, err := compilePattern(check.Pattern)
	if err != nil {
		return CheckFail, fmt.Sprintf("invalid pattern: %v", err)
	}

	errFound := errors.New("match found")
	err = filepath.WalkDir(v.projectRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr
		}
		if d.IsDir() {
			if grepExcludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxGrepFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if re.Match(data) {
			return errFound
		}
		return nil
	})
	if errors.Is(err, errFound) {
		return CheckPass, ""
	}
	return CheckFail, fmt.Sprintf("pattern %q not found in codebase", check.Pattern)
}

// compilePattern validates a user-supplied regex: bounded length and must
// compile.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, errors.New("empty pattern")
	}
	if len(pattern) > maxPatternLength {
		return nil, fmt.Errorf("pattern longer than %d bytes", maxPatternLength)
	}
	return regexp.Compile(pattern)
}

// ============================================================================
// PROCESS CHECKS
// ============================================================================

func (v *Verifier) checkTestsPass(ctx context.Context, check Check) (CheckStatus, string) {
	argv := v.detectTestCommand(check.Pattern)
	if argv == nil {
		return CheckPending, "no recognised test setup in project"
	}
	return v.execute(ctx, argv)
}

func (v *Verifier) checkCommand(ctx context.Context, check Check) (CheckStatus, string) {
	argv, err := SplitCommand(check.Command)
	if err != nil {
		return CheckFail, fmt.Sprintf("invalid command: %v", err)
	}
	if len(argv) == 0 {
		return CheckFail, "empty command"
	}
	return v.execute(ctx, argv)
}

// detectTestCommand picks a test runner argv from the project's build
// files. The optional pattern narrows what the runner is pointed at.
func (v *Verifier) detectTestCommand(pattern string) []string {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(v.projectRoot, name))
		return err == nil
	}
	switch {
	case exists("go.mod"):
		argv := []string{"go", "test"}
		if pattern != "" {
			return append(argv, "./"+strings.TrimSuffix(pattern, "/")+"/...")
		}
		return append(argv, "./...")
	case exists("package.json"):
		return []string{"npm", "test", "--silent"}
	case exists("pyproject.toml"), exists("pytest.ini"), exists("setup.py"):
		if pattern != "" {
			return []string{"pytest", pattern, "-q"}
		}
		return []string{"pytest", "-q"}
	case exists("Makefile"):
		return []string{"make", "test"}
	}
	return nil
}

// ============================================================================
// HTTP CHECK
// ============================================================================

// checkHTTP probes the running app. The app being down is advisory, never a
// failure.
func (v *Verifier) checkHTTP(ctx context.Context, check Check) (CheckStatus, string) {
	var state AppState
	if err := store.ReadJSON(v.appStatePath, &state); err != nil || state.BaseURL == "" {
		return CheckPending, "app not running (no app state file)"
	}

	url := strings.TrimRight(state.BaseURL, "/") + "/" + strings.TrimLeft(check.Path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return CheckFail, fmt.Sprintf("bad url %q: %v", url, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return CheckPending, fmt.Sprintf("app not reachable: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	expected := check.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	if resp.StatusCode != expected {
		return CheckFail, fmt.Sprintf("GET %s: status %d, want %d", url, resp.StatusCode, expected)
	}
	return CheckPass, ""
}
