package checklist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"echo hello", []string{"echo", "hello"}},
		{`grep -r "two words" src`, []string{"grep", "-r", "two words", "src"}},
		{"ls  -la\t/tmp", []string{"ls", "-la", "/tmp"}},
		{`printf 'a b'`, []string{"printf", "a b"}},
		{`touch ""`, []string{"touch", ""}},
		{"", nil},
	}
	for _, tt := range tests {
		got, err := SplitCommand(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := SplitCommand(`echo "unterminated`)
	assert.Error(t, err)
}

func TestFileExists(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "hello")
	v := NewVerifier(root)

	status, _ := v.dispatch(context.Background(), Check{Type: CheckFileExists, Path: "README.md"})
	assert.Equal(t, CheckPass, status)

	status, _ = v.dispatch(context.Background(), Check{Type: CheckFileExists, Path: "missing.md"})
	assert.Equal(t, CheckFail, status)
}

func TestFileExistsRejectsTraversal(t *testing.T) {
	v := NewVerifier(t.TempDir())
	status, detail := v.dispatch(context.Background(), Check{Type: CheckFileExists, Path: "../../etc/passwd"})
	assert.Equal(t, CheckFail, status)
	assert.Contains(t, detail, "invalid path")
}

func TestFileContains(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")
	v := NewVerifier(root)

	status, _ := v.dispatch(context.Background(), Check{
		Type: CheckFileContains, Path: "main.go", Pattern: `func main\(\)`,
	})
	assert.Equal(t, CheckPass, status)

	status, _ = v.dispatch(context.Background(), Check{
		Type: CheckFileContains, Path: "main.go", Pattern: "func TestMain",
	})
	assert.Equal(t, CheckFail, status)

	status, detail := v.dispatch(context.Background(), Check{
		Type: CheckFileContains, Path: "main.go", Pattern: "(unclosed",
	})
	assert.Equal(t, CheckFail, status)
	assert.Contains(t, detail, "invalid pattern")
}

func TestGrepCodebase(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/handler.go", "// TODO(v2): remove shim\n")
	writeFile(t, root, ".git/config", "TODO should never be found here")
	writeFile(t, root, "node_modules/pkg/index.js", "TODO also excluded")
	v := NewVerifier(root)

	status, _ := v.dispatch(context.Background(), Check{Type: CheckGrepCodebase, Pattern: `TODO\(v2\)`})
	assert.Equal(t, CheckPass, status)

	status, _ = v.dispatch(context.Background(), Check{Type: CheckGrepCodebase, Pattern: "never be found here"})
	assert.Equal(t, CheckFail, status, "excluded directories are not searched")
}

func TestCommandPassAndFail(t *testing.T) {
	v := NewVerifier(t.TempDir())

	status, _ := v.dispatch(context.Background(), Check{Type: CheckCommand, Command: "true"})
	assert.Equal(t, CheckPass, status)

	status, detail := v.dispatch(context.Background(), Check{Type: CheckCommand, Command: "false"})
	assert.Equal(t, CheckFail, status)
	assert.Contains(t, detail, "exited")

	status, _ = v.dispatch(context.Background(), Check{Type: CheckCommand, Command: "definitely-not-a-binary-xyz"})
	assert.Equal(t, CheckFail, status)
}

func TestCommandTimeoutIsPendingNeverFail(t *testing.T) {
	v := NewVerifier(t.TempDir(), WithTimeout(50*time.Millisecond))

	status, detail := v.dispatch(context.Background(), Check{Type: CheckCommand, Command: "sleep 5"})
	assert.Equal(t, CheckPending, status)
	assert.Contains(t, detail, "timed out")
}

func TestDetectTestCommand(t *testing.T) {
	root := t.TempDir()
	v := NewVerifier(root)
	assert.Nil(t, v.detectTestCommand(""), "empty project has no test setup")

	writeFile(t, root, "Makefile", "test:\n\ttrue\n")
	assert.Equal(t, []string{"make", "test"}, v.detectTestCommand(""))

	writeFile(t, root, "pyproject.toml", "[tool.pytest]\n")
	assert.Equal(t, []string{"pytest", "tests/", "-q"}, v.detectTestCommand("tests/"))

	writeFile(t, root, "go.mod", "module example\n")
	assert.Equal(t, []string{"go", "test", "./..."}, v.detectTestCommand(""))
	assert.Equal(t, []string{"go", "test", "./internal/..."}, v.detectTestCommand("internal"))
}

func TestHTTPCheckPendingWhenAppDown(t *testing.T) {
	v := NewVerifier(t.TempDir())
	status, detail := v.dispatch(context.Background(), Check{Type: CheckHTTP, Path: "/health", ExpectedStatus: 200})
	assert.Equal(t, CheckPending, status)
	assert.Contains(t, detail, "app not running")
}

func TestItemRollup(t *testing.T) {
	assert.Equal(t, ItemPending, rollup(nil))
	assert.Equal(t, ItemVerified, rollup([]CheckResult{{Status: CheckPass}, {Status: CheckPass}}))
	assert.Equal(t, ItemPending, rollup([]CheckResult{{Status: CheckPass}, {Status: CheckPending}}))
	assert.Equal(t, ItemFailing, rollup([]CheckResult{{Status: CheckPending}, {Status: CheckFail}}))
}

func TestVerifyAllTimeoutYieldsPendingItem(t *testing.T) {
	root := t.TempDir()
	checklistPath := filepath.Join(root, ".loki", "checklist", "checklist.json")
	summaryPath := filepath.Join(root, ".loki", "checklist", "verification-results.json")

	cl := &Checklist{Items: []Item{{
		ID:    "item-1",
		Title: "test suite passes",
		Verification: []Check{
			{Type: CheckCommand, Command: "sleep 5"},
		},
	}}}
	require.NoError(t, cl.Save(checklistPath))

	v := NewVerifier(root, WithTimeout(50*time.Millisecond))
	got, err := v.VerifyAll(context.Background(), checklistPath, summaryPath)
	require.NoError(t, err, "verification outcomes are never fatal")

	require.Len(t, got.Items, 1)
	assert.Equal(t, ItemPending, got.Items[0].Status)
	require.Len(t, got.Items[0].Results, 1)
	assert.Equal(t, CheckPending, got.Items[0].Results[0].Status)

	// Both files were rewritten.
	reloaded, err := Load(checklistPath)
	require.NoError(t, err)
	assert.Equal(t, ItemPending, reloaded.Items[0].Status)
	assert.False(t, reloaded.UpdatedAt.IsZero())

	sum := reloaded.Summarize(time.Now())
	assert.Equal(t, Summary{Pending: 1, Total: 1, Timestamp: sum.Timestamp}, sum)
}

func TestVerifyAllMixedStatuses(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "usage docs")
	checklistPath := filepath.Join(root, "checklist.json")
	summaryPath := filepath.Join(root, "verification-results.json")

	cl := &Checklist{Items: []Item{
		{ID: "docs", Priority: "major", Verification: []Check{{Type: CheckFileExists, Path: "README.md"}}},
		{ID: "license", Priority: "minor", Verification: []Check{{Type: CheckFileExists, Path: "LICENSE"}}},
	}}
	require.NoError(t, cl.Save(checklistPath))

	v := NewVerifier(root)
	got, err := v.VerifyAll(context.Background(), checklistPath, summaryPath)
	require.NoError(t, err)

	assert.Equal(t, ItemVerified, got.Items[0].Status)
	assert.Equal(t, ItemFailing, got.Items[1].Status)
	assert.False(t, got.AllVerified())

	// The rewrite keeps item priorities intact.
	reloaded, err := Load(checklistPath)
	require.NoError(t, err)
	assert.Equal(t, "major", reloaded.Items[0].Priority)
	assert.Equal(t, "minor", reloaded.Items[1].Priority)
}

func TestAllVerified(t *testing.T) {
	empty := &Checklist{}
	assert.False(t, empty.AllVerified(), "empty checklist is not complete")

	done := &Checklist{Items: []Item{{Status: ItemVerified}, {Status: ItemVerified}}}
	assert.True(t, done.AllVerified())
}
