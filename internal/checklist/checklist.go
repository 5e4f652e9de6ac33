// Package checklist implements the completion checklist and its verifier.
// Each item carries machine-runnable checks (file probes, child processes,
// codebase greps, HTTP probes); verification is informational and never
// fatal: a timeout is pending, not failing, and the verifier itself always
// succeeds.
package checklist

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"loki/internal/store"
)

// CheckType names a verification check kind.
type CheckType string

const (
	CheckFileExists   CheckType = "file_exists"
	CheckFileContains CheckType = "file_contains"
	CheckTestsPass    CheckType = "tests_pass"
	CheckCommand      CheckType = "command"
	CheckGrepCodebase CheckType = "grep_codebase"
	CheckHTTP         CheckType = "http_check"
)

// CheckStatus is the outcome of one check.
type CheckStatus string

const (
	CheckPass    CheckStatus = "pass"
	CheckFail    CheckStatus = "fail"
	CheckPending CheckStatus = "pending"
)

// ItemStatus is the rolled-up state of one checklist item.
type ItemStatus string

const (
	ItemVerified ItemStatus = "verified"
	ItemFailing  ItemStatus = "failing"
	ItemPending  ItemStatus = "pending"
)

// Check is one machine-runnable verification.
type Check struct {
	Type           CheckType `json:"type"`
	Path           string    `json:"path,omitempty"`            // file_exists, file_contains, http_check
	Pattern        string    `json:"pattern,omitempty"`         // file_contains, tests_pass, grep_codebase
	Command        string    `json:"command,omitempty"`         // command
	ExpectedStatus int       `json:"expected_status,omitempty"` // http_check
}

// CheckResult is the outcome of running one check.
type CheckResult struct {
	Check    Check       `json:"check"`
	Status   CheckStatus `json:"status"`
	Detail   string      `json:"detail,omitempty"`
	Duration float64     `json:"duration_s"`
}

// Item is one checklist entry.
type Item struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Priority     string        `json:"priority,omitempty"` // major or minor
	Verification []Check       `json:"verification,omitempty"`
	Status       ItemStatus    `json:"status"`
	Results      []CheckResult `json:"results,omitempty"`
	VerifiedAt   time.Time     `json:"verified_at,omitempty"`
}

// Checklist is the whole completion checklist for a project.
type Checklist struct {
	Items     []Item    `json:"items"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary is the compact result file written beside the checklist.
type Summary struct {
	Verified  int       `json:"verified"`
	Failing   int       `json:"failing"`
	Pending   int       `json:"pending"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

// AllVerified reports whether every item passed every check.
func (c *Checklist) AllVerified() bool {
	for _, it := range c.Items {
		if it.Status != ItemVerified {
			return false
		}
	}
	return len(c.Items) > 0
}

// Summarize rolls the checklist up into a Summary.
func (c *Checklist) Summarize(now time.Time) Summary {
	s := Summary{Total: len(c.Items), Timestamp: now}
	for _, it := range c.Items {
		switch it.Status {
		case ItemVerified:
			s.Verified++
		case ItemFailing:
			s.Failing++
		default:
			s.Pending++
		}
	}
	return s
}

// Load reads a checklist file. A missing file yields an empty checklist.
func Load(path string) (*Checklist, error) {
	var c Checklist
	if err := store.ReadJSON(path, &c); err != nil {
		if os.IsNotExist(err) {
			return &Checklist{}, nil
		}
		return nil, fmt.Errorf("failed to load checklist: %w", err)
	}
	return &c, nil
}

// Save writes the checklist atomically.
func (c *Checklist) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create checklist directory: %w", err)
	}
	if err := store.WriteJSON(path, c); err != nil {
		return fmt.Errorf("failed to save checklist: %w", err)
	}
	return nil
}

// rollup derives an item status from its check results: verified when all
// pass, failing on any explicit fail, pending otherwise.
func rollup(results []CheckResult) ItemStatus {
	if len(results) == 0 {
		return ItemPending
	}
	status := ItemVerified
	for _, r := range results {
		switch r.Status {
		case CheckFail:
			return ItemFailing
		case CheckPending:
			status = ItemPending
		}
	}
	return status
}
