// Package memory implements the three-tier persistent memory store:
// episodic (one record per concrete interaction), semantic (generalised
// patterns and anti-patterns), and procedural (reusable skills). Entries
// carry an importance score that decays over time and is boosted on
// retrieval. Everything lives as JSON files under the memory root, written
// through the atomic store layer.
package memory

import (
	"time"
)

// Outcome classifies how an episode ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Tier names the three memory tiers plus anti-patterns, which retrieval
// treats as a fourth source.
type Tier string

const (
	TierEpisodic     Tier = "episodic"
	TierSemantic     Tier = "semantic"
	TierSkills       Tier = "skills"
	TierAntiPatterns Tier = "anti_patterns"
)

// Importance bounds (invariant: never violated on disk).
const (
	ImportanceFloor = 0.01
	ImportanceCeil  = 1.0
)

// EpisodeError records one error hit during an episode and whether it was
// resolved.
type EpisodeError struct {
	Message  string `json:"message"`
	Resolved bool   `json:"resolved"`
	Fix      string `json:"fix,omitempty"`
}

// Episode is one episodic memory: a record of a single concrete interaction.
// Immutable after creation except for Importance, AccessCount, and
// LastAccessed.
type Episode struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         string         `json:"actor"`
	Phase         string         `json:"phase,omitempty"`
	Goal          string         `json:"goal"`
	Actions       []string       `json:"actions,omitempty"`
	Errors        []EpisodeError `json:"errors,omitempty"`
	Outcome       Outcome        `json:"outcome"`
	TokensUsed    int            `json:"tokens_used,omitempty"`
	FilesRead     []string       `json:"files_read,omitempty"`
	FilesModified []string       `json:"files_modified,omitempty"`
	Importance    float64        `json:"importance"`
	AccessCount   int            `json:"access_count"`
	LastAccessed  time.Time      `json:"last_accessed,omitempty"`
}

// Pattern is a semantic memory: a generalised lesson abstracted from one or
// more episodes.
type Pattern struct {
	ID                string    `json:"id"`
	Pattern           string    `json:"pattern"`
	Category          string    `json:"category,omitempty"`
	CorrectApproach   string    `json:"correct_approach,omitempty"`
	IncorrectApproach string    `json:"incorrect_approach,omitempty"`
	Confidence        float64   `json:"confidence"` // [0,1]
	SourceEpisodes    []string  `json:"source_episodes,omitempty"`
	UsageCount        int       `json:"usage_count"`
	LastUsed          time.Time `json:"last_used,omitempty"`
	Importance        float64   `json:"importance"`
	AccessCount       int       `json:"access_count"`
	LastAccessed      time.Time `json:"last_accessed,omitempty"`
}

// AntiPattern records something that reliably fails and how to avoid it.
type AntiPattern struct {
	ID         string  `json:"id"`
	WhatFails  string  `json:"what_fails"`
	Why        string  `json:"why,omitempty"`
	Prevention string  `json:"prevention,omitempty"`
	Importance float64 `json:"importance"`
}

// SkillStep is one ordered step of a procedural skill.
type SkillStep struct {
	Order       int    `json:"order"`
	Description string `json:"description"`
	Command     string `json:"command,omitempty"`
}

// KnownError pairs an error a skill commonly hits with its fix.
type KnownError struct {
	Error string `json:"error"`
	Fix   string `json:"fix"`
}

// Skill is a procedural memory: a reusable recipe with ordered steps.
type Skill struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	Prerequisites []string     `json:"prerequisites,omitempty"`
	Steps         []SkillStep  `json:"steps,omitempty"`
	KnownErrors   []KnownError `json:"known_errors,omitempty"`
	ExitCriteria  []string     `json:"exit_criteria,omitempty"`
	Importance    float64      `json:"importance"`
	AccessCount   int          `json:"access_count"`
	LastAccessed  time.Time    `json:"last_accessed,omitempty"`
}

// IndexEntry is one row of the topic index (index.json), the cheapest layer
// of progressive disclosure.
type IndexEntry struct {
	ID      string    `json:"id"`
	Tier    Tier      `json:"tier"`
	Topic   string    `json:"topic"`
	Summary string    `json:"summary"`
	Updated time.Time `json:"updated"`
}

// TimelineEntry is one row of timeline.json, an append-ordered history of
// episodes for the dashboard.
type TimelineEntry struct {
	EpisodeID string    `json:"episode_id"`
	Timestamp time.Time `json:"timestamp"`
	Goal      string    `json:"goal"`
	Outcome   Outcome   `json:"outcome"`
}

func clampImportance(v float64) float64 {
	if v < ImportanceFloor {
		return ImportanceFloor
	}
	if v > ImportanceCeil {
		return ImportanceCeil
	}
	return v
}
