package memory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"loki/internal/store"
)

// Semantic memory lives in two single-file collections per namespace:
// semantic/patterns.json and semantic/anti-patterns.json, both upserted in
// place under the store's file lock.

type patternsFile struct {
	Patterns []Pattern `json:"patterns"`
}

type antiPatternsFile struct {
	AntiPatterns []AntiPattern `json:"anti_patterns"`
}

func (s *Store) patternsPath() string {
	return filepath.Join(s.semanticDir(), "patterns.json")
}

func (s *Store) antiPatternsPath() string {
	return filepath.Join(s.semanticDir(), "anti-patterns.json")
}

// UpsertPattern inserts or replaces a pattern by id. A missing id is
// assigned; a missing importance is derived from confidence.
func (s *Store) UpsertPattern(p *Pattern) (string, error) {
	if p == nil {
		return "", fmt.Errorf("nil pattern")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return "", fmt.Errorf("pattern confidence out of range: %v", p.Confidence)
	}
	if p.Importance == 0 {
		p.Importance = ComputeImportance(ImportanceInput{
			Confidence:    p.Confidence,
			HasConfidence: true,
			AccessCount:   p.AccessCount,
		})
	}
	p.Importance = clampImportance(p.Importance)
	if p.LastAccessed.IsZero() {
		p.LastAccessed = s.now()
	}

	err := store.UpdateJSON(s.patternsPath(), func(f *patternsFile) error {
		for i := range f.Patterns {
			if f.Patterns[i].ID == p.ID {
				f.Patterns[i] = *p
				return nil
			}
		}
		f.Patterns = append(f.Patterns, *p)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to upsert pattern: %w", err)
	}

	s.indexAdd(IndexEntry{
		ID:      p.ID,
		Tier:    TierSemantic,
		Topic:   topicOf(p.Pattern),
		Summary: firstLine(p.Pattern),
		Updated: s.now(),
	})
	return p.ID, nil
}

// ListPatterns returns all patterns in this namespace.
func (s *Store) ListPatterns() ([]Pattern, error) {
	var f patternsFile
	if err := store.ReadJSON(s.patternsPath(), &f); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return f.Patterns, nil
}

// GetPattern looks up one pattern by id.
func (s *Store) GetPattern(id string) (*Pattern, error) {
	patterns, err := s.ListPatterns()
	if err != nil {
		return nil, err
	}
	for i := range patterns {
		if patterns[i].ID == id {
			return &patterns[i], nil
		}
	}
	return nil, ErrNotFound
}

// DeletePattern removes a pattern by id.
func (s *Store) DeletePattern(id string) error {
	found := false
	err := store.UpdateJSON(s.patternsPath(), func(f *patternsFile) error {
		for i := range f.Patterns {
			if f.Patterns[i].ID == id {
				f.Patterns = append(f.Patterns[:i], f.Patterns[i+1:]...)
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// BoostPattern applies the retrieval boost to a pattern and persists it.
func (s *Store) BoostPattern(id string, boost float64) error {
	found := false
	err := store.UpdateJSON(s.patternsPath(), func(f *patternsFile) error {
		for i := range f.Patterns {
			if f.Patterns[i].ID == id {
				p := &f.Patterns[i]
				p.Importance = BoostedImportance(p.Importance, boost)
				p.AccessCount++
				p.UsageCount++
				p.LastUsed = s.now()
				p.LastAccessed = s.now()
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// UpsertAntiPattern inserts or replaces an anti-pattern by id.
func (s *Store) UpsertAntiPattern(ap *AntiPattern) (string, error) {
	if ap == nil {
		return "", fmt.Errorf("nil anti-pattern")
	}
	if ap.ID == "" {
		ap.ID = uuid.NewString()
	}
	if ap.Importance == 0 {
		ap.Importance = 0.5
	}
	ap.Importance = clampImportance(ap.Importance)

	err := store.UpdateJSON(s.antiPatternsPath(), func(f *antiPatternsFile) error {
		for i := range f.AntiPatterns {
			if f.AntiPatterns[i].ID == ap.ID {
				f.AntiPatterns[i] = *ap
				return nil
			}
		}
		f.AntiPatterns = append(f.AntiPatterns, *ap)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to upsert anti-pattern: %w", err)
	}
	return ap.ID, nil
}

// ListAntiPatterns returns all anti-patterns in this namespace.
func (s *Store) ListAntiPatterns() ([]AntiPattern, error) {
	var f antiPatternsFile
	if err := store.ReadJSON(s.antiPatternsPath(), &f); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return f.AntiPatterns, nil
}
