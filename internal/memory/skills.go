package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"loki/internal/store"
)

// Skills are one JSON file each under skills/, named after the sanitised
// skill name, with an optional human-readable .md mirror alongside.

func (s *Store) skillPath(name string) string {
	return filepath.Join(s.skillsDir(), store.SafeName(name)+".json")
}

// SaveSkill persists a skill and its markdown mirror.
func (s *Store) SaveSkill(sk *Skill) (string, error) {
	if sk == nil {
		return "", fmt.Errorf("nil skill")
	}
	if sk.Name == "" {
		return "", fmt.Errorf("skill name required")
	}
	if sk.ID == "" {
		sk.ID = uuid.NewString()
	}
	if sk.Importance == 0 {
		sk.Importance = 0.5
	}
	sk.Importance = clampImportance(sk.Importance)
	if sk.LastAccessed.IsZero() {
		sk.LastAccessed = s.now()
	}

	path := s.skillPath(sk.Name)
	if err := store.WriteJSON(path, sk); err != nil {
		return "", fmt.Errorf("failed to save skill: %w", err)
	}

	// Markdown mirror is best-effort.
	mdPath := strings.TrimSuffix(path, ".json") + ".md"
	if err := store.AtomicWriteFile(mdPath, []byte(sk.Markdown()), 0644); err != nil {
		s.log.Warn("skill markdown mirror failed: %v", err)
	}

	s.indexAdd(IndexEntry{
		ID:      sk.ID,
		Tier:    TierSkills,
		Topic:   topicOf(sk.Name + " " + sk.Description),
		Summary: firstLine(sk.Name + ": " + sk.Description),
		Updated: s.now(),
	})
	return sk.ID, nil
}

// GetSkill loads a skill by name.
func (s *Store) GetSkill(name string) (*Skill, error) {
	var sk Skill
	if err := store.ReadJSON(s.skillPath(name), &sk); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sk, nil
}

// ListSkills returns all skills, sorted by name. Unreadable files are
// skipped.
func (s *Store) ListSkills() ([]Skill, error) {
	files, err := os.ReadDir(s.skillsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Skill
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		var sk Skill
		if err := store.ReadJSON(filepath.Join(s.skillsDir(), f.Name()), &sk); err != nil {
			s.log.Warn("skipping unreadable skill %s: %v", f.Name(), err)
			continue
		}
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteSkill removes a skill and its markdown mirror.
func (s *Store) DeleteSkill(name string) error {
	path := s.skillPath(name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	os.Remove(strings.TrimSuffix(path, ".json") + ".md")
	return nil
}

// BoostSkill applies the retrieval boost to a skill and persists it.
func (s *Store) BoostSkill(name string, boost float64) error {
	sk, err := s.GetSkill(name)
	if err != nil {
		return err
	}
	sk.Importance = BoostedImportance(sk.Importance, boost)
	sk.AccessCount++
	sk.LastAccessed = s.now()
	return store.WriteJSON(s.skillPath(sk.Name), sk)
}

// Markdown renders the skill as a human-readable document.
func (sk *Skill) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n", sk.Name, sk.Description)

	if len(sk.Prerequisites) > 0 {
		b.WriteString("\n## Prerequisites\n")
		for _, p := range sk.Prerequisites {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	if len(sk.Steps) > 0 {
		b.WriteString("\n## Steps\n")
		for _, st := range sk.Steps {
			fmt.Fprintf(&b, "%d. %s\n", st.Order, st.Description)
			if st.Command != "" {
				fmt.Fprintf(&b, "   `%s`\n", st.Command)
			}
		}
	}
	if len(sk.KnownErrors) > 0 {
		b.WriteString("\n## Known Errors\n")
		for _, ke := range sk.KnownErrors {
			fmt.Fprintf(&b, "- **%s**: %s\n", ke.Error, ke.Fix)
		}
	}
	if len(sk.ExitCriteria) > 0 {
		b.WriteString("\n## Exit Criteria\n")
		for _, ec := range sk.ExitCriteria {
			fmt.Fprintf(&b, "- %s\n", ec)
		}
	}
	return b.String()
}
