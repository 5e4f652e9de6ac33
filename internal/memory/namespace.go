package memory

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Namespace operations. A namespace is a strict partition: nothing here
// reads through to another namespace. Inheritance chains are resolved by
// the retrieval engine, not the store.

// knownDirs are the tier directories copied/merged between namespaces.
var knownDirs = []string{"episodic", "semantic", "skills", "vectors"}

// ListNamespaces returns all namespaces under the memory root, always
// including "default".
func ListNamespaces(root string) ([]string, error) {
	out := []string{DefaultNamespace}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if isTierDir(name) || strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func isTierDir(name string) bool {
	for _, d := range knownDirs {
		if name == d {
			return true
		}
	}
	return false
}

// CopyTo duplicates this namespace's contents into another namespace,
// overwriting files that already exist there.
func (s *Store) CopyTo(namespace string) error {
	dst, err := NewStore(s.root, namespace, WithClock(s.now))
	if err != nil {
		return err
	}
	if dst.nsRoot() == s.nsRoot() {
		return fmt.Errorf("cannot copy namespace %q onto itself", s.namespace)
	}

	for _, dir := range knownDirs {
		if err := copyTree(filepath.Join(s.nsRoot(), dir), filepath.Join(dst.nsRoot(), dir)); err != nil {
			return fmt.Errorf("failed to copy %s: %w", dir, err)
		}
	}
	for _, f := range []string{"index.json", "timeline.json"} {
		if err := copyFile(filepath.Join(s.nsRoot(), f), filepath.Join(dst.nsRoot(), f)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// MergeFrom merges another namespace into this one. Episodes and skills are
// copied when absent; patterns and anti-patterns are deduplicated by id,
// keeping the existing entry on conflict.
func (s *Store) MergeFrom(namespace string) error {
	src, err := NewStore(s.root, namespace, WithClock(s.now))
	if err != nil {
		return err
	}
	if src.nsRoot() == s.nsRoot() {
		return fmt.Errorf("cannot merge namespace %q into itself", s.namespace)
	}

	episodes, err := src.ListEpisodes(EpisodeFilter{})
	if err != nil {
		return err
	}
	for _, ep := range episodes {
		if _, err := s.LoadEpisode(ep.ID); err == nil {
			continue // dedup by id
		}
		if _, err := s.SaveEpisode(ep); err != nil {
			return err
		}
	}

	patterns, err := src.ListPatterns()
	if err != nil {
		return err
	}
	existing, err := s.ListPatterns()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[p.ID] = true
	}
	for i := range patterns {
		if seen[patterns[i].ID] {
			continue
		}
		if _, err := s.UpsertPattern(&patterns[i]); err != nil {
			return err
		}
	}

	antis, err := src.ListAntiPatterns()
	if err != nil {
		return err
	}
	existingAntis, err := s.ListAntiPatterns()
	if err != nil {
		return err
	}
	seenAnti := make(map[string]bool, len(existingAntis))
	for _, ap := range existingAntis {
		seenAnti[ap.ID] = true
	}
	for i := range antis {
		if seenAnti[antis[i].ID] {
			continue
		}
		if _, err := s.UpsertAntiPattern(&antis[i]); err != nil {
			return err
		}
	}

	skills, err := src.ListSkills()
	if err != nil {
		return err
	}
	for i := range skills {
		if _, err := s.GetSkill(skills[i].Name); err == nil {
			continue
		}
		if _, err := s.SaveSkill(&skills[i]); err != nil {
			return err
		}
	}
	return nil
}

// Stats summarises one namespace.
type Stats struct {
	Namespace    string `json:"namespace"`
	Episodes     int    `json:"episodes"`
	Patterns     int    `json:"patterns"`
	AntiPatterns int    `json:"anti_patterns"`
	Skills       int    `json:"skills"`
}

// Stats counts the entities in this namespace.
func (s *Store) Stats() (*Stats, error) {
	episodes, err := s.ListEpisodes(EpisodeFilter{})
	if err != nil {
		return nil, err
	}
	patterns, err := s.ListPatterns()
	if err != nil {
		return nil, err
	}
	antis, err := s.ListAntiPatterns()
	if err != nil {
		return nil, err
	}
	skills, err := s.ListSkills()
	if err != nil {
		return nil, err
	}
	return &Stats{
		Namespace:    s.namespace,
		Episodes:     len(episodes),
		Patterns:     len(patterns),
		AntiPatterns: len(antis),
		Skills:       len(skills),
	}, nil
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return err
	}
	return os.Rename(out.Name(), dst)
}
