package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"loki/internal/logging"
	"loki/internal/store"
)

// DefaultNamespace is the implicit root namespace.
const DefaultNamespace = "default"

// ErrNotFound is returned when an entity does not exist in this namespace.
var ErrNotFound = errors.New("memory: entity not found")

// Store is a three-tier memory store rooted at one namespace.
//
// Layout under root/[namespace/]:
//
//	episodic/YYYY-MM-DD/task-<id>.json
//	semantic/patterns.json
//	semantic/anti-patterns.json
//	skills/<safe-name>.json (+ .md mirror)
//	index.json, timeline.json, vectors/
type Store struct {
	root      string
	namespace string
	now       func() time.Time
	log       *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens (creating if needed) the store for one namespace. The
// namespace name must be a plain label: traversal and separators are
// rejected.
func NewStore(root, namespace string, opts ...Option) (*Store, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if namespace != DefaultNamespace {
		if _, err := store.ResolveUnder(root, namespace); err != nil {
			return nil, fmt.Errorf("invalid namespace %q: %w", namespace, err)
		}
		if strings.ContainsAny(namespace, "/\\") {
			return nil, fmt.Errorf("invalid namespace %q: must not contain separators", namespace)
		}
	}

	s := &Store{
		root:      root,
		namespace: namespace,
		now:       time.Now,
		log:       logging.Get(logging.CategoryMemory),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(s.nsRoot(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create memory root: %w", err)
	}
	return s, nil
}

// Namespace returns the namespace this store is rooted at.
func (s *Store) Namespace() string { return s.namespace }

// Root returns the memory root (shared across namespaces).
func (s *Store) Root() string { return s.root }

func (s *Store) nsRoot() string {
	if s.namespace == DefaultNamespace {
		return s.root
	}
	return filepath.Join(s.root, s.namespace)
}

func (s *Store) episodicDir() string { return filepath.Join(s.nsRoot(), "episodic") }
func (s *Store) semanticDir() string { return filepath.Join(s.nsRoot(), "semantic") }
func (s *Store) skillsDir() string   { return filepath.Join(s.nsRoot(), "skills") }

// VectorsDir returns the directory where the vector index persists.
func (s *Store) VectorsDir() string { return filepath.Join(s.nsRoot(), "vectors") }

func (s *Store) indexPath() string    { return filepath.Join(s.nsRoot(), "index.json") }
func (s *Store) timelinePath() string { return filepath.Join(s.nsRoot(), "timeline.json") }

// =============================================================================
// EPISODES
// =============================================================================

func (s *Store) episodePath(ep *Episode) string {
	date := ep.Timestamp.UTC().Format("2006-01-02")
	return filepath.Join(s.episodicDir(), date, "task-"+ep.ID+".json")
}

// SaveEpisode persists an episode, assigning id, timestamp, and importance
// defaults as needed, and updates the topic index and timeline.
func (s *Store) SaveEpisode(ep *Episode) (string, error) {
	if ep == nil {
		return "", fmt.Errorf("nil episode")
	}
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.Timestamp.IsZero() {
		ep.Timestamp = s.now()
	}
	if ep.LastAccessed.IsZero() {
		ep.LastAccessed = ep.Timestamp
	}
	if ep.Importance == 0 {
		resolved := 0
		for _, e := range ep.Errors {
			if e.Resolved {
				resolved++
			}
		}
		ep.Importance = ComputeImportance(ImportanceInput{
			Outcome:        ep.Outcome,
			ResolvedErrors: resolved,
			AccessCount:    ep.AccessCount,
		})
	}
	ep.Importance = clampImportance(ep.Importance)

	if err := store.WriteJSON(s.episodePath(ep), ep); err != nil {
		return "", fmt.Errorf("failed to save episode: %w", err)
	}

	s.indexAdd(IndexEntry{
		ID:      ep.ID,
		Tier:    TierEpisodic,
		Topic:   topicOf(ep.Goal),
		Summary: firstLine(ep.Goal),
		Updated: ep.Timestamp,
	})
	s.timelineAdd(TimelineEntry{
		EpisodeID: ep.ID,
		Timestamp: ep.Timestamp,
		Goal:      firstLine(ep.Goal),
		Outcome:   ep.Outcome,
	})

	s.log.Debug("saved episode %s (%s)", ep.ID, ep.Outcome)
	return ep.ID, nil
}

// LoadEpisode finds an episode by id across date partitions.
func (s *Store) LoadEpisode(id string) (*Episode, error) {
	dates, err := os.ReadDir(s.episodicDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	name := "task-" + id + ".json"
	for _, d := range dates {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(s.episodicDir(), d.Name(), name)
		var ep Episode
		if err := store.ReadJSON(path, &ep); err == nil {
			return &ep, nil
		}
	}
	return nil, ErrNotFound
}

// EpisodeFilter narrows ListEpisodes.
type EpisodeFilter struct {
	Since   time.Time
	Outcome Outcome // empty = any
	Limit   int     // 0 = no limit
}

// ListEpisodes returns episodes newest first. Unreadable files are treated
// as missing, never fatal.
func (s *Store) ListEpisodes(filter EpisodeFilter) ([]*Episode, error) {
	dates, err := os.ReadDir(s.episodicDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Episode
	for _, d := range dates {
		if !d.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.episodicDir(), d.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			var ep Episode
			if err := store.ReadJSON(filepath.Join(s.episodicDir(), d.Name(), f.Name()), &ep); err != nil {
				s.log.Warn("skipping unreadable episode %s: %v", f.Name(), err)
				continue
			}
			if !filter.Since.IsZero() && ep.Timestamp.Before(filter.Since) {
				continue
			}
			if filter.Outcome != "" && ep.Outcome != filter.Outcome {
				continue
			}
			out = append(out, &ep)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteEpisode removes an episode by id.
func (s *Store) DeleteEpisode(id string) error {
	dates, err := os.ReadDir(s.episodicDir())
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	name := "task-" + id + ".json"
	for _, d := range dates {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(s.episodicDir(), d.Name(), name)
		if _, err := os.Stat(path); err == nil {
			return os.Remove(path)
		}
	}
	return ErrNotFound
}

// BoostEpisode applies the retrieval boost to an episode and persists it.
// The importance increase is diminishing: boost * (1 - current).
func (s *Store) BoostEpisode(ep *Episode, boost float64) error {
	ep.Importance = BoostedImportance(ep.Importance, boost)
	ep.AccessCount++
	ep.LastAccessed = s.now()
	return store.WriteJSON(s.episodePath(ep), ep)
}

// =============================================================================
// INDEX & TIMELINE
// =============================================================================

type indexFile struct {
	Entries []IndexEntry `json:"entries"`
}

type timelineFile struct {
	Entries []TimelineEntry `json:"entries"`
}

func (s *Store) indexAdd(e IndexEntry) {
	err := store.UpdateJSON(s.indexPath(), func(f *indexFile) error {
		for i, existing := range f.Entries {
			if existing.ID == e.ID {
				f.Entries[i] = e
				return nil
			}
		}
		f.Entries = append(f.Entries, e)
		return nil
	})
	if err != nil {
		// Index maintenance is best-effort; the entities remain readable.
		s.log.Warn("index update failed: %v", err)
	}
}

func (s *Store) timelineAdd(e TimelineEntry) {
	err := store.UpdateJSON(s.timelinePath(), func(f *timelineFile) error {
		f.Entries = append(f.Entries, e)
		return nil
	})
	if err != nil {
		s.log.Warn("timeline update failed: %v", err)
	}
}

// Index returns the topic index entries.
func (s *Store) Index() ([]IndexEntry, error) {
	var f indexFile
	if err := store.ReadJSON(s.indexPath(), &f); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return f.Entries, nil
}

// Timeline returns the episode timeline, oldest first.
func (s *Store) Timeline() ([]TimelineEntry, error) {
	var f timelineFile
	if err := store.ReadJSON(s.timelinePath(), &f); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return f.Entries, nil
}

// topicOf derives a coarse topic from goal text: the first meaningful word.
func topicOf(goal string) string {
	for _, w := range strings.Fields(strings.ToLower(goal)) {
		w = strings.Trim(w, ".,:;!?")
		if len(w) > 3 {
			return w
		}
	}
	return "general"
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 140 {
		text = text[:140]
	}
	return text
}
