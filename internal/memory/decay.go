package memory

import (
	"fmt"

	"loki/internal/store"
)

// BatchApplyDecay sweeps one tier and decays every entry's importance based
// on time since last access. Returns the number of entries whose importance
// changed. Intended for a scheduled sweep; retrieval decays entries
// individually.
func (s *Store) BatchApplyDecay(tier Tier, rate, halfLifeDays float64) (int, error) {
	switch tier {
	case TierEpisodic:
		return s.decayEpisodes(rate, halfLifeDays)
	case TierSemantic:
		return s.decayPatterns(rate, halfLifeDays)
	case TierSkills:
		return s.decaySkills(rate, halfLifeDays)
	case TierAntiPatterns:
		return 0, nil // anti-patterns do not decay: forgetting a failure mode is how it recurs
	default:
		return 0, fmt.Errorf("unknown tier: %s", tier)
	}
}

func (s *Store) decayEpisodes(rate, halfLifeDays float64) (int, error) {
	episodes, err := s.ListEpisodes(EpisodeFilter{})
	if err != nil {
		return 0, err
	}

	now := s.now()
	changed := 0
	for _, ep := range episodes {
		last := ep.LastAccessed
		if last.IsZero() {
			last = ep.Timestamp
		}
		decayed := DecayedImportance(ep.Importance, last, now, rate, halfLifeDays)
		if decayed == ep.Importance {
			continue
		}
		ep.Importance = decayed
		if err := store.WriteJSON(s.episodePath(ep), ep); err != nil {
			s.log.Warn("decay write failed for episode %s: %v", ep.ID, err)
			continue
		}
		changed++
	}
	return changed, nil
}

func (s *Store) decayPatterns(rate, halfLifeDays float64) (int, error) {
	now := s.now()
	changed := 0
	err := store.UpdateJSON(s.patternsPath(), func(f *patternsFile) error {
		for i := range f.Patterns {
			p := &f.Patterns[i]
			last := p.LastAccessed
			if last.IsZero() {
				last = p.LastUsed
			}
			if last.IsZero() {
				continue
			}
			decayed := DecayedImportance(p.Importance, last, now, rate, halfLifeDays)
			if decayed != p.Importance {
				p.Importance = decayed
				changed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *Store) decaySkills(rate, halfLifeDays float64) (int, error) {
	skills, err := s.ListSkills()
	if err != nil {
		return 0, err
	}

	now := s.now()
	changed := 0
	for i := range skills {
		sk := &skills[i]
		if sk.LastAccessed.IsZero() {
			continue
		}
		decayed := DecayedImportance(sk.Importance, sk.LastAccessed, now, rate, halfLifeDays)
		if decayed == sk.Importance {
			continue
		}
		sk.Importance = decayed
		if err := store.WriteJSON(s.skillPath(sk.Name), sk); err != nil {
			s.log.Warn("decay write failed for skill %s: %v", sk.Name, err)
			continue
		}
		changed++
	}
	return changed, nil
}
