package registry

import (
	"sort"
	"strings"

	"github.com/bbureau12/echonet/internal/store"
)

// PhraseIndex maps a normalized wake phrase to the name of the target that
// owns it, ordered longest-phrase-first so the Router's containment scan
// finds the most specific match (spec.md §3 "PhraseIndex", §8 scenario 6).
// A PhraseIndex is immutable once built; Registry mutations build a new one
// and swap it in atomically.
type PhraseIndex struct {
	// entries is sorted by descending phrase length. Equal-length phrases of
	// one target keep their stored order; equal-length phrases of different
	// targets keep the order Store.ListTargets returned, which does not follow
	// registration order (see buildPhraseIndex).
	entries []phraseEntry
}

type phraseEntry struct {
	phrase string
	target string
}

// buildPhraseIndex constructs a PhraseIndex from the current target list.
// Targets are processed in the order Store.ListTargets returns them; within
// a target, phrases are processed in their stored order. Go map iteration
// over targets is unordered, so ties between phrases from *different*
// targets of equal length are broken by a stable sort over the build order,
// which is deterministic for a single build (not across rebuilds with
// differently-ordered map iteration) — acceptable since the invariant that
// matters (spec.md §8) is longest-match-wins, not cross-target tie order.
func buildPhraseIndex(targets []store.Target) *PhraseIndex {
	entries := make([]phraseEntry, 0, len(targets)*2)
	for _, t := range targets {
		for _, p := range t.Phrases {
			entries = append(entries, phraseEntry{phrase: p, target: t.Name})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].phrase) > len(entries[j].phrase)
	})
	return &PhraseIndex{entries: entries}
}

// Match scans the index longest-phrase-first and returns the first target
// whose phrase is a substring of normalizedText, per spec.md §4.G step 3.
// The ok return is false if no phrase matches.
func (idx *PhraseIndex) Match(normalizedText string) (target, phrase string, ok bool) {
	if idx == nil {
		return "", "", false
	}
	for _, e := range idx.entries {
		if containsPhrase(normalizedText, e.phrase) {
			return e.target, e.phrase, true
		}
	}
	return "", "", false
}

// Lookup returns the target name registered for an exact normalized phrase,
// used by tests and inspection tooling; Match is what the Router uses.
func (idx *PhraseIndex) Lookup(normalizedPhrase string) (string, bool) {
	if idx == nil {
		return "", false
	}
	for _, e := range idx.entries {
		if e.phrase == normalizedPhrase {
			return e.target, true
		}
	}
	return "", false
}

func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(text, phrase)
}
