// Package registry provides CRUD over targets and the derived phrase index
// the Router matches against, per spec.md §4.B.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/bbureau12/echonet/internal/store"
)

// ErrNotFound is returned by Get/Delete for an unregistered target name.
var ErrNotFound = errors.New("registry: target not found")

// ErrInvalid is returned by Upsert when a target fails validation.
var ErrInvalid = errors.New("registry: invalid target")

// Target is a downstream brain (spec.md §3 "Target").
type Target struct {
	Name    string
	BaseURL string
	Phrases []string
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizePhrase lowercases and collapses whitespace, per spec.md §3's
// invariant that phrases are normalized before storage and lookup.
func NormalizePhrase(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	return whitespaceRun.ReplaceAllString(p, " ")
}

// Registry is a thin typed wrapper over [store.Store]'s target operations,
// plus a PhraseIndex rebuilt on every mutation and published via an atomic
// pointer swap so readers (the Router) never block on a lock (spec.md §9
// "immutable phrase-index snapshots").
type Registry struct {
	st    *store.Store
	index atomic.Pointer[PhraseIndex]
}

// New constructs a Registry over st and builds the initial PhraseIndex from
// whatever targets are already persisted.
func New(st *store.Store) *Registry {
	r := &Registry{st: st}
	r.rebuildIndex()
	return r
}

// Upsert validates and writes through a target, then rebuilds the phrase
// index. Name must be non-empty, base_url well-formed, and phrases non-empty
// after normalization (spec.md §4.B).
func (r *Registry) Upsert(ctx context.Context, t Target) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalid)
	}
	u, err := url.ParseRequestURI(t.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: base_url %q is not well-formed", ErrInvalid, t.BaseURL)
	}

	normalized := make([]string, 0, len(t.Phrases))
	seen := make(map[string]bool, len(t.Phrases))
	for _, p := range t.Phrases {
		np := NormalizePhrase(p)
		if np == "" || seen[np] {
			continue
		}
		seen[np] = true
		normalized = append(normalized, np)
	}
	if len(normalized) == 0 {
		return fmt.Errorf("%w: phrases must not be empty after normalization", ErrInvalid)
	}

	if err := r.st.UpsertTarget(ctx, store.Target{Name: name, BaseURL: t.BaseURL, Phrases: normalized}); err != nil {
		return fmt.Errorf("registry: upsert %q: %w", name, err)
	}
	r.rebuildIndex()
	return nil
}

// Get returns a target by case-insensitive name.
func (r *Registry) Get(name string) (Target, error) {
	st, ok := r.st.GetTarget(name)
	if !ok {
		return Target{}, fmt.Errorf("registry: get %q: %w", name, ErrNotFound)
	}
	return Target{Name: st.Name, BaseURL: st.BaseURL, Phrases: st.Phrases}, nil
}

// Delete removes a target and rebuilds the phrase index. Returns
// [ErrNotFound] if the target does not exist.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.st.DeleteTarget(ctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("registry: delete %q: %w", name, ErrNotFound)
		}
		return fmt.Errorf("registry: delete %q: %w", name, err)
	}
	r.rebuildIndex()
	return nil
}

// List returns every registered target.
func (r *Registry) List() []Target {
	raw := r.st.ListTargets()
	out := make([]Target, 0, len(raw))
	for _, t := range raw {
		out = append(out, Target{Name: t.Name, BaseURL: t.BaseURL, Phrases: t.Phrases})
	}
	return out
}

// PhraseMap returns the current immutable [PhraseIndex] snapshot.
func (r *Registry) PhraseMap() *PhraseIndex {
	return r.index.Load()
}

func (r *Registry) rebuildIndex() {
	r.index.Store(buildPhraseIndex(r.st.ListTargets()))
}
