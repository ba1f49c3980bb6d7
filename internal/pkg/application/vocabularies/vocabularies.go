package vocabularies

import (
	"context"
	"fmt"
	"sync"

	"github.com/escuelasegura/alert-casemgmt/pkg/types"
	"github.com/samber/lo"
)

// Source fetches one vocabulary kind from the remote store.
type Source interface {
	Vocabulary(ctx context.Context, kind types.VocabularyKind) ([]types.VocabularyEntry, error)
}

type Store interface {
	Priorities(ctx context.Context) ([]types.VocabularyEntry, error)
	Severities(ctx context.Context) ([]types.VocabularyEntry, error)
	States(ctx context.Context) ([]types.VocabularyEntry, error)
	Lookup(ctx context.Context, kind types.VocabularyKind, id string) (types.VocabularyEntry, error)
}

// store fetches each kind once and then serves it for the rest of the session.
// Vocabularies that change server side mid-session are not picked up.
type store struct {
	source Source

	mu     sync.Mutex
	cached map[types.VocabularyKind][]types.VocabularyEntry
}

func New(source Source) Store {
	return &store{
		source: source,
		cached: map[types.VocabularyKind][]types.VocabularyEntry{},
	}
}

func (s *store) Priorities(ctx context.Context) ([]types.VocabularyEntry, error) {
	return s.get(ctx, types.VocabularyPriorities)
}

func (s *store) Severities(ctx context.Context) ([]types.VocabularyEntry, error) {
	return s.get(ctx, types.VocabularySeverities)
}

func (s *store) States(ctx context.Context) ([]types.VocabularyEntry, error) {
	return s.get(ctx, types.VocabularyStates)
}

func (s *store) Lookup(ctx context.Context, kind types.VocabularyKind, id string) (types.VocabularyEntry, error) {
	entries, err := s.get(ctx, kind)
	if err != nil {
		return types.VocabularyEntry{}, err
	}

	e, ok := lo.Find(entries, func(e types.VocabularyEntry) bool {
		return e.ID == id
	})
	if !ok {
		return types.VocabularyEntry{}, fmt.Errorf("%s entry %q: %w", kind, id, types.ErrNotFound)
	}

	return e, nil
}

func (s *store) get(ctx context.Context, kind types.VocabularyKind) ([]types.VocabularyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entries, ok := s.cached[kind]; ok {
		return entries, nil
	}

	entries, err := s.source.Vocabulary(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("could not fetch %s: %w", kind, err)
	}

	s.cached[kind] = entries

	return entries, nil
}
