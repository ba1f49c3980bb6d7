package responsibles

import (
	"context"
	"fmt"
	"sync"

	"github.com/escuelasegura/alert-casemgmt/pkg/types"
	"github.com/samber/lo"
)

type Source interface {
	Responsibles(ctx context.Context, scope string) ([]types.Responsible, error)
}

// Roster serves the staff that may be assigned as responsible for alerts in a scope.
type Roster interface {
	EligibleResponsibles(ctx context.Context, scope string) ([]types.Responsible, error)
	Find(ctx context.Context, scope, responsibleID string) (types.Responsible, error)
	Invalidate()
}

type roster struct {
	source Source

	mu        sync.Mutex
	snapshots map[string][]types.Responsible
}

func New(source Source) Roster {
	return &roster{
		source:    source,
		snapshots: map[string][]types.Responsible{},
	}
}

func (r *roster) EligibleResponsibles(ctx context.Context, scope string) ([]types.Responsible, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snapshot, ok := r.snapshots[scope]; ok {
		return snapshot, nil
	}

	all, err := r.source.Responsibles(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("could not fetch responsibles for %s: %w", scope, err)
	}

	snapshot := lo.Filter(all, func(s types.Responsible, _ int) bool {
		return s.PowerUser
	})
	r.snapshots[scope] = snapshot

	return snapshot, nil
}

// Find fails with types.ErrUnknownResponsible when responsibleID is not part of
// the current snapshot for scope.
func (r *roster) Find(ctx context.Context, scope, responsibleID string) (types.Responsible, error) {
	snapshot, err := r.EligibleResponsibles(ctx, scope)
	if err != nil {
		return types.Responsible{}, err
	}

	s, ok := lo.Find(snapshot, func(s types.Responsible) bool {
		return s.ID == responsibleID
	})
	if !ok {
		return types.Responsible{}, fmt.Errorf("%q is not eligible in %s: %w", responsibleID, scope, types.ErrUnknownResponsible)
	}

	return s, nil
}

func (r *roster) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshots = map[string][]types.Responsible{}
}
