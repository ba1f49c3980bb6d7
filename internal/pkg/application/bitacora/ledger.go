package bitacora

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/logging"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

// Repository is the append-only storage for ledger entries. There is no way to
// change or remove an entry once it has been appended.
type Repository interface {
	ListEntries(ctx context.Context, alertID string) ([]types.BitacoraEntry, error)
	AppendEntry(ctx context.Context, alertID string, entry types.BitacoraEntry) (types.BitacoraEntry, error)
}

type Publisher interface {
	Publish(ctx context.Context, msg types.Message) error
}

type Ledger interface {
	// Append stores a validated entry and announces it on the alert's scope.
	Append(ctx context.Context, scope, alertID string, in EntryInput) (types.BitacoraEntry, error)
	List(ctx context.Context, alertID string) ([]types.BitacoraEntry, error)
}

type ledger struct {
	repo      Repository
	publisher Publisher
}

func New(repo Repository, publisher Publisher) Ledger {
	return &ledger{
		repo:      repo,
		publisher: publisher,
	}
}

func (l *ledger) Append(ctx context.Context, scope, alertID string, in EntryInput) (types.BitacoraEntry, error) {
	entry, err := Validate(in)
	if err != nil {
		return types.BitacoraEntry{}, err
	}

	entry.AlertID = alertID

	stored, err := l.repo.AppendEntry(ctx, alertID, entry)
	if err != nil {
		return types.BitacoraEntry{}, fmt.Errorf("could not append entry to alert %s: %w", alertID, err)
	}

	if l.publisher != nil {
		err = l.publisher.Publish(ctx, &types.BitacoraEntryAppended{
			AlertID:   alertID,
			EntryID:   stored.ID,
			Scope:     scope,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			log := logging.GetFromContext(ctx)
			log.Error().Err(err).Str("alert_id", alertID).Msg("could not publish bitacora entry appended")
		}
	}

	return stored, nil
}

func (l *ledger) List(ctx context.Context, alertID string) ([]types.BitacoraEntry, error) {
	return l.repo.ListEntries(ctx, alertID)
}

type SortKey string

const (
	ByCommitment  SortKey = "commitment"
	ByRealization SortKey = "realization"
)

// SortForDisplay returns a sorted copy. Entries without a realization date go last
// when sorting by realization. Ties keep ledger order.
func SortForDisplay(entries []types.BitacoraEntry, by SortKey) []types.BitacoraEntry {
	sorted := make([]types.BitacoraEntry, len(entries))
	copy(sorted, entries)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if by == ByRealization {
			switch {
			case a.RealizationDate == nil:
				return false
			case b.RealizationDate == nil:
				return true
			}
			return a.RealizationDate.Before(*b.RealizationDate)
		}
		return a.CommitmentDate.Before(b.CommitmentDate)
	})

	return sorted
}
