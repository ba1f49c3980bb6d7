package responsibles

import (
	"context"
	"errors"
	"testing"

	"github.com/escuelasegura/alert-casemgmt/pkg/types"
	"github.com/matryer/is"
)

type staticSource struct {
	calls int
	staff []types.Responsible
}

func (s *staticSource) Responsibles(ctx context.Context, scope string) ([]types.Responsible, error) {
	s.calls++
	return s.staff, nil
}

func testSource() *staticSource {
	return &staticSource{
		staff: []types.Responsible{
			{ID: "u1", Name: "Ana Rojas", Role: "convivencia", PowerUser: true},
			{ID: "u2", Name: "Luis Soto", Role: "inspector", PowerUser: true},
			{ID: "u3", Name: "Marta Díaz", Role: "docente", PowerUser: false},
		},
	}
}

func TestEligibleResponsiblesOnlyContainsPowerUsers(t *testing.T) {
	is := is.New(t)
	r := New(testSource())

	roster, err := r.EligibleResponsibles(context.Background(), "liceo-1")
	is.NoErr(err)
	is.Equal(2, len(roster))
}

func TestFindUnknownResponsible(t *testing.T) {
	is := is.New(t)
	r := New(testSource())

	_, err := r.Find(context.Background(), "liceo-1", "u3")
	is.True(errors.Is(err, types.ErrUnknownResponsible))

	s, err := r.Find(context.Background(), "liceo-1", "u2")
	is.NoErr(err)
	is.Equal("Luis Soto", s.Name)
}

func TestThatRosterSnapshotIsReusedUntilInvalidated(t *testing.T) {
	is := is.New(t)
	src := testSource()
	r := New(src)
	ctx := context.Background()

	_, _ = r.EligibleResponsibles(ctx, "liceo-1")
	_, _ = r.Find(ctx, "liceo-1", "u1")
	is.Equal(1, src.calls)

	r.Invalidate()
	_, _ = r.EligibleResponsibles(ctx, "liceo-1")
	is.Equal(2, src.calls)
}
