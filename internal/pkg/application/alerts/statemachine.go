package alerts

import (
	"fmt"

	"github.com/escuelasegura/alert-casemgmt/pkg/types"
	"github.com/samber/lo"
)

// transitions lists the allowed edges. Staying in a non-terminal state is always
// allowed so that priority, severity or responsible can change on their own.
var transitions = map[types.State][]types.State{
	types.StatePendiente: {types.StateAsignada, types.StateEnProceso, types.StateAnulada},
	types.StateAsignada:  {types.StatePendiente, types.StateEnProceso, types.StateResuelta, types.StateAnulada},
	types.StateEnProceso: {types.StateAsignada, types.StateResuelta, types.StateAnulada},
	types.StateResuelta:  {types.StateEnProceso, types.StateCerrada},
	types.StateCerrada:   {},
	types.StateAnulada:   {},
}

func CanTransition(from, to types.State) error {
	if !to.Declared() {
		return fmt.Errorf("state %q is not declared: %w", to, types.ErrInvalidTransition)
	}

	if from.Terminal() {
		return fmt.Errorf("alert is %s and accepts no changes: %w", from, types.ErrInvalidTransition)
	}

	if from == to || lo.Contains(transitions[from], to) {
		return nil
	}

	return fmt.Errorf("%s -> %s: %w", from, to, types.ErrInvalidTransition)
}

// Targets returns the states reachable from s, in declaration order.
func Targets(s types.State) []types.State {
	if s.Terminal() {
		return []types.State{}
	}
	return lo.Filter(types.States, func(t types.State, _ int) bool {
		return t != s && lo.Contains(transitions[s], t)
	})
}
