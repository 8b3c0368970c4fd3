package fsm

import (
	"errors"
	"fmt"

	"convobot/internal/models"
)

// Registry maps state ids to states. It is read-only once built, so lookups
// need no locking.
type Registry struct {
	states map[models.StateID]State
	order  []models.StateID
}

func NewRegistry(states ...State) (*Registry, error) {
	r := &Registry{states: make(map[models.StateID]State, len(states))}
	for _, s := range states {
		if s == nil {
			return nil, errors.New("fsm: nil state")
		}
		id := s.ID()
		if id == "" {
			return nil, errors.New("fsm: state with empty id")
		}
		if _, exists := r.states[id]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateState, id)
		}
		r.states[id] = s
		r.order = append(r.order, id)
	}
	return r, nil
}

func (r *Registry) Lookup(id models.StateID) (State, bool) {
	s, ok := r.states[id]
	return s, ok
}

// IDs returns the registered ids in registration order.
func (r *Registry) IDs() []models.StateID {
	return append([]models.StateID(nil), r.order...)
}

func (r *Registry) Len() int {
	return len(r.order)
}
