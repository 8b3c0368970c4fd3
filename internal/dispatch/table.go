package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"convobot/internal/models"
)

var ErrDuplicateRoute = errors.New("dispatch: route already registered")

type route struct {
	key   Key
	state models.StateID
	fn    HandlerFunc
}

type prefixRoute struct {
	kind   models.UpdateKind
	prefix string
	fn     HandlerFunc
}

type predicateRoute struct {
	pred Predicate
	fn   HandlerFunc
}

// Table holds the global handlers that are consulted before the state machine.
// Lookup order: exact value bound to the current state, exact value, longest
// prefix, then predicates in registration order.
type Table struct {
	mu         sync.RWMutex
	exact      map[uint64][]route
	stateBound map[uint64][]route
	prefixes   []prefixRoute
	predicates []predicateRoute
}

func NewTable() *Table {
	return &Table{
		exact:      make(map[uint64][]route),
		stateBound: make(map[uint64][]route),
	}
}

// Handle registers fn for an exact command, text or callback data.
func (t *Table) Handle(kind models.UpdateKind, value string, fn HandlerFunc) error {
	if value == "" || fn == nil {
		return errors.New("dispatch: empty value or nil handler")
	}
	key := Key{Kind: kind, Value: value}

	t.mu.Lock()
	defer t.mu.Unlock()
	return insert(t.exact, key.Hash(), route{key: key, fn: fn})
}

// HandleInState registers fn for value only while the conversation is on state.
func (t *Table) HandleInState(kind models.UpdateKind, value string, state models.StateID, fn HandlerFunc) error {
	if value == "" || state == "" || fn == nil {
		return errors.New("dispatch: empty value, empty state or nil handler")
	}
	key := Key{Kind: kind, Value: value}

	t.mu.Lock()
	defer t.mu.Unlock()
	return insert(t.stateBound, stateHash(key, state), route{key: key, state: state, fn: fn})
}

func insert(buckets map[uint64][]route, h uint64, r route) error {
	for _, existing := range buckets[h] {
		if existing.key == r.key && existing.state == r.state {
			if r.state != "" {
				return fmt.Errorf("%w: %s in state %q", ErrDuplicateRoute, r.key, r.state)
			}
			return fmt.Errorf("%w: %s", ErrDuplicateRoute, r.key)
		}
	}
	buckets[h] = append(buckets[h], r)
	return nil
}

// HandlePrefix registers fn for every value starting with prefix.
func (t *Table) HandlePrefix(kind models.UpdateKind, prefix string, fn HandlerFunc) error {
	if prefix == "" || fn == nil {
		return errors.New("dispatch: empty prefix or nil handler")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.prefixes {
		if p.kind == kind && p.prefix == prefix {
			return fmt.Errorf("%w: prefix %s:%s", ErrDuplicateRoute, kind, prefix)
		}
	}
	t.prefixes = append(t.prefixes, prefixRoute{kind: kind, prefix: prefix, fn: fn})
	// longest prefix first
	sort.SliceStable(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].prefix) > len(t.prefixes[j].prefix)
	})
	return nil
}

func (t *Table) HandleFunc(pred Predicate, fn HandlerFunc) error {
	if pred == nil || fn == nil {
		return errors.New("dispatch: nil predicate or handler")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.predicates = append(t.predicates, predicateRoute{pred: pred, fn: fn})
	return nil
}

// HasStateRoutes reports whether Match needs the conversation state.
func (t *Table) HasStateRoutes() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.stateBound) > 0
}

// Match finds the handler for upd; state is the conversation's current state
// and may be empty when no state-bound routes exist.
func (t *Table) Match(upd models.Update, state models.StateID) (HandlerFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	values := lookupValues(upd)

	if state != "" {
		for _, v := range values {
			key := Key{Kind: upd.Kind, Value: v}
			for _, r := range t.stateBound[stateHash(key, state)] {
				if r.key == key && r.state == state {
					return r.fn, true
				}
			}
		}
	}

	for _, v := range values {
		key := Key{Kind: upd.Kind, Value: v}
		for _, r := range t.exact[key.Hash()] {
			if r.key == key {
				return r.fn, true
			}
		}
	}

	payload := upd.Payload()
	for _, p := range t.prefixes {
		if p.kind == upd.Kind && strings.HasPrefix(payload, p.prefix) {
			return p.fn, true
		}
	}

	for _, p := range t.predicates {
		if p.pred(upd) {
			return p.fn, true
		}
	}
	return nil, false
}
