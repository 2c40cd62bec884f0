package txn

import (
	"context"
	"errors"

	"github.com/flowforge/engine/internal/types"
)

// EntityStore is what the shadow environment and the commit step need
// from the Entity Store (spec.md §4.7 steps 1-2).
type EntityStore interface {
	Get(ctx context.Context, key string) (value []byte, version int64, err error)
	CommitWrite(ctx context.Context, reads map[string]int64, writes map[string][]byte, deletes []string) error
}

// shadow is the package-private recorder spec.md §4.7 step 1 calls the
// "shadow environment": it tracks every key a transaction attempt reads
// (with the version observed at first read) and every key it writes or
// deletes, without touching the real store until commit. A read of a
// key the attempt already wrote or deleted is answered from the shadow
// state itself, so one attempt sees its own uncommitted changes.
type shadow struct {
	ctx     context.Context
	store   EntityStore
	reads   map[string]int64
	writes  map[string][]byte
	deletes map[string]bool
	events  []types.EmittedEvent
}

func newShadow(ctx context.Context, store EntityStore) *shadow {
	return &shadow{
		ctx:     ctx,
		store:   store,
		reads:   make(map[string]int64),
		writes:  make(map[string][]byte),
		deletes: make(map[string]bool),
	}
}

func (s *shadow) get(key string) ([]byte, error) {
	if v, ok := s.writes[key]; ok {
		return v, nil
	}
	if s.deletes[key] {
		return nil, ErrEntityNotFound
	}
	value, version, err := s.store.Get(s.ctx, key)
	if err != nil && !errors.Is(err, ErrEntityNotFound) {
		return nil, err
	}
	if _, seen := s.reads[key]; !seen {
		s.reads[key] = version
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *shadow) set(key string, value []byte) error {
	delete(s.deletes, key)
	s.writes[key] = value
	return nil
}

func (s *shadow) delete(key string) error {
	delete(s.writes, key)
	s.deletes[key] = true
	return nil
}

func (s *shadow) emit(events []types.EmittedEvent) {
	s.events = append(s.events, events...)
}

// commitArgs flattens deletes into the slice CommitWrite expects.
func (s *shadow) commitArgs() (reads map[string]int64, writes map[string][]byte, deletes []string) {
	deletes = make([]string, 0, len(s.deletes))
	for key := range s.deletes {
		deletes = append(deletes, key)
	}
	return s.reads, s.writes, deletes
}
