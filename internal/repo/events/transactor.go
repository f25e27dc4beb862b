package events

import (
	"context"
)

// Transactor runs units of work inside an event group
type Transactor struct {
	consolidator *Consolidator
}

// NewTransactor creates a transactor committing through c
func NewTransactor(c *Consolidator) *Transactor {
	return &Transactor{consolidator: c}
}

// Do runs fn with a fresh event group and commits it when fn succeeds.
// When fn fails its events are discarded; the mutations it already made
// are not undone. Nested calls join the enclosing group.
func (t *Transactor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := GroupFrom(ctx); ok {
		return fn(ctx)
	}
	id := NewGroupID()
	if err := fn(WithGroup(ctx, id)); err != nil {
		t.consolidator.Discard(id)
		return err
	}
	_, err := t.consolidator.Commit(ctx, id)
	return err
}
