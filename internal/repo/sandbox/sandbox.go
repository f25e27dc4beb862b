// Package sandbox bounds the work a single query evaluation may do.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	// ErrStepLimit is returned once an evaluation visits more nodes than allowed
	ErrStepLimit = errors.New("evaluation step limit exceeded")
	// ErrTimeLimit is returned once an evaluation runs longer than allowed
	ErrTimeLimit = errors.New("evaluation time limit exceeded")
)

// clockInterval is how many steps pass between clock reads
const clockInterval = 32

// Limits caps an evaluation. Zero values mean unlimited.
type Limits struct {
	MaxSteps    int64         `yaml:"max_steps" validate:"gte=0"`
	MaxDuration time.Duration `yaml:"max_duration" validate:"gte=0"`
}

// Unlimited reports whether no limit is set
func (l Limits) Unlimited() bool {
	return l.MaxSteps == 0 && l.MaxDuration == 0
}

// Budget tracks one evaluation against Limits. It satisfies the XPath
// engine's step observer interface.
type Budget struct {
	limits Limits
	start  time.Time
	steps  atomic.Int64
	now    func() time.Time
}

// NewBudget starts a budget now
func NewBudget(limits Limits) *Budget {
	return newBudget(limits, time.Now)
}

func newBudget(limits Limits, now func() time.Time) *Budget {
	return &Budget{limits: limits, start: now(), now: now}
}

// Observe counts one step
func (b *Budget) Observe(ctx context.Context) error {
	n := b.steps.Add(1)
	if b.limits.MaxSteps > 0 && n > b.limits.MaxSteps {
		return fmt.Errorf("%w: %d steps", ErrStepLimit, b.limits.MaxSteps)
	}
	if b.limits.MaxDuration > 0 && (n == 1 || n%clockInterval == 0) {
		if elapsed := b.now().Sub(b.start); elapsed > b.limits.MaxDuration {
			return fmt.Errorf("%w: %s", ErrTimeLimit, b.limits.MaxDuration)
		}
	}
	return nil
}

// Steps returns the steps counted so far
func (b *Budget) Steps() int64 {
	return b.steps.Load()
}

// Elapsed returns the time since the budget started
func (b *Budget) Elapsed() time.Duration {
	return b.now().Sub(b.start)
}
