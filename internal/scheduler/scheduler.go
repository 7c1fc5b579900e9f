// Package scheduler decides which seed to fuzz next. Three variants share
// one contract: a FIFO cyclic queue, a max-priority heap, and a UCB1 tree
// bucketed by coverage and bug signature.
package scheduler

import (
	"fmt"

	"github.com/how2fps/fuzzer/internal/corpus"
)

// ScheduledSeed is the scheduler's mutable wrapper around an immutable
// corpus seed.
type ScheduledSeed struct {
	ItemID        string
	Seed          *corpus.Seed
	Priority      float64
	TimesSelected int
	Updates       int
	LastScore     float64
	TotalScore    float64
	Metadata      map[string]interface{}
}

// AvgScore returns the mean interestingness over all updates, zero before
// the first update.
func (s *ScheduledSeed) AvgScore() float64 {
	if s.Updates == 0 {
		return 0.0
	}
	return s.TotalScore / float64(s.Updates)
}

// ErrEmpty is returned by Next on an empty scheduler. Callers are expected
// to check Empty first; consumers outside the controller may treat it as a
// terminal signal.
var ErrEmpty = fmt.Errorf("scheduler is empty")

// Scheduler is the common contract of all seed scheduler variants.
type Scheduler interface {
	// Add registers a seed and returns its scheduled wrapper. Signals, when
	// present, place the seed in its initial bucket (UCB tree only).
	Add(seed *corpus.Seed, signals *Signals) *ScheduledSeed

	// Next returns the next seed to fuzz. Fails with ErrEmpty when no item
	// is ready.
	Next() (*ScheduledSeed, error)

	// Update records the batch score for a previously returned item and
	// requeues it according to the variant's policy.
	Update(item *ScheduledSeed, score float64, signals *Signals) (*ScheduledSeed, error)

	// Empty reports whether Next would fail.
	Empty() bool

	// Len returns the number of currently ready items.
	Len() int

	// Stats reports variant-specific counters for logging.
	Stats() map[string]interface{}
}

// New constructs a scheduler by kind: queue | heap | ucb_tree.
func New(kind string) (Scheduler, error) {
	switch kind {
	case "queue":
		return NewQueue(), nil
	case "heap":
		return NewHeap(PriorityModeAvgScore, nil), nil
	case "ucb_tree":
		return NewUCBTree(DefaultUCBC, DefaultMaxSeedsPerLeaf), nil
	}
	return nil, fmt.Errorf("unknown scheduler kind %q (want queue, heap, or ucb_tree)", kind)
}
