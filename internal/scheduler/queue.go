package scheduler

import (
	"fmt"

	"github.com/how2fps/fuzzer/internal/corpus"
)

// Queue is the FIFO cyclic baseline. Next pops the head; Update records the
// score and appends the item back to the tail, so every seed cycles
// forever.
type Queue struct {
	queue []string
	items map[string]*ScheduledSeed
	seq   int
}

// NewQueue creates an empty FIFO scheduler.
func NewQueue() *Queue {
	return &Queue{items: make(map[string]*ScheduledSeed)}
}

// Add registers a seed at the tail of the queue.
func (q *Queue) Add(seed *corpus.Seed, signals *Signals) *ScheduledSeed {
	q.seq++
	item := &ScheduledSeed{
		ItemID:   fmt.Sprintf("q%06d", q.seq),
		Seed:     seed,
		Metadata: make(map[string]interface{}),
	}
	q.items[item.ItemID] = item
	q.queue = append(q.queue, item.ItemID)
	return item
}

// Next pops the head of the queue.
func (q *Queue) Next() (*ScheduledSeed, error) {
	if len(q.queue) == 0 {
		return nil, ErrEmpty
	}
	itemID := q.queue[0]
	q.queue = q.queue[1:]
	item := q.items[itemID]
	item.TimesSelected++
	return item, nil
}

// Update records the score and cycles the item back to the tail.
func (q *Queue) Update(item *ScheduledSeed, score float64, signals *Signals) (*ScheduledSeed, error) {
	stored, ok := q.items[item.ItemID]
	if !ok {
		return nil, fmt.Errorf("unknown item_id %q", item.ItemID)
	}
	stored.LastScore = score
	stored.TotalScore += score
	stored.Updates++
	if signals != nil {
		stored.Metadata["last_signals"] = signals
	}
	q.queue = append(q.queue, stored.ItemID)
	return stored, nil
}

// Empty reports whether the queue has no ready items.
func (q *Queue) Empty() bool {
	return len(q.queue) == 0
}

// Len returns the number of ready items.
func (q *Queue) Len() int {
	return len(q.queue)
}

// Stats reports queue counters.
func (q *Queue) Stats() map[string]interface{} {
	return map[string]interface{}{
		"kind":        "queue",
		"ready":       len(q.queue),
		"total_items": len(q.items),
	}
}

// DebugDump lists the queue head for a snapshot, limited in length.
func (q *Queue) DebugDump(limit int) []map[string]interface{} {
	if limit < 0 {
		limit = 0
	}
	n := len(q.queue)
	if n > limit {
		n = limit
	}
	out := make([]map[string]interface{}, 0, n)
	for _, itemID := range q.queue[:n] {
		item := q.items[itemID]
		out = append(out, map[string]interface{}{
			"item_id":        item.ItemID,
			"seed_id":        item.Seed.SeedID,
			"bucket":         item.Seed.Bucket,
			"times_selected": item.TimesSelected,
			"last_score":     item.LastScore,
		})
	}
	return out
}
