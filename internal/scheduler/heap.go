package scheduler

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/how2fps/fuzzer/internal/corpus"
)

// PriorityMode selects how Update recomputes an item's priority.
type PriorityMode string

const (
	PriorityModeAvgScore  PriorityMode = "avg_score"
	PriorityModeLastScore PriorityMode = "last_score"
)

type heapEntry struct {
	priority float64
	order    int
	itemID   string
}

// entryHeap is a max-priority heap; ties break on insertion order.
type entryHeap []heapEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].order < h[j].order
}
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Heap schedules by maximum priority. An item's priority is its bucket
// prior plus its average (or last) interesting score. Items popped by Next
// are re-pushed on Update; entries whose item is in flight are stale and
// skipped on pop.
type Heap struct {
	priorityMode PriorityMode
	bucketPrior  map[string]float64
	entries      entryHeap
	items        map[string]*ScheduledSeed
	// live marks item ids that currently have a poppable entry.
	live    map[string]bool
	seq     int
	counter int
}

// NewHeap creates a max-priority scheduler. bucketPrior gives per-bucket
// base priorities; missing buckets default to 0.
func NewHeap(mode PriorityMode, bucketPrior map[string]float64) *Heap {
	if mode == "" {
		mode = PriorityModeAvgScore
	}
	prior := make(map[string]float64, len(bucketPrior))
	for k, v := range bucketPrior {
		prior[k] = v
	}
	return &Heap{
		priorityMode: mode,
		bucketPrior:  prior,
		items:        make(map[string]*ScheduledSeed),
		live:         make(map[string]bool),
	}
}

// Add registers a seed with its bucket prior as the initial priority.
func (h *Heap) Add(seed *corpus.Seed, signals *Signals) *ScheduledSeed {
	h.seq++
	item := &ScheduledSeed{
		ItemID:   fmt.Sprintf("h%06d", h.seq),
		Seed:     seed,
		Priority: h.bucketPrior[seed.Bucket],
		Metadata: make(map[string]interface{}),
	}
	h.items[item.ItemID] = item
	h.push(item)
	return item
}

// Next pops entries until a live one surfaces.
func (h *Heap) Next() (*ScheduledSeed, error) {
	for h.entries.Len() > 0 {
		entry := heap.Pop(&h.entries).(heapEntry)
		if !h.live[entry.itemID] {
			continue
		}
		delete(h.live, entry.itemID)
		item := h.items[entry.itemID]
		item.TimesSelected++
		return item, nil
	}
	return nil, ErrEmpty
}

// Update records the score, recomputes the priority, and re-pushes the
// item. Older heap entries for the item become stale tombstones.
func (h *Heap) Update(item *ScheduledSeed, score float64, signals *Signals) (*ScheduledSeed, error) {
	stored, ok := h.items[item.ItemID]
	if !ok {
		return nil, fmt.Errorf("unknown item_id %q", item.ItemID)
	}
	stored.LastScore = score
	stored.TotalScore += score
	stored.Updates++
	if signals != nil {
		stored.Metadata["last_signals"] = signals
	}

	base := h.bucketPrior[stored.Seed.Bucket]
	if h.priorityMode == PriorityModeLastScore {
		stored.Priority = base + stored.LastScore
	} else {
		stored.Priority = base + stored.AvgScore()
	}
	h.push(stored)
	return stored, nil
}

func (h *Heap) push(item *ScheduledSeed) {
	h.counter++
	heap.Push(&h.entries, heapEntry{
		priority: item.Priority,
		order:    h.counter,
		itemID:   item.ItemID,
	})
	h.live[item.ItemID] = true
}

// Empty reports whether no live entry remains.
func (h *Heap) Empty() bool {
	return len(h.live) == 0
}

// Len returns the number of live entries.
func (h *Heap) Len() int {
	return len(h.live)
}

// Stats reports heap counters.
func (h *Heap) Stats() map[string]interface{} {
	return map[string]interface{}{
		"kind":          "heap",
		"priority_mode": string(h.priorityMode),
		"ready":         h.Len(),
		"total_items":   len(h.items),
	}
}

// DebugDump lists items ordered by current priority, highest first.
func (h *Heap) DebugDump(limit int) []map[string]interface{} {
	if limit < 0 {
		limit = 0
	}
	ordered := make([]*ScheduledSeed, 0, len(h.items))
	for _, item := range h.items {
		ordered = append(ordered, item)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ItemID < ordered[j].ItemID
	})
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	out := make([]map[string]interface{}, 0, len(ordered))
	for _, item := range ordered {
		out = append(out, map[string]interface{}{
			"item_id":        item.ItemID,
			"seed_id":        item.Seed.SeedID,
			"bucket":         item.Seed.Bucket,
			"priority":       item.Priority,
			"times_selected": item.TimesSelected,
			"last_score":     item.LastScore,
			"avg_score":      item.AvgScore(),
		})
	}
	return out
}
