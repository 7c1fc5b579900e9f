package scheduler

import (
	"fmt"
	"math"
	"sort"

	"github.com/how2fps/fuzzer/internal/corpus"
)

const (
	// DefaultUCBC is the UCB1 exploration constant.
	DefaultUCBC = 1.0
	// DefaultMaxSeedsPerLeaf bounds each bug-bucket leaf; overflow is
	// evicted.
	DefaultMaxSeedsPerLeaf = 8
)

type nodeKind int

const (
	nodeRoot nodeKind = iota
	nodeCoverage
	nodeBug
)

// treeNode is one node of the three-level tree: root, coverage bucket, bug
// bucket. Children keep insertion order so UCB ties resolve
// deterministically.
type treeNode struct {
	kind       nodeKind
	key        string
	children   []*treeNode
	childIndex map[string]*treeNode
	seeds      []*ScheduledSeed // bug leaves only
	nSelected  int
	qAvgReward float64
}

func (n *treeNode) updateStats(reward float64) {
	n.nSelected++
	n.qAvgReward += (reward - n.qAvgReward) / float64(n.nSelected)
}

func (n *treeNode) availableCount() int {
	if n.kind == nodeBug {
		return len(n.seeds)
	}
	count := 0
	for _, child := range n.children {
		count += child.availableCount()
	}
	return count
}

// UCBTree schedules seeds through a root → coverage-bucket → bug-bucket
// tree. UCB1 selects the next child at each internal node; rewards from
// batch signals back-propagate along the selection path.
type UCBTree struct {
	ucbC            float64
	maxSeedsPerLeaf int
	root            *treeNode
	items           map[string]*ScheduledSeed
	lastPath        map[string][]*treeNode
	lastLeaf        map[string][2]string
	home            map[string][2]string
	seq             int
}

// NewUCBTree creates a UCB1 tree scheduler.
func NewUCBTree(ucbC float64, maxSeedsPerLeaf int) *UCBTree {
	if maxSeedsPerLeaf < 1 {
		maxSeedsPerLeaf = DefaultMaxSeedsPerLeaf
	}
	return &UCBTree{
		ucbC:            ucbC,
		maxSeedsPerLeaf: maxSeedsPerLeaf,
		root:            &treeNode{kind: nodeRoot, key: "root", childIndex: make(map[string]*treeNode)},
		items:           make(map[string]*ScheduledSeed),
		lastPath:        make(map[string][]*treeNode),
		lastLeaf:        make(map[string][2]string),
		home:            make(map[string][2]string),
	}
}

// Add places a seed in the leaf derived from its signals.
func (t *UCBTree) Add(seed *corpus.Seed, signals *Signals) *ScheduledSeed {
	covKey := signals.CoverageBucketKey()
	bugKey := signals.BugBucketKey()
	leaf := t.ensureLeaf(covKey, bugKey)

	t.seq++
	item := &ScheduledSeed{
		ItemID:   fmt.Sprintf("u%06d", t.seq),
		Seed:     seed,
		Metadata: make(map[string]interface{}),
	}
	t.items[item.ItemID] = item
	t.home[item.ItemID] = [2]string{covKey, bugKey}
	t.insertIntoLeaf(leaf, item)
	return item
}

// Next walks the tree by UCB1 score and removes the first seed of the
// selected leaf. The path is remembered for back-propagation on Update.
func (t *UCBTree) Next() (*ScheduledSeed, error) {
	if t.Empty() {
		return nil, ErrEmpty
	}

	path := []*treeNode{t.root}
	node := t.root
	for node.kind != nodeBug {
		child := t.selectUCBChild(node)
		if child == nil {
			return nil, fmt.Errorf("no selectable child under %q", node.key)
		}
		path = append(path, child)
		node = child
	}
	if len(node.seeds) == 0 {
		return nil, fmt.Errorf("selected empty leaf %q", node.key)
	}

	sortLeaf(node)
	item := node.seeds[0]
	node.seeds = node.seeds[1:]
	item.TimesSelected++
	t.lastPath[item.ItemID] = path
	t.lastLeaf[item.ItemID] = [2]string{path[len(path)-2].key, path[len(path)-1].key}
	return item, nil
}

// Update records the reward along the stored selection path and re-inserts
// the item into the bucket derived from the new signals, so the tree adapts
// as coverage and bug signatures evolve.
func (t *UCBTree) Update(item *ScheduledSeed, score float64, signals *Signals) (*ScheduledSeed, error) {
	stored, ok := t.items[item.ItemID]
	if !ok {
		return nil, fmt.Errorf("unknown item_id %q", item.ItemID)
	}
	stored.LastScore = score
	stored.TotalScore += score
	stored.Updates++
	if signals != nil {
		stored.Metadata["last_signals"] = signals
	}

	path, ok := t.lastPath[stored.ItemID]
	if !ok {
		return nil, fmt.Errorf("update called before next for item %q", stored.ItemID)
	}
	reward := signals.Reward()
	for _, node := range path {
		node.updateStats(reward)
	}
	delete(t.lastPath, stored.ItemID)

	covKey, bugKey := t.reinsertionBucket(stored, signals)
	leaf := t.ensureLeaf(covKey, bugKey)
	t.insertIntoLeaf(leaf, stored)
	return stored, nil
}

// reinsertionBucket derives the new home from fresh signals, falling back
// to the leaf the item was last drawn from, then its original home.
func (t *UCBTree) reinsertionBucket(item *ScheduledSeed, signals *Signals) (string, string) {
	if signals != nil {
		covKey := signals.CoverageBucketKey()
		bugKey := signals.BugBucketKey()
		if covKey != NoCoverageKey || bugKey != NoBugKey {
			return covKey, bugKey
		}
	}
	if leaf, ok := t.lastLeaf[item.ItemID]; ok {
		return leaf[0], leaf[1]
	}
	if home, ok := t.home[item.ItemID]; ok {
		return home[0], home[1]
	}
	return NoCoverageKey, NoBugKey
}

// Empty reports whether no seed is ready anywhere in the tree.
func (t *UCBTree) Empty() bool {
	return t.root.availableCount() == 0
}

// Len returns the number of ready seeds.
func (t *UCBTree) Len() int {
	return t.root.availableCount()
}

// Stats reports tree shape counters.
func (t *UCBTree) Stats() map[string]interface{} {
	bugBuckets := 0
	for _, cov := range t.root.children {
		bugBuckets += len(cov.children)
	}
	return map[string]interface{}{
		"kind":               "ucb_tree",
		"ready":              t.Len(),
		"total_items":        len(t.items),
		"coverage_buckets":   len(t.root.children),
		"bug_buckets":        bugBuckets,
		"ucb_c":              t.ucbC,
		"max_seeds_per_leaf": t.maxSeedsPerLeaf,
	}
}

// DebugDump snapshots the non-empty leaves, highest current reward first.
func (t *UCBTree) DebugDump(limit int) []map[string]interface{} {
	if limit < 0 {
		limit = 0
	}
	var leaves []map[string]interface{}
	for _, cov := range t.root.children {
		for _, bug := range cov.children {
			if len(bug.seeds) == 0 {
				continue
			}
			seedIDs := make([]string, 0, 5)
			for i, s := range bug.seeds {
				if i == 5 {
					break
				}
				seedIDs = append(seedIDs, s.Seed.SeedID)
			}
			leaves = append(leaves, map[string]interface{}{
				"coverage_key":      cov.key,
				"bug_key":           bug.key,
				"leaf_n_selected":   bug.nSelected,
				"leaf_q_avg_reward": bug.qAvgReward,
				"seed_count":        len(bug.seeds),
				"seed_ids":          seedIDs,
			})
		}
	}
	sort.Slice(leaves, func(i, j int) bool {
		qi, qj := leaves[i]["leaf_q_avg_reward"].(float64), leaves[j]["leaf_q_avg_reward"].(float64)
		if qi != qj {
			return qi > qj
		}
		ni, nj := leaves[i]["leaf_n_selected"].(int), leaves[j]["leaf_n_selected"].(int)
		if ni != nj {
			return ni > nj
		}
		return leaves[i]["coverage_key"].(string) < leaves[j]["coverage_key"].(string)
	})
	if len(leaves) > limit {
		leaves = leaves[:limit]
	}
	return leaves
}

func (t *UCBTree) ensureLeaf(covKey, bugKey string) *treeNode {
	cov, ok := t.root.childIndex[covKey]
	if !ok {
		cov = &treeNode{kind: nodeCoverage, key: covKey, childIndex: make(map[string]*treeNode)}
		t.root.childIndex[covKey] = cov
		t.root.children = append(t.root.children, cov)
	}
	bug, ok := cov.childIndex[bugKey]
	if !ok {
		bug = &treeNode{kind: nodeBug, key: bugKey, childIndex: make(map[string]*treeNode)}
		cov.childIndex[bugKey] = bug
		cov.children = append(cov.children, bug)
	}
	return bug
}

// insertIntoLeaf appends the item sorted by (len(text), item_id) and evicts
// the overflow tail past maxSeedsPerLeaf, removing evictees from the item
// registry.
func (t *UCBTree) insertIntoLeaf(leaf *treeNode, item *ScheduledSeed) {
	leaf.seeds = append(leaf.seeds, item)
	sortLeaf(leaf)
	if len(leaf.seeds) > t.maxSeedsPerLeaf {
		evicted := leaf.seeds[t.maxSeedsPerLeaf:]
		leaf.seeds = leaf.seeds[:t.maxSeedsPerLeaf]
		for _, old := range evicted {
			delete(t.items, old.ItemID)
			delete(t.lastPath, old.ItemID)
			delete(t.lastLeaf, old.ItemID)
			delete(t.home, old.ItemID)
		}
	}
}

func sortLeaf(leaf *treeNode) {
	sort.SliceStable(leaf.seeds, func(i, j int) bool {
		a, b := leaf.seeds[i], leaf.seeds[j]
		if len(a.Seed.Text) != len(b.Seed.Text) {
			return len(a.Seed.Text) < len(b.Seed.Text)
		}
		return a.ItemID < b.ItemID
	})
}

// selectUCBChild picks the child with the highest UCB1 score among those
// with at least one available seed. Unvisited children score infinite; ties
// resolve by insertion order.
func (t *UCBTree) selectUCBChild(parent *treeNode) *treeNode {
	var best *treeNode
	bestScore := math.Inf(-1)
	for _, child := range parent.children {
		if child.availableCount() == 0 {
			continue
		}
		score := t.ucbScore(parent, child)
		if score > bestScore {
			bestScore = score
			best = child
		}
	}
	return best
}

func (t *UCBTree) ucbScore(parent, child *treeNode) float64 {
	if child.nSelected == 0 {
		return math.Inf(1)
	}
	parentN := parent.nSelected
	if parentN < 1 {
		parentN = 1
	}
	return child.qAvgReward + t.ucbC*math.Sqrt(math.Log(float64(parentN))/float64(child.nSelected))
}
