package scheduler

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/how2fps/fuzzer/internal/corpus"
	"github.com/how2fps/fuzzer/internal/target"
)

func testSeed(id, bucket, text string) *corpus.Seed {
	return &corpus.Seed{
		SeedID:      id,
		Family:      "json",
		Bucket:      bucket,
		Label:       id,
		Text:        text,
		Fingerprint: corpus.FingerprintBytes([]byte(text)),
	}
}

func TestAvgScoreInvariant(t *testing.T) {
	item := &ScheduledSeed{}
	assert.Equal(t, 0.0, item.AvgScore())

	item.TotalScore = 1.5
	item.Updates = 3
	assert.InDelta(t, 0.5, item.AvgScore(), 1e-12)
}

func TestNewFactory(t *testing.T) {
	for _, kind := range []string{"queue", "heap", "ucb_tree"} {
		s, err := New(kind)
		require.NoError(t, err)
		assert.True(t, s.Empty())
	}
	_, err := New("bogus")
	require.Error(t, err)
}

func TestQueueCyclesForever(t *testing.T) {
	q := NewQueue()
	a := q.Add(testSeed("a", "valid", "{}"), nil)
	b := q.Add(testSeed("b", "valid", "[]"), nil)

	assert.Equal(t, 2, q.Len())

	first, err := q.Next()
	require.NoError(t, err)
	assert.Equal(t, a.ItemID, first.ItemID)
	assert.Equal(t, 1, first.TimesSelected)
	assert.Equal(t, 1, q.Len())

	_, err = q.Update(first, 0.4, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, q.Len())

	second, err := q.Next()
	require.NoError(t, err)
	assert.Equal(t, b.ItemID, second.ItemID)
	_, err = q.Update(second, 0.2, nil)
	require.NoError(t, err)

	// The cycle comes back around to the first item.
	third, err := q.Next()
	require.NoError(t, err)
	assert.Equal(t, a.ItemID, third.ItemID)
}

func TestQueueEmptyIffNoReadyItems(t *testing.T) {
	q := NewQueue()
	assert.True(t, q.Empty())

	item := q.Add(testSeed("a", "valid", "{}"), nil)
	assert.False(t, q.Empty())

	got, err := q.Next()
	require.NoError(t, err)
	assert.True(t, q.Empty(), "in-flight item must not count as ready")
	assert.Equal(t, item.ItemID, got.ItemID)

	_, err = q.Next()
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = q.Update(got, 0.1, nil)
	require.NoError(t, err)
	assert.False(t, q.Empty())
}

func TestHeapOrdersByAvgScore(t *testing.T) {
	h := NewHeap(PriorityModeAvgScore, nil)
	low := h.Add(testSeed("low", "valid", "{}"), nil)
	high := h.Add(testSeed("high", "valid", "[]"), nil)

	// Both start at priority 0 and come out in insertion order; draw both
	// before establishing scores.
	first, err := h.Next()
	require.NoError(t, err)
	require.Equal(t, low.ItemID, first.ItemID)

	second, err := h.Next()
	require.NoError(t, err)
	require.Equal(t, high.ItemID, second.ItemID)

	_, err = h.Update(first, 0.1, nil)
	require.NoError(t, err)
	_, err = h.Update(second, 0.9, nil)
	require.NoError(t, err)

	// Now the higher-scored item must come out first.
	next, err := h.Next()
	require.NoError(t, err)
	assert.Equal(t, high.ItemID, next.ItemID)
	assert.InDelta(t, 0.9, next.Priority, 1e-12)
}

func TestHeapBucketPrior(t *testing.T) {
	h := NewHeap(PriorityModeAvgScore, map[string]float64{"crashy": 2.0})
	_ = h.Add(testSeed("plain", "valid", "{}"), nil)
	boosted := h.Add(testSeed("boosted", "crashy", "[]"), nil)

	next, err := h.Next()
	require.NoError(t, err)
	assert.Equal(t, boosted.ItemID, next.ItemID)
	assert.Equal(t, 2.0, next.Priority)
}

func TestHeapLastScoreMode(t *testing.T) {
	h := NewHeap(PriorityModeLastScore, nil)
	item := h.Add(testSeed("a", "valid", "{}"), nil)

	got, err := h.Next()
	require.NoError(t, err)
	_, err = h.Update(got, 0.8, nil)
	require.NoError(t, err)
	_, err = h.Next()
	require.NoError(t, err)
	updated, err := h.Update(item, 0.2, nil)
	require.NoError(t, err)

	// last_score mode tracks the most recent score, not the average.
	assert.InDelta(t, 0.2, updated.Priority, 1e-12)
}

func TestUCBScoreFormula(t *testing.T) {
	tree := NewUCBTree(1.0, 8)
	parent := &treeNode{nSelected: 11}
	a := &treeNode{nSelected: 10, qAvgReward: 0.2}
	b := &treeNode{nSelected: 1, qAvgReward: 1.0}

	scoreA := tree.ucbScore(parent, a)
	scoreB := tree.ucbScore(parent, b)

	assert.InDelta(t, 0.2+math.Sqrt(math.Log(11)/10), scoreA, 1e-9)
	assert.InDelta(t, 1.0+math.Sqrt(math.Log(11)), scoreB, 1e-9)
	assert.InDelta(t, 0.689, scoreA, 0.001)
	assert.InDelta(t, 2.548, scoreB, 0.001)
	assert.Greater(t, scoreB, scoreA)

	// Unvisited children are infinitely attractive.
	assert.True(t, math.IsInf(tree.ucbScore(parent, &treeNode{}), 1))
}

func TestUCBTreeAddNextUpdate(t *testing.T) {
	tree := NewUCBTree(DefaultUCBC, DefaultMaxSeedsPerLeaf)

	sigA := &Signals{CoverageKey: "covA", Status: target.StatusOK}
	sigB := &Signals{CoverageKey: "covB", Status: target.StatusCrash}

	tree.Add(testSeed("a", "valid", "{}"), sigA)
	tree.Add(testSeed("b", "valid", "[1]"), sigB)
	assert.Equal(t, 2, tree.Len())

	first, err := tree.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, tree.Len())

	_, err = tree.Update(first, 0.5, &Signals{CoverageKey: "covA", NewCoverage: true})
	require.NoError(t, err)
	assert.Equal(t, 2, tree.Len())

	// Root stats reflect the back-propagated reward.
	assert.Equal(t, 1, tree.root.nSelected)
	assert.InDelta(t, 1.0, tree.root.qAvgReward, 1e-9)
}

func TestUCBTreeUpdateBeforeNextFails(t *testing.T) {
	tree := NewUCBTree(DefaultUCBC, DefaultMaxSeedsPerLeaf)
	item := tree.Add(testSeed("a", "valid", "{}"), nil)

	_, err := tree.Update(item, 0.5, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update called before next")
}

func TestUCBTreeLeafEviction(t *testing.T) {
	tree := NewUCBTree(DefaultUCBC, 2)
	sig := &Signals{CoverageKey: "cov", BugKey: "bug"}

	// Leaf keeps the shortest seeds; the overflow tail is evicted and
	// removed from the registry.
	tree.Add(testSeed("s1", "valid", "aaaa"), sig)
	tree.Add(testSeed("s2", "valid", "aa"), sig)
	evictee := tree.Add(testSeed("s3", "valid", "aaaaaaaa"), sig)

	assert.Equal(t, 2, tree.Len())
	_, ok := tree.items[evictee.ItemID]
	assert.False(t, ok, "evicted item must leave the registry")
}

func TestUCBTreeLeafOrdering(t *testing.T) {
	tree := NewUCBTree(DefaultUCBC, 8)
	sig := &Signals{CoverageKey: "cov", BugKey: "bug"}

	tree.Add(testSeed("long", "valid", "aaaaaaaa"), sig)
	short := tree.Add(testSeed("short", "valid", "a"), sig)

	first, err := tree.Next()
	require.NoError(t, err)
	assert.Equal(t, short.ItemID, first.ItemID, "shortest text pops first")
}

func TestUCBTreeNSelectedInvariant(t *testing.T) {
	tree := NewUCBTree(DefaultUCBC, DefaultMaxSeedsPerLeaf)
	tree.Add(testSeed("a", "valid", "{}"), &Signals{CoverageKey: "covA"})
	tree.Add(testSeed("b", "valid", "[]"), &Signals{CoverageKey: "covB"})

	for i := 0; i < 4; i++ {
		item, err := tree.Next()
		require.NoError(t, err)
		_, err = tree.Update(item, 0.1, &Signals{CoverageKey: "covA", NewCoverage: i%2 == 0})
		require.NoError(t, err)
	}

	// Every internal node's n_selected is at least the sum of its
	// children's.
	var check func(n *treeNode)
	check = func(n *treeNode) {
		sum := 0
		for _, child := range n.children {
			sum += child.nSelected
			check(child)
		}
		assert.GreaterOrEqual(t, n.nSelected, sum)
	}
	check(tree.root)
	assert.Equal(t, 4, tree.root.nSelected)
}

func TestRewardFromSignals(t *testing.T) {
	tests := []struct {
		name    string
		signals *Signals
		want    float64
	}{
		{"nil", nil, 0.0},
		{"nothing", &Signals{Status: target.StatusOK}, 0.0},
		{"new coverage", &Signals{NewCoverage: true}, 1.0},
		{"new bug", &Signals{NewBug: true}, 2.0},
		{"crash status", &Signals{Status: target.StatusCrash}, 3.0},
		{"timeout flag", &Signals{Timeout: true}, 3.0},
		{"everything", &Signals{NewCoverage: true, NewBug: true, Crash: true}, 6.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.signals.Reward())
		})
	}
}

func TestCoverageBucketKeyFallbacks(t *testing.T) {
	covered, missing := 10, 2

	assert.Equal(t, "explicit", (&Signals{CoverageKey: "explicit"}).CoverageBucketKey())
	assert.Equal(t, "sigkey", (&Signals{CoverageSignature: "sigkey"}).CoverageBucketKey())

	withDetails := &Signals{BranchDetailsByFile: []target.FileBranches{{
		File:            "dec.py",
		CoveredBranches: []target.BranchArc{{FromLine: 1, ToLine: 2}},
	}}}
	key := withDetails.CoverageBucketKey()
	assert.True(t, len(key) == len("COV:")+16 && key[:4] == "COV:")

	withCounts := &Signals{CoveredBranches: &covered, MissingBranches: &missing}
	key2 := withCounts.CoverageBucketKey()
	assert.True(t, key2[:4] == "COV:")
	assert.NotEqual(t, key, key2)

	assert.Equal(t, NoCoverageKey, (&Signals{}).CoverageBucketKey())
	assert.Equal(t, NoCoverageKey, (*Signals)(nil).CoverageBucketKey())
}

func TestBugBucketKeyFallbacks(t *testing.T) {
	line := 7
	withSig := &Signals{BugSignature: &target.BugSignature{Exception: "ValueError", File: "f.py", Line: &line}}
	key := withSig.BugBucketKey()
	assert.True(t, key[:4] == "BUG:")

	assert.Equal(t, CrashBugKey, (&Signals{Status: target.StatusTimeout}).BugBucketKey())
	assert.Equal(t, CrashBugKey, (&Signals{Crash: true}).BugBucketKey())

	outKey := (&Signals{StdoutSignature: "abc"}).BugBucketKey()
	assert.True(t, outKey[:4] == "OUT:")

	assert.Equal(t, NoBugKey, (&Signals{Status: target.StatusOK}).BugBucketKey())
}

func TestShortHashStableUnderKeyOrder(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": "z", "nested": map[string]interface{}{"b": 2, "a": 1}}
	b := map[string]interface{}{"nested": map[string]interface{}{"a": 1, "b": 2}, "y": "z", "x": 1}
	assert.Equal(t, shortHash(a), shortHash(b))
	assert.Len(t, shortHash(a), 16)
}

func TestFromReplyFlattens(t *testing.T) {
	line := 3
	reply := &target.Reply{
		Closed: &target.Result{
			Status:       "BUG",
			BugSignature: &target.BugSignature{Exception: "X", File: "f", Line: &line},
			BranchDetailsByFile: []target.FileBranches{{
				File:            "f",
				CoveredBranches: []target.BranchArc{{FromLine: 1, ToLine: 2}},
			}},
			StdoutSignature: "so",
			StderrSignature: "se",
		},
		Open: &target.Result{Status: "ok"},
	}

	signals := FromReply(reply)
	require.NotNil(t, signals)
	assert.Equal(t, "bug", signals.Status)
	require.NotNil(t, signals.BugSignature)
	assert.Equal(t, "X", signals.BugSignature.Exception)
	assert.Len(t, signals.BranchDetailsByFile, 1)
	assert.Equal(t, "so", signals.StdoutSignature)
}

func TestSchedulerContractAcrossVariants(t *testing.T) {
	for _, kind := range []string{"queue", "heap", "ucb_tree"} {
		t.Run(kind, func(t *testing.T) {
			s, err := New(kind)
			require.NoError(t, err)

			for i := 0; i < 5; i++ {
				s.Add(testSeed(fmt.Sprintf("s%d", i), "valid", fmt.Sprintf("{\"n\":%d}", i)), nil)
			}
			require.Equal(t, 5, s.Len())

			// Drive a trace of next/update; ready-count bookkeeping must
			// hold at every step.
			for round := 0; round < 10; round++ {
				require.False(t, s.Empty())
				item, err := s.Next()
				require.NoError(t, err)
				require.Equal(t, s.Len() == 0, s.Empty())
				_, err = s.Update(item, float64(round)*0.1, nil)
				require.NoError(t, err)
				require.Equal(t, 5, s.Len())
			}

			stats := s.Stats()
			assert.Equal(t, 5, stats["ready"])
		})
	}
}
