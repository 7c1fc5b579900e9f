package corpus

import (
	"fmt"
	"math/rand"
	"sort"
)

// SampleRatioBatch draws exactly total seeds for a target without
// replacement, with per-bucket counts derived from bucketRatios via
// largest-remainder rounding. Group targets split total evenly across member
// families, the last family absorbing any rounding remainder so the global
// bucket counts match the plan.
func (c *Corpus) SampleRatioBatch(target string, total int, bucketRatios map[string]float64, rng *rand.Rand, shuffle bool) ([]*Seed, error) {
	if members, ok := c.groups[target]; ok {
		return c.sampleRatioBatchGrouped(target, members, total, bucketRatios, rng, shuffle)
	}

	set, err := c.Target(target)
	if err != nil {
		return nil, err
	}
	pools := bucketPools(set)
	counts, err := planBucketCounts(total, bucketRatios, set.BucketNames())
	if err != nil {
		return nil, err
	}
	batch, err := sampleFromPools(pools, counts, rng, target)
	if err != nil {
		return nil, err
	}
	if shuffle && len(batch) > 1 {
		rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
	}
	return batch, nil
}

func (c *Corpus) sampleRatioBatchGrouped(target string, families []string, total int, bucketRatios map[string]float64, rng *rand.Rand, shuffle bool) ([]*Seed, error) {
	first, err := c.Target(families[0])
	if err != nil {
		return nil, err
	}
	globalCounts, err := planBucketCounts(total, bucketRatios, first.BucketNames())
	if err != nil {
		return nil, err
	}
	familyTotals := splitTotalEvenly(total, len(families))

	remaining := make(map[string]int, len(globalCounts))
	for name, count := range globalCounts {
		remaining[name] = count
	}

	var out []*Seed
	for i, family := range families {
		set, err := c.Target(family)
		if err != nil {
			return nil, err
		}
		pools := bucketPools(set)

		var counts map[string]int
		if i < len(families)-1 {
			counts, err = planBucketCounts(familyTotals[i], bucketRatios, set.BucketNames())
			if err != nil {
				return nil, err
			}
			for name, count := range counts {
				if count > remaining[name] {
					return nil, fmt.Errorf(
						"group allocation overflow for %q: %q requested %d from bucket %q, but only %d remaining after global planning",
						target, family, count, name, remaining[name])
				}
			}
		} else {
			// Last family absorbs whatever the plan still owes.
			counts = make(map[string]int, len(remaining))
			sum := 0
			for name, count := range remaining {
				counts[name] = count
				sum += count
			}
			if sum != familyTotals[i] {
				return nil, fmt.Errorf(
					"group allocation mismatch for %q: last family %q needs %d total but remaining bucket counts sum to %d",
					target, family, familyTotals[i], sum)
			}
		}

		batch, err := sampleFromPools(pools, counts, rng, fmt.Sprintf("%s:%s", target, family))
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)

		for name, count := range counts {
			remaining[name] -= count
		}
	}

	for name, left := range remaining {
		if left != 0 {
			return nil, fmt.Errorf("group allocation bug for %q: leftover count %d in bucket %q", target, left, name)
		}
	}

	if shuffle && len(out) > 1 {
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out, nil
}

func bucketPools(set *TargetSeedSet) map[string][]*Seed {
	pools := make(map[string][]*Seed)
	for _, name := range set.BucketNames() {
		b := set.buckets[name]
		pool := make([]*Seed, len(b.Seeds))
		copy(pool, b.Seeds)
		pools[name] = pool
	}
	return pools
}

func sampleFromPools(pools map[string][]*Seed, counts map[string]int, rng *rand.Rand, targetLabel string) ([]*Seed, error) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []*Seed
	for _, name := range names {
		count := counts[name]
		if count < 0 {
			return nil, fmt.Errorf("bucket count must be >= 0 for %q", name)
		}
		pool := pools[name]
		if count > len(pool) {
			return nil, fmt.Errorf("requested %d seeds from bucket %q for %q, but only %d available",
				count, name, targetLabel, len(pool))
		}
		if count == 0 {
			continue
		}
		// Partial Fisher-Yates: draw count seeds without replacement.
		drawn := make([]*Seed, len(pool))
		copy(drawn, pool)
		for i := 0; i < count; i++ {
			j := i + rng.Intn(len(drawn)-i)
			drawn[i], drawn[j] = drawn[j], drawn[i]
		}
		out = append(out, drawn[:count]...)
	}
	return out, nil
}

func splitTotalEvenly(total, parts int) []int {
	base := total / parts
	remainder := total % parts
	out := make([]int, parts)
	for i := range out {
		out[i] = base
	}
	// The last member absorbs the rounding remainder.
	out[parts-1] += remainder
	return out
}

// planBucketCounts turns ratios into exact integer counts summing to total,
// using largest-remainder rounding. Ties break on larger raw remainder, then
// larger normalized ratio, then bucket name ascending.
func planBucketCounts(total int, bucketRatios map[string]float64, knownBuckets []string) (map[string]int, error) {
	if total < 0 {
		return nil, fmt.Errorf("total must be >= 0, got %d", total)
	}
	if len(bucketRatios) == 0 {
		return nil, fmt.Errorf("bucket ratios must not be empty")
	}

	known := make(map[string]bool, len(knownBuckets))
	for _, name := range knownBuckets {
		known[name] = true
	}

	names := make([]string, 0, len(bucketRatios))
	ratioSum := 0.0
	for name, ratio := range bucketRatios {
		if !known[name] {
			sorted := make([]string, len(knownBuckets))
			copy(sorted, knownBuckets)
			sort.Strings(sorted)
			return nil, fmt.Errorf("unknown bucket %q; known buckets: %v", name, sorted)
		}
		if ratio < 0 {
			return nil, fmt.Errorf("bucket ratio must be >= 0 for %q", name)
		}
		names = append(names, name)
		ratioSum += ratio
	}
	if ratioSum <= 0 {
		return nil, fmt.Errorf("sum of bucket ratios must be > 0")
	}

	normalized := make(map[string]float64, len(names))
	raw := make(map[string]float64, len(names))
	counts := make(map[string]int, len(names))
	assigned := 0
	for _, name := range names {
		normalized[name] = bucketRatios[name] / ratioSum
		raw[name] = normalized[name] * float64(total)
		counts[name] = int(raw[name])
		assigned += counts[name]
	}

	sort.Slice(names, func(i, j int) bool {
		a, b := names[i], names[j]
		remA := raw[a] - float64(counts[a])
		remB := raw[b] - float64(counts[b])
		if remA != remB {
			return remA > remB
		}
		if normalized[a] != normalized[b] {
			return normalized[a] > normalized[b]
		}
		return a < b
	})

	for i := 0; i < total-assigned; i++ {
		counts[names[i%len(names)]]++
	}
	return counts, nil
}
