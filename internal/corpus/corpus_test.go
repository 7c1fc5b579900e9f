package corpus

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCorpus(t *testing.T, families map[string]familyDoc) string {
	t.Helper()
	dir := t.TempDir()

	targets := make(map[string]string, len(families))
	for family, doc := range families {
		filename := family + ".json"
		targets[family] = filename
		data, err := json.Marshal(doc)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, filename), data, 0644))
	}

	manifest, err := json.Marshal(map[string]interface{}{"targets": targets})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), manifest, 0644))
	return dir
}

func jsonFamily(bucketSizes map[string]int) familyDoc {
	doc := familyDoc{TargetFamily: "json", DatasetID: "json-v1"}
	names := []string{"valid", "near_valid", "string_stress"}
	for _, name := range names {
		if _, ok := bucketSizes[name]; !ok {
			continue
		}
		doc.Buckets = append(doc.Buckets, bucketDoc{Name: name})
	}
	for _, name := range names {
		for i := 0; i < bucketSizes[name]; i++ {
			doc.Seeds = append(doc.Seeds, seedDoc{
				ID:      name + "_" + string(rune('a'+i%26)) + string(rune('0'+i/26)),
				Bucket:  name,
				Content: `{"` + name + `":` + string(rune('0'+i%10)) + `}`,
			})
		}
	}
	return doc
}

func ipFamily(family string, perBucket int) familyDoc {
	doc := familyDoc{TargetFamily: family}
	for _, name := range []string{"valid", "near_valid", "string_stress"} {
		doc.Buckets = append(doc.Buckets, bucketDoc{Name: name})
		for i := 0; i < perBucket; i++ {
			doc.Seeds = append(doc.Seeds, seedDoc{
				ID:      family + "_" + name + "_" + string(rune('a'+i)),
				Bucket:  name,
				Content: "10.0.0." + string(rune('0'+i%10)),
			})
		}
	}
	return doc
}

func TestLoadAssignsOrdinalsAndFingerprints(t *testing.T) {
	dir := writeCorpus(t, map[string]familyDoc{
		"json": {
			TargetFamily: "json",
			Buckets:      []bucketDoc{{Name: "valid"}},
			Seeds: []seedDoc{
				{ID: "s1", Bucket: "valid", Content: `{"a":1}`},
				{ID: "s2", Bucket: "valid", Content: `[1,2]`, Fingerprint: "deadbeefdeadbeef"},
			},
		},
	})

	crp, err := Load(dir)
	require.NoError(t, err)

	set, err := crp.Target("json")
	require.NoError(t, err)
	seeds := set.Seeds()
	require.Len(t, seeds, 2)

	assert.Equal(t, 0, seeds[0].Ordinal)
	assert.Equal(t, 1, seeds[1].Ordinal)
	assert.Equal(t, FingerprintBytes([]byte(`{"a":1}`)), seeds[0].Fingerprint)
	assert.Len(t, seeds[0].Fingerprint, 16)
	// Explicit fingerprints are kept as-is.
	assert.Equal(t, "deadbeefdeadbeef", seeds[1].Fingerprint)
	assert.Equal(t, "s1", seeds[0].Label)
	assert.Equal(t, "unknown", seeds[0].Expected)
}

func TestLoadRejectsDuplicateSeedIDs(t *testing.T) {
	dir := writeCorpus(t, map[string]familyDoc{
		"json": {
			TargetFamily: "json",
			Buckets:      []bucketDoc{{Name: "valid"}},
			Seeds: []seedDoc{
				{ID: "dup", Bucket: "valid", Content: "{}"},
				{ID: "dup", Bucket: "valid", Content: "[]"},
			},
		},
	})

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate seed id")
}

func TestLoadRejectsUnknownBucketReference(t *testing.T) {
	dir := writeCorpus(t, map[string]familyDoc{
		"json": {
			TargetFamily: "json",
			Buckets:      []bucketDoc{{Name: "valid"}},
			Seeds:        []seedDoc{{ID: "s1", Bucket: "missing", Content: "{}"}},
		},
	})

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bucket")
}

func TestTargetAliasResolution(t *testing.T) {
	dir := writeCorpus(t, map[string]familyDoc{"json": jsonFamily(map[string]int{"valid": 2})})
	crp, err := Load(dir)
	require.NoError(t, err)

	set, err := crp.Target("json-decoder")
	require.NoError(t, err)
	assert.Equal(t, "json", set.Family)

	_, err = crp.Target("no-such-target")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target/family")
}

func TestSampleRespectsBucketPin(t *testing.T) {
	dir := writeCorpus(t, map[string]familyDoc{
		"json": jsonFamily(map[string]int{"valid": 5, "near_valid": 5}),
	})
	crp, err := Load(dir)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		seed, err := crp.Sample("json-decoder", rng, "near_valid", nil)
		require.NoError(t, err)
		assert.Equal(t, "near_valid", seed.Bucket)
	}
}

func TestSampleRatioBatchExactCounts(t *testing.T) {
	dir := writeCorpus(t, map[string]familyDoc{
		"json": jsonFamily(map[string]int{"valid": 25, "near_valid": 15, "string_stress": 15}),
	})
	crp, err := Load(dir)
	require.NoError(t, err)

	ratios := map[string]float64{"valid": 0.5, "string_stress": 0.25, "near_valid": 0.25}
	for _, seedVal := range []int64{1, 2, 99} {
		rng := rand.New(rand.NewSource(seedVal))
		batch, err := crp.SampleRatioBatch("json-decoder", 40, ratios, rng, true)
		require.NoError(t, err)
		require.Len(t, batch, 40)

		counts := map[string]int{}
		seen := map[string]bool{}
		for _, s := range batch {
			counts[s.Bucket]++
			assert.False(t, seen[s.SeedID], "seed %s drawn twice", s.SeedID)
			seen[s.SeedID] = true
		}
		assert.Equal(t, map[string]int{"valid": 20, "string_stress": 10, "near_valid": 10}, counts)
	}
}

func TestSampleRatioBatchCapacityError(t *testing.T) {
	dir := writeCorpus(t, map[string]familyDoc{
		"json": jsonFamily(map[string]int{"valid": 20, "near_valid": 20, "string_stress": 20}),
	})
	crp, err := Load(dir)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	_, err = crp.SampleRatioBatch("json-decoder", 50,
		map[string]float64{"valid": 0.7, "string_stress": 0.2, "near_valid": 0.1}, rng, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `requested 35 seeds from bucket "valid"`)
	assert.Contains(t, err.Error(), "only 20 available")
}

func TestSampleRatioBatchRejectsUnknownBucket(t *testing.T) {
	dir := writeCorpus(t, map[string]familyDoc{
		"json": jsonFamily(map[string]int{"valid": 5}),
	})
	crp, err := Load(dir)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	_, err = crp.SampleRatioBatch("json-decoder", 2, map[string]float64{"nope": 1.0}, rng, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown bucket "nope"`)
}

func TestSampleRatioBatchGroupedSplitsEvenly(t *testing.T) {
	dir := writeCorpus(t, map[string]familyDoc{
		"ipv4": ipFamily("ipv4", 10),
		"ipv6": ipFamily("ipv6", 10),
	})
	crp, err := Load(dir)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	batch, err := crp.SampleRatioBatch("cidrize-runner", 20,
		map[string]float64{"valid": 0.5, "near_valid": 0.25, "string_stress": 0.25}, rng, true)
	require.NoError(t, err)
	require.Len(t, batch, 20)

	familyCounts := map[string]int{}
	bucketCounts := map[string]int{}
	for _, s := range batch {
		familyCounts[s.Family]++
		bucketCounts[s.Bucket]++
	}
	assert.Equal(t, map[string]int{"ipv4": 10, "ipv6": 10}, familyCounts)
	assert.Equal(t, map[string]int{"valid": 10, "near_valid": 5, "string_stress": 5}, bucketCounts)
}

func TestPlanBucketCountsLargestRemainder(t *testing.T) {
	counts, err := planBucketCounts(10,
		map[string]float64{"a": 1, "b": 1, "c": 1}, []string{"a", "b", "c"})
	require.NoError(t, err)

	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 10, total)
	// Equal ratios and equal remainders: the name-ascending tie-break gives
	// the extra unit to "a".
	assert.Equal(t, 4, counts["a"])
	assert.Equal(t, 3, counts["b"])
	assert.Equal(t, 3, counts["c"])
}

func TestSplitTotalEvenlyLastAbsorbsRemainder(t *testing.T) {
	assert.Equal(t, []int{3, 4}, splitTotalEvenly(7, 2))
	assert.Equal(t, []int{2, 2, 3}, splitTotalEvenly(7, 3))
	assert.Equal(t, []int{5, 5}, splitTotalEvenly(10, 2))
}
