// Package corpus loads the static initial seed set and supports uniform,
// weighted, and exact-ratio batch sampling over per-family seed buckets.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
)

// Seed is an immutable input artifact.
type Seed struct {
	SeedID      string   `json:"id"`
	Family      string   `json:"family"`
	Bucket      string   `json:"bucket"`
	Label       string   `json:"label"`
	Text        string   `json:"content"`
	Tags        []string `json:"tags,omitempty"`
	Expected    string   `json:"expected,omitempty"`
	Ordinal     int      `json:"ordinal"`
	Fingerprint string   `json:"fingerprint"`
}

// Bytes returns the seed payload as UTF-8 bytes.
func (s *Seed) Bytes() []byte {
	return []byte(s.Text)
}

// Bucket groups seeds of one category within a family.
type Bucket struct {
	Name        string
	Description string
	Seeds       []*Seed
}

// TargetSeedSet holds all buckets of one family.
type TargetSeedSet struct {
	Family    string
	DatasetID string

	buckets     map[string]*Bucket
	bucketOrder []string
}

// BucketNames returns the bucket names in manifest order.
func (t *TargetSeedSet) BucketNames() []string {
	out := make([]string, len(t.bucketOrder))
	copy(out, t.bucketOrder)
	return out
}

// Bucket returns the named bucket or an error if unknown.
func (t *TargetSeedSet) Bucket(name string) (*Bucket, error) {
	b, ok := t.buckets[name]
	if !ok {
		return nil, fmt.Errorf("unknown bucket %q for family %q", name, t.Family)
	}
	return b, nil
}

// Seeds returns every seed of the family, in bucket order.
func (t *TargetSeedSet) Seeds() []*Seed {
	var out []*Seed
	for _, name := range t.bucketOrder {
		out = append(out, t.buckets[name].Seeds...)
	}
	return out
}

// Sample draws one seed. A non-empty bucket name pins the draw to that
// bucket; bucketWeights biases the bucket choice; otherwise the bucket is
// chosen uniformly.
func (t *TargetSeedSet) Sample(rng *rand.Rand, bucket string, bucketWeights map[string]float64) (*Seed, error) {
	if bucket != "" {
		b, err := t.Bucket(bucket)
		if err != nil {
			return nil, err
		}
		if len(b.Seeds) == 0 {
			return nil, fmt.Errorf("bucket %q has no seeds", bucket)
		}
		return b.Seeds[rng.Intn(len(b.Seeds))], nil
	}

	if len(t.bucketOrder) == 0 {
		return nil, fmt.Errorf("family %q has no buckets", t.Family)
	}

	if len(bucketWeights) > 0 {
		total := 0.0
		weights := make([]float64, len(t.bucketOrder))
		for i, name := range t.bucketOrder {
			w := bucketWeights[name]
			if w < 0 {
				w = 0
			}
			weights[i] = w
			total += w
		}
		if total > 0 {
			x := rng.Float64() * total
			for i, name := range t.bucketOrder {
				x -= weights[i]
				if x < 0 {
					b := t.buckets[name]
					if len(b.Seeds) == 0 {
						return nil, fmt.Errorf("bucket %q has no seeds", name)
					}
					return b.Seeds[rng.Intn(len(b.Seeds))], nil
				}
			}
		}
	}

	name := t.bucketOrder[rng.Intn(len(t.bucketOrder))]
	b := t.buckets[name]
	if len(b.Seeds) == 0 {
		return nil, fmt.Errorf("bucket %q has no seeds", name)
	}
	return b.Seeds[rng.Intn(len(b.Seeds))], nil
}

// Summary reports per-bucket seed counts for one family.
func (t *TargetSeedSet) Summary() map[string]int {
	out := make(map[string]int, len(t.buckets))
	for name, b := range t.buckets {
		out[name] = len(b.Seeds)
	}
	return out
}

// Default alias and group tables, aligned to the targets this project ships.
var (
	defaultAliases = map[string]string{
		"json-decoder": "json",
		"ipv4-parser":  "ipv4",
		"ipv6-parser":  "ipv6",
	}
	defaultGroups = map[string][]string{
		"cidrize-runner": {"ipv4", "ipv6"},
	}
)

// Corpus is the loaded seed corpus for all families.
type Corpus struct {
	targets      map[string]*TargetSeedSet
	familyOrder  []string
	aliases      map[string]string
	groups       map[string][]string
	ManifestPath string
}

type manifestDoc struct {
	Targets map[string]string `json:"targets"`
}

type bucketDoc struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type seedDoc struct {
	ID          string   `json:"id"`
	Bucket      string   `json:"bucket"`
	Label       string   `json:"label"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags"`
	Expected    string   `json:"expected"`
	Fingerprint string   `json:"fingerprint"`
}

type familyDoc struct {
	TargetFamily string      `json:"target_family"`
	DatasetID    string      `json:"dataset_id"`
	Buckets      []bucketDoc `json:"buckets"`
	Seeds        []seedDoc   `json:"seeds"`
}

// Load reads manifest.json from dir and the per-family seed files it names.
func Load(dir string) (*Corpus, error) {
	manifestPath := filepath.Join(dir, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus manifest: %w", err)
	}

	var manifest manifestDoc
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse corpus manifest %s: %w", manifestPath, err)
	}

	families := make([]string, 0, len(manifest.Targets))
	for family := range manifest.Targets {
		families = append(families, family)
	}
	sort.Strings(families)

	targets := make(map[string]*TargetSeedSet, len(families))
	for _, family := range families {
		set, err := loadTargetSeedSet(filepath.Join(dir, manifest.Targets[family]), family)
		if err != nil {
			return nil, err
		}
		targets[family] = set
	}

	return &Corpus{
		targets:      targets,
		familyOrder:  families,
		aliases:      defaultAliases,
		groups:       defaultGroups,
		ManifestPath: manifestPath,
	}, nil
}

func loadTargetSeedSet(path string, expectedFamily string) (*TargetSeedSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file for family %q: %w", expectedFamily, err)
	}

	var doc familyDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	if doc.TargetFamily != expectedFamily {
		return nil, fmt.Errorf("target family mismatch in %s: expected %q, got %q",
			path, expectedFamily, doc.TargetFamily)
	}

	set := &TargetSeedSet{
		Family:    doc.TargetFamily,
		DatasetID: doc.DatasetID,
		buckets:   make(map[string]*Bucket, len(doc.Buckets)),
	}
	if set.DatasetID == "" {
		base := filepath.Base(path)
		set.DatasetID = base[:len(base)-len(filepath.Ext(base))]
	}
	for _, b := range doc.Buckets {
		if _, dup := set.buckets[b.Name]; dup {
			return nil, fmt.Errorf("duplicate bucket %q in %s", b.Name, path)
		}
		set.buckets[b.Name] = &Bucket{Name: b.Name, Description: b.Description}
		set.bucketOrder = append(set.bucketOrder, b.Name)
	}

	seen := make(map[string]bool, len(doc.Seeds))
	for ordinal, sd := range doc.Seeds {
		if seen[sd.ID] {
			return nil, fmt.Errorf("duplicate seed id %q in %s", sd.ID, path)
		}
		seen[sd.ID] = true

		bucket, ok := set.buckets[sd.Bucket]
		if !ok {
			return nil, fmt.Errorf("seed %q references unknown bucket %q in %s", sd.ID, sd.Bucket, path)
		}

		label := sd.Label
		if label == "" {
			label = sd.ID
		}
		expected := sd.Expected
		if expected == "" {
			expected = "unknown"
		}
		fingerprint := sd.Fingerprint
		if fingerprint == "" {
			fingerprint = FingerprintBytes([]byte(sd.Content))
		}

		bucket.Seeds = append(bucket.Seeds, &Seed{
			SeedID:      sd.ID,
			Family:      doc.TargetFamily,
			Bucket:      sd.Bucket,
			Label:       label,
			Text:        sd.Content,
			Tags:        sd.Tags,
			Expected:    expected,
			Ordinal:     ordinal,
			Fingerprint: fingerprint,
		})
	}

	return set, nil
}

// FingerprintBytes returns the first 16 hex chars of the SHA-256 of data.
func FingerprintBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// Families returns the loaded family names in sorted order.
func (c *Corpus) Families() []string {
	out := make([]string, len(c.familyOrder))
	copy(out, c.familyOrder)
	return out
}

// IsGroup reports whether the name resolves to a group target whose seed
// pool is the union of multiple families.
func (c *Corpus) IsGroup(name string) bool {
	_, ok := c.groups[name]
	return ok
}

// GroupFamilies returns the member families of a group target.
func (c *Corpus) GroupFamilies(name string) []string {
	members := c.groups[name]
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// ResolveFamily maps a target name or alias to its family.
func (c *Corpus) ResolveFamily(targetOrFamily string) (string, error) {
	family := targetOrFamily
	if alias, ok := c.aliases[targetOrFamily]; ok {
		family = alias
	}
	if _, ok := c.targets[family]; !ok {
		return "", fmt.Errorf("unknown target/family %q; known families: %v", targetOrFamily, c.familyOrder)
	}
	return family, nil
}

// Target resolves a target name (or alias) to its seed set.
func (c *Corpus) Target(targetOrFamily string) (*TargetSeedSet, error) {
	family, err := c.ResolveFamily(targetOrFamily)
	if err != nil {
		return nil, err
	}
	return c.targets[family], nil
}

// SeedsForTarget returns the seed pool for a target, unioning member
// families for group targets.
func (c *Corpus) SeedsForTarget(target string) ([]*Seed, error) {
	if members, ok := c.groups[target]; ok {
		var out []*Seed
		for _, family := range members {
			set, err := c.Target(family)
			if err != nil {
				return nil, err
			}
			out = append(out, set.Seeds()...)
		}
		return out, nil
	}
	set, err := c.Target(target)
	if err != nil {
		return nil, err
	}
	return set.Seeds(), nil
}

// Sample draws one seed for a (non-group) target.
func (c *Corpus) Sample(target string, rng *rand.Rand, bucket string, bucketWeights map[string]float64) (*Seed, error) {
	set, err := c.Target(target)
	if err != nil {
		return nil, err
	}
	return set.Sample(rng, bucket, bucketWeights)
}

// Summary reports per-family bucket counts.
func (c *Corpus) Summary() map[string]map[string]int {
	out := make(map[string]map[string]int, len(c.targets))
	for family, set := range c.targets {
		out[family] = set.Summary()
	}
	return out
}
