package mutator

import (
	"encoding/json"
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONGrammarGeneratesValidJSON(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		sample := JSONGrammar.Generate(rng)
		require.True(t, json.Valid([]byte(sample)), "sample %d is not valid JSON: %q", i, sample)
	}
}

func TestIPv4GrammarShape(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	validPrefixes := map[string]bool{"0": true, "8": true, "16": true, "24": true, "30": true, "32": true}

	for i := 0; i < 200; i++ {
		sample := IPv4Grammar.Generate(rng)

		addr := sample
		if idx := strings.IndexByte(sample, '/'); idx >= 0 {
			addr = sample[:idx]
			assert.True(t, validPrefixes[sample[idx+1:]], "bad prefix in %q", sample)
		}

		octets := strings.Split(addr, ".")
		require.Len(t, octets, 4, "sample %q", sample)
		for _, o := range octets {
			n, err := strconv.Atoi(o)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, 0)
			assert.LessOrEqual(t, n, 255)
		}
	}
}

func TestIPv6GrammarPrefixes(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	validPrefixes := map[string]bool{"0": true, "32": true, "48": true, "64": true, "96": true, "128": true}

	for i := 0; i < 100; i++ {
		sample := IPv6Grammar.Generate(rng)
		if idx := strings.IndexByte(sample, '/'); idx >= 0 {
			assert.True(t, validPrefixes[sample[idx+1:]], "bad prefix in %q", sample)
		}
		assert.Contains(t, sample, ":")
	}
}

func TestGenerateRespectsMaxDepth(t *testing.T) {
	// Deep recursion must terminate: the recursive productions are excluded
	// once the depth limit is reached.
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 50; i++ {
		sample := JSONGrammar.Generate(rng)
		assert.Less(t, len(sample), 100_000)
	}
}

func TestMutateTextEmptyInputRegenerates(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	out := MutateText("", JSONGrammar, 0.0, rng)
	assert.NotEmpty(t, out)
	assert.True(t, json.Valid([]byte(out)))
}

func TestMutateTextRegenerateProbabilityOne(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	out := MutateText(`{"key": "value"}`, JSONGrammar, 1.0, rng)
	// With probability 1 the original is always discarded.
	assert.True(t, json.Valid([]byte(out)))
}

func TestMutateTextSingleCharDeleteYieldsEmpty(t *testing.T) {
	// Drive until the delete strategy fires on a 1-char input; the result
	// must be the empty string, never a panic.
	rng := rand.New(rand.NewSource(5))
	sawEmpty := false
	for i := 0; i < 500; i++ {
		out := MutateText("x", JSONGrammar, 0.0, rng)
		if out == "" {
			sawEmpty = true
		}
	}
	assert.True(t, sawEmpty, "delete on len-1 input never produced the empty string")
}

func TestMutateTextNeverPanicsOnSpans(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	inputs := []string{"a", "ab", `{"k":1}`, "::1", "255.255.255.255/32"}
	for _, in := range inputs {
		for i := 0; i < 200; i++ {
			_ = MutateText(in, IPGrammar, 0.35, rng)
		}
	}
}

func TestInferKind(t *testing.T) {
	tests := []struct {
		kind   Kind
		target string
		want   Kind
	}{
		{KindAuto, "json-decoder", KindJSON},
		{KindAuto, "ipv4-parser", KindIP},
		{KindAuto, "ipv6-parser", KindIP},
		{KindAuto, "cidrize-runner", KindIP},
		{KindAuto, "something-else", KindJSON},
		{KindJSON, "cidrize-runner", KindJSON},
		{KindIP, "json-decoder", KindIP},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferKind(tt.kind, tt.target), "kind=%s target=%s", tt.kind, tt.target)
	}
}

func TestBitFlipChangesExactlyOneBit(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	data := []byte("hello")
	out := BitFlip(data, rng)

	require.Len(t, out, len(data))
	assert.Equal(t, []byte("hello"), data, "input mutated in place")

	diffBits := 0
	for i := range data {
		x := data[i] ^ out[i]
		for x != 0 {
			diffBits += int(x & 1)
			x >>= 1
		}
	}
	assert.Equal(t, 1, diffBits)
}

func TestArithmeticWraps(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	data := []byte{0x00}
	for i := 0; i < 50; i++ {
		out := Arithmetic(data, rng)
		require.Len(t, out, 1)
		// 0x00 plus -35, -1, +1 or +35 modulo 256.
		assert.Contains(t, []byte{0xDD, 0xFF, 0x01, 0x23}, out[0])
	}
	assert.Equal(t, []byte{0x00}, data)
}

func TestInterestingValueDrawsFromFixedSet(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	allowed := map[byte]bool{}
	for _, v := range interestingByteValues {
		allowed[v] = true
	}

	data := []byte{0x42, 0x42, 0x42}
	for i := 0; i < 100; i++ {
		out := InterestingValue(data, rng)
		require.Len(t, out, 3)
		changed := 0
		for j := range out {
			if out[j] != data[j] {
				changed++
				assert.True(t, allowed[out[j]], "byte 0x%02x not in interesting set", out[j])
			}
		}
		assert.LessOrEqual(t, changed, 1)
	}

	// Empty input yields a single interesting byte.
	out := InterestingValue(nil, rng)
	require.Len(t, out, 1)
	assert.True(t, allowed[out[0]])
}

func TestDeleteBlockAndCloneBlock(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	data := []byte("abcdefgh")

	for i := 0; i < 100; i++ {
		shorter := DeleteBlock(data, rng)
		assert.Less(t, len(shorter), len(data))
		assert.NotEmpty(t, data)

		longer := CloneBlock(data, rng)
		assert.Greater(t, len(longer), len(data))
	}
	assert.Equal(t, []byte("abcdefgh"), data)

	// Too-short inputs pass through unchanged.
	assert.Equal(t, []byte{0x01}, DeleteBlock([]byte{0x01}, rng))
}

func TestRegistryResolvesBase(t *testing.T) {
	fn, err := New("")
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(12))
	out := fn(`{"a":1}`, KindAuto, "json-decoder", rng)
	assert.NotNil(t, out)

	_, err = New("no-such-version")
	require.Error(t, err)
}
