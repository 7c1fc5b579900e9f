package mutator

import (
	"math/rand"
	"strings"
)

// DefaultRegenerateProbability is the chance that a mutation discards the
// original text and returns a freshly generated sample instead.
const DefaultRegenerateProbability = 0.35

// Kind selects the grammar used for mutation.
type Kind string

const (
	KindAuto Kind = "auto"
	KindJSON Kind = "json"
	KindIP   Kind = "ip"
)

// InferKind resolves KindAuto from the target name. A target mentioning
// "json" mutates with the JSON grammar; ipv4/ipv6/cidr targets use the IP
// grammar; anything else falls back to JSON.
func InferKind(kind Kind, target string) Kind {
	if kind != KindAuto {
		return kind
	}
	lower := strings.ToLower(target)
	if strings.Contains(lower, "json") {
		return KindJSON
	}
	if strings.Contains(lower, "ipv4") || strings.Contains(lower, "ipv6") || strings.Contains(lower, "cidr") {
		return KindIP
	}
	return KindJSON
}

// GrammarFor returns the grammar backing a resolved kind.
func GrammarFor(kind Kind) *Grammar {
	if kind == KindIP {
		return IPGrammar
	}
	return JSONGrammar
}

// MutateText mutates original text against a grammar. With probability
// regenerateProbability, or when the text is empty, a fresh sample replaces
// it entirely. Otherwise one of insert/replace/delete is applied at a random
// span, using a fresh grammar sample as the fragment.
func MutateText(original string, g *Grammar, regenerateProbability float64, rng *rand.Rand) string {
	if original == "" || rng.Float64() < regenerateProbability {
		return g.Generate(rng)
	}

	strategy := []string{"insert", "replace", "delete"}[rng.Intn(3)]
	fragment := g.Generate(rng)
	start := rng.Intn(len(original))
	end := start + rng.Intn(len(original)-start)

	switch strategy {
	case "insert":
		return original[:start] + fragment + original[start:]
	case "replace":
		return original[:start] + fragment + original[end:]
	default: // delete
		if len(original) == 1 {
			return ""
		}
		return original[:start] + original[end:]
	}
}

// MutateJSON mutates text with the JSON grammar.
func MutateJSON(original string, rng *rand.Rand) string {
	return MutateText(original, JSONGrammar, DefaultRegenerateProbability, rng)
}

// MutateIP mutates text with the composite IP grammar.
func MutateIP(original string, rng *rand.Rand) string {
	return MutateText(original, IPGrammar, DefaultRegenerateProbability, rng)
}

// Mutate dispatches on the resolved kind.
func Mutate(original string, kind Kind, target string, rng *rand.Rand) string {
	if InferKind(kind, target) == KindIP {
		return MutateIP(original, rng)
	}
	return MutateJSON(original, rng)
}
