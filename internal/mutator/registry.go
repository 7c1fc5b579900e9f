package mutator

import (
	"fmt"
	"math/rand"
)

// Func is a registered mutation implementation.
type Func func(original string, kind Kind, target string, rng *rand.Rand) string

var registry = map[string]Func{
	"base": Mutate,
}

// Register adds a mutation implementation to the registry.
func Register(name string, fn Func) {
	registry[name] = fn
}

// New resolves a mutation implementation by version name. Empty selects
// "base".
func New(name string) (Func, error) {
	if name == "" {
		name = "base"
	}
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("mutator version not found: %s", name)
	}
	return fn, nil
}
