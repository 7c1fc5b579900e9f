package scorer

import (
	"fmt"

	"github.com/how2fps/fuzzer/internal/target"
)

// Func is a registered interestingness implementation.
type Func func(reply *target.Reply, st Store, targetName string) float64

var registry = map[string]Func{
	"base": Score,
}

// Register adds an interestingness implementation to the registry.
func Register(name string, fn Func) {
	registry[name] = fn
}

// New resolves an interestingness implementation by version name. Empty
// selects "base".
func New(name string) (Func, error) {
	if name == "" {
		name = "base"
	}
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("isinteresting version not found: %s", name)
	}
	return fn, nil
}
