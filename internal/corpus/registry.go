package corpus

import "fmt"

// LoadFunc is a registered corpus loader implementation.
type LoadFunc func(dir string) (*Corpus, error)

var registry = map[string]LoadFunc{
	"base": Load,
}

// Register adds a corpus loader to the registry.
func Register(name string, fn LoadFunc) {
	registry[name] = fn
}

// NewLoader resolves a corpus loader by version name. Empty selects "base".
func NewLoader(name string) (LoadFunc, error) {
	if name == "" {
		name = "base"
	}
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("seed corpus version not found: %s", name)
	}
	return fn, nil
}
