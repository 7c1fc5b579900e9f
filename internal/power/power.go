// Package power assigns per-seed energy budgets: how many mutations each
// seed gets in one selection cycle. Seeds fuzzed less, scored higher, or
// that found bugs get more energy, AFL-style.
package power

import (
	"fmt"
	"math"
)

const (
	// DefaultMinEnergy and DefaultMaxEnergy bound the schedule output.
	DefaultMinEnergy = 1
	DefaultMaxEnergy = 128
)

// SeedStats is the per-seed input to the schedule. AvgScore and BugCount
// are optional; zero values contribute nothing.
type SeedStats struct {
	ID        int
	FuzzCount int
	AvgScore  float64
	BugCount  int
}

// Compute derives an integer energy per seed, bounded by [minEnergy,
// maxEnergy]. Weights favor under-fuzzed, interesting, and bug-finding
// seeds; scaling targets the midpoint energy for the mean weight, so
// all-equal weights yield the midpoint for every seed.
func Compute(seeds []SeedStats, minEnergy, maxEnergy int) map[int]int {
	out := make(map[int]int, len(seeds))
	if len(seeds) == 0 {
		return out
	}

	minE := minEnergy
	if minE < 1 {
		minE = 1
	}
	maxE := maxEnergy
	if maxE < minE {
		maxE = minE
	}

	weights := make([]float64, len(seeds))
	sumW := 0.0
	for i, s := range seeds {
		fuzzCount := s.FuzzCount
		if fuzzCount < 0 {
			fuzzCount = 0
		}
		w := 1.0 / (1.0 + float64(fuzzCount))
		if s.AvgScore > 0 {
			w *= 1.0 + math.Log1p(s.AvgScore)
		}
		if s.BugCount > 0 {
			bonus := s.BugCount
			if bonus > 5 {
				bonus = 5
			}
			w *= 1.0 + float64(bonus)
		}
		if w < 1e-6 {
			w = 1e-6
		}
		weights[i] = w
		sumW += w
	}
	if sumW <= 0 {
		sumW = 1.0
	}

	meanEnergy := float64(minE+maxE) / 2.0
	scale := meanEnergy * float64(len(seeds)) / sumW

	for i, s := range seeds {
		// Half-to-even rounding keeps the all-equal-weights case at the
		// midpoint floor (64 for the default bounds).
		energy := int(math.RoundToEven(weights[i] * scale))
		if energy < minE {
			energy = minE
		}
		if energy > maxE {
			energy = maxE
		}
		out[s.ID] = energy
	}
	return out
}

// Func is a registered power schedule implementation.
type Func func(seeds []SeedStats, minEnergy, maxEnergy int) map[int]int

var registry = map[string]Func{
	"base": Compute,
}

// Register adds a power schedule implementation to the registry.
func Register(name string, fn Func) {
	registry[name] = fn
}

// New resolves a power schedule implementation by version name. Empty
// selects "base".
func New(name string) (Func, error) {
	if name == "" {
		name = "base"
	}
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("power scheduler version not found: %s", name)
	}
	return fn, nil
}
