// Package state persists the campaign's global bookkeeping: the discovered
// seed ordinal counter, the set of promoted inputs, and run totals. The
// snapshot lets an interrupted campaign resume without re-promoting inputs.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
)

const (
	// StateFileName is the name of the campaign state file.
	StateFileName = "campaign_state.json"

	// DiscoveredOrdinalBase keeps discovered seed ordinals disjoint from
	// the initial corpus ordinals.
	DiscoveredOrdinalBase = 1_000_000
)

// CampaignState is the persisted form of the campaign bookkeeping.
type CampaignState struct {
	NextDiscoveredOrdinal int      `json:"next_discovered_ordinal"`
	PromotedInputs        []string `json:"promoted_inputs"`
	Iteration             int      `json:"iteration"`
	TotalRuns             int      `json:"total_runs"`
	TotalBugs             int      `json:"total_bugs"`
}

// Manager guards the campaign state and persists it atomically.
type Manager struct {
	mu       sync.Mutex
	filePath string
	state    CampaignState
	promoted map[string]bool
}

// NewManager creates a Manager storing state under dir.
func NewManager(dir string) *Manager {
	return &Manager{
		filePath: filepath.Join(dir, StateFileName),
		state: CampaignState{
			NextDiscoveredOrdinal: DiscoveredOrdinalBase,
		},
		promoted: make(map[string]bool),
	}
}

// Load reads the state from disk. A missing file initializes defaults.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state = CampaignState{NextDiscoveredOrdinal: DiscoveredOrdinalBase}
			m.promoted = make(map[string]bool)
			return nil
		}
		return fmt.Errorf("failed to read state file %s: %w", m.filePath, err)
	}

	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("failed to parse state file %s: %w", m.filePath, err)
	}
	if m.state.NextDiscoveredOrdinal < DiscoveredOrdinalBase {
		m.state.NextDiscoveredOrdinal = DiscoveredOrdinalBase
	}
	m.promoted = make(map[string]bool, len(m.state.PromotedInputs))
	for _, input := range m.state.PromotedInputs {
		m.promoted[input] = true
	}
	return nil
}

// Save writes the state to disk atomically.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(&m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := atomic.WriteFile(m.filePath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", m.filePath, err)
	}
	return nil
}

// NextDiscoveredOrdinal allocates the next ordinal for a promoted seed.
func (m *Manager) NextDiscoveredOrdinal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ordinal := m.state.NextDiscoveredOrdinal
	m.state.NextDiscoveredOrdinal++
	return ordinal
}

// MarkPromoted records a promoted input. Returns false when the input was
// already promoted, enforcing at-most-one promotion per mutated input.
func (m *Manager) MarkPromoted(input string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.promoted[input] {
		return false
	}
	m.promoted[input] = true
	m.state.PromotedInputs = append(m.state.PromotedInputs, input)
	return true
}

// IsPromoted reports whether an input has been promoted.
func (m *Manager) IsPromoted(input string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.promoted[input]
}

// RecordRun advances the iteration and run counters, counting failures.
func (m *Manager) RecordRun(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Iteration++
	m.state.TotalRuns++
	switch status {
	case "bug", "crash", "timeout":
		m.state.TotalBugs++
	}
}

// GetState returns a copy of the current state.
func (m *Manager) GetState() CampaignState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.state
	out.PromotedInputs = append([]string(nil), m.state.PromotedInputs...)
	return out
}
