// Package scorer maps a run result to an interestingness score in [0, 1]
// combining crash class, oracle disagreement, coverage ratio, new-edge
// ratio, and bug rarity. The scorer only reads the run store; edge inserts
// happen in the controller after scoring.
package scorer

import (
	"strings"

	"github.com/how2fps/fuzzer/internal/logger"
	"github.com/how2fps/fuzzer/internal/store"
	"github.com/how2fps/fuzzer/internal/target"
)

// Store is the read-only slice of the run store the scorer depends on.
type Store interface {
	ListSeenEdges() ([]store.Edge, error)
	CountMatchingBugs(targetName, exception, file string, line *int) (int, error)
}

func normalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func statusScore(closedStatus string) float64 {
	switch closedStatus {
	case target.StatusBug, target.StatusCrash:
		return 0.9
	case target.StatusTimeout:
		return 0.7
	case target.StatusError:
		return 0.6
	}
	return 0.0
}

func bugSignaturesEqual(a, b *target.BugSignature) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Type != b.Type || a.Exception != b.Exception || a.Message != b.Message || a.File != b.File {
		return false
	}
	if (a.Line == nil) != (b.Line == nil) {
		return false
	}
	return a.Line == nil || *a.Line == *b.Line
}

func isFailure(status string) bool {
	switch status {
	case target.StatusBug, target.StatusCrash, target.StatusTimeout, target.StatusError:
		return true
	}
	return false
}

// differentialScore compares the closed target's behavior against the open
// oracle's. The strongest signal is the closed side failing while the
// oracle is fine.
func differentialScore(closedStatus, openStatus string, closedBug, openBug *target.BugSignature) float64 {
	if openStatus == "" && openBug == nil {
		return 0.0
	}

	if isFailure(closedStatus) && openStatus == target.StatusOK {
		return 1.0
	}
	if closedStatus != openStatus {
		return 0.75
	}
	switch closedStatus {
	case target.StatusBug, target.StatusCrash, target.StatusError:
		if !bugSignaturesEqual(closedBug, openBug) {
			return 0.5
		}
	}
	return 0.0
}

func coverageScore(covered, missing int) float64 {
	if covered < 0 || missing < 0 {
		return 0.0
	}
	total := covered + missing
	if total <= 0 {
		return 0.0
	}
	ratio := float64(covered) / float64(total)
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return ratio
}

// CoveredEdges extracts every covered (file, from_line, to_line) edge from
// the closed result. The controller inserts these into the frontier after
// scoring.
func CoveredEdges(reply *target.Reply) []store.Edge {
	if reply == nil || reply.Closed == nil {
		return nil
	}
	seen := make(map[store.Edge]bool)
	var out []store.Edge
	for _, fb := range reply.Closed.BranchDetailsByFile {
		if fb.File == "" {
			continue
		}
		for _, arc := range fb.CoveredBranches {
			if arc.FromLine <= 0 {
				continue
			}
			e := store.Edge{File: fb.File, FromLine: arc.FromLine, ToLine: arc.ToLine}
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}

// newEdgesScore reads the frontier and scores the fraction of edges not yet
// seen: zero when nothing is new, else 0.5 + 0.5*min(ratio, 1); -1 when the store read fails.
func newEdgesScore(st Store, edges []store.Edge) float64 {
	if len(edges) == 0 {
		return 0.0
	}
	seenList, err := st.ListSeenEdges()
	if err != nil {
		return -1
	}
	seen := make(map[store.Edge]bool, len(seenList))
	for _, e := range seenList {
		seen[e] = true
	}
	newCount := 0
	for _, e := range edges {
		if !seen[e] {
			newCount++
		}
	}
	ratio := float64(newCount) / float64(len(edges))
	if ratio <= 0 {
		return 0.0
	}
	if ratio > 1 {
		ratio = 1
	}
	return 0.5 + 0.5*ratio
}

// rareBugScore rewards signatures seen few times before: 1/(1+count); -1 when the store read fails.
func rareBugScore(st Store, closedStatus string, closedBug *target.BugSignature, targetName string) float64 {
	if !isFailure(closedStatus) || closedBug == nil {
		return 0.0
	}
	count, err := st.CountMatchingBugs(targetName, closedBug.Exception, closedBug.File, closedBug.Line)
	if err != nil {
		return -1
	}
	return 1.0 / (1.0 + float64(count))
}

// Score computes the interestingness of one run. st may be nil, in which
// case only the store-less base formula applies. Store read failures
// degrade to the base formula; the campaign continues.
func Score(reply *target.Reply, st Store, targetName string) float64 {
	if reply == nil || reply.Closed == nil {
		return 0.0
	}
	closed := reply.Closed

	closedStatus := normalizeStatus(closed.Status)
	openStatus := ""
	var openBug *target.BugSignature
	if reply.Open != nil {
		openStatus = normalizeStatus(reply.Open.Status)
		openBug = reply.Open.BugSignature
	}

	sStatus := statusScore(closedStatus)
	sDiff := differentialScore(closedStatus, openStatus, closed.BugSignature, openBug)
	sCov := coverageScore(closed.CoveredBranches, closed.MissingBranches)

	score := max3(sStatus, sDiff, sCov)

	if st != nil {
		edges := CoveredEdges(reply)
		sNew := newEdgesScore(st, edges)
		sRare := rareBugScore(st, closedStatus, closed.BugSignature, targetName)
		// Multiplicative upweighting: the base score is boosted by the
		// strongest of itself, the new-edge signal, and the damped
		// rare-bug signal.
		if sNew >= 0 && sRare >= 0 {
			score *= max3(score, sNew, sRare*0.9)
		} else {
			logger.Warn("scoring: run store read failed; using the base score")
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	if m < 0 {
		return 0
	}
	return m
}
