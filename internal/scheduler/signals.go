package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/how2fps/fuzzer/internal/target"
)

// Bucket keys used when no signal provides one.
const (
	NoCoverageKey = "NO_COVERAGE"
	NoBugKey      = "NO_BUG"
	CrashBugKey   = "BUG:CRASH_OR_TIMEOUT"
)

// Signals is the flattened per-run feedback the UCB tree buckets and
// rewards on. It is built either directly or from a target reply.
type Signals struct {
	Status       string
	BugSignature *target.BugSignature

	NewCoverage bool
	NewBug      bool
	Crash       bool
	Timeout     bool

	// Explicit bucketing overrides; used before any fallback.
	CoverageKey       string
	CoverageSignature string
	BugKey            string

	StdoutSignature string
	StderrSignature string

	// Coverage detail carried for the hashing fallbacks.
	BranchDetailsByFile []target.FileBranches
	CoveredBranches     *int
	MissingBranches     *int
}

// FromReply flattens a wrapped {closed_result, open_result} reply into the
// signal shape. Status and bug signature prefer the closed side.
func FromReply(reply *target.Reply) *Signals {
	if reply == nil {
		return nil
	}
	out := &Signals{Status: "ok"}

	closed := reply.Closed
	open := reply.Open

	if closed != nil && closed.Status != "" {
		out.Status = strings.ToLower(strings.TrimSpace(closed.Status))
	} else if open != nil && open.Status != "" {
		out.Status = strings.ToLower(strings.TrimSpace(open.Status))
	}

	if closed != nil && closed.BugSignature != nil {
		out.BugSignature = closed.BugSignature
	} else if open != nil && open.BugSignature != nil {
		out.BugSignature = open.BugSignature
	}

	if closed != nil {
		if len(closed.BranchDetailsByFile) > 0 {
			out.BranchDetailsByFile = closed.BranchDetailsByFile
		} else if closed.CoveredBranches != 0 || closed.MissingBranches != 0 {
			covered, missing := closed.CoveredBranches, closed.MissingBranches
			out.CoveredBranches = &covered
			out.MissingBranches = &missing
		}
		out.StdoutSignature = closed.StdoutSignature
		out.StderrSignature = closed.StderrSignature
	}
	return out
}

// Reward scores one batch's signals for UCB back-propagation: new coverage
// counts 1, a new bug 2, a crash or timeout 3.
func (s *Signals) Reward() float64 {
	if s == nil {
		return 0.0
	}
	reward := 0.0
	if s.NewCoverage {
		reward += 1.0
	}
	if s.NewBug {
		reward += 2.0
	}
	if s.Crash || s.Timeout || s.Status == target.StatusCrash || s.Status == target.StatusTimeout {
		reward += 3.0
	}
	return reward
}

// CoverageBucketKey derives the coverage bucket. Fallback chain: explicit
// key, explicit signature, hash of branch details, hash of aggregate
// counts, NO_COVERAGE.
func (s *Signals) CoverageBucketKey() string {
	if s == nil {
		return NoCoverageKey
	}
	if s.CoverageKey != "" {
		return s.CoverageKey
	}
	if s.CoverageSignature != "" {
		return s.CoverageSignature
	}
	if len(s.BranchDetailsByFile) > 0 {
		return "COV:" + shortHash(map[string]interface{}{
			"branch_details_by_file": branchDetailsValue(s.BranchDetailsByFile),
		})
	}
	if s.CoveredBranches != nil || s.MissingBranches != nil {
		return "COV:" + shortHash(map[string]interface{}{
			"covered_branches": intOrNil(s.CoveredBranches),
			"missing_branches": intOrNil(s.MissingBranches),
		})
	}
	return NoCoverageKey
}

// BugBucketKey derives the bug bucket. Fallback chain: explicit key, hash
// of the non-empty bug signature fields, crash/timeout sentinel, hash of
// output signatures, NO_BUG.
func (s *Signals) BugBucketKey() string {
	if s == nil {
		return NoBugKey
	}
	if s.BugKey != "" {
		return s.BugKey
	}

	if s.BugSignature != nil {
		meaningful := map[string]interface{}{}
		if s.BugSignature.Type != "" {
			meaningful["type"] = s.BugSignature.Type
		}
		if s.BugSignature.Exception != "" {
			meaningful["exception"] = s.BugSignature.Exception
		}
		if s.BugSignature.Message != "" {
			meaningful["message"] = s.BugSignature.Message
		}
		if s.BugSignature.File != "" {
			meaningful["file"] = s.BugSignature.File
		}
		if s.BugSignature.Line != nil {
			meaningful["line"] = *s.BugSignature.Line
		}
		if len(meaningful) > 0 {
			return "BUG:" + shortHash(meaningful)
		}
	}

	if s.Crash || s.Timeout || s.Status == target.StatusCrash || s.Status == target.StatusTimeout {
		return CrashBugKey
	}

	if s.StdoutSignature != "" || s.StderrSignature != "" {
		return "OUT:" + shortHash(map[string]interface{}{
			"stdout_signature": s.StdoutSignature,
			"stderr_signature": s.StderrSignature,
		})
	}
	return NoBugKey
}

func intOrNil(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func branchDetailsValue(details []target.FileBranches) []interface{} {
	out := make([]interface{}, 0, len(details))
	for _, fb := range details {
		out = append(out, map[string]interface{}{
			"file":             fb.File,
			"covered_branches": arcsValue(fb.CoveredBranches),
			"missing_branches": arcsValue(fb.MissingBranches),
		})
	}
	return out
}

func arcsValue(arcs []target.BranchArc) []interface{} {
	out := make([]interface{}, 0, len(arcs))
	for _, a := range arcs {
		out = append(out, map[string]interface{}{
			"from_line": a.FromLine,
			"to_line":   a.ToLine,
		})
	}
	return out
}

// shortHash is SHA-256 truncated to 16 hex chars over canonical JSON
// (sorted keys, compact separators). encoding/json sorts map keys, so
// hashing maps is key-order independent by construction.
func shortHash(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte("null")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}
