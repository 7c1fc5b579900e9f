// Package target runs fuzzer inputs against a parser under test and returns
// a normalized result: status classification, bug signature, output
// signatures, and branch coverage detail. For targets with a differential
// oracle, the open equivalent is run on the same input and its result is
// attached to the reply.
package target

import (
	"context"
	"time"
)

// Run statuses, from most to least severe after ok.
const (
	StatusOK      = "ok"
	StatusBug     = "bug"
	StatusCrash   = "crash"
	StatusTimeout = "timeout"
	StatusError   = "error"
)

// BugSignature identifies one bug class: the reported type, the exception
// name, its message, and the raising file and line. Line is nil when the
// target did not report one.
type BugSignature struct {
	Type      string
	Exception string
	Message   string
	File      string
	Line      *int
}

// BranchArc is one covered or missing branch edge within a source file.
// ToLine -1 marks a function exit.
type BranchArc struct {
	FromLine int
	ToLine   int
}

// FileBranches is the per-file branch coverage detail.
type FileBranches struct {
	File            string
	CoveredBranches []BranchArc
	MissingBranches []BranchArc
}

// Result is the outcome of running one target on one input.
type Result struct {
	Status       string
	BugSignature *BugSignature

	CoveredBranches     int
	MissingBranches     int
	BranchDetailsByFile []FileBranches

	StdoutSignature string
	StderrSignature string
	SemanticOutput  string

	ExitCode int
}

// Reply pairs the closed target's result with its open oracle's, when one is
// configured.
type Reply struct {
	Closed *Result
	Open   *Result
}

// Runner executes the configured target against one input.
type Runner interface {
	// Name returns the configured target name; run rows and store queries
	// are keyed by it.
	Name() string

	// Run invokes the target with the given input and per-run timeout.
	// Target failures (crash, timeout, bug) are classified into the reply,
	// not returned as errors; the error path is reserved for harness
	// failures that produce no result at all.
	Run(ctx context.Context, input []byte, timeout time.Duration) (*Reply, error)
}
