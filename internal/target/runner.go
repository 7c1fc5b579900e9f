package target

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"
)

// targetSpec describes how to invoke one known target: its directory under
// the targets base, its argv, whether input goes via stdin or as the final
// argument, and the open oracle equivalent run alongside it.
type targetSpec struct {
	dir           string
	cmd           []string
	inputViaStdin bool
	open          string
}

// Known targets. Relative argv paths resolve against the target directory;
// the input is appended as the final argument unless inputViaStdin is set.
var targetSpecs = map[string]targetSpec{
	"json-decoder": {
		dir: "json-decoder",
		cmd: []string{"bin/json-decoder", "--str-json"},
	},
	"cidrize-runner": {
		dir:  "cidrize-runner",
		cmd:  []string{"bin/cidrize-runner", "--func", "cidrize", "--ipstr"},
		open: "cidrize",
	},
	"ipv4-parser": {
		dir:  "ipv4-ipv6-parser",
		cmd:  []string{"bin/ipv4-parser", "--ipstr"},
		open: "ipyparse",
	},
	"ipv6-parser": {
		dir:  "ipv4-ipv6-parser",
		cmd:  []string{"bin/ipv6-parser", "--ipstr"},
		open: "ipyparse",
	},
	"cidrize": {
		dir: "cidrize",
		cmd: []string{"bin/cidrize"},
	},
	"ipyparse": {
		dir:           "ipyparse",
		cmd:           []string{"bin/ipyparse"},
		inputViaStdin: true,
	},
}

// KnownTargets returns the registered target names in sorted order.
func KnownTargets() []string {
	out := make([]string, 0, len(targetSpecs))
	for name := range targetSpecs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ProcessRunner runs targets as subprocesses in their own process group,
// killing the whole group on timeout so grandchildren don't outlive the run.
type ProcessRunner struct {
	name       string
	spec       targetSpec
	targetsDir string
}

// NewProcessRunner resolves the target name against the known-target table.
// Unknown names are an input error.
func NewProcessRunner(name, targetsDir string) (Runner, error) {
	spec, ok := targetSpecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown target %q; known targets: %v", name, KnownTargets())
	}
	return &ProcessRunner{name: name, spec: spec, targetsDir: targetsDir}, nil
}

func (r *ProcessRunner) Name() string {
	return r.name
}

// Run invokes the closed target and, when configured, its open oracle on the
// same input.
func (r *ProcessRunner) Run(ctx context.Context, input []byte, timeout time.Duration) (*Reply, error) {
	reply := &Reply{Closed: r.runOne(ctx, r.spec, input, timeout)}

	if r.spec.open != "" {
		openSpec, ok := targetSpecs[r.spec.open]
		if !ok {
			reply.Open = &Result{Status: StatusError}
			return reply, nil
		}
		reply.Open = r.runOne(ctx, openSpec, input, timeout)
	}
	return reply, nil
}

// runOne executes one target subprocess and classifies the outcome: timeout
// when the deadline fires, crash on a failed spawn or non-zero exit, else the
// status the target itself reports (structured replies carry bug/ok).
func (r *ProcessRunner) runOne(ctx context.Context, spec targetSpec, input []byte, timeout time.Duration) *Result {
	dir := filepath.Join(r.targetsDir, spec.dir)
	argv := resolveArgv(spec.cmd, dir, input, spec.inputViaStdin)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if spec.inputViaStdin {
		cmd.Stdin = bytes.NewReader(input)
	}

	res := &Result{Status: StatusOK}

	if err := cmd.Start(); err != nil {
		res.Status = StatusCrash
		stderr.WriteString(err.Error())
		return r.finishResult(res, stdout.String(), stderr.String())
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-runCtx.Done():
		// Kill the whole process group, then reap.
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		if runCtx.Err() == context.DeadlineExceeded {
			res.Status = StatusTimeout
		} else {
			res.Status = StatusError
		}
	case <-done:
		res.ExitCode = cmd.ProcessState.ExitCode()
		if res.ExitCode != 0 {
			res.Status = StatusCrash
		}
	}

	return r.finishResult(res, stdout.String(), stderr.String())
}

// finishResult attaches signatures, the stderr bug signature, the semantic
// output, and the structured-reply fields when the target emitted one.
func (r *ProcessRunner) finishResult(res *Result, stdout, stderr string) *Result {
	res.StdoutSignature = Signature(stdout)
	res.StderrSignature = Signature(stderr)
	res.BugSignature = ParseBugSignature(stderr)
	res.SemanticOutput = semanticOutput(stdout, stderr)

	if res.Status == StatusOK {
		parseStructuredReply(res, stdout)
	}
	return res
}

// resolveArgv resolves relative argv paths against the target directory and
// appends the input as the final argument unless it goes via stdin.
func resolveArgv(cmd []string, dir string, input []byte, inputViaStdin bool) []string {
	argv := make([]string, 0, len(cmd)+1)
	for _, part := range cmd {
		if !filepath.IsAbs(part) && strings.ContainsRune(part, '/') {
			argv = append(argv, filepath.Join(dir, part))
		} else {
			argv = append(argv, part)
		}
	}
	if !inputViaStdin {
		argv = append(argv, string(input))
	}
	return argv
}

// parseStructuredReply merges a target's own JSON reply into the result:
// status, bug signature, and branch coverage. Targets that report this way
// (the JSON decoder) exit zero and classify bugs themselves; everything in
// the document is optional and malformed fields degrade to zero values.
func parseStructuredReply(res *Result, stdout string) {
	doc := strings.TrimSpace(stdout)
	if doc == "" || !gjson.Valid(doc) {
		return
	}
	status := gjson.Get(doc, "status")
	if !status.Exists() {
		return
	}

	if s := strings.ToLower(strings.TrimSpace(status.String())); s != "" {
		res.Status = s
	}

	if sig := gjson.Get(doc, "bug_signature"); sig.IsObject() {
		bug := &BugSignature{
			Type:      sig.Get("type").String(),
			Exception: sig.Get("exception").String(),
			Message:   sig.Get("message").String(),
			File:      sig.Get("file").String(),
		}
		if line := sig.Get("line"); line.Exists() && line.Type == gjson.Number {
			n := int(line.Int())
			bug.Line = &n
		}
		res.BugSignature = bug
	}

	if covered := gjson.Get(doc, "covered_branches"); covered.Type == gjson.Number {
		res.CoveredBranches = int(covered.Int())
	}
	if missing := gjson.Get(doc, "missing_branches"); missing.Type == gjson.Number {
		res.MissingBranches = int(missing.Int())
	}

	for _, fb := range gjson.Get(doc, "branch_details_by_file").Array() {
		detail := FileBranches{File: fb.Get("file").String()}
		for _, arc := range fb.Get("covered_branches").Array() {
			detail.CoveredBranches = append(detail.CoveredBranches, BranchArc{
				FromLine: int(arc.Get("from_line").Int()),
				ToLine:   int(arc.Get("to_line").Int()),
			})
		}
		for _, arc := range fb.Get("missing_branches").Array() {
			detail.MissingBranches = append(detail.MissingBranches, BranchArc{
				FromLine: int(arc.Get("from_line").Int()),
				ToLine:   int(arc.Get("to_line").Int()),
			})
		}
		res.BranchDetailsByFile = append(res.BranchDetailsByFile, detail)
	}
}
