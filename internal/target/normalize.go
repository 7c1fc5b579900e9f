package target

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Variable output fragments replaced before hashing so signatures stay
// stable across runs, machines, and checkouts.
var normalizePatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\b\d{4}-\d{2}-\d{2}[\sT]\d{2}:\d{2}:\d{2}[.\d]*Z?`), "<TIMESTAMP>"},
	{regexp.MustCompile(`\b\d{10,}\b`), "<NUM>"},
	{regexp.MustCompile(`0x[0-9a-fA-F]+`), "<HEX>"},
	{regexp.MustCompile(`File "[^"]*", line \d+`), `File "<PATH>", line <LINE>`},
	{regexp.MustCompile(`"[^"]*[/\\][^"]*"`), `"<PATH>"`},
	{regexp.MustCompile(`(?i)\bline \d+`), "<LINE>"},
}

func normalizeText(text string) string {
	if text == "" {
		return ""
	}
	out := strings.TrimSpace(text)
	for _, p := range normalizePatterns {
		out = p.re.ReplaceAllString(out, p.repl)
	}
	return out
}

// Signature hashes normalized text to a 16-hex-char SHA-256 prefix.
func Signature(text string) string {
	sum := sha256.Sum256([]byte(normalizeText(text)))
	return hex.EncodeToString(sum[:])[:16]
}

var (
	fileLineRe  = regexp.MustCompile(`(?i)File\s+"([^"]+)",\s*line\s+(\d+)`)
	exceptionRe = regexp.MustCompile(`^(\w+(?:\.\w+)*)\s*:\s*(.*)$`)
)

// ParseBugSignature extracts a bug signature from stderr: the file and line
// of the last traceback frame (where the exception was raised) and the final
// "ExceptionType: message" line. Returns nil when stderr carries neither.
func ParseBugSignature(stderr string) *BugSignature {
	if strings.TrimSpace(stderr) == "" {
		return nil
	}

	sig := &BugSignature{}
	found := false

	if matches := fileLineRe.FindAllStringSubmatch(stderr, -1); len(matches) > 0 {
		m := matches[len(matches)-1]
		sig.File = m[1]
		if line, err := strconv.Atoi(m[2]); err == nil {
			sig.Line = &line
		}
		found = true
	}

	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "File ") || strings.Contains(line, "Traceback") {
			continue
		}
		if m := exceptionRe.FindStringSubmatch(line); m != nil {
			sig.Type = "exception"
			sig.Exception = m[1]
			sig.Message = strings.TrimSpace(m[2])
		} else {
			sig.Type = "message"
			sig.Message = line
		}
		found = true
		break
	}

	if !found {
		return nil
	}
	return sig
}

// semanticOutput produces a normalized representation of program output.
// JSON stdout is re-serialized canonically (sorted keys, compact) so
// equivalent outputs compare equal; anything else is normalized and capped.
func semanticOutput(stdout, stderr string) string {
	combined := stdout + "\n" + stderr
	if strings.TrimSpace(combined) == "" {
		return ""
	}

	if strings.TrimSpace(stdout) != "" {
		var obj interface{}
		if err := json.Unmarshal([]byte(stdout), &obj); err == nil {
			if canonical, err := json.Marshal(obj); err == nil {
				return string(canonical)
			}
		}
	}

	normalized := normalizeText(combined)
	if len(normalized) > 2000 {
		normalized = normalized[:2000]
	}
	return normalized
}
