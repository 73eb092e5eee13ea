// Package gate decides whether a shell command requested by a backend agent
// may execute. Policy is allowlist-based and purely deterministic: the gate
// holds no state and never executes anything itself.
package gate

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Decision is the result of evaluating one command request.
type Decision struct {
	Allowed    bool
	Reason     string
	Normalized string // the command as it would actually execute
}

// allowedPrograms is the fixed set of program names a backend agent may run:
// file inspection, version control, package and runtime tooling, and process
// introspection. Anything absent is denied.
var allowedPrograms = map[string]bool{
	// File inspection
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"grep": true, "find": true, "diff": true, "file": true, "stat": true,
	"pwd": true, "tree": true, "du": true, "which": true,

	// File manipulation (project scoped by the backend sandbox)
	"mkdir": true, "touch": true, "cp": true, "mv": true, "rm": true,
	"chmod": true, "ln": true, "tar": true, "unzip": true, "sed": true,
	"awk": true, "sort": true, "uniq": true, "cut": true, "tr": true,
	"echo": true, "printf": true, "tee": true, "xargs": true, "env": true,
	"date": true, "sleep": true, "true": true, "test": true,

	// Version control
	"git": true,

	// Package / runtime tooling
	"go": true, "gofmt": true, "node": true, "npm": true, "npx": true,
	"yarn": true, "pnpm": true, "python": true, "python3": true,
	"pip": true, "pip3": true, "uv": true, "pytest": true, "make": true,
	"cargo": true, "rustc": true, "sqlite3": true, "psql": true,
	"curl": true, "jq": true, "bash": true, "sh": true,

	// Process introspection and control
	"ps": true, "lsof": true, "kill": true, "pkill": true,
}

// criticalProcesses are pkill targets that would take down the host or the
// harness itself rather than a project-scoped process.
var criticalProcesses = map[string]bool{
	"init": true, "systemd": true, "launchd": true, "kernel": true,
	"sshd": true, "ssh": true, "dockerd": true, "harness": true,
}

// denyPattern pairs a destructive argument shape with its human-readable
// refusal.
type denyPattern struct {
	re     *regexp.Regexp
	reason string
}

var denyPatterns = []denyPattern{
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(/|~|\$HOME)(\s|$)`), "recursive delete of a root or home directory"},
	{regexp.MustCompile(`\brm\s+-[a-zA-Z]*[rf][a-zA-Z]*\s+/\S*\s*`), "recursive delete outside the project"},
	{regexp.MustCompile(`\bgit\s+push\s+.*(--force|-f)\b`), "force push rewrites shared history"},
	{regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*777\s+/`), "world-writable permissions on a system path"},
	{regexp.MustCompile(`\bcurl\b[^|]*\|\s*(ba)?sh\b`), "piping a download into a shell"},
	{regexp.MustCompile(`\bwget\b[^|]*\|\s*(ba)?sh\b`), "piping a download into a shell"},
	{regexp.MustCompile(`:\(\)\s*\{.*\}\s*;\s*:`), "fork bomb"},
	{regexp.MustCompile(`\bmkfs\b|\bdd\s+.*of=/dev/`), "raw device write"},
	{regexp.MustCompile(`\bshutdown\b|\breboot\b|\bhalt\b`), "host power control"},
	{regexp.MustCompile(`>\s*/dev/sd[a-z]`), "raw device write"},
	{regexp.MustCompile(`\bsudo\b|\bdoas\b`), "privilege escalation"},
}

// Evaluate decides whether command may run in workdir. declaredIntent is the
// free-text purpose the agent attached to the call; it is logged by callers
// but never influences the verdict. Same input always yields the same
// Decision.
func Evaluate(command, workdir, declaredIntent string) Decision {
	normalized := strings.TrimSpace(command)
	if normalized == "" {
		return Decision{Allowed: false, Reason: "empty command", Normalized: normalized}
	}

	for _, dp := range denyPatterns {
		if dp.re.MatchString(normalized) {
			return Decision{
				Allowed:    false,
				Reason:     fmt.Sprintf("blocked: %s", dp.reason),
				Normalized: normalized,
			}
		}
	}

	// Compound commands are as safe as their least safe segment.
	for _, segment := range splitSegments(normalized) {
		if d := evaluateSegment(segment); !d.Allowed {
			d.Normalized = normalized
			return d
		}
	}

	return Decision{Allowed: true, Reason: "allowed", Normalized: normalized}
}

// evaluateSegment checks one pipeline/sequence element against the
// allowlist and per-program argument restrictions.
func evaluateSegment(segment string) Decision {
	fields := strings.Fields(segment)
	if len(fields) == 0 {
		return Decision{Allowed: true, Reason: "allowed"}
	}

	prog := path.Base(fields[0])

	// Skip leading environment assignments (FOO=bar cmd ...).
	i := 0
	for i < len(fields) && strings.Contains(fields[i], "=") && !strings.HasPrefix(fields[i], "-") {
		i++
	}
	if i > 0 && i < len(fields) {
		prog = path.Base(fields[i])
		fields = fields[i:]
	}

	if !allowedPrograms[prog] {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("blocked: %q is not on the allowed command list", prog),
		}
	}

	switch prog {
	case "kill":
		return evaluateKill(fields[1:])
	case "pkill":
		return evaluatePkill(fields[1:])
	}

	return Decision{Allowed: true, Reason: "allowed"}
}

// evaluateKill restricts kill to explicit numeric, non-critical PIDs.
func evaluateKill(args []string) Decision {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue // signal flag
		}
		pid, err := strconv.Atoi(a)
		if err != nil {
			return Decision{Allowed: false, Reason: fmt.Sprintf("blocked: kill target %q is not a numeric PID", a)}
		}
		if pid <= 1 {
			return Decision{Allowed: false, Reason: "blocked: refusing to signal PID 1 or below"}
		}
	}
	return Decision{Allowed: true, Reason: "allowed"}
}

// evaluatePkill restricts pkill to non-critical process names.
func evaluatePkill(args []string) Decision {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		if criticalProcesses[strings.ToLower(a)] {
			return Decision{Allowed: false, Reason: fmt.Sprintf("blocked: %q is a critical process", a)}
		}
	}
	return Decision{Allowed: true, Reason: "allowed"}
}

// splitSegments breaks a compound command at unquoted shell separators
// (&&, ||, ;, |) so each element is checked independently.
func splitSegments(command string) []string {
	var segments []string
	var cur strings.Builder
	var quote byte
	for i := 0; i < len(command); i++ {
		c := command[i]
		if quote != 0 {
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			cur.WriteByte(c)
		case ';':
			segments = append(segments, cur.String())
			cur.Reset()
		case '|', '&':
			if i+1 < len(command) && command[i+1] == c {
				i++
			}
			segments = append(segments, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	segments = append(segments, cur.String())

	var out []string
	for _, s := range segments {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
