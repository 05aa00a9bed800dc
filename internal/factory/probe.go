package factory

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Probe reports whether an interactive assistant session is running on
// this machine, in which case the factory yields to it
type Probe interface {
	InteractiveSession(ctx context.Context) bool
}

// ProcessProbe scans the process table for interactive sessions
type ProcessProbe struct {
	Match   string   // Substring identifying a session (default: "claude ")
	Exclude []string // Substrings of non-interactive uses (default: sdk-py, ShipIt, dogood)

	list func(ctx context.Context) ([]string, error)
}

// NewProcessProbe returns a probe with the default match rules
func NewProcessProbe() *ProcessProbe {
	return &ProcessProbe{
		Match:   "claude ",
		Exclude: []string{"sdk-py", "ShipIt", "dogood"},
		list:    listProcesses,
	}
}

// InteractiveSession reports true when any process line matches. Probe
// failures count as no session.
func (p *ProcessProbe) InteractiveSession(ctx context.Context) bool {
	list := p.list
	if list == nil {
		list = listProcesses
	}
	lines, err := list(ctx)
	if err != nil {
		return false
	}
	return countSessions(lines, p.Match, p.Exclude) > 0
}

func countSessions(lines []string, match string, exclude []string) int {
	n := 0
	for _, line := range lines {
		if !strings.Contains(line, match) || containsAny(line, exclude) {
			continue
		}
		n++
	}
	return n
}

func listProcesses(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ps", "-eo", "pid,command").Output()
	if err != nil {
		return nil, err
	}
	return strings.Split(string(out), "\n"), nil
}

type noProbe struct{}

func (noProbe) InteractiveSession(context.Context) bool { return false }

// DefaultWorkRoot is used when Config.WorkRoot is empty
func DefaultWorkRoot() string {
	return filepath.Join(os.TempDir(), "dogood-workdir")
}

// WorkDirFor returns the work dir an agent runs in
func WorkDirFor(root, agentID string) string {
	return filepath.Join(root, "agent-"+agentID)
}

// CleanupWorkDir removes an agent's work dir under both layouts the solver
// has used
func CleanupWorkDir(root, agentID string) error {
	var firstErr error
	for _, dir := range []string{filepath.Join(root, agentID), WorkDirFor(root, agentID)} {
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
