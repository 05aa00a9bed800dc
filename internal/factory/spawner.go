package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielalanbates/github-helper/internal/coord"
	"github.com/danielalanbates/github-helper/internal/tiers"
)

// Request describes one agent subprocess
type Request struct {
	Kind           string
	IssueID        int64
	ContributionID int64
	AgentID        string
	Tier           tiers.Tier
	Bounty         bool
	WorkDir        string
}

// Result is what the subprocess left behind
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Spawner runs one agent to completion
type Spawner interface {
	Spawn(ctx context.Context, req Request) (Result, error)
}

const (
	// defaultMaxOutputLines caps captured lines per stream; the newest are kept
	defaultMaxOutputLines = 10000
	// defaultMaxLineBytes caps one unterminated line, e.g. \r progress bars
	defaultMaxLineBytes = 64 * 1024
	truncationMarker    = "[... earlier output truncated ...]"
)

// SubprocessSpawner runs the solver command as a child process
type SubprocessSpawner struct {
	Command        []string      // Solver argv prefix, e.g. ["dogood-solve"]
	Dir            string        // Working directory (default: current)
	Timeout        time.Duration // Hard wall-clock limit (default: 45m)
	MaxOutputLines int           // Lines kept per stream (default: 10000)
	Env            []string      // Base environment (default: os.Environ())
}

// Spawn runs the solver for req and waits for it. A non-zero exit is not an
// error; only failing to start or an interrupted run is.
func (s *SubprocessSpawner) Spawn(ctx context.Context, req Request) (Result, error) {
	if len(s.Command) == 0 {
		return Result{}, fmt.Errorf("solver command is not configured")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Minute
	}
	maxLines := s.MaxOutputLines
	if maxLines <= 0 {
		maxLines = defaultMaxOutputLines
	}
	base := s.Env
	if base == nil {
		base = os.Environ()
	}

	args, err := solverArgs(req)
	if err != nil {
		return Result{}, err
	}
	argv := append(append([]string{}, s.Command[1:]...), args...)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.Command[0], argv...)
	cmd.Dir = s.Dir
	cmd.Env = append(SanitizeEnv(base), "WORKDIR="+req.WorkDir)
	cmd.WaitDelay = 5 * time.Second

	stdout := &lineBuffer{max: maxLines}
	stderr := &lineBuffer{max: maxLines}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start agent: %w", err)
	}
	waitErr := cmd.Wait()

	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return res, fmt.Errorf("agent interrupted: %w", ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		return res, nil
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("waiting for agent: %w", waitErr)
	}
	return res, nil
}

func solverArgs(req Request) ([]string, error) {
	tierJSON, err := json.Marshal(req.Tier)
	if err != nil {
		return nil, fmt.Errorf("encoding tier: %w", err)
	}
	if req.Kind == coord.AgentKindFeedback {
		return []string{
			"solve-feedback",
			"--contribution-id", strconv.FormatInt(req.ContributionID, 10),
			"--agent-id", req.AgentID,
			"--model-tier", string(tierJSON),
		}, nil
	}
	args := []string{
		"solve",
		"--issue-id", strconv.FormatInt(req.IssueID, 10),
		"--agent-id", req.AgentID,
		"--model-tier", string(tierJSON),
	}
	if req.Bounty {
		args = append(args, "--is-bounty")
	}
	return args, nil
}

// SanitizeEnv drops every variable whose name contains CLAUDE in any case,
// so the solver is never mistaken for a nested interactive session
func SanitizeEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if strings.Contains(strings.ToUpper(name), "CLAUDE") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// lineBuffer keeps the newest max lines written to it. A line longer than
// maxLine bytes keeps only its tail.
type lineBuffer struct {
	mu        sync.Mutex
	max       int
	maxLine   int
	lines     []string
	partial   []byte
	truncated bool
}

func (b *lineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rest := p
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			b.appendPartial(rest)
			break
		}
		b.appendPartial(rest[:i])
		b.lines = append(b.lines, string(b.partial))
		b.partial = b.partial[:0]
		if len(b.lines) > b.max {
			b.lines = b.lines[len(b.lines)-b.max:]
			b.truncated = true
		}
		rest = rest[i+1:]
	}
	return len(p), nil
}

func (b *lineBuffer) appendPartial(p []byte) {
	limit := b.maxLine
	if limit <= 0 {
		limit = defaultMaxLineBytes
	}
	b.partial = append(b.partial, p...)
	if over := len(b.partial) - limit; over > 0 {
		n := copy(b.partial, b.partial[over:])
		b.partial = b.partial[:n]
		b.truncated = true
	}
}

func (b *lineBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	if b.truncated {
		sb.WriteString(truncationMarker)
		sb.WriteByte('\n')
	}
	for _, l := range b.lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	sb.Write(b.partial)
	return sb.String()
}
