package factory

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// OutcomeKind is how one agent run ended
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeSkip        OutcomeKind = "skipped"
	OutcomeNoChange    OutcomeKind = "no_change"
	OutcomeRateLimited OutcomeKind = "rate_limited"
	OutcomeError       OutcomeKind = "error"
)

// Outcome is the classified result of a solver run
type Outcome struct {
	Kind      OutcomeKind
	PRURL     string
	Reason    string
	ResetHint string
}

// FailureKind separates rate limits from everything else
type FailureKind int

const (
	FailureError FailureKind = iota
	FailureRateLimited
)

var (
	prURLPattern     = regexp.MustCompile(`https://github\.com/\S+/pull/\d+`)
	resetHintPattern = regexp.MustCompile(`resets\s+(\d{1,2}(?:am|pm))`)

	rateLimitMarkers = []string{"rate_limit", "rate limit", "hit your limit"}
	benignMarkers    = []string{"benign sdk", "unknown message type"}
)

// ClassifyExit maps a solver result to an outcome. skipCode is the exit
// status the solver uses for "nothing to do here".
func ClassifyExit(res Result, skipCode int) Outcome {
	switch {
	case res.TimedOut:
		return Outcome{Kind: OutcomeError, Reason: fmt.Sprintf("agent timed out after %v", res.Duration.Round(time.Second))}

	case res.ExitCode == skipCode:
		reason := lastLine(res.Stdout)
		if reason == "" {
			reason = "skipped"
		}
		return Outcome{Kind: OutcomeSkip, Reason: tail(reason, 200)}

	case res.ExitCode == 0:
		if url := prURLPattern.FindString(res.Stdout); url != "" {
			return Outcome{Kind: OutcomeSuccess, PRURL: url}
		}
		reason := tail(res.Stdout, 200)
		if strings.Contains(res.Stdout, "No changes") {
			reason = "No changes made"
		}
		return Outcome{Kind: OutcomeNoChange, Reason: reason}
	}

	kind, hint := ClassifyFailure(res.Stdout + " " + res.Stderr)
	if kind == FailureRateLimited {
		reason := "Rate limited"
		if hint != "" {
			reason += " - resets " + hint
		}
		return Outcome{Kind: OutcomeRateLimited, Reason: reason, ResetHint: hint}
	}

	reason := tail(res.Stderr, 300)
	if strings.TrimSpace(reason) == "" {
		reason = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return Outcome{Kind: OutcomeError, Reason: reason}
}

// ClassifyFailure decides whether failure output means the model API is
// rate limiting us, and extracts a "resets 5pm" style hint when present
func ClassifyFailure(output string) (FailureKind, string) {
	lower := strings.ToLower(output)
	if !containsAny(lower, rateLimitMarkers) || containsAny(lower, benignMarkers) {
		return FailureError, ""
	}
	hint := ""
	if m := resetHintPattern.FindStringSubmatch(lower); m != nil {
		hint = m[1]
	}
	return FailureRateLimited, hint
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// tail returns the last n runes of s
func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
