package factory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want Outcome
	}{
		{
			name: "pull request url",
			res:  Result{ExitCode: 0, Stdout: "done\nhttps://github.com/acme/widgets/pull/12\n"},
			want: Outcome{Kind: OutcomeSuccess, PRURL: "https://github.com/acme/widgets/pull/12"},
		},
		{
			name: "exit zero without url",
			res:  Result{ExitCode: 0, Stdout: "No changes were necessary"},
			want: Outcome{Kind: OutcomeNoChange, Reason: "No changes made"},
		},
		{
			name: "exit zero with other output",
			res:  Result{ExitCode: 0, Stdout: "pushed branch"},
			want: Outcome{Kind: OutcomeNoChange, Reason: "pushed branch"},
		},
		{
			name: "skip uses last line",
			res:  Result{ExitCode: 2, Stdout: "checking\nissue is already assigned\n"},
			want: Outcome{Kind: OutcomeSkip, Reason: "issue is already assigned"},
		},
		{
			name: "skip without output",
			res:  Result{ExitCode: 2},
			want: Outcome{Kind: OutcomeSkip, Reason: "skipped"},
		},
		{
			name: "rate limit with reset hint",
			res:  Result{ExitCode: 1, Stderr: "Claude AI usage limit: you've hit your limit, resets 11am"},
			want: Outcome{Kind: OutcomeRateLimited, Reason: "Rate limited - resets 11am", ResetHint: "11am"},
		},
		{
			name: "rate limit on stdout",
			res:  Result{ExitCode: 1, Stdout: "API error: rate_limit_error"},
			want: Outcome{Kind: OutcomeRateLimited, Reason: "Rate limited"},
		},
		{
			name: "benign sdk noise is not a rate limit",
			res:  Result{ExitCode: 1, Stderr: "unknown message type: rate_limit_event"},
			want: Outcome{Kind: OutcomeError, Reason: "unknown message type: rate_limit_event"},
		},
		{
			name: "error uses stderr",
			res:  Result{ExitCode: 1, Stderr: "git push failed"},
			want: Outcome{Kind: OutcomeError, Reason: "git push failed"},
		},
		{
			name: "error without stderr",
			res:  Result{ExitCode: 137},
			want: Outcome{Kind: OutcomeError, Reason: "exit code 137"},
		},
		{
			name: "timeout",
			res:  Result{ExitCode: -1, TimedOut: true, Duration: 45*time.Minute + 300*time.Millisecond},
			want: Outcome{Kind: OutcomeError, Reason: "agent timed out after 45m0s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyExit(tt.res, 2))
		})
	}
}

func TestClassifyExitTruncatesReasons(t *testing.T) {
	long := strings.Repeat("x", 500)

	oc := ClassifyExit(Result{ExitCode: 1, Stderr: long}, 2)
	assert.Len(t, oc.Reason, 300)

	oc = ClassifyExit(Result{ExitCode: 0, Stdout: long}, 2)
	assert.Len(t, oc.Reason, 200)
}

func TestClassifyFailure(t *testing.T) {
	kind, hint := ClassifyFailure("RATE LIMIT reached, Resets 5PM")
	assert.Equal(t, FailureRateLimited, kind)
	assert.Equal(t, "5pm", hint)

	kind, hint = ClassifyFailure("segmentation fault")
	assert.Equal(t, FailureError, kind)
	assert.Empty(t, hint)

	kind, _ = ClassifyFailure("benign SDK warning about rate limit headers")
	assert.Equal(t, FailureError, kind)
}

func TestTailCountsRunes(t *testing.T) {
	assert.Equal(t, "héé", tail("abchéé", 3))
	assert.Equal(t, "ab", tail("ab", 3))
}
