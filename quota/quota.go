// Package quota detects externally imposed rate limiting in agent
// output and schedules resumable waits around it. Quota is a scheduling
// signal, not an error: callers wait and retry instead of failing.
package quota

import (
	"context"
	"regexp"
	"time"
)

// limitRe matches the fixed quota vocabulary. Word boundaries avoid
// false positives from normal text containing words like "capacity" in
// non-error contexts, or line numbers that happen to contain 429.
var limitRe = regexp.MustCompile(`(?i)\b(?:rate[ _-]?limit(?:ed)?|ratelimit|quota exceeded|too many requests` +
	`|resource ?exhausted|usage limit|token limit exceeded` +
	`|out of (?:extra )?usage|usage (?:cap|reset))\b` +
	`|(?:^|\s)429(?:\s|$|[,.\-:])` +
	`|\berror.*(?:overloaded|over capacity)\b`)

// Detect reports whether text carries quota or rate-limit evidence.
// Works on stderr, agent output, and error strings alike.
func Detect(text string) bool {
	return text != "" && limitRe.MatchString(text)
}

const (
	// DefaultWait is used when no reset time can be extracted.
	DefaultWait = time.Hour

	// minWait floors computed waits so a reset time just past now (or
	// already behind it with an explicit date) still backs off.
	minWait = time.Minute

	// DefaultSlice is the re-check interval for interruptible waits.
	DefaultSlice = 30 * time.Second
)

// Wait sleeps for d in bounded slices, re-checking the cancellation
// predicate between slices. Returns false when cancelled (or ctx done)
// before the wait completes.
func Wait(ctx context.Context, d time.Duration, cancelled func() bool) bool {
	return WaitSlice(ctx, d, DefaultSlice, cancelled)
}

// WaitSlice is Wait with an explicit re-check interval.
func WaitSlice(ctx context.Context, d, slice time.Duration, cancelled func() bool) bool {
	if slice <= 0 {
		slice = DefaultSlice
	}

	deadline := time.Now().Add(d)
	for {
		if cancelled != nil && cancelled() {
			return false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if remaining < slice {
			slice = remaining
		}

		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}

	return cancelled == nil || !cancelled()
}
