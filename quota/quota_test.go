package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/agentloop/engine/quota"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"Rate limit exceeded, slow down", true},
		{"You are rate-limited until tomorrow", true},
		{"ratelimit hit", true},
		{"quota exceeded for this billing period", true},
		{"Too Many Requests", true},
		{"RESOURCE_EXHAUSTED? no, but resource exhausted", true},
		{"usage limit reached", true},
		{"token limit exceeded", true},
		{"You are out of extra usage", true},
		{"usage cap will reset soon", true},
		{"HTTP 429 returned", true},
		{"error: model overloaded", true},
		{"Error - system over capacity", true},

		{"", false},
		{"line 4296 of main.go", false},
		{"the warehouse is over capacity", false}, // no error context
		{"increased storage quota granted", false},
		{"all 4290 tests passed", false},
	}

	for _, tc := range cases {
		if got := quota.Detect(tc.text); got != tc.want {
			t.Errorf("Detect(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestParseResetWait_SameDay(t *testing.T) {
	now := time.Date(2026, time.March, 10, 15, 0, 0, 0, time.Local)

	wait, stamp := quota.ParseResetWait("Usage limit hit. Try again at 3:45 PM.", now)

	if stamp != "3:45 PM" {
		t.Errorf("stamp = %q, want %q", stamp, "3:45 PM")
	}
	if wait != 45*time.Minute {
		t.Errorf("wait = %v, want 45m", wait)
	}
}

func TestParseResetWait_PastRollsToTomorrow(t *testing.T) {
	now := time.Date(2026, time.March, 10, 16, 0, 0, 0, time.Local)

	wait, _ := quota.ParseResetWait("Try again at 3:45 PM", now)

	want := 23*time.Hour + 45*time.Minute
	if wait != want {
		t.Errorf("wait = %v, want %v (next day)", wait, want)
	}
}

func TestParseResetWait_ResetsAtPhrasing(t *testing.T) {
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.Local)

	wait, stamp := quota.ParseResetWait("Your limit resets at 10:30 AM", now)

	if stamp != "10:30 AM" {
		t.Errorf("stamp = %q, want %q", stamp, "10:30 AM")
	}
	if wait != 90*time.Minute {
		t.Errorf("wait = %v, want 90m", wait)
	}
}

func TestParseResetWait_DatedFormat(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.Local)

	wait, _ := quota.ParseResetWait("Try again at Mar 11, 2026 1:00 PM", now)

	if wait != 25*time.Hour {
		t.Errorf("wait = %v, want 25h", wait)
	}
}

func TestParseResetWait_MinimumFloor(t *testing.T) {
	now := time.Date(2026, time.March, 10, 15, 44, 50, 0, time.Local)

	wait, _ := quota.ParseResetWait("Try again at 3:45 PM", now)

	if wait != time.Minute {
		t.Errorf("wait = %v, want 1m floor", wait)
	}
}

func TestParseResetWait_Unparseable(t *testing.T) {
	now := time.Now()

	wait, stamp := quota.ParseResetWait("rate limit exceeded, no reset hint", now)
	if wait != quota.DefaultWait || stamp != "" {
		t.Errorf("got (%v, %q), want default wait and empty stamp", wait, stamp)
	}

	// Matched phrase with an unparseable remainder keeps the stamp.
	wait, stamp = quota.ParseResetWait("Try again at half past never", now)
	if wait != quota.DefaultWait || stamp != "half past never" {
		t.Errorf("got (%v, %q), want default wait with raw stamp", wait, stamp)
	}
}

func TestParseResetWait_LowercaseMeridiem(t *testing.T) {
	now := time.Date(2026, time.March, 10, 15, 0, 0, 0, time.Local)

	wait, _ := quota.ParseResetWait("try again at 3:45 pm", now)

	if wait != 45*time.Minute {
		t.Errorf("wait = %v, want 45m", wait)
	}
}

func TestWaitSlice_Completes(t *testing.T) {
	done := quota.WaitSlice(context.Background(), 10*time.Millisecond, 2*time.Millisecond, nil)
	if !done {
		t.Error("WaitSlice() = false, want true for uncancelled wait")
	}
}

func TestWaitSlice_CancelledBetweenSlices(t *testing.T) {
	calls := 0
	cancelled := func() bool {
		calls++
		return calls > 2
	}

	start := time.Now()
	done := quota.WaitSlice(context.Background(), time.Hour, time.Millisecond, cancelled)

	if done {
		t.Error("WaitSlice() = true, want false when cancelled mid-wait")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("WaitSlice() took %v, want prompt cancellation", elapsed)
	}
}

func TestWaitSlice_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := quota.WaitSlice(ctx, time.Hour, 10*time.Millisecond, nil)
	if done {
		t.Error("WaitSlice() = true, want false when context is done")
	}
}
