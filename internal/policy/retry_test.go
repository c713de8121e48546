package policy

import (
	"testing"
	"time"
)

func TestBackoffMonotonicWithCap(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{})
	base := 15 * time.Second
	max := 15 * time.Minute
	jitter := 5 * time.Second

	var prev time.Duration
	for n := 1; n <= 12; n++ {
		d := p.Backoff(n)

		want := base << (n - 1)
		if want > max {
			want = max
		}
		if d < want || d > want+jitter {
			t.Fatalf("backoff(%d) = %v, want in [%v, %v]", n, d, want, want+jitter)
		}
		if d+jitter < prev {
			t.Fatalf("backoff(%d) = %v dropped below backoff(%d) = %v beyond jitter", n, d, n-1, prev)
		}
		prev = d
	}

	if d := p.Backoff(100); d > max+jitter {
		t.Fatalf("backoff(100) = %v exceeds cap %v", d, max+jitter)
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{})

	tests := []struct {
		name        string
		kind        FailureKind
		count       int
		autoRestart bool
		wantAction  RetryAction
		wantCount   int
	}{
		{"credentials never retried", FailCredentials, 0, true, ActionNone, 0},
		{"banned never retried", FailBanned, 3, true, ActionNone, 3},
		{"2fa suspends without counting", FailAwaiting2FA, 2, true, ActionSuspend, 2},
		{"timeout retries", FailTimeout, 0, true, ActionRetry, 1},
		{"proxy retries", FailProxy, 1, true, ActionRetry, 2},
		{"unknown counts as retryable", FailUnknown, 0, true, ActionRetry, 1},
		{"unrecognized kind treated as unknown", FailureKind("martian"), 0, true, ActionRetry, 1},
		{"auto restart off skips timer", FailTimeout, 0, false, ActionNone, 1},
		{"limit blocks", FailTimeout, 4, true, ActionBlock, 5},
		{"limit blocks even without auto restart", FailTimeout, 4, false, ActionBlock, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := p.Decide(tt.kind, tt.count, tt.autoRestart)
			if dec.Action != tt.wantAction {
				t.Fatalf("action = %v, want %v", dec.Action, tt.wantAction)
			}
			if dec.FailureCount != tt.wantCount {
				t.Fatalf("failureCount = %d, want %d", dec.FailureCount, tt.wantCount)
			}
			if dec.Action == ActionRetry && dec.Delay <= 0 {
				t.Fatalf("retry decision carries no delay")
			}
			if dec.Action != ActionRetry && dec.Delay != 0 {
				t.Fatalf("non-retry decision carries delay %v", dec.Delay)
			}
		})
	}
}

func TestDecideFailureAccumulatesToBlock(t *testing.T) {
	t.Parallel()

	// A timeout at failureCount 4 must tip over into blocked at the limit
	// of 5 and never arm another timer.
	p := NewRetryPolicy(RetryConfig{})
	dec := p.Decide(FailTimeout, 4, true)
	if dec.Action != ActionBlock {
		t.Fatalf("action = %v, want ActionBlock", dec.Action)
	}
	if dec.FailureCount != 5 {
		t.Fatalf("failureCount = %d, want 5", dec.FailureCount)
	}
	if dec.Delay != 0 {
		t.Fatalf("blocked decision must not schedule a retry, got delay %v", dec.Delay)
	}
}
