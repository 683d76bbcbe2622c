package wsclient

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDelayMonotonicNonDecreasingUpToCap(t *testing.T) {
	var prev time.Duration
	for attempt := int64(0); attempt < 10; attempt++ {
		d := backoffDelay(attempt, 0)
		if d < prev {
			t.Fatalf("attempt %d: delay %s less than previous %s", attempt, d, prev)
		}
		prev = d
	}
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	d := backoffDelay(100, jitterCap-1)
	if d > maxDelay {
		t.Fatalf("expected delay capped at %s, got %s", maxDelay, d)
	}
}

func TestBackoffDelayIncludesJitterWithinBound(t *testing.T) {
	base := backoffDelay(0, 0)
	withJitter := backoffDelay(0, jitterCap-time.Millisecond)
	if withJitter <= base {
		t.Fatalf("expected jitter to increase delay: base=%s withJitter=%s", base, withJitter)
	}
	if withJitter-base >= jitterCap {
		t.Fatalf("jitter contribution exceeds cap: %s", withJitter-base)
	}
}

func TestSubscribeURLIncludesTypeFilter(t *testing.T) {
	c := New("127.0.0.1", 9191, "worktree.deleted", true, Callbacks{})
	u := c.subscribeURL()
	want := "ws://127.0.0.1:9191/ws?type=worktree.deleted"
	if u != want {
		t.Fatalf("subscribeURL = %q, want %q", u, want)
	}
}

func TestSubscribeURLOmitsFilterWhenEmpty(t *testing.T) {
	c := New("127.0.0.1", 9191, "", true, Callbacks{})
	u := c.subscribeURL()
	want := "ws://127.0.0.1:9191/ws"
	if u != want {
		t.Fatalf("subscribeURL = %q, want %q", u, want)
	}
}

func TestCloseMarksTerminal(t *testing.T) {
	c := New("127.0.0.1", 9191, "", true, Callbacks{})
	c.Close()
	if c.waitBackoff(context.Background()) {
		t.Fatal("expected wait to report terminal after Close")
	}
}
