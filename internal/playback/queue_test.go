package playback

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEnqueueRespectsMaxDepth(t *testing.T) {
	q := New(Config{MaxDepth: 10, MaxAge: time.Hour, MaxPlay: time.Second}, nil)
	defer q.Stop()
	for i := 0; i < 100; i++ {
		q.Enqueue(Item{FilePath: "x", EnqueuedAt: time.Now()})
	}
	// Give the drain loop a moment to consume the wake signal; since
	// PlayerCommand is empty, play() is a near-instant no-op, so depth
	// should settle at or below MaxDepth well within this window.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Depth() <= 10 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if d := q.Depth(); d > 10 {
		t.Fatalf("expected depth <= 10, got %d", d)
	}
}

func TestStopClearsPendingAndPreventsFurtherEnqueue(t *testing.T) {
	q := New(Config{MaxDepth: 10, MaxAge: time.Hour, MaxPlay: time.Second}, nil)
	q.Enqueue(Item{FilePath: "x", EnqueuedAt: time.Now()})
	q.Stop()
	if q.Depth() != 0 {
		t.Fatalf("expected depth 0 after stop, got %d", q.Depth())
	}
	q.Enqueue(Item{FilePath: "y", EnqueuedAt: time.Now()})
	if q.Depth() != 0 {
		t.Fatal("expected enqueue after stop to be ignored")
	}
}

func TestClearDoesNotPanicWhenEmpty(t *testing.T) {
	q := New(Config{MaxDepth: 10, MaxAge: time.Hour, MaxPlay: time.Second}, nil)
	defer q.Stop()
	q.Clear()
	if q.Depth() != 0 {
		t.Fatalf("expected depth 0, got %d", q.Depth())
	}
}

func TestItemsOlderThanMaxAgeAreSkippedWithoutPlayback(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "played.txt")
	// A player command whose sole observable effect is appending its
	// item's file path to marker, so the test can assert which items
	// actually reached play() versus which were skipped at dequeue.
	player := []string{"sh", "-c", "echo $0 >> " + marker}

	q := New(Config{MaxDepth: 10, MaxAge: 50 * time.Millisecond, MaxPlay: time.Second, PlayerCommand: player}, nil)
	defer q.Stop()

	stale := Item{FilePath: "stale.wav", EnqueuedAt: time.Now().Add(-time.Hour)}
	fresh := Item{FilePath: "fresh.wav", EnqueuedAt: time.Now()}
	q.Enqueue(stale)
	q.Enqueue(fresh)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Depth() == 0 && !q.IsPlaying() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	b, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one playback invocation, got %d: %q", len(lines), string(b))
	}
	if lines[0] != "fresh.wav" {
		t.Fatalf("expected only fresh.wav to play, got %q", lines[0])
	}
}

func TestIsPlayingDefaultsFalse(t *testing.T) {
	q := New(Config{MaxDepth: 10, MaxAge: time.Hour, MaxPlay: time.Second}, nil)
	defer q.Stop()
	if q.IsPlaying() {
		t.Fatal("expected not playing initially")
	}
}
