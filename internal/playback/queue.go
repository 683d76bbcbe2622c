// Package playback implements the serial voice playback queue (C7): a
// bounded, single-consumer FIFO with depth cap, age cap, and a
// per-item wall-clock cap on the external player process, adapted from
// this lineage's bounded-queue-with-explicit-drop-policy idiom — the
// at-least-once lease/Ack/Nack vocabulary of that original queue doesn't
// apply to an at-most-once audio queue that drops the incoming item on
// overflow, but the
// bounded-queue shape carries over directly.
package playback

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/devbus-oss/devbus/pkg/logging"
)

// Item is one pending playback request.
type Item struct {
	FilePath   string
	Label      string
	EnqueuedAt time.Time
}

// Config configures queue bounds and the external player command.
type Config struct {
	MaxDepth  int
	MaxAge    time.Duration
	MaxPlay   time.Duration
	// PlayerCommand is the external audio command; the item's file path
	// is appended as the final argument. A nil/empty command makes Queue
	// a no-op player, useful in tests.
	PlayerCommand []string
}

// Queue is a FIFO, single-consumer audio queue.
type Queue struct {
	cfg Config
	log *logging.Logger

	mu      sync.Mutex
	pending []Item
	playing bool
	current *exec.Cmd
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// New constructs a Queue and starts its drain goroutine.
func New(cfg Config, log *logging.Logger) *Queue {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Second
	}
	if cfg.MaxPlay <= 0 {
		cfg.MaxPlay = 15 * time.Second
	}
	q := &Queue{
		cfg:  cfg,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.drainLoop()
	return q
}

// Enqueue appends item unless the queue is at MaxDepth, in which case
// the new item is silently dropped (voice is non-critical backpressure).
// If nothing is currently playing, it signals the drain loop.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if len(q.pending) >= q.cfg.MaxDepth {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) drainLoop() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			item, ok := q.popLocked()
			if !ok {
				break
			}
			if time.Since(item.EnqueuedAt) > q.cfg.MaxAge {
				continue
			}
			q.play(item)
		}
	}
}

func (q *Queue) popLocked() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || len(q.pending) == 0 {
		return Item{}, false
	}
	item := q.pending[0]
	q.pending = q.pending[1:]
	return item, true
}

func (q *Queue) play(item Item) {
	q.mu.Lock()
	q.playing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.playing = false
		q.current = nil
		q.mu.Unlock()
	}()

	if len(q.cfg.PlayerCommand) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.MaxPlay)
	defer cancel()

	args := append(append([]string(nil), q.cfg.PlayerCommand[1:]...), item.FilePath)
	cmd := exec.CommandContext(ctx, q.cfg.PlayerCommand[0], args...)

	q.mu.Lock()
	q.current = cmd
	q.mu.Unlock()

	if err := cmd.Start(); err != nil {
		if q.log != nil {
			q.log.Warn(context.Background(), "playback start failed", logging.Field{K: "error", V: err.Error()})
		}
		return
	}
	_ = cmd.Wait()
}

// Stop clears pending items and kills the in-flight player, if any.
// Used during graceful shutdown.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.pending = nil
	cur := q.current
	q.mu.Unlock()
	if cur != nil && cur.Process != nil {
		_ = cur.Process.Kill()
	}
	close(q.done)
}

// Clear removes pending items only; does not interrupt current playback.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}

// Depth returns the number of pending (not yet playing) items.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsPlaying reports whether an item is currently playing.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}
