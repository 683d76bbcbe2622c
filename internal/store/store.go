// Package store implements the bounded ring buffer and optional
// append-only journal that back devbus's event history: C2 in the
// system design.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/devbus-oss/devbus/pkg/envelope"
	"github.com/devbus-oss/devbus/pkg/logging"
)

const (
	rotateAtBytes  = 10 * 1024 * 1024
	maxRotatedKept = 5
	warnInterval   = 30 * time.Second
)

// Query narrows a call to Query.
type Query struct {
	Type  string
	Since string // ISO-8601; strict greater-than
	Limit int    // default 100, capped at 1000 by the caller (server layer)
}

// Store is a single-writer/multi-reader ring buffer with an optional
// durable journal. All exported methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	buf      []envelope.Envelope
	cursor   int
	count    int
	capacity int

	persistPath string
	journal     *os.File
	journalSize int64

	log *logging.Logger

	persistErrors   int64
	lastWarnLog     time.Time
	lastPersistErr  string
	lastPersistTime time.Time
}

// New constructs a Store with the given capacity and optional durable
// journal path. If persistPath is empty, the store is memory-only.
func New(capacity int, persistPath string, log *logging.Logger) (*Store, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	s := &Store{
		buf:         make([]envelope.Envelope, capacity),
		capacity:    capacity,
		persistPath: persistPath,
		log:         log,
	}
	if persistPath != "" {
		f, err := os.OpenFile(persistPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("store: open journal: %w", err)
		}
		fi, err := f.Stat()
		if err == nil {
			s.journalSize = fi.Size()
		}
		s.journal = f
	}
	return s, nil
}

// Push inserts env at the write cursor, wrapping modulo capacity, and
// best-effort appends it to the journal. Persistence failures are
// counted but never returned to the caller.
func (s *Store) Push(env envelope.Envelope) {
	s.mu.Lock()
	s.buf[s.cursor] = env
	s.cursor = (s.cursor + 1) % s.capacity
	if s.count < s.capacity {
		s.count++
	}
	s.mu.Unlock()

	if s.journal != nil {
		s.appendJournal(env)
	}
}

func (s *Store) appendJournal(env envelope.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		s.notePersistError(err)
		return
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.journalSize+int64(len(b)) > rotateAtBytes {
		if err := s.rotateLocked(); err != nil {
			// rotation failures are silent; journal continues until next threshold
		}
	}
	n, err := s.journal.Write(b)
	if err != nil {
		s.notePersistErrorLocked(err)
		return
	}
	s.journalSize += int64(n)
}

func (s *Store) notePersistError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notePersistErrorLocked(err)
}

func (s *Store) notePersistErrorLocked(err error) {
	s.persistErrors++
	s.lastPersistErr = err.Error()
	s.lastPersistTime = time.Now().UTC()
	if s.log != nil && time.Since(s.lastWarnLog) >= warnInterval {
		s.lastWarnLog = time.Now()
		s.log.Warn(context.Background(), "journal persist failure",
			logging.Field{K: "count", V: s.persistErrors},
			logging.Field{K: "error", V: err.Error()},
		)
	}
}

// rotateLocked shifts .5->(delete), .4->.5, ..., .1->.2, active->.1, then
// reopens the active file empty. Caller must hold s.mu.
func (s *Store) rotateLocked() error {
	_ = s.journal.Close()
	for i := maxRotatedKept; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", s.persistPath, i)
		if i == maxRotatedKept {
			_ = os.Remove(src)
			continue
		}
		dst := fmt.Sprintf("%s.%d", s.persistPath, i+1)
		_ = os.Rename(src, dst)
	}
	_ = os.Rename(s.persistPath, s.persistPath+".1")
	f, err := os.OpenFile(s.persistPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		s.journal = nil
		return err
	}
	s.journal = f
	s.journalSize = 0
	return nil
}

// Query returns a chronologically ordered slice. Filters compose: type,
// then since (strict timestamp greater-than), then the last limit
// entries. limit <= 0 returns an empty slice.
func (s *Store) Query(q Query) []envelope.Envelope {
	s.mu.Lock()
	ordered := s.orderedLocked()
	s.mu.Unlock()

	filtered := make([]envelope.Envelope, 0, len(ordered))
	for _, e := range ordered {
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if q.Since != "" && e.Timestamp <= q.Since {
			continue
		}
		filtered = append(filtered, e)
	}
	if q.Limit <= 0 {
		return []envelope.Envelope{}
	}
	if len(filtered) > q.Limit {
		filtered = filtered[len(filtered)-q.Limit:]
	}
	return filtered
}

// Last returns the newest n envelopes in chronological order.
func (s *Store) Last(n int) []envelope.Envelope {
	s.mu.Lock()
	ordered := s.orderedLocked()
	s.mu.Unlock()
	if n <= 0 {
		return []envelope.Envelope{}
	}
	if len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// orderedLocked returns the buffer contents in insertion order. Caller
// must hold s.mu.
func (s *Store) orderedLocked() []envelope.Envelope {
	out := make([]envelope.Envelope, 0, s.count)
	if s.count < s.capacity {
		out = append(out, s.buf[:s.count]...)
		return out
	}
	out = append(out, s.buf[s.cursor:]...)
	out = append(out, s.buf[:s.cursor]...)
	return out
}

// Size returns the current number of retained envelopes.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// TypeCounts returns a count of retained envelopes per type. The sum of
// values always equals Size().
func (s *Store) TypeCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range s.orderedLocked() {
		counts[e.Type]++
	}
	return counts
}

// PersistErrors returns the cumulative count of journal write/marshal
// failures since construction.
func (s *Store) PersistErrors() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistErrors
}

// LastPersistError returns the time and message of the most recent
// persistence failure, or a zero time if none occurred.
func (s *Store) LastPersistError() (time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPersistTime, s.lastPersistErr
}

// Close closes the underlying journal file, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}
