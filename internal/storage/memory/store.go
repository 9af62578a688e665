// Package memory keeps crawled bodies in process memory, for tests and dry
// runs.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ErrEntryClosed is returned when writing to an entry that was already closed.
var ErrEntryClosed = errors.New("entry already closed")

// Store holds entries in a map keyed by location.
type Store struct {
	mu      sync.RWMutex
	prefix  string
	next    int
	entries map[string][]byte
	resets  int
}

// New creates an empty store whose locations start with memory://name/.
func New(name string) *Store {
	if name == "" {
		name = "files"
	}
	return &Store{
		prefix:  "memory://" + name + "/",
		entries: make(map[string][]byte),
	}
}

// Reset discards every entry.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]byte)
	s.next = 0
	s.resets++
	return nil
}

// CreateEntry reserves a location and returns a writer that commits its
// buffered bytes on Close.
func (s *Store) CreateEntry(ctx context.Context) (io.WriteCloser, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("create entry: %w", err)
	}
	s.mu.Lock()
	s.next++
	location := fmt.Sprintf("%sentry-%d", s.prefix, s.next)
	s.mu.Unlock()
	return &entryWriter{store: s, location: location}, location, nil
}

// Get returns a copy of the body stored at location.
func (s *Store) Get(location string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.entries[location]
	if !ok {
		return nil, false
	}
	return append([]byte{}, body...), true
}

// Locations lists every committed entry in sorted order.
func (s *Store) Locations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for loc := range s.entries {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of committed entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Resets reports how many times Reset has been called.
func (s *Store) Resets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resets
}

func (s *Store) commit(location string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[location] = body
}

type entryWriter struct {
	store    *Store
	location string
	buf      bytes.Buffer
	closed   bool
}

func (w *entryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrEntryClosed
	}
	n, err := w.buf.Write(p)
	if err != nil {
		return n, fmt.Errorf("buffer entry: %w", err)
	}
	return n, nil
}

func (w *entryWriter) Close() error {
	if w.closed {
		return ErrEntryClosed
	}
	w.closed = true
	w.store.commit(w.location, append([]byte{}, w.buf.Bytes()...))
	return nil
}
