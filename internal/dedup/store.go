// Package dedup persists the set of canonical URLs that have already been
// republished, so an item is never published twice even across restarts.
package dedup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// StoreInterface defines the contract the orchestrator depends on.
type StoreInterface interface {
	Contains(url string) bool
	Record(url string) error
	Clear() error
	Len() int
}

// Store is a file-backed set of canonical URLs. The backing file is a plain
// line-delimited list: append-only during normal operation, truncated only
// by an explicit operator reset.
type Store struct {
	path string
	mu   sync.Mutex
	seen map[string]struct{}
	file *os.File
}

// Ensure Store implements StoreInterface
var _ StoreInterface = (*Store)(nil)

// Load opens (creating if necessary) the backing file and reads all recorded
// URLs into memory. Safe to call on an already-loaded store: the set is
// rebuilt from the file, never appended to itself.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create dedup directory: %w", err)
	}

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open dedup file %s: %w", s.path, err)
	}

	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			seen[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		file.Close()
		return fmt.Errorf("failed to read dedup file %s: %w", s.path, err)
	}

	s.file = file
	s.seen = seen
	logrus.Infof("Loaded %d previously published links from %s", len(seen), s.path)
	return nil
}

// Contains reports whether the URL has already been published.
func (s *Store) Contains(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[url]
	return ok
}

// Record appends the URL to the backing file and syncs it to disk before
// returning. Durability here is a correctness requirement: the caller must
// not treat an item as published until its URL survives a crash.
func (s *Store) Record(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[url]; ok {
		return nil
	}

	if _, err := s.file.WriteString(url + "\n"); err != nil {
		return fmt.Errorf("failed to append to dedup file: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync dedup file: %w", err)
	}

	s.seen[url] = struct{}{}
	return nil
}

// Clear wipes both the in-memory set and the backing file. Used only by the
// operator-triggered reset; callers never observe a partially cleared store.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate dedup file: %w", err)
	}
	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to rewind dedup file: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync dedup file: %w", err)
	}

	s.seen = make(map[string]struct{})
	logrus.Info("Cleared published-links store")
	return nil
}

// Len returns the number of recorded URLs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Close releases the backing file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
