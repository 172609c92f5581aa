// Package dedup implements the Duplicate-Check Store (C8, §4.8): a
// keyed set with time-based expiry used to suppress re-sending a file
// the system has already transferred.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// KeyMode selects which fields compose a duplicate-check key, §4.8
// "name-only, size+name, mtime+name, content-hash, or combinations
// selected by dup_check_flag".
type KeyMode uint8

// Key modes
const (
	KeyName KeyMode = 1 << iota
	KeySize
	KeyMtime
	KeyContentHash
)

func (m KeyMode) has(bit KeyMode) bool { return m&bit != 0 }

// Action is the policy applied when a duplicate is found, §4.8 "actions
// on duplicate are policy-selected (skip, delete source, log-only)".
type Action uint8

// Duplicate actions
const (
	ActionSkip Action = iota
	ActionDeleteSource
	ActionLogOnly
)

// Candidate describes one file being checked for duplication.
type Candidate struct {
	Name       string
	Size       int64
	Mtime      int64
	LocalPath  string // required when KeyContentHash is set
}

// Store is a keyed set with per-entry expiry, backed by go-cache.
type Store struct {
	cache *gocache.Cache
	mode  KeyMode
}

// New creates a Store whose entries expire after timeout (dup_check_timeout).
// cleanupInterval controls how often go-cache sweeps expired entries.
func New(mode KeyMode, timeout, cleanupInterval time.Duration) *Store {
	return &Store{cache: gocache.New(timeout, cleanupInterval), mode: mode}
}

// Key computes the fingerprint for c under the store's configured mode.
func (s *Store) Key(c Candidate) (string, error) {
	key := ""
	if s.mode.has(KeyName) {
		key += "n:" + c.Name + "|"
	}
	if s.mode.has(KeySize) {
		key += fmt.Sprintf("s:%d|", c.Size)
	}
	if s.mode.has(KeyMtime) {
		key += fmt.Sprintf("m:%d|", c.Mtime)
	}
	if s.mode.has(KeyContentHash) {
		sum, err := hashFile(c.LocalPath)
		if err != nil {
			return "", fmt.Errorf("dedup: hash %s: %w", c.LocalPath, err)
		}
		key += "h:" + sum + "|"
	}
	if key == "" {
		key = "n:" + c.Name + "|"
	}
	return key, nil
}

// Seen reports whether c's key is already present (not yet expired).
func (s *Store) Seen(c Candidate) (bool, error) {
	key, err := s.Key(c)
	if err != nil {
		return false, err
	}
	_, found := s.cache.Get(key)
	return found, nil
}

// Record inserts c's key with the store's configured expiry, recording a
// logical CRC ID as the cached value for later inspection.
func (s *Store) Record(c Candidate) (string, error) {
	key, err := s.Key(c)
	if err != nil {
		return "", err
	}
	id := shortID(key)
	s.cache.SetDefault(key, id)
	return id, nil
}

// ItemCount reports the number of live (unexpired) entries.
func (s *Store) ItemCount() int { return s.cache.ItemCount() }

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func shortID(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:4])
}
