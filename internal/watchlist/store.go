// Package watchlist persists the set of watched channels and their
// per-channel watermarks across restarts.
//
// The store is a single JSON file guarded by an in-process RWMutex and a
// cross-process advisory file lock; every mutation is written atomically
// before the call returns, so a crash can lose at most the change in flight.
package watchlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	schemaVersion = "1.0"
	lockTimeout   = 5 * time.Second
)

// Sentinel errors for watchlist operations.
var (
	ErrNotFound      = errors.New("watchlist: entry not found")
	ErrAlreadyExists = errors.New("watchlist: entry already exists")
	ErrInvalidEntry  = errors.New("watchlist: invalid entry")
	ErrCorrupt       = errors.New("watchlist: data corruption detected")
	ErrLockTimeout   = errors.New("watchlist: timeout acquiring file lock")
)

// StoreError wraps errors with context about the failed operation.
type StoreError struct {
	Op     string // "add", "remove", "advance", "read", "write", "lock"
	Handle string // channel handle involved, if any
	Err    error
}

func (e *StoreError) Error() string {
	if e.Handle != "" {
		return fmt.Sprintf("watchlist: %s %s: %v", e.Op, e.Handle, e.Err)
	}
	return fmt.Sprintf("watchlist: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Mode selects how the daemon archives a channel's new uploads.
type Mode string

const (
	// ModeVideo enqueues one video job per new upload.
	ModeVideo Mode = "video"
	// ModeChannel enqueues a single channel job when new uploads appear.
	ModeChannel Mode = "channel"
	// ModeShorts watches the Shorts feed and enqueues a shorts job.
	ModeShorts Mode = "shorts"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeVideo, ModeChannel, ModeShorts:
		return true
	}
	return false
}

// Entry is one watched channel.
type Entry struct {
	// ID is the entry's unique identifier.
	ID string `json:"id"`

	// Handle is the normalized channel handle (@name). Unique per store.
	Handle string `json:"handle"`

	// Mode selects how new uploads are archived.
	Mode Mode `json:"mode"`

	// LastSeenVideoID is the newest upload observed at the last poll.
	// Empty means the channel has never been polled.
	LastSeenVideoID string `json:"last_seen_video_id,omitempty"`

	// LastSeenPublished is the published time of LastSeenVideoID.
	// The watermark only ever moves forward along this time.
	LastSeenPublished time.Time `json:"last_seen_published,omitempty"`

	// Subtitles requests subtitle downloads for this channel's jobs.
	Subtitles bool `json:"subtitles,omitempty"`

	// OutputDir overrides the archive directory for this channel.
	OutputDir string `json:"output_dir,omitempty"`

	AddedAt       time.Time `json:"added_at"`
	LastCheckedAt time.Time `json:"last_checked_at,omitempty"`
}

// storeData is the top-level JSON structure of the watchlist file.
type storeData struct {
	Version   string            `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
	Entries   map[string]*Entry `json:"entries"` // keyed by normalized handle
}

// Store is a single-file JSON watchlist.
type Store struct {
	path string
	lock *FileLock
	data *storeData
	mu   sync.RWMutex
}

// Open loads the watchlist at path, creating an empty one if none exists.
// The store holds a cross-process file lock until Close.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		lock: NewFileLock(path),
	}

	if err := s.lock.Lock(lockTimeout); err != nil {
		return nil, err
	}

	if err := s.load(); err != nil {
		s.lock.Unlock()
		return nil, err
	}

	return s, nil
}

// load reads the JSON file into memory. Creates empty data if absent.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.data = &storeData{
				Version:   schemaVersion,
				UpdatedAt: time.Now(),
				Entries:   make(map[string]*Entry),
			}
			// Save immediately to catch permission errors early.
			return s.save()
		}
		return &StoreError{Op: "read", Err: err}
	}

	s.data = &storeData{}
	if err := json.Unmarshal(data, s.data); err != nil {
		return &StoreError{Op: "read", Err: ErrCorrupt}
	}
	if s.data.Entries == nil {
		s.data.Entries = make(map[string]*Entry)
	}

	return nil
}

// save persists the data to disk atomically.
func (s *Store) save() error {
	s.data.UpdatedAt = time.Now()

	writer, err := NewAtomicWriter(s.path)
	if err != nil {
		return &StoreError{Op: "write", Err: err}
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		writer.Abort()
		return &StoreError{Op: "write", Err: err}
	}

	if err := writer.Commit(); err != nil {
		return &StoreError{Op: "write", Err: err}
	}

	return nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.Unlock()
}

// NormalizeHandle canonicalizes a channel handle: trimmed, lowercased,
// leading @ ensured. All store lookups use the normalized form.
func NormalizeHandle(handle string) string {
	handle = strings.TrimSpace(handle)
	handle = strings.TrimPrefix(handle, "@")
	handle = strings.ToLower(handle)
	if handle == "" {
		return ""
	}
	return "@" + handle
}

// Add inserts a new watched channel. The handle is normalized before
// insertion; a duplicate handle returns ErrAlreadyExists.
func (s *Store) Add(entry *Entry) error {
	handle := NormalizeHandle(entry.Handle)
	if handle == "" {
		return &StoreError{Op: "add", Handle: entry.Handle, Err: ErrInvalidEntry}
	}
	if entry.Mode == "" {
		entry.Mode = ModeVideo
	}
	if !entry.Mode.Valid() {
		return &StoreError{Op: "add", Handle: handle,
			Err: fmt.Errorf("%w: unknown mode %q", ErrInvalidEntry, entry.Mode)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Entries[handle]; exists {
		return &StoreError{Op: "add", Handle: handle, Err: ErrAlreadyExists}
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Handle = handle
	entry.AddedAt = time.Now()

	s.data.Entries[handle] = entry
	return s.save()
}

// Remove deletes a watched channel by handle.
func (s *Store) Remove(handle string) error {
	handle = NormalizeHandle(handle)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Entries[handle]; !exists {
		return &StoreError{Op: "remove", Handle: handle, Err: ErrNotFound}
	}

	delete(s.data.Entries, handle)
	return s.save()
}

// Get returns a copy of the entry for handle.
func (s *Store) Get(handle string) (Entry, error) {
	handle = NormalizeHandle(handle)

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.data.Entries[handle]
	if !exists {
		return Entry{}, &StoreError{Op: "read", Handle: handle, Err: ErrNotFound}
	}
	return *entry, nil
}

// List returns copies of all entries, ordered by handle.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.data.Entries))
	for _, e := range s.data.Entries {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Handle < entries[j].Handle
	})
	return entries
}

// Advance moves the channel's watermark forward to the given upload.
// The watermark is monotone: an upload published at or before the current
// watermark leaves it unchanged, so a stale poll result can never rewind
// the dedup horizon.
func (s *Store) Advance(handle, videoID string, published time.Time) error {
	handle = NormalizeHandle(handle)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.data.Entries[handle]
	if !exists {
		return &StoreError{Op: "advance", Handle: handle, Err: ErrNotFound}
	}

	if !entry.LastSeenPublished.IsZero() && !published.After(entry.LastSeenPublished) {
		return nil
	}

	entry.LastSeenVideoID = videoID
	entry.LastSeenPublished = published
	return s.save()
}

// Touch records that the channel was polled, without moving the watermark.
func (s *Store) Touch(handle string) error {
	handle = NormalizeHandle(handle)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.data.Entries[handle]
	if !exists {
		return &StoreError{Op: "touch", Handle: handle, Err: ErrNotFound}
	}

	entry.LastCheckedAt = time.Now()
	return s.save()
}

// Len returns the number of watched channels.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.Entries)
}
