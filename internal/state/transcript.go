// internal/state/transcript.go
package state

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/user/conclave/internal/types"
)

const maxEntryBytes = 8 << 20

// TranscriptStore is a JSONL-backed append-only transcript log.
// Entries are stored per conversation in transcripts/<conversation>.jsonl.
type TranscriptStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.ConversationID]*sync.Mutex
}

// NewTranscriptStore creates a file-backed TranscriptStore rooted at the given directory.
func NewTranscriptStore(root string) *TranscriptStore {
	return &TranscriptStore{
		root:  root,
		locks: make(map[types.ConversationID]*sync.Mutex),
	}
}

func (s *TranscriptStore) getLock(id types.ConversationID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

var safeName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// fileName maps a caller-supplied conversation id to a file name. Ids that
// are not plain tokens are hashed.
func fileName(id types.ConversationID) string {
	if safeName.MatchString(string(id)) {
		return string(id) + ".jsonl"
	}
	sum := sha256.Sum256([]byte(id))
	return "h-" + hex.EncodeToString(sum[:16]) + ".jsonl"
}

func (s *TranscriptStore) dir() string {
	return filepath.Join(s.root, "transcripts")
}

func (s *TranscriptStore) path(id types.ConversationID) string {
	return filepath.Join(s.dir(), fileName(id))
}

func newScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEntryBytes)
	return scanner
}

// count reads the transcript file and counts lines. Caller must hold the lock.
func (s *TranscriptStore) count(id types.ConversationID) (int64, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := newScanner(f)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan transcript: %w", err)
	}
	return count, nil
}

// Append adds an entry with the next sequence number. A blank ID or
// timestamp is filled in.
func (s *TranscriptStore) Append(_ context.Context, entry *types.TranscriptEntry) error {
	lock := s.getLock(entry.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}

	existing, err := s.count(entry.ConversationID)
	if err != nil {
		return err
	}
	entry.Seq = existing + 1
	if entry.ID == "" {
		entry.ID = types.NewEntryID()
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	f, err := os.OpenFile(s.path(entry.ConversationID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// Tail returns the last limit entries for a conversation. A limit of zero or
// less returns all of them.
func (s *TranscriptStore) Tail(_ context.Context, id types.ConversationID, limit int) ([]*types.TranscriptEntry, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var entries []*types.TranscriptEntry
	scanner := newScanner(f)
	for scanner.Scan() {
		var entry types.TranscriptEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Count returns the number of entries for a conversation.
func (s *TranscriptStore) Count(_ context.Context, id types.ConversationID) (int64, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.count(id)
}

// Prune deletes transcripts not written to since olderThan and returns how
// many were removed.
func (s *TranscriptStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read transcript dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(olderThan) {
			continue
		}
		if err := s.remove(filepath.Join(s.dir(), e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// remove deletes one transcript file while holding every conversation lock
// that could be writing it.
func (s *TranscriptStore) remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, lock := range s.locks {
		if s.path(id) == path {
			lock.Lock()
			defer lock.Unlock()
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove transcript: %w", err)
	}
	return nil
}
