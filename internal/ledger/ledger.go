// Package ledger persists which mentions have been handled and the
// since_id high-watermark the mentions poll resumes from.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.crybb.tech/internal/xapi"
)

const (
	processedFile = "processed_ids.json"
	sinceFile     = "since_id.json"
)

// WriteError reports a failed durable write of a state file. Callers
// must abort the current batch without advancing the watermark.
type WriteError struct {
	File string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.File, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsWriteError reports whether err is a ledger WriteError
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

// Store is the durable processed-id ledger plus the high-watermark.
// All mutation happens under one mutex; every write rewrites the file
// via temp-fsync-rename so a crash never leaves a torn file.
type Store struct {
	mu  sync.Mutex
	dir string

	processed map[string]struct{}
	sinceID   string
}

// Open loads both state files from dir, creating dir if needed.
// Missing files start empty.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	s := &Store{
		dir:       dir,
		processed: make(map[string]struct{}),
	}

	if raw, err := os.ReadFile(filepath.Join(dir, processedFile)); err == nil {
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", processedFile, err)
		}
		for _, id := range ids {
			s.processed[id] = struct{}{}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if raw, err := os.ReadFile(filepath.Join(dir, sinceFile)); err == nil {
		var obj struct {
			SinceID string `json:"since_id"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", sinceFile, err)
		}
		s.sinceID = obj.SinceID
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	return s, nil
}

// MarkProcessed records id in the ledger, durable on return.
// Marking an already-processed id is a no-op.
func (s *Store) MarkProcessed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[id]; ok {
		return nil
	}
	s.processed[id] = struct{}{}
	if err := s.writeProcessedLocked(); err != nil {
		// Roll back so the in-memory set never claims an id the file
		// does not hold; otherwise the watermark could advance past it.
		delete(s.processed, id)
		return err
	}
	return nil
}

// IsProcessed reports whether id is in the ledger
func (s *Store) IsProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[id]
	return ok
}

// SinceID returns the current high-watermark, empty when unset
func (s *Store) SinceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinceID
}

// WriteSinceID advances the high-watermark to id. The watermark never
// regresses; a lower id is ignored.
func (s *Store) WriteSinceID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSinceIDLocked(id)
}

// AdvanceWatermark computes the longest prefix of batchIDs (ascending)
// whose ids are all processed and advances the watermark to its last
// element. Returns the new watermark.
func (s *Store) AdvanceWatermark(batchIDs []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := ""
	for _, id := range batchIDs {
		if _, ok := s.processed[id]; !ok {
			break
		}
		last = id
	}
	if last == "" {
		return s.sinceID, nil
	}

	if err := s.writeSinceIDLocked(last); err != nil {
		return "", err
	}
	return s.sinceID, nil
}

func (s *Store) writeSinceIDLocked(id string) error {
	if id == "" {
		return nil
	}
	if s.sinceID != "" && xapi.CompareIDs(id, s.sinceID) <= 0 {
		return nil
	}

	encoded, err := json.Marshal(struct {
		SinceID string `json:"since_id"`
	}{SinceID: id})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(s.dir, sinceFile), encoded); err != nil {
		return &WriteError{File: sinceFile, Err: err}
	}
	s.sinceID = id
	return nil
}

func (s *Store) writeProcessedLocked() error {
	ids := make([]string, 0, len(s.processed))
	for id := range s.processed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return xapi.CompareIDs(ids[i], ids[j]) < 0
	})

	encoded, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(s.dir, processedFile), encoded); err != nil {
		return &WriteError{File: processedFile, Err: err}
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory,
// fsyncs it, then renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
