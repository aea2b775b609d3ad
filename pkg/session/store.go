package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound is returned when no checkpoint exists for the id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStateCorrupt is returned when a checkpoint exists but fails to
	// parse. Corrupt state is never silently reset.
	ErrStateCorrupt = errors.New("session state corrupt")

	// ErrInvalidSessionID is returned for keys that could escape the
	// checkpoint directory.
	ErrInvalidSessionID = errors.New("invalid session id")
)

const lockStripes = 64

// Store persists session state as one JSON file per session under a base
// directory. Writes are atomic: temp file in the same directory, fsync,
// then rename over the target. A striped per-session lock serializes
// load-modify-save cycles.
type Store struct {
	dir   string
	locks [lockStripes]sync.Mutex
}

// NewStore creates the base directory if needed and returns a Store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the checkpoint base directory.
func (s *Store) Dir() string {
	return s.dir
}

// Lock acquires the session's stripe lock and returns the unlock func.
// Callers hold it for the full load-pipeline-save cycle.
func (s *Store) Lock(sessionID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Path returns the checkpoint file path for a session id.
func (s *Store) Path(sessionID string) (string, error) {
	if err := validateSessionID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, sessionID+".json"), nil
}

// Save writes the full state atomically and returns the file path.
func (s *Store) Save(state *State) (string, error) {
	if state == nil {
		return "", fmt.Errorf("cannot save nil state")
	}
	path, err := s.Path(state.SessionID)
	if err != nil {
		return "", err
	}

	state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize session %s: %w", state.SessionID, err)
	}

	tmp, err := os.CreateTemp(s.dir, state.SessionID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to publish checkpoint: %w", err)
	}

	slog.Debug("Saved checkpoint", "session_id", state.SessionID, "path", path)
	return path, nil
}

// Load reads a session's checkpoint. A missing file returns
// ErrSessionNotFound; a malformed file returns ErrStateCorrupt.
func (s *Store) Load(sessionID string) (*State, error) {
	path, err := s.Path(sessionID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, path, err)
	}

	return &state, nil
}

// Delete removes a session's checkpoint. Deleting a missing session is
// not an error.
func (s *Store) Delete(sessionID string) error {
	path, err := s.Path(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint %s: %w", path, err)
	}
	return nil
}

// validateSessionID rejects keys that could traverse outside the
// checkpoint directory. Session ids are opaque but must stay single
// path components.
func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if strings.ContainsAny(sessionID, "/\\") || strings.Contains(sessionID, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	if sessionID != filepath.Base(sessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	return nil
}
