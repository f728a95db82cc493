// Package taskdir implements the per-task scratch directory store: uploaded
// sources, rasterized pages, AI artifacts and the liveness marker all live in
// one directory per task under a fixed root.
package taskdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// activeMarker holds the last-active timestamp as epoch milliseconds.
const activeMarker = ".active"

var (
	// ErrNotFound is returned when a task or a file inside it does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidID is returned when a task id is not a generated uuid.
	ErrInvalidID = errors.New("invalid task id")
	// ErrInvalidName is returned when a file name is not a bare path segment.
	ErrInvalidName = errors.New("invalid file name")
)

// Store is a filesystem namespace of task directories under a single root.
type Store struct {
	root string
}

// New creates the root directory if needed and returns a Store over it.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating uploads root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the uploads root path.
func (s *Store) Root() string {
	return s.root
}

// ValidateID rejects anything that is not a uuid. Task ids arrive from
// clients on most routes and are joined into filesystem paths, so only the
// exact shape we generate is accepted.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// CleanFilename validates a client-supplied file name as a bare path
// segment: no separators, no traversal, no hidden files.
func CleanFilename(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

func safeName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Create generates a new task id and materializes its empty directory.
func (s *Store) Create() (string, error) {
	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Join(s.root, id), 0o755); err != nil {
		return "", fmt.Errorf("creating task directory: %w", err)
	}
	return id, nil
}

// Dir returns the directory path for a validated task id.
func (s *Store) Dir(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.root, id), nil
}

// Path joins a validated task id and file name under the root.
func (s *Store) Path(id, name string) (string, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return "", err
	}
	if err := safeName(name); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// WriteFile writes a file into the task directory, creating the directory if
// it does not exist yet. Last write wins.
func (s *Store) WriteFile(id, name string, data []byte) error {
	path, err := s.Path(id, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating task directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// ReadFile reads a file from the task directory. Returns ErrNotFound when the
// task or the file is absent.
func (s *Store) ReadFile(id, name string) ([]byte, error) {
	path, err := s.Path(id, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, id, name)
		}
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// WriteJSON marshals v with indentation and writes it into the task directory.
func (s *Store) WriteJSON(id, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return s.WriteFile(id, name, data)
}

// ReadJSON reads and unmarshals a JSON file from the task directory.
func (s *Store) ReadJSON(id, name string, v any) error {
	data, err := s.ReadFile(id, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a file exists inside the task directory.
func (s *Store) Exists(id, name string) bool {
	path, err := s.Path(id, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete removes the whole task directory. Deleting a task that does not
// exist is not an error.
func (s *Store) Delete(id string) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing task %s: %w", id, err)
	}
	return nil
}

// Touch refreshes the liveness marker to the current time, creating the task
// directory and the marker if absent. The marker never rolls back: a
// concurrent Touch that lost the race to a later timestamp keeps the later
// value.
func (s *Store) Touch(id string) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating task directory: %w", err)
	}
	now := time.Now().UnixMilli()
	if prev, ok, _ := s.lastActiveMillis(id); ok && prev > now {
		now = prev
	}
	path := filepath.Join(dir, activeMarker)
	if err := os.WriteFile(path, []byte(strconv.FormatInt(now, 10)), 0o644); err != nil {
		return fmt.Errorf("writing liveness marker: %w", err)
	}
	return nil
}

// LastActive returns the liveness marker of a task. ok is false when the
// task has no marker yet.
func (s *Store) LastActive(id string) (time.Time, bool, error) {
	ms, ok, err := s.lastActiveMillis(id)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *Store) lastActiveMillis(id string) (int64, bool, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return 0, false, err
	}
	data, err := os.ReadFile(filepath.Join(dir, activeMarker))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("reading liveness marker: %w", err)
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing liveness marker: %w", err)
	}
	return ms, true, nil
}

// Tasks lists the task ids present under the root. Entries that are not
// directories or not uuids are ignored.
func (s *Store) Tasks() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing uploads root: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if ValidateID(e.Name()) != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}
