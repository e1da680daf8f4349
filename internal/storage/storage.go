// Package storage persists conversation artifacts (transcripts and
// recordings) as flat files keyed by slash-separated names such as
// "conversations/<id>.json".
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// Key prefixes used by the relay and the REST API.
const (
	ConversationsPrefix = "conversations/"
	RecordingsPrefix    = "recordings/"
)

// ErrNotFound is returned by Read when no object exists under the key.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidKey is returned for keys that are empty or escape the root.
var ErrInvalidKey = errors.New("storage: invalid key")

// Storage is a minimal durable key/value blob store.
type Storage interface {
	// Write stores data under key, replacing any previous object, and returns
	// the location it was written to.
	Write(ctx context.Context, key string, data []byte) (string, error)

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Read returns the object stored under key or [ErrNotFound].
	Read(ctx context.Context, key string) ([]byte, error)

	// List returns the keys that start with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ConversationKey returns the transcript key for a session.
func ConversationKey(sessionID string) string {
	return ConversationsPrefix + sessionID + ".json"
}

// RecordingKey returns the WAV recording key for a session.
func RecordingKey(sessionID string) string {
	return RecordingsPrefix + sessionID + ".wav"
}

// WriteJSON encodes v as indented JSON and writes it under key.
func WriteJSON(ctx context.Context, s Storage, key string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("storage: marshal %q: %w", key, err)
	}
	return s.Write(ctx, key, data)
}

// FS is a [Storage] rooted at a directory on the local filesystem. Writes
// go to a temporary file that is renamed into place.
type FS struct {
	root string
}

var _ Storage = (*FS)(nil)

// NewFS creates the root directory (and the standard prefixes) if needed.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, errors.New("storage: root directory must not be empty")
	}
	for _, dir := range []string{root, filepath.Join(root, ConversationsPrefix), filepath.Join(root, RecordingsPrefix)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %q: %w", dir, err)
		}
	}
	return &FS{root: root}, nil
}

// Root returns the directory backing the store.
func (f *FS) Root() string { return f.root }

func (f *FS) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean != key || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

// Write implements [Storage].
func (f *FS) Write(_ context.Context, key string, data []byte) (string, error) {
	p, err := f.resolve(key)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("storage: write %q: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("storage: write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("storage: write %q: %w", key, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("storage: write %q: %w", key, err)
	}
	return p, nil
}

// Exists implements [Storage].
func (f *FS) Exists(_ context.Context, key string) (bool, error) {
	p, err := f.resolve(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: stat %q: %w", key, err)
	}
	return !info.IsDir(), nil
}

// Read implements [Storage].
func (f *FS) Read(_ context.Context, key string) ([]byte, error) {
	p, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %q: %w", key, err)
	}
	return data, nil
}

// List implements [Storage]. Temporary files from in-flight writes are
// skipped.
func (f *FS) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %q: %w", prefix, err)
	}
	slices.Sort(keys)
	return keys, nil
}
