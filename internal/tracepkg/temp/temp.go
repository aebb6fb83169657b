// Package temp implements the namespaced scratch directory and index
// described in spec.md §4.1: every other component stores its artifacts
// here instead of scattering temp files across the filesystem.
package temp

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidTempPath is returned when a path escapes the store's root.
var ErrInvalidTempPath = errors.New("invalid temp path: escapes store root")

// ErrProtected is returned when a deletion would remove a protected file.
var ErrProtected = errors.New("refusing to delete protected file")

// entry is the per-path metadata kept in the store's JSON index.
type entry struct {
	JSON       bool `json:"json"`
	Protected  bool `json:"protected"`
	Compressed bool `json:"compressed"`
}

// Store is a disciplined scratch area rooted at <repo>/tmp (spec.md §4.1).
type Store struct {
	root      string
	indexPath string

	mu    sync.Mutex
	index map[string]entry
}

// Open creates (if needed) the store root and loads its index file.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("temp: create root %s: %w", root, err)
	}
	s := &Store{
		root:      root,
		indexPath: filepath.Join(root, ".index"),
		index:     make(map[string]entry),
	}
	if b, err := os.ReadFile(s.indexPath); err == nil {
		if err := json.Unmarshal(b, &s.index); err != nil {
			return nil, fmt.Errorf("temp: corrupt index: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

// normalize resolves path relative to the store root and rejects any result
// that escapes it (spec.md §4.1 "InvalidTempPath").
func (s *Store) normalize(path string) (string, error) {
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Clean(filepath.Join(s.root, path))
	}
	rootClean := filepath.Clean(s.root)
	rel, err := filepath.Rel(rootClean, abs)
	if err != nil || rel == ".." || len(rel) >= 3 && rel[:3] == "../" {
		return "", ErrInvalidTempPath
	}
	for p := rel; p != "." && p != "/"; p = filepath.Dir(p) {
		if p == ".." {
			return "", ErrInvalidTempPath
		}
	}
	return abs, nil
}

// TouchDir creates a directory (and parents) inside the store.
func (s *Store) TouchDir(path string) (string, error) {
	abs, err := s.normalize(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// TouchFile creates an empty file (and parent dirs), optionally marking it
// protected, and records it in the index.
func (s *Store) TouchFile(path string, protect bool) (string, error) {
	abs, err := s.normalize(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	f.Close()

	s.mu.Lock()
	s.index[abs] = entry{Protected: protect}
	s.mu.Unlock()
	return abs, s.synchronize()
}

// StoreOpts configures Store(path, ...).
type StoreOpts struct {
	JSON      bool
	Compress  bool
	Protected bool
}

// StoreBytes writes raw bytes (optionally gzip-compressed) to path and
// records the entry in the index.
func (s *Store) StoreBytes(path string, data []byte, opts StoreOpts) error {
	abs, err := s.normalize(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}

	payload := data
	if opts.Compress {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return err
		}
		if err := gw.Close(); err != nil {
			return err
		}
		payload = buf.Bytes()
	}
	if err := os.WriteFile(abs, payload, 0o644); err != nil {
		return err
	}

	s.mu.Lock()
	s.index[abs] = entry{JSON: opts.JSON, Protected: opts.Protected, Compressed: opts.Compress}
	s.mu.Unlock()
	return s.synchronize()
}

// StoreValue JSON-encodes value and writes it via StoreBytes with JSON:true.
func (s *Store) StoreValue(path string, value any, opts StoreOpts) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	opts.JSON = true
	return s.StoreBytes(path, b, opts)
}

// Read transparently decompresses and/or JSON-decodes according to the
// index entry, returning raw bytes (JSON-decoding is left to ReadValue).
func (s *Store) Read(path string) ([]byte, error) {
	abs, err := s.normalize(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	e := s.index[abs]
	s.mu.Unlock()

	if !e.Compressed {
		return raw, nil
	}
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// ReadValue reads and JSON-decodes path into v.
func (s *Store) ReadValue(path string, v any) error {
	raw, err := s.Read(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Reset truncates a file in place, keeping its index entry.
func (s *Store) Reset(path string) error {
	abs, err := s.normalize(path)
	if err != nil {
		return err
	}
	return os.Truncate(abs, 0)
}

// ListAll returns every indexed path under root (or the whole index if root
// is empty).
func (s *Store) ListAll(root string) ([]string, error) {
	var prefix string
	if root != "" {
		abs, err := s.normalize(root)
		if err != nil {
			return nil, err
		}
		prefix = abs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p := range s.index {
		if prefix == "" || p == prefix || (len(p) > len(prefix) && p[:len(prefix)+1] == prefix+string(filepath.Separator)) {
			out = append(out, p)
		}
	}
	return out, nil
}

// SetProtected flips the protected flag for an indexed path.
func (s *Store) SetProtected(path string, protected bool) error {
	abs, err := s.normalize(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	e := s.index[abs]
	e.Protected = protected
	s.index[abs] = e
	s.mu.Unlock()
	return s.synchronize()
}

// DeleteFile removes a file, honoring the protection policy from spec.md
// §4.1: deleting a protected file fails with ErrProtected unless
// ignoreProtected or force is set.
func (s *Store) DeleteFile(path string, ignoreProtected, force bool) error {
	abs, err := s.normalize(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	e, known := s.index[abs]
	s.mu.Unlock()

	if known && e.Protected && !ignoreProtected && !force {
		return fmt.Errorf("%w: %s", ErrProtected, abs)
	}

	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return err
	}

	s.mu.Lock()
	delete(s.index, abs)
	s.mu.Unlock()
	return s.synchronize()
}

// DeleteDir removes every file under root. Deletion aborts (leaving the
// filesystem untouched) if any protected file would be lost, unless
// ignoreProtected or force is set.
func (s *Store) DeleteDir(root string, ignoreProtected, force bool) error {
	abs, err := s.normalize(root)
	if err != nil {
		return err
	}

	if !ignoreProtected && !force {
		paths, _ := s.ListAll(root)
		for _, p := range paths {
			s.mu.Lock()
			e := s.index[p]
			s.mu.Unlock()
			if e.Protected {
				return fmt.Errorf("%w: directory %s contains protected file %s", ErrProtected, abs, p)
			}
		}
	}

	if err := os.RemoveAll(abs); err != nil {
		return err
	}

	s.mu.Lock()
	for p := range s.index {
		if p == abs || (len(p) > len(abs) && p[:len(abs)+1] == abs+string(filepath.Separator)) {
			delete(s.index, p)
		}
	}
	s.mu.Unlock()
	return s.synchronize()
}

// SynchronizeIndex removes index entries whose file no longer exists
// (spec.md "TempIndexInconsistent").
func (s *Store) SynchronizeIndex() error {
	s.mu.Lock()
	for p := range s.index {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			delete(s.index, p)
		}
	}
	s.mu.Unlock()
	return s.synchronize()
}

// synchronize atomically rewrites the index file.
func (s *Store) synchronize() error {
	s.mu.Lock()
	b, err := json.MarshalIndent(s.index, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath)
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }
