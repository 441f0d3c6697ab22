package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore is a filesystem-backed Store. Blobs live under
// <baseDir>/<algorithm>/<first two hex chars>/<hex>.blob, staged to a
// temporary file and published with an atomic rename.
type FileStore struct {
	baseDir string
	alg     Algorithm
	mu      sync.RWMutex
}

// NewFileStore creates a blob store rooted at baseDir. New content is hashed
// with alg; existing blobs of either algorithm remain readable.
func NewFileStore(baseDir string, alg Algorithm) (*FileStore, error) {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	//nolint:gosec // 0755 is intentional for the shared archive directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure blob dir: %w", err)
	}
	return &FileStore{baseDir: baseDir, alg: alg}, nil
}

func (s *FileStore) path(ref Ref) string {
	h := ref.Hex()
	return filepath.Join(s.baseDir, string(ref.Algorithm()), h[:2], h+".blob")
}

func (s *FileStore) Put(ctx context.Context, data []byte) (Ref, error) {
	ref, err := Sum(s.alg, data)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil // content already stored
	}

	//nolint:gosec // 0755 is intentional for the shared archive directory
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to ensure shard dir: %w", err)
	}

	// Stage to a temporary file in the same directory, then publish
	// atomically. A unique staging name keeps concurrent identical writes
	// from observing each other's partial data.
	tmp, err := os.CreateTemp(filepath.Dir(path), ref.Hex()+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to stage blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	return ref, nil
}

func (s *FileStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if _, err := ParseRef(string(ref)); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(ref)) //nolint:gosec // path derived from validated hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	if _, err := ParseRef(string(ref)); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.path(ref))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat blob: %w", err)
}

func (s *FileStore) Stat(ctx context.Context, ref Ref) (Info, error) {
	if _, err := ParseRef(string(ref)); err != nil {
		return Info{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	fi, err := os.Stat(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return Info{}, fmt.Errorf("failed to stat blob: %w", err)
	}
	return Info{Ref: ref, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (s *FileStore) Delete(ctx context.Context, ref Ref) error {
	if _, err := ParseRef(string(ref)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []Ref
	for _, alg := range []Algorithm{SHA256, Blake2b} {
		algDir := filepath.Join(s.baseDir, string(alg))
		shards, err := os.ReadDir(algDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to list blob dir: %w", err)
		}
		for _, shard := range shards {
			if !shard.IsDir() {
				continue
			}
			entries, err := os.ReadDir(filepath.Join(algDir, shard.Name()))
			if err != nil {
				return nil, fmt.Errorf("failed to list blob shard: %w", err)
			}
			for _, e := range entries {
				name := e.Name()
				if !strings.HasSuffix(name, ".blob") {
					continue
				}
				ref, err := ParseRef(string(alg) + ":" + strings.TrimSuffix(name, ".blob"))
				if err != nil {
					continue // foreign file, not one of ours
				}
				refs = append(refs, ref)
			}
		}
	}
	return refs, nil
}
