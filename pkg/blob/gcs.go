//go:build gcp

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore is a Store backed by Google Cloud Storage. Objects are keyed
// <prefix><algorithm>/<hex>.blob, the same layout S3Store uses.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	alg    Algorithm
}

// NewGCSStore creates a GCS-backed blob store using ambient credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig, alg Algorithm) (*GCSStore, error) {
	if alg == "" {
		alg = DefaultAlgorithm
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		alg:    alg,
	}, nil
}

func (s *GCSStore) key(ref Ref) string {
	return s.prefix + string(ref.Algorithm()) + "/" + ref.Hex() + ".blob"
}

func (s *GCSStore) refFromKey(key string) (Ref, bool) {
	rest := strings.TrimPrefix(key, s.prefix)
	alg, name, ok := strings.Cut(rest, "/")
	if !ok || !strings.HasSuffix(name, ".blob") {
		return "", false
	}
	ref, err := ParseRef(alg + ":" + strings.TrimSuffix(name, ".blob"))
	if err != nil {
		return "", false
	}
	return ref, true
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (Ref, error) {
	ref, err := Sum(s.alg, data)
	if err != nil {
		return "", err
	}
	obj := s.client.Bucket(s.bucket).Object(s.key(ref))

	_, err = obj.Attrs(ctx)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("gcs attrs failed: %w", err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if _, err := ParseRef(string(ref)); err != nil {
		return nil, err
	}

	r, err := s.client.Bucket(s.bucket).Object(s.key(ref)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed for %s: %w", ref, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	if _, err := ParseRef(string(ref)); err != nil {
		return false, err
	}

	_, err := s.client.Bucket(s.bucket).Object(s.key(ref)).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("gcs attrs failed: %w", err)
}

func (s *GCSStore) Stat(ctx context.Context, ref Ref) (Info, error) {
	if _, err := ParseRef(string(ref)); err != nil {
		return Info{}, err
	}

	attrs, err := s.client.Bucket(s.bucket).Object(s.key(ref)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return Info{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return Info{}, fmt.Errorf("gcs attrs failed: %w", err)
	}
	return Info{
		Ref:     ref,
		Size:    attrs.Size,
		ModTime: attrs.Updated,
	}, nil
}

func (s *GCSStore) Delete(ctx context.Context, ref Ref) error {
	if _, err := ParseRef(string(ref)); err != nil {
		return err
	}

	err := s.client.Bucket(s.bucket).Object(s.key(ref)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", ref, err)
	}
	return nil
}

func (s *GCSStore) List(ctx context.Context) ([]Ref, error) {
	var refs []Ref
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed: %w", err)
		}
		if ref, ok := s.refFromKey(attrs.Name); ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// Close releases the underlying GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
