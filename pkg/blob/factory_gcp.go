//go:build gcp

package blob

import "context"

func newGCSStore(ctx context.Context, cfg GCSConfig, alg Algorithm) (Store, error) {
	return NewGCSStore(ctx, cfg, alg)
}
