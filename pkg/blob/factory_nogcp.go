//go:build !gcp

package blob

import (
	"context"
	"errors"
)

func newGCSStore(_ context.Context, _ GCSConfig, _ Algorithm) (Store, error) {
	return nil, errors.New("GCS support not compiled in (build with -tags gcp)")
}
