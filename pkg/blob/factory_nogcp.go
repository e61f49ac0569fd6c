//go:build !gcp

package blob

import (
	"context"
	"fmt"
)

func newGCSFromURL(_ context.Context, _, _ string) (Store, error) {
	return nil, fmt.Errorf("blob: gcs support is not enabled in this build (use -tags gcp)")
}
