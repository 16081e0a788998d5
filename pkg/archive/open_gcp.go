//go:build gcp

package archive

import "context"

func openGCS(ctx context.Context, opts Options) (Store, error) {
	return NewGCSStore(ctx, opts.Bucket, opts.Prefix)
}
