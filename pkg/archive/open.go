package archive

import (
	"context"
	"fmt"
)

// Backend names an archive implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// Options selects and configures a backend.
type Options struct {
	Backend  Backend
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Open creates the configured Store. An empty backend means file.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		if opts.Dir == "" {
			opts.Dir = "data/archive"
		}
		return NewFileStore(opts.Dir)
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendS3:
		region := opts.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{Bucket: opts.Bucket, Region: region, Endpoint: opts.Endpoint, Prefix: opts.Prefix})
	case BackendGCS:
		return openGCS(ctx, opts)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", opts.Backend)
	}
}
