//go:build !gcp

package archive

import (
	"context"
	"errors"
)

func openGCS(context.Context, Options) (Store, error) {
	return nil, errors.New("GCS archive is not enabled in this build (use -tags gcp)")
}
