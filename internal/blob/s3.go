package blob

import (
	"context"

	infraS3 "nanolab/internal/infra/blob/s3"
)

// S3Config re-exports the infra S3 configuration type.
type S3Config = infraS3.Config

// NewS3 constructs an S3-backed Store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return infraS3.New(ctx, cfg)
}

// NewMockS3 returns an S3 Store served by an in-process fake endpoint.
func NewMockS3() Store { return infraS3.NewMock() }
