package blob

import (
	"context"
	"fmt"

	"pulsewatch/internal/infra/blob/fs"
	"pulsewatch/internal/infra/blob/gcs"
	"pulsewatch/internal/infra/blob/memory"
	"pulsewatch/internal/infra/blob/s3"
)

type (
	// S3Config configures the S3 driver.
	S3Config = s3.Config
	// GCSConfig configures the GCS driver.
	GCSConfig = gcs.Config
)

// Config selects and configures a driver.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
	GCS    GCSConfig
}

// Open returns the Store for cfg.Driver (default fs).
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverS3:
		return s3.New(ctx, cfg.S3)
	case DriverGCS:
		return gcs.New(ctx, cfg.GCS)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store { return memory.New() }

// NewS3Mock returns an S3 Store backed by an in-process fake endpoint.
func NewS3Mock() Store { return s3.NewMockForTests() }
