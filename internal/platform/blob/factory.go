package blob

import (
	"context"
	"fmt"

	"hookrelay/internal/platform/config"
)

// New builds the configured store. Backend "none" yields a nil Store, in
// which case payloads are always kept inline.
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "fs":
		return NewFSStore(cfg.FS.Path)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported blob backend %q", cfg.Backend)
	}
}
