// Package archive uploads a completed run's directory (checkpoints, sample
// files, logs) to external storage.
package archive

import (
	"context"
)

// Uploader pushes a local run directory to an archive backend.
type Uploader interface {
	// Preflight verifies connectivity and write permission before the
	// batch starts, so misconfiguration fails fast instead of after
	// hours of benchmarking.
	Preflight(ctx context.Context) error

	// Upload recursively uploads localDir.
	Upload(ctx context.Context, localDir string) error
}
