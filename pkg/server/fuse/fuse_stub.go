//go:build !linux

package fuse

import (
	"context"
	"fmt"

	"github.com/jacktea/xblob/pkg/vfs"
)

// Mount is only available on linux.
func Mount(ctx context.Context, view *vfs.FS, mountpoint string, opts Options) error {
	return fmt.Errorf("fuse mount not supported in this build")
}
