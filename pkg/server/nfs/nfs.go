// Package nfs exports the blob view over NFSv3. The export is read-only:
// blobs are published through the HTTP or S3 gateways.
package nfs

import (
	"context"
	"fmt"
	"net"

	billy "github.com/go-git/go-billy/v5"
	nfsproto "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"github.com/jacktea/xblob/pkg/vfs"
)

// Options control the exported NFS service.
type Options struct {
	// HandleCache controls how many active file handles are cached (default 1024).
	HandleCache int
}

// Serve exposes view over NFS at addr using default options.
func Serve(ctx context.Context, view *vfs.FS, addr string) error {
	return ServeWithOptions(ctx, view, addr, Options{})
}

// ServeWithOptions exposes view over NFS with custom options. It returns
// when ctx is canceled or the listener fails.
func ServeWithOptions(ctx context.Context, view *vfs.FS, addr string, opts Options) error {
	if view == nil {
		return fmt.Errorf("nfs: view is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if addr == "" {
		addr = ":2049"
	}
	cacheSize := opts.HandleCache
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	handler := nfshelper.NewNullAuthHandler(newFilesystem(ctx, view))
	handler = nfshelper.NewCachingHandler(handler, cacheSize)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("nfs: listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	srv := &nfsproto.Server{
		Handler: handler,
		Context: ctx,
	}
	err = srv.Serve(l)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

var _ billy.Filesystem = (*filesystem)(nil)
