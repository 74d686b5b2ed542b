// Package fuse mounts the blob view as a read-only directory.
package fuse

import (
	"context"
	"errors"
	"os"
	"path"
	"strings"
	"syscall"

	"github.com/jacktea/xblob/pkg/xerrors"
)

// Options tune the mount.
type Options struct {
	AllowOther bool
	Debug      bool
}

// cleanPath normalises mount-relative paths.
func cleanPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if cleaned == "" {
		return "/"
	}
	return cleaned
}

func joinPath(name string) string {
	return cleanPath("/" + name)
}

// errnoForError converts engine errors to syscall errno codes.
func errnoForError(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	case os.IsNotExist(err):
		return syscall.ENOENT
	case os.IsPermission(err):
		return syscall.EROFS
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound, xerrors.KindExpired, xerrors.KindReconstruction:
		return syscall.ENOENT
	case xerrors.KindPermission:
		return syscall.EROFS
	case xerrors.KindInvalid:
		return syscall.EINVAL
	case xerrors.KindTimeout:
		return syscall.ETIMEDOUT
	case xerrors.KindQuorum, xerrors.KindUnreachable:
		return syscall.EAGAIN
	default:
		return syscall.EIO
	}
}
