package nfs

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"

	"github.com/jacktea/xblob/pkg/vfs"
	"github.com/jacktea/xblob/pkg/xerrors"
)

const (
	fileMode = os.FileMode(0o444)
	dirMode  = os.ModeDir | 0o555
)

// filesystem is a billy.Filesystem over the flat blob view. Every mutating
// call fails with os.ErrPermission.
type filesystem struct {
	ctx  context.Context
	view *vfs.FS
}

func newFilesystem(ctx context.Context, view *vfs.FS) billy.Filesystem {
	if ctx == nil {
		ctx = context.Background()
	}
	return &filesystem{ctx: ctx, view: view}
}

func (f *filesystem) Create(string) (billy.File, error) {
	return nil, os.ErrPermission
}

func (f *filesystem) Open(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_RDONLY, 0)
}

func (f *filesystem) OpenFile(filename string, flag int, _ os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	name, err := blobName(filename)
	if err != nil {
		return nil, err
	}
	h, err := f.view.Open(f.ctx, name)
	if err != nil {
		return nil, translateErr(err)
	}
	return &file{name: name, h: h}, nil
}

func (f *filesystem) Stat(filename string) (os.FileInfo, error) {
	if cleanPath(filename) == "/" {
		return entryInfo{name: "/", mode: dirMode, isDir: true, modTime: time.Now()}, nil
	}
	name, err := blobName(filename)
	if err != nil {
		return nil, err
	}
	ent, err := f.view.Lookup(f.ctx, name)
	if err != nil {
		return nil, translateErr(err)
	}
	return entryToInfo(ent), nil
}

func (f *filesystem) Lstat(filename string) (os.FileInfo, error) {
	return f.Stat(filename)
}

func (f *filesystem) Rename(string, string) error { return os.ErrPermission }

func (f *filesystem) Remove(string) error { return os.ErrPermission }

func (f *filesystem) ReadDir(p string) ([]os.FileInfo, error) {
	if cleanPath(p) != "/" {
		if _, err := f.Stat(p); err != nil {
			return nil, err
		}
		return nil, os.ErrInvalid
	}
	entries, err := f.view.Entries(f.ctx)
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]os.FileInfo, 0, len(entries))
	for _, ent := range entries {
		out = append(out, entryToInfo(ent))
	}
	return out, nil
}

func (f *filesystem) MkdirAll(string, os.FileMode) error { return os.ErrPermission }

func (f *filesystem) Symlink(string, string) error { return os.ErrPermission }

func (f *filesystem) Readlink(string) (string, error) { return "", os.ErrInvalid }

func (f *filesystem) TempFile(string, string) (billy.File, error) {
	return nil, os.ErrPermission
}

// Chroot only accepts the root; the view has no subdirectories.
func (f *filesystem) Chroot(p string) (billy.Filesystem, error) {
	if cleanPath(p) != "/" {
		return nil, os.ErrNotExist
	}
	return f, nil
}

func (f *filesystem) Root() string { return "/" }

func (f *filesystem) Join(elem ...string) string {
	res := path.Join(elem...)
	if res == "" {
		return "/"
	}
	return res
}

func (f *filesystem) Chmod(string, os.FileMode) error { return os.ErrPermission }

func (f *filesystem) Lchown(string, int, int) error { return os.ErrPermission }

func (f *filesystem) Chown(string, int, int) error { return os.ErrPermission }

func (f *filesystem) Chtimes(string, time.Time, time.Time) error { return os.ErrPermission }

// blobName maps a path to a file of the root directory.
func blobName(p string) (string, error) {
	clean := cleanPath(p)
	if clean == "/" {
		return "", os.ErrInvalid
	}
	name := strings.TrimPrefix(clean, "/")
	if strings.Contains(name, "/") {
		return "", os.ErrNotExist
	}
	return name, nil
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	res := path.Clean("/" + strings.TrimSpace(p))
	if res == "" {
		return "/"
	}
	return res
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound, xerrors.KindExpired:
		return os.ErrNotExist
	case xerrors.KindPermission:
		return os.ErrPermission
	case xerrors.KindInvalid:
		return os.ErrInvalid
	default:
		return err
	}
}

type entryInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
	sys     interface{}
}

func (e entryInfo) Name() string       { return e.name }
func (e entryInfo) Size() int64        { return e.size }
func (e entryInfo) Mode() os.FileMode  { return e.mode }
func (e entryInfo) ModTime() time.Time { return e.modTime }
func (e entryInfo) IsDir() bool        { return e.isDir }
func (e entryInfo) Sys() interface{}   { return e.sys }

func entryToInfo(ent vfs.Entry) os.FileInfo {
	return entryInfo{
		name:    ent.Name,
		size:    ent.Size,
		mode:    fileMode,
		modTime: ent.ModTime,
		sys:     ent,
	}
}

type file struct {
	mu     sync.Mutex
	name   string
	h      *vfs.Handle
	offset int64
	closed bool
}

func (f *file) Name() string { return f.name }

func (f *file) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	n, err := f.h.ReadAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return 0, os.ErrClosed
	}
	return f.h.ReadAt(p, off)
}

func (f *file) Write([]byte) (int, error) { return 0, os.ErrPermission }

func (f *file) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	case io.SeekEnd:
		newOffset = f.h.Size() + offset
	default:
		return 0, os.ErrInvalid
	}
	if newOffset < 0 {
		return f.offset, os.ErrInvalid
	}
	f.offset = newOffset
	return f.offset, nil
}

func (f *file) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *file) Lock() error   { return nil }
func (f *file) Unlock() error { return nil }

func (f *file) Truncate(int64) error { return os.ErrPermission }
