//go:build linux

package fuse

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jacktea/xblob/pkg/vfs"
)

const (
	attrTimeout    = 2 * time.Second
	entryTimeout   = 2 * time.Second
	defaultBlkSz   = 4096
	defaultDirMod  = 0o555
	defaultFileMod = 0o444
)

// Mount serves view at mountpoint until ctx is canceled.
func Mount(ctx context.Context, view *vfs.FS, mountpoint string, opts Options) error {
	if view == nil {
		return fmt.Errorf("fuse: nil view")
	}
	root := &dirNode{view: view}
	server, err := gofuse.Mount(mountpoint, root, &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "xblob",
			Name:       "xblob",
			AllowOther: opts.AllowOther,
			Options:    []string{"ro"},
			Debug:      opts.Debug,
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	})
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = server.Unmount()
		case <-done:
		}
	}()
	server.Wait()
	close(done)
	if err := ctx.Err(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// dirNode is the mount root. It lists every live blob.
type dirNode struct {
	gofuse.Inode
	view *vfs.FS
}

var (
	_ gofuse.NodeLookuper  = (*dirNode)(nil)
	_ gofuse.NodeReaddirer = (*dirNode)(nil)
	_ gofuse.NodeGetattrer = (*dirNode)(nil)
)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	ent, err := d.view.Lookup(ctx, name)
	if err != nil {
		return nil, errnoForError(err)
	}
	childPath := joinPath(name)
	child := &fileNode{view: d.view, name: name}
	fillEntry(out, fileAttr(ent, childPath))
	return d.NewInode(ctx, child, stableAttr(childPath, fuse.S_IFREG)), 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := d.view.Entries(ctx)
	if err != nil {
		return nil, errnoForError(err)
	}
	dirEntries := make([]fuse.DirEntry, 0, len(entries)+2)
	dirEntries = append(dirEntries,
		fuse.DirEntry{Name: ".", Mode: fuse.S_IFDIR, Ino: inodeForPath("/")},
		fuse.DirEntry{Name: "..", Mode: fuse.S_IFDIR, Ino: inodeForPath("/")},
	)
	for _, ent := range entries {
		dirEntries = append(dirEntries, fuse.DirEntry{
			Name: ent.Name,
			Mode: fuse.S_IFREG,
			Ino:  inodeForPath(joinPath(ent.Name)),
		})
	}
	return gofuse.NewListDirStream(dirEntries), 0
}

func (d *dirNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttrOut(out, makeAttr(0, time.Time{}, "/", fuse.S_IFDIR, defaultDirMod))
	return 0
}

// fileNode is one blob.
type fileNode struct {
	gofuse.Inode
	view *vfs.FS
	name string
}

var (
	_ gofuse.NodeOpener    = (*fileNode)(nil)
	_ gofuse.NodeReader    = (*fileNode)(nil)
	_ gofuse.NodeGetattrer = (*fileNode)(nil)
)

// Open loads the blob once; reads are served from the handle.
func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if int(flags)&(os.O_WRONLY|os.O_RDWR|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	h, err := f.view.Open(ctx, f.name)
	if err != nil {
		return nil, 0, errnoForError(err)
	}
	return &openFile{h: h}, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(ctx context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	of, ok := fh.(*openFile)
	if !ok {
		h, err := f.view.Open(ctx, f.name)
		if err != nil {
			return nil, errnoForError(err)
		}
		of = &openFile{h: h}
	}
	return of.Read(ctx, dest, off)
}

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	ent, err := f.view.Lookup(ctx, f.name)
	if err != nil {
		return errnoForError(err)
	}
	fillAttrOut(out, fileAttr(ent, joinPath(f.name)))
	return 0
}

type openFile struct {
	h *vfs.Handle
}

var _ gofuse.FileReader = (*openFile)(nil)

func (o *openFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if len(dest) == 0 || off >= o.h.Size() {
		return fuse.ReadResultData(nil), 0
	}
	n, err := o.h.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, errnoForError(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func fileAttr(ent vfs.Entry, path string) fuse.Attr {
	return makeAttr(ent.Size, ent.ModTime, path, fuse.S_IFREG, defaultFileMod)
}

func makeAttr(size int64, mtime time.Time, path string, typ uint32, mode uint32) fuse.Attr {
	if size < 0 {
		size = 0
	}
	attr := fuse.Attr{
		Ino:     inodeForPath(path),
		Mode:    typ | mode,
		Size:    uint64(size),
		Blocks:  (uint64(size) + 511) / 512,
		Blksize: defaultBlkSz,
		Nlink:   1,
	}
	if typ == fuse.S_IFDIR {
		attr.Nlink = 2
	}
	setTimes(&attr, mtime)
	return attr
}

func setTimes(attr *fuse.Attr, mtime time.Time) {
	if mtime.IsZero() {
		mtime = time.Now()
	}
	attr.Mtime = uint64(mtime.Unix())
	attr.Mtimensec = uint32(mtime.Nanosecond())
	attr.Ctime = attr.Mtime
	attr.Ctimensec = attr.Mtimensec
	attr.Atime = attr.Mtime
	attr.Atimensec = attr.Mtimensec
}

func fillEntry(out *fuse.EntryOut, attr fuse.Attr) {
	out.NodeId = attr.Ino
	out.Attr = attr
	out.SetEntryTimeout(entryTimeout)
	out.SetAttrTimeout(attrTimeout)
}

func fillAttrOut(out *fuse.AttrOut, attr fuse.Attr) {
	out.Attr = attr
	out.SetTimeout(attrTimeout)
}

func stableAttr(path string, typ uint32) gofuse.StableAttr {
	return gofuse.StableAttr{
		Mode: typ,
		Ino:  inodeForPath(path),
	}
}

func inodeForPath(p string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p))
	ino := h.Sum64()
	if ino == 0 {
		return 1
	}
	return ino
}
