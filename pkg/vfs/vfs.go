// Package vfs presents the live blobs of an engine as a flat, read-only
// directory. Each file is named by the blob's fingerprint. The NFS export
// and the FUSE mount both serve this view.
package vfs

import (
	"bytes"
	"context"
	"io"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/lifecycle"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Source is the subset of the engine the view reads from.
type Source interface {
	List(ctx context.Context, after blob.Fingerprint, limit int) ([]lifecycle.Entry, error)
	Stat(ctx context.Context, fp blob.Fingerprint) (lifecycle.Entry, error)
	Read(ctx context.Context, fp blob.Fingerprint) ([]byte, error)
	CurrentEpoch(ctx context.Context) (blob.Epoch, error)
}

// Options tune the view.
type Options struct {
	// PageSize bounds each List call while enumerating the directory.
	PageSize int
	// MetadataCacheSize enables a TTL cache of looked-up entries.
	MetadataCacheSize int
	MetadataCacheTTL  time.Duration
}

// Entry is one file of the view.
type Entry struct {
	Name        string
	Fingerprint blob.Fingerprint
	Size        int64
	ModTime     time.Time
	EndEpoch    blob.Epoch
}

// FS is the read-only blob directory.
type FS struct {
	src       Source
	opts      Options
	metaCache *expirable.LRU[blob.Fingerprint, Entry]
}

// New builds a view over src.
func New(src Source, opts Options) *FS {
	if src == nil {
		panic("vfs: source must not be nil")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 256
	}
	f := &FS{src: src, opts: opts}
	if opts.MetadataCacheSize > 0 {
		ttl := opts.MetadataCacheTTL
		if ttl <= 0 {
			ttl = 5 * time.Second
		}
		f.metaCache = expirable.NewLRU[blob.Fingerprint, Entry](opts.MetadataCacheSize, nil, ttl)
	}
	return f
}

// Entries lists every live, unexpired blob ordered by name.
func (f *FS) Entries(ctx context.Context) ([]Entry, error) {
	cur, err := f.src.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}
	var (
		out   []Entry
		after blob.Fingerprint
	)
	for {
		page, err := f.src.List(ctx, after, f.opts.PageSize)
		if err != nil {
			return nil, err
		}
		for _, le := range page {
			if le.Meta.Expired(cur) {
				continue
			}
			e := entryOf(le)
			f.cachePut(e)
			out = append(out, e)
		}
		if len(page) < f.opts.PageSize {
			break
		}
		after = page[len(page)-1].Meta.Fingerprint
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Lookup resolves name to a live blob. Names that are not fingerprints,
// unknown blobs and expired blobs all report NotFound.
func (f *FS) Lookup(ctx context.Context, name string) (Entry, error) {
	fp, err := blob.ParseFingerprint(name)
	if err != nil {
		return Entry{}, xerrors.E(xerrors.KindNotFound, "vfs.Lookup", name)
	}
	cur, err := f.src.CurrentEpoch(ctx)
	if err != nil {
		return Entry{}, err
	}
	if f.metaCache != nil {
		if e, ok := f.metaCache.Get(fp); ok {
			if e.EndEpoch <= cur {
				f.metaCache.Remove(fp)
				return Entry{}, xerrors.Errorf(xerrors.KindNotFound, "vfs.Lookup", name, "storage period ended")
			}
			return e, nil
		}
	}
	le, err := f.src.Stat(ctx, fp)
	if err != nil {
		return Entry{}, err
	}
	if le.Meta.Expired(cur) {
		return Entry{}, xerrors.Errorf(xerrors.KindNotFound, "vfs.Lookup", name, "storage period ended")
	}
	e := entryOf(le)
	f.cachePut(e)
	return e, nil
}

// Open loads the content of name.
func (f *FS) Open(ctx context.Context, name string) (*Handle, error) {
	e, err := f.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	data, err := f.src.Read(ctx, e.Fingerprint)
	if err != nil {
		return nil, err
	}
	return &Handle{Entry: e, r: bytes.NewReader(data)}, nil
}

// Invalidate drops a cached entry, e.g. after a delete.
func (f *FS) Invalidate(fp blob.Fingerprint) {
	if f.metaCache != nil {
		f.metaCache.Remove(fp)
	}
}

func (f *FS) cachePut(e Entry) {
	if f.metaCache != nil {
		f.metaCache.Add(e.Fingerprint, e)
	}
}

func entryOf(le lifecycle.Entry) Entry {
	return Entry{
		Name:        le.Meta.Fingerprint.String(),
		Fingerprint: le.Meta.Fingerprint,
		Size:        le.Meta.Size,
		ModTime:     le.RegisteredAt,
		EndEpoch:    le.Meta.EndEpoch,
	}
}

// Handle is an opened blob. Reads are served from memory.
type Handle struct {
	Entry Entry
	r     *bytes.Reader
}

// ReadAt implements io.ReaderAt.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.r.ReadAt(p, off)
}

// Reader returns a fresh sequential reader over the content.
func (h *Handle) Reader() io.ReadSeeker {
	return io.NewSectionReader(h.r, 0, h.r.Size())
}

// Size is the content length.
func (h *Handle) Size() int64 { return h.r.Size() }
