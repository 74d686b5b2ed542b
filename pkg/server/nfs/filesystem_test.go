package nfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"testing"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/engine"
	"github.com/jacktea/xblob/pkg/engine/enginetest"
	"github.com/jacktea/xblob/pkg/vfs"
	"github.com/jacktea/xblob/pkg/xerrors"
)

type testFS struct {
	*filesystem
	cluster *enginetest.Cluster
	engine  *engine.Engine
}

func newTestFS(t *testing.T) *testFS {
	t.Helper()
	c := enginetest.NewCluster(t, 6)
	e := c.Engine(t)
	bfs := newFilesystem(context.Background(), vfs.New(e, vfs.Options{PageSize: 2}))
	return &testFS{filesystem: bfs.(*filesystem), cluster: c, engine: e}
}

func (f *testFS) store(t *testing.T, body string, epochs uint64) blob.Fingerprint {
	t.Helper()
	res, err := f.engine.Store(context.Background(), []byte(body), engine.StoreOptions{Epochs: epochs})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return res.Fingerprint
}

func TestFilesystemOpenRead(t *testing.T) {
	fsys := newTestFS(t)
	fp := fsys.store(t, "hello world", 3)
	r, err := fsys.Open("/" + fp.String())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected data %q", string(data))
	}
	if _, err := r.Seek(6, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(r, buf); err != nil || string(buf) != "world" {
		t.Fatalf("read after seek: %q %v", buf, err)
	}
}

func TestFilesystemReadDir(t *testing.T) {
	fsys := newTestFS(t)
	want := map[string]bool{}
	for _, body := range []string{"a", "bb", "ccc"} {
		want[fsys.store(t, body, 3).String()] = true
	}
	infos, err := fsys.ReadDir("/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(infos) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(infos))
	}
	for _, info := range infos {
		if !want[info.Name()] {
			t.Fatalf("unexpected entry %s", info.Name())
		}
		if info.IsDir() || info.Mode().Perm() != 0o444 {
			t.Fatalf("unexpected mode %v", info.Mode())
		}
	}
}

func TestFilesystemStat(t *testing.T) {
	fsys := newTestFS(t)
	fp := fsys.store(t, "four", 3)
	info, err := fsys.Stat("/" + fp.String())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 4 {
		t.Fatalf("expected size 4, got %d", info.Size())
	}
	root, err := fsys.Stat("/")
	if err != nil || !root.IsDir() {
		t.Fatalf("root stat: %v %v", root, err)
	}
	if _, err := fsys.Stat("/missing"); !os.IsNotExist(err) {
		t.Fatalf("expected not exist, got %v", err)
	}
	if _, err := fsys.Stat("/dir/" + fp.String()); !os.IsNotExist(err) {
		t.Fatalf("expected nested path to be missing, got %v", err)
	}
}

func TestFilesystemHidesExpiredBlobs(t *testing.T) {
	fsys := newTestFS(t)
	fp := fsys.store(t, "brief", 1)
	fsys.cluster.Ledger.Advance(1)
	if _, err := fsys.Stat("/" + fp.String()); !os.IsNotExist(err) {
		t.Fatalf("expected expired blob to be missing, got %v", err)
	}
	infos, err := fsys.ReadDir("/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected empty listing, got %d", len(infos))
	}
}

func TestFilesystemIsReadOnly(t *testing.T) {
	fsys := newTestFS(t)
	fp := fsys.store(t, "immutable", 3)
	name := "/" + fp.String()
	if _, err := fsys.Create("/new.txt"); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("create: %v", err)
	}
	if _, err := fsys.OpenFile(name, os.O_RDWR, 0); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("open rw: %v", err)
	}
	if err := fsys.Remove(name); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("remove: %v", err)
	}
	if err := fsys.Rename(name, "/other"); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("rename: %v", err)
	}
	if err := fsys.MkdirAll("/d", 0o755); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("mkdir: %v", err)
	}
	r, err := fsys.Open(name)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := r.Write([]byte("x")); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("write: %v", err)
	}
	if err := r.Truncate(0); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("truncate: %v", err)
	}
}

func TestTranslateErr(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{xerrors.E(xerrors.KindNotFound, "op", ""), os.ErrNotExist},
		{xerrors.E(xerrors.KindExpired, "op", ""), os.ErrNotExist},
		{xerrors.E(xerrors.KindPermission, "op", ""), os.ErrPermission},
		{xerrors.E(xerrors.KindInvalid, "op", ""), os.ErrInvalid},
	}
	for _, tc := range cases {
		if got := translateErr(tc.in); got != tc.want {
			t.Fatalf("translateErr(%v)=%v want %v", tc.in, got, tc.want)
		}
	}
	if translateErr(nil) != nil {
		t.Fatal("nil should stay nil")
	}
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in  string
		out string
	}{
		{"", "/"},
		{".", "/"},
		{"foo", "/foo"},
		{"/foo/../bar", "/bar"},
	}
	for _, tt := range tests {
		if got := cleanPath(tt.in); got != tt.out {
			t.Fatalf("cleanPath(%q)=%q want %q", tt.in, got, tt.out)
		}
	}
}

func TestJoinAndChroot(t *testing.T) {
	fsys := newTestFS(t)
	if got, want := fsys.Join("/sub", "../file"), path.Clean("/sub/../file"); got != want {
		t.Fatalf("unexpected join result %s want %s", got, want)
	}
	if _, err := fsys.Chroot("/d"); !os.IsNotExist(err) {
		t.Fatalf("expected chroot into subdir to fail, got %v", err)
	}
	if root, err := fsys.Chroot("/"); err != nil || root.Root() != "/" {
		t.Fatalf("chroot root: %v", err)
	}
}
