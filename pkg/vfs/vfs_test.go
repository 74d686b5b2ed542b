package vfs_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/xblob/pkg/engine"
	"github.com/jacktea/xblob/pkg/engine/enginetest"
	"github.com/jacktea/xblob/pkg/vfs"
	"github.com/jacktea/xblob/pkg/xerrors"
)

func newView(t *testing.T, opts vfs.Options) (*enginetest.Cluster, *engine.Engine, *vfs.FS) {
	t.Helper()
	c := enginetest.NewCluster(t, 6)
	e := c.Engine(t)
	return c, e, vfs.New(e, opts)
}

func TestEntriesPagesThroughLiveBlobs(t *testing.T) {
	ctx := context.Background()
	_, e, view := newView(t, vfs.Options{PageSize: 2})
	want := map[string]int64{}
	for _, body := range []string{"alpha", "bravo!", "charlie", "delta", "echo"} {
		res, err := e.Store(ctx, []byte(body), engine.StoreOptions{Epochs: 3})
		require.NoError(t, err)
		want[res.Fingerprint.String()] = int64(len(body))
	}

	entries, err := view.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, len(want))
	for i, ent := range entries {
		assert.Equal(t, want[ent.Name], ent.Size, ent.Name)
		assert.Equal(t, ent.Fingerprint.String(), ent.Name)
		if i > 0 {
			assert.Less(t, entries[i-1].Name, ent.Name)
		}
	}
}

func TestLookupAndOpen(t *testing.T) {
	ctx := context.Background()
	_, e, view := newView(t, vfs.Options{MetadataCacheSize: 8})
	res, err := e.Store(ctx, []byte("hello blob view"), engine.StoreOptions{Epochs: 2})
	require.NoError(t, err)

	ent, err := view.Lookup(ctx, res.Fingerprint.String())
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello blob view")), ent.Size)
	assert.Equal(t, res.EndEpoch, ent.EndEpoch)

	h, err := view.Open(ctx, res.Fingerprint.String())
	require.NoError(t, err)
	assert.Equal(t, ent.Size, h.Size())
	buf := make([]byte, 4)
	n, err := h.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "blob", string(buf[:n]))
	all, err := io.ReadAll(h.Reader())
	require.NoError(t, err)
	assert.Equal(t, "hello blob view", string(all))
}

func TestLookupRejectsUnknownNames(t *testing.T) {
	ctx := context.Background()
	_, _, view := newView(t, vfs.Options{})
	_, err := view.Lookup(ctx, "not-a-fingerprint")
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))

	_, e, other := newView(t, vfs.Options{})
	res, err := e.Store(ctx, []byte("elsewhere"), engine.StoreOptions{Epochs: 1})
	require.NoError(t, err)
	_, err = other.Lookup(ctx, res.Fingerprint.String())
	require.NoError(t, err)
	_, err = view.Lookup(ctx, res.Fingerprint.String())
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
}

func TestExpiredBlobsDisappear(t *testing.T) {
	ctx := context.Background()
	c, e, view := newView(t, vfs.Options{MetadataCacheSize: 8})
	short, err := e.Store(ctx, []byte("short"), engine.StoreOptions{Epochs: 1})
	require.NoError(t, err)
	long, err := e.Store(ctx, []byte("long lived"), engine.StoreOptions{Epochs: 5})
	require.NoError(t, err)

	// Warm the cache so the expiry check has to look past it.
	_, err = view.Lookup(ctx, short.Fingerprint.String())
	require.NoError(t, err)

	c.Ledger.Advance(1)

	_, err = view.Lookup(ctx, short.Fingerprint.String())
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
	_, err = view.Open(ctx, short.Fingerprint.String())
	assert.Error(t, err)

	entries, err := view.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, long.Fingerprint, entries[0].Fingerprint)
}

func TestInvalidateAfterDelete(t *testing.T) {
	ctx := context.Background()
	_, e, view := newView(t, vfs.Options{MetadataCacheSize: 8})
	res, err := e.Store(ctx, []byte("scratch"), engine.StoreOptions{Epochs: 2, Deletable: true})
	require.NoError(t, err)
	_, err = view.Lookup(ctx, res.Fingerprint.String())
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, res.Fingerprint))
	view.Invalidate(res.Fingerprint)
	_, err = view.Lookup(ctx, res.Fingerprint.String())
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
}
