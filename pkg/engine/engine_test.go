package engine_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/cache"
	"github.com/jacktea/xblob/pkg/engine"
	"github.com/jacktea/xblob/pkg/engine/enginetest"
	"github.com/jacktea/xblob/pkg/erasure"
	"github.com/jacktea/xblob/pkg/gc"
	"github.com/jacktea/xblob/pkg/nodeclient"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/xerrors"
)

func random(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func storedShards(t *testing.T, c *enginetest.Cluster) int {
	total := 0
	for _, n := range c.Nodes {
		cnt, err := n.Store.Count(context.Background())
		require.NoError(t, err)
		total += cnt
	}
	return total
}

func TestTenMegabyteBlobSurvivesTwoOfflineNodes(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, 6)
	e := c.Engine(t)

	data := random(t, 10<<20)
	res, err := e.Store(ctx, data, engine.StoreOptions{Epochs: 5})
	require.NoError(t, err)
	covers := res.Certificate.Covers()
	assert.True(t, covers == 5 || covers == 6, "certificate covers %d", covers)
	assert.Equal(t, int64(10<<20), res.Size)
	assert.Equal(t, res.CertifiedEpoch+5, res.EndEpoch)

	entry, err := e.Stat(ctx, res.Fingerprint)
	require.NoError(t, err)
	snap := c.Registry.Snapshot()
	require.NoError(t, entry.Certificate.Verify(entry.Meta, snap))

	// When only five receipts were certified the sixth upload may have been
	// cancelled, so the node that missed out is one of the two to go down.
	offline := 0
	for _, n := range c.Nodes {
		if cnt, _ := n.Store.Count(ctx); cnt == 0 && offline < 2 {
			n.SetOffline(true)
			offline++
		}
	}
	for _, n := range c.Nodes {
		if offline < 2 && !n.Offline() {
			n.SetOffline(true)
			offline++
		}
	}

	// A fresh engine has no cache and no health history.
	reader := c.Engine(t)
	got, err := reader.Read(ctx, res.Fingerprint)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "reconstructed blob differs")
}

func TestQuorumFailureThenFreshAttempt(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, 6)
	opts := c.Options()
	opts.WriteAttempts = 1
	e, err := engine.New(opts)
	require.NoError(t, err)

	data := random(t, 64<<10)
	coder, err := erasure.New(opts.Params)
	require.NoError(t, err)
	enc, err := coder.Encode(data)
	require.NoError(t, err)
	fp := enc.Meta.Fingerprint

	c.Nodes[4].SetOffline(true)
	c.Nodes[5].SetOffline(true)
	_, err = e.Store(ctx, data, engine.StoreOptions{Epochs: 2})
	require.Error(t, err)
	assert.Equal(t, xerrors.KindQuorum, xerrors.KindOf(err))
	assert.Empty(t, c.Ledger.Certificates(fp), "no certificate may be issued")
	_, err = e.Stat(ctx, fp)
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))

	c.Nodes[5].SetOffline(false)
	res, err := e.Store(ctx, data, engine.StoreOptions{Epochs: 2})
	require.NoError(t, err)
	assert.Equal(t, fp, res.Fingerprint)
	assert.GreaterOrEqual(t, res.Certificate.Covers(), 5)
	assert.Len(t, c.Ledger.Certificates(fp), 1)
}

func TestStoreIsIdempotentForLiveBlobs(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, 6)
	e := c.Engine(t)
	data := random(t, 1000)
	first, err := e.Store(ctx, data, engine.StoreOptions{Epochs: 3})
	require.NoError(t, err)
	second, err := e.Store(ctx, data, engine.StoreOptions{Epochs: 3})
	require.NoError(t, err)
	assert.True(t, second.AlreadyStored)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.EndEpoch, second.EndEpoch)
	assert.Len(t, c.Ledger.Certificates(first.Fingerprint), 1)
}

func TestDeleteThenSweepReclaimsShards(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, 6)
	e := c.Engine(t)

	pinned, err := e.Store(ctx, random(t, 2000), engine.StoreOptions{Epochs: 10})
	require.NoError(t, err)
	assert.Equal(t, xerrors.KindPermission, xerrors.KindOf(e.Delete(ctx, pinned.Fingerprint)))

	res, err := e.Store(ctx, random(t, 2000), engine.StoreOptions{Epochs: 10, Deletable: true})
	require.NoError(t, err)
	before := storedShards(t, c)
	require.NoError(t, e.Delete(ctx, res.Fingerprint))
	_, err = e.Read(ctx, res.Fingerprint)
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))

	rep, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reclaimed)
	assert.Less(t, storedShards(t, c), before)
	assert.GreaterOrEqual(t, storedShards(t, c), 5, "the pinned blob keeps its shards")
}

// storeOnFirstDelete runs store before the first shard delete goes out.
type storeOnFirstDelete struct {
	*nodeclient.Client
	once  sync.Once
	store func()
}

func (n *storeOnFirstDelete) Delete(ctx context.Context, node registry.Node, fp blob.Fingerprint, index int, attempt string) error {
	n.once.Do(n.store)
	return n.Client.Delete(ctx, node, fp, index, attempt)
}

func TestSweepKeepsShardsOfBlobStoredAgain(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, 6)
	e := c.Engine(t)

	data := random(t, 8<<10)
	res, err := e.Store(ctx, data, engine.StoreOptions{Epochs: 5, Deletable: true})
	require.NoError(t, err)
	require.NoError(t, e.Delete(ctx, res.Fingerprint))

	var again *engine.StoreResult
	var againErr error
	nodes := &storeOnFirstDelete{Client: c.Client, store: func() {
		again, againErr = e.Store(ctx, data, engine.StoreOptions{Epochs: 5, Deletable: true})
	}}
	sweeper := gc.NewSweeper(gc.Options{Lifecycle: e.Lifecycle(), Ledger: c.Ledger, Nodes: nodes, Registry: c.Registry})
	_, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.NoError(t, againErr)
	require.NotNil(t, again)
	assert.NotEqual(t, res.Certificate.Attempt, again.Certificate.Attempt)

	_, err = e.Stat(ctx, res.Fingerprint)
	require.NoError(t, err)
	got, err := c.Engine(t).Read(ctx, res.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.GreaterOrEqual(t, storedShards(t, c), 5)
}

func TestConcurrentStoresCertifyOnce(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, 6)
	e := c.Engine(t)
	data := random(t, 16<<10)

	results := make([]*engine.StoreResult, 4)
	g := new(errgroup.Group)
	for i := range results {
		g.Go(func() error {
			res, err := e.Store(ctx, data, engine.StoreOptions{Epochs: 3})
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	fresh := 0
	for _, res := range results {
		if !res.AlreadyStored {
			fresh++
		}
		assert.Equal(t, results[0].Fingerprint, res.Fingerprint)
	}
	assert.Equal(t, 1, fresh)
	assert.Len(t, c.Ledger.Certificates(results[0].Fingerprint), 1)
}

func TestExpiryAndRenewal(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, 6)
	e := c.Engine(t)

	short, err := e.Store(ctx, random(t, 500), engine.StoreOptions{Epochs: 1})
	require.NoError(t, err)
	kept, err := e.Store(ctx, random(t, 500), engine.StoreOptions{Epochs: 1})
	require.NoError(t, err)

	renewed, err := e.Renew(ctx, kept.Fingerprint, 4)
	require.NoError(t, err)
	assert.Equal(t, kept.EndEpoch+4, renewed.Meta.EndEpoch)

	c.Ledger.Advance(1)
	_, err = e.Read(ctx, short.Fingerprint)
	assert.Equal(t, xerrors.KindExpired, xerrors.KindOf(err))
	_, err = e.Renew(ctx, short.Fingerprint, 1)
	assert.Equal(t, xerrors.KindExpired, xerrors.KindOf(err))

	rep, err := e.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Expired, 1)
	assert.Equal(t, short.Fingerprint, rep.Expired[0])

	_, err = e.Read(ctx, kept.Fingerprint)
	require.NoError(t, err)
}

func TestCacheServesHotBlobs(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, 6)
	opts := c.Options()
	opts.Cache = cache.New(16, 0, 0, c.Metrics)
	e, err := engine.New(opts)
	require.NoError(t, err)

	data := random(t, 4096)
	res, err := e.Store(ctx, data, engine.StoreOptions{Epochs: 2, Deletable: true})
	require.NoError(t, err)
	for _, n := range c.Nodes {
		n.SetOffline(true)
	}
	got, err := e.Read(ctx, res.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, e.Delete(ctx, res.Fingerprint))
	_, err = e.Read(ctx, res.Fingerprint)
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
}

func TestCacheDoesNotServeExpiredBlobs(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, 6)
	opts := c.Options()
	opts.Cache = cache.New(16, 0, 0, c.Metrics)
	e, err := engine.New(opts)
	require.NoError(t, err)

	data := random(t, 4096)
	res, err := e.Store(ctx, data, engine.StoreOptions{Epochs: 1})
	require.NoError(t, err)
	got, err := e.Read(ctx, res.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	c.Ledger.Advance(1)
	_, err = e.Read(ctx, res.Fingerprint)
	assert.Equal(t, xerrors.KindExpired, xerrors.KindOf(err))
}

func TestMaxEpochs(t *testing.T) {
	c := enginetest.NewCluster(t, 6)
	opts := c.Options()
	opts.MaxEpochs = 3
	e, err := engine.New(opts)
	require.NoError(t, err)
	_, err = e.Store(context.Background(), []byte("x"), engine.StoreOptions{Epochs: 4})
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}

func TestNewRejectsBadQuorum(t *testing.T) {
	c := enginetest.NewCluster(t, 1)
	opts := c.Options()
	opts.Quorum = 4
	_, err := engine.New(opts)
	assert.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
}
