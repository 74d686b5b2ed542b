package nodeclient

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/metrics"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/storagenode"
	"github.com/jacktea/xblob/pkg/xerrors"
)

type testNode struct {
	node  registry.Node
	store *storagenode.MemoryStore
	fails atomic.Int32
	delay atomic.Int64
	calls atomic.Int32
}

func startNode(t *testing.T, id string) *testNode {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	tn := &testNode{store: storagenode.NewMemoryStore()}
	srv := &storagenode.Server{NodeID: id, Key: priv, Store: tn.store}
	inner := srv.Handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tn.calls.Add(1)
		if d := time.Duration(tn.delay.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		if tn.fails.Load() > 0 {
			tn.fails.Add(-1)
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		inner.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	tn.node = registry.Node{ID: id, Endpoint: ts.URL, PublicKey: pub}
	return tn
}

func testShard(index int, data []byte) blob.Shard {
	fp := blob.Commit(blob.EncodingVersion, 2, 1, int64(len(data)), nil)
	return blob.Shard{Fingerprint: fp, Index: index, Data: data, Digest: blob.DigestOf(data)}
}

func fastClient(m *metrics.Metrics) *Client {
	return New(Options{
		Timeout:     200 * time.Millisecond,
		RetryLimit:  2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Metrics:     m,
	})
}

func TestPutGetRoundTrip(t *testing.T) {
	tn := startNode(t, "n1")
	c := fastClient(nil)
	shard := testShard(1, []byte("hello shard"))

	receipt, err := c.Put(context.Background(), tn.node, shard, "att")
	require.NoError(t, err)
	assert.Equal(t, "n1", receipt.NodeID)
	require.NoError(t, receipt.Verify(tn.node.PublicKey))

	got, err := c.Get(context.Background(), tn.node, shard.Fingerprint, 1)
	require.NoError(t, err)
	assert.Equal(t, shard.Data, got.Data)
	assert.True(t, got.Valid())
}

func TestRetriesTransientFailures(t *testing.T) {
	tn := startNode(t, "n1")
	tn.fails.Store(2)
	m := metrics.New(nil)
	c := fastClient(m)

	_, err := c.Put(context.Background(), tn.node, testShard(0, []byte("x")), "att")
	require.NoError(t, err)
	assert.Equal(t, int32(3), tn.calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NodeRetries.WithLabelValues("put")))
}

func TestRetryLimitExhausted(t *testing.T) {
	tn := startNode(t, "n1")
	tn.fails.Store(10)
	c := fastClient(nil)

	_, err := c.Put(context.Background(), tn.node, testShard(0, []byte("x")), "att")
	require.Error(t, err)
	assert.True(t, xerrors.IsTransient(err))
	assert.Equal(t, int32(3), tn.calls.Load())
}

func TestNotFoundIsNotRetried(t *testing.T) {
	tn := startNode(t, "n1")
	c := fastClient(nil)
	shard := testShard(0, []byte("x"))

	_, err := c.Get(context.Background(), tn.node, shard.Fingerprint, 0)
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
	assert.Equal(t, int32(1), tn.calls.Load())
	assert.False(t, c.Health().Degraded("n1"))
}

func TestIntegrityMismatch(t *testing.T) {
	tn := startNode(t, "n1")
	c := fastClient(nil)
	shard := testShard(2, []byte("some bytes"))
	_, err := c.Put(context.Background(), tn.node, shard, "att")
	require.NoError(t, err)
	require.True(t, tn.store.Corrupt(shard.Fingerprint, 2))
	before := tn.calls.Load()

	_, err = c.Get(context.Background(), tn.node, shard.Fingerprint, 2)
	assert.Equal(t, xerrors.KindIntegrity, xerrors.KindOf(err))
	assert.Equal(t, before+1, tn.calls.Load(), "integrity failures are not retried")
}

func TestTimeout(t *testing.T) {
	tn := startNode(t, "n1")
	tn.delay.Store(int64(time.Second))
	c := New(Options{Timeout: 20 * time.Millisecond, RetryLimit: -1})

	start := time.Now()
	_, err := c.Get(context.Background(), tn.node, testShard(0, nil).Fingerprint, 0)
	assert.Equal(t, xerrors.KindTimeout, xerrors.KindOf(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()
	c := New(Options{RetryLimit: -1})
	_, err := c.Get(context.Background(), registry.Node{ID: "gone", Endpoint: url}, testShard(0, nil).Fingerprint, 0)
	assert.Equal(t, xerrors.KindUnreachable, xerrors.KindOf(err))
}

func TestFailureBudgetMarksDegraded(t *testing.T) {
	tn := startNode(t, "n1")
	tn.fails.Store(100)
	health := NewHealth(time.Minute, 3)
	c := New(Options{RetryLimit: -1, Health: health})

	for i := 0; i < 3; i++ {
		_, _ = c.Put(context.Background(), tn.node, testShard(0, []byte("x")), "att")
	}
	assert.False(t, health.Degraded("n1"), "budget is not exceeded yet")
	_, _ = c.Put(context.Background(), tn.node, testShard(0, []byte("x")), "att")
	assert.True(t, health.Degraded("n1"))
}

func TestCallerCancellationDoesNotCount(t *testing.T) {
	tn := startNode(t, "n1")
	tn.delay.Store(int64(time.Second))
	c := New(Options{Timeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, tn.node, testShard(0, nil).Fingerprint, 0)
	require.Error(t, err)
	assert.Empty(t, c.Health().Failures())
}

func TestDeleteIsAdvisory(t *testing.T) {
	tn := startNode(t, "n1")
	c := fastClient(nil)
	shard := testShard(0, []byte("y"))
	require.NoError(t, c.Delete(context.Background(), tn.node, shard.Fingerprint, 0, ""))
	_, err := c.Put(context.Background(), tn.node, shard, "att")
	require.NoError(t, err)
	require.NoError(t, c.Delete(context.Background(), tn.node, shard.Fingerprint, 0, "att"))
	n, _ := tn.store.Count(context.Background())
	assert.Zero(t, n)
}

func TestDeleteKeepsShardOfNewerAttempt(t *testing.T) {
	ctx := context.Background()
	tn := startNode(t, "n1")
	c := fastClient(nil)
	shard := testShard(0, []byte("z"))
	_, err := c.Put(ctx, tn.node, shard, "old")
	require.NoError(t, err)
	_, err = c.Put(ctx, tn.node, shard, "new")
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, tn.node, shard.Fingerprint, 0, "old"))
	got, err := c.Get(ctx, tn.node, shard.Fingerprint, 0)
	require.NoError(t, err)
	assert.Equal(t, shard.Data, got.Data)

	require.NoError(t, c.Delete(ctx, tn.node, shard.Fingerprint, 0, "new"))
	n, _ := tn.store.Count(ctx)
	assert.Zero(t, n)
}
