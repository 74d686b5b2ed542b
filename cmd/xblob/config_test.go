package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/xblob/pkg/encryption"
	"github.com/jacktea/xblob/pkg/engine"
	"github.com/jacktea/xblob/pkg/engine/enginetest"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/server/httpapi"
	"github.com/jacktea/xblob/pkg/storagenode"
)

func TestDefaultQuorum(t *testing.T) {
	cases := []struct{ k, m, want int }{
		{4, 2, 5},
		{4, 1, 5},
		{10, 4, 12},
		{3, 3, 5},
	}
	for _, tc := range cases {
		if got := defaultQuorum(tc.k, tc.m); got != tc.want {
			t.Fatalf("defaultQuorum(%d,%d)=%d want %d", tc.k, tc.m, got, tc.want)
		}
	}
}

func TestPlanNodes(t *testing.T) {
	specs, err := planNodes(nodeOptions{ID: "n", Addr: ":7001", Root: "/data", Count: 3, Advertise: "10.0.0.5"})
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, "n-00", specs[0].ID)
	assert.Equal(t, ":7001", specs[0].Listen)
	assert.Equal(t, "http://10.0.0.5:7003", specs[2].Endpoint)
	assert.Equal(t, filepath.Join("/data", "n-01"), specs[1].Root)

	single, err := planNodes(nodeOptions{ID: "solo", Addr: "127.0.0.1:9100", Root: "r"})
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, "solo", single[0].ID)

	_, err = planNodes(nodeOptions{ID: "n", Addr: "no-port"})
	assert.Error(t, err)
	_, err = planNodes(nodeOptions{ID: "n", Addr: ":http"})
	assert.Error(t, err)
	_, err = planNodes(nodeOptions{Addr: ":7001"})
	assert.Error(t, err)
}

func TestSealOptions(t *testing.T) {
	seal, err := sealOptions(nodeOptions{Compress: true})
	require.NoError(t, err)
	assert.False(t, seal.Enabled())
	assert.True(t, seal.Compress)

	key := bytes.Repeat([]byte{0xab}, 32)
	seal, err = sealOptions(nodeOptions{SealKey: "ab" + string(bytes.Repeat([]byte("ab"), 31))})
	require.NoError(t, err)
	assert.Equal(t, encryption.MethodAES256CTR, seal.Method)
	assert.Equal(t, key, seal.Key)

	_, err = sealOptions(nodeOptions{SealKey: "abcd"})
	assert.Error(t, err)
	_, err = sealOptions(nodeOptions{SealKey: "zz"})
	assert.Error(t, err)
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")
	first, err := loadOrCreateKey(path)
	require.NoError(t, err)
	second, err := loadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	bad := filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(bad, []byte("not hex"), 0o600))
	_, err = loadOrCreateKey(bad)
	assert.Error(t, err)
}

func TestOpenNodeStore(t *testing.T) {
	spec := nodeSpec{ID: "n-00", Root: t.TempDir()}
	seal := encryption.Options{Method: encryption.MethodNone, Compress: true}

	disk, err := openNodeStore(spec, nodeOptions{NoSync: true}, seal)
	require.NoError(t, err)
	defer disk.Close()
	assert.IsType(t, &storagenode.DiskStore{}, disk)
	assert.DirExists(t, filepath.Join(spec.Root, "shards"))

	backend := s3mem.New()
	require.NoError(t, backend.CreateBucket("xblob-shards"))
	srv := httptest.NewServer(gofakes3.New(backend).Server())
	defer srv.Close()
	remote, err := openNodeStore(spec, nodeOptions{Remote: remoteOptions{
		Endpoint: srv.URL, Bucket: "xblob-shards", AccessKey: "a", SecretKey: "b",
	}}, seal)
	require.NoError(t, err)
	defer remote.Close()
	assert.IsType(t, &storagenode.RemoteStore{}, remote)
	n, err := remote.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = openNodeStore(spec, nodeOptions{Remote: remoteOptions{Endpoint: srv.URL, Bucket: "xblob-shards"}}, seal)
	assert.Error(t, err)
}

func TestWriteRegistry(t *testing.T) {
	c := enginetest.NewCluster(t, 3)
	path := filepath.Join(t.TempDir(), "conf", "registry.yaml")
	require.NoError(t, writeRegistry(path, c.Registry.Snapshot().Nodes()))
	snap, err := registry.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Len())
	n, ok := snap.Lookup("node-01")
	require.True(t, ok)
	assert.Equal(t, c.Nodes[1].Server.URL, n.Endpoint)
}

func TestBuildRuntime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := enginetest.NewCluster(t, 6)
	dir := t.TempDir()
	regPath := filepath.Join(dir, "registry.yaml")
	require.NoError(t, writeRegistry(regPath, c.Registry.Snapshot().Nodes()))
	keyPath := filepath.Join(dir, "signer.key")
	_, err := loadOrCreateKey(keyPath)
	require.NoError(t, err)

	rt, err := buildRuntime(ctx, runtimeConfig{
		Registry:     regPath,
		K:            4,
		M:            2,
		LifecycleDB:  filepath.Join(dir, "db", "lifecycle.db"),
		SignerKey:    keyPath,
		StartEpoch:   1,
		Price:        1,
		CacheEntries: 8,
	}, zerolog.Nop())
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, 5, rt.Engine.Quorum())

	res, err := rt.Engine.Store(ctx, []byte("through the cli wiring"), engine.StoreOptions{Epochs: 2})
	require.NoError(t, err)
	data, err := rt.Engine.Read(ctx, res.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "through the cli wiring", string(data))

	_, err = buildRuntime(ctx, runtimeConfig{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = buildRuntime(ctx, runtimeConfig{Registry: regPath, K: 4, M: 2, Quorum: 7}, zerolog.Nop())
	assert.Error(t, err)
}

func newTestClient(t *testing.T) (*apiClient, *enginetest.Cluster) {
	t.Helper()
	c := enginetest.NewCluster(t, 6)
	srv := &httpapi.Server{Engine: c.Engine(t), Metrics: c.Metrics, Log: zerolog.Nop()}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &apiClient{base: ts.URL, http: ts.Client()}, c
}

func TestAPIClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, cluster := newTestClient(t)

	res, err := client.Store(ctx, []byte("cli payload"), 2, true)
	require.NoError(t, err)
	assert.Equal(t, int64(len("cli payload")), res.Size)
	fp := res.Fingerprint.String()

	var buf bytes.Buffer
	require.NoError(t, client.Read(ctx, fp, &buf))
	assert.Equal(t, "cli payload", buf.String())

	raw, err := client.Status(ctx, fp)
	require.NoError(t, err)
	assert.Contains(t, string(raw), fp)

	renewed, err := client.Renew(ctx, fp, 3)
	require.NoError(t, err)
	assert.Equal(t, res.EndEpoch+3, renewed.EndEpoch)

	for _, body := range []string{"one", "two"} {
		_, err := client.Store(ctx, []byte(body), 1, false)
		require.NoError(t, err)
	}
	var listed []listedBlob
	require.NoError(t, client.List(ctx, 1, func(b listedBlob) error {
		listed = append(listed, b)
		return nil
	}))
	assert.Len(t, listed, 3)

	require.NoError(t, client.Delete(ctx, fp))
	err = client.Read(ctx, fp, &buf)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	cluster.Ledger.Advance(1)
	rep, err := client.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, rep.Expired, 2)
}
