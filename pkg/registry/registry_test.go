package registry

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/xblob/pkg/xerrors"
)

func TestNewSnapshotValidates(t *testing.T) {
	_, err := NewSnapshot(1, []Node{{ID: "a", Endpoint: "http://a"}, {ID: "a", Endpoint: "http://b"}})
	require.Error(t, err)
	assert.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))

	_, err = NewSnapshot(1, []Node{{ID: "a"}})
	require.Error(t, err)

	_, err = NewSnapshot(1, []Node{{ID: "a", Endpoint: "http://a", State: "sleepy"}})
	require.Error(t, err)
}

func TestSnapshotIsImmutable(t *testing.T) {
	nodes := []Node{{ID: "b", Endpoint: "http://b/"}, {ID: "a", Endpoint: "http://a"}}
	snap, err := NewSnapshot(1, nodes)
	require.NoError(t, err)
	nodes[0].Endpoint = "http://changed"

	got := snap.Nodes()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "http://b", got[1].Endpoint)

	got[0].ID = "zzz"
	_, ok := snap.Lookup("a")
	assert.True(t, ok)

	next, err := snap.With("a", StateOffline)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Version())
	assert.Len(t, next.Eligible(), 1)
	assert.Len(t, snap.Eligible(), 2)
}

func TestHolderSwapOnlyNewer(t *testing.T) {
	s1, _ := NewSnapshot(1, []Node{{ID: "a", Endpoint: "http://a"}})
	s2, _ := NewSnapshot(2, []Node{{ID: "b", Endpoint: "http://b"}})
	h := NewHolder(s1)
	assert.True(t, h.Swap(s2))
	assert.False(t, h.Swap(s1))
	assert.Equal(t, uint64(2), h.Snapshot().Version())
}

func TestHolderConcurrentReaders(t *testing.T) {
	s1, _ := NewSnapshot(1, []Node{{ID: "a", Endpoint: "http://a"}})
	h := NewHolder(s1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			snap, _ := NewSnapshot(v, []Node{{ID: "a", Endpoint: "http://a"}, {ID: "b", Endpoint: "http://b"}})
			h.Swap(snap)
			cur := h.Snapshot()
			assert.GreaterOrEqual(t, cur.Len(), 1)
		}(uint64(i + 2))
	}
	wg.Wait()
	assert.Equal(t, uint64(9), h.Snapshot().Version())
}

func TestLoadFileRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	snap, err := NewSnapshot(4, []Node{
		{ID: "n1", Endpoint: "http://127.0.0.1:9001", PublicKey: pub, Zone: "z1"},
		{ID: "n2", Endpoint: "http://127.0.0.1:9002", State: StateDraining},
	})
	require.NoError(t, err)
	data, err := Marshal(snap)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), loaded.Version())
	n1, ok := loaded.Lookup("n1")
	require.True(t, ok)
	assert.True(t, pub.Equal(n1.PublicKey))
	n2, _ := loaded.Lookup("n2")
	assert.False(t, n2.Eligible())
}

func TestParseRejectsBadKey(t *testing.T) {
	_, err := Parse([]byte("version: 1\nnodes:\n  - id: a\n    endpoint: http://a\n    public_key: nope\n"))
	require.Error(t, err)
	assert.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
}
