package certificate

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/xerrors"
)

type fixture struct {
	meta     blob.Metadata
	snap     *registry.Snapshot
	keys     map[string]ed25519.PrivateKey
	receipts []Receipt
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{keys: map[string]ed25519.PrivateKey{}}
	var nodes []registry.Node
	for i := 0; i < 3; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		id := fmt.Sprintf("n%d", i)
		f.keys[id] = priv
		nodes = append(nodes, registry.Node{ID: id, Endpoint: "http://" + id, PublicKey: pub})
	}
	var err error
	f.snap, err = registry.NewSnapshot(1, nodes)
	require.NoError(t, err)

	f.meta = blob.Metadata{K: 2, M: 1, Version: blob.EncodingVersion, Size: 4, ShardSize: 2}
	for i := 0; i < 3; i++ {
		f.meta.Digests = append(f.meta.Digests, blob.DigestOf([]byte{byte(i)}))
	}
	f.meta.Fingerprint = f.meta.Commitment()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("n%d", i)
		f.receipts = append(f.receipts, SignReceipt(f.keys[id], Receipt{
			Fingerprint: f.meta.Fingerprint, Index: i, NodeID: id, Digest: f.meta.Digests[i], Attempt: "att-1",
		}))
	}
	return f
}

func TestReceiptVerify(t *testing.T) {
	f := newFixture(t)
	r := f.receipts[0]
	node, _ := f.snap.Lookup("n0")
	require.NoError(t, r.Verify(node.PublicKey))

	other, _ := f.snap.Lookup("n1")
	err := r.Verify(other.PublicKey)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindRejected, xerrors.KindOf(err))

	r.Attempt = "att-2"
	assert.Error(t, r.Verify(node.PublicKey), "receipt must bind the attempt id")
}

func TestAssembleIsOrderIndependent(t *testing.T) {
	f := newFixture(t)
	a := Assemble("att-1", f.meta.Fingerprint, 1, 5, 2, f.receipts)
	reversed := []Receipt{f.receipts[2], f.receipts[1], f.receipts[0], f.receipts[1]}
	b := Assemble("att-1", f.meta.Fingerprint, 1, 5, 2, reversed)
	assert.Equal(t, a.Message(), b.Message())
	assert.Equal(t, 3, b.Covers())
	assert.Equal(t, map[int]string{0: "n0", 1: "n1", 2: "n2"}, b.Holders())
}

func TestCertificateVerify(t *testing.T) {
	f := newFixture(t)
	c := Assemble("att-1", f.meta.Fingerprint, 1, 5, 2, f.receipts[:2])
	require.NoError(t, c.Verify(f.meta, f.snap))

	c.Quorum = 3
	err := c.Verify(f.meta, f.snap)
	assert.Equal(t, xerrors.KindQuorum, xerrors.KindOf(err))

	c.Quorum = 2
	c.Entries[1].NodeID = "n2"
	assert.Error(t, c.Verify(f.meta, f.snap), "entry must be signed by the listed node")
}

func TestSealRoundTrip(t *testing.T) {
	f := newFixture(t)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	c := Assemble("att-1", f.meta.Fingerprint, 3, 9, 2, f.receipts)
	require.NoError(t, c.Seal(NewKeySigner(priv)))
	require.NoError(t, c.VerifySeal())

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	var decoded Certificate
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NoError(t, decoded.VerifySeal())

	decoded.EndEpoch = 100
	assert.Error(t, decoded.VerifySeal())
}
