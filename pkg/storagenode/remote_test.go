package storagenode

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/encryption"
	"github.com/jacktea/xblob/pkg/xerrors"
)

func newFakeBucket(t *testing.T, bucket string) string {
	t.Helper()
	backend := s3mem.New()
	require.NoError(t, backend.CreateBucket(bucket))
	srv := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(srv.Close)
	return srv.URL
}

func newTestRemote(t *testing.T, prefix string, seal encryption.Options) *RemoteStore {
	t.Helper()
	s, err := NewRemoteStore(RemoteConfig{
		Endpoint:  newFakeBucket(t, "shards"),
		Bucket:    "shards",
		Prefix:    prefix,
		AccessKey: "AKIAEXAMPLE",
		SecretKey: "SECRET",
		Seal:      seal,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRemoteStore(t *testing.T) {
	storeContract(t, newTestRemote(t, "node-a", encryption.Options{
		Method:   encryption.MethodAES256CTR,
		Key:      bytes.Repeat([]byte{3}, 32),
		Compress: true,
	}))
}

func TestRemoteStoreCountsOnlyItsPrefix(t *testing.T) {
	ctx := context.Background()
	endpoint := newFakeBucket(t, "shared")
	open := func(prefix string) *RemoteStore {
		s, err := NewRemoteStore(RemoteConfig{Endpoint: endpoint, Bucket: "shared", Prefix: prefix, AccessKey: "a", SecretKey: "b"})
		require.NoError(t, err)
		return s
	}
	a, b := open("a"), open("b")
	defer a.Close()
	defer b.Close()

	data := []byte("one shard")
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Put(ctx, ShardInfo{Fingerprint: testFP, Index: i, Digest: blob.DigestOf(data), Size: len(data)}, data))
	}
	require.NoError(t, b.Put(ctx, ShardInfo{Fingerprint: testFP, Index: 0, Digest: blob.DigestOf(data), Size: len(data)}, data))

	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRemoteStoreRejectsForeignObject(t *testing.T) {
	ctx := context.Background()
	s := newTestRemote(t, "", encryption.Options{})
	req, err := http.NewRequest(http.MethodPut, s.objectURL(testFP, 0), strings.NewReader("raw"))
	require.NoError(t, err)
	resp, err := s.do(req, []byte("raw"))
	require.NoError(t, err)
	resp.Body.Close()

	_, _, err = s.Get(ctx, testFP, 0)
	assert.Equal(t, xerrors.KindIntegrity, xerrors.KindOf(err))
}

func TestNewRemoteStoreValidates(t *testing.T) {
	_, err := NewRemoteStore(RemoteConfig{Bucket: "b", AccessKey: "a", SecretKey: "s"})
	assert.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
	_, err = NewRemoteStore(RemoteConfig{Endpoint: "http://x", Bucket: "/", AccessKey: "a", SecretKey: "s"})
	assert.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
	_, err = NewRemoteStore(RemoteConfig{Endpoint: "http://x", Bucket: "b"})
	assert.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
}

func TestS3SignerAddsAuthorization(t *testing.T) {
	signer := &s3Signer{
		accessKey: "AKIAEXAMPLE",
		secretKey: "SECRET",
		region:    "us-east-1",
		token:     "session",
		now: func() time.Time {
			return time.Date(2023, 3, 10, 12, 0, 0, 0, time.UTC)
		},
	}
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/bucket/object?b=2&a=1", nil)
	require.NoError(t, signer.Sign(req, "UNSIGNED-PAYLOAD"))

	auth := req.Header.Get("Authorization")
	assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIAEXAMPLE/20230310/us-east-1/s3/aws4_request"), auth)
	assert.Contains(t, auth, "SignedHeaders=host;x-amz-date;x-amz-security-token")
	assert.Equal(t, "20230310T120000Z", req.Header.Get("x-amz-date"))
	assert.Equal(t, "session", req.Header.Get("x-amz-security-token"))

	again, _ := http.NewRequest(http.MethodGet, "https://example.com/bucket/object?a=1&b=2", nil)
	require.NoError(t, signer.Sign(again, "UNSIGNED-PAYLOAD"))
	assert.Equal(t, auth, again.Header.Get("Authorization"))
}

func TestCanonicalQueryString(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/b?prefix=a%2F&list-type=2&continuation-token=x+y", nil)
	assert.Equal(t, "continuation-token=x%20y&list-type=2&prefix=a%2F", canonicalQueryString(req.URL))
}
