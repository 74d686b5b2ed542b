package storagenode

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/encryption"
	"github.com/jacktea/xblob/pkg/xerrors"
)

const shardInfoHeader = "X-Amz-Meta-Shard-Info"

// RemoteConfig configures a RemoteStore backed by an S3 compatible bucket.
type RemoteConfig struct {
	Endpoint     string
	Bucket       string
	Prefix       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Seal         encryption.Options
	Client       *http.Client
}

// RemoteStore keeps shards as objects in an S3 compatible bucket. Shard
// metadata rides along as object metadata so no local index is needed.
type RemoteStore struct {
	client  *http.Client
	baseURL string
	prefix  string
	signer  *s3Signer
	sealer  *encryption.Sealer
}

// NewRemoteStore validates cfg and returns a store. The bucket must exist.
func NewRemoteStore(cfg RemoteConfig) (*RemoteStore, error) {
	if cfg.Endpoint == "" || strings.Trim(cfg.Bucket, "/") == "" {
		return nil, xerrors.Errorf(xerrors.KindConfig, "RemoteStore", cfg.Endpoint, "endpoint and bucket required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, xerrors.Errorf(xerrors.KindConfig, "RemoteStore", cfg.Endpoint, "access key and secret key required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	sealer, err := encryption.NewSealer(cfg.Seal)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfig, "RemoteStore", cfg.Endpoint, err)
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteStore{
		client:  client,
		baseURL: strings.TrimSuffix(cfg.Endpoint, "/") + "/" + strings.Trim(cfg.Bucket, "/"),
		prefix:  strings.Trim(cfg.Prefix, "/"),
		signer: &s3Signer{
			accessKey: cfg.AccessKey,
			secretKey: cfg.SecretKey,
			region:    cfg.Region,
			token:     cfg.SessionToken,
		},
		sealer: sealer,
	}, nil
}

func (r *RemoteStore) Put(ctx context.Context, info ShardInfo, data []byte) error {
	op := ShardPath(info.Fingerprint, info.Index)
	payload, err := r.sealer.Seal(data)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "RemoteStore.Put", op, err)
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.objectURL(info.Fingerprint, info.Index), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	md5Sum := md5.Sum(payload)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Length", strconv.Itoa(len(payload)))
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5Sum[:]))
	req.Header.Set(shardInfoHeader, base64.RawURLEncoding.EncodeToString(meta))
	resp, err := r.do(req, payload)
	if err != nil {
		return xerrors.Wrap(xerrors.KindUnreachable, "RemoteStore.Put", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return remoteStatusError("RemoteStore.Put", op, resp)
	}
	return nil
}

func (r *RemoteStore) Get(ctx context.Context, fp blob.Fingerprint, index int) (ShardInfo, []byte, error) {
	op := ShardPath(fp, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.objectURL(fp, index), nil)
	if err != nil {
		return ShardInfo{}, nil, err
	}
	resp, err := r.do(req, nil)
	if err != nil {
		return ShardInfo{}, nil, xerrors.Wrap(xerrors.KindUnreachable, "RemoteStore.Get", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return ShardInfo{}, nil, remoteStatusError("RemoteStore.Get", op, resp)
	}
	sealed, err := io.ReadAll(resp.Body)
	if err != nil {
		return ShardInfo{}, nil, xerrors.Wrap(xerrors.KindUnreachable, "RemoteStore.Get", op, err)
	}
	info, err := decodeShardInfo(resp.Header.Get(shardInfoHeader))
	if err != nil {
		return ShardInfo{}, nil, xerrors.Wrap(xerrors.KindIntegrity, "RemoteStore.Get", op, err)
	}
	data, err := r.sealer.Open(sealed)
	if err != nil {
		return ShardInfo{}, nil, xerrors.Wrap(xerrors.KindIntegrity, "RemoteStore.Get", op, err)
	}
	return info, data, nil
}

// Delete removes a shard. S3 deletes are idempotent, so a HEAD first
// tells a missing shard apart.
func (r *RemoteStore) Delete(ctx context.Context, fp blob.Fingerprint, index int) error {
	op := ShardPath(fp, index)
	head, err := http.NewRequestWithContext(ctx, http.MethodHead, r.objectURL(fp, index), nil)
	if err != nil {
		return err
	}
	resp, err := r.do(head, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.KindUnreachable, "RemoteStore.Delete", op, err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return xerrors.E(xerrors.KindNotFound, "RemoteStore.Delete", op)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.objectURL(fp, index), nil)
	if err != nil {
		return err
	}
	resp, err = r.do(req, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.KindUnreachable, "RemoteStore.Delete", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return remoteStatusError("RemoteStore.Delete", op, resp)
	}
	return nil
}

type listBucketResult struct {
	KeyCount              int    `xml:"KeyCount"`
	IsTruncated           bool   `xml:"IsTruncated"`
	NextContinuationToken string `xml:"NextContinuationToken"`
	Contents              []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

// Count pages through ListObjectsV2 under the store prefix.
func (r *RemoteStore) Count(ctx context.Context) (int, error) {
	total := 0
	token := ""
	for {
		q := url.Values{}
		q.Set("list-type", "2")
		if r.prefix != "" {
			q.Set("prefix", r.prefix+"/")
		}
		if token != "" {
			q.Set("continuation-token", token)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"?"+q.Encode(), nil)
		if err != nil {
			return 0, err
		}
		resp, err := r.do(req, nil)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.KindUnreachable, "RemoteStore.Count", r.baseURL, err)
		}
		if resp.StatusCode >= 300 {
			err := remoteStatusError("RemoteStore.Count", r.baseURL, resp)
			resp.Body.Close()
			return 0, err
		}
		var page listBucketResult
		err = xml.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return 0, xerrors.Wrap(xerrors.KindInternal, "RemoteStore.Count", r.baseURL, err)
		}
		total += len(page.Contents)
		if !page.IsTruncated || page.NextContinuationToken == "" {
			return total, nil
		}
		token = page.NextContinuationToken
	}
}

func (r *RemoteStore) Close() error {
	r.sealer.Close()
	return nil
}

// objectKey lays shards out as {prefix}/{fingerprint}/{index}.
func (r *RemoteStore) objectKey(fp blob.Fingerprint, index int) string {
	key := fmt.Sprintf("%x/%d", fp[:], index)
	if r.prefix != "" {
		key = r.prefix + "/" + key
	}
	return key
}

func (r *RemoteStore) objectURL(fp blob.Fingerprint, index int) string {
	return r.baseURL + "/" + r.objectKey(fp, index)
}

func (r *RemoteStore) do(req *http.Request, payload []byte) (*http.Response, error) {
	sum := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set("x-amz-content-sha256", payloadHash)
	if err := r.signer.Sign(req, payloadHash); err != nil {
		return nil, err
	}
	return r.client.Do(req)
}

func decodeShardInfo(header string) (ShardInfo, error) {
	var info ShardInfo
	if header == "" {
		return info, fmt.Errorf("object has no shard metadata")
	}
	raw, err := base64.RawURLEncoding.DecodeString(header)
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(raw, &info)
	return info, err
}

func remoteStatusError(op, p string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	kind := xerrors.KindInternal
	switch {
	case resp.StatusCode == http.StatusNotFound:
		kind = xerrors.KindNotFound
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		kind = xerrors.KindPermission
	case resp.StatusCode >= 500:
		kind = xerrors.KindUnreachable
	}
	return xerrors.Errorf(kind, op, p, "remote %s: %s", resp.Status, strings.TrimSpace(string(body)))
}

type s3Signer struct {
	accessKey string
	secretKey string
	region    string
	token     string
	now       func() time.Time
}

// Sign adds an AWS SigV4 Authorization header covering every header on req.
func (s *s3Signer) Sign(req *http.Request, payloadHash string) error {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	t := now().UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := t.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("host", req.URL.Host)
	if s.token != "" {
		req.Header.Set("x-amz-security-token", s.token)
	}
	canonicalHeaders, signedHeaders := canonicalHeaderStrings(req.Header)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQueryString(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hashedRequest := sha256.Sum256([]byte(canonicalRequest))
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, s.region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hashedRequest[:]),
	}, "\n")
	signature := hex.EncodeToString(hmacSHA256(s.deriveKey(dateStamp), stringToSign))
	req.Header.Set("Authorization", fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		s.accessKey, scope, signedHeaders, signature))
	return nil
}

func (s *s3Signer) deriveKey(date string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+s.secretKey), date)
	kRegion := hmacSHA256(kDate, s.region)
	kService := hmacSHA256(kRegion, "s3")
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func canonicalURI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	values, _ := url.ParseQuery(u.RawQuery)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, awsEscape(k)+"="+awsEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// awsEscape percent-encodes everything except the SigV4 unreserved set.
func awsEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func canonicalHeaderStrings(h http.Header) (string, string) {
	lower := make(map[string][]string, len(h))
	for k, v := range h {
		lk := strings.ToLower(k)
		lower[lk] = append(lower[lk], v...)
	}
	keys := make([]string, 0, len(lower))
	for k := range lower {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	canonical := make([]string, 0, len(keys))
	for _, k := range keys {
		values := make([]string, len(lower[k]))
		for i, v := range lower[k] {
			values[i] = strings.TrimSpace(v)
		}
		canonical = append(canonical, k+":"+strings.Join(values, ","))
	}
	return strings.Join(canonical, "\n") + "\n", strings.Join(keys, ";")
}
