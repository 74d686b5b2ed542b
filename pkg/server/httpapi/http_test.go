package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/engine"
	"github.com/jacktea/xblob/pkg/engine/enginetest"
	"github.com/jacktea/xblob/pkg/server/middleware"
	"github.com/jacktea/xblob/pkg/xerrors"
)

type fixture struct {
	cluster *enginetest.Cluster
	handler http.Handler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	c := enginetest.NewCluster(t, 6)
	srv := &Server{Engine: c.Engine(t), Metrics: c.Metrics, Log: zerolog.Nop(), Opts: opts}
	return &fixture{cluster: c, handler: srv.router()}
}

func (f *fixture) do(t *testing.T, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) store(t *testing.T, data []byte, query string) engine.StoreResult {
	t.Helper()
	rr := f.do(t, http.MethodPut, "/blob?"+query, data, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var res engine.StoreResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode store response: %v", err)
	}
	return res
}

func TestHTTPAPIPutAndGet(t *testing.T) {
	f := newFixture(t, Options{})
	data := []byte("hello erasure coded world")
	rr := f.do(t, http.MethodPut, "/blob?epochs=3", data, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var raw map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"fingerprint", "certified_epoch", "end_epoch"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("response lacks %q: %s", key, rr.Body.String())
		}
	}
	var res engine.StoreResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.EndEpoch != res.CertifiedEpoch+3 {
		t.Fatalf("end epoch %d, certified %d", res.EndEpoch, res.CertifiedEpoch)
	}

	rr = f.do(t, http.MethodGet, "/blob/"+res.Fingerprint.String(), nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !bytes.Equal(rr.Body.Bytes(), data) {
		t.Fatalf("expected %q, got %q", data, rr.Body.String())
	}
	if got := rr.Header().Get(HeaderEndEpoch); got != strconv.FormatUint(uint64(res.EndEpoch), 10) {
		t.Fatalf("unexpected end epoch header %q", got)
	}

	rr = f.do(t, http.MethodGet, "/v1/"+res.Fingerprint.String(), nil, nil)
	if rr.Code != http.StatusOK || !bytes.Equal(rr.Body.Bytes(), data) {
		t.Fatalf("alias read failed: %d", rr.Code)
	}

	rr = f.do(t, http.MethodPut, "/v1/store?epochs=3", data, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for an already stored blob, got %d", rr.Code)
	}
}

func TestHTTPAPIUnknownAndMalformed(t *testing.T) {
	f := newFixture(t, Options{})
	unknown := blob.Fingerprint{1, 2, 3}
	if rr := f.do(t, http.MethodGet, "/blob/"+unknown.String(), nil, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodHead, "/blob/"+unknown.String(), nil, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on head, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/blob/not-a-fingerprint", nil, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPut, "/blob?epochs=zero", []byte("x"), nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad epochs, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPut, "/blob?deletable=maybe", []byte("x"), nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad deletable, got %d", rr.Code)
	}
}

func TestHTTPAPIUnavailableBlobIsNotFound(t *testing.T) {
	f := newFixture(t, Options{})
	res := f.store(t, bytes.Repeat([]byte("z"), 4096), "epochs=2")
	for _, n := range f.cluster.Nodes {
		n.SetOffline(true)
	}
	rr := f.do(t, http.MethodGet, "/blob/"+res.Fingerprint.String(), nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unreconstructable blob, got %d", rr.Code)
	}
}

func TestHTTPAPIRangeGet(t *testing.T) {
	f := newFixture(t, Options{})
	res := f.store(t, []byte("hello world"), "")

	rr := f.do(t, http.MethodGet, "/blob/"+res.Fingerprint.String(), nil, http.Header{"Range": {"bytes=6-10"}})
	if rr.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rr.Code)
	}
	if rr.Body.String() != "world" {
		t.Fatalf("expected world, got %q", rr.Body.String())
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes 6-10/11" {
		t.Fatalf("unexpected content-range %q", got)
	}

	rr = f.do(t, http.MethodGet, "/blob/"+res.Fingerprint.String(), nil, http.Header{"Range": {"bytes=50-60"}})
	if rr.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("expected 416, got %d", rr.Code)
	}
}

func TestHTTPAPIHeadStatusRenewDelete(t *testing.T) {
	f := newFixture(t, Options{})
	data := []byte("lifecycle")
	res := f.store(t, data, "epochs=1&deletable=true")
	path := "/blob/" + res.Fingerprint.String()

	rr := f.do(t, http.MethodHead, path, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Content-Length") != strconv.Itoa(len(data)) || rr.Header().Get(HeaderDeletable) != "true" {
		t.Fatalf("unexpected head headers %v", rr.Header())
	}

	rr = f.do(t, http.MethodPost, path+"/renew?epochs=2", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on renew, got %d: %s", rr.Code, rr.Body.String())
	}
	var renewed struct {
		EndEpoch blob.Epoch `json:"end_epoch"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &renewed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if renewed.EndEpoch != res.EndEpoch+2 {
		t.Fatalf("renewed end epoch %d, want %d", renewed.EndEpoch, res.EndEpoch+2)
	}
	if rr := f.do(t, http.MethodPost, path+"/renew", nil, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without epochs, got %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, path+"/status", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on status, got %d", rr.Code)
	}
	var status statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Meta.Fingerprint != res.Fingerprint || status.Certificate == nil || status.Expired {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Certificate.Covers() < 5 {
		t.Fatalf("certificate covers %d shards", status.Certificate.Covers())
	}

	if rr := f.do(t, http.MethodDelete, path, nil, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, path, nil, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestHTTPAPIDeletePermanentIsForbidden(t *testing.T) {
	f := newFixture(t, Options{})
	res := f.store(t, []byte("permanent"), "epochs=4")
	if rr := f.do(t, http.MethodDelete, "/blob/"+res.Fingerprint.String(), nil, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestHTTPAPIExpiredIsGone(t *testing.T) {
	f := newFixture(t, Options{})
	res := f.store(t, []byte("short lived"), "epochs=1")
	f.cluster.Ledger.Advance(1)
	path := "/blob/" + res.Fingerprint.String()
	if rr := f.do(t, http.MethodGet, path, nil, nil); rr.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodHead, path, nil, nil); rr.Code != http.StatusGone {
		t.Fatalf("expected 410 on head, got %d", rr.Code)
	}
}

func TestHTTPAPIMaxBlobSize(t *testing.T) {
	f := newFixture(t, Options{MaxBlobSize: 8})
	if rr := f.do(t, http.MethodPut, "/blob", []byte("far too large"), nil); rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestHTTPAPIReadOnly(t *testing.T) {
	f := newFixture(t, Options{ReadOnly: true})
	if rr := f.do(t, http.MethodPut, "/blob", []byte("x"), nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestHTTPAPIListPagination(t *testing.T) {
	f := newFixture(t, Options{DefaultPageSize: 2})
	for i := 0; i < 5; i++ {
		f.store(t, []byte{byte(i), 'b'}, "")
	}
	seen := map[blob.Fingerprint]bool{}
	token := ""
	for pages := 0; pages < 10; pages++ {
		target := "/blobs"
		if token != "" {
			target += "?page_token=" + token
		}
		rr := f.do(t, http.MethodGet, target, nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var page struct {
			Blobs         []listEntry `json:"blobs"`
			NextPageToken string      `json:"next_page_token"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(page.Blobs) > 2 {
			t.Fatalf("page of %d exceeds limit", len(page.Blobs))
		}
		for _, b := range page.Blobs {
			if seen[b.Fingerprint] {
				t.Fatalf("duplicate %s across pages", b.Fingerprint)
			}
			seen[b.Fingerprint] = true
		}
		token = page.NextPageToken
		if token == "" {
			break
		}
	}
	if len(seen) != 5 {
		t.Fatalf("listed %d blobs, want 5", len(seen))
	}
}

func TestHTTPAPIAuthMiddleware(t *testing.T) {
	f := newFixture(t, Options{APIKey: "secret"})
	rr := f.do(t, http.MethodGet, "/blobs", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/blobs", nil, http.Header{"Authorization": {"Bearer secret"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 after auth, got %d", rr.Code)
	}
}

func TestHTTPAPIJWT(t *testing.T) {
	secret := []byte("publisher-secret")
	f := newFixture(t, Options{JWT: middleware.JWTOptions{Secret: secret, Public: true}})
	if rr := f.do(t, http.MethodPut, "/blob", []byte("x"), nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	token, err := middleware.IssueToken(secret, "", "publisher", middleware.ScopeWrite, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rr := f.do(t, http.MethodPut, "/blob", []byte("x"), http.Header{"Authorization": {"Bearer " + token}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := f.do(t, http.MethodGet, "/blobs", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("expected public read, got %d", rr.Code)
	}
}

func TestHTTPAPIRateLimit(t *testing.T) {
	now := time.Unix(0, 0)
	f := newFixture(t, Options{RateLimit: middleware.RateLimitOptions{
		Requests: 1,
		Window:   time.Second,
		Now:      func() time.Time { return now },
	}})
	if rr := f.do(t, http.MethodGet, "/healthz", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/healthz", nil, nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestHTTPAPIMetrics(t *testing.T) {
	f := newFixture(t, Options{})
	f.store(t, []byte("counted"), "")
	rr := f.do(t, http.MethodGet, "/metrics", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("xblob_writes_total")) {
		t.Fatal("metrics output lacks xblob_writes_total")
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[xerrors.Kind]int{
		xerrors.KindNotFound:       http.StatusNotFound,
		xerrors.KindReconstruction: http.StatusNotFound,
		xerrors.KindExpired:        http.StatusGone,
		xerrors.KindPermission:     http.StatusForbidden,
		xerrors.KindInvalid:        http.StatusBadRequest,
		xerrors.KindQuorum:         http.StatusServiceUnavailable,
		xerrors.KindConfig:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusOf(xerrors.E(kind, "op", "")); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
}

func TestParseRangeHeader(t *testing.T) {
	cases := []struct {
		header     string
		start, end int64
		ok         bool
	}{
		{"bytes=0-4", 0, 4, true},
		{"bytes=6-", 6, 10, true},
		{"bytes=-3", 8, 10, true},
		{"bytes=-30", 0, 10, true},
		{"bytes=3-100", 3, 10, true},
		{"bytes=11-12", 0, 0, false},
		{"bytes=5-2", 0, 0, false},
		{"bytes=0-1,3-4", 0, 0, false},
		{"items=0-1", 0, 0, false},
	}
	for _, tc := range cases {
		start, end, err := parseRangeHeader(tc.header, 11)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: ok=%v err=%v", tc.header, tc.ok, err)
		}
		if tc.ok && (start != tc.start || end != tc.end) {
			t.Fatalf("%s: got %d-%d want %d-%d", tc.header, start, end, tc.start, tc.end)
		}
	}
}

func TestHTTPAPISweep(t *testing.T) {
	f := newFixture(t, Options{})
	res := f.store(t, []byte("swept away"), "epochs=1")
	if rr := f.do(t, http.MethodGet, "/v1/sweep", nil, nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	f.cluster.Ledger.Advance(1)
	rr := f.do(t, http.MethodPost, "/v1/sweep", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("sweep: %d %s", rr.Code, rr.Body.String())
	}
	var rep sweepResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rep.Expired) != 1 || rep.Expired[0] != res.Fingerprint {
		t.Fatalf("unexpected expired set %v", rep.Expired)
	}
	if rr := f.do(t, http.MethodGet, "/blob/"+res.Fingerprint.String(), nil, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after sweep, got %d", rr.Code)
	}
}
