// Package httpapi serves the publisher and aggregator HTTP endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/certificate"
	"github.com/jacktea/xblob/pkg/engine"
	"github.com/jacktea/xblob/pkg/lifecycle"
	"github.com/jacktea/xblob/pkg/metrics"
	"github.com/jacktea/xblob/pkg/server/middleware"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Response headers carrying lifecycle information.
const (
	HeaderCertifiedEpoch = "X-Certified-Epoch"
	HeaderEndEpoch       = "X-End-Epoch"
	HeaderDeletable      = "X-Deletable"
)

// Server exposes an Engine over HTTP.
type Server struct {
	Engine  *engine.Engine
	Metrics *metrics.Metrics
	Log     zerolog.Logger
	Opts    Options
}

// Options configure auth, pagination, upload limits and rate limiting.
type Options struct {
	APIKey          string
	JWT             middleware.JWTOptions
	RateLimit       middleware.RateLimitOptions
	DefaultPageSize int
	MaxPageSize     int
	// MaxBlobSize rejects larger uploads with 413. Zero means no limit.
	MaxBlobSize int64
	// ReadOnly disables the publisher endpoints.
	ReadOnly bool
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.Log.Info().Str("addr", addr).Msg("http api listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router()
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics.Handler())
	}
	mux.HandleFunc("/blob", s.handleStore)
	mux.HandleFunc("/v1/store", s.handleStore)
	mux.HandleFunc("/blob/", s.handleBlob)
	mux.HandleFunc("/v1/", s.handleAlias)
	mux.HandleFunc("/blobs", s.handleList)
	mux.HandleFunc("/v1/sweep", s.handleSweep)
	return s.applyMiddleware(mux)
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Opts.ReadOnly {
		http.Error(w, "publishing disabled", http.StatusForbidden)
		return
	}
	q := r.URL.Query()
	opts := engine.StoreOptions{}
	if raw := q.Get("epochs"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || n == 0 {
			http.Error(w, "epochs must be a positive integer", http.StatusBadRequest)
			return
		}
		opts.Epochs = n
	}
	if raw := q.Get("deletable"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "deletable must be a boolean", http.StatusBadRequest)
			return
		}
		opts.Deletable = b
	}
	body := io.Reader(r.Body)
	if s.Opts.MaxBlobSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.Opts.MaxBlobSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "blob too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.Engine.Store(r.Context(), data, opts)
	if err != nil {
		s.Log.Warn().Err(err).Int("size", len(data)).Msg("store failed")
		httpError(w, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyStored {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// handleBlob serves /blob/{fp}, /blob/{fp}/status and /blob/{fp}/renew.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/blob/"), "/")
	name, action, _ := strings.Cut(rest, "/")
	fp, err := blob.ParseFingerprint(name)
	if err != nil {
		http.Error(w, "invalid fingerprint", http.StatusBadRequest)
		return
	}
	switch action {
	case "":
		s.serveBlob(w, r, fp)
	case "status":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.status(w, r, fp)
	case "renew":
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.renew(w, r, fp)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleAlias(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/"), "/")
	fp, err := blob.ParseFingerprint(name)
	if err != nil {
		http.Error(w, "invalid fingerprint", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.serveBlob(w, r, fp)
}

func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request, fp blob.Fingerprint) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		s.readBlob(ctx, w, r, fp)
	case http.MethodHead:
		entry, err := s.Engine.Stat(ctx, fp)
		if err == nil {
			err = s.checkLive(ctx, entry)
		}
		if err != nil {
			w.WriteHeader(statusOf(err))
			return
		}
		setEpochHeaders(w, entry.Meta)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.FormatInt(entry.Meta.Size, 10))
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if s.Opts.ReadOnly {
			http.Error(w, "publishing disabled", http.StatusForbidden)
			return
		}
		if err := s.Engine.Delete(ctx, fp); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) readBlob(ctx context.Context, w http.ResponseWriter, r *http.Request, fp blob.Fingerprint) {
	data, err := s.Engine.Read(ctx, fp)
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindReconstruction {
			s.Log.Warn().Err(err).Str("blob", fp.String()).Msg("blob unavailable")
		}
		httpError(w, err)
		return
	}
	if entry, err := s.Engine.Stat(ctx, fp); err == nil {
		setEpochHeaders(w, entry.Meta)
	}
	size := int64(len(data))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "application/octet-stream")
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, parseErr := parseRangeHeader(rangeHeader, size)
		if parseErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// checkLive turns an entry whose storage period has ended into an Expired
// error, matching what a read would return.
func (s *Server) checkLive(ctx context.Context, entry lifecycle.Entry) error {
	current, err := s.Engine.CurrentEpoch(ctx)
	if err != nil {
		return err
	}
	if entry.Meta.Expired(current) {
		return xerrors.Errorf(xerrors.KindExpired, "httpapi.head", entry.Meta.Fingerprint.String(), "storage ended at epoch %d", entry.Meta.EndEpoch)
	}
	return nil
}

type statusResponse struct {
	Meta         blob.Metadata            `json:"meta"`
	Certificate  *certificate.Certificate `json:"certificate"`
	Tx           string                   `json:"tx,omitempty"`
	CurrentEpoch blob.Epoch               `json:"current_epoch"`
	Expired      bool                     `json:"expired"`
	RegisteredAt time.Time                `json:"registered_at"`
	RenewedAt    *time.Time               `json:"renewed_at,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, fp blob.Fingerprint) {
	ctx := r.Context()
	entry, err := s.Engine.Stat(ctx, fp)
	if err != nil {
		httpError(w, err)
		return
	}
	current, err := s.Engine.CurrentEpoch(ctx)
	if err != nil {
		httpError(w, err)
		return
	}
	resp := statusResponse{
		Meta:         entry.Meta,
		Certificate:  entry.Certificate,
		Tx:           string(entry.Tx),
		CurrentEpoch: current,
		Expired:      entry.Meta.Expired(current),
		RegisteredAt: entry.RegisteredAt,
	}
	if !entry.RenewedAt.IsZero() {
		renewed := entry.RenewedAt
		resp.RenewedAt = &renewed
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) renew(w http.ResponseWriter, r *http.Request, fp blob.Fingerprint) {
	if s.Opts.ReadOnly {
		http.Error(w, "publishing disabled", http.StatusForbidden)
		return
	}
	epochs, err := strconv.ParseUint(r.URL.Query().Get("epochs"), 10, 64)
	if err != nil || epochs == 0 {
		http.Error(w, "epochs must be a positive integer", http.StatusBadRequest)
		return
	}
	entry, err := s.Engine.Renew(r.Context(), fp, epochs)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Fingerprint blob.Fingerprint `json:"fingerprint"`
		EndEpoch    blob.Epoch       `json:"end_epoch"`
	}{fp, entry.Meta.EndEpoch})
}

// handleSweep runs one expiry and reclaim pass on demand.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Opts.ReadOnly {
		http.Error(w, "publishing disabled", http.StatusForbidden)
		return
	}
	rep, err := s.Engine.Sweep(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	expired := rep.Expired
	if expired == nil {
		expired = []blob.Fingerprint{}
	}
	writeJSON(w, http.StatusOK, sweepResponse{
		Epoch:     rep.Epoch,
		Expired:   expired,
		Reclaimed: rep.Reclaimed,
		Deferred:  rep.Deferred,
	})
}

type sweepResponse struct {
	Epoch     blob.Epoch         `json:"epoch"`
	Expired   []blob.Fingerprint `json:"expired"`
	Reclaimed int                `json:"reclaimed"`
	Deferred  int                `json:"deferred"`
}

type listEntry struct {
	Fingerprint blob.Fingerprint `json:"fingerprint"`
	Size        int64            `json:"size"`
	EndEpoch    blob.Epoch       `json:"end_epoch"`
	Deletable   bool             `json:"deletable"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, token := s.listingParams(r)
	var after blob.Fingerprint
	if token != "" {
		fp, err := blob.ParseFingerprint(token)
		if err != nil {
			http.Error(w, "invalid page_token", http.StatusBadRequest)
			return
		}
		after = fp
	}
	entries, err := s.Engine.List(r.Context(), after, limit+1)
	if err != nil {
		httpError(w, err)
		return
	}
	var nextToken string
	if len(entries) > limit {
		nextToken = entries[limit-1].Meta.Fingerprint.String()
		entries = entries[:limit]
	}
	out := make([]listEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, listEntry{
			Fingerprint: e.Meta.Fingerprint,
			Size:        e.Meta.Size,
			EndEpoch:    e.Meta.EndEpoch,
			Deletable:   e.Meta.Deletable,
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Blobs         []listEntry `json:"blobs"`
		NextPageToken string      `json:"next_page_token,omitempty"`
	}{out, nextToken})
}

func setEpochHeaders(w http.ResponseWriter, meta blob.Metadata) {
	w.Header().Set(HeaderCertifiedEpoch, strconv.FormatUint(uint64(meta.CreatedEpoch), 10))
	w.Header().Set(HeaderEndEpoch, strconv.FormatUint(uint64(meta.EndEpoch), 10))
	w.Header().Set(HeaderDeletable, strconv.FormatBool(meta.Deletable))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps error kinds to HTTP statuses. A blob that cannot be
// reconstructed is reported as not found.
func statusOf(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound, xerrors.KindReconstruction:
		return http.StatusNotFound
	case xerrors.KindExpired:
		return http.StatusGone
	case xerrors.KindAlreadyExists:
		return http.StatusConflict
	case xerrors.KindPermission:
		return http.StatusForbidden
	case xerrors.KindInvalid, xerrors.KindIntegrity:
		return http.StatusBadRequest
	case xerrors.KindQuorum, xerrors.KindUnreachable:
		return http.StatusServiceUnavailable
	case xerrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func httpError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusOf(err))
}

func parseRangeHeader(header string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, fmt.Errorf("resource empty")
	}
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, fmt.Errorf("unsupported range unit")
	}
	rangeSpec := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if rangeSpec == "" || strings.Contains(rangeSpec, ",") {
		return 0, 0, fmt.Errorf("invalid range")
	}
	if strings.HasPrefix(rangeSpec, "-") {
		n, err := strconv.ParseInt(strings.TrimPrefix(rangeSpec, "-"), 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix range")
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}
	parts := strings.SplitN(rangeSpec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range spec")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start")
	}
	var end int64
	if parts[1] == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || end < 0 {
			return 0, 0, fmt.Errorf("invalid range end")
		}
	}
	if start >= size {
		return 0, 0, fmt.Errorf("start beyond size")
	}
	if end >= size {
		end = size - 1
	}
	if start > end {
		return 0, 0, fmt.Errorf("start greater than end")
	}
	return start, end, nil
}

func (s *Server) listingParams(r *http.Request) (limit int, token string) {
	def, max := s.pageBounds()
	limit = def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	token = r.URL.Query().Get("page_token")
	return limit, token
}

func (s *Server) pageBounds() (def int, max int) {
	def = 100
	max = 1000
	if s.Opts.DefaultPageSize > 0 {
		def = s.Opts.DefaultPageSize
	}
	if s.Opts.MaxPageSize > 0 {
		max = s.Opts.MaxPageSize
	}
	if def > max {
		def = max
	}
	return def, max
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	chain := []middleware.HTTPMiddleware{middleware.AccessLog(s.Log)}
	if auth := middleware.APIKeyAuth(s.Opts.APIKey); auth != nil {
		chain = append(chain, auth)
	}
	if auth := middleware.JWTAuth(s.Opts.JWT); auth != nil {
		chain = append(chain, auth)
	}
	if limit := middleware.RateLimit(s.Opts.RateLimit); limit != nil {
		chain = append(chain, limit)
	}
	return middleware.Wrap(handler, chain...)
}
