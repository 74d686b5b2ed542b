// Package storagenode serves the shard wire protocol: nodes accept shards,
// return signed receipts and serve shards back by fingerprint and index.
package storagenode

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/certificate"
	"github.com/jacktea/xblob/pkg/metrics"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// DefaultMaxShardSize caps request bodies.
const DefaultMaxShardSize = 64 << 20

// Server exposes a Store over HTTP.
type Server struct {
	NodeID       string
	Key          ed25519.PrivateKey
	Store        Store
	Metrics      *metrics.Metrics
	Log          zerolog.Logger
	MaxShardSize int64

	// locks serialize writes and deletes of the same shard.
	locks [64]sync.Mutex
}

func (s *Server) lockShard(fp blob.Fingerprint, index int) *sync.Mutex {
	mu := &s.locks[(int(fp[0])+index)%len(s.locks)]
	mu.Lock()
	return mu
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.Log.Info().Str("node", s.NodeID).Str("addr", addr).Msg("storage node listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the protocol router.
func (s *Server) Handler() http.Handler {
	if s.Metrics == nil {
		s.Metrics = metrics.New(nil)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc(shardPrefix, s.handleShard)
	return mux
}

func (s *Server) handleShard(w http.ResponseWriter, r *http.Request) {
	fp, index, err := ParseShardPath(r.URL.Path)
	if err != nil {
		s.reply(w, r, http.StatusBadRequest, err.Error())
		return
	}
	switch r.Method {
	case http.MethodPut:
		s.putShard(w, r, fp, index)
	case http.MethodGet, http.MethodHead:
		s.getShard(w, r, fp, index)
	case http.MethodDelete:
		s.deleteShard(w, r, fp, index)
	default:
		s.reply(w, r, http.StatusMethodNotAllowed, "")
	}
}

func (s *Server) putShard(w http.ResponseWriter, r *http.Request, fp blob.Fingerprint, index int) {
	digest, err := blob.ParseDigest(r.Header.Get(HeaderDigest))
	if err != nil {
		s.reply(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit := s.MaxShardSize
	if limit <= 0 {
		limit = DefaultMaxShardSize
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		s.reply(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if int64(len(data)) > limit {
		s.reply(w, r, http.StatusRequestEntityTooLarge, "shard exceeds "+strconv.FormatInt(limit, 10)+" bytes")
		return
	}
	if blob.DigestOf(data) != digest {
		s.reply(w, r, http.StatusUnprocessableEntity, "body does not match "+HeaderDigest)
		return
	}
	attempt := r.Header.Get(HeaderAttempt)
	info := ShardInfo{Fingerprint: fp, Index: index, Digest: digest, Size: len(data), Attempt: attempt, StoredAt: time.Now().UTC()}
	mu := s.lockShard(fp, index)
	err = s.Store.Put(r.Context(), info, data)
	mu.Unlock()
	if err != nil {
		s.Log.Error().Err(err).Str("shard", r.URL.Path).Msg("store shard")
		s.reply(w, r, http.StatusInternalServerError, "store failed")
		return
	}
	s.updateGauge(r.Context())

	receipt := certificate.SignReceipt(s.Key, certificate.Receipt{
		Fingerprint: fp,
		Index:       index,
		NodeID:      s.NodeID,
		Digest:      digest,
		Attempt:     attempt,
	})
	s.Metrics.ShardOps.WithLabelValues(r.Method, strconv.Itoa(http.StatusOK)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderNode, s.NodeID)
	_ = json.NewEncoder(w).Encode(receipt)
}

func (s *Server) getShard(w http.ResponseWriter, r *http.Request, fp blob.Fingerprint, index int) {
	info, data, err := s.Store.Get(r.Context(), fp, index)
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindNotFound {
			s.reply(w, r, http.StatusNotFound, "")
			return
		}
		s.Log.Error().Err(err).Str("shard", r.URL.Path).Msg("load shard")
		s.reply(w, r, http.StatusInternalServerError, "load failed")
		return
	}
	s.Metrics.ShardOps.WithLabelValues(r.Method, strconv.Itoa(http.StatusOK)).Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(HeaderDigest, info.Digest.String())
	w.Header().Set(HeaderNode, s.NodeID)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

// deleteShard drops a shard. With an attempt header only a shard stored by
// that attempt is dropped; a shard rewritten by a later attempt answers 409.
func (s *Server) deleteShard(w http.ResponseWriter, r *http.Request, fp blob.Fingerprint, index int) {
	mu := s.lockShard(fp, index)
	defer mu.Unlock()
	if attempt := r.Header.Get(HeaderAttempt); attempt != "" {
		info, _, err := s.Store.Get(r.Context(), fp, index)
		if err != nil && xerrors.KindOf(err) != xerrors.KindIntegrity {
			if xerrors.KindOf(err) == xerrors.KindNotFound {
				s.reply(w, r, http.StatusNotFound, "")
				return
			}
			s.reply(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		if err == nil && info.Attempt != attempt {
			s.Log.Debug().Str("shard", r.URL.Path).Str("stored", info.Attempt).Str("requested", attempt).Msg("reclaim skipped for newer attempt")
			s.reply(w, r, http.StatusConflict, "shard held for attempt "+info.Attempt)
			return
		}
	}
	if err := s.Store.Delete(r.Context(), fp, index); err != nil {
		if xerrors.KindOf(err) == xerrors.KindNotFound {
			s.reply(w, r, http.StatusNotFound, "")
			return
		}
		s.reply(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.updateGauge(r.Context())
	s.Log.Debug().Str("shard", r.URL.Path).Msg("shard reclaimed")
	s.reply(w, r, http.StatusNoContent, "")
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.Metrics.ShardOps.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	if msg == "" {
		w.WriteHeader(status)
		return
	}
	http.Error(w, msg, status)
}

func (s *Server) updateGauge(ctx context.Context) {
	if n, err := s.Store.Count(ctx); err == nil {
		s.Metrics.ShardsStored.Set(float64(n))
	}
}
