// Package s3gw exposes the blob engine through a subset of the S3 API.
// Keys are mapped to fingerprints by an Index; object bodies are blobs.
package s3gw

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/engine"
	"github.com/jacktea/xblob/pkg/server/middleware"
)

// Options configure the S3 gateway.
type Options struct {
	// Bucket, when set, is created on first use and requests without a
	// bucket in the path are routed to it.
	Bucket    string
	APIKey    string
	RateLimit middleware.RateLimitOptions
	Epochs    uint64
	Deletable bool
}

// Server serves S3 requests backed by Engine.
type Server struct {
	Engine *engine.Engine
	Index  Index
	Log    zerolog.Logger
	Opt    Options

	handlerOnce sync.Once
	handler     http.Handler
	backend     *Backend
	initErr     error
}

// Start listens on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	handler := s.httpHandler()
	if s.initErr != nil {
		return s.initErr
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.Log.Info().Str("addr", addr).Str("bucket", s.Opt.Bucket).Msg("s3 gateway listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpHandler().ServeHTTP(w, r)
}

func (s *Server) objectKey(p string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(p, "/")), "/")
}

func (s *Server) httpHandler() http.Handler {
	s.handlerOnce.Do(func() {
		if s.Index == nil {
			s.Index = NewMemoryIndex()
		}
		if s.Opt.Bucket != "" {
			if err := s.Index.CreateBucket(s.Opt.Bucket); err != nil && !errors.Is(err, ErrBucketExists) {
				s.initErr = err
			}
		}
		s.backend = NewBackend(s.Engine, s.Index, BackendOptions{
			Epochs:    s.Opt.Epochs,
			Deletable: s.Opt.Deletable,
			Logger:    s.Log,
		})
		s3 := gofakes3.New(s.backend).Server()
		var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.handleRename(w, r) {
				return
			}
			s.ensureContentLength(r)
			s.rewriteBucketPath(r)
			s3.ServeHTTP(w, r)
		})
		handler = middleware.Wrap(handler, s.middlewares()...)
		s.handler = handler
	})
	return s.handler
}

// handleRename serves POST /{key}?rename=/{new-key} within the default
// bucket. Only the index entry moves.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	renameTo := r.URL.Query().Get("rename")
	if renameTo == "" {
		return false
	}
	if s.Opt.Bucket == "" {
		http.Error(w, "rename needs a default bucket", http.StatusBadRequest)
		return true
	}
	src := s.bucketRelative(s.objectKey(r.URL.Path))
	dst := s.bucketRelative(s.objectKey(renameTo))
	if err := s.backend.Rename(s.Opt.Bucket, src, dst); err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return true
	}
	w.WriteHeader(http.StatusOK)
	return true
}

func (s *Server) bucketRelative(key string) string {
	return strings.TrimPrefix(key, s.Opt.Bucket+"/")
}

func (s *Server) rewriteBucketPath(r *http.Request) {
	if s.Opt.Bucket == "" {
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	if trimmed == "" {
		return
	}
	if strings.HasPrefix(trimmed, s.Opt.Bucket+"/") || trimmed == s.Opt.Bucket {
		return
	}
	newPath := path.Join("/", s.Opt.Bucket, trimmed)
	r.URL.Path = newPath
	r.URL.RawPath = newPath
}

func (s *Server) ensureContentLength(r *http.Request) {
	if r.Header.Get("Content-Length") != "" || r.ContentLength < 0 {
		return
	}
	r.Header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
}

func (s *Server) middlewares() []middleware.HTTPMiddleware {
	chain := []middleware.HTTPMiddleware{middleware.AccessLog(s.Log)}
	if auth := middleware.APIKeyAuth(s.Opt.APIKey); auth != nil {
		chain = append(chain, auth)
	}
	if limit := middleware.RateLimit(s.Opt.RateLimit); limit != nil {
		chain = append(chain, limit)
	}
	return chain
}

func statusFromError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNoSuchKey), errors.Is(err, ErrNoSuchBucket):
		return http.StatusNotFound
	case errors.Is(err, ErrBucketExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
