package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/xblob/pkg/server/fuse"
	"github.com/jacktea/xblob/pkg/server/httpapi"
	"github.com/jacktea/xblob/pkg/server/middleware"
	"github.com/jacktea/xblob/pkg/server/nfs"
	"github.com/jacktea/xblob/pkg/server/s3gw"
	"github.com/jacktea/xblob/pkg/vfs"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the aggregator HTTP API",
		Long: "Run the aggregator HTTP API. --s3, --nfs and --fuse start the\n" +
			"other surfaces in the same process with their s3.*, nfs.* and fuse.* settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := application.ensureRuntime()
			if err != nil {
				return err
			}
			g, ctx := errgroup.WithContext(cmd.Context())
			rt.startSweeper(ctx)
			g.Go(func() error { return runServeHTTP(ctx, rt, httpServeOptionsFromConfig()) })
			if viper.GetBool("serve.s3") {
				g.Go(func() error { return runServeS3(ctx, rt, s3ServeOptionsFromConfig()) })
			}
			if viper.GetBool("serve.nfs") {
				g.Go(func() error { return runServeNFS(ctx, rt, nfsServeOptionsFromConfig()) })
			}
			if viper.GetBool("serve.fuse") {
				g.Go(func() error { return runMount(ctx, rt, mountOptionsFromConfig()) })
			}
			return g.Wait()
		},
	}
	f := cmd.Flags()
	f.String("addr", ":8080", "listen address")
	f.String("api-key", "", "require API key (X-API-Key or Bearer token)")
	f.String("jwt-secret", "", "HMAC secret for bearer tokens (enables JWT auth)")
	f.String("jwt-issuer", "xblob", "expected token issuer")
	f.String("jwt-audience", "", "expected token audience")
	f.Bool("public-read", true, "allow GET and HEAD without a token when JWT auth is on")
	f.Int("page-size", 100, "default page size for listings")
	f.Int("page-max", 1000, "maximum page size for listings")
	f.Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	f.Duration("rate-window", time.Second, "rate limit window")
	f.Int64("max-blob-size", 1<<30, "largest accepted blob in bytes (0 is unlimited)")
	f.Bool("read-only", false, "refuse stores, renewals and deletes")
	f.Bool("s3", false, "also run the S3 gateway")
	f.Bool("nfs", false, "also run the NFS export")
	f.Bool("fuse", false, "also mount the FUSE view")
	bindConfig("serve.addr", f.Lookup("addr"))
	bindConfig("serve.api_key", f.Lookup("api-key"))
	bindConfig("serve.jwt_secret", f.Lookup("jwt-secret"))
	bindConfig("serve.jwt_issuer", f.Lookup("jwt-issuer"))
	bindConfig("serve.jwt_audience", f.Lookup("jwt-audience"))
	bindConfig("serve.public_read", f.Lookup("public-read"))
	bindConfig("serve.page_size", f.Lookup("page-size"))
	bindConfig("serve.page_max", f.Lookup("page-max"))
	bindConfig("serve.rate_limit", f.Lookup("rate-limit"))
	bindConfig("serve.rate_window", f.Lookup("rate-window"))
	bindConfig("serve.max_blob_size", f.Lookup("max-blob-size"))
	bindConfig("serve.read_only", f.Lookup("read-only"))
	bindConfig("serve.s3", f.Lookup("s3"))
	bindConfig("serve.nfs", f.Lookup("nfs"))
	bindConfig("serve.fuse", f.Lookup("fuse"))
	return cmd
}

func newServeS3Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-s3",
		Short: "Run an S3-compatible gateway over the blob store",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := application.ensureRuntime()
			if err != nil {
				return err
			}
			rt.startSweeper(cmd.Context())
			return runServeS3(cmd.Context(), rt, s3ServeOptionsFromConfig())
		},
	}
	f := cmd.Flags()
	f.String("addr", ":9000", "listen address")
	f.String("bucket", "xblob", "default bucket")
	f.String("index", "", "bbolt file for the key index (empty keeps it in memory)")
	f.String("api-key", "", "require API key (X-API-Key header)")
	f.Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	f.Duration("rate-window", time.Second, "rate limit window")
	f.Uint64("epochs", 1, "epochs paid for each stored object")
	f.Bool("deletable", true, "store objects as deletable so overwrites release them")
	bindConfig("s3.addr", f.Lookup("addr"))
	bindConfig("s3.bucket", f.Lookup("bucket"))
	bindConfig("s3.index", f.Lookup("index"))
	bindConfig("s3.api_key", f.Lookup("api-key"))
	bindConfig("s3.rate_limit", f.Lookup("rate-limit"))
	bindConfig("s3.rate_window", f.Lookup("rate-window"))
	bindConfig("s3.epochs", f.Lookup("epochs"))
	bindConfig("s3.deletable", f.Lookup("deletable"))
	return cmd
}

func newServeNFSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-nfs",
		Short: "Export live blobs read-only over NFS",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := application.ensureRuntime()
			if err != nil {
				return err
			}
			return runServeNFS(cmd.Context(), rt, nfsServeOptionsFromConfig())
		},
	}
	f := cmd.Flags()
	f.String("addr", ":2049", "listen address")
	f.Int("handle-cache", 1024, "number of cached NFS file handles")
	f.Int("meta-cache-size", 1024, "blob entries cached by the view (0 disables)")
	f.Duration("meta-cache-ttl", 5*time.Second, "lifetime of cached blob entries")
	bindConfig("nfs.addr", f.Lookup("addr"))
	bindConfig("nfs.handle_cache", f.Lookup("handle-cache"))
	bindConfig("view.meta_cache_size", f.Lookup("meta-cache-size"))
	bindConfig("view.meta_cache_ttl", f.Lookup("meta-cache-ttl"))
	return cmd
}

func newMountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount live blobs read-only via FUSE",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := mountOptionsFromConfig()
			if len(args) == 1 {
				opts.Mountpoint = args[0]
			}
			if opts.Mountpoint == "" {
				return errors.New("a mountpoint is required")
			}
			rt, err := application.ensureRuntime()
			if err != nil {
				return err
			}
			return runMount(cmd.Context(), rt, opts)
		},
	}
	f := cmd.Flags()
	f.String("mountpoint", "", "directory to mount the view on")
	f.Bool("allow-other", false, "let other users access the mount")
	f.Bool("debug", false, "log FUSE requests")
	bindConfig("fuse.mountpoint", f.Lookup("mountpoint"))
	bindConfig("fuse.allow_other", f.Lookup("allow-other"))
	bindConfig("fuse.debug", f.Lookup("debug"))
	return cmd
}

type httpServeOptions struct {
	Addr string
	Opts httpapi.Options
}

func httpServeOptionsFromConfig() httpServeOptions {
	opts := httpapi.Options{
		APIKey:          viper.GetString("serve.api_key"),
		DefaultPageSize: viper.GetInt("serve.page_size"),
		MaxPageSize:     viper.GetInt("serve.page_max"),
		MaxBlobSize:     viper.GetInt64("serve.max_blob_size"),
		ReadOnly:        viper.GetBool("serve.read_only"),
		JWT: middleware.JWTOptions{
			Secret:   []byte(viper.GetString("serve.jwt_secret")),
			Issuer:   viper.GetString("serve.jwt_issuer"),
			Audience: viper.GetString("serve.jwt_audience"),
			Public:   viper.GetBool("serve.public_read"),
		},
	}
	if n := viper.GetInt("serve.rate_limit"); n > 0 {
		opts.RateLimit = middleware.RateLimitOptions{Requests: n, Window: viper.GetDuration("serve.rate_window")}
	}
	return httpServeOptions{Addr: viper.GetString("serve.addr"), Opts: opts}
}

type s3ServeOptions struct {
	Addr  string
	Index string
	Opts  s3gw.Options
}

func s3ServeOptionsFromConfig() s3ServeOptions {
	opts := s3gw.Options{
		Bucket:    viper.GetString("s3.bucket"),
		APIKey:    viper.GetString("s3.api_key"),
		Epochs:    viper.GetUint64("s3.epochs"),
		Deletable: viper.GetBool("s3.deletable"),
	}
	if n := viper.GetInt("s3.rate_limit"); n > 0 {
		opts.RateLimit = middleware.RateLimitOptions{Requests: n, Window: viper.GetDuration("s3.rate_window")}
	}
	return s3ServeOptions{Addr: viper.GetString("s3.addr"), Index: viper.GetString("s3.index"), Opts: opts}
}

type nfsServeOptions struct {
	Addr        string
	HandleCache int
	View        vfs.Options
}

func viewOptionsFromConfig() vfs.Options {
	return vfs.Options{
		MetadataCacheSize: viper.GetInt("view.meta_cache_size"),
		MetadataCacheTTL:  viper.GetDuration("view.meta_cache_ttl"),
	}
}

func nfsServeOptionsFromConfig() nfsServeOptions {
	return nfsServeOptions{
		Addr:        viper.GetString("nfs.addr"),
		HandleCache: viper.GetInt("nfs.handle_cache"),
		View:        viewOptionsFromConfig(),
	}
}

type mountOptions struct {
	Mountpoint string
	Opts       fuse.Options
	View       vfs.Options
}

func mountOptionsFromConfig() mountOptions {
	return mountOptions{
		Mountpoint: viper.GetString("fuse.mountpoint"),
		Opts: fuse.Options{
			AllowOther: viper.GetBool("fuse.allow_other"),
			Debug:      viper.GetBool("fuse.debug"),
		},
		View: viewOptionsFromConfig(),
	}
}

func runServeHTTP(ctx context.Context, rt *runtime, opt httpServeOptions) error {
	server := &httpapi.Server{
		Engine:  rt.Engine,
		Metrics: rt.Metrics,
		Log:     log.Logger.With().Str("component", "httpapi").Logger(),
		Opts:    opt.Opts,
	}
	return server.Start(ctx, opt.Addr)
}

func runServeS3(ctx context.Context, rt *runtime, opt s3ServeOptions) error {
	if opt.Opts.Bucket == "" {
		return errors.New("serve-s3: --bucket is required")
	}
	var index s3gw.Index = s3gw.NewMemoryIndex()
	if opt.Index != "" {
		if err := os.MkdirAll(filepath.Dir(opt.Index), 0o755); err != nil {
			return err
		}
		bi, err := s3gw.OpenBoltIndex(opt.Index)
		if err != nil {
			return err
		}
		defer bi.Close()
		index = bi
	}
	server := &s3gw.Server{
		Engine: rt.Engine,
		Index:  index,
		Log:    log.Logger.With().Str("component", "s3gw").Logger(),
		Opt:    opt.Opts,
	}
	return server.Start(ctx, opt.Addr)
}

func runServeNFS(ctx context.Context, rt *runtime, opt nfsServeOptions) error {
	log.Info().Str("addr", opt.Addr).Msg("nfs export listening")
	return nfs.ServeWithOptions(ctx, vfs.New(rt.Engine, opt.View), opt.Addr, nfs.Options{HandleCache: opt.HandleCache})
}

func runMount(ctx context.Context, rt *runtime, opt mountOptions) error {
	if opt.Mountpoint == "" {
		return errors.New("fuse: mountpoint is required")
	}
	log.Info().Str("mountpoint", opt.Mountpoint).Msg("mounting blob view")
	return fuse.Mount(ctx, vfs.New(rt.Engine, opt.View), opt.Mountpoint, opt.Opts)
}
