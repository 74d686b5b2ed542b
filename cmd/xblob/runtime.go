package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/cache"
	"github.com/jacktea/xblob/pkg/certificate"
	"github.com/jacktea/xblob/pkg/engine"
	"github.com/jacktea/xblob/pkg/erasure"
	"github.com/jacktea/xblob/pkg/ledger"
	"github.com/jacktea/xblob/pkg/lifecycle"
	"github.com/jacktea/xblob/pkg/metrics"
	"github.com/jacktea/xblob/pkg/nodeclient"
	"github.com/jacktea/xblob/pkg/registry"
)

// runtimeConfig is everything needed to build an aggregator engine.
type runtimeConfig struct {
	Registry       string
	RegistryReload time.Duration
	K, M, Quorum   int
	WriteAttempts  int
	MaxFallbacks   int
	ReadFallbacks  int
	WriteDeadline  time.Duration
	ReadDeadline   time.Duration
	ReadGrace      time.Duration
	MaxEpochs      uint64
	LifecycleDB    string
	SignerKey      string

	EpochLength time.Duration
	StartEpoch  uint64
	Price       uint64

	NodeTimeout   time.Duration
	NodeRetries   int
	CacheEntries  int
	CacheTTL      time.Duration
	CacheMaxEntry int64
	SweepInterval time.Duration
}

func loadRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		Registry:       viper.GetString("registry"),
		RegistryReload: viper.GetDuration("registry_reload"),
		K:              viper.GetInt("erasure.k"),
		M:              viper.GetInt("erasure.m"),
		Quorum:         viper.GetInt("quorum"),
		WriteAttempts:  viper.GetInt("write_attempts"),
		MaxFallbacks:   viper.GetInt("max_fallbacks"),
		ReadFallbacks:  viper.GetInt("read_fallbacks"),
		WriteDeadline:  viper.GetDuration("write_deadline"),
		ReadDeadline:   viper.GetDuration("read_deadline"),
		ReadGrace:      viper.GetDuration("read_grace"),
		MaxEpochs:      viper.GetUint64("max_epochs"),
		LifecycleDB:    viper.GetString("lifecycle_db"),
		SignerKey:      viper.GetString("signer_key"),
		EpochLength:    viper.GetDuration("ledger.epoch_length"),
		StartEpoch:     viper.GetUint64("ledger.start_epoch"),
		Price:          viper.GetUint64("ledger.price"),
		NodeTimeout:    viper.GetDuration("nodes.timeout"),
		NodeRetries:    viper.GetInt("nodes.retries"),
		CacheEntries:   viper.GetInt("cache.entries"),
		CacheTTL:       viper.GetDuration("cache.ttl"),
		CacheMaxEntry:  viper.GetInt64("cache.max_entry"),
		SweepInterval:  viper.GetDuration("sweep_interval"),
	}
}

// defaultQuorum leaves room for ceil(m/2) silent nodes.
func defaultQuorum(k, m int) int {
	return k + (m+1)/2
}

// runtime is a wired aggregator.
type runtime struct {
	Engine   *engine.Engine
	Metrics  *metrics.Metrics
	Registry *registry.Holder
	Ledger   *ledger.MemoryLedger
	log      zerolog.Logger
	cfg      runtimeConfig
	closers  []func() error
}

func buildRuntime(ctx context.Context, cfg runtimeConfig, logger zerolog.Logger) (*runtime, error) {
	if cfg.Registry == "" {
		return nil, errors.New("--registry is required")
	}
	snap, err := registry.LoadFile(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	signer, err := loadSigner(cfg.SignerKey, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Quorum == 0 {
		cfg.Quorum = defaultQuorum(cfg.K, cfg.M)
	}

	rt := &runtime{
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Registry: registry.NewHolder(snap),
		log:      logger,
		cfg:      cfg,
	}
	rt.Ledger = ledger.NewMemoryLedger(ledger.MemoryOptions{
		StartEpoch:    blob.Epoch(cfg.StartEpoch),
		EpochLength:   cfg.EpochLength,
		PricePerEpoch: cfg.Price,
	})

	var store lifecycle.Store
	if cfg.LifecycleDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LifecycleDB), 0o755); err != nil {
			return nil, fmt.Errorf("lifecycle dir: %w", err)
		}
		bs, err := lifecycle.NewBoltStore(lifecycle.BoltConfig{Path: cfg.LifecycleDB})
		if err != nil {
			return nil, err
		}
		store = bs
		rt.closers = append(rt.closers, bs.Close)
	}
	lc := lifecycle.NewManager(lifecycle.Options{
		Ledger:  rt.Ledger,
		Store:   store,
		Metrics: rt.Metrics,
		Logger:  logger.With().Str("component", "lifecycle").Logger(),
	})

	client := nodeclient.New(nodeclient.Options{
		Timeout:    cfg.NodeTimeout,
		RetryLimit: cfg.NodeRetries,
		Metrics:    rt.Metrics,
		Logger:     logger.With().Str("component", "nodeclient").Logger(),
	})

	var blobCache *cache.Cache
	if cfg.CacheEntries > 0 {
		blobCache = cache.New(cfg.CacheEntries, cfg.CacheTTL, cfg.CacheMaxEntry, rt.Metrics)
	}

	e, err := engine.New(engine.Options{
		Params:        erasure.Params{K: cfg.K, M: cfg.M},
		Quorum:        cfg.Quorum,
		WriteAttempts: cfg.WriteAttempts,
		MaxEpochs:     cfg.MaxEpochs,
		MaxFallbacks:  cfg.MaxFallbacks,
		WriteDeadline: cfg.WriteDeadline,
		ReadFallbacks: cfg.ReadFallbacks,
		ReadDeadline:  cfg.ReadDeadline,
		ReadGrace:     cfg.ReadGrace,
		Registry:      rt.Registry,
		Ledger:        rt.Ledger,
		Signer:        signer,
		Nodes:         client,
		Lifecycle:     lc,
		Cache:         blobCache,
		Metrics:       rt.Metrics,
		Logger:        logger.With().Str("component", "engine").Logger(),
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Engine = e

	if cfg.RegistryReload > 0 {
		go registry.Watch(ctx, rt.Registry, cfg.Registry, cfg.RegistryReload, logger.With().Str("component", "registry").Logger())
	}
	logger.Info().
		Int("k", cfg.K).Int("m", cfg.M).Int("quorum", cfg.Quorum).
		Int("nodes", snap.Len()).Uint64("registry_version", snap.Version()).
		Str("signer", signer.Address()).
		Msg("engine ready")
	return rt, nil
}

// startSweeper runs the periodic sweep until ctx ends.
func (rt *runtime) startSweeper(ctx context.Context) {
	if rt.cfg.SweepInterval <= 0 {
		return
	}
	rt.Engine.Sweeper().Start(ctx, rt.cfg.SweepInterval)
}

// Close releases the persistent stores.
func (rt *runtime) Close() {
	for _, c := range rt.closers {
		if err := c(); err != nil {
			rt.log.Warn().Err(err).Msg("close")
		}
	}
	rt.closers = nil
}

// loadSigner reads a hex ed25519 seed from path. Without a path an
// ephemeral key is generated; certificates it seals cannot be verified
// after a restart.
func loadSigner(path string, logger zerolog.Logger) (*certificate.KeySigner, error) {
	if path == "" {
		_, key, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		logger.Warn().Msg("no --signer-key given, using an ephemeral certificate key")
		return certificate.NewKeySigner(key), nil
	}
	key, err := readKeyFile(path)
	if err != nil {
		return nil, err
	}
	return certificate.NewKeySigner(key), nil
}

func readKeyFile(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return parseSeed(strings.TrimSpace(string(raw)))
}

func parseSeed(s string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(s)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key must be %d bytes of hex", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// loadOrCreateKey returns the key stored at path, creating it on first use.
func loadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	key, err := readKeyFile(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	_, key, err = ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Seed())+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return key, nil
}
