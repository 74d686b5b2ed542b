package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/xblob/pkg/encryption"
	"github.com/jacktea/xblob/pkg/metrics"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/storagenode"
)

type nodeOptions struct {
	ID           string
	Addr         string
	Root         string
	Count        int
	Advertise    string
	RegistryOut  string
	Compress     bool
	SealKey      string
	NoSync       bool
	MaxShardSize int64
	Remote       remoteOptions
}

// remoteOptions select an S3 compatible bucket for shard bytes instead of
// the local disk. Each node keeps its shards under its id as prefix.
type remoteOptions struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// nodeSpec is one storage node to start.
type nodeSpec struct {
	ID       string
	Listen   string
	Endpoint string
	Root     string
}

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run one or more storage nodes",
		Long: "Run storage nodes. With --count N, N nodes listen on consecutive\n" +
			"ports starting at --addr, each under its own directory of --root.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := nodeOptions{
				ID:           viper.GetString("node.id"),
				Addr:         viper.GetString("node.addr"),
				Root:         viper.GetString("node.root"),
				Count:        viper.GetInt("node.count"),
				Advertise:    viper.GetString("node.advertise"),
				RegistryOut:  viper.GetString("node.registry_out"),
				Compress:     viper.GetBool("node.compress"),
				SealKey:      viper.GetString("node.seal_key"),
				NoSync:       viper.GetBool("node.no_sync"),
				MaxShardSize: viper.GetInt64("node.max_shard_size"),
				Remote: remoteOptions{
					Endpoint:  viper.GetString("node.s3.endpoint"),
					Bucket:    viper.GetString("node.s3.bucket"),
					Region:    viper.GetString("node.s3.region"),
					AccessKey: viper.GetString("node.s3.access_key"),
					SecretKey: viper.GetString("node.s3.secret_key"),
				},
			}
			return runNodes(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.String("id", "node", "node id (a suffix is added when --count > 1)")
	f.String("addr", ":7001", "listen address of the first node")
	f.String("root", ".xblob/nodes", "data directory")
	f.Int("count", 1, "number of nodes to run in this process")
	f.String("advertise", "127.0.0.1", "host written into registry endpoints")
	f.String("registry-out", "", "write a registry file describing the started nodes")
	f.Bool("compress", true, "zstd-compress shards at rest")
	f.String("seal-key", "", "hex 32-byte key sealing shards with aes-256-ctr")
	f.Bool("no-sync", false, "skip fsync of the shard index")
	f.Int64("max-shard-size", storagenode.DefaultMaxShardSize, "largest accepted shard in bytes")
	bindConfig("node.id", f.Lookup("id"))
	bindConfig("node.addr", f.Lookup("addr"))
	bindConfig("node.root", f.Lookup("root"))
	bindConfig("node.count", f.Lookup("count"))
	bindConfig("node.advertise", f.Lookup("advertise"))
	bindConfig("node.registry_out", f.Lookup("registry-out"))
	bindConfig("node.compress", f.Lookup("compress"))
	bindConfig("node.seal_key", f.Lookup("seal-key"))
	bindConfig("node.no_sync", f.Lookup("no-sync"))
	bindConfig("node.max_shard_size", f.Lookup("max-shard-size"))
	f.String("s3-endpoint", "", "store shards in this S3 compatible endpoint")
	f.String("s3-bucket", "xblob-shards", "bucket for --s3-endpoint")
	f.String("s3-region", "us-east-1", "signing region for --s3-endpoint")
	f.String("s3-access-key", "", "access key for --s3-endpoint")
	f.String("s3-secret-key", "", "secret key for --s3-endpoint")
	bindConfig("node.s3.endpoint", f.Lookup("s3-endpoint"))
	bindConfig("node.s3.bucket", f.Lookup("s3-bucket"))
	bindConfig("node.s3.region", f.Lookup("s3-region"))
	bindConfig("node.s3.access_key", f.Lookup("s3-access-key"))
	bindConfig("node.s3.secret_key", f.Lookup("s3-secret-key"))
	return cmd
}

// planNodes expands opts into the nodes to start.
func planNodes(opts nodeOptions) ([]nodeSpec, error) {
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.ID == "" {
		return nil, errors.New("node: --id is required")
	}
	host, portStr, err := net.SplitHostPort(opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("node: --addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("node: --addr needs a numeric port, got %q", portStr)
	}
	advertise := opts.Advertise
	if advertise == "" {
		advertise = host
	}
	if advertise == "" {
		advertise = "127.0.0.1"
	}
	specs := make([]nodeSpec, 0, opts.Count)
	for i := 0; i < opts.Count; i++ {
		id := opts.ID
		if opts.Count > 1 {
			id = fmt.Sprintf("%s-%02d", opts.ID, i)
		}
		p := strconv.Itoa(port + i)
		specs = append(specs, nodeSpec{
			ID:       id,
			Listen:   net.JoinHostPort(host, p),
			Endpoint: "http://" + net.JoinHostPort(advertise, p),
			Root:     filepath.Join(opts.Root, id),
		})
	}
	return specs, nil
}

func sealOptions(opts nodeOptions) (encryption.Options, error) {
	seal := encryption.Options{Method: encryption.MethodNone, Compress: opts.Compress}
	if opts.SealKey == "" {
		return seal, nil
	}
	key, err := hex.DecodeString(opts.SealKey)
	if err != nil {
		return seal, fmt.Errorf("node: --seal-key: %w", err)
	}
	seal.Method = encryption.MethodAES256CTR
	seal.Key = key
	return seal, seal.Validate()
}

// openNodeStore returns the shard store of one node: a prefix of the
// remote bucket when one is configured, otherwise a disk store.
func openNodeStore(spec nodeSpec, opts nodeOptions, seal encryption.Options) (storagenode.Store, error) {
	if opts.Remote.Endpoint != "" {
		return storagenode.NewRemoteStore(storagenode.RemoteConfig{
			Endpoint:  opts.Remote.Endpoint,
			Bucket:    opts.Remote.Bucket,
			Prefix:    spec.ID,
			Region:    opts.Remote.Region,
			AccessKey: opts.Remote.AccessKey,
			SecretKey: opts.Remote.SecretKey,
			Seal:      seal,
		})
	}
	return storagenode.NewDiskStore(storagenode.DiskConfig{
		Root:   filepath.Join(spec.Root, "shards"),
		Seal:   seal,
		NoSync: opts.NoSync,
	})
}

func runNodes(ctx context.Context, opts nodeOptions) error {
	specs, err := planNodes(opts)
	if err != nil {
		return err
	}
	seal, err := sealOptions(opts)
	if err != nil {
		return err
	}
	m := metrics.New(nil)
	var (
		servers []*storagenode.Server
		entries []registry.Node
	)
	for _, spec := range specs {
		key, err := loadOrCreateKey(filepath.Join(spec.Root, "node.key"))
		if err != nil {
			return fmt.Errorf("node %s: %w", spec.ID, err)
		}
		store, err := openNodeStore(spec, opts, seal)
		if err != nil {
			return fmt.Errorf("node %s: %w", spec.ID, err)
		}
		defer store.Close()
		servers = append(servers, &storagenode.Server{
			NodeID:       spec.ID,
			Key:          key,
			Store:        store,
			Metrics:      m,
			Log:          log.Logger.With().Str("node", spec.ID).Logger(),
			MaxShardSize: opts.MaxShardSize,
		})
		entries = append(entries, registry.Node{
			ID:        spec.ID,
			Endpoint:  spec.Endpoint,
			PublicKey: key.Public().(ed25519.PublicKey),
			State:     registry.StateActive,
		})
	}
	if opts.RegistryOut != "" {
		if err := writeRegistry(opts.RegistryOut, entries); err != nil {
			return err
		}
		log.Info().Str("path", opts.RegistryOut).Int("nodes", len(entries)).Msg("registry written")
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range servers {
		srv, addr := servers[i], specs[i].Listen
		g.Go(func() error { return srv.Start(ctx, addr) })
	}
	return g.Wait()
}

func writeRegistry(path string, nodes []registry.Node) error {
	snap, err := registry.NewSnapshot(1, nodes)
	if err != nil {
		return err
	}
	data, err := registry.Marshal(snap)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
