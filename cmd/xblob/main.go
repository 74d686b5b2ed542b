package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type app struct {
	ctx context.Context
	rt  *runtime
}

// ensureRuntime builds the engine on first use. Client commands never
// call it.
func (a *app) ensureRuntime() (*runtime, error) {
	if a.rt != nil {
		return a.rt, nil
	}
	rt, err := buildRuntime(a.ctx, loadRuntimeConfig(), log.Logger)
	if err != nil {
		return nil, err
	}
	a.rt = rt
	return rt, nil
}

func (a *app) close() {
	if a.rt != nil {
		a.rt.Close()
	}
}

var (
	cfgFile     string
	application = &app{ctx: context.Background()}
	rootCmd     = &cobra.Command{
		Use:           "xblob",
		Short:         "xblob erasure-coded blob store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(viper.GetString("log_level"))
			application.ctx = cmd.Context()
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	application.close()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("xblob")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "xblob"))
		}
	}
	viper.SetEnvPrefix("XBLOB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	pf.String("log-level", "info", "log level: debug|info|warn|error")

	pf.String("registry", "registry.yaml", "node registry file")
	pf.Duration("registry-reload", 30*time.Second, "registry reload interval")
	pf.Int("k", 4, "data shards per blob")
	pf.Int("m", 2, "parity shards per blob")
	pf.Int("quorum", 0, "distinct shard acknowledgements required to certify (0 picks k+ceil(m/2))")
	pf.Int("write-attempts", 3, "whole-write attempts after a quorum failure")
	pf.Int("max-fallbacks", 0, "fallback nodes tried per shard on write (0 uses the default)")
	pf.Int("read-fallbacks", 0, "fallback nodes tried per shard on read (0 uses the default)")
	pf.Duration("write-deadline", 30*time.Second, "deadline of one certification attempt")
	pf.Duration("read-deadline", 30*time.Second, "deadline of one reconstruction")
	pf.Duration("read-grace", 20*time.Millisecond, "wait for in-flight data shards before decoding from parity (negative disables)")
	pf.Uint64("max-epochs", 0, "cap on epochs per store or renewal (0 is unlimited)")
	pf.String("lifecycle-db", "", "bbolt file for the lifecycle table (empty keeps it in memory)")
	pf.String("signer-key", "", "file holding the hex ed25519 seed that seals certificates")

	pf.Duration("epoch-length", time.Hour, "wall-clock length of one ledger epoch (0 freezes the epoch)")
	pf.Uint64("start-epoch", 1, "ledger epoch at startup")
	pf.Uint64("price", 1, "ledger price per blob per epoch")

	pf.Duration("node-timeout", 10*time.Second, "per-request timeout to storage nodes")
	pf.Int("node-retries", 3, "retries for transient storage node failures")
	pf.Int("cache-entries", 256, "reconstructed blobs kept in memory (0 disables)")
	pf.Duration("cache-ttl", 5*time.Minute, "lifetime of cached blobs")
	pf.Int64("cache-max-entry", 16<<20, "largest blob the cache keeps, in bytes")
	pf.Duration("sweep-interval", time.Minute, "period of the expiry and reclaim sweep (0 disables)")

	bindConfig("log_level", pf.Lookup("log-level"))
	bindConfig("registry", pf.Lookup("registry"))
	bindConfig("registry_reload", pf.Lookup("registry-reload"))
	bindConfig("erasure.k", pf.Lookup("k"))
	bindConfig("erasure.m", pf.Lookup("m"))
	bindConfig("quorum", pf.Lookup("quorum"))
	bindConfig("write_attempts", pf.Lookup("write-attempts"))
	bindConfig("max_fallbacks", pf.Lookup("max-fallbacks"))
	bindConfig("read_fallbacks", pf.Lookup("read-fallbacks"))
	bindConfig("write_deadline", pf.Lookup("write-deadline"))
	bindConfig("read_deadline", pf.Lookup("read-deadline"))
	bindConfig("read_grace", pf.Lookup("read-grace"))
	bindConfig("max_epochs", pf.Lookup("max-epochs"))
	bindConfig("lifecycle_db", pf.Lookup("lifecycle-db"))
	bindConfig("signer_key", pf.Lookup("signer-key"))
	bindConfig("ledger.epoch_length", pf.Lookup("epoch-length"))
	bindConfig("ledger.start_epoch", pf.Lookup("start-epoch"))
	bindConfig("ledger.price", pf.Lookup("price"))
	bindConfig("nodes.timeout", pf.Lookup("node-timeout"))
	bindConfig("nodes.retries", pf.Lookup("node-retries"))
	bindConfig("cache.entries", pf.Lookup("cache-entries"))
	bindConfig("cache.ttl", pf.Lookup("cache-ttl"))
	bindConfig("cache.max_entry", pf.Lookup("cache-max-entry"))
	bindConfig("sweep_interval", pf.Lookup("sweep-interval"))
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newServeS3Cmd(),
		newServeNFSCmd(),
		newMountCmd(),
		newNodeCmd(),
		newPutCmd(),
		newGetCmd(),
		newStatCmd(),
		newRenewCmd(),
		newRmCmd(),
		newLsCmd(),
		newSweepCmd(),
		newKeygenCmd(),
		newTokenCmd(),
	)
}
