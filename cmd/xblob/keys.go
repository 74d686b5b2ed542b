package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/server/middleware"
)

func newKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 key for a node or the certificate signer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(nil)
			if err != nil {
				return err
			}
			seed := hex.EncodeToString(priv.Seed())
			if out != "" {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists", out)
				}
				if err := os.WriteFile(out, []byte(seed+"\n"), 0o600); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "private: %s\n", seed)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "public: %s\n", registry.EncodeKey(pub))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the private seed to this file instead of stdout")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		scope   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("serve.jwt_secret")
			if secret == "" {
				return errors.New("serve.jwt_secret is not configured")
			}
			if scope != middleware.ScopeRead && scope != middleware.ScopeWrite {
				return fmt.Errorf("scope must be %q or %q", middleware.ScopeRead, middleware.ScopeWrite)
			}
			tok, err := middleware.IssueToken([]byte(secret), viper.GetString("serve.jwt_issuer"), subject, scope, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "publisher", "token subject")
	cmd.Flags().StringVar(&scope, "scope", middleware.ScopeWrite, "read or write")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
