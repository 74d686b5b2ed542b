package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacktea/xblob/pkg/blob"
)

// apiClient talks to a running aggregator.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base:  strings.TrimRight(viper.GetString("client.server"), "/"),
		token: viper.GetString("client.token"),
		http:  &http.Client{Timeout: viper.GetDuration("client.timeout")},
	}
}

// apiError is a non-2xx answer.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("server: %d %s", e.Status, msg)
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &apiError{Status: resp.StatusCode, Body: string(data)}
	}
	return resp, nil
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, query url.Values, body io.Reader, out any) error {
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type storeReply struct {
	Fingerprint    blob.Fingerprint `json:"fingerprint"`
	CertifiedEpoch blob.Epoch       `json:"certified_epoch"`
	EndEpoch       blob.Epoch       `json:"end_epoch"`
	Size           int64            `json:"size"`
	Tx             string           `json:"tx,omitempty"`
	AlreadyStored  bool             `json:"already_stored,omitempty"`
}

func (c *apiClient) Store(ctx context.Context, data []byte, epochs uint64, deletable bool) (storeReply, error) {
	q := url.Values{}
	if epochs > 0 {
		q.Set("epochs", strconv.FormatUint(epochs, 10))
	}
	if deletable {
		q.Set("deletable", "true")
	}
	var out storeReply
	err := c.doJSON(ctx, http.MethodPut, "/blob", q, bytes.NewReader(data), &out)
	return out, err
}

func (c *apiClient) Read(ctx context.Context, fp string, w io.Writer) error {
	resp, err := c.do(ctx, http.MethodGet, "/blob/"+fp, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *apiClient) Status(ctx context.Context, fp string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, "/blob/"+fp+"/status", nil, nil, &out)
	return out, err
}

type renewReply struct {
	Fingerprint blob.Fingerprint `json:"fingerprint"`
	EndEpoch    blob.Epoch       `json:"end_epoch"`
}

func (c *apiClient) Renew(ctx context.Context, fp string, epochs uint64) (renewReply, error) {
	var out renewReply
	q := url.Values{"epochs": {strconv.FormatUint(epochs, 10)}}
	err := c.doJSON(ctx, http.MethodPost, "/blob/"+fp+"/renew", q, nil, &out)
	return out, err
}

func (c *apiClient) Delete(ctx context.Context, fp string) error {
	return c.doJSON(ctx, http.MethodDelete, "/blob/"+fp, nil, nil, nil)
}

type listedBlob struct {
	Fingerprint blob.Fingerprint `json:"fingerprint"`
	Size        int64            `json:"size"`
	EndEpoch    blob.Epoch       `json:"end_epoch"`
	Deletable   bool             `json:"deletable"`
}

type listReply struct {
	Blobs         []listedBlob `json:"blobs"`
	NextPageToken string       `json:"next_page_token"`
}

// List walks every page and calls fn per blob.
func (c *apiClient) List(ctx context.Context, pageSize int, fn func(listedBlob) error) error {
	token := ""
	for {
		q := url.Values{}
		if pageSize > 0 {
			q.Set("limit", strconv.Itoa(pageSize))
		}
		if token != "" {
			q.Set("page_token", token)
		}
		var page listReply
		if err := c.doJSON(ctx, http.MethodGet, "/blobs", q, nil, &page); err != nil {
			return err
		}
		for _, b := range page.Blobs {
			if err := fn(b); err != nil {
				return err
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		token = page.NextPageToken
	}
}

type sweepReply struct {
	Epoch     blob.Epoch         `json:"epoch"`
	Expired   []blob.Fingerprint `json:"expired"`
	Reclaimed int                `json:"reclaimed"`
	Deferred  int                `json:"deferred"`
}

func (c *apiClient) Sweep(ctx context.Context) (sweepReply, error) {
	var out sweepReply
	err := c.doJSON(ctx, http.MethodPost, "/v1/sweep", nil, nil, &out)
	return out, err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// addClientFlags gives a command the server and token flags. Every client
// command shares the client.* keys, so binding waits until the command runs.
func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("server", "http://127.0.0.1:8080", "aggregator base URL")
	f.String("token", "", "bearer token or API key")
	f.Duration("timeout", 5*time.Minute, "request timeout")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		bindConfig("client.server", cmd.Flags().Lookup("server"))
		bindConfig("client.token", cmd.Flags().Lookup("token"))
		bindConfig("client.timeout", cmd.Flags().Lookup("timeout"))
		return nil
	}
}

func newPutCmd() *cobra.Command {
	var (
		epochs    uint64
		deletable bool
	)
	cmd := &cobra.Command{
		Use:   "put [file]",
		Short: "Store a file (or stdin) as a blob",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			res, err := newAPIClient().Store(cmd.Context(), data, epochs, deletable)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().Uint64Var(&epochs, "epochs", 1, "epochs to pay for")
	cmd.Flags().BoolVar(&deletable, "deletable", false, "allow deleting before expiry")
	addClientFlags(cmd)
	return cmd
}

func newGetCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <fingerprint>",
		Short: "Read a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := blob.ParseFingerprint(args[0]); err != nil {
				return fmt.Errorf("invalid fingerprint: %w", err)
			}
			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return newAPIClient().Read(cmd.Context(), args[0], w)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	addClientFlags(cmd)
	return cmd
}

func newStatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat <fingerprint>",
		Short: "Show a blob's metadata and certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := newAPIClient().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newRenewCmd() *cobra.Command {
	var epochs uint64
	cmd := &cobra.Command{
		Use:   "renew <fingerprint>",
		Short: "Extend a blob's storage period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if epochs == 0 {
				return fmt.Errorf("--epochs must be positive")
			}
			res, err := newAPIClient().Renew(cmd.Context(), args[0], epochs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().Uint64Var(&epochs, "epochs", 1, "epochs to add")
	addClientFlags(cmd)
	return cmd
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <fingerprint>",
		Short: "Delete a deletable blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAPIClient().Delete(cmd.Context(), args[0])
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newLsCmd() *cobra.Command {
	var pageSize int
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List live blobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return newAPIClient().List(cmd.Context(), pageSize, func(b listedBlob) error {
				flag := ""
				if b.Deletable {
					flag = "\tdeletable"
				}
				_, err := fmt.Fprintf(out, "%s\t%d\t%d%s\n", b.Fingerprint, b.Size, b.EndEpoch, flag)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "blobs per request (0 uses the server default)")
	addClientFlags(cmd)
	return cmd
}

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry and reclaim pass on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := newAPIClient().Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	addClientFlags(cmd)
	return cmd
}
