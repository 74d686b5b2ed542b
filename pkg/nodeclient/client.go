// Package nodeclient talks to storage nodes over the shard HTTP protocol.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/certificate"
	"github.com/jacktea/xblob/pkg/metrics"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/storagenode"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Defaults applied by New.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultRetryLimit  = 3
	DefaultBaseBackoff = 100 * time.Millisecond
	DefaultMaxBackoff  = 2 * time.Second
	defaultJitter      = 0.2
)

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	// Timeout bounds each individual request attempt.
	Timeout time.Duration
	// RetryLimit is the number of retries after the first attempt for
	// transient failures. Negative disables retries.
	RetryLimit  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Health      *Health
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// Client issues shard requests with per-attempt timeouts, bounded retries
// and health accounting.
type Client struct {
	http    *http.Client
	timeout time.Duration
	retries int
	base    time.Duration
	max     time.Duration
	health  *Health
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New builds a Client from opts.
func New(opts Options) *Client {
	c := &Client{
		http:    opts.HTTPClient,
		timeout: opts.Timeout,
		retries: opts.RetryLimit,
		base:    opts.BaseBackoff,
		max:     opts.MaxBackoff,
		health:  opts.Health,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	switch {
	case c.retries == 0:
		c.retries = DefaultRetryLimit
	case c.retries < 0:
		c.retries = 0
	}
	if c.base <= 0 {
		c.base = DefaultBaseBackoff
	}
	if c.max <= 0 {
		c.max = DefaultMaxBackoff
	}
	if c.health == nil {
		c.health = NewHealth(0, 0)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	c.health.gauge = c.metrics.DegradedNodes
	return c
}

// Health returns the tracker the client reports into.
func (c *Client) Health() *Health { return c.health }

// Put uploads shard to node and returns the node's receipt. The receipt is
// decoded but not verified; signature checks belong to the caller.
func (c *Client) Put(ctx context.Context, node registry.Node, shard blob.Shard, attempt string) (certificate.Receipt, error) {
	var receipt certificate.Receipt
	path := storagenode.ShardPath(shard.Fingerprint, shard.Index)
	err := c.do(ctx, "put", node, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, node.Endpoint+path, bytes.NewReader(shard.Data))
		if err != nil {
			return xerrors.Wrap(xerrors.KindInvalid, "put", node.ID, err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set(storagenode.HeaderDigest, shard.Digest.String())
		req.Header.Set(storagenode.HeaderAttempt, attempt)
		resp, err := c.http.Do(req)
		if err != nil {
			return classifyTransport("put", node.ID, err)
		}
		defer resp.Body.Close()
		if err := checkStatus("put", node.ID, resp); err != nil {
			return err
		}
		var r certificate.Receipt
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&r); err != nil {
			return xerrors.Wrap(xerrors.KindRejected, "put", node.ID, fmt.Errorf("decode receipt: %w", err))
		}
		receipt = r
		return nil
	})
	return receipt, err
}

// Get fetches one shard and checks the returned bytes against the digest
// header. It does not know the blob's committed digest; callers verify
// that separately.
func (c *Client) Get(ctx context.Context, node registry.Node, fp blob.Fingerprint, index int) (blob.Shard, error) {
	var shard blob.Shard
	path := storagenode.ShardPath(fp, index)
	err := c.do(ctx, "get", node, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.Endpoint+path, nil)
		if err != nil {
			return xerrors.Wrap(xerrors.KindInvalid, "get", node.ID, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return classifyTransport("get", node.ID, err)
		}
		defer resp.Body.Close()
		if err := checkStatus("get", node.ID, resp); err != nil {
			return err
		}
		digest, err := blob.ParseDigest(resp.Header.Get(storagenode.HeaderDigest))
		if err != nil {
			return xerrors.Wrap(xerrors.KindIntegrity, "get", node.ID+path, err)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return classifyTransport("get", node.ID, err)
		}
		if blob.DigestOf(data) != digest {
			return xerrors.Errorf(xerrors.KindIntegrity, "get", node.ID+path, "body does not match %s header", storagenode.HeaderDigest)
		}
		shard = blob.Shard{Fingerprint: fp, Index: index, Data: data, Digest: digest}
		return nil
	})
	return shard, err
}

// Delete asks node to drop a shard stored by attempt. It is advisory: a
// missing shard, or one the node now holds for a different attempt, is not
// an error. An empty attempt drops whatever the node holds.
func (c *Client) Delete(ctx context.Context, node registry.Node, fp blob.Fingerprint, index int, attempt string) error {
	path := storagenode.ShardPath(fp, index)
	return c.do(ctx, "delete", node, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, node.Endpoint+path, nil)
		if err != nil {
			return xerrors.Wrap(xerrors.KindInvalid, "delete", node.ID, err)
		}
		if attempt != "" {
			req.Header.Set(storagenode.HeaderAttempt, attempt)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return classifyTransport("delete", node.ID, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict {
			return nil
		}
		return checkStatus("delete", node.ID, resp)
	})
}

func (c *Client) do(ctx context.Context, op string, node registry.Node, call func(context.Context) error) error {
	start := time.Now()
	defer func() {
		c.metrics.NodeRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err = call(attemptCtx)
		cancel()
		if err == nil {
			c.health.RecordSuccess(node.ID)
			c.metrics.NodeRequests.WithLabelValues(op, "ok").Inc()
			return nil
		}
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the node.
			return ctx.Err()
		}
		kind := xerrors.KindOf(err)
		c.metrics.NodeRequests.WithLabelValues(op, kindLabel(kind)).Inc()
		if kind != xerrors.KindNotFound {
			c.health.RecordFailure(node.ID)
		}
		if !xerrors.IsTransient(err) || attempt == c.retries {
			break
		}
		delay := c.backoff(attempt)
		c.metrics.NodeRetries.WithLabelValues(op).Inc()
		c.log.Debug().Err(err).Str("node", node.ID).Str("op", op).Int("attempt", attempt+1).
			Dur("backoff", delay).Msg("retrying storage node request")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.base) * math.Pow(2, float64(attempt))
	if delay > float64(c.max) {
		delay = float64(c.max)
	}
	delay += delay * defaultJitter * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(c.base)
	}
	return time.Duration(delay)
}

func classifyTransport(op, node string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return xerrors.Wrap(xerrors.KindTimeout, op, node, err)
	}
	return xerrors.Wrap(xerrors.KindUnreachable, op, node, err)
}

func checkStatus(op, node string, resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return xerrors.Wrap(xerrors.KindNotFound, op, node, cause)
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusGatewayTimeout:
		return xerrors.Wrap(xerrors.KindTimeout, op, node, cause)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return xerrors.Wrap(xerrors.KindUnreachable, op, node, cause)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return xerrors.Wrap(xerrors.KindIntegrity, op, node, cause)
	default:
		return xerrors.Wrap(xerrors.KindRejected, op, node, cause)
	}
}

func kindLabel(kind xerrors.Kind) string {
	switch kind {
	case xerrors.KindNotFound:
		return "not_found"
	case xerrors.KindTimeout:
		return "timeout"
	case xerrors.KindUnreachable:
		return "unreachable"
	case xerrors.KindIntegrity:
		return "integrity"
	case xerrors.KindRejected:
		return "rejected"
	default:
		return "error"
	}
}
