// Package enginetest runs a small storage cluster on httptest servers for
// tests of packages built on the engine.
package enginetest

import (
	"crypto/ed25519"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacktea/xblob/pkg/certificate"
	"github.com/jacktea/xblob/pkg/engine"
	"github.com/jacktea/xblob/pkg/erasure"
	"github.com/jacktea/xblob/pkg/ledger"
	"github.com/jacktea/xblob/pkg/metrics"
	"github.com/jacktea/xblob/pkg/nodeclient"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/storagenode"
)

// Node is one storage node of a Cluster.
type Node struct {
	ID      string
	Store   *storagenode.MemoryStore
	Server  *httptest.Server
	offline atomic.Bool
}

// SetOffline makes the node answer every request with 503.
func (n *Node) SetOffline(off bool) { n.offline.Store(off) }

// Offline reports whether the node is refusing requests.
func (n *Node) Offline() bool { return n.offline.Load() }

// Cluster is a set of in-process storage nodes and the client, ledger and
// registry needed to drive them.
type Cluster struct {
	Nodes    []*Node
	Registry *registry.Holder
	Ledger   *ledger.MemoryLedger
	Client   *nodeclient.Client
	Signer   certificate.Signer
	Metrics  *metrics.Metrics
}

// NewCluster starts n storage nodes. They are shut down with the test.
func NewCluster(t testing.TB, n int) *Cluster {
	t.Helper()
	c := &Cluster{Metrics: metrics.New(nil)}
	var nodes []registry.Node
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		node := &Node{ID: fmt.Sprintf("node-%02d", i), Store: storagenode.NewMemoryStore()}
		srv := &storagenode.Server{NodeID: node.ID, Key: priv, Store: node.Store}
		inner := srv.Handler()
		node.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if node.offline.Load() {
				http.Error(w, "offline", http.StatusServiceUnavailable)
				return
			}
			inner.ServeHTTP(w, r)
		}))
		t.Cleanup(node.Server.Close)
		c.Nodes = append(c.Nodes, node)
		nodes = append(nodes, registry.Node{ID: node.ID, Endpoint: node.Server.URL, PublicKey: pub})
	}
	snap, err := registry.NewSnapshot(1, nodes)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	c.Registry = registry.NewHolder(snap)
	c.Ledger = ledger.NewMemoryLedger(ledger.MemoryOptions{StartEpoch: 1, PricePerEpoch: 1})
	c.Client = nodeclient.New(nodeclient.Options{
		Timeout:     2 * time.Second,
		RetryLimit:  1,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
		Metrics:     c.Metrics,
	})
	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	c.Signer = certificate.NewKeySigner(key)
	return c
}

// Node returns the node with the given id.
func (c *Cluster) Node(id string) *Node {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Options returns engine options for this cluster with k=4, m=2 and a
// quorum of 5. Callers may adjust them before calling engine.New.
func (c *Cluster) Options() engine.Options {
	return engine.Options{
		Params:        erasure.Params{K: 4, M: 2},
		Quorum:        5,
		WriteDeadline: 5 * time.Second,
		ReadDeadline:  5 * time.Second,
		Registry:      c.Registry,
		Ledger:        c.Ledger,
		Signer:        c.Signer,
		Nodes:         c.Client,
		Metrics:       c.Metrics,
	}
}

// Engine builds an engine with Options.
func (c *Cluster) Engine(t testing.TB) *engine.Engine {
	t.Helper()
	e, err := engine.New(c.Options())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}
