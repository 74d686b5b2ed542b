// Package registry holds immutable snapshots of the storage node set.
package registry

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	cristalbase64 "github.com/cristalhq/base64"

	"github.com/jacktea/xblob/pkg/xerrors"
)

// State is the liveness of a node as reported by the registry source.
type State string

const (
	StateActive   State = "active"
	StateDraining State = "draining"
	StateOffline  State = "offline"
)

// Node describes one storage node.
type Node struct {
	ID        string            `json:"id" yaml:"id"`
	Endpoint  string            `json:"endpoint" yaml:"endpoint"`
	PublicKey ed25519.PublicKey `json:"-" yaml:"-"`
	Zone      string            `json:"zone,omitempty" yaml:"zone,omitempty"`
	State     State             `json:"state" yaml:"state"`
}

// Eligible reports whether the node may receive new placements.
func (n Node) Eligible() bool { return n.State == "" || n.State == StateActive }

// Snapshot is a read-only view of the registry. Refreshes build a new
// Snapshot; an existing one is never modified.
type Snapshot struct {
	version uint64
	nodes   []Node
	byID    map[string]int
}

// NewSnapshot validates nodes and returns them as an immutable snapshot.
func NewSnapshot(version uint64, nodes []Node) (*Snapshot, error) {
	sorted := append([]Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	byID := make(map[string]int, len(sorted))
	for i, n := range sorted {
		if n.ID == "" {
			return nil, xerrors.Errorf(xerrors.KindConfig, "registry", "", "node %d has no id", i)
		}
		if _, dup := byID[n.ID]; dup {
			return nil, xerrors.Errorf(xerrors.KindConfig, "registry", n.ID, "duplicate node id")
		}
		if n.Endpoint == "" {
			return nil, xerrors.Errorf(xerrors.KindConfig, "registry", n.ID, "missing endpoint")
		}
		if n.PublicKey != nil && len(n.PublicKey) != ed25519.PublicKeySize {
			return nil, xerrors.Errorf(xerrors.KindConfig, "registry", n.ID, "public key is %d bytes", len(n.PublicKey))
		}
		switch n.State {
		case "", StateActive, StateDraining, StateOffline:
		default:
			return nil, xerrors.Errorf(xerrors.KindConfig, "registry", n.ID, "unknown state %q", n.State)
		}
		sorted[i].Endpoint = strings.TrimSuffix(n.Endpoint, "/")
		byID[n.ID] = i
	}
	return &Snapshot{version: version, nodes: sorted, byID: byID}, nil
}

// Version is the monotonically increasing snapshot number.
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of nodes in the snapshot.
func (s *Snapshot) Len() int { return len(s.nodes) }

// Nodes returns a copy of all nodes ordered by id.
func (s *Snapshot) Nodes() []Node { return append([]Node(nil), s.nodes...) }

// Eligible returns nodes that may receive placements, ordered by id.
func (s *Snapshot) Eligible() []Node {
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.Eligible() {
			out = append(out, n)
		}
	}
	return out
}

// Lookup returns the node with id.
func (s *Snapshot) Lookup(id string) (Node, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Node{}, false
	}
	return s.nodes[i], true
}

// With returns a new snapshot where node id has the given state.
func (s *Snapshot) With(id string, state State) (*Snapshot, error) {
	nodes := s.Nodes()
	i, ok := s.byID[id]
	if !ok {
		return nil, xerrors.E(xerrors.KindNotFound, "registry.With", id)
	}
	nodes[i].State = state
	return NewSnapshot(s.version+1, nodes)
}

// Holder publishes the current snapshot. Readers take a snapshot once per
// operation and keep using it even if a refresh swaps in a newer one.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder returns a Holder that starts at snap.
func NewHolder(snap *Snapshot) *Holder {
	h := &Holder{}
	h.current.Store(snap)
	return h
}

// Snapshot returns the current snapshot.
func (h *Holder) Snapshot() *Snapshot { return h.current.Load() }

// Swap installs snap if it is newer than the current one.
func (h *Holder) Swap(snap *Snapshot) bool {
	for {
		cur := h.current.Load()
		if cur != nil && snap.version <= cur.version {
			return false
		}
		if h.current.CompareAndSwap(cur, snap) {
			return true
		}
	}
}

// EncodeKey renders a public key the way registry files carry it.
func EncodeKey(pub ed25519.PublicKey) string {
	return cristalbase64.URLEncoding.EncodeToString(pub)
}

// DecodeKey parses a base64url ed25519 public key.
func DecodeKey(s string) (ed25519.PublicKey, error) {
	raw, err := cristalbase64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
