// Package placement assigns shards to storage nodes with rendezvous hashing.
//
// Every (fingerprint, shard index, node id) triple gets a blake3 score.
// For each shard the eligible nodes are ranked by descending score; the
// primary is the highest-ranked node that is not yet primary for
// ceil(shards/nodes) other shards, and the fallbacks are the next R ranked
// nodes. The result depends only on the fingerprint, the shard count and
// the registry snapshot, so any party can recompute it.
package placement

import (
	"encoding/binary"
	"sort"

	"github.com/glycerine/blake3"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// DefaultFallbacks is the number of fallback nodes ranked per shard.
const DefaultFallbacks = 2

const scoreTag = "xblob/placement/v1"

// Options tunes planning.
type Options struct {
	Fallbacks int
}

// Health reports nodes the caller has observed failing.
type Health interface {
	Degraded(nodeID string) bool
}

// Map lists candidate node ids per shard index, primary first.
type Map struct {
	Fingerprint blob.Fingerprint
	Version     uint64
	candidates  [][]string
}

// Plan computes the placement map for fp over the eligible nodes of snap.
func Plan(fp blob.Fingerprint, shardCount int, snap *registry.Snapshot, opts Options) (*Map, error) {
	if shardCount < 1 {
		return nil, xerrors.Errorf(xerrors.KindConfig, "placement.Plan", fp.String(), "shard count %d", shardCount)
	}
	if snap == nil {
		return nil, xerrors.Errorf(xerrors.KindConfig, "placement.Plan", fp.String(), "no registry snapshot")
	}
	nodes := snap.Eligible()
	if len(nodes) == 0 {
		return nil, xerrors.Errorf(xerrors.KindConfig, "placement.Plan", fp.String(), "no eligible storage nodes")
	}
	fallbacks := opts.Fallbacks
	if fallbacks <= 0 {
		fallbacks = DefaultFallbacks
	}
	if fallbacks > len(nodes)-1 {
		fallbacks = len(nodes) - 1
	}

	limit := (shardCount + len(nodes) - 1) / len(nodes)
	load := make(map[string]int, len(nodes))
	m := &Map{Fingerprint: fp, Version: snap.Version(), candidates: make([][]string, shardCount)}
	for i := 0; i < shardCount; i++ {
		ranked := rank(fp, i, nodes)
		primary := 0
		for j, id := range ranked {
			if load[id] < limit {
				primary = j
				break
			}
		}
		load[ranked[primary]]++
		list := make([]string, 0, fallbacks+1)
		list = append(list, ranked[primary])
		for j, id := range ranked {
			if len(list) == fallbacks+1 {
				break
			}
			if j != primary {
				list = append(list, id)
			}
		}
		m.candidates[i] = list
	}
	return m, nil
}

// Score is the rendezvous weight of node for shard index of fp.
func Score(fp blob.Fingerprint, index int, nodeID string) uint64 {
	h := blake3.New(32, nil)
	h.Write([]byte(scoreTag))
	h.Write(fp[:])
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(index))
	h.Write(idx[:])
	h.Write([]byte(nodeID))
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

func rank(fp blob.Fingerprint, index int, nodes []registry.Node) []string {
	type scored struct {
		id    string
		score uint64
	}
	list := make([]scored, len(nodes))
	for i, n := range nodes {
		list[i] = scored{id: n.ID, score: Score(fp, index, n.ID)}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].id < list[j].id
	})
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.id
	}
	return out
}

// Len returns the number of shard indices in the map.
func (m *Map) Len() int { return len(m.candidates) }

// Candidates returns the ordered node ids for shard index.
func (m *Map) Candidates(index int) []string {
	if index < 0 || index >= len(m.candidates) {
		return nil
	}
	return append([]string(nil), m.candidates[index]...)
}

// Primary returns the first candidate for shard index.
func (m *Map) Primary(index int) string {
	if index < 0 || index >= len(m.candidates) || len(m.candidates[index]) == 0 {
		return ""
	}
	return m.candidates[index][0]
}

// Deprioritize returns a copy of m where degraded nodes are moved behind
// healthy ones. Relative order inside each group is kept.
func (m *Map) Deprioritize(h Health) *Map {
	if h == nil {
		return m
	}
	out := &Map{Fingerprint: m.Fingerprint, Version: m.Version, candidates: make([][]string, len(m.candidates))}
	for i, list := range m.candidates {
		healthy := make([]string, 0, len(list))
		var degraded []string
		for _, id := range list {
			if h.Degraded(id) {
				degraded = append(degraded, id)
			} else {
				healthy = append(healthy, id)
			}
		}
		out.candidates[i] = append(healthy, degraded...)
	}
	return out
}

// WithHolders returns a copy of m where the recorded holder of each shard
// is tried first.
func (m *Map) WithHolders(holders map[int]string) *Map {
	out := &Map{Fingerprint: m.Fingerprint, Version: m.Version, candidates: make([][]string, len(m.candidates))}
	for i, list := range m.candidates {
		holder, ok := holders[i]
		if !ok || holder == "" {
			out.candidates[i] = append([]string(nil), list...)
			continue
		}
		merged := make([]string, 0, len(list)+1)
		merged = append(merged, holder)
		for _, id := range list {
			if id != holder {
				merged = append(merged, id)
			}
		}
		out.candidates[i] = merged
	}
	return out
}
