// Package reader rebuilds blobs from shards fetched in parallel from the
// nodes of a placement map.
package reader

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/erasure"
	"github.com/jacktea/xblob/pkg/metrics"
	"github.com/jacktea/xblob/pkg/placement"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Defaults applied by New.
const (
	DefaultFallbacks       = 1
	DefaultDeadline        = 30 * time.Second
	DefaultSystematicGrace = 20 * time.Millisecond
)

// Getter fetches one shard from a node.
type Getter interface {
	Get(ctx context.Context, node registry.Node, fp blob.Fingerprint, index int) (blob.Shard, error)
}

// Options configures a Reconstructor.
type Options struct {
	// Fallbacks is the number of extra nodes tried per shard index after
	// the primary. Negative disables fallbacks.
	Fallbacks int
	// Deadline bounds a whole read.
	Deadline time.Duration
	// SystematicGrace is how long a read holding k shards keeps waiting
	// for data shards still in flight, so it can skip decoding. Negative
	// disables the wait.
	SystematicGrace time.Duration
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger
}

// Reconstructor reads blobs. It is safe for concurrent use.
type Reconstructor struct {
	getter    Getter
	fallbacks int
	deadline  time.Duration
	grace     time.Duration
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// New returns a Reconstructor fetching through g.
func New(g Getter, opts Options) *Reconstructor {
	r := &Reconstructor{
		getter:    g,
		fallbacks: opts.Fallbacks,
		deadline:  opts.Deadline,
		grace:     opts.SystematicGrace,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
	if r.grace == 0 {
		r.grace = DefaultSystematicGrace
	}
	switch {
	case r.fallbacks == 0:
		r.fallbacks = DefaultFallbacks
	case r.fallbacks < 0:
		r.fallbacks = 0
	}
	if r.deadline <= 0 {
		r.deadline = DefaultDeadline
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}
	return r
}

type fetched struct {
	index int
	node  string
	shard blob.Shard
	err   error
}

// read is the state of one Read call. Only the consuming goroutine touches
// it; fetches report through results.
type read struct {
	r       *Reconstructor
	meta    blob.Metadata
	plan    *placement.Map
	snap    *registry.Snapshot
	bg      context.Context
	results chan fetched
	tried   []int
	flying  []int
	running int
}

// dataInFlight reports whether a missing data index still has a fetch out.
func (rd *read) dataInFlight(have []bool) bool {
	for i := 0; i < rd.meta.K; i++ {
		if !have[i] && rd.flying[i] > 0 {
			return true
		}
	}
	return false
}

// launch starts a fetch of index from its next untried candidate. It
// returns false when the index has no candidates left.
func (rd *read) launch(index int) bool {
	cands := rd.plan.Candidates(index)
	for rd.tried[index] < len(cands) && rd.tried[index] <= rd.r.fallbacks {
		id := cands[rd.tried[index]]
		rd.tried[index]++
		node, ok := rd.snap.Lookup(id)
		if !ok {
			continue
		}
		if rd.tried[index] > 1 {
			rd.r.metrics.ReadFallbacks.Inc()
		}
		rd.running++
		rd.flying[index]++
		go func() {
			s, err := rd.r.getter.Get(rd.bg, node, rd.meta.Fingerprint, index)
			rd.results <- fetched{index: index, node: node.ID, shard: s, err: err}
		}()
		return true
	}
	return false
}

// Read fetches shards of meta from the candidates in plan and rebuilds the
// blob once k valid shards are in hand. When some of those are parity and a
// missing data shard is still in flight, Read waits up to the systematic
// grace for it before decoding. Fetches still outstanding at
// that point are left to finish in the background so their outcomes reach
// node health tracking. Read fails with a KindReconstruction error carrying
// a *xerrors.ShardError once every candidate is exhausted or the deadline
// passes without k valid shards.
func (r *Reconstructor) Read(ctx context.Context, meta blob.Metadata, plan *placement.Map, snap *registry.Snapshot) ([]byte, error) {
	op, path := "reader.Read", meta.Fingerprint.String()
	if err := erasure.CheckMetadata(meta); err != nil {
		return nil, err
	}
	n := meta.ShardCount()
	if plan == nil || plan.Len() < n {
		return nil, xerrors.Errorf(xerrors.KindInvalid, op, path, "placement map does not cover %d shards", n)
	}
	start := time.Now()
	wait, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	rd := &read{
		r:    r,
		meta: meta,
		plan: plan,
		snap: snap,
		// Fetches outlive the caller on purpose: their results still feed
		// node health. Each one is bounded by the client's own timeouts.
		bg:      context.WithoutCancel(ctx),
		results: make(chan fetched, n*(r.fallbacks+1)),
		tried:   make([]int, n),
		flying:  make([]int, n),
	}

	var failures []xerrors.ShardFailure
	// Data indices go first so a healthy cluster serves the systematic path.
	for i := 0; i < n; i++ {
		if !rd.launch(i) {
			failures = append(failures, xerrors.ShardFailure{Index: i, Kind: xerrors.KindNotFound,
				Err: xerrors.E(xerrors.KindNotFound, op, "no candidate node")})
		}
	}

	shards := make([]blob.Shard, 0, n)
	have := make([]bool, n)
	timedOut := false
	var grace <-chan time.Time
collect:
	for rd.running > 0 {
		if len(shards) >= meta.K {
			if r.grace < 0 || !rd.dataInFlight(have) {
				break
			}
			if grace == nil {
				timer := time.NewTimer(r.grace)
				defer timer.Stop()
				grace = timer.C
			}
		}
		select {
		case f := <-rd.results:
			rd.running--
			rd.flying[f.index]--
			err := f.err
			if err == nil {
				err = erasure.VerifyShard(meta, f.shard)
			}
			if err != nil {
				failures = append(failures, xerrors.ShardFailure{Index: f.index, Node: f.node, Kind: xerrors.KindOf(err), Err: err})
				r.log.Debug().Err(err).Str("blob", path).Int("shard", f.index).Str("node", f.node).Msg("shard fetch failed")
				if !have[f.index] {
					rd.launch(f.index)
				}
				continue
			}
			if have[f.index] {
				continue
			}
			have[f.index] = true
			shards = append(shards, f.shard)
		case <-grace:
			break collect
		case <-wait.Done():
			timedOut = true
			break collect
		}
	}
	if rd.running > 0 {
		go rd.drain(path)
	}
	r.metrics.ReadDuration.Observe(time.Since(start).Seconds())

	if len(shards) < meta.K {
		if timedOut {
			for i := 0; i < n; i++ {
				if !have[i] && !failedIndex(failures, i) {
					failures = append(failures, xerrors.ShardFailure{Index: i, Kind: xerrors.KindTimeout, Err: wait.Err()})
				}
			}
		}
		r.metrics.Reads.WithLabelValues("unavailable").Inc()
		r.log.Warn().Str("blob", path).Int("valid", len(shards)).Int("need", meta.K).Msg("blob unavailable")
		return nil, xerrors.Wrap(xerrors.KindReconstruction, op, path,
			&xerrors.ShardError{Need: meta.K, Valid: len(shards), Failures: failures})
	}

	indices := make([]int, len(shards))
	for i, s := range shards {
		indices[i] = s.Index
	}
	data, err := erasure.Decode(meta, shards)
	if err != nil {
		r.metrics.Reads.WithLabelValues("failed").Inc()
		return nil, err
	}
	if erasure.Systematic(meta.K, indices) {
		r.metrics.ReadPath.WithLabelValues("systematic").Inc()
	} else {
		r.metrics.ReadPath.WithLabelValues("decoded").Inc()
	}
	r.metrics.Reads.WithLabelValues("ok").Inc()
	return data, nil
}

// drain consumes fetches that finished after the read completed.
func (rd *read) drain(path string) {
	for ; rd.running > 0; rd.running-- {
		f := <-rd.results
		rd.flying[f.index]--
		if f.err != nil {
			rd.r.log.Debug().Err(f.err).Str("blob", path).Int("shard", f.index).Str("node", f.node).Msg("late shard fetch failed")
		}
	}
}

func failedIndex(failures []xerrors.ShardFailure, index int) bool {
	for _, f := range failures {
		if f.Index == index {
			return true
		}
	}
	return false
}
