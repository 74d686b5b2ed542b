// Package gc expires blobs at the ledger epoch and sends advisory shard
// deletions to storage nodes for everything that left the lifecycle table.
package gc

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/ledger"
	"github.com/jacktea/xblob/pkg/lifecycle"
	"github.com/jacktea/xblob/pkg/metrics"
	"github.com/jacktea/xblob/pkg/placement"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Deleter removes one shard from one node. Nodes keep a shard that a
// different write attempt stored since.
type Deleter interface {
	Delete(ctx context.Context, node registry.Node, fp blob.Fingerprint, index int, attempt string) error
}

// Options configures a Sweeper.
type Options struct {
	Lifecycle *lifecycle.Manager
	Ledger    ledger.Ledger
	Nodes     Deleter
	// Registry supplies the snapshot reclaims are planned against. Without
	// it only certified holders are contacted.
	Registry    *registry.Holder
	Placement   placement.Options
	BatchSize   int
	Concurrency int
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// Report summarizes one sweep.
type Report struct {
	Epoch     blob.Epoch
	Expired   []blob.Fingerprint
	Reclaimed int
	Deferred  int
}

// Sweeper runs expiry and reclaim passes.
type Sweeper struct {
	lc          *lifecycle.Manager
	ledger      ledger.Ledger
	nodes       Deleter
	registry    *registry.Holder
	place       placement.Options
	batchSize   int
	concurrency int
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

// NewSweeper wires the lifecycle manager, ledger and node client.
func NewSweeper(opts Options) *Sweeper {
	s := &Sweeper{
		lc:          opts.Lifecycle,
		ledger:      opts.Ledger,
		nodes:       opts.Nodes,
		registry:    opts.Registry,
		place:       opts.Placement,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		log:         opts.Logger,
	}
	if s.batchSize <= 0 {
		s.batchSize = 128
	}
	if s.concurrency <= 0 {
		s.concurrency = 8
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	return s
}

// Sweep expires blobs at the current ledger epoch, then works through the
// reclaim queue. Reclaims that could not reach every node stay queued for
// the next pass.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	if s.lc == nil || s.ledger == nil {
		return rep, xerrors.Errorf(xerrors.KindConfig, "gc.Sweep", "", "sweeper missing dependencies")
	}
	epoch, err := s.ledger.CurrentEpoch(ctx)
	if err != nil {
		return rep, err
	}
	rep.Epoch = epoch
	rep.Expired, err = s.lc.ExpireSweep(ctx, epoch)
	if err != nil {
		return rep, err
	}
	if s.nodes == nil {
		return rep, nil
	}

	seen := make(map[blob.Fingerprint]bool)
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		// Deferred reclaims stay queued, so ask for enough to get past them.
		limit := s.batchSize + len(seen)
		batch, err := s.lc.PendingReclaims(ctx, limit)
		if err != nil {
			return rep, err
		}
		progressed := false
		for _, r := range batch {
			if seen[r.Fingerprint] {
				continue
			}
			seen[r.Fingerprint] = true
			progressed = true
			due, err := s.lc.Reclaimable(ctx, r)
			if err != nil {
				return rep, err
			}
			if !due {
				s.log.Debug().Str("blob", r.Fingerprint.String()).Msg("reclaim dropped, blob stored again")
				continue
			}
			if s.reclaim(ctx, r) {
				if err := s.lc.CompleteReclaim(ctx, r); err != nil {
					return rep, err
				}
				rep.Reclaimed++
			} else {
				rep.Deferred++
			}
		}
		if !progressed || len(batch) < limit {
			return rep, nil
		}
	}
}

// reclaim sends every delete for r and reports whether all were accepted.
func (s *Sweeper) reclaim(ctx context.Context, r lifecycle.Reclaim) bool {
	targets := s.targets(r)
	var failed atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, t := range targets {
		g.Go(func() error {
			err := s.nodes.Delete(ctx, t.node, r.Fingerprint, t.index, r.Attempt)
			if err != nil {
				failed.Add(1)
				s.metrics.Reclaims.WithLabelValues("failed").Inc()
				s.log.Debug().Err(err).Str("blob", r.Fingerprint.String()).Int("shard", t.index).Str("node", t.node.ID).Msg("reclaim advisory failed")
				return err
			}
			s.metrics.Reclaims.WithLabelValues("ok").Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Str("blob", r.Fingerprint.String()).Int32("failed", failed.Load()).Msg("reclaim deferred")
		return false
	}
	return failed.Load() == 0
}

type target struct {
	node  registry.Node
	index int
}

// targets lists the certified holder and every planned candidate of each
// shard index, once per node.
func (s *Sweeper) targets(r lifecycle.Reclaim) []target {
	var snap *registry.Snapshot
	if s.registry != nil {
		snap = s.registry.Snapshot()
	}
	var plan *placement.Map
	if snap != nil {
		if p, err := placement.Plan(r.Fingerprint, r.Shards, snap, s.place); err == nil {
			plan = p
		}
	}
	var out []target
	for i := 0; i < r.Shards; i++ {
		ids := make([]string, 0, 4)
		if h, ok := r.Holders[i]; ok {
			ids = append(ids, h)
		}
		if plan != nil {
			ids = append(ids, plan.Candidates(i)...)
		}
		done := make(map[string]bool, len(ids))
		for _, id := range ids {
			if done[id] || snap == nil {
				continue
			}
			done[id] = true
			if node, ok := snap.Lookup(id); ok {
				out = append(out, target{node: node, index: i})
			}
		}
	}
	return out
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			rep, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error().Err(err).Msg("gc sweep")
			} else if len(rep.Expired) > 0 || rep.Reclaimed > 0 || rep.Deferred > 0 {
				s.log.Info().Uint64("epoch", uint64(rep.Epoch)).Int("expired", len(rep.Expired)).
					Int("reclaimed", rep.Reclaimed).Int("deferred", rep.Deferred).Msg("gc sweep")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
