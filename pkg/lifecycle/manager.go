// Package lifecycle tracks certified blobs through renewal, expiry and
// deletion. Storage nodes are only ever told about removals through the
// reclaim queue, which is advisory.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/certificate"
	"github.com/jacktea/xblob/pkg/ledger"
	"github.com/jacktea/xblob/pkg/metrics"
	"github.com/jacktea/xblob/pkg/placement"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Removal reasons recorded on reclaims and metrics.
const (
	ReasonExpired = "expired"
	ReasonDeleted = "deleted"
)

// Options configures a Manager.
type Options struct {
	Ledger    ledger.Ledger
	Store     Store
	Placement placement.Options
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Manager owns the lifecycle table.
type Manager struct {
	ledger  ledger.Ledger
	store   Store
	place   placement.Options
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	// mu serializes read-modify-write of entries.
	mu sync.Mutex
}

// NewManager builds a Manager. A nil Store gets a MemoryStore.
func NewManager(opts Options) *Manager {
	m := &Manager{
		ledger:  opts.Ledger,
		store:   opts.Store,
		place:   opts.Placement,
		metrics: opts.Metrics,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Store returns the backing store.
func (m *Manager) Store() Store { return m.store }

// Register records a certified blob.
func (m *Manager) Register(ctx context.Context, meta blob.Metadata, cert *certificate.Certificate, tx ledger.TxID) (Entry, error) {
	op, path := "lifecycle.Register", meta.Fingerprint.String()
	if cert == nil || cert.Fingerprint != meta.Fingerprint {
		return Entry{}, xerrors.Errorf(xerrors.KindInvalid, op, path, "certificate does not match blob")
	}
	if meta.EndEpoch <= meta.CreatedEpoch {
		return Entry{}, xerrors.Errorf(xerrors.KindInvalid, op, path, "end epoch %d not after start %d", meta.EndEpoch, meta.CreatedEpoch)
	}
	e := Entry{Meta: meta, Certificate: cert, Tx: tx, RegisteredAt: m.now()}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Put(ctx, e); err != nil {
		return Entry{}, err
	}
	m.refreshGauge(ctx)
	m.log.Debug().Str("blob", path).Uint64("end_epoch", uint64(meta.EndEpoch)).Bool("deletable", meta.Deletable).Msg("blob registered")
	return e, nil
}

// Get returns the entry for fp.
func (m *Manager) Get(ctx context.Context, fp blob.Fingerprint) (Entry, error) {
	return m.store.Get(ctx, fp)
}

// List pages through entries in fingerprint order.
func (m *Manager) List(ctx context.Context, after blob.Fingerprint, limit int) ([]Entry, error) {
	return m.store.List(ctx, after, limit)
}

// Resolve returns the metadata of a live blob and the shard map to read it
// from: the certified holder of each index first, then the planned
// candidates under snap.
func (m *Manager) Resolve(ctx context.Context, fp blob.Fingerprint, snap *registry.Snapshot) (blob.Metadata, *placement.Map, error) {
	e, err := m.store.Get(ctx, fp)
	if err != nil {
		return blob.Metadata{}, nil, err
	}
	if m.ledger != nil {
		current, err := m.ledger.CurrentEpoch(ctx)
		if err != nil {
			return blob.Metadata{}, nil, err
		}
		if e.Meta.Expired(current) {
			return blob.Metadata{}, nil, xerrors.Errorf(xerrors.KindExpired, "lifecycle.Resolve", fp.String(), "expired at epoch %d", e.Meta.EndEpoch)
		}
	}
	plan, err := placement.Plan(fp, e.Meta.ShardCount(), snap, m.place)
	if err != nil {
		return blob.Metadata{}, nil, err
	}
	if e.Certificate != nil {
		plan = plan.WithHolders(e.Certificate.Holders())
	}
	return e.Meta, plan, nil
}

// Renew pays for additional epochs and extends the end epoch.
func (m *Manager) Renew(ctx context.Context, fp blob.Fingerprint, epochs uint64) (Entry, error) {
	op, path := "lifecycle.Renew", fp.String()
	if epochs == 0 {
		return Entry{}, xerrors.Errorf(xerrors.KindInvalid, op, path, "epochs must be positive")
	}
	if m.ledger == nil {
		return Entry{}, xerrors.Errorf(xerrors.KindConfig, op, path, "no ledger")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.store.Get(ctx, fp)
	if err != nil {
		return Entry{}, err
	}
	current, err := m.ledger.CurrentEpoch(ctx)
	if err != nil {
		return Entry{}, err
	}
	if e.Meta.Expired(current) {
		return Entry{}, xerrors.Errorf(xerrors.KindExpired, op, path, "expired at epoch %d", e.Meta.EndEpoch)
	}
	if _, err := m.ledger.PayForStorage(ctx, fp, epochs); err != nil {
		return Entry{}, err
	}
	e.Meta.EndEpoch += blob.Epoch(epochs)
	e.RenewedAt = m.now()
	if err := m.store.Put(ctx, e); err != nil {
		m.log.Error().Err(err).Str("blob", path).Uint64("epochs", epochs).Msg("renewal paid but not recorded")
		return Entry{}, err
	}
	m.log.Info().Str("blob", path).Uint64("end_epoch", uint64(e.Meta.EndEpoch)).Msg("blob renewed")
	return e, nil
}

// ExpireSweep removes every entry whose end epoch is at or before current
// and returns their fingerprints. Each one is queued for reclaim.
func (m *Manager) ExpireSweep(ctx context.Context, current blob.Epoch) ([]blob.Fingerprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due, err := m.store.Expiring(ctx, current, 0)
	if err != nil {
		return nil, err
	}
	out := make([]blob.Fingerprint, 0, len(due))
	for _, fp := range due {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := m.removeLocked(ctx, fp, ReasonExpired); err != nil {
			if xerrors.KindOf(err) == xerrors.KindNotFound {
				continue
			}
			return out, err
		}
		out = append(out, fp)
	}
	if len(out) > 0 {
		m.log.Info().Int("blobs", len(out)).Uint64("epoch", uint64(current)).Msg("expired blobs swept")
	}
	m.refreshGauge(ctx)
	return out, nil
}

// Delete removes a deletable blob immediately.
func (m *Manager) Delete(ctx context.Context, fp blob.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.store.Get(ctx, fp)
	if err != nil {
		return err
	}
	if !e.Meta.Deletable {
		return xerrors.Errorf(xerrors.KindPermission, "lifecycle.Delete", fp.String(), "blob is not deletable")
	}
	if err := m.removeLocked(ctx, fp, ReasonDeleted); err != nil {
		return err
	}
	m.refreshGauge(ctx)
	return nil
}

// PendingReclaims lists queued advisory reclaims.
func (m *Manager) PendingReclaims(ctx context.Context, limit int) ([]Reclaim, error) {
	return m.store.PendingReclaims(ctx, limit)
}

// Reclaimable reports whether r is still due, that is fp has not been
// registered again since r was queued.
func (m *Manager) Reclaimable(ctx context.Context, r Reclaim) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.store.Get(ctx, r.Fingerprint)
	switch {
	case err == nil:
		return false, nil
	case xerrors.KindOf(err) == xerrors.KindNotFound:
		return true, nil
	default:
		return false, err
	}
}

// CompleteReclaim drops r from the reclaim queue unless fp was registered
// again or a newer reclaim replaced it.
func (m *Manager) CompleteReclaim(ctx context.Context, r Reclaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.CompleteReclaim(ctx, r.Fingerprint, r.Attempt)
}

func (m *Manager) removeLocked(ctx context.Context, fp blob.Fingerprint, reason string) error {
	e, err := m.store.Get(ctx, fp)
	if err != nil {
		return err
	}
	r := Reclaim{Fingerprint: fp, Shards: e.Meta.ShardCount(), Reason: reason, Queued: m.now()}
	if e.Certificate != nil {
		r.Holders = e.Certificate.Holders()
		r.Attempt = e.Certificate.Attempt
	}
	if err := m.store.Remove(ctx, fp, r); err != nil {
		return err
	}
	m.metrics.BlobsRemoved.WithLabelValues(reason).Inc()
	m.log.Debug().Str("blob", fp.String()).Str("reason", reason).Msg("blob removed")
	return nil
}

func (m *Manager) refreshGauge(ctx context.Context) {
	if n, err := m.store.Count(ctx); err == nil {
		m.metrics.BlobsTracked.Set(float64(n))
	}
}
