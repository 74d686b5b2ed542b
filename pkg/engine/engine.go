// Package engine ties the write, read and lifecycle paths together behind
// one facade used by the HTTP API, the gateways and the CLI.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/cache"
	"github.com/jacktea/xblob/pkg/certificate"
	"github.com/jacktea/xblob/pkg/certify"
	"github.com/jacktea/xblob/pkg/erasure"
	"github.com/jacktea/xblob/pkg/gc"
	"github.com/jacktea/xblob/pkg/ledger"
	"github.com/jacktea/xblob/pkg/lifecycle"
	"github.com/jacktea/xblob/pkg/metrics"
	"github.com/jacktea/xblob/pkg/nodeclient"
	"github.com/jacktea/xblob/pkg/placement"
	"github.com/jacktea/xblob/pkg/reader"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Defaults applied by New.
const (
	DefaultWriteAttempts = 3
	DefaultEpochs        = 1
)

// Nodes is everything the engine asks of storage nodes.
type Nodes interface {
	certify.Putter
	reader.Getter
	gc.Deleter
}

// Options configures an Engine.
type Options struct {
	Params erasure.Params
	Quorum int
	// WriteAttempts bounds whole-write retries after a quorum failure.
	WriteAttempts int
	// MaxEpochs caps a single store or renewal. Zero means no cap.
	MaxEpochs     uint64
	MaxFallbacks  int
	WriteDeadline time.Duration
	ReadFallbacks int
	ReadDeadline  time.Duration
	// ReadGrace is the reader's systematic grace.
	ReadGrace time.Duration
	Placement placement.Options

	Registry  *registry.Holder
	Ledger    ledger.Ledger
	Signer    ledger.Signer
	Nodes     Nodes
	Health    placement.Health
	Lifecycle *lifecycle.Manager
	Cache     *cache.Cache
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Engine stores and reads blobs.
type Engine struct {
	params    erasure.Params
	coder     *erasure.Coder
	attempts  int
	maxEpochs uint64
	registry  *registry.Holder
	ledger    ledger.Ledger
	health    placement.Health
	coord     *certify.Coordinator
	reader    *reader.Reconstructor
	lc        *lifecycle.Manager
	sweeper   *gc.Sweeper
	cache     *cache.Cache
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu      sync.Mutex
	writing map[blob.Fingerprint]*writeLock
}

type writeLock struct {
	sync.Mutex
	refs int
}

// New validates opts and wires the components.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil || opts.Ledger == nil || opts.Nodes == nil {
		return nil, xerrors.Errorf(xerrors.KindConfig, "engine.New", "", "registry, ledger and nodes are required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Health == nil {
		if c, ok := opts.Nodes.(*nodeclient.Client); ok {
			opts.Health = c.Health()
		}
	}
	coord, err := certify.New(opts.Nodes, certify.Options{
		Params:       opts.Params,
		Quorum:       opts.Quorum,
		MaxFallbacks: opts.MaxFallbacks,
		Deadline:     opts.WriteDeadline,
		Signer:       opts.Signer,
		Health:       opts.Health,
		Metrics:      opts.Metrics,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	coder, err := erasure.New(opts.Params)
	if err != nil {
		return nil, err
	}
	lc := opts.Lifecycle
	if lc == nil {
		lc = lifecycle.NewManager(lifecycle.Options{Ledger: opts.Ledger, Placement: opts.Placement, Metrics: opts.Metrics, Logger: opts.Logger})
	}
	e := &Engine{
		params:    opts.Params,
		coder:     coder,
		attempts:  opts.WriteAttempts,
		maxEpochs: opts.MaxEpochs,
		registry:  opts.Registry,
		ledger:    opts.Ledger,
		health:    opts.Health,
		coord:     coord,
		reader: reader.New(opts.Nodes, reader.Options{
			Fallbacks:       opts.ReadFallbacks,
			Deadline:        opts.ReadDeadline,
			SystematicGrace: opts.ReadGrace,
			Metrics:         opts.Metrics,
			Logger:          opts.Logger,
		}),
		lc: lc,
		sweeper: gc.NewSweeper(gc.Options{
			Lifecycle: lc,
			Ledger:    opts.Ledger,
			Nodes:     opts.Nodes,
			Registry:  opts.Registry,
			Placement: opts.Placement,
			Metrics:   opts.Metrics,
			Logger:    opts.Logger,
		}),
		cache:   opts.Cache,
		metrics: opts.Metrics,
		log:     opts.Logger,
		writing: make(map[blob.Fingerprint]*writeLock),
	}
	if e.attempts <= 0 {
		e.attempts = DefaultWriteAttempts
	}
	return e, nil
}

// Params returns the erasure parameters new blobs are encoded with.
func (e *Engine) Params() erasure.Params { return e.params }

// Quorum returns the certification threshold.
func (e *Engine) Quorum() int { return e.coord.Quorum() }

// Lifecycle exposes the lifecycle manager.
func (e *Engine) Lifecycle() *lifecycle.Manager { return e.lc }

// Sweeper exposes the reclamation sweeper.
func (e *Engine) Sweeper() *gc.Sweeper { return e.sweeper }

// StoreOptions are the publisher's choices for a new blob.
type StoreOptions struct {
	Epochs    uint64
	Deletable bool
}

// StoreResult is returned to publishers.
type StoreResult struct {
	Fingerprint    blob.Fingerprint         `json:"fingerprint"`
	CertifiedEpoch blob.Epoch               `json:"certified_epoch"`
	EndEpoch       blob.Epoch               `json:"end_epoch"`
	Size           int64                    `json:"size"`
	Tx             ledger.TxID              `json:"tx,omitempty"`
	AlreadyStored  bool                     `json:"already_stored,omitempty"`
	Certificate    *certificate.Certificate `json:"-"`
}

// Store encodes data once, certifies it with up to WriteAttempts fresh
// attempts, pays for the requested epochs, registers the certificate with
// the ledger and records the blob in the lifecycle table. Storing a blob
// that is already live returns its existing record.
func (e *Engine) Store(ctx context.Context, data []byte, opts StoreOptions) (*StoreResult, error) {
	op := "engine.Store"
	if opts.Epochs == 0 {
		opts.Epochs = DefaultEpochs
	}
	if e.maxEpochs > 0 && opts.Epochs > e.maxEpochs {
		return nil, xerrors.Errorf(xerrors.KindInvalid, op, "", "epochs %d exceeds maximum %d", opts.Epochs, e.maxEpochs)
	}
	enc, err := e.coder.Encode(data)
	if err != nil {
		return nil, err
	}
	fp := enc.Meta.Fingerprint
	path := fp.String()

	// One write per content at a time, so the liveness check below sees
	// the result of any concurrent store of the same bytes.
	unlock := e.lockWrite(fp)
	defer unlock()

	current, err := e.ledger.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}
	if existing, err := e.lc.Get(ctx, fp); err == nil && !existing.Meta.Expired(current) {
		return &StoreResult{
			Fingerprint:    fp,
			CertifiedEpoch: existing.Meta.CreatedEpoch,
			EndEpoch:       existing.Meta.EndEpoch,
			Size:           existing.Meta.Size,
			Tx:             existing.Tx,
			AlreadyStored:  true,
			Certificate:    existing.Certificate,
		}, nil
	}

	var res *certify.Result
	for attempt := 1; attempt <= e.attempts; attempt++ {
		res, err = e.coord.Certify(ctx, certify.Request{
			Encoding:   enc,
			Snapshot:   e.registry.Snapshot(),
			StartEpoch: current,
			EndEpoch:   current + blob.Epoch(opts.Epochs),
		})
		if err == nil {
			break
		}
		if xerrors.KindOf(err) != xerrors.KindQuorum || ctx.Err() != nil {
			return nil, err
		}
		e.log.Warn().Err(err).Str("blob", path).Int("attempt", attempt).Int("of", e.attempts).Msg("write attempt failed")
	}
	if err != nil {
		return nil, err
	}

	meta := res.Encoding.Meta
	meta.Deletable = opts.Deletable
	if _, err := e.ledger.PayForStorage(ctx, fp, opts.Epochs); err != nil {
		return nil, err
	}
	tx, err := e.ledger.RegisterCertificate(ctx, res.Certificate)
	if err != nil {
		return nil, err
	}
	if _, err := e.lc.Register(ctx, meta, res.Certificate, tx); err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Add(fp, data)
	}
	return &StoreResult{
		Fingerprint:    fp,
		CertifiedEpoch: meta.CreatedEpoch,
		EndEpoch:       meta.EndEpoch,
		Size:           meta.Size,
		Tx:             tx,
		Certificate:    res.Certificate,
	}, nil
}

func (e *Engine) lockWrite(fp blob.Fingerprint) func() {
	e.mu.Lock()
	l := e.writing[fp]
	if l == nil {
		l = &writeLock{}
		e.writing[fp] = l
	}
	l.refs++
	e.mu.Unlock()
	l.Lock()
	return func() {
		l.Unlock()
		e.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(e.writing, fp)
		}
		e.mu.Unlock()
	}
}

// Read returns the blob identified by fp.
func (e *Engine) Read(ctx context.Context, fp blob.Fingerprint) ([]byte, error) {
	if e.cache != nil {
		if data, ok := e.cache.Get(fp); ok {
			// Cached content must not outlive its lifecycle entry.
			live, err := e.cachedLive(ctx, fp)
			if err != nil {
				return nil, err
			}
			if live {
				return data, nil
			}
			e.cache.Remove(fp)
		}
	}
	snap := e.registry.Snapshot()
	meta, plan, err := e.lc.Resolve(ctx, fp, snap)
	if err != nil {
		return nil, err
	}
	plan = plan.Deprioritize(e.health)
	data, err := e.reader.Read(ctx, meta, plan, snap)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Add(fp, data)
	}
	return data, nil
}

// cachedLive reports whether fp is still registered and unexpired at the
// ledger epoch.
func (e *Engine) cachedLive(ctx context.Context, fp blob.Fingerprint) (bool, error) {
	entry, err := e.lc.Get(ctx, fp)
	if err != nil {
		return false, nil
	}
	current, err := e.ledger.CurrentEpoch(ctx)
	if err != nil {
		return false, err
	}
	return !entry.Meta.Expired(current), nil
}

// Stat returns the lifecycle entry of fp.
func (e *Engine) Stat(ctx context.Context, fp blob.Fingerprint) (lifecycle.Entry, error) {
	return e.lc.Get(ctx, fp)
}

// List pages through live blobs.
func (e *Engine) List(ctx context.Context, after blob.Fingerprint, limit int) ([]lifecycle.Entry, error) {
	return e.lc.List(ctx, after, limit)
}

// Renew extends fp by epochs.
func (e *Engine) Renew(ctx context.Context, fp blob.Fingerprint, epochs uint64) (lifecycle.Entry, error) {
	if e.maxEpochs > 0 && epochs > e.maxEpochs {
		return lifecycle.Entry{}, xerrors.Errorf(xerrors.KindInvalid, "engine.Renew", fp.String(), "epochs %d exceeds maximum %d", epochs, e.maxEpochs)
	}
	return e.lc.Renew(ctx, fp, epochs)
}

// Delete removes a deletable blob. Shard removal on nodes is advisory and
// happens on the next sweep.
func (e *Engine) Delete(ctx context.Context, fp blob.Fingerprint) error {
	if err := e.lc.Delete(ctx, fp); err != nil {
		return err
	}
	if e.cache != nil {
		e.cache.Remove(fp)
	}
	return nil
}

// Sweep runs one expiry and reclaim pass.
func (e *Engine) Sweep(ctx context.Context) (gc.Report, error) {
	rep, err := e.sweeper.Sweep(ctx)
	if e.cache != nil {
		for _, fp := range rep.Expired {
			e.cache.Remove(fp)
		}
	}
	return rep, err
}

// CurrentEpoch returns the ledger epoch.
func (e *Engine) CurrentEpoch(ctx context.Context) (blob.Epoch, error) {
	return e.ledger.CurrentEpoch(ctx)
}
