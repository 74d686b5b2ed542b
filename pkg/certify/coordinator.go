// Package certify drives the write protocol for one blob: encode, dispatch
// shards to their placement candidates, collect signed receipts and issue a
// storage certificate once a quorum of distinct shard indices is stored, no
// node acknowledging more than its placement share.
package certify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/certificate"
	"github.com/jacktea/xblob/pkg/erasure"
	"github.com/jacktea/xblob/pkg/metrics"
	"github.com/jacktea/xblob/pkg/placement"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// State is a step of a certification attempt.
type State int

const (
	StateEncoding State = iota
	StateDispatching
	StateAwaitingQuorum
	StateCertified
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEncoding:
		return "encoding"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingQuorum:
		return "awaiting_quorum"
	case StateCertified:
		return "certified"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool { return s == StateCertified || s == StateFailed }

// Defaults applied by New.
const (
	DefaultMaxFallbacks = 2
	DefaultDeadline     = 30 * time.Second
)

// Putter stores a shard on a node and returns its receipt.
type Putter interface {
	Put(ctx context.Context, node registry.Node, shard blob.Shard, attempt string) (certificate.Receipt, error)
}

// Options configures a Coordinator.
type Options struct {
	Params erasure.Params
	Quorum int
	// MaxFallbacks bounds fallback nodes tried per shard after the primary.
	// Negative disables fallbacks.
	MaxFallbacks int
	// Deadline bounds the whole attempt from dispatch to quorum.
	Deadline     time.Duration
	Signer       certificate.Signer
	Health       placement.Health
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	OnTransition func(attempt string, from, to State)
}

// Coordinator runs certification attempts. It keeps no per-blob state
// between attempts.
type Coordinator struct {
	putter    Putter
	coder     *erasure.Coder
	quorum    int
	fallbacks int
	deadline  time.Duration
	signer    certificate.Signer
	health    placement.Health
	metrics   *metrics.Metrics
	log       zerolog.Logger
	onChange  func(attempt string, from, to State)
}

// ValidateQuorum enforces k < quorum <= k+m, so that with f = quorum-k-1
// tolerated faults quorum > f+k holds and the quorum is reachable.
func ValidateQuorum(p erasure.Params, quorum int) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if quorum <= p.K || quorum > p.Total() {
		return xerrors.Errorf(xerrors.KindConfig, "certify", "", "quorum %d must be in (%d, %d]", quorum, p.K, p.Total())
	}
	return nil
}

// New validates opts and returns a Coordinator.
func New(putter Putter, opts Options) (*Coordinator, error) {
	if err := ValidateQuorum(opts.Params, opts.Quorum); err != nil {
		return nil, err
	}
	if opts.Signer == nil {
		return nil, xerrors.Errorf(xerrors.KindConfig, "certify", "", "no certificate signer")
	}
	coder, err := erasure.New(opts.Params)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		putter:    putter,
		coder:     coder,
		quorum:    opts.Quorum,
		fallbacks: opts.MaxFallbacks,
		deadline:  opts.Deadline,
		signer:    opts.Signer,
		health:    opts.Health,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		onChange:  opts.OnTransition,
	}
	switch {
	case c.fallbacks == 0:
		c.fallbacks = DefaultMaxFallbacks
	case c.fallbacks < 0:
		c.fallbacks = 0
	}
	if c.deadline <= 0 {
		c.deadline = DefaultDeadline
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	return c, nil
}

// Quorum returns the number of distinct shard indices required.
func (c *Coordinator) Quorum() int { return c.quorum }

// Params returns the erasure parameters blobs are encoded with.
func (c *Coordinator) Params() erasure.Params { return c.coder.Params() }

// Request is one blob write.
type Request struct {
	Data []byte
	// Encoding, when set, is used instead of encoding Data again.
	Encoding   *erasure.Encoding
	Snapshot   *registry.Snapshot
	StartEpoch blob.Epoch
	EndEpoch   blob.Epoch
}

// Result is the outcome of a certified attempt.
type Result struct {
	Attempt     string
	Encoding    *erasure.Encoding
	Certificate *certificate.Certificate
	Failures    []xerrors.ShardFailure
}

type shardOutcome struct {
	index    int
	receipt  certificate.Receipt
	err      error
	failures []xerrors.ShardFailure
}

type attempt struct {
	id    string
	mu    sync.Mutex
	state State
	c     *Coordinator
}

func (a *attempt) move(to State) {
	a.mu.Lock()
	from := a.state
	a.state = to
	a.mu.Unlock()
	a.c.log.Debug().Str("attempt", a.id).Stringer("from", from).Stringer("to", to).Msg("certification state")
	if a.c.onChange != nil {
		a.c.onChange(a.id, from, to)
	}
}

// Certify runs one attempt with a fresh attempt id. On failure nothing from
// the attempt is kept; callers retry by calling Certify again.
func (c *Coordinator) Certify(ctx context.Context, req Request) (*Result, error) {
	a := &attempt{id: uuid.NewString(), state: StateEncoding, c: c}

	enc := req.Encoding
	if enc == nil {
		var err error
		enc, err = c.coder.Encode(req.Data)
		if err != nil {
			a.move(StateFailed)
			return nil, err
		}
	} else if enc.Meta.K != c.coder.Params().K || enc.Meta.M != c.coder.Params().M {
		a.move(StateFailed)
		return nil, xerrors.Errorf(xerrors.KindConfig, "certify", enc.Meta.Fingerprint.String(), "encoding is %d+%d, coordinator is %d+%d",
			enc.Meta.K, enc.Meta.M, c.coder.Params().K, c.coder.Params().M)
	}
	fp := enc.Meta.Fingerprint
	path := fp.String()

	if req.Snapshot == nil {
		a.move(StateFailed)
		return nil, xerrors.Errorf(xerrors.KindConfig, "certify", path, "no registry snapshot")
	}
	eligible := len(req.Snapshot.Eligible())
	// Rank every eligible node so fallbacks can skip nodes already holding
	// a shard of this attempt without running out of candidates.
	plan, err := placement.Plan(fp, len(enc.Shards), req.Snapshot, placement.Options{Fallbacks: max(eligible-1, 1)})
	if err != nil {
		a.move(StateFailed)
		return nil, err
	}
	plan = plan.Deprioritize(c.health)
	holds := newClaims((len(enc.Shards) + eligible - 1) / eligible)
	routes := make([][]string, len(enc.Shards))
	reserved := make([]bool, len(enc.Shards))
	for i := range enc.Shards {
		routes[i], reserved[i] = holds.reserve(plan.Candidates(i))
	}

	start := time.Now()
	a.move(StateDispatching)
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	results := make(chan shardOutcome, len(enc.Shards))
	for i, shard := range enc.Shards {
		go c.dispatch(ctx, a.id, shard, routes[i], reserved[i], holds, req.Snapshot, results)
	}
	a.move(StateAwaitingQuorum)

	receipts := make(map[int]certificate.Receipt, len(enc.Shards))
	var failures []xerrors.ShardFailure
	pending := len(enc.Shards)
	settle := func(out shardOutcome) {
		pending--
		if out.err == nil {
			receipts[out.index] = out.receipt
		}
		failures = append(failures, out.failures...)
	}
wait:
	for pending > 0 && len(receipts) < c.quorum && len(receipts)+pending >= c.quorum {
		select {
		case out := <-results:
			settle(out)
		case <-ctx.Done():
			break wait
		}
	}
	if len(receipts) >= c.quorum {
	drain:
		for pending > 0 {
			select {
			case out := <-results:
				settle(out)
			default:
				break drain
			}
		}
	}
	cancel()
	c.metrics.WriteDuration.Observe(time.Since(start).Seconds())

	if len(receipts) < c.quorum {
		for i := range enc.Shards {
			if _, ok := receipts[i]; !ok && !failedIndex(failures, i) {
				failures = append(failures, xerrors.ShardFailure{Index: i, Kind: xerrors.KindTimeout, Err: context.DeadlineExceeded})
			}
		}
		a.move(StateFailed)
		c.metrics.Writes.WithLabelValues("failed").Inc()
		qe := &xerrors.QuorumError{Attempt: a.id, Need: c.quorum, Got: len(receipts), Failures: failures}
		c.log.Warn().Str("attempt", a.id).Str("blob", path).Int("receipts", len(receipts)).Int("quorum", c.quorum).
			Msg("certification failed")
		return nil, xerrors.Wrap(xerrors.KindQuorum, "certify", path, qe)
	}

	list := make([]certificate.Receipt, 0, len(receipts))
	for _, r := range receipts {
		list = append(list, r)
	}
	cert := certificate.Assemble(a.id, fp, req.StartEpoch, req.EndEpoch, c.quorum, list)
	if err := cert.Seal(c.signer); err != nil {
		a.move(StateFailed)
		c.metrics.Writes.WithLabelValues("failed").Inc()
		return nil, err
	}
	enc.Meta.CreatedEpoch = req.StartEpoch
	enc.Meta.EndEpoch = req.EndEpoch
	a.move(StateCertified)
	c.metrics.Writes.WithLabelValues("certified").Inc()
	c.log.Info().Str("attempt", a.id).Str("blob", path).Int("covers", cert.Covers()).Int64("size", enc.Meta.Size).
		Msg("blob certified")
	return &Result{Attempt: a.id, Encoding: enc, Certificate: cert, Failures: failures}, nil
}

// claims caps how many shard indices of one attempt a single node may
// acknowledge: its share of the placement, one when there are at least as
// many nodes as shards. A node absorbing a second index through fallback
// would let fewer than quorum nodes certify the blob.
type claims struct {
	mu    sync.Mutex
	limit int
	held  map[string]int
}

func newClaims(limit int) *claims {
	return &claims{limit: max(limit, 1), held: make(map[string]int)}
}

func (c *claims) take(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[id] >= c.limit {
		return false
	}
	c.held[id]++
	return true
}

func (c *claims) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[id] > 0 {
		c.held[id]--
	}
}

// reserve claims the first candidate with room and returns the candidates
// with it moved to the front. It reports false when none had room.
func (c *claims) reserve(candidates []string) ([]string, bool) {
	for j, id := range candidates {
		if c.take(id) {
			out := make([]string, 0, len(candidates))
			out = append(out, id)
			out = append(out, candidates[:j]...)
			return append(out, candidates[j+1:]...), true
		}
	}
	return candidates, false
}

// dispatch stores one shard, walking its route until a node returns a
// valid receipt or the fallback budget is spent. When reserved the first
// node of route is already claimed. Every other node is claimed before use
// and skipped when it holds its share of this attempt.
func (c *Coordinator) dispatch(ctx context.Context, attemptID string, shard blob.Shard, route []string, reserved bool, holds *claims, snap *registry.Snapshot, out chan<- shardOutcome) {
	result := shardOutcome{index: shard.Index}
	tries := 0
	for j, id := range route {
		if tries > c.fallbacks {
			break
		}
		if ctx.Err() != nil {
			result.err = ctx.Err()
			break
		}
		if (j > 0 || !reserved) && !holds.take(id) {
			continue
		}
		if tries > 0 {
			c.metrics.WriteFallbacks.Inc()
		}
		tries++
		node, ok := snap.Lookup(id)
		if !ok {
			holds.release(id)
			result.err = xerrors.E(xerrors.KindNotFound, "certify.dispatch", id)
			result.failures = append(result.failures, xerrors.ShardFailure{Index: shard.Index, Node: id, Kind: xerrors.KindNotFound, Err: result.err})
			continue
		}
		receipt, err := c.putter.Put(ctx, node, shard, attemptID)
		if err == nil {
			err = checkReceipt(receipt, node, shard, attemptID)
		}
		if err == nil {
			result.receipt, result.err = receipt, nil
			out <- result
			return
		}
		holds.release(id)
		if ctx.Err() != nil {
			result.err = ctx.Err()
			break
		}
		result.err = err
		result.failures = append(result.failures, xerrors.ShardFailure{Index: shard.Index, Node: id, Kind: xerrors.KindOf(err), Err: err})
		c.log.Debug().Err(err).Str("attempt", attemptID).Int("shard", shard.Index).Str("node", id).Msg("shard dispatch failed")
	}
	if result.err == nil {
		result.err = xerrors.E(xerrors.KindUnreachable, "certify.dispatch", "no candidates")
		result.failures = append(result.failures, xerrors.ShardFailure{Index: shard.Index, Kind: xerrors.KindUnreachable, Err: result.err})
	}
	out <- result
}

func checkReceipt(r certificate.Receipt, node registry.Node, shard blob.Shard, attemptID string) error {
	switch {
	case r.Fingerprint != shard.Fingerprint, r.Index != shard.Index:
		return xerrors.Errorf(xerrors.KindRejected, "certify.receipt", node.ID, "receipt for %s/%d", r.Fingerprint, r.Index)
	case r.NodeID != node.ID:
		return xerrors.Errorf(xerrors.KindRejected, "certify.receipt", node.ID, "receipt names node %s", r.NodeID)
	case r.Digest != shard.Digest:
		return xerrors.Errorf(xerrors.KindIntegrity, "certify.receipt", node.ID, "receipt digest mismatch for shard %d", shard.Index)
	case r.Attempt != attemptID:
		return xerrors.Errorf(xerrors.KindRejected, "certify.receipt", node.ID, "receipt from attempt %s", r.Attempt)
	}
	return r.Verify(node.PublicKey)
}

func failedIndex(failures []xerrors.ShardFailure, index int) bool {
	for _, f := range failures {
		if f.Index == index {
			return true
		}
	}
	return false
}
