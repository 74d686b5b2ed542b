package lifecycle

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/certificate"
	"github.com/jacktea/xblob/pkg/ledger"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Entry is the lifecycle record of one certified blob.
type Entry struct {
	Meta         blob.Metadata            `json:"meta"`
	Certificate  *certificate.Certificate `json:"certificate"`
	Tx           ledger.TxID              `json:"tx"`
	RegisteredAt time.Time                `json:"registered_at"`
	RenewedAt    time.Time                `json:"renewed_at,omitempty"`
}

// Reclaim is an advisory request to drop every shard of a blob that left
// the lifecycle table.
type Reclaim struct {
	Fingerprint blob.Fingerprint `json:"fingerprint"`
	Shards      int              `json:"shards"`
	Holders     map[int]string   `json:"holders"`
	// Attempt is the certified write attempt whose shards are reclaimed.
	Attempt     string           `json:"attempt,omitempty"`
	Reason      string           `json:"reason"`
	Queued      time.Time        `json:"queued"`
}

// Store persists lifecycle entries, an end-epoch index and the reclaim
// queue.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, fp blob.Fingerprint) (Entry, error)
	// List returns up to limit entries ordered by fingerprint, starting
	// after the given one. A zero fingerprint starts at the beginning.
	List(ctx context.Context, after blob.Fingerprint, limit int) ([]Entry, error)
	// Expiring returns fingerprints whose end epoch is at or before current.
	Expiring(ctx context.Context, current blob.Epoch, limit int) ([]blob.Fingerprint, error)
	// Remove drops the entry and queues r in the same step.
	Remove(ctx context.Context, fp blob.Fingerprint, r Reclaim) error
	Count(ctx context.Context) (int, error)
	PendingReclaims(ctx context.Context, limit int) ([]Reclaim, error)
	// CompleteReclaim drops the queued reclaim of fp if it is still the one
	// for attempt. A newer reclaim queued meanwhile is kept.
	CompleteReclaim(ctx context.Context, fp blob.Fingerprint, attempt string) error
	Close() error
}

// MemoryStore keeps everything in maps.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[blob.Fingerprint]Entry
	reclaim map[blob.Fingerprint]Reclaim
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[blob.Fingerprint]Entry),
		reclaim: make(map[blob.Fingerprint]Reclaim),
	}
}

func (m *MemoryStore) Put(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Meta.Fingerprint] = e
	delete(m.reclaim, e.Meta.Fingerprint)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, fp blob.Fingerprint) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[fp]
	if !ok {
		return Entry{}, xerrors.E(xerrors.KindNotFound, "lifecycle.Get", fp.String())
	}
	return e, nil
}

func (m *MemoryStore) List(ctx context.Context, after blob.Fingerprint, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for fp, e := range m.entries {
		if after.IsZero() || bytes.Compare(fp[:], after[:]) > 0 {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Meta.Fingerprint[:], out[j].Meta.Fingerprint[:]) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Expiring(ctx context.Context, current blob.Epoch, limit int) ([]blob.Fingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []Entry
	for _, e := range m.entries {
		if e.Meta.Expired(current) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Meta.EndEpoch != due[j].Meta.EndEpoch {
			return due[i].Meta.EndEpoch < due[j].Meta.EndEpoch
		}
		return bytes.Compare(due[i].Meta.Fingerprint[:], due[j].Meta.Fingerprint[:]) < 0
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]blob.Fingerprint, len(due))
	for i, e := range due {
		out[i] = e.Meta.Fingerprint
	}
	return out, nil
}

func (m *MemoryStore) Remove(ctx context.Context, fp blob.Fingerprint, r Reclaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[fp]; !ok {
		return xerrors.E(xerrors.KindNotFound, "lifecycle.Remove", fp.String())
	}
	delete(m.entries, fp)
	m.reclaim[fp] = r
	return nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryStore) PendingReclaims(ctx context.Context, limit int) ([]Reclaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Reclaim, 0, len(m.reclaim))
	for _, r := range m.reclaim {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Fingerprint[:], out[j].Fingerprint[:]) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CompleteReclaim(ctx context.Context, fp blob.Fingerprint, attempt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reclaim[fp]; ok && r.Attempt == attempt {
		delete(m.reclaim, fp)
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
