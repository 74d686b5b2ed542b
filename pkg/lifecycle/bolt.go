package lifecycle

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/xerrors"
)

var (
	bucketBlobs   = []byte("blobs")
	bucketExpiry  = []byte("expiry")
	bucketReclaim = []byte("reclaim")
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists lifecycle state in BoltDB. The expiry bucket is keyed
// by big-endian end epoch followed by the fingerprint, so a cursor walk
// yields blobs in expiry order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, xerrors.Errorf(xerrors.KindConfig, "lifecycle.NewBoltStore", "", "path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlobs, bucketExpiry, bucketReclaim} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	fp := e.Meta.Fingerprint
	return b.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		if old := blobs.Get(fp[:]); old != nil {
			prev, err := decodeEntry(old)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketExpiry).Delete(expiryKey(prev.Meta.EndEpoch, fp)); err != nil {
				return err
			}
		}
		if err := blobs.Put(fp[:], data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketReclaim).Delete(fp[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketExpiry).Put(expiryKey(e.Meta.EndEpoch, fp), nil)
	})
}

func (b *BoltStore) Get(ctx context.Context, fp blob.Fingerprint) (Entry, error) {
	var e Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlobs).Get(fp[:])
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, "lifecycle.Get", fp.String())
		}
		var err error
		e, err = decodeEntry(data)
		return err
	})
	return e, err
}

func (b *BoltStore) List(ctx context.Context, after blob.Fingerprint, limit int) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlobs).Cursor()
		k, v := c.First()
		if !after.IsZero() {
			k, v = c.Seek(after[:])
			if k != nil && bytes.Equal(k, after[:]) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) Expiring(ctx context.Context, current blob.Epoch, limit int) ([]blob.Fingerprint, error) {
	var out []blob.Fingerprint
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketExpiry).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			end, fp := splitExpiryKey(k)
			if end > current {
				break
			}
			out = append(out, fp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) Remove(ctx context.Context, fp blob.Fingerprint, r Reclaim) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		old := blobs.Get(fp[:])
		if old == nil {
			return xerrors.E(xerrors.KindNotFound, "lifecycle.Remove", fp.String())
		}
		prev, err := decodeEntry(old)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketExpiry).Delete(expiryKey(prev.Meta.EndEpoch, fp)); err != nil {
			return err
		}
		if err := blobs.Delete(fp[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketReclaim).Put(fp[:], data)
	})
}

func (b *BoltStore) Count(ctx context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketBlobs).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *BoltStore) PendingReclaims(ctx context.Context, limit int) ([]Reclaim, error) {
	var out []Reclaim
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReclaim).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r Reclaim
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) CompleteReclaim(ctx context.Context, fp blob.Fingerprint, attempt string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketReclaim)
		data := queue.Get(fp[:])
		if data == nil {
			return nil
		}
		var r Reclaim
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if r.Attempt != attempt {
			return nil
		}
		return queue.Delete(fp[:])
	})
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func expiryKey(end blob.Epoch, fp blob.Fingerprint) []byte {
	key := make([]byte, 8+len(fp))
	binary.BigEndian.PutUint64(key, uint64(end))
	copy(key[8:], fp[:])
	return key
}

func splitExpiryKey(key []byte) (blob.Epoch, blob.Fingerprint) {
	var fp blob.Fingerprint
	copy(fp[:], key[8:])
	return blob.Epoch(binary.BigEndian.Uint64(key[:8])), fp
}
