package s3gw

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/xblob/pkg/blob"
)

// Index errors.
var (
	ErrNoSuchBucket   = errors.New("s3gw: bucket not found")
	ErrNoSuchKey      = errors.New("s3gw: key not found")
	ErrBucketExists   = errors.New("s3gw: bucket already exists")
	ErrBucketNotEmpty = errors.New("s3gw: bucket not empty")
)

// Record maps one object key to the blob holding its content.
type Record struct {
	Fingerprint blob.Fingerprint  `json:"fingerprint"`
	Size        int64             `json:"size"`
	ETag        []byte            `json:"etag"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Modified    time.Time         `json:"modified"`
}

// Entry is a listed record.
type Entry struct {
	Key    string
	Record Record
}

// BucketEntry describes one bucket.
type BucketEntry struct {
	Name    string
	Created time.Time
}

// Index stores the bucket and key namespace. Blob content lives in the
// engine; several keys may point at the same fingerprint.
type Index interface {
	CreateBucket(name string) error
	BucketExists(name string) (bool, error)
	Buckets() ([]BucketEntry, error)
	// DeleteBucket removes a bucket. Without force a non-empty bucket is
	// refused. The removed records are returned.
	DeleteBucket(name string, force bool) ([]Record, error)
	// Put stores rec under key and returns the record it replaced.
	Put(bucket, key string, rec Record) (*Record, error)
	Get(bucket, key string) (Record, error)
	Delete(bucket, key string) (*Record, error)
	// List returns every record of bucket ordered by key.
	List(bucket string) ([]Entry, error)
	// Referenced reports whether any key still points at fp.
	Referenced(fp blob.Fingerprint) (bool, error)
	Close() error
}

// MemoryIndex is an Index held in maps.
type MemoryIndex struct {
	mu      sync.RWMutex
	created map[string]time.Time
	objects map[string]map[string]Record
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{created: map[string]time.Time{}, objects: map[string]map[string]Record{}}
}

func (m *MemoryIndex) CreateBucket(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.created[name]; ok {
		return ErrBucketExists
	}
	m.created[name] = time.Now().UTC()
	m.objects[name] = map[string]Record{}
	return nil
}

func (m *MemoryIndex) BucketExists(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.created[name]
	return ok, nil
}

func (m *MemoryIndex) Buckets() ([]BucketEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BucketEntry, 0, len(m.created))
	for name, ts := range m.created {
		out = append(out, BucketEntry{Name: name, Created: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryIndex) DeleteBucket(name string, force bool) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[name]
	if !ok {
		return nil, ErrNoSuchBucket
	}
	if len(objs) > 0 && !force {
		return nil, ErrBucketNotEmpty
	}
	removed := make([]Record, 0, len(objs))
	for _, rec := range objs {
		removed = append(removed, rec)
	}
	delete(m.objects, name)
	delete(m.created, name)
	return removed, nil
}

func (m *MemoryIndex) Put(bucket, key string, rec Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return nil, ErrNoSuchBucket
	}
	var prev *Record
	if old, ok := objs[key]; ok {
		prev = &old
	}
	objs[key] = rec
	return prev, nil
}

func (m *MemoryIndex) Get(bucket, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return Record{}, ErrNoSuchBucket
	}
	rec, ok := objs[key]
	if !ok {
		return Record{}, ErrNoSuchKey
	}
	return rec, nil
}

func (m *MemoryIndex) Delete(bucket, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return nil, ErrNoSuchBucket
	}
	rec, ok := objs[key]
	if !ok {
		return nil, nil
	}
	delete(objs, key)
	return &rec, nil
}

func (m *MemoryIndex) List(bucket string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return nil, ErrNoSuchBucket
	}
	out := make([]Entry, 0, len(objs))
	for k, rec := range objs {
		out = append(out, Entry{Key: k, Record: rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryIndex) Referenced(fp blob.Fingerprint) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, objs := range m.objects {
		for _, rec := range objs {
			if rec.Fingerprint == fp {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *MemoryIndex) Close() error { return nil }

var (
	boltBuckets = []byte("buckets")
	boltObjects = []byte("objects")
)

// BoltIndex persists the namespace in BoltDB. Each S3 bucket is a nested
// bucket under "objects", so cursor order is key order.
type BoltIndex struct {
	db *bolt.DB
}

// OpenBoltIndex opens or creates the index database at path.
func OpenBoltIndex(path string) (*BoltIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{boltBuckets, boltObjects} {
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
	return &BoltIndex{db: db}, nil
}

func (b *BoltIndex) CreateBucket(name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(boltBuckets)
		if meta.Get([]byte(name)) != nil {
			return ErrBucketExists
		}
		ts, err := time.Now().UTC().MarshalBinary()
		if err != nil {
			return err
		}
		if err := meta.Put([]byte(name), ts); err != nil {
			return err
		}
		_, err = tx.Bucket(boltObjects).CreateBucket([]byte(name))
		return err
	})
}

func (b *BoltIndex) BucketExists(name string) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(boltBuckets).Get([]byte(name)) != nil
		return nil
	})
	return ok, err
}

func (b *BoltIndex) Buckets() ([]BucketEntry, error) {
	var out []BucketEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBuckets).ForEach(func(k, v []byte) error {
			var ts time.Time
			if err := ts.UnmarshalBinary(v); err != nil {
				return err
			}
			out = append(out, BucketEntry{Name: string(k), Created: ts})
			return nil
		})
	})
	return out, err
}

func (b *BoltIndex) DeleteBucket(name string, force bool) ([]Record, error) {
	var removed []Record
	err := b.db.Update(func(tx *bolt.Tx) error {
		objs := tx.Bucket(boltObjects).Bucket([]byte(name))
		if objs == nil {
			return ErrNoSuchBucket
		}
		err := objs.ForEach(func(_, v []byte) error {
			if !force {
				return ErrBucketNotEmpty
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			removed = append(removed, rec)
			return nil
		})
		if err != nil {
			return err
		}
		if err := tx.Bucket(boltObjects).DeleteBucket([]byte(name)); err != nil {
			return err
		}
		return tx.Bucket(boltBuckets).Delete([]byte(name))
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (b *BoltIndex) Put(bucket, key string, rec Record) (*Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var prev *Record
	err = b.db.Update(func(tx *bolt.Tx) error {
		objs := tx.Bucket(boltObjects).Bucket([]byte(bucket))
		if objs == nil {
			return ErrNoSuchBucket
		}
		if old := objs.Get([]byte(key)); old != nil {
			var r Record
			if err := json.Unmarshal(old, &r); err != nil {
				return err
			}
			prev = &r
		}
		return objs.Put([]byte(key), data)
	})
	return prev, err
}

func (b *BoltIndex) Get(bucket, key string) (Record, error) {
	var rec Record
	err := b.db.View(func(tx *bolt.Tx) error {
		objs := tx.Bucket(boltObjects).Bucket([]byte(bucket))
		if objs == nil {
			return ErrNoSuchBucket
		}
		v := objs.Get([]byte(key))
		if v == nil {
			return ErrNoSuchKey
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

func (b *BoltIndex) Delete(bucket, key string) (*Record, error) {
	var prev *Record
	err := b.db.Update(func(tx *bolt.Tx) error {
		objs := tx.Bucket(boltObjects).Bucket([]byte(bucket))
		if objs == nil {
			return ErrNoSuchBucket
		}
		old := objs.Get([]byte(key))
		if old == nil {
			return nil
		}
		var r Record
		if err := json.Unmarshal(old, &r); err != nil {
			return err
		}
		prev = &r
		return objs.Delete([]byte(key))
	})
	return prev, err
}

func (b *BoltIndex) List(bucket string) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		objs := tx.Bucket(boltObjects).Bucket([]byte(bucket))
		if objs == nil {
			return ErrNoSuchBucket
		}
		return objs.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, Entry{Key: string(k), Record: rec})
			return nil
		})
	})
	return out, err
}

var errFound = errors.New("found")

func (b *BoltIndex) Referenced(fp blob.Fingerprint) (bool, error) {
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltObjects).ForEach(func(name, _ []byte) error {
			objs := tx.Bucket(boltObjects).Bucket(name)
			if objs == nil {
				return nil
			}
			return objs.ForEach(func(_, v []byte) error {
				var rec Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}
				if rec.Fingerprint == fp {
					return errFound
				}
				return nil
			})
		})
	})
	if errors.Is(err, errFound) {
		return true, nil
	}
	return false, err
}

func (b *BoltIndex) Close() error { return b.db.Close() }
