package storagenode

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/encryption"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// ShardInfo is what a node remembers about a stored shard besides its bytes.
type ShardInfo struct {
	Fingerprint blob.Fingerprint `json:"fingerprint"`
	Index       int              `json:"index"`
	Digest      blob.Digest      `json:"digest"`
	Size        int              `json:"size"`
	Attempt     string           `json:"attempt"`
	StoredAt    time.Time        `json:"stored_at"`
}

// Store holds shards on a storage node.
type Store interface {
	Put(ctx context.Context, info ShardInfo, data []byte) error
	Get(ctx context.Context, fp blob.Fingerprint, index int) (ShardInfo, []byte, error)
	Delete(ctx context.Context, fp blob.Fingerprint, index int) error
	Count(ctx context.Context) (int, error)
	Close() error
}

type shardKey struct {
	fp    blob.Fingerprint
	index int
}

// MemoryStore keeps shards in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	shards map[shardKey]memShard
}

type memShard struct {
	info ShardInfo
	data []byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{shards: make(map[shardKey]memShard)}
}

func (m *MemoryStore) Put(ctx context.Context, info ShardInfo, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shards[shardKey{info.Fingerprint, info.Index}] = memShard{info: info, data: append([]byte(nil), data...)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, fp blob.Fingerprint, index int) (ShardInfo, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shards[shardKey{fp, index}]
	if !ok {
		return ShardInfo{}, nil, xerrors.E(xerrors.KindNotFound, "MemoryStore.Get", ShardPath(fp, index))
	}
	return s.info, append([]byte(nil), s.data...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, fp blob.Fingerprint, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := shardKey{fp, index}
	if _, ok := m.shards[key]; !ok {
		return xerrors.E(xerrors.KindNotFound, "MemoryStore.Delete", ShardPath(fp, index))
	}
	delete(m.shards, key)
	return nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shards), nil
}

func (m *MemoryStore) Close() error { return nil }

// Corrupt flips a byte of a stored shard. Used to exercise integrity paths.
func (m *MemoryStore) Corrupt(fp blob.Fingerprint, index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[shardKey{fp, index}]
	if !ok || len(s.data) == 0 {
		return false
	}
	s.data[0] ^= 0xff
	return true
}

var bucketShards = []byte("shards")

// DiskConfig configures a DiskStore.
type DiskConfig struct {
	Root    string
	Seal    encryption.Options
	NoSync  bool
	Timeout time.Duration
}

// DiskStore writes each shard to its own file under Root and indexes shard
// metadata in a bbolt database next to it.
type DiskStore struct {
	root   string
	noSync bool
	sealer *encryption.Sealer
	db     *bolt.DB
}

// NewDiskStore opens or creates a store rooted at cfg.Root.
func NewDiskStore(cfg DiskConfig) (*DiskStore, error) {
	if cfg.Root == "" {
		return nil, xerrors.E(xerrors.KindConfig, "DiskStore", "root")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "DiskStore.mkdir", cfg.Root, err)
	}
	sealer, err := encryption.NewSealer(cfg.Seal)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfig, "DiskStore", cfg.Root, err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(filepath.Join(cfg.Root, "index.db"), 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		sealer.Close()
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketShards)
		return err
	})
	if err != nil {
		db.Close()
		sealer.Close()
		return nil, fmt.Errorf("boltdb: create bucket %s: %w", bucketShards, err)
	}
	return &DiskStore{root: cfg.Root, noSync: cfg.NoSync, sealer: sealer, db: db}, nil
}

func (d *DiskStore) Put(ctx context.Context, info ShardInfo, data []byte) error {
	sealed, err := d.sealer.Seal(data)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "DiskStore.Put", ShardPath(info.Fingerprint, info.Index), err)
	}
	finalPath := d.pathFor(info.Fingerprint, info.Index)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return err
	}
	file, err := os.CreateTemp(filepath.Dir(finalPath), "upload-*")
	if err != nil {
		return err
	}
	tmpName := file.Name()
	if _, err := file.Write(sealed); err != nil {
		file.Close()
		os.Remove(tmpName)
		return err
	}
	if !d.noSync {
		if err := file.Sync(); err != nil {
			file.Close()
			os.Remove(tmpName)
			return err
		}
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShards).Put(indexKey(info.Fingerprint, info.Index), raw)
	})
}

func (d *DiskStore) Get(ctx context.Context, fp blob.Fingerprint, index int) (ShardInfo, []byte, error) {
	var info ShardInfo
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketShards).Get(indexKey(fp, index))
		if raw == nil {
			return xerrors.E(xerrors.KindNotFound, "DiskStore.Get", ShardPath(fp, index))
		}
		return json.Unmarshal(raw, &info)
	})
	if err != nil {
		return ShardInfo{}, nil, err
	}
	sealed, err := os.ReadFile(d.pathFor(fp, index))
	if err != nil {
		if os.IsNotExist(err) {
			return ShardInfo{}, nil, xerrors.Wrap(xerrors.KindNotFound, "DiskStore.Get", ShardPath(fp, index), err)
		}
		return ShardInfo{}, nil, err
	}
	data, err := d.sealer.Open(sealed)
	if err != nil {
		return ShardInfo{}, nil, xerrors.Wrap(xerrors.KindIntegrity, "DiskStore.Get", ShardPath(fp, index), err)
	}
	return info, data, nil
}

func (d *DiskStore) Delete(ctx context.Context, fp blob.Fingerprint, index int) error {
	found := false
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShards)
		key := indexKey(fp, index)
		found = b.Get(key) != nil
		return b.Delete(key)
	})
	if err != nil {
		return err
	}
	if err := os.Remove(d.pathFor(fp, index)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if !found {
		return xerrors.E(xerrors.KindNotFound, "DiskStore.Delete", ShardPath(fp, index))
	}
	return nil
}

func (d *DiskStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := d.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketShards).Stats().KeyN
		return nil
	})
	return n, err
}

// Close flushes the index and releases codec resources.
func (d *DiskStore) Close() error {
	d.sealer.Close()
	return d.db.Close()
}

func (d *DiskStore) pathFor(fp blob.Fingerprint, index int) string {
	name := fmt.Sprintf("%x", fp[:])
	return filepath.Join(d.root, name[:2], name[2:4], name, strconv.Itoa(index))
}

func indexKey(fp blob.Fingerprint, index int) []byte {
	key := make([]byte, len(fp)+2)
	copy(key, fp[:])
	binary.BigEndian.PutUint16(key[len(fp):], uint16(index))
	return key
}
