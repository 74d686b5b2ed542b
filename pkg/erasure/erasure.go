// Package erasure splits blobs into systematic Reed-Solomon shards and
// rebuilds them from any k valid shards.
package erasure

import (
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// MaxShards is the largest k+m supported by the GF(2^8) code.
const MaxShards = 256

// Params selects the number of data (K) and parity (M) shards.
type Params struct {
	K int `json:"k" yaml:"k"`
	M int `json:"m" yaml:"m"`
}

// Total returns k+m.
func (p Params) Total() int { return p.K + p.M }

// Validate rejects parameters the code cannot serve. Nothing is clamped.
func (p Params) Validate() error {
	switch {
	case p.K < 1:
		return xerrors.Errorf(xerrors.KindConfig, "erasure", "", "data shards (k) must be >= 1, got %d", p.K)
	case p.M < 1:
		return xerrors.Errorf(xerrors.KindConfig, "erasure", "", "parity shards (m) must be >= 1, got %d", p.M)
	case p.Total() > MaxShards:
		return xerrors.Errorf(xerrors.KindConfig, "erasure", "", "total shards (k+m) must be <= %d, got %d", MaxShards, p.Total())
	}
	return nil
}

// Encoding is the output of Encode: metadata plus k+m shards in index order.
type Encoding struct {
	Meta   blob.Metadata
	Shards []blob.Shard
}

// Coder encodes blobs for a fixed (k, m).
type Coder struct {
	params Params
	enc    reedsolomon.Encoder
}

// New validates p and prepares an encoder.
func New(p Params) (*Coder, error) {
	enc, err := encoderFor(p)
	if err != nil {
		return nil, err
	}
	return &Coder{params: p, enc: enc}, nil
}

// Params returns the coder's shard parameters.
func (c *Coder) Params() Params { return c.params }

// Encode splits data into k zero-padded data shards, computes m parity
// shards, digests every shard and derives the blob fingerprint.
func (c *Coder) Encode(data []byte) (*Encoding, error) {
	k, m := c.params.K, c.params.M
	shardSize := (len(data) + k - 1) / k
	if shardSize == 0 {
		shardSize = 1
	}
	shards := make([][]byte, k+m)
	buf := make([]byte, shardSize*(k+m))
	for i := range shards {
		shards[i] = buf[i*shardSize : (i+1)*shardSize : (i+1)*shardSize]
	}
	copy(buf, data)

	if err := c.enc.Encode(shards); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "erasure.Encode", "", err)
	}
	ok, err := c.enc.Verify(shards)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "erasure.Encode", "", err)
	}
	if !ok {
		return nil, xerrors.Errorf(xerrors.KindInternal, "erasure.Encode", "", "parity verification failed after encoding")
	}

	meta := blob.Metadata{
		Size:      int64(len(data)),
		K:         k,
		M:         m,
		Version:   blob.EncodingVersion,
		ShardSize: shardSize,
		Padding:   shardSize*k - len(data),
		Digests:   make([]blob.Digest, k+m),
	}
	for i, s := range shards {
		meta.Digests[i] = blob.DigestOf(s)
	}
	meta.Fingerprint = meta.Commitment()

	out := &Encoding{Meta: meta, Shards: make([]blob.Shard, k+m)}
	for i, s := range shards {
		out.Shards[i] = blob.Shard{
			Fingerprint: meta.Fingerprint,
			Index:       i,
			Data:        s,
			Digest:      meta.Digests[i],
		}
	}
	return out, nil
}

// CheckMetadata verifies that meta is internally consistent and that its
// fingerprint matches the encoding commitment.
func CheckMetadata(meta blob.Metadata) error {
	op, path := "erasure.CheckMetadata", meta.Fingerprint.String()
	if err := (Params{K: meta.K, M: meta.M}).Validate(); err != nil {
		return err
	}
	if meta.Version != blob.EncodingVersion {
		return xerrors.Errorf(xerrors.KindInvalid, op, path, "unsupported encoding version %d", meta.Version)
	}
	if len(meta.Digests) != meta.ShardCount() {
		return xerrors.Errorf(xerrors.KindInvalid, op, path, "%d digests for %d shards", len(meta.Digests), meta.ShardCount())
	}
	if meta.ShardSize < 1 || meta.Padding < 0 || int64(meta.ShardSize*meta.K-meta.Padding) != meta.Size {
		return xerrors.Errorf(xerrors.KindInvalid, op, path, "size %d inconsistent with shard size %d and padding %d", meta.Size, meta.ShardSize, meta.Padding)
	}
	if meta.Commitment() != meta.Fingerprint {
		return xerrors.Errorf(xerrors.KindIntegrity, op, path, "fingerprint does not match encoding commitment")
	}
	return nil
}

// VerifyShard checks s against the digest committed in meta.
func VerifyShard(meta blob.Metadata, s blob.Shard) error {
	op, path := "erasure.VerifyShard", fmt.Sprintf("%s/%d", meta.Fingerprint, s.Index)
	if s.Index < 0 || s.Index >= meta.ShardCount() {
		return xerrors.Errorf(xerrors.KindInvalid, op, path, "index out of range [0,%d)", meta.ShardCount())
	}
	if s.Fingerprint != meta.Fingerprint {
		return xerrors.Errorf(xerrors.KindIntegrity, op, path, "shard belongs to %s", s.Fingerprint)
	}
	if len(s.Data) != meta.ShardSize {
		return xerrors.Errorf(xerrors.KindIntegrity, op, path, "shard is %d bytes, want %d", len(s.Data), meta.ShardSize)
	}
	if blob.DigestOf(s.Data) != meta.Digests[s.Index] {
		return xerrors.E(xerrors.KindIntegrity, op, path)
	}
	return nil
}

// Decode rebuilds the blob from shards given in any order. Each shard is
// verified before use; corrupt and duplicate shards are discarded. When all
// data shards are valid no decoding is done.
func Decode(meta blob.Metadata, shards []blob.Shard) ([]byte, error) {
	if err := CheckMetadata(meta); err != nil {
		return nil, err
	}
	enc, err := encoderFor(Params{K: meta.K, M: meta.M})
	if err != nil {
		return nil, err
	}

	slots := make([][]byte, meta.ShardCount())
	var failures []xerrors.ShardFailure
	valid := 0
	for _, s := range shards {
		if err := VerifyShard(meta, s); err != nil {
			failures = append(failures, xerrors.ShardFailure{Index: s.Index, Kind: xerrors.KindOf(err), Err: err})
			continue
		}
		if slots[s.Index] != nil {
			continue
		}
		slots[s.Index] = s.Data
		valid++
	}
	if valid < meta.K {
		return nil, xerrors.Wrap(xerrors.KindReconstruction, "erasure.Decode", meta.Fingerprint.String(),
			&xerrors.ShardError{Need: meta.K, Valid: valid, Failures: failures})
	}

	if !dataComplete(slots, meta.K) {
		if err := enc.ReconstructData(slots); err != nil {
			return nil, xerrors.Wrap(xerrors.KindReconstruction, "erasure.Decode", meta.Fingerprint.String(), err)
		}
	}
	out := make([]byte, 0, meta.ShardSize*meta.K)
	for i := 0; i < meta.K; i++ {
		out = append(out, slots[i]...)
	}
	return out[:meta.Size], nil
}

// Systematic reports whether shards already contain every data index.
func Systematic(k int, indices []int) bool {
	seen := make([]bool, k)
	n := 0
	for _, idx := range indices {
		if idx >= 0 && idx < k && !seen[idx] {
			seen[idx] = true
			n++
		}
	}
	return n == k
}

func dataComplete(slots [][]byte, k int) bool {
	for i := 0; i < k; i++ {
		if slots[i] == nil {
			return false
		}
	}
	return true
}

var coders sync.Map // Params -> reedsolomon.Encoder

func encoderFor(p Params) (reedsolomon.Encoder, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if enc, ok := coders.Load(p); ok {
		return enc.(reedsolomon.Encoder), nil
	}
	enc, err := reedsolomon.New(p.K, p.M)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfig, "erasure", "", err)
	}
	actual, _ := coders.LoadOrStore(p, enc)
	return actual.(reedsolomon.Encoder), nil
}
