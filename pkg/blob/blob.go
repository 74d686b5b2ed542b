package blob

import (
	"encoding/binary"
	"fmt"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

// EncodingVersion identifies the shard layout and commitment format.
const EncodingVersion uint8 = 1

const (
	hashSize      = 32
	commitmentTag = "xblob/commitment/v1"
)

// Epoch is a ledger-defined storage accounting period.
type Epoch uint64

// Fingerprint identifies a blob by its encoding commitment.
type Fingerprint [hashSize]byte

// Digest is the integrity hash of a single shard.
type Digest [hashSize]byte

// Shard is one erasure-coded fragment of a blob.
type Shard struct {
	Fingerprint Fingerprint
	Index       int
	Data        []byte
	Digest      Digest
}

// Valid reports whether the shard bytes match its digest.
func (s Shard) Valid() bool {
	return DigestOf(s.Data) == s.Digest
}

// Metadata describes a certified blob. Content fields never change after
// certification; only EndEpoch moves on renewal.
type Metadata struct {
	Fingerprint  Fingerprint `json:"fingerprint"`
	Size         int64       `json:"size"`
	K            int         `json:"k"`
	M            int         `json:"m"`
	Version      uint8       `json:"version"`
	ShardSize    int         `json:"shard_size"`
	Padding      int         `json:"padding"`
	Digests      []Digest    `json:"digests"`
	CreatedEpoch Epoch       `json:"created_epoch"`
	EndEpoch     Epoch       `json:"end_epoch"`
	Deletable    bool        `json:"deletable"`
}

// ShardCount returns k+m.
func (m Metadata) ShardCount() int { return m.K + m.M }

// Expired reports whether the blob's storage period ended before current.
func (m Metadata) Expired(current Epoch) bool { return m.EndEpoch <= current }

// Commitment recomputes the fingerprint from the encoding fields.
func (m Metadata) Commitment() Fingerprint {
	return Commit(m.Version, m.K, m.M, m.Size, m.Digests)
}

// Commit hashes the encoding parameters and every shard digest in index order.
func Commit(version uint8, k, m int, size int64, digests []Digest) Fingerprint {
	h := blake3.New(hashSize, nil)
	h.Write([]byte(commitmentTag))
	var hdr [13]byte
	hdr[0] = version
	binary.BigEndian.PutUint16(hdr[1:3], uint16(k))
	binary.BigEndian.PutUint16(hdr[3:5], uint16(m))
	binary.BigEndian.PutUint64(hdr[5:13], uint64(size))
	h.Write(hdr[:])
	for _, d := range digests {
		h.Write(d[:])
	}
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// DigestOf hashes shard bytes.
func DigestOf(data []byte) Digest {
	h := blake3.New(hashSize, nil)
	h.Write(data)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

func (f Fingerprint) String() string { return encode(f[:]) }

// IsZero reports whether f is unset.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

func (f Fingerprint) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := ParseFingerprint(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFingerprint decodes the base64url text form.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	if err := decode(s, fp[:]); err != nil {
		return fp, fmt.Errorf("fingerprint %q: %w", s, err)
	}
	return fp, nil
}

func (d Digest) String() string { return encode(d[:]) }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes the base64url text form.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if err := decode(s, d[:]); err != nil {
		return d, fmt.Errorf("digest %q: %w", s, err)
	}
	return d, nil
}

func encode(b []byte) string {
	return cristalbase64.URLEncoding.EncodeToString(b)
}

func decode(s string, dst []byte) error {
	raw, err := cristalbase64.URLEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("want %d bytes, got %d", len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}
