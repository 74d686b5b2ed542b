// Package certificate defines storage receipts issued by nodes and the
// storage certificates assembled from them.
package certificate

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sort"

	cristalbase64 "github.com/cristalhq/base64"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/xerrors"
)

const (
	receiptTag     = "xblob/receipt/v1"
	certificateTag = "xblob/certificate/v1"
)

// Receipt is a node's signed statement that it durably stored a shard.
type Receipt struct {
	Fingerprint blob.Fingerprint `json:"fingerprint"`
	Index       int              `json:"index"`
	NodeID      string           `json:"node_id"`
	Digest      blob.Digest      `json:"digest"`
	Attempt     string           `json:"attempt"`
	Signature   []byte           `json:"signature"`
}

// Message returns the bytes a node signs.
func (r Receipt) Message() []byte {
	return receiptMessage(r.Fingerprint, r.Index, r.NodeID, r.Digest, r.Attempt)
}

func receiptMessage(fp blob.Fingerprint, index int, nodeID string, digest blob.Digest, attempt string) []byte {
	msg := make([]byte, 0, len(receiptTag)+len(fp)+4+len(digest)+len(nodeID)+len(attempt)+8)
	msg = append(msg, receiptTag...)
	msg = append(msg, fp[:]...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(index))
	msg = append(msg, digest[:]...)
	msg = appendString(msg, nodeID)
	msg = appendString(msg, attempt)
	return msg
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// SignReceipt fills r.Signature with key.
func SignReceipt(key ed25519.PrivateKey, r Receipt) Receipt {
	r.Signature = ed25519.Sign(key, r.Message())
	return r
}

// Verify checks the receipt signature against the node's public key.
func (r Receipt) Verify(pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return xerrors.Errorf(xerrors.KindRejected, "receipt.Verify", r.NodeID, "node has no public key")
	}
	if !ed25519.Verify(pub, r.Message(), r.Signature) {
		return xerrors.Errorf(xerrors.KindRejected, "receipt.Verify", r.NodeID, "bad signature for shard %d", r.Index)
	}
	return nil
}

// Signer is the pre-authorized signing capability handed in by the caller.
type Signer interface {
	Address() string
	Sign(msg []byte) ([]byte, error)
}

// KeySigner signs with an ed25519 key; its address is the public key.
type KeySigner struct {
	key ed25519.PrivateKey
}

// NewKeySigner wraps key.
func NewKeySigner(key ed25519.PrivateKey) *KeySigner { return &KeySigner{key: key} }

func (s *KeySigner) Address() string {
	return cristalbase64.URLEncoding.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

func (s *KeySigner) Sign(msg []byte) ([]byte, error) { return ed25519.Sign(s.key, msg), nil }

// Entry records which node holds a shard and its receipt signature.
type Entry struct {
	Index     int    `json:"index"`
	NodeID    string `json:"node_id"`
	Signature []byte `json:"signature"`
}

// Certificate attests that a quorum of shard indices was durably stored.
type Certificate struct {
	Attempt     string           `json:"attempt"`
	Fingerprint blob.Fingerprint `json:"fingerprint"`
	StartEpoch  blob.Epoch       `json:"start_epoch"`
	EndEpoch    blob.Epoch       `json:"end_epoch"`
	Quorum      int              `json:"quorum"`
	Entries     []Entry          `json:"entries"`
	Signer      string           `json:"signer"`
	Signature   []byte           `json:"signature"`
}

// Assemble builds a certificate from receipts. Entries are ordered by index
// so the result does not depend on arrival order. Only the first receipt
// per index is kept.
func Assemble(attempt string, fp blob.Fingerprint, start, end blob.Epoch, quorum int, receipts []Receipt) *Certificate {
	sorted := append([]Receipt(nil), receipts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	c := &Certificate{Attempt: attempt, Fingerprint: fp, StartEpoch: start, EndEpoch: end, Quorum: quorum}
	for _, r := range sorted {
		if n := len(c.Entries); n > 0 && c.Entries[n-1].Index == r.Index {
			continue
		}
		c.Entries = append(c.Entries, Entry{Index: r.Index, NodeID: r.NodeID, Signature: r.Signature})
	}
	return c
}

// Message returns the bytes the certificate signer signs.
func (c *Certificate) Message() []byte {
	msg := []byte(certificateTag)
	msg = appendString(msg, c.Attempt)
	msg = append(msg, c.Fingerprint[:]...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(c.StartEpoch))
	msg = binary.BigEndian.AppendUint64(msg, uint64(c.EndEpoch))
	msg = binary.BigEndian.AppendUint32(msg, uint32(c.Quorum))
	for _, e := range c.Entries {
		msg = binary.BigEndian.AppendUint32(msg, uint32(e.Index))
		msg = appendString(msg, e.NodeID)
		msg = appendString(msg, string(e.Signature))
	}
	return msg
}

// Seal signs the certificate with s.
func (c *Certificate) Seal(s Signer) error {
	c.Signer = s.Address()
	sig, err := s.Sign(c.Message())
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "certificate.Seal", c.Fingerprint.String(), err)
	}
	c.Signature = sig
	return nil
}

// VerifySeal checks the signer signature for ed25519 signer addresses.
func (c *Certificate) VerifySeal() error {
	raw, err := cristalbase64.URLEncoding.DecodeString(c.Signer)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return xerrors.Errorf(xerrors.KindInvalid, "certificate.VerifySeal", c.Fingerprint.String(), "signer %q is not an ed25519 key", c.Signer)
	}
	if !ed25519.Verify(ed25519.PublicKey(raw), c.Message(), c.Signature) {
		return xerrors.Errorf(xerrors.KindIntegrity, "certificate.VerifySeal", c.Fingerprint.String(), "bad signer signature")
	}
	return nil
}

// Covers returns the number of distinct shard indices in the certificate.
func (c *Certificate) Covers() int {
	seen := make(map[int]struct{}, len(c.Entries))
	for _, e := range c.Entries {
		seen[e.Index] = struct{}{}
	}
	return len(seen)
}

// Holders maps shard index to the node that acknowledged it.
func (c *Certificate) Holders() map[int]string {
	out := make(map[int]string, len(c.Entries))
	for _, e := range c.Entries {
		out[e.Index] = e.NodeID
	}
	return out
}

// Verify re-checks every entry's receipt signature against the node keys
// in snap and the shard digests in meta, and that the quorum is covered.
func (c *Certificate) Verify(meta blob.Metadata, snap *registry.Snapshot) error {
	op, path := "certificate.Verify", c.Fingerprint.String()
	if c.Fingerprint != meta.Fingerprint {
		return xerrors.Errorf(xerrors.KindIntegrity, op, path, "certificate is for %s", meta.Fingerprint)
	}
	if c.Covers() < c.Quorum {
		return xerrors.Errorf(xerrors.KindQuorum, op, path, "covers %d indices, quorum %d", c.Covers(), c.Quorum)
	}
	for _, e := range c.Entries {
		if e.Index < 0 || e.Index >= len(meta.Digests) {
			return xerrors.Errorf(xerrors.KindIntegrity, op, path, "entry index %d out of range", e.Index)
		}
		node, ok := snap.Lookup(e.NodeID)
		if !ok {
			return xerrors.Errorf(xerrors.KindNotFound, op, path, "node %s not in registry", e.NodeID)
		}
		r := Receipt{Fingerprint: c.Fingerprint, Index: e.Index, NodeID: e.NodeID, Digest: meta.Digests[e.Index], Attempt: c.Attempt, Signature: e.Signature}
		if err := r.Verify(node.PublicKey); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}
