// Package ledger is the boundary to the external coordination and payment
// ledger. The core only calls it when a blob is certified, renewed or
// expired.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/certificate"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// TxID identifies a ledger transaction.
type TxID string

// Signer is the pre-authorized signing capability callers hand to the core.
type Signer = certificate.Signer

// PaymentReceipt acknowledges storage paid for a blob.
type PaymentReceipt struct {
	Tx          TxID             `json:"tx"`
	Fingerprint blob.Fingerprint `json:"fingerprint"`
	Epochs      uint64           `json:"epochs"`
	Amount      uint64           `json:"amount"`
	Epoch       blob.Epoch       `json:"epoch"`
}

// Ledger is the external collaborator.
type Ledger interface {
	RegisterCertificate(ctx context.Context, cert *certificate.Certificate) (TxID, error)
	CurrentEpoch(ctx context.Context) (blob.Epoch, error)
	PayForStorage(ctx context.Context, fp blob.Fingerprint, epochs uint64) (PaymentReceipt, error)
}

// MemoryOptions configures a MemoryLedger.
type MemoryOptions struct {
	// StartEpoch is the initial epoch. Zero starts at 1.
	StartEpoch blob.Epoch
	// EpochLength advances the epoch automatically when positive.
	EpochLength time.Duration
	// PricePerEpoch is charged per blob per epoch.
	PricePerEpoch uint64
	// Balance caps total spending; zero means unlimited.
	Balance uint64
	Now     func() time.Time
}

// MemoryLedger is an in-process ledger for development and tests.
type MemoryLedger struct {
	mu      sync.Mutex
	opts    MemoryOptions
	base    blob.Epoch
	started time.Time
	manual  blob.Epoch
	spent   uint64
	certs   map[blob.Fingerprint][]*certificate.Certificate
	paid    map[blob.Fingerprint]uint64
}

// NewMemoryLedger returns a ledger starting at opts.StartEpoch.
func NewMemoryLedger(opts MemoryOptions) *MemoryLedger {
	if opts.StartEpoch == 0 {
		opts.StartEpoch = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryLedger{
		opts:    opts,
		base:    opts.StartEpoch,
		started: opts.Now(),
		certs:   make(map[blob.Fingerprint][]*certificate.Certificate),
		paid:    make(map[blob.Fingerprint]uint64),
	}
}

// RegisterCertificate records cert after checking its signer signature.
func (l *MemoryLedger) RegisterCertificate(ctx context.Context, cert *certificate.Certificate) (TxID, error) {
	if cert == nil {
		return "", xerrors.E(xerrors.KindInvalid, "ledger.RegisterCertificate", "")
	}
	if err := cert.VerifySeal(); err != nil {
		return "", err
	}
	if cert.Covers() < cert.Quorum {
		return "", xerrors.Errorf(xerrors.KindQuorum, "ledger.RegisterCertificate", cert.Fingerprint.String(), "covers %d of %d", cert.Covers(), cert.Quorum)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paid[cert.Fingerprint] == 0 {
		return "", xerrors.Errorf(xerrors.KindPermission, "ledger.RegisterCertificate", cert.Fingerprint.String(), "storage not paid")
	}
	l.certs[cert.Fingerprint] = append(l.certs[cert.Fingerprint], cert)
	return TxID(uuid.NewString()), nil
}

// CurrentEpoch returns the ledger epoch.
func (l *MemoryLedger) CurrentEpoch(ctx context.Context) (blob.Epoch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epochLocked(), nil
}

// PayForStorage charges for epochs of storage of fp.
func (l *MemoryLedger) PayForStorage(ctx context.Context, fp blob.Fingerprint, epochs uint64) (PaymentReceipt, error) {
	if epochs == 0 {
		return PaymentReceipt{}, xerrors.Errorf(xerrors.KindInvalid, "ledger.PayForStorage", fp.String(), "zero epochs")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	amount := epochs * l.opts.PricePerEpoch
	if l.opts.Balance > 0 && l.spent+amount > l.opts.Balance {
		return PaymentReceipt{}, xerrors.Errorf(xerrors.KindPermission, "ledger.PayForStorage", fp.String(), "insufficient balance")
	}
	l.spent += amount
	l.paid[fp] += epochs
	return PaymentReceipt{Tx: TxID(uuid.NewString()), Fingerprint: fp, Epochs: epochs, Amount: amount, Epoch: l.epochLocked()}, nil
}

// Advance moves the epoch forward by n.
func (l *MemoryLedger) Advance(n uint64) blob.Epoch {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manual += blob.Epoch(n)
	return l.epochLocked()
}

// Certificates returns every certificate registered for fp.
func (l *MemoryLedger) Certificates(fp blob.Fingerprint) []*certificate.Certificate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*certificate.Certificate(nil), l.certs[fp]...)
}

// PaidEpochs returns the total epochs paid for fp.
func (l *MemoryLedger) PaidEpochs(fp blob.Fingerprint) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paid[fp]
}

func (l *MemoryLedger) epochLocked() blob.Epoch {
	e := l.base + l.manual
	if l.opts.EpochLength > 0 {
		e += blob.Epoch(l.opts.Now().Sub(l.started) / l.opts.EpochLength)
	}
	return e
}
