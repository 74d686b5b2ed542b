// Package encryption seals shard bytes at rest on storage nodes: optional
// zstd compression followed by optional AES-256-CTR encryption.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Method enumerates supported encryption algorithms.
type Method string

const (
	// MethodNone skips encryption entirely.
	MethodNone Method = "none"
	// MethodAES256CTR encrypts data using AES-256 in CTR mode with a random IV prefix.
	MethodAES256CTR Method = "aes-256-ctr"
)

const (
	flagCompressed byte = 1 << iota
	flagEncrypted
)

// Options describes how shards are sealed.
type Options struct {
	Method   Method
	Key      []byte
	Compress bool
}

// Enabled reports whether encryption should run.
func (o Options) Enabled() bool {
	return o.Method != "" && o.Method != MethodNone
}

// Validate ensures the configuration is usable for the selected method.
func (o Options) Validate() error {
	if !o.Enabled() {
		return nil
	}
	switch o.Method {
	case MethodAES256CTR:
		if len(o.Key) != 32 {
			return fmt.Errorf("encryption: aes-256-ctr requires 32-byte key, got %d", len(o.Key))
		}
	default:
		return fmt.Errorf("encryption: unsupported method %q", o.Method)
	}
	return nil
}

// Sealer transforms shard bytes for storage and back. A one byte header
// records which transforms were applied, so shards sealed under older
// options still open.
type Sealer struct {
	opts Options
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// NewSealer validates opts and prepares the codecs.
func NewSealer(opts Options) (*Sealer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("encryption: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("encryption: zstd decoder: %w", err)
	}
	return &Sealer{opts: opts, enc: enc, dec: dec}, nil
}

// Seal returns the at-rest form of data.
func (s *Sealer) Seal(data []byte) ([]byte, error) {
	var flags byte
	payload := data
	if s.opts.Compress {
		compressed := s.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
		if len(compressed) < len(data) {
			payload = compressed
			flags |= flagCompressed
		}
	}
	if s.opts.Enabled() {
		sealed, err := encryptAES256CTR(payload, s.opts.Key)
		if err != nil {
			return nil, err
		}
		payload = sealed
		flags |= flagEncrypted
	}
	out := make([]byte, 1+len(payload))
	out[0] = flags
	copy(out[1:], payload)
	return out, nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, errors.New("encryption: empty sealed shard")
	}
	flags, payload := sealed[0], sealed[1:]
	if flags&flagEncrypted != 0 {
		if !s.opts.Enabled() {
			return nil, errors.New("encryption: shard is encrypted but no key is configured")
		}
		plain, err := decryptAES256CTR(payload, s.opts.Key)
		if err != nil {
			return nil, err
		}
		payload = plain
	}
	if flags&flagCompressed != 0 {
		plain, err := s.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("encryption: zstd: %w", err)
		}
		payload = plain
	}
	return append([]byte(nil), payload...), nil
}

// Close releases codec resources.
func (s *Sealer) Close() {
	s.enc.Close()
	s.dec.Close()
}

func encryptAES256CTR(data, key []byte) ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, iv)
	out := make([]byte, len(iv)+len(data))
	copy(out, iv)
	stream.XORKeyStream(out[len(iv):], data)
	return out, nil
}

func decryptAES256CTR(data, key []byte) ([]byte, error) {
	if len(data) < aes.BlockSize {
		return nil, errors.New("encryption: ciphertext missing IV")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := data[:aes.BlockSize]
	payload := make([]byte, len(data)-aes.BlockSize)
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(payload, data[aes.BlockSize:])
	return payload, nil
}
