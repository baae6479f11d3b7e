// Package checksum computes and compares fixity digests over streamed payloads.
package checksum

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Algorithm names a supported digest algorithm.
type Algorithm string

// Supported algorithms.
const (
	MD5    Algorithm = "MD5"
	SHA1   Algorithm = "SHA-1"
	SHA256 Algorithm = "SHA-256"
	SHA512 Algorithm = "SHA-512"
)

// DefaultBufferSize is the chunk size used when streaming through a digest.
const DefaultBufferSize = 32 * 1024

// ErrUnsupportedAlgorithm is returned for an unknown algorithm tag.
var ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")

// ParseAlgorithm normalizes an algorithm tag such as "sha256" or "SHA-256".
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", "-")) {
	case "MD5":
		return MD5, nil
	case "SHA1", "SHA-1":
		return SHA1, nil
	case "SHA256", "SHA-256":
		return SHA256, nil
	case "SHA512", "SHA-512":
		return SHA512, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
	}
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
	}
}

// Sum is an algorithm tag plus a hex digest.
type Sum struct {
	Algorithm Algorithm `json:"algorithm"`
	Value     string    `json:"value"`
}

// NewSum builds a Sum, normalizing the digest to lower-case hex.
func NewSum(alg Algorithm, value string) Sum {
	return Sum{Algorithm: alg, Value: strings.ToLower(strings.TrimSpace(value))}
}

// IsZero reports whether the sum carries no digest.
func (s Sum) IsZero() bool {
	return s.Value == ""
}

// Equal compares two sums. Digests compare case-insensitively.
func (s Sum) Equal(other Sum) bool {
	return s.Algorithm == other.Algorithm && strings.EqualFold(s.Value, other.Value)
}

func (s Sum) String() string {
	return string(s.Algorithm) + ":" + s.Value
}

// Validate checks that the algorithm is known and the digest is well-formed hex
// of the algorithm's length.
func (s Sum) Validate() error {
	h, err := s.Algorithm.New()
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(s.Value)
	if err != nil {
		return fmt.Errorf("invalid %s digest: %w", s.Algorithm, err)
	}
	if len(raw) != h.Size() {
		return fmt.Errorf("invalid %s digest length: got %d bytes, want %d", s.Algorithm, len(raw), h.Size())
	}
	return nil
}

// Reader hashes everything read through it and stops with the context's cause
// once the context is cancelled. The context is checked once per Read, which
// is the chunk boundary for io.Copy style consumers.
type Reader struct {
	ctx  context.Context
	r    io.Reader
	h    hash.Hash
	alg  Algorithm
	read int64
}

// NewReader wraps r so that every byte read also feeds the digest.
func NewReader(ctx context.Context, r io.Reader, alg Algorithm) (*Reader, error) {
	h, err := alg.New()
	if err != nil {
		return nil, err
	}
	return &Reader{ctx: ctx, r: r, h: h, alg: alg}, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, context.Cause(r.ctx)
	}
	n, err := r.r.Read(p)
	if n > 0 {
		r.h.Write(p[:n])
		r.read += int64(n)
	}
	return n, err
}

// Sum returns the digest of the bytes read so far.
func (r *Reader) Sum() Sum {
	return Sum{Algorithm: r.alg, Value: hex.EncodeToString(r.h.Sum(nil))}
}

// BytesRead returns the number of bytes that passed through the reader.
func (r *Reader) BytesRead() int64 {
	return r.read
}

// Copy streams src to dst in bufSize chunks, checking ctx between chunks, and
// returns the digest of everything copied.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, alg Algorithm, bufSize int) (Sum, int64, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	cr, err := NewReader(ctx, src, alg)
	if err != nil {
		return Sum{}, 0, err
	}
	buf := make([]byte, bufSize)
	// Hide ReaderFrom so the chunk size is ours.
	n, err := io.CopyBuffer(struct{ io.Writer }{dst}, cr, buf)
	if err != nil {
		return Sum{}, n, err
	}
	if err := ctx.Err(); err != nil {
		return Sum{}, n, context.Cause(ctx)
	}
	return cr.Sum(), n, nil
}

// Compute digests r to completion.
func Compute(ctx context.Context, r io.Reader, alg Algorithm, bufSize int) (Sum, error) {
	sum, _, err := Copy(ctx, io.Discard, r, alg, bufSize)
	return sum, err
}

// ComputeBytes digests an in-memory payload.
func ComputeBytes(data []byte, alg Algorithm) (Sum, error) {
	h, err := alg.New()
	if err != nil {
		return Sum{}, err
	}
	h.Write(data)
	return Sum{Algorithm: alg, Value: hex.EncodeToString(h.Sum(nil))}, nil
}
