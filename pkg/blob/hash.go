package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Algorithm identifies a supported content-hash function.
type Algorithm string

const (
	SHA256  Algorithm = "sha256"
	Blake2b Algorithm = "blake2b"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = SHA256

func (a Algorithm) valid() error {
	switch a {
	case SHA256, Blake2b:
		return nil
	default:
		return fmt.Errorf("unsupported hash algorithm: %s", a)
	}
}

// digestHexLen is the hex length of a 256-bit digest, common to both
// supported algorithms.
const digestHexLen = 64

// Ref is a content address of the form "<algorithm>:<hex digest>",
// e.g. "sha256:a3f5…".
type Ref string

// Algorithm returns the hash algorithm component of the ref.
func (r Ref) Algorithm() Algorithm {
	alg, _, _ := strings.Cut(string(r), ":")
	return Algorithm(alg)
}

// Hex returns the hex digest component of the ref.
func (r Ref) Hex() string {
	_, h, _ := strings.Cut(string(r), ":")
	return h
}

func (r Ref) String() string { return string(r) }

// Sum computes the content address of data under alg.
func Sum(alg Algorithm, data []byte) (Ref, error) {
	switch alg {
	case SHA256:
		sum := sha256.Sum256(data)
		return Ref(string(SHA256) + ":" + hex.EncodeToString(sum[:])), nil
	case Blake2b:
		sum := blake2b.Sum256(data)
		return Ref(string(Blake2b) + ":" + hex.EncodeToString(sum[:])), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", alg)
	}
}

// ParseRef validates a textual content address and returns it as a Ref.
func ParseRef(s string) (Ref, error) {
	alg, digest, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("invalid ref format: %s", s)
	}
	switch Algorithm(alg) {
	case SHA256, Blake2b:
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", alg)
	}
	if len(digest) != digestHexLen {
		return "", fmt.Errorf("invalid ref digest length: %d", len(digest))
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("invalid ref hex: %w", err)
	}
	return Ref(s), nil
}

// Verify recomputes the content address of data under the ref's algorithm
// and reports a mismatch as an error.
func Verify(ref Ref, data []byte) error {
	got, err := Sum(ref.Algorithm(), data)
	if err != nil {
		return err
	}
	if got != ref {
		return fmt.Errorf("content digest mismatch: have %s, want %s", got, ref)
	}
	return nil
}
