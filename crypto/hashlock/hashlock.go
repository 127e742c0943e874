package hashlock

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SecretSize is the byte length of swap preimages.
const SecretSize = 32

// DigestSize is the byte length of hash-lock digests for both algorithms.
const DigestSize = 32

// Algorithm selects the hash function protecting a swap. The numeric values
// are the on-wire flag carried by both ledgers and must not be reordered.
type Algorithm uint8

const (
	// AlgKeccak256 is the EVM-native keccak variant (flag 0).
	AlgKeccak256 Algorithm = 0
	// AlgSHA256 is the SHA-256 variant (flag 1).
	AlgSHA256 Algorithm = 1
)

// Valid reports whether the algorithm flag is supported.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgKeccak256, AlgSHA256:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase name for logs and storage.
func (a Algorithm) String() string {
	switch a {
	case AlgKeccak256:
		return "keccak256"
	case AlgSHA256:
		return "sha256"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// ParseAlgorithm maps a stored name back to its flag.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "keccak256":
		return AlgKeccak256, nil
	case "sha256":
		return AlgSHA256, nil
	default:
		return 0, fmt.Errorf("unsupported hash algorithm: %q", name)
	}
}

// Secret is a swap preimage. Secrets must never appear in logs in full;
// use Redacted for any human-facing rendering.
type Secret [SecretSize]byte

// Digest is the published hash lock.
type Digest [DigestSize]byte

// NewSecret draws a uniform preimage from the platform CSPRNG.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, fmt.Errorf("draw secret: %w", err)
	}
	return s, nil
}

// Compute hashes the secret under the requested algorithm. The only failure
// mode is an unsupported algorithm flag.
func Compute(secret Secret, algo Algorithm) (Digest, error) {
	var d Digest
	switch algo {
	case AlgKeccak256:
		copy(d[:], gethcrypto.Keccak256(secret[:]))
	case AlgSHA256:
		d = sha256.Sum256(secret[:])
	default:
		return Digest{}, fmt.Errorf("unsupported hash algorithm flag: %d", algo)
	}
	return d, nil
}

// Verify recomputes the digest and compares in constant time. An unsupported
// algorithm verifies as false rather than erroring so callers can treat the
// result as a plain predicate.
func Verify(secret Secret, digest Digest, algo Algorithm) bool {
	computed, err := Compute(secret, algo)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(computed[:], digest[:]) == 1
}

// Hex renders the digest as lowercase hex without a prefix, the canonical
// form used by the store and for correlation keys.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// Redacted renders a short prefix of the secret for traces.
func (s Secret) Redacted() string {
	return hex.EncodeToString(s[:4]) + "…"
}

// Hex renders the secret as lowercase hex. Call sites are limited to wire
// encoding; never log the result.
func (s Secret) Hex() string {
	return hex.EncodeToString(s[:])
}

// ParseDigest decodes a 32-byte digest from hex. Input may carry an optional
// 0x prefix and mixed case; output is always the canonical binary form.
func ParseDigest(raw string) (Digest, error) {
	var d Digest
	decoded, err := decodeHex(raw, DigestSize)
	if err != nil {
		return Digest{}, fmt.Errorf("parse digest: %w", err)
	}
	copy(d[:], decoded)
	return d, nil
}

// ParseSecret decodes a 32-byte preimage from hex with the same strictness
// rules as ParseDigest.
func ParseSecret(raw string) (Secret, error) {
	var s Secret
	decoded, err := decodeHex(raw, SecretSize)
	if err != nil {
		return Secret{}, fmt.Errorf("parse secret: %w", err)
	}
	copy(s[:], decoded)
	return s, nil
}

func decodeHex(raw string, want int) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("empty hex input")
	}
	if len(trimmed)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex input")
	}
	decoded, err := hex.DecodeString(strings.ToLower(trimmed))
	if err != nil {
		return nil, err
	}
	if len(decoded) != want {
		return nil, fmt.Errorf("expected %d bytes, got %d", want, len(decoded))
	}
	return decoded, nil
}
