// Package crypto adapts the vetted primitives the container engine composes:
// XChaCha20-Poly1305 AEAD, Argon2id KDF, a CSPRNG, SHA-256, and a
// zeroization routine resistant to dead-store elimination. Nothing here
// implements a cryptographic primitive from scratch.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the width of every AEAD key in the container (MK, KEK, DEK).
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the XChaCha20-Poly1305 extended nonce width.
	NonceSize = chacha20poly1305.NonceSizeX
	// TagSize is the Poly1305 authentication tag width.
	TagSize = chacha20poly1305.Overhead
	// DigestSize is the SHA-256 digest width.
	DigestSize = sha256.Size
)

// ErrAuthFail is returned whenever an AEAD open fails. The container engine
// surfaces this verbatim for both a wrong passphrase and a tampered blob by
// design (spec: the two are deliberately indistinguishable to callers).
var ErrAuthFail = errors.New("crypto: authentication failed")

// Seal encrypts plaintext with XChaCha20-Poly1305 under key, authenticating
// aad, using a fresh random nonce. It returns the nonce and the
// ciphertext-with-tag.
func Seal(key []byte, aad, plaintext []byte) (nonce, ciphertext []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("crypto: bad key length %d", len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: random nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// Open authenticates and decrypts ciphertext (which includes the trailing
// Poly1305 tag) under key, nonce and aad. Any failure — wrong key, wrong
// nonce, tampered bytes, wrong aad — collapses to ErrAuthFail.
func Open(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: bad key length %d", len(key))
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("crypto: bad nonce length %d", len(nonce))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFail
	}
	return plaintext, nil
}

// KDFParams are the Argon2id parameters recorded inside a header slot.
type KDFParams struct {
	MemKiB      uint32
	Iterations  uint32
	Parallelism uint8
}

// Profile is one of the three adaptive KDF tiers chosen at vault creation.
type Profile string

const (
	ProfileLow    Profile = "low"
	ProfileMedium Profile = "medium"
	ProfileHigh   Profile = "high"
)

// ParamsForProfile returns the reference Argon2id parameters for a profile,
// per the container format's KDF profile table.
func ParamsForProfile(p Profile) (KDFParams, error) {
	switch p {
	case ProfileLow:
		return KDFParams{MemKiB: 32 * 1024, Iterations: 3, Parallelism: 1}, nil
	case ProfileMedium:
		return KDFParams{MemKiB: 128 * 1024, Iterations: 10, Parallelism: 1}, nil
	case ProfileHigh:
		return KDFParams{MemKiB: 256 * 1024, Iterations: 12, Parallelism: 1}, nil
	default:
		return KDFParams{}, fmt.Errorf("crypto: unknown kdf profile %q", p)
	}
}

// DeriveKey runs Argon2id over passphrase with salt and params, producing a
// KeySize key (used both for the passphrase->KEK derivation and, in tests,
// to validate parameter handling independently of the key hierarchy).
func DeriveKey(passphrase, salt []byte, params KDFParams) []byte {
	return argon2.IDKey(passphrase, salt, params.Iterations, params.MemKiB, params.Parallelism, KeySize)
}

// Random returns n cryptographically random bytes.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: random: %w", err)
	}
	return b, nil
}

// SHA256 returns the SHA-256 digest of b.
func SHA256(b []byte) [DigestSize]byte {
	return sha256.Sum256(b)
}

// ConstantTimeEqual reports whether a and b are equal using a constant-time
// comparison, regardless of any early length mismatch short-circuit taken by
// the caller upstream.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

//go:linkname memclrNoHeapPointers runtime.memclrNoHeapPointers
//go:noescape
func memclrNoHeapPointers(ptr unsafe.Pointer, len uintptr)

// Zeroize overwrites buf with zeros using the runtime's internal memory-clear
// intrinsic, which the compiler cannot optimize away as a dead store the way
// it can a hand-written zeroing loop.
func Zeroize(buf []byte) {
	if len(buf) == 0 {
		return
	}
	memclrNoHeapPointers(unsafe.Pointer(&buf[0]), uintptr(len(buf)))
}
