// Package vkeys implements the container's key hierarchy: passphrase ->
// KEK (Argon2id) -> MK (wrapped in the header slot) -> per-file DEK (wrapped
// inside its index entry). It owns no I/O; vheader and vindex persist what
// this package produces.
package vkeys

import (
	"fmt"

	"github.com/coldvault/vault/crypto"
)

// MasterKey is the 32-byte container master key. It lives in process memory
// only while the vault is open and must be zeroized on close.
type MasterKey struct {
	bytes []byte
}

// NewMasterKey generates a fresh random master key, minted once per
// container at create time.
func NewMasterKey() (MasterKey, error) {
	b, err := crypto.Random(crypto.KeySize)
	if err != nil {
		return MasterKey{}, err
	}
	return MasterKey{bytes: b}, nil
}

// Bytes exposes the raw key for sealing/opening. The caller must not retain
// a reference past the MasterKey's lifetime.
func (m MasterKey) Bytes() []byte { return m.bytes }

// Zeroize wipes the key material in place.
func (m MasterKey) Zeroize() { crypto.Zeroize(m.bytes) }

// DataKey is a per-file 32-byte data encryption key.
type DataKey struct {
	bytes []byte
}

// NewDataKey generates a fresh random DEK for a newly imported file. Every
// import — including a copy of an existing file — mints a new one; DEKs are
// never reused across files.
func NewDataKey() (DataKey, error) {
	b, err := crypto.Random(crypto.KeySize)
	if err != nil {
		return DataKey{}, err
	}
	return DataKey{bytes: b}, nil
}

func (d DataKey) Bytes() []byte { return d.bytes }
func (d DataKey) Zeroize()      { crypto.Zeroize(d.bytes) }

// DeriveKEK runs the KDF over passphrase with the given salt and params,
// producing the key-encryption-key that wraps/unwraps the master key. The
// call is deliberately free of any lock or file I/O so engine callers can
// run it outside the container's write-lock critical section (spec §5).
func DeriveKEK(passphrase, salt []byte, params crypto.KDFParams) []byte {
	return crypto.DeriveKey(passphrase, salt, params)
}

// WrapMasterKey seals mk under kek, returning the nonce and
// ciphertext-with-tag to store in a header slot.
func WrapMasterKey(kek []byte, mk MasterKey) (nonce, wrapped []byte, err error) {
	return crypto.Seal(kek, nil, mk.Bytes())
}

// UnwrapMasterKey opens a header slot's wrapped MK under kek. A wrong
// passphrase and a tampered slot are indistinguishable: both return
// crypto.ErrAuthFail.
func UnwrapMasterKey(kek, nonce, wrapped []byte) (MasterKey, error) {
	plain, err := crypto.Open(kek, nonce, nil, wrapped)
	if err != nil {
		return MasterKey{}, err
	}
	if len(plain) != crypto.KeySize {
		crypto.Zeroize(plain)
		return MasterKey{}, fmt.Errorf("vkeys: unwrapped MK has length %d, want %d", len(plain), crypto.KeySize)
	}
	return MasterKey{bytes: plain}, nil
}

// WrapDataKey seals dek under mk for storage inside an index entry.
func WrapDataKey(mk MasterKey, dek DataKey) (nonce, wrapped []byte, err error) {
	return crypto.Seal(mk.Bytes(), nil, dek.Bytes())
}

// UnwrapDataKey opens an index entry's wrapped DEK under mk.
func UnwrapDataKey(mk MasterKey, nonce, wrapped []byte) (DataKey, error) {
	plain, err := crypto.Open(mk.Bytes(), nonce, nil, wrapped)
	if err != nil {
		return DataKey{}, err
	}
	if len(plain) != crypto.KeySize {
		crypto.Zeroize(plain)
		return DataKey{}, fmt.Errorf("vkeys: unwrapped DEK has length %d, want %d", len(plain), crypto.KeySize)
	}
	return DataKey{bytes: plain}, nil
}
