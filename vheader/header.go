// Package vheader implements the container's journaled A/B slot superblock:
// the crash-safe record of the wrapped master key and the KDF parameters
// needed to unwrap it, plus the current location of the encrypted index.
//
// The flip protocol (spec §4.2) never writes an explicit "active" pointer.
// Each slot carries a monotonically increasing sequence number; the active
// slot is whichever of the two has the highest sequence number AND passes
// both its CRC32 check and its AEAD unwrap. A crash during a flip leaves at
// most one torn slot, which fails its CRC and is ignored on recovery.
package vheader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/coldvault/vault/crypto"
)

const (
	// MagicSize is the width of the container's format tag, null-padded to 8 bytes.
	MagicSize = 8
	// FormatVersion is the only version this implementation writes.
	FormatVersion = 1

	// SuperblockSize is the fixed-size prefix: magic, version, flags, and
	// the two slots' geometry plus the at-creation index region pointer.
	SuperblockSize = MagicSize + 2 + 4 + 8 + 4 + 8 + 4 + 8 + 4 // = 50

	// KDFAlgArgon2id is the only KDF algorithm id this format defines.
	KDFAlgArgon2id = 1

	// SlotSize is the fixed size of one header slot, see the field layout
	// below. It is larger than the terse recap in spec §6 because the
	// flip protocol (spec §4.2/§4.4) requires the current index region's
	// offset and length to move atomically with the slot that names them;
	// they are carried as slot fields, not just superblock fields (see
	// DESIGN.md's Open Question resolution).
	SlotSize = 8 + 1 + 4 + 4 + 1 + 16 + 24 + (crypto.KeySize + crypto.TagSize) + 8 + 4 + 4 // = 122
)

var magicBytes = [MagicSize]byte{'V', 'A', 'U', 'L', 'T', 'J', '1', 0}

var (
	ErrBadMagic          = errors.New("vheader: bad magic")
	ErrUnsupportedVer    = errors.New("vheader: unsupported format version")
	ErrAllSlotsCorrupt   = errors.New("vheader: all slots corrupt")
	ErrUnwrapAuthFail    = crypto.ErrAuthFail
	ErrShortSuperblock   = errors.New("vheader: superblock truncated")
	ErrShortSlot         = errors.New("vheader: slot truncated")
)

// Superblock is the fixed, never-rewritten prefix of the container.
type Superblock struct {
	Version  uint16
	Flags    uint32
	Slot0Off uint64
	Slot0Len uint32
	Slot1Off uint64
	Slot1Len uint32
	// IndexOff/IndexLen are the index region's location at creation time
	// only. After the first index rewrite the authoritative location is
	// the active slot's own IndexOff/IndexLen (see Slot below); readers
	// must not trust these fields once the vault has been written to.
	IndexOff uint64
	IndexLen uint32
}

// NewSuperblock builds the superblock for a freshly created container with
// the two header slots immediately following it.
func NewSuperblock(slot0Off, slot1Off, indexOff uint64) Superblock {
	return Superblock{
		Version:  FormatVersion,
		Flags:    0,
		Slot0Off: slot0Off,
		Slot0Len: SlotSize,
		Slot1Off: slot1Off,
		Slot1Len: SlotSize,
		IndexOff: indexOff,
		IndexLen: 0,
	}
}

// Encode serializes the superblock to its fixed SuperblockSize layout.
func (s Superblock) Encode() []byte {
	buf := make([]byte, SuperblockSize)
	copy(buf[0:MagicSize], magicBytes[:])
	off := MagicSize
	binary.LittleEndian.PutUint16(buf[off:], s.Version)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], s.Flags)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], s.Slot0Off)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], s.Slot0Len)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], s.Slot1Off)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], s.Slot1Len)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], s.IndexOff)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], s.IndexLen)
	return buf
}

// DecodeSuperblock parses a superblock from its fixed-size byte prefix.
func DecodeSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < SuperblockSize {
		return Superblock{}, ErrShortSuperblock
	}
	if [MagicSize]byte(buf[:MagicSize]) != magicBytes {
		return Superblock{}, ErrBadMagic
	}
	off := MagicSize
	var s Superblock
	s.Version = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	if s.Version != FormatVersion {
		return Superblock{}, ErrUnsupportedVer
	}
	s.Flags = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.Slot0Off = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	s.Slot0Len = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.Slot1Off = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	s.Slot1Len = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.IndexOff = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	s.IndexLen = binary.LittleEndian.Uint32(buf[off:])
	return s, nil
}

// Slot is one of the two A/B header blocks. WrappedMK is the AEAD
// ciphertext-with-tag (crypto.KeySize+crypto.TagSize bytes) of the 32-byte
// master key under the KEK derived from the passphrase and KDFParams/Salt.
type Slot struct {
	Seq         uint64
	KDFAlg      uint8
	KDFParams   crypto.KDFParams
	Salt        []byte // 16 bytes
	WrapNonce   []byte // crypto.NonceSize bytes
	WrappedMK   []byte // crypto.KeySize+crypto.TagSize bytes
	IndexOff    uint64
	IndexLen    uint32
}

// Encode serializes the slot, appending the trailing CRC32 over every
// preceding byte.
func (s Slot) Encode() ([]byte, error) {
	if len(s.Salt) != 16 {
		return nil, fmt.Errorf("vheader: salt must be 16 bytes, got %d", len(s.Salt))
	}
	if len(s.WrapNonce) != crypto.NonceSize {
		return nil, fmt.Errorf("vheader: wrap nonce must be %d bytes, got %d", crypto.NonceSize, len(s.WrapNonce))
	}
	if len(s.WrappedMK) != crypto.KeySize+crypto.TagSize {
		return nil, fmt.Errorf("vheader: wrapped MK must be %d bytes, got %d", crypto.KeySize+crypto.TagSize, len(s.WrappedMK))
	}

	buf := make([]byte, SlotSize)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], s.Seq)
	off += 8
	buf[off] = s.KDFAlg
	off++
	binary.LittleEndian.PutUint32(buf[off:], s.KDFParams.MemKiB)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], s.KDFParams.Iterations)
	off += 4
	buf[off] = s.KDFParams.Parallelism
	off++
	copy(buf[off:], s.Salt)
	off += 16
	copy(buf[off:], s.WrapNonce)
	off += crypto.NonceSize
	copy(buf[off:], s.WrappedMK)
	off += crypto.KeySize + crypto.TagSize
	binary.LittleEndian.PutUint64(buf[off:], s.IndexOff)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], s.IndexLen)
	off += 4

	sum := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], sum)
	return buf, nil
}

// decodeSlot parses a slot and reports whether its CRC verified. It never
// returns a hard error for a bad CRC — callers treat a CRC mismatch as "this
// slot is not a candidate", not as a fatal condition, since the other slot
// may still be valid.
func decodeSlot(buf []byte) (Slot, bool, error) {
	if len(buf) < SlotSize {
		return Slot{}, false, ErrShortSlot
	}
	off := 0
	var s Slot
	s.Seq = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	s.KDFAlg = buf[off]
	off++
	s.KDFParams.MemKiB = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.KDFParams.Iterations = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.KDFParams.Parallelism = buf[off]
	off++
	s.Salt = append([]byte(nil), buf[off:off+16]...)
	off += 16
	s.WrapNonce = append([]byte(nil), buf[off:off+crypto.NonceSize]...)
	off += crypto.NonceSize
	s.WrappedMK = append([]byte(nil), buf[off:off+crypto.KeySize+crypto.TagSize]...)
	off += crypto.KeySize + crypto.TagSize
	s.IndexOff = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	s.IndexLen = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	wantSum := binary.LittleEndian.Uint32(buf[off:])
	gotSum := crc32.ChecksumIEEE(buf[:off])

	return s, wantSum == gotSum, nil
}

// ReaderAt is the minimal file capability the header needs to read slots;
// satisfied by *os.File.
type ReaderAt interface {
	io.ReaderAt
}

// WriterAt is the minimal file capability needed to write and durably flush
// a slot; satisfied by *os.File.
type WriterAt interface {
	io.WriterAt
	Sync() error
}

// ActiveSlot is the result of resolving which of slot0/slot1 is current,
// together with its index (0 or 1) so a subsequent flip knows which slot is
// now the *inactive* one.
type ActiveSlot struct {
	Slot  Slot
	Index int // 0 or 1
}

// ReadActiveSlot reads both slots and returns whichever has the highest
// sequence number among those that pass CRC verification. It does not
// attempt the AEAD unwrap — that needs the passphrase and is the caller's
// job (crypto.Open over Slot.WrappedMK). Callers that must honor the full
// "highest sequence whose CRC verifies AND whose AEAD authenticates"
// selection rule — i.e. unlock — should use ReadActiveSlotCandidates
// instead and fall back down the list on an unwrap failure.
func ReadActiveSlot(r ReaderAt, sb Superblock) (ActiveSlot, error) {
	candidates, err := ReadActiveSlotCandidates(r, sb)
	if err != nil {
		return ActiveSlot{}, err
	}
	return candidates[0], nil
}

// ReadActiveSlotCandidates reads both slots and returns every CRC-valid one,
// ordered from highest sequence number to lowest. It holds a single slot
// only before the first flip (the other slot is still zeroed) or after a
// crash left one slot torn (CRC-invalid); once a flip has completed, the
// superseded slot stays CRC-valid, so both are returned. The caller tries
// unwrapping the higher slot first and falls back to the lower one if that
// unwrap fails (e.g. the higher slot's WrappedMK was tampered with in a way
// CRC32 doesn't catch).
func ReadActiveSlotCandidates(r ReaderAt, sb Superblock) ([]ActiveSlot, error) {
	buf0 := make([]byte, sb.Slot0Len)
	buf1 := make([]byte, sb.Slot1Len)

	_, err0 := r.ReadAt(buf0, int64(sb.Slot0Off))
	_, err1 := r.ReadAt(buf1, int64(sb.Slot1Off))

	slot0, ok0, decErr0 := Slot{}, false, error(nil)
	if err0 == nil {
		slot0, ok0, decErr0 = decodeSlot(buf0)
	}
	slot1, ok1, decErr1 := Slot{}, false, error(nil)
	if err1 == nil {
		slot1, ok1, decErr1 = decodeSlot(buf1)
	}
	if decErr0 != nil {
		ok0 = false
	}
	if decErr1 != nil {
		ok1 = false
	}

	var candidates []ActiveSlot
	if ok0 {
		candidates = append(candidates, ActiveSlot{Slot: slot0, Index: 0})
	}
	if ok1 {
		candidates = append(candidates, ActiveSlot{Slot: slot1, Index: 1})
	}
	if len(candidates) == 0 {
		return nil, ErrAllSlotsCorrupt
	}
	if len(candidates) == 2 && candidates[0].Slot.Seq < candidates[1].Slot.Seq {
		candidates[0], candidates[1] = candidates[1], candidates[0]
	}
	return candidates, nil
}

// WriteInactiveSlotThenFlip writes newSlot into whichever of slot0/slot1 is
// NOT currentActiveIndex, then durably flushes. Because validity+sequence
// *is* the pointer (no separate "active" marker is ever written), a reader
// choosing "highest valid sequence" now observes newSlot; a crash during the
// write leaves the previous active slot untouched and the new write fails
// its CRC on recovery.
func WriteInactiveSlotThenFlip(w WriterAt, sb Superblock, currentActiveIndex int, newSlot Slot) error {
	encoded, err := newSlot.Encode()
	if err != nil {
		return err
	}

	var off uint64
	if currentActiveIndex == 0 {
		off = sb.Slot1Off
	} else {
		off = sb.Slot0Off
	}

	if _, err := w.WriteAt(encoded, int64(off)); err != nil {
		return fmt.Errorf("vheader: write inactive slot: %w", err)
	}
	if err := w.Sync(); err != nil {
		return fmt.Errorf("vheader: fsync after slot write: %w", err)
	}
	return nil
}
