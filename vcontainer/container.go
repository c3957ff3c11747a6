// Package vcontainer owns the container file's physical layout: the
// superblock and A/B header slots (delegated to vheader), the append-only
// data/index region, and the advisory integrity tail. It knows nothing
// about keys or index entries — that's vkeys and vindex; engine wires the
// three together under its write lock.
package vcontainer

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/coldvault/vault/crypto"
	"github.com/coldvault/vault/vheader"
)

// IntegrityTailSize is the width of the trailing advisory SHA-256 digest.
const IntegrityTailSize = crypto.DigestSize

// Container is an open container file plus the bookkeeping needed to
// append new blobs and keep the integrity tail current.
type Container struct {
	f       *os.File
	path    string
	sb      vheader.Superblock
	dataEnd uint64 // offset of the integrity tail; everything before it is committed content
}

// hashPrefix returns SHA-256 of the first n bytes of f — the same
// computation OpenContainer uses to check a stored tail, and the one
// SyncIntegrityTail uses to produce one. Keeping both sides call this
// guarantees they can never drift apart the way an incrementally-fed
// digest can when something writes to the file without also feeding the
// hash (header slots, notably).
func hashPrefix(f *os.File, n uint64) ([]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, int64(n))); err != nil {
		return nil, fmt.Errorf("vcontainer: hash prefix: %w", err)
	}
	return h.Sum(nil), nil
}

func geometry() (slot0Off, slot1Off, regionStart uint64) {
	slot0Off = uint64(vheader.SuperblockSize)
	slot1Off = slot0Off + uint64(vheader.SlotSize)
	regionStart = slot1Off + uint64(vheader.SlotSize)
	return
}

// CreateContainer lays out a brand-new container file: superblock, two
// zeroed (CRC-invalid) header slots, and an empty data region. The caller
// must still populate slot 0 via BootstrapFirstSlot before the container is
// usable — until then every active-slot lookup correctly reports
// ErrAllSlotsCorrupt.
func CreateContainer(path string) (*Container, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("vcontainer: create: %w", err)
	}

	slot0Off, slot1Off, regionStart := geometry()
	sb := vheader.NewSuperblock(slot0Off, slot1Off, regionStart)

	zero := make([]byte, vheader.SlotSize)
	if _, err := f.WriteAt(sb.Encode(), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("vcontainer: write superblock: %w", err)
	}
	if _, err := f.WriteAt(zero, int64(slot0Off)); err != nil {
		f.Close()
		return nil, fmt.Errorf("vcontainer: write slot0: %w", err)
	}
	if _, err := f.WriteAt(zero, int64(slot1Off)); err != nil {
		f.Close()
		return nil, fmt.Errorf("vcontainer: write slot1: %w", err)
	}

	c := &Container{f: f, path: path, sb: sb, dataEnd: regionStart}
	if err := c.SyncIntegrityTail(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// OpenContainer opens an existing container, parses its superblock, and
// recomputes the integrity tail over the full committed prefix to check it
// against what's stored on disk. A mismatch is reported but not fatal — the
// AEAD unwrap during unlock is what actually authenticates the content.
func OpenContainer(path string) (c *Container, tailOK bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("vcontainer: open: %w", err)
	}

	sbBuf := make([]byte, vheader.SuperblockSize)
	if _, err := f.ReadAt(sbBuf, 0); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("vcontainer: read superblock: %w", err)
	}
	sb, err := vheader.DecodeSuperblock(sbBuf)
	if err != nil {
		f.Close()
		return nil, false, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("vcontainer: stat: %w", err)
	}
	size := info.Size()
	if size < int64(IntegrityTailSize) {
		f.Close()
		return nil, false, fmt.Errorf("vcontainer: file too small to contain an integrity tail")
	}
	dataEnd := uint64(size) - IntegrityTailSize

	sum, err := hashPrefix(f, dataEnd)
	if err != nil {
		f.Close()
		return nil, false, err
	}

	storedTail := make([]byte, IntegrityTailSize)
	if _, err := f.ReadAt(storedTail, int64(dataEnd)); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("vcontainer: read integrity tail: %w", err)
	}

	c = &Container{f: f, path: path, sb: sb, dataEnd: dataEnd}
	return c, bytes.Equal(sum, storedTail), nil
}

// Close releases the underlying file descriptor.
func (c *Container) Close() error { return c.f.Close() }

// Path returns the container's filesystem path.
func (c *Container) Path() string { return c.path }

// Superblock returns the (immutable, post-creation) superblock.
func (c *Container) Superblock() vheader.Superblock { return c.sb }

// DataEnd returns the current end of committed content (where the
// integrity tail lives).
func (c *Container) DataEnd() uint64 { return c.dataEnd }

// ReadAt returns a copy of length bytes at offset. Callers are responsible
// for knowing the offset came from a trustworthy index entry; this layer
// does no bounds interpretation beyond "is it inside the committed file".
func (c *Container) ReadAt(offset uint64, length uint32) ([]byte, error) {
	if offset+uint64(length) > c.dataEnd {
		return nil, fmt.Errorf("vcontainer: read [%d,+%d) lies outside the committed data region (end %d)", offset, length, c.dataEnd)
	}
	buf := make([]byte, length)
	if _, err := c.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("vcontainer: read: %w", err)
	}
	return buf, nil
}

// AppendBlob writes data at the current tail and advances it. This does
// not fsync or update the on-disk integrity tail by itself: a crash before
// the enclosing transaction's header flip simply leaves the bytes as
// unreferenced, compact-reclaimable garbage (spec's Io-during-append
// failure mode).
func (c *Container) AppendBlob(data []byte) (offset uint64, err error) {
	offset = c.dataEnd
	if _, err := c.f.WriteAt(data, int64(offset)); err != nil {
		return 0, fmt.Errorf("vcontainer: append: %w", err)
	}
	c.dataEnd = offset + uint64(len(data))
	return offset, nil
}

// SyncIntegrityTail recomputes SHA-256 over the live file's committed
// prefix [0,dataEnd) — superblock, both header slots, and every appended
// blob, whatever their current bytes actually are — writes it to the tail
// position, and fsyncs. Call it once per transaction, immediately after
// the header flip that commits it — the flip is the durability boundary,
// not each individual append. Recomputing from disk here, rather than
// maintaining an incrementally-fed digest across appends, is what lets
// slot writes (BootstrapFirstSlot, FlipSlot) participate in the tail
// without needing to also feed a running hash object on every one of
// their own writes.
func (c *Container) SyncIntegrityTail() error {
	sum, err := hashPrefix(c.f, c.dataEnd)
	if err != nil {
		return err
	}
	if _, err := c.f.WriteAt(sum, int64(c.dataEnd)); err != nil {
		return fmt.Errorf("vcontainer: write integrity tail: %w", err)
	}
	return c.f.Sync()
}

// ActiveSlot resolves which header slot is current. See vheader for the
// selection rule.
func (c *Container) ActiveSlot() (vheader.ActiveSlot, error) {
	return vheader.ReadActiveSlot(c.f, c.sb)
}

// ActiveSlotCandidates returns every CRC-valid slot, highest sequence
// first, for callers (unlock) that must fall back to a lower-sequence slot
// when the highest one fails to AEAD-authenticate.
func (c *Container) ActiveSlotCandidates() ([]vheader.ActiveSlot, error) {
	return vheader.ReadActiveSlotCandidates(c.f, c.sb)
}

// FlipSlot writes newSlot into the inactive slot and fsyncs it. The caller
// must follow a successful flip with SyncIntegrityTail to commit the
// transaction's data-region changes.
func (c *Container) FlipSlot(currentActiveIndex int, newSlot vheader.Slot) error {
	return vheader.WriteInactiveSlotThenFlip(c.f, c.sb, currentActiveIndex, newSlot)
}

// BootstrapFirstSlot writes directly to slot 0, bypassing the flip
// protocol. Valid only immediately after CreateContainer, before any
// active slot exists.
func (c *Container) BootstrapFirstSlot(slot vheader.Slot) error {
	encoded, err := slot.Encode()
	if err != nil {
		return err
	}
	if _, err := c.f.WriteAt(encoded, int64(c.sb.Slot0Off)); err != nil {
		return fmt.Errorf("vcontainer: bootstrap slot0: %w", err)
	}
	if err := c.f.Sync(); err != nil {
		return fmt.Errorf("vcontainer: fsync bootstrap slot0: %w", err)
	}
	return nil
}

// ReplaceWith finalizes a compact(): closes both the temp container tmp and
// this one, atomically renames tmp's file over this container's path, and
// reopens in place. On return, c refers to the compacted file.
func (c *Container) ReplaceWith(tmp *Container) error {
	if err := tmp.SyncIntegrityTail(); err != nil {
		return err
	}
	tmpPath := tmp.path
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vcontainer: close compacted temp file: %w", err)
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("vcontainer: close original file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("vcontainer: rename compacted file into place: %w", err)
	}
	reopened, _, err := OpenContainer(c.path)
	if err != nil {
		return fmt.Errorf("vcontainer: reopen after compact: %w", err)
	}
	*c = *reopened
	return nil
}
