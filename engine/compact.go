package engine

import (
	"fmt"
	"os"

	"github.com/coldvault/vault/vcontainer"
	"github.com/coldvault/vault/vheader"
	"github.com/coldvault/vault/vindex"
)

// Compact rewrites the container into a fresh sibling file, copying every
// live blob (in index order) and dropping everything an earlier Delete or
// abandoned streaming import left as unreferenced garbage. The master key
// never changes, so the existing wrapped-MK bytes are carried over verbatim
// rather than re-derived from a passphrase compact doesn't have.
func (v *Vault) Compact() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpenLocked(); err != nil {
		return err
	}
	if err := v.cfg.checkGate(OpCompact); err != nil {
		return err
	}
	if len(v.pending) > 0 {
		return newErr(KindLocked, fmt.Errorf("cannot compact with %d streaming import(s) in flight", len(v.pending)))
	}

	tmpPath := v.container.Path() + ".compact-tmp"
	_ = os.Remove(tmpPath) // best-effort: a prior crashed compact may have left this behind

	tmp, err := vcontainer.CreateContainer(tmpPath)
	if err != nil {
		return newErr(KindIo, err)
	}
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	newEntries := make([]vindex.Entry, 0, len(v.index.List()))
	for _, e := range v.index.List() {
		moved, err := v.copyEntryBlobsLocked(tmp, e)
		if err != nil {
			return err
		}
		newEntries = append(newEntries, moved)
	}

	indexBlob, err := vindex.Seal(v.mk.Bytes(), newEntries)
	if err != nil {
		return newErr(KindIo, err)
	}
	indexOff, err := tmp.AppendBlob(indexBlob)
	if err != nil {
		return newErr(KindIo, err)
	}

	slot := vheader.Slot{
		Seq:       1,
		KDFAlg:    v.activeKDFAlg,
		KDFParams: v.activeKDFParams,
		Salt:      v.activeSalt,
		WrapNonce: v.activeWrapNonce,
		WrappedMK: v.activeWrappedMK,
		IndexOff:  indexOff,
		IndexLen:  uint32(len(indexBlob)),
	}
	if err := tmp.BootstrapFirstSlot(slot); err != nil {
		return newErr(KindIo, err)
	}

	if err := v.container.ReplaceWith(tmp); err != nil {
		return newErr(KindIo, err)
	}
	ok = true

	newIndex, err := vindex.FromEntries(newEntries)
	if err != nil {
		return newErr(KindCorrupt, err)
	}
	v.index = newIndex
	v.activeSlotIndex = 0
	v.activeSlotSeq = 1
	v.log.Info("vault compacted", "entries", len(newEntries))
	return nil
}

// copyEntryBlobsLocked streams e's ciphertext blobs (unexamined — compact
// never decrypts) from the live container into tmp, returning e with its
// Layout offsets rewritten to their new homes.
func (v *Vault) copyEntryBlobsLocked(tmp *vcontainer.Container, e vindex.Entry) (vindex.Entry, error) {
	switch e.Layout.Tag {
	case vindex.LayoutInline:
		blob, err := v.container.ReadAt(e.Layout.BlobOffset, uint32(e.Layout.BlobLen))
		if err != nil {
			return vindex.Entry{}, newErr(KindIo, err)
		}
		offset, err := tmp.AppendBlob(blob)
		if err != nil {
			return vindex.Entry{}, newErr(KindIo, err)
		}
		e.Layout.BlobOffset = offset
		return e, nil
	case vindex.LayoutChunked:
		newChunks := make([]vindex.Chunk, len(e.Layout.Chunks))
		for i, c := range e.Layout.Chunks {
			blob, err := v.container.ReadAt(c.Offset, c.Len)
			if err != nil {
				return vindex.Entry{}, newErr(KindIo, err)
			}
			offset, err := tmp.AppendBlob(blob)
			if err != nil {
				return vindex.Entry{}, newErr(KindIo, err)
			}
			newChunks[i] = vindex.Chunk{Offset: offset, Len: c.Len}
		}
		e.Layout.Chunks = newChunks
		return e, nil
	default:
		return vindex.Entry{}, newErr(KindCorrupt, fmt.Errorf("unknown layout tag %d", e.Layout.Tag))
	}
}
