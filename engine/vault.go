// Package engine is the container façade (C6 of the design): it drives
// C1-C5 under a single exclusive write lock, owns the decrypted index and
// the in-memory pending-import table, and is the only package a caller
// (CLI, GUI bridge, media reader) ever talks to directly.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coldvault/vault/crypto"
	"github.com/coldvault/vault/vcontainer"
	"github.com/coldvault/vault/vheader"
	"github.com/coldvault/vault/vindex"
	"github.com/coldvault/vault/vkeys"
)

const saltSize = 16

// Vault is a single open container. All exported methods are safe for
// concurrent use: mutating operations take the write lock, pure reads take
// the read lock (spec §5).
type Vault struct {
	mu  sync.RWMutex
	log *slog.Logger
	cfg Config

	container *vcontainer.Container
	mk        vkeys.MasterKey
	index     *vindex.Index

	activeSlotIndex int
	activeSlotSeq   uint64
	activeKDFAlg    uint8
	activeKDFParams crypto.KDFParams
	activeSalt      []byte
	activeWrapNonce []byte
	activeWrappedMK []byte

	pending map[string]*pendingImport

	closed bool
}

func nowMS() int64 { return time.Now().UnixMilli() }

// Create lays out a brand-new container at path, protected by passphrase
// under cfg.KDFProfile, and returns it already open.
func Create(path string, passphrase []byte, cfg Config, log *slog.Logger) (*Vault, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.checkGate(OpCreate); err != nil {
		return nil, err
	}

	params, err := crypto.ParamsForProfile(cfg.KDFProfile)
	if err != nil {
		return nil, newErr(KindInvalidParam, err)
	}
	salt, err := crypto.Random(saltSize)
	if err != nil {
		return nil, newErr(KindIo, err)
	}
	kek := vkeys.DeriveKEK(passphrase, salt, params)
	defer crypto.Zeroize(kek)

	mk, err := vkeys.NewMasterKey()
	if err != nil {
		return nil, newErr(KindIo, err)
	}
	wrapNonce, wrappedMK, err := vkeys.WrapMasterKey(kek, mk)
	if err != nil {
		return nil, newErr(KindIo, err)
	}

	c, err := vcontainer.CreateContainer(path)
	if err != nil {
		return nil, newErr(KindIo, err)
	}

	indexBlob, err := vindex.Seal(mk.Bytes(), nil)
	if err != nil {
		c.Close()
		return nil, newErr(KindIo, err)
	}
	indexOff, err := c.AppendBlob(indexBlob)
	if err != nil {
		c.Close()
		return nil, newErr(KindIo, err)
	}

	slot := vheader.Slot{
		Seq:       1,
		KDFAlg:    vheader.KDFAlgArgon2id,
		KDFParams: params,
		Salt:      salt,
		WrapNonce: wrapNonce,
		WrappedMK: wrappedMK,
		IndexOff:  indexOff,
		IndexLen:  uint32(len(indexBlob)),
	}
	if err := c.BootstrapFirstSlot(slot); err != nil {
		c.Close()
		return nil, newErr(KindIo, err)
	}
	if err := c.SyncIntegrityTail(); err != nil {
		c.Close()
		return nil, newErr(KindIo, err)
	}

	v := &Vault{
		log:             log,
		cfg:             cfg,
		container:       c,
		mk:              mk,
		index:           vindex.New(),
		activeSlotIndex: 0,
		activeSlotSeq:   1,
		activeKDFAlg:    vheader.KDFAlgArgon2id,
		activeKDFParams: params,
		activeSalt:      salt,
		activeWrapNonce: wrapNonce,
		activeWrappedMK: wrappedMK,
		pending:         make(map[string]*pendingImport),
	}
	log.Info("vault created", "path", path, "profile", string(cfg.KDFProfile))
	return v, nil
}

// Open unlocks an existing container with passphrase. AuthFail covers both
// a wrong passphrase and a tampered header slot indistinguishably.
func Open(path string, passphrase []byte, cfg Config, log *slog.Logger) (*Vault, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.checkGate(OpOpen); err != nil {
		return nil, err
	}

	c, tailOK, err := vcontainer.OpenContainer(path)
	if err != nil {
		return nil, newErr(KindIo, err)
	}
	if !tailOK {
		log.Warn("integrity tail mismatch on open; proceeding, AEAD is authoritative", "path", path)
	}

	candidates, err := c.ActiveSlotCandidates()
	if err != nil {
		c.Close()
		return nil, newErr(KindCorrupt, err)
	}

	// Highest sequence whose CRC verifies AND whose AEAD authenticates
	// wins: a tampered higher-sequence slot that still happens to carry a
	// valid CRC must not shadow an intact lower-sequence one.
	var active vheader.ActiveSlot
	var mk vkeys.MasterKey
	var unwrapErr error
	for _, cand := range candidates {
		kek := vkeys.DeriveKEK(passphrase, cand.Slot.Salt, cand.Slot.KDFParams)
		candMK, err := vkeys.UnwrapMasterKey(kek, cand.Slot.WrapNonce, cand.Slot.WrappedMK)
		crypto.Zeroize(kek)
		if err == nil {
			active, mk, unwrapErr = cand, candMK, nil
			break
		}
		unwrapErr = err
	}
	if unwrapErr != nil {
		c.Close()
		return nil, newErr(KindAuthFail, unwrapErr)
	}

	indexBlob, err := c.ReadAt(active.Slot.IndexOff, active.Slot.IndexLen)
	if err != nil {
		c.Close()
		return nil, newErr(KindIo, err)
	}
	entries, err := vindex.Open(mk.Bytes(), indexBlob)
	if err != nil {
		c.Close()
		if err == crypto.ErrAuthFail {
			return nil, newErr(KindAuthFail, err)
		}
		return nil, newErr(KindCorrupt, err)
	}
	index, err := vindex.FromEntries(entries)
	if err != nil {
		c.Close()
		return nil, newErr(KindCorrupt, err)
	}

	v := &Vault{
		log:             log,
		cfg:             cfg,
		container:       c,
		mk:              mk,
		index:           index,
		activeSlotIndex: active.Index,
		activeSlotSeq:   active.Slot.Seq,
		activeKDFAlg:    active.Slot.KDFAlg,
		activeKDFParams: active.Slot.KDFParams,
		activeSalt:      active.Slot.Salt,
		activeWrapNonce: active.Slot.WrapNonce,
		activeWrappedMK: active.Slot.WrappedMK,
		pending:         make(map[string]*pendingImport),
	}

	if n := v.streamingCleanupOldLocked(cfg.MaxPendingImportAgeMS); n > 0 {
		log.Info("cleaned stale pending imports on open", "count", n)
	}
	log.Info("vault opened", "path", path, "entries", len(index.List()))
	return v, nil
}

// Close zeroizes the master key and releases the container's file
// descriptor. The Vault must not be used afterward.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	if err := v.cfg.checkGate(OpClose); err != nil {
		return err
	}
	for id, pi := range v.pending {
		pi.dek.Zeroize()
		delete(v.pending, id)
	}
	v.mk.Zeroize()
	v.closed = true
	if err := v.container.Close(); err != nil {
		return newErr(KindIo, err)
	}
	v.log.Info("vault closed")
	return nil
}

func (v *Vault) checkOpenLocked() error {
	if v.closed {
		return newErr(KindLocked, fmt.Errorf("vault is closed"))
	}
	return nil
}

// List returns every catalogued entry.
func (v *Vault) List() ([]vindex.Entry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}
	return v.index.List(), nil
}

// Get looks up a single entry by file_id.
func (v *Vault) Get(fileID [vindex.FileIDSize]byte) (vindex.Entry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.checkOpenLocked(); err != nil {
		return vindex.Entry{}, err
	}
	e, err := v.index.Get(fileID)
	if err != nil {
		return vindex.Entry{}, newErr(KindNotFound, err)
	}
	return e, nil
}

// FindByName returns the file_ids whose entry name matches exactly.
func (v *Vault) FindByName(name string) ([][vindex.FileIDSize]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}
	return v.index.FindByName(name), nil
}

func splitBlob(blob []byte) (nonce, ciphertext []byte, err error) {
	if len(blob) < crypto.NonceSize {
		return nil, nil, fmt.Errorf("blob shorter than a nonce")
	}
	return blob[:crypto.NonceSize], blob[crypto.NonceSize:], nil
}

func sealBlob(key, plaintext []byte) ([]byte, error) {
	nonce, ct, err := crypto.Seal(key, nil, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

func openBlob(key, blob []byte) ([]byte, error) {
	nonce, ct, err := splitBlob(blob)
	if err != nil {
		return nil, err
	}
	return crypto.Open(key, nonce, nil, ct)
}

// unwrapEntryDEK recovers the per-file data key for entry under the
// session's master key.
func (v *Vault) unwrapEntryDEK(entry vindex.Entry) (vkeys.DataKey, error) {
	dek, err := vkeys.UnwrapDataKey(v.mk, entry.DEKWrapNonce, entry.DEKWrapCT)
	if err != nil {
		return vkeys.DataKey{}, newErr(KindAuthFail, err)
	}
	return dek, nil
}

// ReadFile returns the full decrypted contents of fileID. For a chunked
// entry this concatenates every chunk in order; callers who care about
// memory should use ReadChunk directly.
func (v *Vault) ReadFile(fileID [vindex.FileIDSize]byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}
	entry, err := v.index.Get(fileID)
	if err != nil {
		return nil, newErr(KindNotFound, err)
	}
	dek, err := v.unwrapEntryDEK(entry)
	if err != nil {
		return nil, err
	}
	defer dek.Zeroize()

	switch entry.Layout.Tag {
	case vindex.LayoutInline:
		blob, err := v.container.ReadAt(entry.Layout.BlobOffset, uint32(entry.Layout.BlobLen))
		if err != nil {
			return nil, newErr(KindIo, err)
		}
		plain, err := openBlob(dek.Bytes(), blob)
		if err != nil {
			return nil, newErr(KindAuthFail, err)
		}
		return plain, nil
	case vindex.LayoutChunked:
		out := make([]byte, 0, entry.Size)
		for i := range entry.Layout.Chunks {
			chunkPlain, err := v.readChunkLocked(entry, dek, i)
			if err != nil {
				return nil, err
			}
			out = append(out, chunkPlain...)
		}
		return out, nil
	default:
		return nil, newErr(KindCorrupt, fmt.Errorf("unknown layout tag %d", entry.Layout.Tag))
	}
}

// ReadChunk returns the decrypted bytes of one chunk of a chunked entry.
func (v *Vault) ReadChunk(fileID [vindex.FileIDSize]byte, chunkIndex int) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}
	entry, err := v.index.Get(fileID)
	if err != nil {
		return nil, newErr(KindNotFound, err)
	}
	if entry.Layout.Tag != vindex.LayoutChunked {
		return nil, newErr(KindInvalidParam, fmt.Errorf("entry is not chunked"))
	}
	dek, err := v.unwrapEntryDEK(entry)
	if err != nil {
		return nil, err
	}
	defer dek.Zeroize()
	return v.readChunkLocked(entry, dek, chunkIndex)
}

func (v *Vault) readChunkLocked(entry vindex.Entry, dek vkeys.DataKey, chunkIndex int) ([]byte, error) {
	if chunkIndex < 0 || chunkIndex >= len(entry.Layout.Chunks) {
		return nil, newErr(KindInvalidParam, fmt.Errorf("chunk index %d out of range", chunkIndex))
	}
	chunk := entry.Layout.Chunks[chunkIndex]
	blob, err := v.container.ReadAt(chunk.Offset, chunk.Len)
	if err != nil {
		return nil, newErr(KindIo, err)
	}
	plain, err := openBlob(dek.Bytes(), blob)
	if err != nil {
		return nil, newErr(KindAuthFail, err)
	}
	return plain, nil
}

// commitIndexLocked seals newIndex, appends it, flips the header slot to
// point at it, and syncs the integrity tail — one transaction, per spec
// §4.4's rewrite protocol. On success it adopts newIndex as the live index.
func (v *Vault) commitIndexLocked(newIndex *vindex.Index) error {
	blob, err := vindex.Seal(v.mk.Bytes(), newIndex.List())
	if err != nil {
		return newErr(KindIo, err)
	}
	indexOff, err := v.container.AppendBlob(blob)
	if err != nil {
		return newErr(KindIo, err)
	}

	newSlot := vheader.Slot{
		Seq:       v.activeSlotSeq + 1,
		KDFAlg:    v.activeKDFAlg,
		KDFParams: v.activeKDFParams,
		Salt:      v.activeSalt,
		WrapNonce: v.activeWrapNonce,
		WrappedMK: v.activeWrappedMK,
		IndexOff:  indexOff,
		IndexLen:  uint32(len(blob)),
	}
	if err := v.container.FlipSlot(v.activeSlotIndex, newSlot); err != nil {
		// Per spec §7: Io during a flip leaves the previous valid slot
		// active; the orphaned append becomes compact-reclaimable garbage.
		return newErr(KindIo, err)
	}
	if err := v.container.SyncIntegrityTail(); err != nil {
		return newErr(KindIo, err)
	}

	v.activeSlotIndex = 1 - v.activeSlotIndex
	v.activeSlotSeq = newSlot.Seq
	v.index = newIndex
	return nil
}

// Import stores data as a single AEAD blob (Inline layout) under a fresh
// DEK, for callers that already hold the full file in memory. Files large
// enough to need bounded-memory handling should use StreamingStart instead.
func (v *Vault) Import(name, mime string, typ vindex.EntryType, data []byte) ([vindex.FileIDSize]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var zero [vindex.FileIDSize]byte
	if err := v.checkOpenLocked(); err != nil {
		return zero, err
	}
	if err := v.cfg.checkGate(OpImport); err != nil {
		return zero, err
	}

	fileID, err := randomFileID()
	if err != nil {
		return zero, newErr(KindIo, err)
	}
	dek, err := vkeys.NewDataKey()
	if err != nil {
		return zero, newErr(KindIo, err)
	}
	defer dek.Zeroize()

	blob, err := sealBlob(dek.Bytes(), data)
	if err != nil {
		return zero, newErr(KindIo, err)
	}
	offset, err := v.container.AppendBlob(blob)
	if err != nil {
		return zero, newErr(KindIo, err)
	}
	wrapNonce, wrappedDEK, err := vkeys.WrapDataKey(v.mk, dek)
	if err != nil {
		return zero, newErr(KindIo, err)
	}

	entry := vindex.Entry{
		FileID:      fileID,
		Name:        name,
		Mime:        mime,
		Type:        typ,
		CreatedAtMS: nowMS(),
		Size:        uint64(len(data)),
		Layout: vindex.Layout{
			Tag:        vindex.LayoutInline,
			BlobOffset: offset,
			BlobLen:    uint64(len(blob)),
		},
		DEKWrapNonce: wrapNonce,
		DEKWrapCT:    wrappedDEK,
	}

	next := v.index.Clone()
	if err := next.Insert(entry); err != nil {
		return zero, newErr(KindCorrupt, err)
	}
	if err := v.commitIndexLocked(next); err != nil {
		return zero, err
	}
	return fileID, nil
}

// Delete removes an entry from the catalog. The underlying blob bytes are
// not reclaimed until Compact.
func (v *Vault) Delete(fileID [vindex.FileIDSize]byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpenLocked(); err != nil {
		return err
	}
	if err := v.cfg.checkGate(OpDelete); err != nil {
		return err
	}
	next := v.index.Clone()
	if err := next.Delete(fileID); err != nil {
		return newErr(KindNotFound, err)
	}
	return v.commitIndexLocked(next)
}

// Rename changes an entry's display name in place.
func (v *Vault) Rename(fileID [vindex.FileIDSize]byte, newName string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpenLocked(); err != nil {
		return err
	}
	if err := v.cfg.checkGate(OpRename); err != nil {
		return err
	}
	next := v.index.Clone()
	entry, err := next.Get(fileID)
	if err != nil {
		return newErr(KindNotFound, err)
	}
	entry.Name = newName
	if err := next.Update(entry); err != nil {
		return newErr(KindInvalidParam, err)
	}
	return v.commitIndexLocked(next)
}

// ChangePassphrase re-derives a KEK under newPassphrase and re-wraps the
// existing MK; the MK value and every DEK are untouched, so no file data is
// re-encrypted. Crash-safe by virtue of the C2 header flip.
func (v *Vault) ChangePassphrase(oldPassphrase, newPassphrase []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpenLocked(); err != nil {
		return err
	}
	if err := v.cfg.checkGate(OpChangePassphrase); err != nil {
		return err
	}

	oldKEK := vkeys.DeriveKEK(oldPassphrase, v.activeSalt, v.activeKDFParams)
	_, err := vkeys.UnwrapMasterKey(oldKEK, v.activeWrapNonce, v.activeWrappedMK)
	crypto.Zeroize(oldKEK)
	if err != nil {
		return newErr(KindAuthFail, err)
	}

	newSalt, err := crypto.Random(saltSize)
	if err != nil {
		return newErr(KindIo, err)
	}
	newKEK := vkeys.DeriveKEK(newPassphrase, newSalt, v.activeKDFParams)
	newWrapNonce, newWrappedMK, err := vkeys.WrapMasterKey(newKEK, v.mk)
	crypto.Zeroize(newKEK)
	if err != nil {
		return newErr(KindIo, err)
	}

	newSlot := vheader.Slot{
		Seq:       v.activeSlotSeq + 1,
		KDFAlg:    v.activeKDFAlg,
		KDFParams: v.activeKDFParams,
		Salt:      newSalt,
		WrapNonce: newWrapNonce,
		WrappedMK: newWrappedMK,
		IndexOff:  v.currentIndexOffLocked(),
		IndexLen:  v.currentIndexLenLocked(),
	}
	if err := v.container.FlipSlot(v.activeSlotIndex, newSlot); err != nil {
		return newErr(KindIo, err)
	}
	v.activeSlotIndex = 1 - v.activeSlotIndex
	v.activeSlotSeq = newSlot.Seq
	v.activeSalt = newSalt
	v.activeWrapNonce = newWrapNonce
	v.activeWrappedMK = newWrappedMK

	// The superseded slot still wraps the MK under the old passphrase, and
	// Open falls back to a lower-sequence slot that authenticates; overwrite
	// it with a copy of the new slot so the old passphrase no longer opens.
	mirror := newSlot
	mirror.Seq = newSlot.Seq + 1
	if err := v.container.FlipSlot(v.activeSlotIndex, mirror); err != nil {
		return newErr(KindIo, err)
	}
	v.activeSlotIndex = 1 - v.activeSlotIndex
	v.activeSlotSeq = mirror.Seq
	if err := v.container.SyncIntegrityTail(); err != nil {
		return newErr(KindIo, err)
	}
	v.log.Info("passphrase changed")
	return nil
}

// currentIndexOffLocked/currentIndexLenLocked recover the current index
// region's location from the active slot on disk, since Vault doesn't cache
// it separately from the slot that names it (see vheader.Slot's IndexOff
// field, which is the crash-safe source of truth).
func (v *Vault) currentIndexOffLocked() uint64 {
	active, err := v.container.ActiveSlot()
	if err != nil {
		return 0
	}
	return active.Slot.IndexOff
}

func (v *Vault) currentIndexLenLocked() uint32 {
	active, err := v.container.ActiveSlot()
	if err != nil {
		return 0
	}
	return active.Slot.IndexLen
}

func randomFileID() ([vindex.FileIDSize]byte, error) {
	var id [vindex.FileIDSize]byte
	b, err := crypto.Random(vindex.FileIDSize)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// newImportID mints an opaque streaming-import handle. Grounded on the
// pack's use of github.com/google/uuid for identifiers that must not
// collide across a session but carry no structured meaning.
func newImportID() string {
	return uuid.NewString()
}
