package engine

import (
	"fmt"

	"github.com/coldvault/vault/crypto"
	"github.com/coldvault/vault/vindex"
	"github.com/coldvault/vault/vkeys"
)

// pendingImport is the in-memory, not-persisted-through-restart state for
// one in-flight streaming import (spec §3's pending-import table).
type pendingImport struct {
	importID   string
	sourceURI  string
	sourceHash []byte

	fileID [vindex.FileIDSize]byte
	name   string
	mime   string
	typ    vindex.EntryType

	fileSize   uint64
	chunkSize  uint32
	chunkCount uint32

	dek      vkeys.DataKey
	received []bool
	chunks   []vindex.Chunk

	createdAtMS   int64
	lastTouchedMS int64
}

func (pi *pendingImport) allReceived() bool {
	for _, ok := range pi.received {
		if !ok {
			return false
		}
	}
	return true
}

// expectedChunkLen returns the required plaintext length for chunkIndex:
// chunkSize for every chunk except the last, whose length is
// fileSize mod chunkSize (or chunkSize itself when it divides evenly).
func (pi *pendingImport) expectedChunkLen(chunkIndex uint32) uint32 {
	if chunkIndex != pi.chunkCount-1 {
		return pi.chunkSize
	}
	rem := uint32(pi.fileSize % uint64(pi.chunkSize))
	if rem == 0 {
		return pi.chunkSize
	}
	return rem
}

// StreamingStart begins a resumable, bounded-memory import. It mints a
// fresh file_id and DEK; no container bytes are written until the first
// chunk arrives.
func (v *Vault) StreamingStart(sourceURI string, sourceHash []byte, name, mime string, typ vindex.EntryType, fileSize uint64) (importID string, chunkSize uint32, expectedChunkCount uint32, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpenLocked(); err != nil {
		return "", 0, 0, err
	}
	if err := v.cfg.checkGate(OpStreamingStart); err != nil {
		return "", 0, 0, err
	}
	if len(name) == 0 {
		return "", 0, 0, newErr(KindInvalidParam, fmt.Errorf("name must not be empty"))
	}

	size := uint32(v.cfg.ChunkSize)
	count := uint32(0)
	if fileSize > 0 {
		count = uint32((fileSize + uint64(size) - 1) / uint64(size))
	}

	fileID, err := randomFileID()
	if err != nil {
		return "", 0, 0, newErr(KindIo, err)
	}
	dek, err := vkeys.NewDataKey()
	if err != nil {
		return "", 0, 0, newErr(KindIo, err)
	}

	pi := &pendingImport{
		importID:      newImportID(),
		sourceURI:     sourceURI,
		sourceHash:    sourceHash,
		fileID:        fileID,
		name:          name,
		mime:          mime,
		typ:           typ,
		fileSize:      fileSize,
		chunkSize:     size,
		chunkCount:    count,
		dek:           dek,
		received:      make([]bool, count),
		chunks:        make([]vindex.Chunk, count),
		createdAtMS:   nowMS(),
		lastTouchedMS: nowMS(),
	}
	v.pending[pi.importID] = pi
	return pi.importID, size, count, nil
}

// StreamingWriteChunk seals one plaintext chunk under the import's DEK and
// appends it to the data region. Chunks may arrive out of order; writing
// the same index twice fails with KindDuplicateChunk.
func (v *Vault) StreamingWriteChunk(importID string, plaintextChunk []byte, chunkIndex uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpenLocked(); err != nil {
		return err
	}
	if err := v.cfg.checkGate(OpStreamingWrite); err != nil {
		return err
	}

	pi, ok := v.pending[importID]
	if !ok {
		return newErr(KindNotFound, fmt.Errorf("unknown import_id %q", importID))
	}
	if chunkIndex >= pi.chunkCount {
		return newErr(KindInvalidParam, fmt.Errorf("chunk index %d out of range [0,%d)", chunkIndex, pi.chunkCount))
	}
	if pi.received[chunkIndex] {
		return newErr(KindDuplicateChunk, fmt.Errorf("chunk %d already written", chunkIndex))
	}
	if want := pi.expectedChunkLen(chunkIndex); uint32(len(plaintextChunk)) != want {
		return newErr(KindInvalidParam, fmt.Errorf("chunk %d: got %d bytes, want %d", chunkIndex, len(plaintextChunk), want))
	}

	blob, err := sealBlob(pi.dek.Bytes(), plaintextChunk)
	if err != nil {
		return newErr(KindIo, err)
	}
	offset, err := v.container.AppendBlob(blob)
	if err != nil {
		return newErr(KindIo, err)
	}

	pi.chunks[chunkIndex] = vindex.Chunk{Offset: offset, Len: uint32(len(blob))}
	pi.received[chunkIndex] = true
	pi.lastTouchedMS = nowMS()
	return nil
}

// StreamingFinish commits the draft entry via one index rewrite + header
// flip. Fails with KindIncompleteImport if any chunk is still missing.
func (v *Vault) StreamingFinish(importID string) ([vindex.FileIDSize]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var zero [vindex.FileIDSize]byte
	if err := v.checkOpenLocked(); err != nil {
		return zero, err
	}
	if err := v.cfg.checkGate(OpStreamingFinish); err != nil {
		return zero, err
	}

	pi, ok := v.pending[importID]
	if !ok {
		return zero, newErr(KindNotFound, fmt.Errorf("unknown import_id %q", importID))
	}
	if !pi.allReceived() {
		return zero, newErr(KindIncompleteImport, fmt.Errorf("missing chunks for import_id %q", importID))
	}

	wrapNonce, wrappedDEK, err := vkeys.WrapDataKey(v.mk, pi.dek)
	if err != nil {
		return zero, newErr(KindIo, err)
	}
	entry := vindex.Entry{
		FileID:      pi.fileID,
		Name:        pi.name,
		Mime:        pi.mime,
		Type:        pi.typ,
		CreatedAtMS: nowMS(),
		Size:        pi.fileSize,
		Layout: vindex.Layout{
			Tag:        vindex.LayoutChunked,
			ChunkSize:  pi.chunkSize,
			ChunkCount: pi.chunkCount,
			Chunks:     pi.chunks,
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

	pi.dek.Zeroize()
	delete(v.pending, importID)
	return pi.fileID, nil
}

// StreamingAbort discards a pending import. Its already-appended chunk
// bytes become compact-reclaimable garbage; the index is never touched
// since an aborted import was never committed to it.
func (v *Vault) StreamingAbort(importID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpenLocked(); err != nil {
		return err
	}
	if err := v.cfg.checkGate(OpStreamingAbort); err != nil {
		return err
	}
	pi, ok := v.pending[importID]
	if !ok {
		return newErr(KindNotFound, fmt.Errorf("unknown import_id %q", importID))
	}
	pi.dek.Zeroize()
	delete(v.pending, importID)
	return nil
}

// StreamingCleanupOld aborts every pending import whose last touch is older
// than maxAgeMS, returning the count cleaned. Open also runs it with
// cfg.MaxPendingImportAgeMS (24h by default); because pending imports are
// held in memory only, the table is empty at that point and imports left
// by a prior session are not tracked.
func (v *Vault) StreamingCleanupOld(maxAgeMS int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpenLocked(); err != nil {
		return 0, err
	}
	return v.streamingCleanupOldLocked(maxAgeMS), nil
}

func (v *Vault) streamingCleanupOldLocked(maxAgeMS int64) int {
	now := nowMS()
	n := 0
	for id, pi := range v.pending {
		if now-pi.lastTouchedMS > maxAgeMS {
			pi.dek.Zeroize()
			delete(v.pending, id)
			n++
		}
	}
	return n
}

// Copy duplicates fileID under newName, minting a fresh DEK — a copy never
// reuses the source's key. Inline entries are read fully and re-imported;
// chunked entries are re-chunked across the configured chunk size (which
// may differ from the source's), sealing and appending each full target
// buffer directly rather than through StreamingStart/StreamingWriteChunk.
func (v *Vault) Copy(fileID [vindex.FileIDSize]byte, newName string) ([vindex.FileIDSize]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var zero [vindex.FileIDSize]byte
	if err := v.checkOpenLocked(); err != nil {
		return zero, err
	}
	if err := v.cfg.checkGate(OpCopy); err != nil {
		return zero, err
	}

	entry, err := v.index.Get(fileID)
	if err != nil {
		return zero, newErr(KindNotFound, err)
	}
	srcDEK, err := v.unwrapEntryDEK(entry)
	if err != nil {
		return zero, err
	}
	defer srcDEK.Zeroize()

	switch entry.Layout.Tag {
	case vindex.LayoutInline:
		return v.copyInlineLocked(entry, srcDEK, newName)
	case vindex.LayoutChunked:
		return v.copyChunkedLocked(entry, srcDEK, newName)
	default:
		return zero, newErr(KindCorrupt, fmt.Errorf("unknown layout tag %d", entry.Layout.Tag))
	}
}

func (v *Vault) copyInlineLocked(entry vindex.Entry, srcDEK vkeys.DataKey, newName string) ([vindex.FileIDSize]byte, error) {
	var zero [vindex.FileIDSize]byte
	blob, err := v.container.ReadAt(entry.Layout.BlobOffset, uint32(entry.Layout.BlobLen))
	if err != nil {
		return zero, newErr(KindIo, err)
	}
	plain, err := openBlob(srcDEK.Bytes(), blob)
	if err != nil {
		return zero, newErr(KindAuthFail, err)
	}
	defer crypto.Zeroize(plain)

	fileID, err := randomFileID()
	if err != nil {
		return zero, newErr(KindIo, err)
	}
	dek, err := vkeys.NewDataKey()
	if err != nil {
		return zero, newErr(KindIo, err)
	}
	defer dek.Zeroize()

	newBlob, err := sealBlob(dek.Bytes(), plain)
	if err != nil {
		return zero, newErr(KindIo, err)
	}
	offset, err := v.container.AppendBlob(newBlob)
	if err != nil {
		return zero, newErr(KindIo, err)
	}
	wrapNonce, wrappedDEK, err := vkeys.WrapDataKey(v.mk, dek)
	if err != nil {
		return zero, newErr(KindIo, err)
	}

	newEntry := vindex.Entry{
		FileID:      fileID,
		Name:        newName,
		Mime:        entry.Mime,
		Type:        entry.Type,
		CreatedAtMS: nowMS(),
		Size:        entry.Size,
		Layout: vindex.Layout{
			Tag:        vindex.LayoutInline,
			BlobOffset: offset,
			BlobLen:    uint64(len(newBlob)),
		},
		DEKWrapNonce: wrapNonce,
		DEKWrapCT:    wrappedDEK,
	}
	next := v.index.Clone()
	if err := next.Insert(newEntry); err != nil {
		return zero, newErr(KindCorrupt, err)
	}
	if err := v.commitIndexLocked(next); err != nil {
		return zero, err
	}
	return fileID, nil
}

func (v *Vault) copyChunkedLocked(entry vindex.Entry, srcDEK vkeys.DataKey, newName string) ([vindex.FileIDSize]byte, error) {
	var zero [vindex.FileIDSize]byte
	fileID, err := randomFileID()
	if err != nil {
		return zero, newErr(KindIo, err)
	}
	dek, err := vkeys.NewDataKey()
	if err != nil {
		return zero, newErr(KindIo, err)
	}
	defer dek.Zeroize()

	targetSize := uint32(v.cfg.ChunkSize)
	var chunks []vindex.Chunk
	buf := make([]byte, 0, targetSize)

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		blob, err := sealBlob(dek.Bytes(), buf)
		if err != nil {
			return err
		}
		offset, err := v.container.AppendBlob(blob)
		if err != nil {
			return err
		}
		chunks = append(chunks, vindex.Chunk{Offset: offset, Len: uint32(len(blob))})
		crypto.Zeroize(buf)
		buf = buf[:0]
		return nil
	}

	for i := range entry.Layout.Chunks {
		plain, err := v.readChunkLocked(entry, srcDEK, i)
		if err != nil {
			return zero, err
		}
		for len(plain) > 0 {
			room := int(targetSize) - len(buf)
			n := len(plain)
			if n > room {
				n = room
			}
			buf = append(buf, plain[:n]...)
			plain = plain[n:]
			if len(buf) == int(targetSize) {
				if err := flush(); err != nil {
					crypto.Zeroize(plain)
					return zero, newErr(KindIo, err)
				}
			}
		}
		crypto.Zeroize(plain)
	}
	if err := flush(); err != nil {
		return zero, newErr(KindIo, err)
	}

	wrapNonce, wrappedDEK, err := vkeys.WrapDataKey(v.mk, dek)
	if err != nil {
		return zero, newErr(KindIo, err)
	}
	newEntry := vindex.Entry{
		FileID:      fileID,
		Name:        newName,
		Mime:        entry.Mime,
		Type:        entry.Type,
		CreatedAtMS: nowMS(),
		Size:        entry.Size,
		Layout: vindex.Layout{
			Tag:        vindex.LayoutChunked,
			ChunkSize:  targetSize,
			ChunkCount: uint32(len(chunks)),
			Chunks:     chunks,
		},
		DEKWrapNonce: wrapNonce,
		DEKWrapCT:    wrappedDEK,
	}
	next := v.index.Clone()
	if err := next.Insert(newEntry); err != nil {
		return zero, newErr(KindCorrupt, err)
	}
	if err := v.commitIndexLocked(next); err != nil {
		return zero, err
	}
	return fileID, nil
}
