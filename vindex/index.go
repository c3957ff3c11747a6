// Package vindex implements the container's encrypted file catalog: the
// in-memory entry list, its bit-exact serialization, and the single AEAD
// blob it is sealed into under the master key. vcontainer persists the
// sealed blob; engine drives inserts/updates/deletes inside the write lock.
package vindex

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/coldvault/vault/crypto"
)

// FileIDSize is the width of a random file identifier.
const FileIDSize = 16

// EntryType classifies an entry for UI presentation; it has no bearing on
// how the bytes are stored or encrypted.
type EntryType uint8

const (
	TypeImage EntryType = iota
	TypeVideo
	TypeAudio
	TypeDocument
	TypeText
	TypeBinary
)

// LayoutTag distinguishes a single-blob entry from a chunked one.
type LayoutTag uint8

const (
	LayoutInline  LayoutTag = 0
	LayoutChunked LayoutTag = 1
)

// Chunk records one chunk's position within the data region.
type Chunk struct {
	Offset uint64
	Len    uint32
}

// Layout is the tagged union of Inline{BlobOffset,BlobLen} and
// Chunked{ChunkSize,ChunkCount,Chunks}; only the fields matching Tag are
// meaningful.
type Layout struct {
	Tag LayoutTag

	BlobOffset uint64
	BlobLen    uint64

	ChunkSize  uint32
	ChunkCount uint32
	Chunks     []Chunk
}

// Entry is one catalogued file. DEKWrapNonce and DEKWrapCT (ciphertext with
// its tag) hold the AEAD-sealed data key, opened via vkeys.UnwrapDataKey
// under the container's master key.
type Entry struct {
	FileID       [FileIDSize]byte
	Name         string
	Mime         string
	Type         EntryType
	CreatedAtMS  uint64
	Size         uint64
	Layout       Layout
	DEKWrapNonce []byte // crypto.NonceSize
	DEKWrapCT    []byte // crypto.KeySize + crypto.TagSize, combined
	Extra        []byte
}

var (
	ErrDuplicateFileID  = errors.New("vindex: duplicate file_id")
	ErrEntryNotFound    = errors.New("vindex: entry not found")
	ErrShortBuffer      = errors.New("vindex: buffer too short")
	ErrNameTooLong      = errors.New("vindex: name exceeds 1 KiB")
	ErrMimeTooLong      = errors.New("vindex: mime exceeds 256 bytes")
	ErrUnknownLayoutTag = errors.New("vindex: unknown layout tag")
)

const (
	maxNameLen = 1024
	maxMimeLen = 256
)

// Index is the decrypted, in-memory file catalog. It is not safe for
// concurrent use; engine serializes access via its write lock.
type Index struct {
	entries []Entry
	byID    map[[FileIDSize]byte]int // file_id -> index into entries
}

// New returns an empty index.
func New() *Index {
	return &Index{byID: make(map[[FileIDSize]byte]int)}
}

// FromEntries builds an index from a decoded entry list (after unlock or
// compact), validating the unique-file_id invariant.
func FromEntries(entries []Entry) (*Index, error) {
	ix := New()
	for _, e := range entries {
		if err := ix.Insert(e); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

// Clone returns an independent copy for speculative mutation: the caller
// can Insert/Update/Delete on the clone and discard it if the enclosing
// transaction fails, without disturbing the original.
func (ix *Index) Clone() *Index {
	clone := New()
	for _, e := range ix.entries {
		_ = clone.Insert(e)
	}
	return clone
}

// List returns every entry, in catalog order.
func (ix *Index) List() []Entry {
	return append([]Entry(nil), ix.entries...)
}

// Get looks up a single entry by file_id.
func (ix *Index) Get(fileID [FileIDSize]byte) (Entry, error) {
	i, ok := ix.byID[fileID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return ix.entries[i], nil
}

// FindByName returns the file_ids of every entry with an exact name match.
func (ix *Index) FindByName(name string) [][FileIDSize]byte {
	matches := lo.Filter(ix.entries, func(e Entry, _ int) bool { return e.Name == name })
	return lo.Map(matches, func(e Entry, _ int) [FileIDSize]byte { return e.FileID })
}

// Insert adds a new entry, rejecting a colliding file_id.
func (ix *Index) Insert(e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	if _, exists := ix.byID[e.FileID]; exists {
		return ErrDuplicateFileID
	}
	ix.byID[e.FileID] = len(ix.entries)
	ix.entries = append(ix.entries, e)
	return nil
}

// Update replaces an existing entry in place.
func (ix *Index) Update(e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	i, ok := ix.byID[e.FileID]
	if !ok {
		return ErrEntryNotFound
	}
	ix.entries[i] = e
	return nil
}

// Delete removes an entry from the catalog. The data region is not
// reclaimed until compact.
func (ix *Index) Delete(fileID [FileIDSize]byte) error {
	i, ok := ix.byID[fileID]
	if !ok {
		return ErrEntryNotFound
	}
	last := len(ix.entries) - 1
	ix.entries[i] = ix.entries[last]
	ix.entries = ix.entries[:last]
	delete(ix.byID, fileID)
	if i != last {
		ix.byID[ix.entries[i].FileID] = i
	}
	return nil
}

func validate(e Entry) error {
	if len(e.Name) > maxNameLen {
		return ErrNameTooLong
	}
	if len(e.Mime) > maxMimeLen {
		return ErrMimeTooLong
	}
	switch e.Layout.Tag {
	case LayoutInline, LayoutChunked:
	default:
		return ErrUnknownLayoutTag
	}
	return nil
}

// Encode serializes the full entry list per the on-disk plaintext format:
// entry_count:u32 followed by that many fixed/variable records.
func Encode(entries []Entry) []byte {
	size := 4
	for _, e := range entries {
		size += entrySize(e)
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(entries)))
	off += 4
	for _, e := range entries {
		off += encodeEntry(buf[off:], e)
	}
	return buf
}

func entrySize(e Entry) int {
	n := FileIDSize + 2 + len(e.Name) + 2 + len(e.Mime) + 1 + 8 + 8 + 1
	switch e.Layout.Tag {
	case LayoutInline:
		n += 8 + 8
	case LayoutChunked:
		n += 4 + 4 + len(e.Layout.Chunks)*(8+4)
	}
	n += len(e.DEKWrapNonce) + len(e.DEKWrapCT)
	n += 4 + len(e.Extra)
	return n
}

func encodeEntry(buf []byte, e Entry) int {
	off := 0
	copy(buf[off:], e.FileID[:])
	off += FileIDSize

	binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Name)))
	off += 2
	copy(buf[off:], e.Name)
	off += len(e.Name)

	binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Mime)))
	off += 2
	copy(buf[off:], e.Mime)
	off += len(e.Mime)

	buf[off] = byte(e.Type)
	off++

	binary.LittleEndian.PutUint64(buf[off:], e.CreatedAtMS)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], e.Size)
	off += 8

	buf[off] = byte(e.Layout.Tag)
	off++
	switch e.Layout.Tag {
	case LayoutInline:
		binary.LittleEndian.PutUint64(buf[off:], e.Layout.BlobOffset)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], e.Layout.BlobLen)
		off += 8
	case LayoutChunked:
		binary.LittleEndian.PutUint32(buf[off:], e.Layout.ChunkSize)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Layout.Chunks)))
		off += 4
		for _, c := range e.Layout.Chunks {
			binary.LittleEndian.PutUint64(buf[off:], c.Offset)
			off += 8
			binary.LittleEndian.PutUint32(buf[off:], c.Len)
			off += 4
		}
	}

	copy(buf[off:], e.DEKWrapNonce)
	off += len(e.DEKWrapNonce)
	copy(buf[off:], e.DEKWrapCT)
	off += len(e.DEKWrapCT)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Extra)))
	off += 4
	copy(buf[off:], e.Extra)
	off += len(e.Extra)

	return off
}

// Decode parses the plaintext produced by Encode.
func Decode(buf []byte) ([]Entry, error) {
	if len(buf) < 4 {
		return nil, ErrShortBuffer
	}
	count := binary.LittleEndian.Uint32(buf)
	off := 4
	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, n, err := decodeEntry(buf[off:])
		if err != nil {
			return nil, fmt.Errorf("vindex: entry %d: %w", i, err)
		}
		entries = append(entries, e)
		off += n
	}
	return entries, nil
}

func decodeEntry(buf []byte) (Entry, int, error) {
	var e Entry
	off := 0

	if len(buf) < FileIDSize {
		return Entry{}, 0, ErrShortBuffer
	}
	copy(e.FileID[:], buf[off:off+FileIDSize])
	off += FileIDSize

	name, n, err := readLenPrefixed16(buf[off:])
	if err != nil {
		return Entry{}, 0, err
	}
	e.Name = string(name)
	off += n

	mime, n, err := readLenPrefixed16(buf[off:])
	if err != nil {
		return Entry{}, 0, err
	}
	e.Mime = string(mime)
	off += n

	if len(buf) < off+1 {
		return Entry{}, 0, ErrShortBuffer
	}
	e.Type = EntryType(buf[off])
	off++

	if len(buf) < off+16 {
		return Entry{}, 0, ErrShortBuffer
	}
	e.CreatedAtMS = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.Size = binary.LittleEndian.Uint64(buf[off:])
	off += 8

	if len(buf) < off+1 {
		return Entry{}, 0, ErrShortBuffer
	}
	tag := LayoutTag(buf[off])
	off++
	switch tag {
	case LayoutInline:
		if len(buf) < off+16 {
			return Entry{}, 0, ErrShortBuffer
		}
		e.Layout.Tag = LayoutInline
		e.Layout.BlobOffset = binary.LittleEndian.Uint64(buf[off:])
		off += 8
		e.Layout.BlobLen = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	case LayoutChunked:
		if len(buf) < off+8 {
			return Entry{}, 0, ErrShortBuffer
		}
		e.Layout.Tag = LayoutChunked
		e.Layout.ChunkSize = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		chunkCount := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		e.Layout.ChunkCount = chunkCount
		e.Layout.Chunks = make([]Chunk, 0, chunkCount)
		for i := uint32(0); i < chunkCount; i++ {
			if len(buf) < off+12 {
				return Entry{}, 0, ErrShortBuffer
			}
			c := Chunk{
				Offset: binary.LittleEndian.Uint64(buf[off:]),
				Len:    binary.LittleEndian.Uint32(buf[off+8:]),
			}
			off += 12
			e.Layout.Chunks = append(e.Layout.Chunks, c)
		}
	default:
		return Entry{}, 0, ErrUnknownLayoutTag
	}

	wrapLen := crypto.NonceSize + crypto.KeySize + crypto.TagSize
	if len(buf) < off+wrapLen {
		return Entry{}, 0, ErrShortBuffer
	}
	e.DEKWrapNonce = append([]byte(nil), buf[off:off+crypto.NonceSize]...)
	off += crypto.NonceSize
	e.DEKWrapCT = append([]byte(nil), buf[off:off+crypto.KeySize+crypto.TagSize]...)
	off += crypto.KeySize + crypto.TagSize

	if len(buf) < off+4 {
		return Entry{}, 0, ErrShortBuffer
	}
	extraLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if len(buf) < off+int(extraLen) {
		return Entry{}, 0, ErrShortBuffer
	}
	e.Extra = append([]byte(nil), buf[off:off+int(extraLen)]...)
	off += int(extraLen)

	return e, off, nil
}

func readLenPrefixed16(buf []byte) ([]byte, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrShortBuffer
	}
	n := int(binary.LittleEndian.Uint16(buf))
	if len(buf) < 2+n {
		return nil, 0, ErrShortBuffer
	}
	return buf[2 : 2+n], 2 + n, nil
}

// Seal encrypts the entry list under mk, producing the on-disk index blob:
// nonce[24] || pt_len:u32 || ciphertext || tag[16].
func Seal(mk []byte, entries []Entry) ([]byte, error) {
	plaintext := Encode(entries)
	nonce, sealed, err := crypto.Seal(mk, nil, plaintext)
	if err != nil {
		return nil, err
	}
	if len(sealed) < crypto.TagSize {
		return nil, fmt.Errorf("vindex: sealed output shorter than tag size")
	}
	ct := sealed[:len(sealed)-crypto.TagSize]
	tag := sealed[len(sealed)-crypto.TagSize:]

	out := make([]byte, 0, crypto.NonceSize+4+len(ct)+crypto.TagSize)
	out = append(out, nonce...)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(plaintext)))
	out = append(out, lenBuf...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out, nil
}

// Open decrypts an on-disk index blob under mk and returns the entry list.
func Open(mk []byte, blob []byte) ([]Entry, error) {
	if len(blob) < crypto.NonceSize+4+crypto.TagSize {
		return nil, ErrShortBuffer
	}
	off := 0
	nonce := blob[off : off+crypto.NonceSize]
	off += crypto.NonceSize
	ptLen := binary.LittleEndian.Uint32(blob[off:])
	off += 4
	ctLen := len(blob) - off - crypto.TagSize
	if ctLen < 0 || uint32(ctLen) != ptLen {
		return nil, ErrShortBuffer
	}
	sealed := blob[off:]
	plaintext, err := crypto.Open(mk, nonce, nil, sealed)
	if err != nil {
		return nil, err
	}
	return Decode(plaintext)
}
