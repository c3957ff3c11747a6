package engine

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/coldvault/vault/vindex"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.KDFProfile = "low" // argon2id at full cost makes every test painfully slow
	return cfg
}

func tempVaultPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "vault.bin")
}

func TestCreateImportReopenRoundTrip(t *testing.T) {
	path := tempVaultPath(t)
	pass := []byte("correct horse battery staple")

	v, err := Create(path, pass, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := []byte{0x01, 0x02, 0x03}
	fileID, err := v.Import("note.txt", "text/plain", vindex.TypeText, data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	v2, err := Open(path, pass, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v2.Close()

	got, err := v2.ReadFile(fileID)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %v, want %v", got, data)
	}
	entry, err := v2.Get(fileID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Name != "note.txt" {
		t.Fatalf("name = %q", entry.Name)
	}
}

func TestOpenWithWrongPassphraseFails(t *testing.T) {
	path := tempVaultPath(t)
	v, err := Create(path, []byte("right password"), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = Open(path, []byte("wrong password"), testConfig(), discardLogger())
	if err == nil {
		t.Fatal("expected Open to fail under the wrong passphrase")
	}
	if kind, ok := KindOf(err); !ok || kind != KindAuthFail {
		t.Fatalf("kind = %v, ok = %v, want AuthFail", kind, ok)
	}
}

func TestStreamingImportOutOfOrderChunks(t *testing.T) {
	path := tempVaultPath(t)
	v, err := Create(path, []byte("streaming pass"), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer v.Close()

	const chunkSize = 4 << 20 // 4 MiB, the default
	const totalSize = 10 * (1 << 20)
	v.cfg.ChunkSize = ChunkSize(chunkSize)

	importID, gotChunkSize, chunkCount, err := v.StreamingStart("file://source", nil, "movie.bin", "application/octet-stream", vindex.TypeBinary, uint64(totalSize))
	if err != nil {
		t.Fatalf("StreamingStart: %v", err)
	}
	if int(gotChunkSize) != chunkSize {
		t.Fatalf("chunk size = %d, want %d", gotChunkSize, chunkSize)
	}

	full := make([]byte, totalSize)
	for i := range full {
		full[i] = byte(i)
	}

	chunkAt := func(i uint32) []byte {
		start := int(i) * chunkSize
		end := start + chunkSize
		if end > totalSize {
			end = totalSize
		}
		return full[start:end]
	}

	order := []uint32{}
	for i := chunkCount; i > 0; i-- {
		order = append(order, i-1)
	}
	for _, idx := range order {
		if err := v.StreamingWriteChunk(importID, chunkAt(idx), idx); err != nil {
			t.Fatalf("StreamingWriteChunk(%d): %v", idx, err)
		}
	}

	fileID, err := v.StreamingFinish(importID)
	if err != nil {
		t.Fatalf("StreamingFinish: %v", err)
	}

	got, err := v.ReadFile(fileID)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, full) {
		t.Fatalf("reassembled content mismatch, got %d bytes want %d", len(got), len(full))
	}
}

func TestStreamingWriteChunkRejectsDuplicate(t *testing.T) {
	path := tempVaultPath(t)
	v, err := Create(path, []byte("dup pass"), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer v.Close()

	defaultChunkSize := uint64(v.cfg.ChunkSize)
	importID, chunkSize, chunkCount, err := v.StreamingStart("", nil, "a.bin", "application/octet-stream", vindex.TypeBinary, defaultChunkSize*2)
	if err != nil {
		t.Fatalf("StreamingStart: %v", err)
	}
	if chunkCount != 2 {
		t.Fatalf("chunkCount = %d, want 2", chunkCount)
	}
	chunk := make([]byte, chunkSize)

	if err := v.StreamingWriteChunk(importID, chunk, 0); err != nil {
		t.Fatalf("first write: %v", err)
	}
	err = v.StreamingWriteChunk(importID, chunk, 0)
	if err == nil {
		t.Fatal("expected duplicate chunk write to fail")
	}
	if kind, ok := KindOf(err); !ok || kind != KindDuplicateChunk {
		t.Fatalf("kind = %v, ok = %v, want DuplicateChunk", kind, ok)
	}
}

func TestStreamingFinishRejectsIncompleteImport(t *testing.T) {
	path := tempVaultPath(t)
	v, err := Create(path, []byte("incomplete pass"), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer v.Close()

	defaultChunkSize := uint64(v.cfg.ChunkSize)
	importID, chunkSize, chunkCount, err := v.StreamingStart("", nil, "b.bin", "application/octet-stream", vindex.TypeBinary, defaultChunkSize*2)
	if err != nil {
		t.Fatalf("StreamingStart: %v", err)
	}
	if chunkCount != 2 {
		t.Fatalf("chunkCount = %d, want 2", chunkCount)
	}
	if err := v.StreamingWriteChunk(importID, make([]byte, chunkSize), 0); err != nil {
		t.Fatalf("write chunk 0: %v", err)
	}

	_, err = v.StreamingFinish(importID)
	if err == nil {
		t.Fatal("expected StreamingFinish to fail with a missing chunk")
	}
	if kind, ok := KindOf(err); !ok || kind != KindIncompleteImport {
		t.Fatalf("kind = %v, ok = %v, want IncompleteImport", kind, ok)
	}
}

func TestChangePassphraseRoundTrip(t *testing.T) {
	path := tempVaultPath(t)
	oldPass := []byte("old passphrase")
	newPass := []byte("new passphrase")

	v, err := Create(path, oldPass, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fileID, err := v.Import("x.txt", "text/plain", vindex.TypeText, []byte("hello"))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if err := v.ChangePassphrase(oldPass, newPass); err != nil {
		t.Fatalf("ChangePassphrase: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := Open(path, oldPass, testConfig(), discardLogger()); err == nil {
		t.Fatal("expected old passphrase to be rejected after change")
	}

	v2, err := Open(path, newPass, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Open with new passphrase: %v", err)
	}
	defer v2.Close()
	got, err := v2.ReadFile(fileID)
	if err != nil {
		t.Fatalf("ReadFile after passphrase change: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestDeleteThenCompactReclaimsSpace(t *testing.T) {
	path := tempVaultPath(t)
	v, err := Create(path, []byte("compact pass"), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer v.Close()

	keepID, err := v.Import("keep.txt", "text/plain", vindex.TypeText, []byte("keep me"))
	if err != nil {
		t.Fatalf("Import keep: %v", err)
	}
	dropID, err := v.Import("drop.txt", "text/plain", vindex.TypeText, bytes.Repeat([]byte{0xAA}, 1<<16))
	if err != nil {
		t.Fatalf("Import drop: %v", err)
	}
	if err := v.Delete(dropID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	sizeBefore, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if err := v.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	sizeAfter, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after compact: %v", err)
	}
	if sizeAfter.Size() >= sizeBefore.Size() {
		t.Fatalf("expected compact to shrink the file: before=%d after=%d", sizeBefore.Size(), sizeAfter.Size())
	}

	got, err := v.ReadFile(keepID)
	if err != nil {
		t.Fatalf("ReadFile after compact: %v", err)
	}
	if string(got) != "keep me" {
		t.Fatalf("got %q", got)
	}
	if _, err := v.Get(dropID); err == nil {
		t.Fatal("expected deleted entry to stay gone after compact")
	}
}

func TestCopyMintsFreshDEK(t *testing.T) {
	path := tempVaultPath(t)
	v, err := Create(path, []byte("copy pass"), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer v.Close()

	srcID, err := v.Import("src.txt", "text/plain", vindex.TypeText, []byte("payload"))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	dstID, err := v.Copy(srcID, "copy.txt")
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if dstID == srcID {
		t.Fatal("copy must mint a new file_id")
	}

	srcEntry, err := v.Get(srcID)
	if err != nil {
		t.Fatalf("Get src: %v", err)
	}
	dstEntry, err := v.Get(dstID)
	if err != nil {
		t.Fatalf("Get dst: %v", err)
	}
	if bytes.Equal(srcEntry.DEKWrapCT, dstEntry.DEKWrapCT) {
		t.Fatal("copy must not reuse the source's wrapped DEK")
	}

	got, err := v.ReadFile(dstID)
	if err != nil {
		t.Fatalf("ReadFile copy: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestFromEntriesRejectsDuplicateFileID(t *testing.T) {
	// FromEntries (used by Open) must reject an index with a duplicate
	// file_id as Corrupt rather than silently keeping only one entry.
	entries := []vindex.Entry{
		{FileID: [16]byte{1}, Name: "a", Layout: vindex.Layout{Tag: vindex.LayoutInline}},
		{FileID: [16]byte{1}, Name: "b", Layout: vindex.Layout{Tag: vindex.LayoutInline}},
	}
	if _, err := vindex.FromEntries(entries); err == nil {
		t.Fatal("expected duplicate file_id to be rejected")
	}
}

func TestRenameAndFindByName(t *testing.T) {
	path := tempVaultPath(t)
	v, err := Create(path, []byte("rename pass"), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer v.Close()

	fileID, err := v.Import("old.txt", "text/plain", vindex.TypeText, []byte("v"))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if err := v.Rename(fileID, "new.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	matches, err := v.FindByName("new.txt")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if len(matches) != 1 || matches[0] != fileID {
		t.Fatalf("FindByName(new.txt) = %v", matches)
	}
	if matches, _ := v.FindByName("old.txt"); len(matches) != 0 {
		t.Fatalf("expected no matches for the old name, got %v", matches)
	}
}

func TestStreamingAbortDiscardsImport(t *testing.T) {
	path := tempVaultPath(t)
	v, err := Create(path, []byte("abort pass"), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer v.Close()

	defaultChunkSize := uint64(v.cfg.ChunkSize)
	importID, chunkSize, _, err := v.StreamingStart("", nil, "c.bin", "application/octet-stream", vindex.TypeBinary, defaultChunkSize)
	if err != nil {
		t.Fatalf("StreamingStart: %v", err)
	}
	if err := v.StreamingWriteChunk(importID, make([]byte, chunkSize), 0); err != nil {
		t.Fatalf("StreamingWriteChunk: %v", err)
	}
	if err := v.StreamingAbort(importID); err != nil {
		t.Fatalf("StreamingAbort: %v", err)
	}
	if _, err := v.StreamingFinish(importID); err == nil {
		t.Fatal("expected StreamingFinish to fail for an aborted import")
	}
	if len(v.index.List()) != 0 {
		t.Fatalf("abort must not add an index entry, got %d", len(v.index.List()))
	}
}

func TestUseAfterCloseFailsWithLocked(t *testing.T) {
	path := tempVaultPath(t)
	v, err := Create(path, []byte("closed pass"), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err = v.List()
	if err == nil {
		t.Fatal("expected List on a closed vault to fail")
	}
	if kind, ok := KindOf(err); !ok || kind != KindLocked {
		t.Fatalf("kind = %v, ok = %v, want Locked", kind, ok)
	}
}
