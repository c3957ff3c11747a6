package vindex

import (
	"bytes"
	"testing"

	"github.com/coldvault/vault/crypto"
)

func fileID(b byte) [FileIDSize]byte {
	var id [FileIDSize]byte
	id[0] = b
	return id
}

func dekWrap(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, _ := crypto.Random(crypto.KeySize)
	nonce, ct, err := crypto.Seal(key, nil, make([]byte, crypto.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	return nonce, ct
}

func inlineEntry(t *testing.T, id byte, name string) Entry {
	nonce, ct := dekWrap(t)
	return Entry{
		FileID:       fileID(id),
		Name:         name,
		Mime:         "text/plain",
		Type:         TypeText,
		CreatedAtMS:  1000,
		Size:         3,
		Layout:       Layout{Tag: LayoutInline, BlobOffset: 512, BlobLen: 35},
		DEKWrapNonce: nonce,
		DEKWrapCT:    ct,
		Extra:        nil,
	}
}

func chunkedEntry(t *testing.T, id byte, name string) Entry {
	nonce, ct := dekWrap(t)
	return Entry{
		FileID:      fileID(id),
		Name:        name,
		Mime:        "video/mp4",
		Type:        TypeVideo,
		CreatedAtMS: 2000,
		Size:        10485760,
		Layout: Layout{
			Tag:        LayoutChunked,
			ChunkSize:  4 * 1024 * 1024,
			ChunkCount: 3,
			Chunks: []Chunk{
				{Offset: 1000, Len: 4*1024*1024 + 40},
				{Offset: 2000, Len: 4*1024*1024 + 40},
				{Offset: 3000, Len: 2*1024*1024 + 40},
			},
		},
		DEKWrapNonce: nonce,
		DEKWrapCT:    ct,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entries := []Entry{inlineEntry(t, 1, "hello.txt"), chunkedEntry(t, 2, "movie.mp4")}
	buf := Encode(entries)
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].Name != "hello.txt" || got[0].Layout.Tag != LayoutInline {
		t.Fatalf("entry 0 mismatch: %+v", got[0])
	}
	if got[1].Name != "movie.mp4" || got[1].Layout.Tag != LayoutChunked || len(got[1].Layout.Chunks) != 3 {
		t.Fatalf("entry 1 mismatch: %+v", got[1])
	}
	if !bytes.Equal(got[0].DEKWrapNonce, entries[0].DEKWrapNonce) {
		t.Fatal("DEK wrap nonce mismatch")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	mk, _ := crypto.Random(crypto.KeySize)
	entries := []Entry{inlineEntry(t, 1, "a.txt")}
	blob, err := Seal(mk, entries)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Open(mk, blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "a.txt" {
		t.Fatalf("got %+v", got)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	mk, _ := crypto.Random(crypto.KeySize)
	wrongMK, _ := crypto.Random(crypto.KeySize)
	blob, err := Seal(mk, []Entry{inlineEntry(t, 1, "a.txt")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(wrongMK, blob); err != crypto.ErrAuthFail {
		t.Fatalf("err = %v, want ErrAuthFail", err)
	}
}

func TestIndexInsertGetListFindByName(t *testing.T) {
	ix := New()
	e1 := inlineEntry(t, 1, "dup.txt")
	e2 := chunkedEntry(t, 2, "dup.txt")
	if err := ix.Insert(e1); err != nil {
		t.Fatal(err)
	}
	if err := ix.Insert(e2); err != nil {
		t.Fatal(err)
	}

	if len(ix.List()) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(ix.List()))
	}

	got, err := ix.Get(fileID(1))
	if err != nil || got.Name != "dup.txt" {
		t.Fatalf("Get(1) = %+v, %v", got, err)
	}

	matches := ix.FindByName("dup.txt")
	if len(matches) != 2 {
		t.Fatalf("FindByName returned %d matches, want 2", len(matches))
	}
}

func TestIndexInsertDuplicateFileIDFails(t *testing.T) {
	ix := New()
	if err := ix.Insert(inlineEntry(t, 1, "a")); err != nil {
		t.Fatal(err)
	}
	if err := ix.Insert(inlineEntry(t, 1, "b")); err != ErrDuplicateFileID {
		t.Fatalf("err = %v, want ErrDuplicateFileID", err)
	}
}

func TestIndexDeleteRemovesEntry(t *testing.T) {
	ix := New()
	_ = ix.Insert(inlineEntry(t, 1, "a"))
	_ = ix.Insert(inlineEntry(t, 2, "b"))
	_ = ix.Insert(inlineEntry(t, 3, "c"))

	if err := ix.Delete(fileID(2)); err != nil {
		t.Fatal(err)
	}
	if len(ix.List()) != 2 {
		t.Fatalf("expected 2 entries after delete, got %d", len(ix.List()))
	}
	if _, err := ix.Get(fileID(2)); err != ErrEntryNotFound {
		t.Fatalf("err = %v, want ErrEntryNotFound", err)
	}
	if _, err := ix.Get(fileID(1)); err != nil {
		t.Fatal("entry 1 should survive deletion of entry 2")
	}
	if _, err := ix.Get(fileID(3)); err != nil {
		t.Fatal("entry 3 should survive deletion of entry 2")
	}
}

func TestIndexDeleteNotFound(t *testing.T) {
	ix := New()
	if err := ix.Delete(fileID(9)); err != ErrEntryNotFound {
		t.Fatalf("err = %v, want ErrEntryNotFound", err)
	}
}

func TestIndexUpdateReplacesEntry(t *testing.T) {
	ix := New()
	_ = ix.Insert(inlineEntry(t, 1, "old-name"))
	updated := inlineEntry(t, 1, "new-name")
	if err := ix.Update(updated); err != nil {
		t.Fatal(err)
	}
	got, _ := ix.Get(fileID(1))
	if got.Name != "new-name" {
		t.Fatalf("got name %q, want new-name", got.Name)
	}
}

func TestInsertRejectsOversizeName(t *testing.T) {
	ix := New()
	e := inlineEntry(t, 1, string(make([]byte, 2000)))
	if err := ix.Insert(e); err != ErrNameTooLong {
		t.Fatalf("err = %v, want ErrNameTooLong", err)
	}
}
