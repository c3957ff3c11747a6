package vcontainer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/coldvault/vault/crypto"
	"github.com/coldvault/vault/vheader"
)

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "vault.bin")
}

func fileForTamper(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0o600)
}

func buildTestSlot(t *testing.T, seq uint64, indexOff uint64, indexLen uint32) vheader.Slot {
	t.Helper()
	salt, _ := crypto.Random(16)
	params, _ := crypto.ParamsForProfile(crypto.ProfileLow)
	kek := crypto.DeriveKey([]byte("pass"), salt, params)
	mk, _ := crypto.Random(crypto.KeySize)
	nonce, wrapped, err := crypto.Seal(kek, nil, mk)
	if err != nil {
		t.Fatal(err)
	}
	return vheader.Slot{
		Seq:       seq,
		KDFAlg:    vheader.KDFAlgArgon2id,
		KDFParams: params,
		Salt:      salt,
		WrapNonce: nonce,
		WrappedMK: wrapped,
		IndexOff:  indexOff,
		IndexLen:  indexLen,
	}
}

func TestCreateContainerHasNoActiveSlotUntilBootstrapped(t *testing.T) {
	c, err := CreateContainer(tempPath(t))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.ActiveSlot(); err != vheader.ErrAllSlotsCorrupt {
		t.Fatalf("err = %v, want ErrAllSlotsCorrupt before bootstrap", err)
	}
}

func TestBootstrapThenReadActiveSlot(t *testing.T) {
	c, err := CreateContainer(tempPath(t))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	slot := buildTestSlot(t, 1, c.DataEnd(), 0)
	if err := c.BootstrapFirstSlot(slot); err != nil {
		t.Fatal(err)
	}
	if err := c.SyncIntegrityTail(); err != nil {
		t.Fatal(err)
	}

	active, err := c.ActiveSlot()
	if err != nil {
		t.Fatal(err)
	}
	if active.Index != 0 || active.Slot.Seq != 1 {
		t.Fatalf("got index=%d seq=%d, want index=0 seq=1", active.Index, active.Slot.Seq)
	}
}

func TestAppendBlobAndReadAtRoundTrip(t *testing.T) {
	c, err := CreateContainer(tempPath(t))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	payload := []byte("some ciphertext bytes")
	off, err := c.AppendBlob(payload)
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.ReadAt(off, uint32(len(payload)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestReadAtBeyondDataEndFails(t *testing.T) {
	c, err := CreateContainer(tempPath(t))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.ReadAt(c.DataEnd()+1000, 10); err == nil {
		t.Fatal("expected error reading beyond committed data region")
	}
}

func TestOpenContainerDetectsMatchingIntegrityTail(t *testing.T) {
	path := tempPath(t)
	c, err := CreateContainer(path)
	if err != nil {
		t.Fatal(err)
	}

	slot := buildTestSlot(t, 1, c.DataEnd(), 0)
	if err := c.BootstrapFirstSlot(slot); err != nil {
		t.Fatal(err)
	}
	payload := []byte("hello vault")
	if _, err := c.AppendBlob(payload); err != nil {
		t.Fatal(err)
	}
	if err := c.SyncIntegrityTail(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, tailOK, err := OpenContainer(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if !tailOK {
		t.Fatal("expected integrity tail to verify")
	}

	active, err := reopened.ActiveSlot()
	if err != nil {
		t.Fatal(err)
	}
	if active.Slot.Seq != 1 {
		t.Fatalf("seq = %d, want 1", active.Slot.Seq)
	}
}

func TestOpenContainerDetectsTamperedIntegrityTail(t *testing.T) {
	path := tempPath(t)
	c, err := CreateContainer(path)
	if err != nil {
		t.Fatal(err)
	}
	slot := buildTestSlot(t, 1, c.DataEnd(), 0)
	if err := c.BootstrapFirstSlot(slot); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AppendBlob([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := c.SyncIntegrityTail(); err != nil {
		t.Fatal(err)
	}
	dataEnd := c.DataEnd()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := fileForTamper(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteAt([]byte{0xFF}, int64(dataEnd)); err != nil {
		t.Fatal(err)
	}

	reopened, tailOK, err := OpenContainer(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if tailOK {
		t.Fatal("expected tampered integrity tail to be detected as mismatching")
	}
}

func TestFlipSlotMovesActiveSlot(t *testing.T) {
	c, err := CreateContainer(tempPath(t))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	slot0 := buildTestSlot(t, 1, c.DataEnd(), 0)
	if err := c.BootstrapFirstSlot(slot0); err != nil {
		t.Fatal(err)
	}
	if err := c.SyncIntegrityTail(); err != nil {
		t.Fatal(err)
	}

	active, err := c.ActiveSlot()
	if err != nil {
		t.Fatal(err)
	}

	slot1 := buildTestSlot(t, active.Slot.Seq+1, c.DataEnd(), 0)
	if err := c.FlipSlot(active.Index, slot1); err != nil {
		t.Fatal(err)
	}
	if err := c.SyncIntegrityTail(); err != nil {
		t.Fatal(err)
	}

	active2, err := c.ActiveSlot()
	if err != nil {
		t.Fatal(err)
	}
	if active2.Index != 1 || active2.Slot.Seq != 2 {
		t.Fatalf("got index=%d seq=%d, want index=1 seq=2", active2.Index, active2.Slot.Seq)
	}
}
