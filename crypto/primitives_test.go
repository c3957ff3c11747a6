package crypto

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := Random(KeySize)
	if err != nil {
		t.Fatal(err)
	}
	aad := []byte("aad")
	plaintext := []byte("hel")

	nonce, ct, err := Seal(key, aad, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if len(nonce) != NonceSize {
		t.Fatalf("nonce length = %d, want %d", len(nonce), NonceSize)
	}

	got, err := Open(key, nonce, aad, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestOpenWrongAADFails(t *testing.T) {
	key, _ := Random(KeySize)
	nonce, ct, err := Seal(key, []byte("aad1"), []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(key, nonce, []byte("aad2"), ct); err != ErrAuthFail {
		t.Fatalf("err = %v, want ErrAuthFail", err)
	}
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	key, _ := Random(KeySize)
	nonce, ct, err := Seal(key, nil, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	ct[0] ^= 0xFF
	if _, err := Open(key, nonce, nil, ct); err != ErrAuthFail {
		t.Fatalf("err = %v, want ErrAuthFail", err)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	key1, _ := Random(KeySize)
	key2, _ := Random(KeySize)
	nonce, ct, err := Seal(key1, nil, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(key2, nonce, nil, ct); err != ErrAuthFail {
		t.Fatalf("err = %v, want ErrAuthFail", err)
	}
}

func TestParamsForProfile(t *testing.T) {
	cases := []struct {
		profile Profile
		memKiB  uint32
		iters   uint32
	}{
		{ProfileLow, 32 * 1024, 3},
		{ProfileMedium, 128 * 1024, 10},
		{ProfileHigh, 256 * 1024, 12},
	}
	for _, c := range cases {
		p, err := ParamsForProfile(c.profile)
		if err != nil {
			t.Fatal(err)
		}
		if p.MemKiB != c.memKiB || p.Iterations != c.iters || p.Parallelism != 1 {
			t.Fatalf("profile %s: got %+v", c.profile, p)
		}
	}
	if _, err := ParamsForProfile("bogus"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, _ := Random(16)
	params, _ := ParamsForProfile(ProfileLow)
	k1 := DeriveKey([]byte("correct horse battery staple"), salt, params)
	k2 := DeriveKey([]byte("correct horse battery staple"), salt, params)
	if !bytes.Equal(k1, k2) {
		t.Fatal("same inputs produced different keys")
	}
	k3 := DeriveKey([]byte("wrong"), salt, params)
	if bytes.Equal(k1, k3) {
		t.Fatal("different passphrases produced the same key")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual([]byte("abc"), []byte("abc")) {
		t.Fatal("expected equal")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("abd")) {
		t.Fatal("expected not equal")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("ab")) {
		t.Fatal("expected length mismatch to be not equal")
	}
}

func TestZeroize(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	Zeroize(buf)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not wiped: %v", i, buf)
		}
	}
	// must not panic on empty slice
	Zeroize(nil)
}
