package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	keys, err := Derive(secret)
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("sdp offer payload, opaque to the server")
	frame, err := Encrypt(keys.KSig, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decrypt(keys.KSig, frame)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestDecryptFailsOnBitFlip(t *testing.T) {
	secret, _ := GenerateSecret()
	keys, _ := Derive(secret)
	frame, err := Encrypt(keys.KSig, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	flipped := append([]byte(nil), frame...)
	flipped[len(flipped)-1] ^= 0x01
	if _, err := Decrypt(keys.KSig, flipped); err != ErrDecryptFailed {
		t.Fatalf("err = %v, want ErrDecryptFailed", err)
	}
}

func TestDecryptFailsOnWrongKey(t *testing.T) {
	secretA, _ := GenerateSecret()
	secretB, _ := GenerateSecret()
	keysA, _ := Derive(secretA)
	keysB, _ := Derive(secretB)
	frame, err := Encrypt(keysA.KSig, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(keysB.KSig, frame); err != ErrDecryptFailed {
		t.Fatalf("err = %v, want ErrDecryptFailed", err)
	}
}

func TestSASIsDeterministic(t *testing.T) {
	secret, _ := GenerateSecret()
	a, err := Derive(secret)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Derive(secret)
	if err != nil {
		t.Fatal(err)
	}
	if a.SAS != b.SAS {
		t.Fatalf("SAS not deterministic: %q != %q", a.SAS, b.SAS)
	}
	if len(a.SAS) != 16 {
		t.Fatalf("SAS length = %d, want 16", len(a.SAS))
	}
}

func TestSASDistinctForDistinctSecrets(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		secret, err := GenerateSecret()
		if err != nil {
			t.Fatal(err)
		}
		keys, err := Derive(secret)
		if err != nil {
			t.Fatal(err)
		}
		if seen[keys.SAS] {
			t.Fatalf("collision on SAS %q across 100 random secrets", keys.SAS)
		}
		seen[keys.SAS] = true
	}
}
