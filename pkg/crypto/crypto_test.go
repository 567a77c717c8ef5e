package crypto

import (
	"bytes"
	"testing"
)

func TestSecretKeyRoundTrip(t *testing.T) {
	key, err := NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey() error = %v", err)
	}

	plaintext := []byte("the quick brown fox")
	ciphertext := key.Encrypt(plaintext)
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	decrypted, err := key.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

func TestSecretKeyDecryptErrors(t *testing.T) {
	key, _ := NewSecretKey()
	other, _ := NewSecretKey()

	tests := []struct {
		name       string
		ciphertext []byte
	}{
		{name: "empty", ciphertext: nil},
		{name: "too short", ciphertext: make([]byte, 10)},
		{name: "wrong key", ciphertext: other.Encrypt([]byte("data"))},
		{name: "tampered", ciphertext: tamper(key.Encrypt([]byte("data")))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := key.Decrypt(tt.ciphertext); err == nil {
				t.Error("Decrypt() succeeded, want error")
			}
		})
	}
}

func tamper(ciphertext []byte) []byte {
	out := append([]byte(nil), ciphertext...)
	out[len(out)-1] ^= 0xff
	return out
}

func TestCanary(t *testing.T) {
	key, _ := NewSecretKey()
	other, _ := NewSecretKey()

	canary := key.Canary()
	if plaintext, err := key.Decrypt(canary); err != nil {
		t.Fatalf("key cannot decrypt its own canary: %v", err)
	} else if len(plaintext) != 0 {
		t.Errorf("canary payload = %q, want empty", plaintext)
	}

	if _, err := other.Decrypt(canary); err == nil {
		t.Error("another key decrypted the canary")
	}
}

func TestSignVerify(t *testing.T) {
	key, err := NewSigningKey()
	if err != nil {
		t.Fatalf("NewSigningKey() error = %v", err)
	}

	payload := []byte("signed payload")
	signed := key.Sign(payload)

	got, err := key.VerifyKey().Verify(signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Verify() = %q, want %q", got, payload)
	}

	// Unsecure unwrap skips the signature check
	unsafePayload, err := UnsecureUnwrapSigned(signed)
	if err != nil {
		t.Fatalf("UnsecureUnwrapSigned() error = %v", err)
	}
	if !bytes.Equal(unsafePayload, payload) {
		t.Errorf("UnsecureUnwrapSigned() = %q, want %q", unsafePayload, payload)
	}

	// A different key must reject the signature
	otherKey, _ := NewSigningKey()
	if _, err := otherKey.VerifyKey().Verify(signed); err == nil {
		t.Error("Verify() with wrong key succeeded")
	}

	// Tampered payload must be rejected
	if _, err := key.VerifyKey().Verify(tamper(signed)); err == nil {
		t.Error("Verify() of tampered blob succeeded")
	}
}

func TestSealedBoxRoundTrip(t *testing.T) {
	privateKey, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}

	plaintext := []byte("access key material")
	sealed, err := privateKey.PublicKey().EncryptForSelf(plaintext)
	if err != nil {
		t.Fatalf("EncryptForSelf() error = %v", err)
	}

	decrypted, err := privateKey.DecryptFromSelf(sealed)
	if err != nil {
		t.Fatalf("DecryptFromSelf() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("DecryptFromSelf() = %q, want %q", decrypted, plaintext)
	}

	otherKey, _ := NewPrivateKey()
	if _, err := otherKey.DecryptFromSelf(sealed); err == nil {
		t.Error("another private key opened the sealed box")
	}
}

func TestHashDigest(t *testing.T) {
	a := HashData([]byte("content"))
	b := HashData([]byte("content"))
	c := HashData([]byte("other"))

	if !a.Equal(b) {
		t.Error("same content produced different digests")
	}
	if a.Equal(c) {
		t.Error("different content produced equal digests")
	}
	if len(a.Hex()) != HashDigestSize*2 {
		t.Errorf("Hex() length = %d, want %d", len(a.Hex()), HashDigestSize*2)
	}
}
