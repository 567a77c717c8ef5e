package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// SecretKeySize is the size of a symmetric key (XSalsa20-Poly1305)
	SecretKeySize = 32
	// NonceSize is the size of a secretbox nonce
	NonceSize = 24
	// SignatureSize is the size of an ed25519 signature
	SignatureSize = ed25519.SignatureSize
	// VerifyKeySize is the size of an ed25519 public key
	VerifyKeySize = ed25519.PublicKeySize
	// PublicKeySize is the size of an x25519 public key
	PublicKeySize = 32
	// PrivateKeySize is the size of an x25519 private key
	PrivateKeySize = 32
	// HashDigestSize is the size of a SHA-256 digest
	HashDigestSize = sha256.Size
)

// SecretKey is a symmetric encryption key (XSalsa20-Poly1305 secretbox)
type SecretKey []byte

// NewSecretKey generates a random symmetric key
func NewSecretKey() (SecretKey, error) {
	key := make([]byte, SecretKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	return key, nil
}

// SecretKeyFromBytes validates and wraps raw key material
func SecretKeyFromBytes(raw []byte) (SecretKey, error) {
	if len(raw) != SecretKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", SecretKeySize, len(raw))
	}
	key := make(SecretKey, SecretKeySize)
	copy(key, raw)
	return key, nil
}

// Encrypt encrypts plaintext, prepending a random nonce
func (k SecretKey) Encrypt(plaintext []byte) []byte {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		// Out of entropy is not a recoverable condition
		panic(fmt.Sprintf("failed to generate nonce: %v", err))
	}
	var key [SecretKeySize]byte
	copy(key[:], k)
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key)
}

// Decrypt decrypts data produced by Encrypt
func (k SecretKey) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])
	var key [SecretKeySize]byte
	copy(key[:], k)
	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}
	return plaintext, nil
}

// Canary returns the probe ciphertext carried by key rotation certificates:
// the encryption of an empty payload. A key is considered valid for a given
// rotation iff it decrypts the certificate's canary.
func (k SecretKey) Canary() []byte {
	return k.Encrypt(nil)
}

// SigningKey is an ed25519 private key used to sign certificates and manifests
type SigningKey ed25519.PrivateKey

// VerifyKey is an ed25519 public key
type VerifyKey ed25519.PublicKey

// NewSigningKey generates a new signing key pair
func NewSigningKey() (SigningKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return SigningKey(priv), nil
}

// VerifyKey returns the public half of the signing key
func (k SigningKey) VerifyKey() VerifyKey {
	return VerifyKey(ed25519.PrivateKey(k).Public().(ed25519.PublicKey))
}

// Sign returns signature||payload so the signed blob is self-contained
func (k SigningKey) Sign(payload []byte) []byte {
	sig := ed25519.Sign(ed25519.PrivateKey(k), payload)
	signed := make([]byte, 0, len(sig)+len(payload))
	signed = append(signed, sig...)
	return append(signed, payload...)
}

// VerifyKeyFromBytes validates and wraps raw key material
func VerifyKeyFromBytes(raw []byte) (VerifyKey, error) {
	if len(raw) != VerifyKeySize {
		return nil, fmt.Errorf("verify key must be %d bytes, got %d", VerifyKeySize, len(raw))
	}
	key := make(VerifyKey, VerifyKeySize)
	copy(key, raw)
	return key, nil
}

// Verify checks a blob produced by SigningKey.Sign and returns the payload
func (k VerifyKey) Verify(signed []byte) ([]byte, error) {
	payload, err := UnsecureUnwrapSigned(signed)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(ed25519.PublicKey(k), payload, signed[:SignatureSize]) {
		return nil, fmt.Errorf("signature verification failed")
	}
	return payload, nil
}

// UnsecureUnwrapSigned returns the payload of a signed blob WITHOUT verifying
// the signature. Callers must verify the signature before trusting the data.
func UnsecureUnwrapSigned(signed []byte) ([]byte, error) {
	if len(signed) < SignatureSize {
		return nil, fmt.Errorf("signed payload too short")
	}
	return signed[SignatureSize:], nil
}

// PrivateKey is an x25519 private key used to receive sealed boxes
type PrivateKey []byte

// PublicKey is an x25519 public key
type PublicKey []byte

// NewPrivateKey generates a new asymmetric key pair
func NewPrivateKey() (PrivateKey, error) {
	_, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return PrivateKey(priv[:]), nil
}

// PublicKey returns the public half of the private key
func (k PrivateKey) PublicKey() PublicKey {
	var priv, pub [32]byte
	copy(priv[:], k)
	curve25519.ScalarBaseMult(&pub, &priv)
	return PublicKey(pub[:])
}

// EncryptForSelf seals plaintext so only the holder of the private key can
// open it (anonymous sealed box)
func (k PublicKey) EncryptForSelf(plaintext []byte) ([]byte, error) {
	var pub [32]byte
	copy(pub[:], k)
	out, err := box.SealAnonymous(nil, plaintext, &pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to seal: %w", err)
	}
	return out, nil
}

// DecryptFromSelf opens a sealed box addressed to this key
func (k PrivateKey) DecryptFromSelf(ciphertext []byte) ([]byte, error) {
	var priv, pub [32]byte
	copy(priv[:], k)
	curve25519.ScalarBaseMult(&pub, &priv)
	plaintext, ok := box.OpenAnonymous(nil, ciphertext, &pub, &priv)
	if !ok {
		return nil, fmt.Errorf("sealed box decryption failed")
	}
	return plaintext, nil
}

// HashDigest is a SHA-256 digest
type HashDigest []byte

// HashData computes the digest of data
func HashData(data []byte) HashDigest {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Hex returns the lowercase hex representation of the digest
func (d HashDigest) Hex() string {
	return hex.EncodeToString(d)
}

// Equal reports whether two digests are identical
func (d HashDigest) Equal(other HashDigest) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if d[i] != other[i] {
			return false
		}
	}
	return true
}
