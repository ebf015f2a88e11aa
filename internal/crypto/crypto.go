package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of every symmetric key handled by this package.
const KeySize = 32

// GenerateRootKey generates a 32-byte cryptographically secure random root key.
func GenerateRootKey() ([]byte, error) {
	key, err := RandomBytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}
	return key, nil
}

// GenerateMasterSecret generates a random group master secret of n bytes.
func GenerateMasterSecret(n int) ([]byte, error) {
	if n < KeySize {
		return nil, fmt.Errorf("master secret must be at least %d bytes", KeySize)
	}
	secret, err := RandomBytes(n)
	if err != nil {
		return nil, fmt.Errorf("generating master secret: %w", err)
	}
	return secret, nil
}

// RandomBytes reads n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// DeriveWrapKey derives a purpose-bound wrapping key from the root key using HKDF-SHA256.
// Different purposes yield independent keys.
func DeriveWrapKey(rootKey []byte, purpose string) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, rootKey, nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving wrap key: %w", err)
	}
	return key, nil
}

// SealAESGCM encrypts plaintext with AES-256-GCM, binding aad, and returns nonce||ciphertext.
func SealAESGCM(plaintext, key, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	out := make([]byte, len(nonce), len(nonce)+len(plaintext)+gcm.Overhead())
	copy(out, nonce)
	return gcm.Seal(out, nonce, plaintext, aad), nil
}

// OpenAESGCM reverses SealAESGCM. Any mismatch of key, aad or blob content fails.
func OpenAESGCM(blob, key, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(blob) < nonceSize+gcm.Overhead() {
		return nil, errors.New("sealed blob too short")
	}
	plaintext, err := gcm.Open(nil, blob[:nonceSize], blob[nonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Zero overwrites b with zeros. Use it on every secret once it is no longer needed.
func Zero(b []byte) {
	clear(b)
}
