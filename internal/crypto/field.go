package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm names a supported field AEAD.
type Algorithm string

const (
	AlgAES256GCM         Algorithm = "aes-256-gcm"
	AlgXChaCha20Poly1305 Algorithm = "xchacha20-poly1305"
)

// ErrAuthentication is returned when a field fails its integrity check:
// tampered ciphertext or nonce, wrong key, or wrong associated data.
var ErrAuthentication = errors.New("message authentication failed")

// FieldCipher encrypts individual expense fields with an AEAD.
// It holds no key material and is safe for concurrent use.
type FieldCipher struct {
	alg       Algorithm
	nonceSize int
}

// NewFieldCipher returns a cipher for alg. An empty alg selects AES-256-GCM.
func NewFieldCipher(alg Algorithm) (*FieldCipher, error) {
	switch alg {
	case "", AlgAES256GCM:
		return &FieldCipher{alg: AlgAES256GCM, nonceSize: 12}, nil
	case AlgXChaCha20Poly1305:
		return &FieldCipher{alg: AlgXChaCha20Poly1305, nonceSize: chacha20poly1305.NonceSizeX}, nil
	default:
		return nil, fmt.Errorf("unsupported field cipher %q", alg)
	}
}

func (c *FieldCipher) Algorithm() Algorithm { return c.alg }

// KeySize is the key length Encrypt and Decrypt expect.
func (c *FieldCipher) KeySize() int { return KeySize }

func (c *FieldCipher) NonceSize() int { return c.nonceSize }

// NewNonce returns a fresh random base nonce for one record.
func (c *FieldCipher) NewNonce() ([]byte, error) {
	n, err := RandomBytes(c.nonceSize)
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return n, nil
}

// Encrypt seals plaintext under key and nonce. The nonce must never be
// reused with the same key for a different plaintext.
func (c *FieldCipher) Encrypt(plaintext, key, nonce, aad []byte) ([]byte, error) {
	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Decrypt opens ciphertext. Integrity failures are reported as ErrAuthentication.
func (c *FieldCipher) Decrypt(ciphertext, key, nonce, aad []byte) ([]byte, error) {
	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce length %d", ErrAuthentication, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func (c *FieldCipher) aead(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("field key must be %d bytes, got %d", KeySize, len(key))
	}
	if c.alg == AlgXChaCha20Poly1305 {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("creating xchacha20-poly1305: %w", err)
		}
		return aead, nil
	}
	return newGCM(key)
}

// FieldNonce derives the nonce of the field at index from a record's base nonce
// by XOR-ing the big-endian index into its last four bytes. Distinct indexes
// give distinct nonces, so the fields of one record never share a nonce.
func FieldNonce(base []byte, index uint32) []byte {
	n := make([]byte, len(base))
	copy(n, base)
	if len(n) < 4 {
		return n
	}
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	tail := n[len(n)-4:]
	for i := range tail {
		tail[i] ^= idx[i]
	}
	return n
}
