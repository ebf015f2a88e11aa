package crypto

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

// MinDerivedKeyLen is the shortest sub-key DeriveSubKey will produce.
const MinDerivedKeyLen = 16

// DeriveSubKey runs PBKDF2-HMAC-SHA256 with secret as the password and salt
// as the salt. It is deterministic in all four inputs.
func DeriveSubKey(secret []byte, salt string, iterations, keyLen int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty input keying material")
	}
	if iterations < 1 {
		return nil, errors.New("iterations must be at least 1")
	}
	if keyLen < MinDerivedKeyLen {
		return nil, errors.New("derived key length too short")
	}
	return pbkdf2.Key(secret, []byte(salt), iterations, keyLen, sha256.New), nil
}
