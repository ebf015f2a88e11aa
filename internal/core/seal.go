package core

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/org/groupledger/internal/crypto"
	"github.com/org/groupledger/pkg/models"
)

const (
	checkPurpose   = "groupledger.seal.check.v1"
	checkPlaintext = "groupledger root key check"
)

var (
	// ErrSealed is returned by Wrap and Unwrap while the root key is not in memory.
	ErrSealed = errors.New("key provider is sealed")
	// ErrNotInitialized is returned by Unseal before Initialize or Configure.
	ErrNotInitialized = errors.New("key provider is not initialized")
	// ErrInvalidShards is returned when the collected shards do not rebuild the initialized root key.
	ErrInvalidShards = errors.New("unseal shards do not match the initialized root key")
)

// SealManager is the key-protection provider. It holds the root key in memory
// only while unsealed and derives a distinct wrapping key for every purpose.
type SealManager struct {
	mu              sync.RWMutex
	rootKey         []byte
	sealed          bool
	threshold       int
	checkBlob       []byte
	collectedShards [][]byte
}

// NewSealManager creates a SealManager in sealed, uninitialized state.
func NewSealManager() *SealManager {
	return &SealManager{sealed: true}
}

// Initialize generates a new root key, splits it into shares and leaves the
// manager unsealed. The returned InitData must be persisted; the shards must not.
func (s *SealManager) Initialize(shares, threshold int) ([][]byte, *models.InitData, error) {
	rootKey, err := crypto.GenerateRootKey()
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(rootKey)

	shards, err := crypto.SplitRootKey(rootKey, shares, threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("splitting root key: %w", err)
	}
	check, err := sealCheck(rootKey)
	if err != nil {
		return nil, nil, err
	}

	data := &models.InitData{
		CheckBlob:     check,
		Shares:        shares,
		Threshold:     threshold,
		InitializedAt: time.Now().UTC(),
	}
	s.Configure(data)
	if err := s.UnsealWithRootKey(rootKey); err != nil {
		return nil, nil, err
	}
	return shards, data, nil
}

// Configure loads persisted init state so that Unseal can verify shards.
func (s *SealManager) Configure(data *models.InitData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = data.Threshold
	s.checkBlob = append([]byte(nil), data.CheckBlob...)
	s.collectedShards = nil
}

// Initialized reports whether init state has been loaded.
func (s *SealManager) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkBlob != nil
}

func (s *SealManager) IsSealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// ShardsProvided returns how many unseal shards have been provided so far.
func (s *SealManager) ShardsProvided() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collectedShards)
}

func (s *SealManager) Threshold() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threshold
}

// Unseal provides one shard toward unsealing. Returns true once the root key is rebuilt and verified.
func (s *SealManager) Unseal(shard []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sealed {
		return true, nil
	}
	if s.checkBlob == nil {
		return false, ErrNotInitialized
	}
	for _, existing := range s.collectedShards {
		if subtle.ConstantTimeCompare(existing, shard) == 1 {
			return false, errors.New("duplicate shard")
		}
	}
	s.collectedShards = append(s.collectedShards, append([]byte(nil), shard...))
	if len(s.collectedShards) < s.threshold {
		return false, nil
	}

	rootKey, err := crypto.CombineShards(s.collectedShards)
	s.resetShards()
	if err != nil {
		return false, fmt.Errorf("reconstructing root key: %w", err)
	}
	if err := verifyCheck(rootKey, s.checkBlob); err != nil {
		crypto.Zero(rootKey)
		return false, ErrInvalidShards
	}
	s.rootKey = rootKey
	s.sealed = false
	return true, nil
}

// ResetUnseal discards shards collected so far.
func (s *SealManager) ResetUnseal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetShards()
}

// Seal wipes the root key from memory.
func (s *SealManager) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.Zero(s.rootKey)
	s.rootKey = nil
	s.sealed = true
	s.resetShards()
}

// Reset returns the manager to the sealed, uninitialized state.
func (s *SealManager) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.Zero(s.rootKey)
	s.rootKey = nil
	s.sealed = true
	s.threshold = 0
	s.checkBlob = nil
	s.resetShards()
}

// UnsealWithRootKey unseals using the raw root key. The key is copied.
func (s *SealManager) UnsealWithRootKey(rootKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkBlob != nil {
		if err := verifyCheck(rootKey, s.checkBlob); err != nil {
			return ErrInvalidShards
		}
	}
	crypto.Zero(s.rootKey)
	s.rootKey = append([]byte(nil), rootKey...)
	s.sealed = false
	s.resetShards()
	return nil
}

// Wrap seals plaintext under a key derived for purpose. The purpose is also bound as associated data.
func (s *SealManager) Wrap(purpose string, plaintext []byte) ([]byte, error) {
	key, err := s.purposeKey(purpose)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)
	return crypto.SealAESGCM(plaintext, key, []byte(purpose))
}

// Unwrap opens a blob produced by Wrap with the same purpose.
func (s *SealManager) Unwrap(purpose string, blob []byte) ([]byte, error) {
	key, err := s.purposeKey(purpose)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)
	return crypto.OpenAESGCM(blob, key, []byte(purpose))
}

func (s *SealManager) purposeKey(purpose string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sealed {
		return nil, ErrSealed
	}
	return crypto.DeriveWrapKey(s.rootKey, purpose)
}

func (s *SealManager) resetShards() {
	for _, sh := range s.collectedShards {
		crypto.Zero(sh)
	}
	s.collectedShards = nil
}

func sealCheck(rootKey []byte) ([]byte, error) {
	key, err := crypto.DeriveWrapKey(rootKey, checkPurpose)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)
	return crypto.SealAESGCM([]byte(checkPlaintext), key, []byte(checkPurpose))
}

func verifyCheck(rootKey, blob []byte) error {
	key, err := crypto.DeriveWrapKey(rootKey, checkPurpose)
	if err != nil {
		return err
	}
	defer crypto.Zero(key)
	_, err = crypto.OpenAESGCM(blob, key, []byte(checkPurpose))
	return err
}
