// Package groupkey manages group master secrets and the per-user keys derived from them.
package groupkey

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/org/groupledger/internal/crypto"
	"github.com/org/groupledger/internal/errs"
	"github.com/org/groupledger/internal/storage"
	"github.com/org/groupledger/pkg/models"
)

// MinSecretLen is the length of every generated group master secret.
const MinSecretLen = 32

// Protector wraps and unwraps master secrets for one (group, tag) purpose.
type Protector interface {
	Protect(secret []byte, groupID, tag uuid.UUID) ([]byte, error)
	Unprotect(blob []byte, groupID, tag uuid.UUID) ([]byte, error)
}

// Service creates, rotates, deletes and unwraps group master secrets.
type Service struct {
	store     storage.GroupKeyStore
	protector Protector
	locks     *KeyedLock
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(store storage.GroupKeyStore, protector Protector, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		protector: protector,
		locks:     NewKeyedLock(),
		log:       log.With().Str("component", "groupkey").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateKeyForGroup generates and stores a new master secret protected under tag.
// It is not idempotent: an existing record yields errs.KindGroupKeyExists.
func (s *Service) CreateKeyForGroup(ctx context.Context, tag, groupID uuid.UUID) error {
	const op = "groupkey.Create"
	unlock := s.locks.Lock(groupID)
	defer unlock()

	blob, err := s.newProtectedSecret(op, tag, groupID)
	if err != nil {
		return err
	}
	rec := &models.GroupMasterKeyRecord{
		GroupID:         groupID,
		ProtectedSecret: blob,
		CreatedAt:       s.now(),
	}
	if err := s.store.InsertGroupKey(ctx, rec); err != nil {
		return storeErr(op, groupID, err)
	}
	s.log.Info().Str("group_id", groupID.String()).Msg("group key created")
	return nil
}

// UpdateKeyForGroup rotates the group's master secret: a fresh secret is
// protected under tag and replaces the stored record.
//
// Ciphertext produced under the previous secret becomes unrecoverable.
// Callers must re-encrypt existing data before or as part of rotation.
// If another writer replaced the record since it was read, nothing is
// written and the error is errs.KindTransient.
func (s *Service) UpdateKeyForGroup(ctx context.Context, tag, groupID uuid.UUID) error {
	const op = "groupkey.Update"
	unlock := s.locks.Lock(groupID)
	defer unlock()

	cur, err := s.store.GetGroupKey(ctx, groupID)
	if err != nil {
		return storeErr(op, groupID, err)
	}
	blob, err := s.newProtectedSecret(op, tag, groupID)
	if err != nil {
		return err
	}
	rec := &models.GroupMasterKeyRecord{GroupID: groupID, ProtectedSecret: blob}
	if err := s.store.PutGroupKey(ctx, rec, cur.Version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			s.log.Warn().Str("group_id", groupID.String()).Int64("version", cur.Version).Msg("group key changed concurrently, rotation dropped")
		}
		return storeErr(op, groupID, err)
	}
	s.log.Info().Str("group_id", groupID.String()).Int64("version", rec.Version).Msg("group key rotated")
	return nil
}

// PendingKey is a freshly generated master secret that is not stored yet.
// It serves as the SecretSource for re-encrypting a group's data before
// CommitRotation makes it current. Zero it once the rotation is done.
type PendingKey struct {
	GroupID     uuid.UUID
	Tag         uuid.UUID
	secret      []byte
	blob        []byte
	prevVersion int64
}

// GetUnwrappedSecret returns a copy of the pending secret when groupID and tag match it.
func (p *PendingKey) GetUnwrappedSecret(_ context.Context, groupID, tag uuid.UUID) ([]byte, error) {
	if groupID != p.GroupID || tag != p.Tag || p.secret == nil {
		return nil, errs.E("groupkey.Pending", errs.KindKeyUnwrap, groupID, errors.New("no pending key for this purpose"))
	}
	return append([]byte(nil), p.secret...), nil
}

func (p *PendingKey) Zero() {
	crypto.Zero(p.secret)
	p.secret = nil
}

// PrepareRotation generates the group's next master secret under tag without
// storing it. The stored record keeps serving the current tag until CommitRotation.
func (s *Service) PrepareRotation(ctx context.Context, tag, groupID uuid.UUID) (*PendingKey, error) {
	const op = "groupkey.PrepareRotation"
	cur, err := s.store.GetGroupKey(ctx, groupID)
	if err != nil {
		return nil, storeErr(op, groupID, err)
	}
	secret, err := crypto.GenerateMasterSecret(MinSecretLen)
	if err != nil {
		return nil, errs.E(op, errs.KindUnknown, groupID, err)
	}
	blob, err := s.protector.Protect(secret, groupID, tag)
	if err != nil {
		crypto.Zero(secret)
		return nil, errs.Wrap(op, groupID, err)
	}
	return &PendingKey{GroupID: groupID, Tag: tag, secret: secret, blob: blob, prevVersion: cur.Version}, nil
}

// CommitRotation stores the pending secret, the expenses re-encrypted under it
// and the group's new key tag in one transaction. When the key, the tag or the
// group's expenses changed since PrepareRotation nothing is written and the
// error is errs.KindTransient.
func (s *Service) CommitRotation(ctx context.Context, pk *PendingKey, oldTag uuid.UUID, es []*models.Expense, rotatedAt time.Time) error {
	const op = "groupkey.CommitRotation"
	unlock := s.locks.Lock(pk.GroupID)
	defer unlock()

	r := &storage.KeyRotation{
		Key:         &models.GroupMasterKeyRecord{GroupID: pk.GroupID, ProtectedSecret: pk.blob},
		PrevVersion: pk.prevVersion,
		OldTag:      oldTag,
		NewTag:      pk.Tag,
		Expenses:    es,
		RotatedAt:   rotatedAt,
	}
	if err := s.store.CommitKeyRotation(ctx, r); err != nil {
		return storeErr(op, pk.GroupID, err)
	}
	s.log.Info().Str("group_id", pk.GroupID.String()).Int64("version", r.Key.Version).Int("expenses", len(es)).Msg("group key rotated")
	return nil
}

// DeleteGroupKey removes the record. All ciphertext of the group becomes unrecoverable.
func (s *Service) DeleteGroupKey(ctx context.Context, groupID uuid.UUID) error {
	const op = "groupkey.Delete"
	unlock := s.locks.Lock(groupID)
	defer unlock()

	if err := s.store.DeleteGroupKey(ctx, groupID); err != nil {
		return storeErr(op, groupID, err)
	}
	s.log.Info().Str("group_id", groupID.String()).Msg("group key deleted")
	return nil
}

// GetUnwrappedSecret returns the plaintext master secret. The caller owns the
// returned slice and must zero it once the current operation is done.
func (s *Service) GetUnwrappedSecret(ctx context.Context, groupID, tag uuid.UUID) ([]byte, error) {
	const op = "groupkey.GetUnwrappedSecret"
	rec, err := s.store.GetGroupKey(ctx, groupID)
	if err != nil {
		return nil, storeErr(op, groupID, err)
	}
	secret, err := s.protector.Unprotect(rec.ProtectedSecret, groupID, tag)
	if err != nil {
		return nil, errs.Wrap(op, groupID, err)
	}
	return secret, nil
}

func (s *Service) newProtectedSecret(op string, tag, groupID uuid.UUID) ([]byte, error) {
	secret, err := crypto.GenerateMasterSecret(MinSecretLen)
	if err != nil {
		return nil, errs.E(op, errs.KindUnknown, groupID, err)
	}
	defer crypto.Zero(secret)

	blob, err := s.protector.Protect(secret, groupID, tag)
	if err != nil {
		return nil, errs.Wrap(op, groupID, err)
	}
	return blob, nil
}

func storeErr(op string, groupID uuid.UUID, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errs.E(op, errs.KindNotFound, groupID, err)
	case errors.Is(err, storage.ErrAlreadyExists):
		return errs.E(op, errs.KindGroupKeyExists, groupID, err)
	case errors.Is(err, storage.ErrVersionConflict):
		return errs.E(op, errs.KindTransient, groupID, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errs.E(op, errs.KindTransient, groupID, err)
	default:
		return errs.Wrap(op, groupID, err)
	}
}
