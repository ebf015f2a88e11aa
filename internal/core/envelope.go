package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/org/groupledger/internal/crypto"
	"github.com/org/groupledger/internal/errs"
)

// KeyProtector is a purpose-scoped wrap/unwrap primitive. SealManager implements it.
type KeyProtector interface {
	Wrap(purpose string, plaintext []byte) ([]byte, error)
	Unwrap(purpose string, blob []byte) ([]byte, error)
}

// KeyPurpose identifies the one group and key generation a master secret is bound to.
type KeyPurpose struct {
	GroupID uuid.UUID
	Tag     uuid.UUID
}

// String is the canonical serialization used for both protect and unprotect.
func (p KeyPurpose) String() string {
	return fmt.Sprintf("groupledger.groupkey.v1/%s/%s", p.GroupID, p.Tag)
}

// EnvelopeProtector wraps group master secrets with a purpose derived from (group, tag).
type EnvelopeProtector struct {
	provider KeyProtector
}

func NewEnvelopeProtector(provider KeyProtector) *EnvelopeProtector {
	return &EnvelopeProtector{provider: provider}
}

// Protect wraps secret for (groupID, tag).
func (e *EnvelopeProtector) Protect(secret []byte, groupID, tag uuid.UUID) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errs.E("envelope.Protect", errs.KindInvalid, groupID, errors.New("empty secret"))
	}
	blob, err := e.provider.Wrap(KeyPurpose{GroupID: groupID, Tag: tag}.String(), secret)
	if err != nil {
		return nil, errs.E("envelope.Protect", errs.KindKeyUnwrap, groupID, err)
	}
	return blob, nil
}

// Unprotect unwraps a blob. A different purpose, a corrupted blob or a sealed
// provider all fail with errs.KindKeyUnwrap.
func (e *EnvelopeProtector) Unprotect(blob []byte, groupID, tag uuid.UUID) ([]byte, error) {
	secret, err := e.provider.Unwrap(KeyPurpose{GroupID: groupID, Tag: tag}.String(), blob)
	if err != nil {
		return nil, errs.E("envelope.Unprotect", errs.KindKeyUnwrap, groupID, err)
	}
	if len(secret) < crypto.KeySize {
		crypto.Zero(secret)
		return nil, errs.E("envelope.Unprotect", errs.KindKeyUnwrap, groupID, errors.New("unwrapped secret too short"))
	}
	return secret, nil
}
