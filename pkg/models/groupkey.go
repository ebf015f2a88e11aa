package models

import (
	"time"

	"github.com/google/uuid"
)

// GroupMasterKeyRecord is the persisted, protected master secret of one group.
type GroupMasterKeyRecord struct {
	GroupID         uuid.UUID
	ProtectedSecret []byte
	Version         int64 // bumped on every rotation, used for conditional writes
	CreatedAt       time.Time
	UpdatedAt       *time.Time
}

// KeyVersionTag scopes the envelope purpose of a group master secret.
// It is supplied by callers and must match between protect and unprotect.
type KeyVersionTag = uuid.UUID
