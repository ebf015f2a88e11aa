package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/org/groupledger/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrVersionConflict is returned when a conditional write finds a different version than expected.
var ErrVersionConflict = errors.New("version conflict")

// GroupKeyStore persists one protected master-secret record per group.
type GroupKeyStore interface {
	GetGroupKey(ctx context.Context, groupID uuid.UUID) (*models.GroupMasterKeyRecord, error)
	// InsertGroupKey fails with ErrAlreadyExists when a record is present.
	InsertGroupKey(ctx context.Context, rec *models.GroupMasterKeyRecord) error
	// PutGroupKey replaces the whole record if its stored version still equals prevVersion.
	// On success rec.Version is prevVersion+1.
	PutGroupKey(ctx context.Context, rec *models.GroupMasterKeyRecord, prevVersion int64) error
	DeleteGroupKey(ctx context.Context, groupID uuid.UUID) error
	// CommitKeyRotation applies a KeyRotation atomically. It fails with
	// ErrVersionConflict, changing nothing, when the key version, the group's
	// key tag or the group's set of expenses moved since the rotation was prepared.
	CommitKeyRotation(ctx context.Context, r *KeyRotation) error
}

// KeyRotation swaps a group's master secret together with everything that
// depends on it: the re-encrypted expenses and the group's key tag.
type KeyRotation struct {
	Key         *models.GroupMasterKeyRecord
	PrevVersion int64
	OldTag      uuid.UUID
	NewTag      uuid.UUID
	Expenses    []*models.Expense
	RotatedAt   time.Time
}

// GroupStore persists groups.
type GroupStore interface {
	CreateGroup(ctx context.Context, g *models.Group) error
	GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error)
	DeleteGroup(ctx context.Context, id uuid.UUID) error
	CountGroups(ctx context.Context) (int64, error)
}

// ExpenseStore persists encrypted expenses.
type ExpenseStore interface {
	CreateExpense(ctx context.Context, e *models.Expense) error
	GetExpense(ctx context.Context, groupID, id uuid.UUID) (*models.Expense, error)
	// ListExpenses returns a group's expenses oldest first.
	ListExpenses(ctx context.Context, groupID uuid.UUID) ([]*models.Expense, error)
	UpdateExpense(ctx context.Context, e *models.Expense) error
	DeleteExpense(ctx context.Context, groupID, id uuid.UUID) error
	DeleteGroupExpenses(ctx context.Context, groupID uuid.UUID) (int64, error)
}

// InitStore persists the key-protection provider's init state.
type InitStore interface {
	InitProvider(ctx context.Context, data *models.InitData) error
	GetInitData(ctx context.Context) (*models.InitData, error)
	IsInitialized(ctx context.Context) (bool, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)
}

// Backend is the full persistence interface of the ledger.
type Backend interface {
	GroupKeyStore
	GroupStore
	ExpenseStore
	InitStore
	AuditStore
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Path   string
	Since  *time.Time
	Limit  int
	Offset int
}
