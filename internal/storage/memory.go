package storage

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/org/groupledger/pkg/models"
)

// MemoryBackend is an in-process Backend used for development and tests.
// It copies records on the way in and out so callers never share memory with it.
type MemoryBackend struct {
	mu       sync.RWMutex
	keys     map[uuid.UUID]*models.GroupMasterKeyRecord
	groups   map[uuid.UUID]*models.Group
	expenses map[uuid.UUID][]*models.Expense
	initData *models.InitData
	audit    []*models.AuditEntry
	auditSeq int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		keys:     make(map[uuid.UUID]*models.GroupMasterKeyRecord),
		groups:   make(map[uuid.UUID]*models.Group),
		expenses: make(map[uuid.UUID][]*models.Expense),
	}
}

func (m *MemoryBackend) Close() {}

// --- Group keys ---

func (m *MemoryBackend) GetGroupKey(_ context.Context, groupID uuid.UUID) (*models.GroupMasterKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.keys[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKeyRecord(rec), nil
}

func (m *MemoryBackend) InsertGroupKey(_ context.Context, rec *models.GroupMasterKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[rec.GroupID]; ok {
		return ErrAlreadyExists
	}
	rec.Version = 1
	m.keys[rec.GroupID] = copyKeyRecord(rec)
	return nil
}

func (m *MemoryBackend) PutGroupKey(_ context.Context, rec *models.GroupMasterKeyRecord, prevVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.keys[rec.GroupID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != prevVersion {
		return ErrVersionConflict
	}
	now := time.Now().UTC()
	rec.Version = prevVersion + 1
	rec.CreatedAt = cur.CreatedAt
	rec.UpdatedAt = &now
	m.keys[rec.GroupID] = copyKeyRecord(rec)
	return nil
}

func (m *MemoryBackend) DeleteGroupKey(_ context.Context, groupID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[groupID]; !ok {
		return ErrNotFound
	}
	delete(m.keys, groupID)
	return nil
}

func (m *MemoryBackend) CommitKeyRotation(_ context.Context, r *KeyRotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	groupID := r.Key.GroupID
	g, ok := m.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	cur, ok := m.keys[groupID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != r.PrevVersion || g.KeyTag != r.OldTag || len(m.expenses[groupID]) != len(r.Expenses) {
		return ErrVersionConflict
	}
	for _, e := range r.Expenses {
		if e.GroupID != groupID || m.indexOf(groupID, e.ID) < 0 {
			return ErrVersionConflict
		}
	}

	for _, e := range r.Expenses {
		_ = m.updateExpenseLocked(e)
	}
	now := time.Now().UTC()
	r.Key.Version = r.PrevVersion + 1
	r.Key.CreatedAt = cur.CreatedAt
	r.Key.UpdatedAt = &now
	m.keys[groupID] = copyKeyRecord(r.Key)
	g.KeyTag = r.NewTag
	rotatedAt := r.RotatedAt
	g.RotatedAt = &rotatedAt
	return nil
}

func copyKeyRecord(rec *models.GroupMasterKeyRecord) *models.GroupMasterKeyRecord {
	c := *rec
	c.ProtectedSecret = slices.Clone(rec.ProtectedSecret)
	if rec.UpdatedAt != nil {
		t := *rec.UpdatedAt
		c.UpdatedAt = &t
	}
	return &c
}

// --- Groups ---

func (m *MemoryBackend) CreateGroup(_ context.Context, g *models.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.ID]; ok {
		return ErrAlreadyExists
	}
	c := *g
	m.groups[g.ID] = &c
	return nil
}

func (m *MemoryBackend) GetGroup(_ context.Context, id uuid.UUID) (*models.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *g
	return &c, nil
}

func (m *MemoryBackend) DeleteGroup(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrNotFound
	}
	delete(m.groups, id)
	return nil
}

func (m *MemoryBackend) CountGroups(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.groups)), nil
}

// --- Expenses ---

func (m *MemoryBackend) CreateExpense(_ context.Context, e *models.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.expenses[e.GroupID] {
		if ex.ID == e.ID {
			return ErrAlreadyExists
		}
	}
	m.expenses[e.GroupID] = append(m.expenses[e.GroupID], copyExpense(e))
	return nil
}

func (m *MemoryBackend) GetExpense(_ context.Context, groupID, id uuid.UUID) (*models.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ex := range m.expenses[groupID] {
		if ex.ID == id {
			return copyExpense(ex), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) ListExpenses(_ context.Context, groupID uuid.UUID) ([]*models.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Expense, 0, len(m.expenses[groupID]))
	for _, ex := range m.expenses[groupID] {
		out = append(out, copyExpense(ex))
	}
	return out, nil
}

func (m *MemoryBackend) UpdateExpense(_ context.Context, e *models.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateExpenseLocked(e)
}

func (m *MemoryBackend) updateExpenseLocked(e *models.Expense) error {
	i := m.indexOf(e.GroupID, e.ID)
	if i < 0 {
		return ErrNotFound
	}
	now := time.Now().UTC()
	e.UpdatedAt = &now
	e.CreatedAt = m.expenses[e.GroupID][i].CreatedAt
	m.expenses[e.GroupID][i] = copyExpense(e)
	return nil
}

func (m *MemoryBackend) indexOf(groupID, id uuid.UUID) int {
	return slices.IndexFunc(m.expenses[groupID], func(ex *models.Expense) bool { return ex.ID == id })
}

func (m *MemoryBackend) DeleteExpense(_ context.Context, groupID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(groupID, id)
	if i < 0 {
		return ErrNotFound
	}
	m.expenses[groupID] = slices.Delete(m.expenses[groupID], i, i+1)
	return nil
}

func (m *MemoryBackend) DeleteGroupExpenses(_ context.Context, groupID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.expenses[groupID]))
	delete(m.expenses, groupID)
	return n, nil
}

func copyExpense(e *models.Expense) *models.Expense {
	c := *e
	c.Data.Nonce = slices.Clone(e.Data.Nonce)
	c.Data.Title.Ciphertext = slices.Clone(e.Data.Title.Ciphertext)
	c.Data.Amount.Ciphertext = slices.Clone(e.Data.Amount.Ciphertext)
	c.Data.Description.Ciphertext = slices.Clone(e.Data.Description.Ciphertext)
	if e.UpdatedAt != nil {
		t := *e.UpdatedAt
		c.UpdatedAt = &t
	}
	return &c
}

// --- Provider init ---

func (m *MemoryBackend) InitProvider(_ context.Context, data *models.InitData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initData != nil {
		return ErrAlreadyExists
	}
	c := *data
	c.CheckBlob = slices.Clone(data.CheckBlob)
	m.initData = &c
	return nil
}

func (m *MemoryBackend) GetInitData(_ context.Context) (*models.InitData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.initData == nil {
		return nil, ErrNotFound
	}
	c := *m.initData
	c.CheckBlob = slices.Clone(m.initData.CheckBlob)
	return &c, nil
}

func (m *MemoryBackend) IsInitialized(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initData != nil, nil
}

// --- Audit ---

func (m *MemoryBackend) WriteAuditEntry(_ context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq++
	c := *entry
	c.ID = m.auditSeq
	m.audit = append(m.audit, &c)
	return nil
}

func (m *MemoryBackend) QueryAuditLog(_ context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditEntry
	// newest first, like the SQL backend
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.Path != "" && !strings.HasPrefix(e.Path, filter.Path) {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
