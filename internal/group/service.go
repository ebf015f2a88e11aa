// Package group runs the group lifecycle: every group owns exactly one master key.
package group

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/org/groupledger/internal/errs"
	"github.com/org/groupledger/internal/expense"
	"github.com/org/groupledger/internal/groupkey"
	"github.com/org/groupledger/internal/storage"
	"github.com/org/groupledger/pkg/models"
)

// ErrNotFound is returned when the group does not exist.
var ErrNotFound = errors.New("group not found")

// ErrUndecryptable is returned by RotateKey when some expenses cannot be
// decrypted under the current key and would be lost by rotating.
var ErrUndecryptable = errors.New("group has expenses that cannot be decrypted")

// commitTimeout bounds the rotation commit, which runs detached from the
// request deadline once the expenses are re-encrypted.
const commitTimeout = 30 * time.Second

// KeyManager is the part of *groupkey.Service the group lifecycle uses.
type KeyManager interface {
	CreateKeyForGroup(ctx context.Context, tag, groupID uuid.UUID) error
	PrepareRotation(ctx context.Context, tag, groupID uuid.UUID) (*groupkey.PendingKey, error)
	CommitRotation(ctx context.Context, pk *groupkey.PendingKey, oldTag uuid.UUID, es []*models.Expense, rotatedAt time.Time) error
	DeleteGroupKey(ctx context.Context, groupID uuid.UUID) error
}

// GroupLocker serializes rotation and deletion against expense access. *groupkey.KeyedLock implements it.
type GroupLocker interface {
	Lock(id uuid.UUID) func()
}

// RotationResult summarizes a key rotation.
type RotationResult struct {
	GroupID     uuid.UUID `json:"group_id"`
	OldTag      uuid.UUID `json:"old_tag"`
	NewTag      uuid.UUID `json:"new_tag"`
	Reencrypted int       `json:"reencrypted"`
}

type Service struct {
	groups   storage.GroupStore
	expenses storage.ExpenseStore
	keys     KeyManager
	crypto   *expense.Orchestrator
	locks    GroupLocker
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(groups storage.GroupStore, expenses storage.ExpenseStore, keys KeyManager, o *expense.Orchestrator, locks GroupLocker, log zerolog.Logger) *Service {
	return &Service{
		groups:   groups,
		expenses: expenses,
		keys:     keys,
		crypto:   o,
		locks:    locks,
		log:      log.With().Str("component", "group").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create creates a group and its master key. If either step fails nothing is left behind.
func (s *Service) Create(ctx context.Context, name string, ownerID uuid.UUID) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.E("group.Create", errs.KindInvalid, uuid.Nil, errors.New("name is required"))
	}
	g := &models.Group{
		ID:        uuid.New(),
		Name:      name,
		OwnerID:   ownerID,
		KeyTag:    uuid.New(),
		CreatedAt: s.now(),
	}
	if err := s.keys.CreateKeyForGroup(ctx, g.KeyTag, g.ID); err != nil {
		return nil, err
	}
	if err := s.groups.CreateGroup(ctx, g); err != nil {
		if derr := s.keys.DeleteGroupKey(ctx, g.ID); derr != nil {
			s.log.Error().Err(derr).Str("group_id", g.ID.String()).Msg("failed to remove key of aborted group")
		}
		return nil, fmt.Errorf("storing group: %w", err)
	}
	s.log.Info().Str("group_id", g.ID.String()).Msg("group created")
	return g, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	g, err := s.groups.GetGroup(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading group: %w", err)
	}
	return g, nil
}

// Delete removes the group's expenses, its master key and the group itself.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	n, err := s.expenses.DeleteGroupExpenses(ctx, id)
	if err != nil {
		return fmt.Errorf("deleting expenses: %w", err)
	}
	if err := s.keys.DeleteGroupKey(ctx, id); err != nil && !errors.Is(err, errs.NotFound) {
		return err
	}
	if err := s.groups.DeleteGroup(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deleting group: %w", err)
	}
	s.log.Info().Str("group_id", id.String()).Int64("expenses", n).Msg("group deleted")
	return nil
}

// RotateKey replaces the group's master secret and re-encrypts every expense
// under the new one, keeping each record's key owner. Rotation is refused when
// any expense fails to decrypt under the current key.
//
// The new secret is only held in memory until the re-encrypted expenses, the
// key record and the group's tag are committed together, so a failure at any
// step leaves the group on its current key.
func (s *Service) RotateKey(ctx context.Context, id uuid.UUID) (*RotationResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	g, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	es, err := s.expenses.ListExpenses(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}

	owners := make([]uuid.UUID, len(es))
	cts := make([]*models.ExpenseCiphertext, len(es))
	for i, e := range es {
		owners[i] = e.Data.KeyOwnerID
		cts[i] = &e.Data
	}
	plaintexts := make([]*models.ExpensePlaintext, len(es))
	if len(es) > 0 {
		results, err := s.crypto.DecryptMultipleExpensesData(ctx, id, g.KeyTag, owners, cts)
		if err != nil {
			return nil, err
		}
		for i, r := range results {
			if r.Err != nil {
				return nil, fmt.Errorf("%w: expense %s: %v", ErrUndecryptable, es[i].ID, r.Err)
			}
			plaintexts[i] = r.Expense
		}
	}

	pk, err := s.keys.PrepareRotation(ctx, uuid.New(), id)
	if err != nil {
		return nil, err
	}
	defer pk.Zero()

	if len(es) > 0 {
		fresh, err := s.crypto.WithDeriver(groupkey.NewDeriver(pk)).EncryptMultipleExpensesData(ctx, id, pk.Tag, owners, plaintexts)
		if err != nil {
			return nil, err
		}
		for i, e := range es {
			e.Data = *fresh[i]
		}
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := s.keys.CommitRotation(commitCtx, pk, g.KeyTag, es, s.now()); err != nil {
		s.log.Error().Err(err).Str("group_id", id.String()).Msg("committing key rotation failed")
		return nil, err
	}
	s.log.Info().Str("group_id", id.String()).Int("reencrypted", len(es)).Msg("group key rotated")
	return &RotationResult{GroupID: id, OldTag: g.KeyTag, NewTag: pk.Tag, Reencrypted: len(es)}, nil
}
