package expense

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/org/groupledger/internal/errs"
	"github.com/org/groupledger/internal/storage"
	"github.com/org/groupledger/pkg/models"
)

// ErrGroupNotFound is returned when the expense's group does not exist.
var ErrGroupNotFound = errors.New("group not found")

// ErrExpenseNotFound is returned when the expense does not exist in the group.
var ErrExpenseNotFound = errors.New("expense not found")

// GroupLocker coordinates expense access with key rotation. *groupkey.KeyedLock implements it.
type GroupLocker interface {
	RLock(id uuid.UUID) func()
}

// Input is the user-supplied content of an expense.
type Input struct {
	Title       string `json:"title"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

// Patch changes selected fields of an expense. Nil fields are kept.
type Patch struct {
	Title       *string `json:"title,omitempty"`
	Amount      *string `json:"amount,omitempty"`
	Description *string `json:"description,omitempty"`
}

// View is a decrypted expense as shown to a group member. Err is set instead
// of the plaintext fields when the record failed to decrypt.
type View struct {
	models.ExpensePlaintext
	AuthorID  uuid.UUID  `json:"author_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Err       error      `json:"-"`
}

// Service runs expense create, read, update and delete on top of the Orchestrator.
// Each expense is encrypted under the key of the member who last wrote it.
type Service struct {
	expenses storage.ExpenseStore
	groups   storage.GroupStore
	crypto   *Orchestrator
	locks    GroupLocker
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(expenses storage.ExpenseStore, groups storage.GroupStore, o *Orchestrator, locks GroupLocker, log zerolog.Logger) *Service {
	return &Service{
		expenses: expenses,
		groups:   groups,
		crypto:   o,
		locks:    locks,
		log:      log.With().Str("component", "expense").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create encrypts in under authorID's key and stores it.
func (s *Service) Create(ctx context.Context, groupID, authorID uuid.UUID, in Input) (*View, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	unlock := s.locks.RLock(groupID)
	defer unlock()

	g, err := s.group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	p := &models.ExpensePlaintext{ID: uuid.New(), GroupID: groupID, Title: in.Title, Amount: in.Amount, Description: in.Description}
	ct, err := s.crypto.EncryptExpenseData(ctx, authorID, groupID, g.KeyTag, p)
	if err != nil {
		return nil, err
	}
	e := &models.Expense{ID: p.ID, GroupID: groupID, Data: *ct, CreatedAt: s.now()}
	if err := s.expenses.CreateExpense(ctx, e); err != nil {
		return nil, fmt.Errorf("storing expense: %w", err)
	}
	s.log.Debug().Str("group_id", groupID.String()).Str("expense_id", e.ID.String()).Msg("expense created")
	return &View{ExpensePlaintext: *p, AuthorID: authorID, CreatedAt: e.CreatedAt}, nil
}

// Get decrypts one expense.
func (s *Service) Get(ctx context.Context, groupID, id uuid.UUID) (*View, error) {
	unlock := s.locks.RLock(groupID)
	defer unlock()

	g, err := s.group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	e, err := s.expense(ctx, groupID, id)
	if err != nil {
		return nil, err
	}
	p, err := s.crypto.DecryptExpenseData(ctx, e.Data.KeyOwnerID, groupID, g.KeyTag, &e.Data)
	if err != nil {
		return nil, err
	}
	return newView(e, p), nil
}

// List decrypts all expenses of a group. Records that fail to decrypt carry Err;
// the call itself fails only when the group key is unavailable.
func (s *Service) List(ctx context.Context, groupID uuid.UUID) ([]View, error) {
	unlock := s.locks.RLock(groupID)
	defer unlock()

	g, err := s.group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	es, err := s.expenses.ListExpenses(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}
	if len(es) == 0 {
		return []View{}, nil
	}
	owners := make([]uuid.UUID, len(es))
	cts := make([]*models.ExpenseCiphertext, len(es))
	for i, e := range es {
		owners[i] = e.Data.KeyOwnerID
		cts[i] = &e.Data
	}
	results, err := s.crypto.DecryptMultipleExpensesData(ctx, groupID, g.KeyTag, owners, cts)
	if err != nil {
		return nil, err
	}

	views := make([]View, len(es))
	failed := 0
	for i, r := range results {
		if r.Err != nil {
			failed++
			views[i] = View{ExpensePlaintext: models.ExpensePlaintext{ID: es[i].ID, GroupID: groupID},
				AuthorID: es[i].Data.KeyOwnerID, CreatedAt: es[i].CreatedAt, UpdatedAt: es[i].UpdatedAt, Err: r.Err}
			continue
		}
		views[i] = *newView(es[i], r.Expense)
	}
	if failed > 0 {
		s.log.Warn().Str("group_id", groupID.String()).Int("failed", failed).Int("total", len(es)).Msg("expenses failed to decrypt")
	}
	return views, nil
}

// Update applies patch and re-encrypts the expense under editorID's key.
func (s *Service) Update(ctx context.Context, groupID, id, editorID uuid.UUID, patch Patch) (*View, error) {
	unlock := s.locks.RLock(groupID)
	defer unlock()

	g, err := s.group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	e, err := s.expense(ctx, groupID, id)
	if err != nil {
		return nil, err
	}
	p, err := s.crypto.DecryptExpenseData(ctx, e.Data.KeyOwnerID, groupID, g.KeyTag, &e.Data)
	if err != nil {
		return nil, err
	}
	patch.apply(p)
	if err := (Input{Title: p.Title, Amount: p.Amount, Description: p.Description}).validate(); err != nil {
		return nil, err
	}
	ct, err := s.crypto.EncryptExpenseData(ctx, editorID, groupID, g.KeyTag, p)
	if err != nil {
		return nil, err
	}
	e.Data = *ct
	if err := s.expenses.UpdateExpense(ctx, e); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrExpenseNotFound
		}
		return nil, fmt.Errorf("storing expense: %w", err)
	}
	return newView(e, p), nil
}

// Delete removes one expense.
func (s *Service) Delete(ctx context.Context, groupID, id uuid.UUID) error {
	unlock := s.locks.RLock(groupID)
	defer unlock()

	if err := s.expenses.DeleteExpense(ctx, groupID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrExpenseNotFound
		}
		return fmt.Errorf("deleting expense: %w", err)
	}
	return nil
}

func (s *Service) group(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	g, err := s.groups.GetGroup(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading group: %w", err)
	}
	return g, nil
}

func (s *Service) expense(ctx context.Context, groupID, id uuid.UUID) (*models.Expense, error) {
	e, err := s.expenses.GetExpense(ctx, groupID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrExpenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading expense: %w", err)
	}
	return e, nil
}

func newView(e *models.Expense, p *models.ExpensePlaintext) *View {
	v := &View{ExpensePlaintext: *p, AuthorID: e.Data.KeyOwnerID, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
	v.ID = e.ID
	v.GroupID = e.GroupID
	return v
}

func (in Input) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return errs.E("expense.validate", errs.KindInvalid, uuid.Nil, errors.New("title is required"))
	}
	if strings.TrimSpace(in.Amount) == "" {
		return errs.E("expense.validate", errs.KindInvalid, uuid.Nil, errors.New("amount is required"))
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(in.Amount), 64); err != nil {
		return errs.E("expense.validate", errs.KindInvalid, uuid.Nil, fmt.Errorf("amount %q is not a number", in.Amount))
	}
	return nil
}

func (p Patch) apply(to *models.ExpensePlaintext) {
	if p.Title != nil {
		to.Title = *p.Title
	}
	if p.Amount != nil {
		to.Amount = *p.Amount
	}
	if p.Description != nil {
		to.Description = *p.Description
	}
}
