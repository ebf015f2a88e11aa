// Package expense encrypts expense fields under per-user keys and manages the expense lifecycle.
package expense

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/org/groupledger/internal/crypto"
	"github.com/org/groupledger/internal/errs"
	"github.com/org/groupledger/pkg/models"
)

// Field positions. Each selects a distinct nonce from the record nonce and is bound as associated data.
const (
	fieldTitle uint32 = iota
	fieldAmount
	fieldDescription
)

var fieldNames = [...]string{"title", "amount", "description"}

// KeyDeriver derives per-user keys. *groupkey.Deriver implements it.
type KeyDeriver interface {
	DeriveUserKey(ctx context.Context, iterations, outputLength int, userID, groupID, tag uuid.UUID) ([]byte, error)
	DeriveUserKeys(ctx context.Context, iterations, outputLength int, userIDs []uuid.UUID, groupID, tag uuid.UUID) (map[uuid.UUID][]byte, error)
}

// DecryptResult is the outcome for one record of a batch decrypt.
type DecryptResult struct {
	Expense *models.ExpensePlaintext
	Err     error
}

// Orchestrator turns plaintext expenses into per-user ciphertext and back.
type Orchestrator struct {
	deriver    KeyDeriver
	cipher     *crypto.FieldCipher
	iterations int
}

// NewOrchestrator encrypts new data with c and derives keys with the given PBKDF2 iteration count.
func NewOrchestrator(deriver KeyDeriver, c *crypto.FieldCipher, iterations int) *Orchestrator {
	return &Orchestrator{deriver: deriver, cipher: c, iterations: iterations}
}

// WithDeriver returns a copy of o that derives keys through d.
func (o *Orchestrator) WithDeriver(d KeyDeriver) *Orchestrator {
	c := *o
	c.deriver = d
	return &c
}

// EncryptExpenseData encrypts the three sensitive fields under userID's key.
// One random nonce is drawn per record and each field uses its own derivation of it.
func (o *Orchestrator) EncryptExpenseData(ctx context.Context, userID, groupID, tag uuid.UUID, p *models.ExpensePlaintext) (*models.ExpenseCiphertext, error) {
	const op = "expense.Encrypt"
	key, err := o.deriver.DeriveUserKey(ctx, o.iterations, o.cipher.KeySize(), userID, groupID, tag)
	if err != nil {
		return nil, errs.Wrap(op, groupID, err)
	}
	defer crypto.Zero(key)

	ct, err := o.seal(key, userID, groupID, p)
	if err != nil {
		return nil, errs.E(op, errs.KindUnknown, groupID, err)
	}
	return ct, nil
}

// EncryptMultipleExpensesData encrypts plaintexts[i] under userIDs[i]'s key,
// deriving each distinct user's key once.
func (o *Orchestrator) EncryptMultipleExpensesData(ctx context.Context, groupID, tag uuid.UUID, userIDs []uuid.UUID, plaintexts []*models.ExpensePlaintext) ([]*models.ExpenseCiphertext, error) {
	const op = "expense.EncryptMultiple"
	if len(userIDs) != len(plaintexts) {
		return nil, errs.E(op, errs.KindInvalid, groupID, fmt.Errorf("%d users for %d expenses", len(userIDs), len(plaintexts)))
	}
	keys, err := o.deriver.DeriveUserKeys(ctx, o.iterations, o.cipher.KeySize(), userIDs, groupID, tag)
	if err != nil {
		return nil, errs.Wrap(op, groupID, err)
	}
	defer zeroKeys(keys)

	out := make([]*models.ExpenseCiphertext, len(plaintexts))
	for i, p := range plaintexts {
		ct, err := o.seal(keys[userIDs[i]], userIDs[i], groupID, p)
		if err != nil {
			return nil, errs.E(op, errs.KindUnknown, groupID, err)
		}
		out[i] = ct
	}
	return out, nil
}

// DecryptExpenseData decrypts ct with userID's key. A key other than the one
// the record was written with fails with errs.KindAuthentication.
func (o *Orchestrator) DecryptExpenseData(ctx context.Context, userID, groupID, tag uuid.UUID, ct *models.ExpenseCiphertext) (*models.ExpensePlaintext, error) {
	const op = "expense.Decrypt"
	key, err := o.deriver.DeriveUserKey(ctx, o.iterations, o.cipher.KeySize(), userID, groupID, tag)
	if err != nil {
		return nil, errs.Wrap(op, groupID, err)
	}
	defer crypto.Zero(key)

	p, err := o.open(key, groupID, ct)
	if err != nil {
		return nil, decryptErr(op, groupID, err)
	}
	return p, nil
}

// DecryptMultipleExpensesData decrypts cts[i] with userIDs[i]'s key. Keys are
// derived once per distinct user. Missing or unwrappable group keys fail the
// whole call; integrity failures are reported per record.
func (o *Orchestrator) DecryptMultipleExpensesData(ctx context.Context, groupID, tag uuid.UUID, userIDs []uuid.UUID, cts []*models.ExpenseCiphertext) ([]DecryptResult, error) {
	const op = "expense.DecryptMultiple"
	if len(userIDs) != len(cts) {
		return nil, errs.E(op, errs.KindInvalid, groupID, fmt.Errorf("%d users for %d expenses", len(userIDs), len(cts)))
	}
	keys, err := o.deriver.DeriveUserKeys(ctx, o.iterations, o.cipher.KeySize(), userIDs, groupID, tag)
	if err != nil {
		return nil, errs.Wrap(op, groupID, err)
	}
	defer zeroKeys(keys)

	out := make([]DecryptResult, len(cts))
	for i, ct := range cts {
		p, err := o.open(keys[userIDs[i]], groupID, ct)
		if err != nil {
			out[i].Err = decryptErr(op, groupID, err)
			continue
		}
		out[i].Expense = p
	}
	return out, nil
}

func (o *Orchestrator) seal(key []byte, userID, groupID uuid.UUID, p *models.ExpensePlaintext) (*models.ExpenseCiphertext, error) {
	if p == nil {
		return nil, errors.New("nil expense")
	}
	nonce, err := o.cipher.NewNonce()
	if err != nil {
		return nil, err
	}
	ct := &models.ExpenseCiphertext{
		KeyOwnerID: userID,
		Algorithm:  string(o.cipher.Algorithm()),
		Nonce:      nonce,
	}
	fields := []struct {
		idx uint32
		in  string
		out *models.EncryptedField
	}{
		{fieldTitle, p.Title, &ct.Title},
		{fieldAmount, p.Amount, &ct.Amount},
		{fieldDescription, p.Description, &ct.Description},
	}
	for _, f := range fields {
		sealed, err := o.cipher.Encrypt([]byte(f.in), key, crypto.FieldNonce(nonce, f.idx), fieldAAD(groupID, f.idx))
		if err != nil {
			return nil, fmt.Errorf("encrypting %s: %w", fieldNames[f.idx], err)
		}
		f.out.Ciphertext = sealed
	}
	return ct, nil
}

func (o *Orchestrator) open(key []byte, groupID uuid.UUID, ct *models.ExpenseCiphertext) (*models.ExpensePlaintext, error) {
	if ct == nil {
		return nil, errors.New("nil ciphertext")
	}
	c := o.cipher
	if ct.Algorithm != "" && ct.Algorithm != string(c.Algorithm()) {
		var err error
		if c, err = crypto.NewFieldCipher(crypto.Algorithm(ct.Algorithm)); err != nil {
			return nil, err
		}
	}
	out := &models.ExpensePlaintext{GroupID: groupID}
	fields := []struct {
		idx uint32
		in  models.EncryptedField
		out *string
	}{
		{fieldTitle, ct.Title, &out.Title},
		{fieldAmount, ct.Amount, &out.Amount},
		{fieldDescription, ct.Description, &out.Description},
	}
	for _, f := range fields {
		plain, err := c.Decrypt(f.in.Ciphertext, key, crypto.FieldNonce(ct.Nonce, f.idx), fieldAAD(groupID, f.idx))
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", fieldNames[f.idx], err)
		}
		*f.out = string(plain)
	}
	return out, nil
}

func fieldAAD(groupID uuid.UUID, idx uint32) []byte {
	return []byte("groupledger.expense.v1/" + groupID.String() + "/" + fieldNames[idx])
}

func decryptErr(op string, groupID uuid.UUID, err error) error {
	if errors.Is(err, crypto.ErrAuthentication) {
		return errs.E(op, errs.KindAuthentication, groupID, err)
	}
	return errs.E(op, errs.KindUnknown, groupID, err)
}

func zeroKeys(keys map[uuid.UUID][]byte) {
	for _, k := range keys {
		crypto.Zero(k)
	}
}
