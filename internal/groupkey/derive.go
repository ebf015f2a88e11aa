package groupkey

import (
	"context"
	"errors"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/org/groupledger/internal/crypto"
	"github.com/org/groupledger/internal/errs"
)

// Default KDF parameters.
const (
	DefaultIterations = 600_000
	DefaultKeyLength  = 32
)

// SecretSource yields unwrapped group master secrets. *Service implements it.
type SecretSource interface {
	GetUnwrappedSecret(ctx context.Context, groupID, tag uuid.UUID) ([]byte, error)
}

// Deriver derives per-user keys from a group's master secret with PBKDF2-HMAC-SHA256,
// using the user ID string as salt.
type Deriver struct {
	secrets SecretSource
}

func NewDeriver(secrets SecretSource) *Deriver {
	return &Deriver{secrets: secrets}
}

// DeriveUserKey returns the key of userID in the group. The caller zeroes it after use.
// A context deadline or cancellation hit during derivation yields errs.KindTransient.
func (d *Deriver) DeriveUserKey(ctx context.Context, iterations, outputLength int, userID, groupID, tag uuid.UUID) ([]byte, error) {
	const op = "groupkey.DeriveUserKey"
	if err := validateParams(op, iterations, outputLength, groupID); err != nil {
		return nil, err
	}
	secret, err := d.secrets.GetUnwrappedSecret(ctx, groupID, tag)
	if err != nil {
		return nil, errs.Wrap(op, groupID, err)
	}
	defer crypto.Zero(secret)

	key, err := deriveWithContext(ctx, secret, userID, iterations, outputLength)
	if err != nil {
		return nil, derivationErr(op, groupID, err)
	}
	return key, nil
}

// DeriveUserKeys unwraps the master secret once and derives one key per distinct user,
// in parallel. The caller zeroes every returned key after use.
func (d *Deriver) DeriveUserKeys(ctx context.Context, iterations, outputLength int, userIDs []uuid.UUID, groupID, tag uuid.UUID) (map[uuid.UUID][]byte, error) {
	const op = "groupkey.DeriveUserKeys"
	if err := validateParams(op, iterations, outputLength, groupID); err != nil {
		return nil, err
	}
	distinct := make([]uuid.UUID, 0, len(userIDs))
	seen := make(map[uuid.UUID]bool, len(userIDs))
	for _, id := range userIDs {
		if !seen[id] {
			seen[id] = true
			distinct = append(distinct, id)
		}
	}
	if len(distinct) == 0 {
		return map[uuid.UUID][]byte{}, nil
	}

	secret, err := d.secrets.GetUnwrappedSecret(ctx, groupID, tag)
	if err != nil {
		return nil, errs.Wrap(op, groupID, err)
	}
	defer crypto.Zero(secret)

	keys := make([][]byte, len(distinct))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, id := range distinct {
		g.Go(func() error {
			k, err := deriveWithContext(gctx, secret, id, iterations, outputLength)
			if err != nil {
				return err
			}
			keys[i] = k
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, k := range keys {
			crypto.Zero(k)
		}
		return nil, derivationErr(op, groupID, err)
	}

	out := make(map[uuid.UUID][]byte, len(distinct))
	for i, id := range distinct {
		out[id] = keys[i]
	}
	return out, nil
}

type deriveResult struct {
	key []byte
	err error
}

// deriveWithContext runs PBKDF2 on a private copy of secret so an abandoned
// computation never reads memory the caller has already zeroed.
func deriveWithContext(ctx context.Context, secret []byte, userID uuid.UUID, iterations, outputLength int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	material := append([]byte(nil), secret...)
	done := make(chan deriveResult, 1)
	go func() {
		defer crypto.Zero(material)
		k, err := crypto.DeriveSubKey(material, userID.String(), iterations, outputLength)
		if ctx.Err() != nil {
			crypto.Zero(k)
			k = nil
		}
		done <- deriveResult{key: k, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.key == nil {
			return nil, ctx.Err()
		}
		return r.key, r.err
	case <-ctx.Done():
		select {
		case r := <-done:
			crypto.Zero(r.key)
		default:
		}
		return nil, ctx.Err()
	}
}

func validateParams(op string, iterations, outputLength int, groupID uuid.UUID) error {
	if iterations < 1 {
		return errs.E(op, errs.KindInvalid, groupID, errors.New("iterations must be at least 1"))
	}
	if outputLength < crypto.MinDerivedKeyLen {
		return errs.E(op, errs.KindInvalid, groupID, errors.New("output length too short"))
	}
	return nil
}

func derivationErr(op string, groupID uuid.UUID, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errs.E(op, errs.KindTransient, groupID, err)
	case errs.KindOf(err) != errs.KindUnknown:
		return errs.Wrap(op, groupID, err)
	default:
		return errs.E(op, errs.KindUnknown, groupID, err)
	}
}
