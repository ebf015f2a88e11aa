package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/org/groupledger/pkg/models"
)

func newMockBackend(t *testing.T) (*PostgresBackend, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return NewPostgresBackendWithPool(mock), mock
}

func TestPostgres_GetGroupKey_NotFound(t *testing.T) {
	p, mock := newMockBackend(t)
	defer mock.Close()
	gid := uuid.New()

	mock.ExpectQuery(`SELECT group_id, protected_secret, version, created_at, updated_at FROM group_master_keys WHERE group_id = \$1`).
		WithArgs(gid).
		WillReturnError(pgx.ErrNoRows)

	_, err := p.GetGroupKey(context.Background(), gid)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetGroupKey_OK(t *testing.T) {
	p, mock := newMockBackend(t)
	defer mock.Close()
	gid := uuid.New()
	created := time.Now().UTC()

	mock.ExpectQuery(`FROM group_master_keys WHERE group_id = \$1`).
		WithArgs(gid).
		WillReturnRows(pgxmock.NewRows([]string{"group_id", "protected_secret", "version", "created_at", "updated_at"}).
			AddRow(gid, []byte("blob"), int64(3), created, nil))

	rec, err := p.GetGroupKey(context.Background(), gid)
	require.NoError(t, err)
	require.Equal(t, gid, rec.GroupID)
	require.Equal(t, []byte("blob"), rec.ProtectedSecret)
	require.Equal(t, int64(3), rec.Version)
	require.Nil(t, rec.UpdatedAt)
}

func TestPostgres_InsertGroupKey(t *testing.T) {
	p, mock := newMockBackend(t)
	defer mock.Close()
	ctx := context.Background()
	rec := &models.GroupMasterKeyRecord{GroupID: uuid.New(), ProtectedSecret: []byte("blob"), CreatedAt: time.Now().UTC()}

	mock.ExpectExec(`INSERT INTO group_master_keys .* ON CONFLICT \(group_id\) DO NOTHING`).
		WithArgs(rec.GroupID, rec.ProtectedSecret, rec.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, p.InsertGroupKey(ctx, rec))
	require.Equal(t, int64(1), rec.Version)

	// The losing writer of a create race sees zero affected rows.
	mock.ExpectExec(`INSERT INTO group_master_keys .* ON CONFLICT \(group_id\) DO NOTHING`).
		WithArgs(rec.GroupID, rec.ProtectedSecret, rec.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	require.ErrorIs(t, p.InsertGroupKey(ctx, rec), ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutGroupKey_OK(t *testing.T) {
	p, mock := newMockBackend(t)
	defer mock.Close()
	rec := &models.GroupMasterKeyRecord{GroupID: uuid.New(), ProtectedSecret: []byte("new")}

	mock.ExpectExec(`UPDATE group_master_keys SET protected_secret = \$2, version = version \+ 1, updated_at = \$3 WHERE group_id = \$1 AND version = \$4`).
		WithArgs(rec.GroupID, rec.ProtectedSecret, pgxmock.AnyArg(), int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, p.PutGroupKey(context.Background(), rec, 4))
	require.Equal(t, int64(5), rec.Version)
	require.NotNil(t, rec.UpdatedAt)
}

func TestPostgres_PutGroupKey_VersionConflict(t *testing.T) {
	p, mock := newMockBackend(t)
	defer mock.Close()
	rec := &models.GroupMasterKeyRecord{GroupID: uuid.New(), ProtectedSecret: []byte("new")}

	mock.ExpectExec(`UPDATE group_master_keys`).
		WithArgs(rec.GroupID, rec.ProtectedSecret, pgxmock.AnyArg(), int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT version FROM group_master_keys WHERE group_id = \$1`).
		WithArgs(rec.GroupID).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(2)))

	require.ErrorIs(t, p.PutGroupKey(context.Background(), rec, 1), ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutGroupKey_NotFound(t *testing.T) {
	p, mock := newMockBackend(t)
	defer mock.Close()
	rec := &models.GroupMasterKeyRecord{GroupID: uuid.New(), ProtectedSecret: []byte("new")}

	mock.ExpectExec(`UPDATE group_master_keys`).
		WithArgs(rec.GroupID, rec.ProtectedSecret, pgxmock.AnyArg(), int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT version FROM group_master_keys`).
		WithArgs(rec.GroupID).
		WillReturnError(pgx.ErrNoRows)

	require.ErrorIs(t, p.PutGroupKey(context.Background(), rec, 1), ErrNotFound)
}

func TestPostgres_DeleteGroupKey_NotFound(t *testing.T) {
	p, mock := newMockBackend(t)
	defer mock.Close()
	gid := uuid.New()

	mock.ExpectExec(`DELETE FROM group_master_keys WHERE group_id = \$1`).
		WithArgs(gid).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.ErrorIs(t, p.DeleteGroupKey(context.Background(), gid), ErrNotFound)
}

func newRotation(gid uuid.UUID, es ...*models.Expense) *KeyRotation {
	return &KeyRotation{
		Key:         &models.GroupMasterKeyRecord{GroupID: gid, ProtectedSecret: []byte("rotated")},
		PrevVersion: 3,
		OldTag:      uuid.New(),
		NewTag:      uuid.New(),
		Expenses:    es,
		RotatedAt:   time.Now().UTC(),
	}
}

func TestPostgres_CommitKeyRotation_OK(t *testing.T) {
	p, mock := newMockBackend(t)
	defer mock.Close()
	gid := uuid.New()
	e := &models.Expense{ID: uuid.New(), GroupID: gid, Data: models.ExpenseCiphertext{Nonce: []byte("n")}}
	r := newRotation(gid, e)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE groups SET key_tag = \$2, rotated_at = \$3 WHERE id = \$1 AND key_tag = \$4`).
		WithArgs(gid, r.NewTag, r.RotatedAt, r.OldTag).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE group_master_keys`).
		WithArgs(gid, []byte("rotated"), pgxmock.AnyArg(), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM expenses WHERE group_id = \$1`).
		WithArgs(gid).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(`UPDATE expenses`).
		WithArgs(gid, e.ID, e.Data.KeyOwnerID, e.Data.Algorithm, e.Data.Nonce,
			[]byte(nil), []byte(nil), []byte(nil), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, p.CommitKeyRotation(context.Background(), r))
	require.Equal(t, int64(4), r.Key.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CommitKeyRotation_KeyMoved(t *testing.T) {
	p, mock := newMockBackend(t)
	defer mock.Close()
	gid := uuid.New()
	r := newRotation(gid)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE groups`).
		WithArgs(gid, r.NewTag, r.RotatedAt, r.OldTag).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE group_master_keys`).
		WithArgs(gid, []byte("rotated"), pgxmock.AnyArg(), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	require.ErrorIs(t, p.CommitKeyRotation(context.Background(), r), ErrVersionConflict)
	require.Zero(t, r.Key.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CommitKeyRotation_ExpenseAdded(t *testing.T) {
	p, mock := newMockBackend(t)
	defer mock.Close()
	gid := uuid.New()
	r := newRotation(gid)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE groups`).
		WithArgs(gid, r.NewTag, r.RotatedAt, r.OldTag).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE group_master_keys`).
		WithArgs(gid, []byte("rotated"), pgxmock.AnyArg(), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(gid).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	require.ErrorIs(t, p.CommitKeyRotation(context.Background(), r), ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListExpenses(t *testing.T) {
	p, mock := newMockBackend(t)
	defer mock.Close()
	gid, eid, owner := uuid.New(), uuid.New(), uuid.New()
	created := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM expenses WHERE group_id = \$1 ORDER BY created_at, id`).
		WithArgs(gid).
		WillReturnRows(pgxmock.NewRows([]string{"id", "group_id", "key_owner_id", "algorithm", "nonce",
			"title_ciphertext", "amount_ciphertext", "description_ciphertext", "created_at", "updated_at"}).
			AddRow(eid, gid, owner, "aes-256-gcm", []byte("n"), []byte("t"), []byte("a"), []byte("d"), created, nil))

	list, err := p.ListExpenses(context.Background(), gid)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, owner, list[0].Data.KeyOwnerID)
	require.Equal(t, []byte("t"), list[0].Data.Title.Ciphertext)
}

func TestPostgres_InitProvider_AlreadyInitialized(t *testing.T) {
	p, mock := newMockBackend(t)
	defer mock.Close()
	data := &models.InitData{CheckBlob: []byte("c"), Shares: 5, Threshold: 3, InitializedAt: time.Now().UTC()}

	mock.ExpectExec(`INSERT INTO provider_init .* WHERE NOT EXISTS`).
		WithArgs(data.CheckBlob, 5, 3, data.InitializedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.ErrorIs(t, p.InitProvider(context.Background(), data), ErrAlreadyExists)
}
