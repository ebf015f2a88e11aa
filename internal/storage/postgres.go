package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/groupledger/pkg/models"
)

// PgxPool is the subset of *pgxpool.Pool the backend uses. pgxmock pools satisfy it in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool PgxPool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

// NewPostgresBackendWithPool wraps an existing pool.
func NewPostgresBackendWithPool(pool PgxPool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}

// --- Group keys ---

func (p *PostgresBackend) GetGroupKey(ctx context.Context, groupID uuid.UUID) (*models.GroupMasterKeyRecord, error) {
	var rec models.GroupMasterKeyRecord
	err := p.pool.QueryRow(ctx,
		`SELECT group_id, protected_secret, version, created_at, updated_at
		 FROM group_master_keys WHERE group_id = $1`,
		groupID,
	).Scan(&rec.GroupID, &rec.ProtectedSecret, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading group key: %w", err)
	}
	return &rec, nil
}

func (p *PostgresBackend) InsertGroupKey(ctx context.Context, rec *models.GroupMasterKeyRecord) error {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO group_master_keys (group_id, protected_secret, version, created_at)
		 VALUES ($1, $2, 1, $3)
		 ON CONFLICT (group_id) DO NOTHING`,
		rec.GroupID, rec.ProtectedSecret, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting group key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	rec.Version = 1
	return nil
}

func (p *PostgresBackend) PutGroupKey(ctx context.Context, rec *models.GroupMasterKeyRecord, prevVersion int64) error {
	now := time.Now().UTC()
	tag, err := p.pool.Exec(ctx,
		`UPDATE group_master_keys
		 SET protected_secret = $2, version = version + 1, updated_at = $3
		 WHERE group_id = $1 AND version = $4`,
		rec.GroupID, rec.ProtectedSecret, now, prevVersion,
	)
	if err != nil {
		return fmt.Errorf("updating group key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current int64
		err := p.pool.QueryRow(ctx,
			`SELECT version FROM group_master_keys WHERE group_id = $1`, rec.GroupID,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading group key version: %w", err)
		}
		return ErrVersionConflict
	}
	rec.Version = prevVersion + 1
	rec.UpdatedAt = &now
	return nil
}

func (p *PostgresBackend) DeleteGroupKey(ctx context.Context, groupID uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM group_master_keys WHERE group_id = $1`, groupID)
	if err != nil {
		return fmt.Errorf("deleting group key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitKeyRotation moves the group row first so concurrent rotations of the
// same group queue on its row lock.
func (p *PostgresBackend) CommitKeyRotation(ctx context.Context, r *KeyRotation) error {
	groupID := r.Key.GroupID
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning rotation: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE groups SET key_tag = $2, rotated_at = $3 WHERE id = $1 AND key_tag = $4`,
		groupID, r.NewTag, r.RotatedAt, r.OldTag,
	)
	if err != nil {
		return fmt.Errorf("updating group key tag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	tag, err = tx.Exec(ctx,
		`UPDATE group_master_keys
		 SET protected_secret = $2, version = version + 1, updated_at = $3
		 WHERE group_id = $1 AND version = $4`,
		groupID, r.Key.ProtectedSecret, now, r.PrevVersion,
	)
	if err != nil {
		return fmt.Errorf("updating group key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM expenses WHERE group_id = $1`, groupID).Scan(&count); err != nil {
		return fmt.Errorf("counting expenses: %w", err)
	}
	if count != len(r.Expenses) {
		return ErrVersionConflict
	}
	for _, e := range r.Expenses {
		if e.GroupID != groupID {
			return ErrVersionConflict
		}
		if err := updateExpense(ctx, tx, e, now); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrVersionConflict
			}
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing rotation: %w", err)
	}
	r.Key.Version = r.PrevVersion + 1
	r.Key.UpdatedAt = &now
	return nil
}

// --- Groups ---

func (p *PostgresBackend) CreateGroup(ctx context.Context, g *models.Group) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO groups (id, name, owner_id, key_tag, created_at) VALUES ($1, $2, $3, $4, $5)`,
		g.ID, g.Name, g.OwnerID, g.KeyTag, g.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting group: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	var g models.Group
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, owner_id, key_tag, created_at, rotated_at FROM groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name, &g.OwnerID, &g.KeyTag, &g.CreatedAt, &g.RotatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading group: %w", err)
	}
	return &g, nil
}

func (p *PostgresBackend) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) CountGroups(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM groups`).Scan(&count)
	return count, err
}

// --- Expenses ---

const expenseColumns = `id, group_id, key_owner_id, algorithm, nonce,
	title_ciphertext, amount_ciphertext, description_ciphertext, created_at, updated_at`

func scanExpense(row pgx.Row) (*models.Expense, error) {
	var e models.Expense
	err := row.Scan(&e.ID, &e.GroupID, &e.Data.KeyOwnerID, &e.Data.Algorithm, &e.Data.Nonce,
		&e.Data.Title.Ciphertext, &e.Data.Amount.Ciphertext, &e.Data.Description.Ciphertext,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *PostgresBackend) CreateExpense(ctx context.Context, e *models.Expense) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO expenses (`+expenseColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)`,
		e.ID, e.GroupID, e.Data.KeyOwnerID, e.Data.Algorithm, e.Data.Nonce,
		e.Data.Title.Ciphertext, e.Data.Amount.Ciphertext, e.Data.Description.Ciphertext, e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting expense: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetExpense(ctx context.Context, groupID, id uuid.UUID) (*models.Expense, error) {
	e, err := scanExpense(p.pool.QueryRow(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE group_id = $1 AND id = $2`, groupID, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading expense: %w", err)
	}
	return e, nil
}

func (p *PostgresBackend) ListExpenses(ctx context.Context, groupID uuid.UUID) ([]*models.Expense, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE group_id = $1 ORDER BY created_at, id`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}
	defer rows.Close()

	var out []*models.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const updateExpenseSQL = `UPDATE expenses
	SET key_owner_id = $3, algorithm = $4, nonce = $5,
	    title_ciphertext = $6, amount_ciphertext = $7, description_ciphertext = $8, updated_at = $9
	WHERE group_id = $1 AND id = $2`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updateExpense(ctx context.Context, db execer, e *models.Expense, now time.Time) error {
	tag, err := db.Exec(ctx, updateExpenseSQL,
		e.GroupID, e.ID, e.Data.KeyOwnerID, e.Data.Algorithm, e.Data.Nonce,
		e.Data.Title.Ciphertext, e.Data.Amount.Ciphertext, e.Data.Description.Ciphertext, now,
	)
	if err != nil {
		return fmt.Errorf("updating expense: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	e.UpdatedAt = &now
	return nil
}

func (p *PostgresBackend) UpdateExpense(ctx context.Context, e *models.Expense) error {
	return updateExpense(ctx, p.pool, e, time.Now().UTC())
}

func (p *PostgresBackend) DeleteExpense(ctx context.Context, groupID, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM expenses WHERE group_id = $1 AND id = $2`, groupID, id)
	if err != nil {
		return fmt.Errorf("deleting expense: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) DeleteGroupExpenses(ctx context.Context, groupID uuid.UUID) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM expenses WHERE group_id = $1`, groupID)
	if err != nil {
		return 0, fmt.Errorf("deleting group expenses: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Provider init ---

func (p *PostgresBackend) InitProvider(ctx context.Context, data *models.InitData) error {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO provider_init (check_blob, shares, threshold, initialized_at)
		 SELECT $1, $2, $3, $4
		 WHERE NOT EXISTS (SELECT 1 FROM provider_init)`,
		data.CheckBlob, data.Shares, data.Threshold, data.InitializedAt,
	)
	if err != nil {
		return fmt.Errorf("storing init data: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (p *PostgresBackend) GetInitData(ctx context.Context) (*models.InitData, error) {
	var d models.InitData
	err := p.pool.QueryRow(ctx,
		`SELECT check_blob, shares, threshold, initialized_at FROM provider_init ORDER BY id LIMIT 1`,
	).Scan(&d.CheckBlob, &d.Shares, &d.Threshold, &d.InitializedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading init data: %w", err)
	}
	return &d, nil
}

func (p *PostgresBackend) IsInitialized(ctx context.Context) (bool, error) {
	var count int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM provider_init`).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil || entry.Metadata == nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, timestamp, actor_id, operation, path, status, response_code, response_time_ms, client_ip, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.RequestID, entry.Timestamp, entry.ActorID, entry.Operation, entry.Path,
		entry.Status, entry.ResponseCode, entry.ResponseTimeMs, entry.ClientIP, metaJSON,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, actor_id, operation, path, status, response_code, response_time_ms, client_ip, metadata FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Path != "" {
		fmt.Fprintf(&query, ` AND path LIKE $%d`, n)
		args = append(args, filter.Path+"%")
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.ActorID, &e.Operation,
			&e.Path, &e.Status, &e.ResponseCode, &e.ResponseTimeMs, &e.ClientIP, &metaJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
