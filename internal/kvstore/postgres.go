package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs the kernel's keyspace with a single ordered
// table. The kernel already partitions the keyspace by string prefix,
// so one flat `ordered_kv` table serves every concern rather than one
// table per record type.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the ordered_kv schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("kvstore: postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("kvstore: create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS ordered_kv (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL
	)`)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("kvstore: postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return get(ctx, s.pool, key)
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	return set(ctx, s.pool, key, value)
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	return del(ctx, s.pool, key)
}

func (s *PostgresStore) GetNextKey(ctx context.Context, k string) (string, bool, error) {
	return nextKey(ctx, s.pool, k)
}

func (s *PostgresStore) ExecuteQuery(ctx context.Context, q Scan) ([]Row, error) {
	return executeQuery(ctx, s.pool, q)
}

// BeginCrank opens a pgx transaction wrapping exactly one crank.
func (s *PostgresStore) BeginCrank(ctx context.Context) (Txn, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("kvstore: begin crank transaction: %w", err)
	}
	return &postgresTxn{tx: tx}, nil
}

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx, letting the
// helpers below run identically inside or outside a transaction.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func get(ctx context.Context, q queryable, key string) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRow(ctx, `SELECT value FROM ordered_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return value, true, nil
}

func set(ctx context.Context, q queryable, key string, value []byte) error {
	_, err := q.Exec(ctx, `INSERT INTO ordered_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}
	return nil
}

func del(ctx context.Context, q queryable, key string) error {
	_, err := q.Exec(ctx, `DELETE FROM ordered_kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("kvstore: delete %s: %w", key, err)
	}
	return nil
}

func nextKey(ctx context.Context, q queryable, k string) (string, bool, error) {
	var key string
	err := q.QueryRow(ctx, `SELECT key FROM ordered_kv WHERE key > $1 ORDER BY key LIMIT 1`, k).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: next key after %s: %w", k, err)
	}
	return key, true, nil
}

func executeQuery(ctx context.Context, q queryable, scan Scan) ([]Row, error) {
	sql := `SELECT key, value FROM ordered_kv WHERE key LIKE $1 AND key > $2 ORDER BY key`
	args := []any{scan.Prefix + "%", scan.Start}
	if scan.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", scan.Limit)
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: scan %s: %w", scan.Prefix, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("kvstore: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type postgresTxn struct {
	tx pgx.Tx
}

func (t *postgresTxn) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return get(ctx, t.tx, key)
}

func (t *postgresTxn) Set(ctx context.Context, key string, value []byte) error {
	return set(ctx, t.tx, key, value)
}

func (t *postgresTxn) Delete(ctx context.Context, key string) error {
	return del(ctx, t.tx, key)
}

func (t *postgresTxn) GetNextKey(ctx context.Context, k string) (string, bool, error) {
	return nextKey(ctx, t.tx, k)
}

func (t *postgresTxn) ExecuteQuery(ctx context.Context, scan Scan) ([]Row, error) {
	return executeQuery(ctx, t.tx, scan)
}

func (t *postgresTxn) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *postgresTxn) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
