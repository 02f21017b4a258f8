package kv

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/trustroll/migrations/postgres"
)

// postgresStore implementa Store sobre la tabla trust_kv.
type postgresStore struct {
	pool   *pgxpool.Pool
	prefix string
}

// NewPostgres abre un pool pgx, aplica las migraciones y retorna el Store.
func NewPostgres(ctx context.Context, dsn, prefix string) (Store, error) {
	if dsn == "" {
		return nil, errors.New("kv: postgres driver requires a DSN")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kv: postgres ping failed: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStore{pool: pool, prefix: prefix}, nil
}

// migrate ejecuta los .sql embebidos. Son idempotentes (IF NOT EXISTS).
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("kv: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("kv: read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("kv: apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *postgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	const q = `SELECT value FROM trust_kv WHERE key = $1`
	var v []byte
	if err := s.pool.QueryRow(ctx, q, withPrefix(s.prefix, key)).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (s *postgresStore) Set(ctx context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	const q = `
INSERT INTO trust_kv (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	_, err := s.pool.Exec(ctx, q, withPrefix(s.prefix, key), value)
	return err
}

func (s *postgresStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	const q = `DELETE FROM trust_kv WHERE key = $1`
	_, err := s.pool.Exec(ctx, q, withPrefix(s.prefix, key))
	return err
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
