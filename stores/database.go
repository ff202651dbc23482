package stores

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mike76-dev/smbrpc/schannel"
	"go.uber.org/zap"
)

const schema = `
	CREATE TABLE IF NOT EXISTS schannel_sessions (
		computer    TEXT PRIMARY KEY,
		session_key BYTEA NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// Database represents a PostgreSQL-backed store of schannel session keys.
type Database struct {
	pool *pgxpool.Pool
}

// Close closes the underlying database connection.
func (db *Database) Close() {
	db.pool.Close()
}

// NewStore returns an initialized Database instance.
func NewStore(ctx context.Context, dc DatabaseConfig, log *zap.Logger) (*Database, error) {
	pool, err := pgxpool.New(ctx, dc.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	} else if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info("connected to SQL database", zap.String("database", dc.Database), zap.String("host", dc.Host), zap.Int("port", dc.Port))
	return &Database{pool}, nil
}

// txn runs fn in a transaction, committing when fn succeeds.
func (db *Database) txn(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SessionKey implements schannel.KeyStore.
func (db *Database) SessionKey(ctx context.Context, computer string) ([]byte, error) {
	const query = `SELECT session_key FROM schannel_sessions WHERE computer = $1`
	var key []byte
	err := db.pool.QueryRow(ctx, query, strings.ToUpper(computer)).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schannel.ErrNoSession
	} else if err != nil {
		return nil, fmt.Errorf("failed to retrieve session key: %w", err)
	}
	return key, nil
}

// PutSessionKey stores the session key of a computer.
func (db *Database) PutSessionKey(ctx context.Context, computer string, key []byte) error {
	if len(key) != schannel.KeySize {
		return schannel.ErrKeyLength
	}
	return db.txn(ctx, func(ctx context.Context, tx pgx.Tx) error {
		const query = `
			INSERT INTO schannel_sessions (computer, session_key)
			VALUES ($1, $2)
			ON CONFLICT (computer) DO UPDATE
			SET session_key = EXCLUDED.session_key,
				updated_at = now()
		`
		if _, err := tx.Exec(ctx, query, strings.ToUpper(computer), key); err != nil {
			return fmt.Errorf("failed to store session key: %w", err)
		}
		return nil
	})
}

// DeleteSessionKey removes the session key of a computer.
func (db *Database) DeleteSessionKey(ctx context.Context, computer string) error {
	return db.txn(ctx, func(ctx context.Context, tx pgx.Tx) error {
		const query = `DELETE FROM schannel_sessions WHERE computer = $1`
		tag, err := tx.Exec(ctx, query, strings.ToUpper(computer))
		if err != nil {
			return fmt.Errorf("failed to remove session key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return schannel.ErrNoSession
		}
		return nil
	})
}

// Computers returns the names of the computers with a stored key.
func (db *Database) Computers(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT computer FROM schannel_sessions ORDER BY computer`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return names, nil
}
