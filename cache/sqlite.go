package cache

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS generations (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT NOT NULL,
	key        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     BLOB,
	body       BLOB,
	encoding   TEXT NOT NULL,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (generation, key)
);`

type SQLiteConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

// SQLiteStore is the durable default backend. Every write runs in its own transaction.
type SQLiteStore struct {
	logger types.Logger
	config *SQLiteConfig
	codec  *utils.Codec
	db     *sql.DB
	state  atomic.Value
}

func NewSQLiteStore(logger types.Logger, config *types.CacheConfig) (*SQLiteStore, error) {
	sqliteConfig := &SQLiteConfig{
		Path:        "./data/cache.db",
		BusyTimeout: "5s",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, sqliteConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite cache config")
		}
	}

	busyTimeout, err := time.ParseDuration(sqliteConfig.BusyTimeout)
	if err != nil {
		return nil, types.Errorf(types.ErrConfigParseFailed, "busy_timeout: %v", err)
	}

	db, err := utils.OpenSQLite(sqliteConfig.Path, busyTimeout, sqliteSchema)
	if err != nil {
		return nil, types.Errorf(types.ErrCacheConnectionFailed, "%v", err)
	}

	store := &SQLiteStore{
		logger: logger,
		config: sqliteConfig,
		codec:  utils.NewCodec(config.Compress),
		db:     db,
	}

	store.state.Store(false)

	return store, nil
}

func (s *SQLiteStore) Start() error {
	if !s.state.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}

	s.logger.Info("SQLite cache store started", zap.String("path", s.config.Path))
	return nil
}

func (s *SQLiteStore) Stop() error {
	if !s.state.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}

	if err := s.db.Close(); err != nil {
		return types.WrapError(err, "failed to close cache database")
	}

	s.logger.Info("SQLite cache store stopped gracefully")
	return nil
}

func (s *SQLiteStore) IsRunning() bool {
	return s.state.Load().(bool)
}

func (s *SQLiteStore) Open(ctx context.Context, name string) (types.Generation, error) {
	gen, err := types.ParseGeneration(name)
	if err != nil {
		return types.Generation{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO generations (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UnixNano())
	if err != nil {
		return types.Generation{}, types.Errorf(types.ErrStorageFailure, "open %s: %v", name, err)
	}

	return gen, nil
}

func (s *SQLiteStore) Get(ctx context.Context, gen types.Generation, key string) (*types.CachedResponse, bool, error) {
	if key == "" {
		return nil, false, types.ErrCacheKeyEmpty
	}

	var (
		stored   storedEntry
		header   []byte
		storedAt int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT key, status, header, body, encoding, stored_at FROM entries WHERE generation = ? AND key = ?`,
		gen.Name(), key,
	).Scan(&stored.Key, &stored.Status, &header, &stored.Body, &stored.Encoding, &storedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.Errorf(types.ErrStorageFailure, "get: %v", err)
	}

	if len(header) > 0 {
		if err := utils.Unmarshal(header, &stored.Header); err != nil {
			return nil, false, types.Errorf(types.ErrStorageFailure, "decode header: %v", err)
		}
	}
	stored.StoredAt = time.Unix(0, storedAt).UTC()

	entry, err := stored.decode(s.codec)
	if err != nil {
		return nil, false, err
	}

	return entry, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, gen types.Generation, key string, entry *types.CachedResponse) error {
	if err := checkPut(gen, key, entry); err != nil {
		return err
	}

	stored, err := encodeEntry(s.codec, key, entry)
	if err != nil {
		return err
	}

	header, err := utils.Marshal(stored.Header)
	if err != nil {
		return types.Errorf(types.ErrStorageFailure, "encode header: %v", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Errorf(types.ErrStorageFailure, "begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO generations (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		gen.Name(), time.Now().UnixNano()); err != nil {
		return types.Errorf(types.ErrStorageFailure, "put: %v", err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO entries (generation, key, status, header, body, encoding, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(generation, key) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			encoding = excluded.encoding,
			stored_at = excluded.stored_at`,
		gen.Name(), key, stored.Status, header, stored.Body, stored.Encoding, stored.StoredAt.UnixNano()); err != nil {
		return types.Errorf(types.ErrStorageFailure, "put: %v", err)
	}

	if err = tx.Commit(); err != nil {
		return types.Errorf(types.ErrStorageFailure, "commit: %v", err)
	}

	return nil
}

func (s *SQLiteStore) DeleteGeneration(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, types.Errorf(types.ErrStorageFailure, "begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE generation = ?`, name); err != nil {
		return false, types.Errorf(types.ErrStorageFailure, "delete entries: %v", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, name)
	if err != nil {
		return false, types.Errorf(types.ErrStorageFailure, "delete generation: %v", err)
	}

	if err = tx.Commit(); err != nil {
		return false, types.Errorf(types.ErrStorageFailure, "commit: %v", err)
	}

	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *SQLiteStore) ListGenerations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM generations ORDER BY name`)
	if err != nil {
		return nil, types.Errorf(types.ErrStorageFailure, "list: %v", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, types.Errorf(types.ErrStorageFailure, "scan: %v", err)
		}
		names = append(names, name)
	}

	return names, rows.Err()
}
