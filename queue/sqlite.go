package queue

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
CREATE TABLE IF NOT EXISTS mutations (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	endpoint   TEXT NOT NULL,
	method     TEXT NOT NULL,
	header     BLOB,
	body       BLOB,
	created_at INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0
);`

type SQLiteConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

// SQLiteQueue relies on AUTOINCREMENT so seq never goes backwards, even after the tail is removed.
type SQLiteQueue struct {
	db     *sql.DB
	logger types.Logger
	config *SQLiteConfig
	state  atomic.Value
}

func NewSQLiteQueue(logger types.Logger, config *types.QueueConfig) (*SQLiteQueue, error) {
	sqliteConfig := &SQLiteConfig{
		Path:        "./data/queue.db",
		BusyTimeout: "5s",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, sqliteConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite queue config")
		}
	}

	busyTimeout, err := time.ParseDuration(sqliteConfig.BusyTimeout)
	if err != nil {
		return nil, types.Errorf(types.ErrConfigParseFailed, "busy_timeout: %v", err)
	}

	db, err := utils.OpenSQLite(sqliteConfig.Path, busyTimeout, sqliteSchema)
	if err != nil {
		return nil, types.Errorf(types.ErrStorageFailure, "%v", err)
	}

	q := &SQLiteQueue{
		db:     db,
		logger: logger,
		config: sqliteConfig,
	}

	q.state.Store(StateStopped)
	return q, nil
}

func (s *SQLiteQueue) Start() error {
	if !s.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	s.logger.Info("SQLite mutation queue started", zap.String("path", s.config.Path))
	return nil
}

func (s *SQLiteQueue) Stop() error {
	if !s.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}

	if err := s.db.Close(); err != nil {
		return types.WrapError(err, "failed to close queue database")
	}

	s.logger.Info("SQLite mutation queue stopped gracefully")
	return nil
}

func (s *SQLiteQueue) IsRunning() bool {
	return s.state.Load().(State) == StateRunning
}

func (s *SQLiteQueue) Enqueue(ctx context.Context, mutation *types.Mutation) (string, error) {
	stored, err := prepare(mutation)
	if err != nil {
		return "", err
	}

	header, err := utils.Marshal(stored.Header)
	if err != nil {
		return "", types.Errorf(types.ErrQueueEntryInvalid, "marshal header: %v", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mutations (id, endpoint, method, header, body, created_at, attempts) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		stored.ID, stored.Endpoint, stored.Method, header, stored.Body, stored.CreatedAt.UnixNano())
	if err != nil {
		return "", types.Errorf(types.ErrStorageFailure, "insert mutation: %v", err)
	}

	return stored.ID, nil
}

func (s *SQLiteQueue) Iterate(ctx context.Context, fn func(mutation *types.Mutation) (bool, error)) error {
	return iteratePages(ctx, func(afterSeq int64, limit int) ([]*types.Mutation, error) {
		return s.query(ctx, `SELECT seq, id, endpoint, method, header, body, created_at, attempts
			FROM mutations WHERE seq > ? ORDER BY seq LIMIT ?`, afterSeq, limit)
	}, fn)
}

func (s *SQLiteQueue) List(ctx context.Context) ([]*types.Mutation, error) {
	return s.query(ctx, `SELECT seq, id, endpoint, method, header, body, created_at, attempts
		FROM mutations ORDER BY seq`)
}

func (s *SQLiteQueue) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id)
	if err != nil {
		return types.Errorf(types.ErrStorageFailure, "delete mutation: %v", err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return types.Errorf(types.ErrQueueEntryNotFound, "id: %s", id)
	}

	return nil
}

func (s *SQLiteQueue) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int

	err := s.db.QueryRowContext(ctx,
		`UPDATE mutations SET attempts = attempts + 1 WHERE id = ? RETURNING attempts`, id,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, types.Errorf(types.ErrQueueEntryNotFound, "id: %s", id)
	}
	if err != nil {
		return 0, types.Errorf(types.ErrStorageFailure, "update mutation: %v", err)
	}

	return attempts, nil
}

func (s *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&count); err != nil {
		return 0, types.Errorf(types.ErrStorageFailure, "count mutations: %v", err)
	}

	return count, nil
}

func (s *SQLiteQueue) query(ctx context.Context, query string, args ...any) ([]*types.Mutation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.Errorf(types.ErrStorageFailure, "read mutations: %v", err)
	}
	defer rows.Close()

	mutations := make([]*types.Mutation, 0)
	for rows.Next() {
		var (
			m         types.Mutation
			header    []byte
			createdAt int64
		)

		if err := rows.Scan(&m.Seq, &m.ID, &m.Endpoint, &m.Method, &header, &m.Body, &createdAt, &m.Attempts); err != nil {
			return nil, types.Errorf(types.ErrStorageFailure, "scan mutation: %v", err)
		}

		if len(header) > 0 && string(header) != "null" {
			if err := utils.Unmarshal(header, &m.Header); err != nil {
				return nil, types.Errorf(types.ErrStorageFailure, "decode header: %v", err)
			}
		}
		m.CreatedAt = time.Unix(0, createdAt).UTC()

		mutations = append(mutations, &m)
	}

	return mutations, rows.Err()
}
