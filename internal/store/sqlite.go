package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"surveyrelay/internal/logging"
	dbconfig "surveyrelay/pkg/database"
	"surveyrelay/pkg/interfaces"
	"surveyrelay/pkg/types"
)

// SQLiteStore implements interfaces.Store on SQLite. Reads go straight to
// the pool; every write is funnelled through one goroutine so SQLite
// never sees competing writers from this process.
type SQLiteStore struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	stopped      chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	logger       zerolog.Logger
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewSQLiteStore opens the database, applies pragmas and migrations,
// validates the schema and starts the writer goroutine.
func NewSQLiteStore(config *dbconfig.Config) (*SQLiteStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	for _, pragma := range dbconfig.SQLitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	if err := dbconfig.NewMigrationManager(db, dbconfig.Migrations()).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}

	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}

	s := &SQLiteStore{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		logger:       logging.WithComponent("store").With().Str("driver", "sqlite").Logger(),
	}

	s.wg.Add(1)
	go s.writeLoop()

	s.logger.Info().Str("path", config.DatabasePath).Msg("store opened")
	return s, nil
}

func (s *SQLiteStore) writeLoop() {
	defer s.wg.Done()
	defer close(s.stopped)

	for {
		select {
		case op := <-s.writeChannel:
			op.result <- op.operation(s.db)
		case <-s.shutdown:
			// fail whatever is still queued
			for {
				select {
				case op := <-s.writeChannel:
					op.result <- interfaces.ErrStoreClosed
				default:
					return
				}
			}
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (s *SQLiteStore) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(s.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return fmt.Errorf("write operation timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return interfaces.ErrStoreClosed
	}

	// Once queued, wait for the outcome so a committed write is never
	// reported as failed.
	select {
	case err := <-result:
		return err
	case <-s.stopped:
		select {
		case err := <-result:
			return err
		default:
			return interfaces.ErrStoreClosed
		}
	}
}

// Get returns the stored value for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query setting %s: %w", key, err)
	}
	return []byte(value), nil
}

// Set upserts the value for key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO settings (key, value, version, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				version = settings.version + 1,
				updated_at = excluded.updated_at
		`, key, string(value), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to write setting %s: %w", key, err)
		}
		return nil
	})
}

// CompareAndSwap writes next only when the stored value equals prev.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	swapped := false
	err := s.executeWrite(ctx, func(db *sql.DB) error {
		var (
			res sql.Result
			err error
		)
		if prev == nil {
			res, err = db.ExecContext(ctx, `
				INSERT INTO settings (key, value, version, updated_at)
				VALUES (?, ?, 1, ?)
				ON CONFLICT(key) DO NOTHING
			`, key, string(next), time.Now().UTC())
		} else {
			res, err = db.ExecContext(ctx, `
				UPDATE settings
				SET value = ?, version = version + 1, updated_at = ?
				WHERE key = ? AND value = ?
			`, string(next), time.Now().UTC(), key, string(prev))
		}
		if err != nil {
			return fmt.Errorf("failed to swap setting %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read swap result for %s: %w", key, err)
		}
		swapped = n == 1
		return nil
	})
	return swapped, err
}

// Append inserts one result into the log.
func (s *SQLiteStore) Append(ctx context.Context, result *types.SurveyResult) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		var sessionID sql.NullInt64
		if result.SessionID.Valid() {
			sessionID = sql.NullInt64{Int64: int64(result.SessionID), Valid: true}
		}
		_, err := db.ExecContext(ctx, `
			INSERT INTO survey_results
				(id, owner_id, session_id, character_id, character_name, payload, rejected, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			result.ID,
			result.OwnerID,
			sessionID,
			result.CharacterID,
			result.CharacterName,
			string(result.Payload),
			result.Rejected,
			result.ReceivedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert result: %w", err)
		}
		return nil
	})
}

// List returns the whole log in insertion order.
func (s *SQLiteStore) List(ctx context.Context) ([]*types.SurveyResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, session_id, character_id, character_name, payload, rejected, received_at
		FROM survey_results
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*types.SurveyResult
	for rows.Next() {
		var (
			result        types.SurveyResult
			sessionID     sql.NullInt64
			characterID   sql.NullString
			characterName sql.NullString
			rejected      sql.NullString
			payload       string
		)
		if err := rows.Scan(
			&result.ID,
			&result.OwnerID,
			&sessionID,
			&characterID,
			&characterName,
			&payload,
			&rejected,
			&result.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		if sessionID.Valid {
			result.SessionID = types.SessionID(sessionID.Int64)
		}
		result.CharacterID = characterID.String
		result.CharacterName = characterName.String
		result.Rejected = rejected.String
		result.Payload = []byte(payload)
		results = append(results, &result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating result rows: %w", err)
	}
	return results, nil
}

// CountByOwner counts results logged for owner within session.
func (s *SQLiteStore) CountByOwner(ctx context.Context, sessionID types.SessionID, ownerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM survey_results
		WHERE session_id = ? AND owner_id = ? AND (rejected IS NULL OR rejected = '')
	`, int64(sessionID), ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return count, nil
}

// HealthCheck validates database connectivity
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM settings").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the pool. Safe to call twice.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.logger.Info().Msg("store closed")
	return nil
}
