package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/artifact-viewer/internal/domain"
	"github.com/ashureev/artifact-viewer/internal/shared"
	_ "modernc.org/sqlite"
)

// sessionKey is the single storage key holding the active session record.
const sessionKey = "session"

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // serializes read-merge-write of the session record
	seqMu     sync.Mutex
	now       func() time.Time
	logger    *slog.Logger
}

// NewSQLite creates a new SQLite-backed repository. A nil logger uses slog.Default.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now, logger: logger}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sequences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Get returns the active session. Undecodable values are reported as absent.
func (s *SQLiteStore) Get(ctx context.Context) (*domain.Session, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.getLocked(ctx)
}

func (s *SQLiteStore) getLocked(ctx context.Context) (*domain.Session, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, sessionKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		s.logger.Warn("Discarding undecodable session record", "error", err)
		return nil, nil
	}
	if session.SessionID == "" || !session.Status.Valid() {
		s.logger.Warn("Discarding malformed session record", "session_id", session.SessionID, "status", session.Status)
		return nil, nil
	}
	return &session, nil
}

// Set merges patch into the stored session and returns the result.
func (s *SQLiteStore) Set(ctx context.Context, patch domain.SessionPatch) (*domain.Session, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	current, err := s.getLocked(ctx)
	if err != nil {
		return nil, err
	}

	next, err := patch.Apply(current, s.now())
	if err != nil {
		return nil, fmt.Errorf("merge session: %w", err)
	}

	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}

	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	err = s.withRetry(ctx, "write session", func() error {
		_, execErr := s.db.ExecContext(ctx, query, sessionKey, string(data), s.now().Unix())
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Clear deletes the session record.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	return s.withRetry(ctx, "clear session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, sessionKey)
		return err
	})
}

// ListSequences returns all stored sequences in insertion order.
func (s *SQLiteStore) ListSequences(ctx context.Context) ([]domain.Sequence, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM sequences ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query sequences: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close sequence rows", "error", closeErr)
		}
	}()

	sequences := []domain.Sequence{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan sequence row: %w", err)
		}
		sequences = append(sequences, domain.Sequence(body))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sequences: %w", err)
	}
	return sequences, nil
}

// AppendSequence stores seq after the existing sequences and returns its index.
func (s *SQLiteStore) AppendSequence(ctx context.Context, seq domain.Sequence) (int, error) {
	if err := domain.ValidateSequence(seq); err != nil {
		return 0, err
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	err := s.withRetry(ctx, "append sequence", func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO sequences (body, created_at) VALUES (?, ?)`,
			string(seq), s.now().Unix())
		return execErr
	})
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sequences`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sequences: %w", err)
	}
	return count - 1, nil
}

// DeleteSequence removes the sequence at the given list index.
func (s *SQLiteStore) DeleteSequence(ctx context.Context, index int) error {
	if index < 0 {
		return ErrSequenceNotFound
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sequences ORDER BY id LIMIT 1 OFFSET ?`, index).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSequenceNotFound
	}
	if err != nil {
		return fmt.Errorf("find sequence: %w", err)
	}

	return s.withRetry(ctx, "delete sequence", func() error {
		_, execErr := s.db.ExecContext(ctx, `DELETE FROM sequences WHERE id = ?`, id)
		return execErr
	})
}

// withRetry runs fn with exponential backoff on SQLITE_BUSY and lock errors.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms
		s.logger.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
