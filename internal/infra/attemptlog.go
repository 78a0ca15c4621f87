package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/locknest/xlockd/internal/domain"
)

const attemptDBName = "attempts.db"

// AttemptLogImpl implements domain.AttemptLog using a SQLCipher
// encrypted SQLite database. Only verdicts and timestamps are stored,
// never credential material.
type AttemptLogImpl struct {
	db     *sql.DB
	dbPath string
}

// NewAttemptLog opens (or creates) the encrypted attempt database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewAttemptLog(dataDir string, key []byte) (*AttemptLogImpl, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, attemptDBName)
	keyHex := hex.EncodeToString(key)

	// Open with SQLCipher key as DSN parameter
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// Verify encryption works by running a query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	log := &AttemptLogImpl{db: db, dbPath: dbPath}
	if err := log.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return log, nil
}

// createTables creates the schema if it doesn't exist.
func (l *AttemptLogImpl) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		verdict INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS attempts_at ON attempts(at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// RecordAttempt stores one auth helper verdict.
func (l *AttemptLogImpl) RecordAttempt(attempt domain.AuthAttempt) error {
	_, err := l.db.Exec(
		"INSERT INTO attempts (at, verdict) VALUES (?, ?)",
		attempt.At.Unix(), attempt.Verdict)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// RecentFailures returns failed attempts newer than since, newest first.
func (l *AttemptLogImpl) RecentFailures(since time.Time) ([]domain.AuthAttempt, error) {
	rows, err := l.db.Query(
		"SELECT at, verdict FROM attempts WHERE verdict != 0 AND at > ? ORDER BY at DESC",
		since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.AuthAttempt
	for rows.Next() {
		var at int64
		var verdict int
		if err := rows.Scan(&at, &verdict); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, domain.AuthAttempt{
			At:      time.Unix(at, 0),
			Verdict: verdict,
		})
	}
	return attempts, rows.Err()
}

// Close releases the database handle.
func (l *AttemptLogImpl) Close() error {
	return l.db.Close()
}

// Ensure AttemptLogImpl implements domain.AttemptLog.
var _ domain.AttemptLog = (*AttemptLogImpl)(nil)
