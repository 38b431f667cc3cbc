package predictor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// RecordStore persists usage records across restarts.
type RecordStore interface {
	Append(rec UsageRecord) error
	Load(since time.Time) ([]UsageRecord, error)
	Prune(before time.Time) (int64, error)
	Close() error
}

// SQLiteStore stores usage records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the usage-history database at path.
// Pass ":memory:" for an in-memory database (used by tests).
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening usage history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging usage history db: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			requester_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			complexity INTEGER NOT NULL,
			fragment_keys TEXT NOT NULL,
			accepted INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_requester ON usage_records(requester_id, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("creating usage_records table: %w", err)
	}
	return nil
}

// Append writes one record.
func (s *SQLiteStore) Append(rec UsageRecord) error {
	keys, err := json.Marshal(rec.FragmentKeys)
	if err != nil {
		return fmt.Errorf("marshaling fragment keys: %w", err)
	}

	accepted := 0
	if rec.Accepted {
		accepted = 1
	}

	_, err = s.db.Exec(
		`INSERT INTO usage_records (requester_id, domain, complexity, fragment_keys, accepted, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RequesterID, rec.Domain, rec.Complexity, string(keys), accepted, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}
	return nil
}

// Load returns all records at or after since, oldest first.
func (s *SQLiteStore) Load(since time.Time) ([]UsageRecord, error) {
	rows, err := s.db.Query(
		`SELECT requester_id, domain, complexity, fragment_keys, accepted, timestamp
		 FROM usage_records WHERE timestamp >= ? ORDER BY timestamp ASC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage records: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		var keys string
		var accepted int
		if err := rows.Scan(&rec.RequesterID, &rec.Domain, &rec.Complexity, &keys, &accepted, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning usage record: %w", err)
		}
		if err := json.Unmarshal([]byte(keys), &rec.FragmentKeys); err != nil {
			return nil, fmt.Errorf("unmarshaling fragment keys: %w", err)
		}
		rec.Accepted = accepted == 1
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune deletes records older than before and returns the deleted count.
func (s *SQLiteStore) Prune(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM usage_records WHERE timestamp < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning usage records: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func logStoreError(op string, err error) {
	log.Printf("[Predictor] history store %s failed: %v", op, err)
}
