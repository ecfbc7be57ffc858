// Package store persists confirmed blood-glucose readings in SQLite. The
// server is the sole owner of durable state; clients only ever see the
// snapshots derived from it.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"glucolog/internal/logging"
	"glucolog/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS readings (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	glucose_level INTEGER NOT NULL,
	date          TEXT    NOT NULL,
	meal_status   TEXT    NOT NULL,
	notes         TEXT    NOT NULL DEFAULT '',
	created_at    TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_readings_date ON readings(date);
CREATE INDEX IF NOT EXISTS idx_readings_meal_status ON readings(meal_status);
`

// ReadingStore is the SQLite-backed store of confirmed readings.
type ReadingStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path, creating the
// directory and schema as needed.
func Open(path string) (*ReadingStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("Opened reading store at %s", path)
	return &ReadingStore{db: db, dbPath: path}, nil
}

// Close releases the database handle.
func (s *ReadingStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Add persists a confirmed reading and returns the total count afterwards.
func (s *ReadingStore) Add(r types.Reading) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO readings (glucose_level, date, meal_status, notes) VALUES (?, ?, ?, ?)`,
		r.GlucoseLevel, r.Date, string(r.MealStatus), r.Notes,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reading: %w", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM readings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}

	logging.StoreDebug("Stored reading %d mg/dL (%s, %s), total now %d",
		r.GlucoseLevel, r.Date, r.MealStatus, count)
	return count, nil
}

// List returns all readings ordered by date then insertion order.
func (s *ReadingStore) List() ([]types.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT glucose_level, date, meal_status, notes FROM readings ORDER BY date, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	readings := []types.Reading{}
	for rows.Next() {
		var r types.Reading
		var status string
		if err := rows.Scan(&r.GlucoseLevel, &r.Date, &status, &r.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.MealStatus = types.MealStatus(status)
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	return readings, nil
}

// Stats aggregates all stored readings into a statistics summary.
func (s *ReadingStore) Stats() (types.Stats, error) {
	readings, err := s.List()
	if err != nil {
		return types.Stats{}, err
	}
	return types.ComputeStats(readings), nil
}
