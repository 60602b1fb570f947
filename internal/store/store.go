// Package store persists recordings and replay runs in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // CGO-free SQLite

	"retrace/internal/replay"
	"retrace/internal/trace"
)

// ErrNotFound is returned when a recording or replay id does not exist.
var ErrNotFound = errors.New("not found")

// RecordingMeta is the listing view of a stored recording.
type RecordingMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PageURL   string    `json:"pageUrl"`
	CreatedAt time.Time `json:"createdAt"`
	Steps     int       `json:"steps"`
}

// ReplayRun is a stored replay outcome tied to its recording.
type ReplayRun struct {
	ID          string              `json:"id"`
	RecordingID string              `json:"recordingId"`
	Status      replay.Status       `json:"status"`
	StartedAt   time.Time           `json:"startedAt"`
	FinishedAt  *time.Time          `json:"finishedAt,omitempty"`
	Results     []replay.StepResult `json:"results"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS recordings(
	  id         TEXT PRIMARY KEY,
	  name       TEXT NOT NULL,
	  page_url   TEXT NOT NULL,
	  created_at INTEGER NOT NULL,
	  steps_json TEXT NOT NULL CHECK (json_valid(steps_json))
	);
	CREATE TABLE IF NOT EXISTS replays(
	  id           TEXT PRIMARY KEY,
	  recording_id TEXT NOT NULL REFERENCES recordings(id),
	  status       TEXT NOT NULL CHECK (status IN ('created','running','paused','completed','failed','cancelled')),
	  started_at   INTEGER NOT NULL,
	  finished_at  INTEGER,
	  results_json TEXT NOT NULL CHECK (json_valid(results_json))
	);
	CREATE INDEX IF NOT EXISTS idx_recordings_created ON recordings(created_at);
	CREATE INDEX IF NOT EXISTS idx_replays_recording  ON replays(recording_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRecording validates and stores a recording, assigning an id and
// creation time when absent. The assigned fields are written back to rec.
func (s *Store) SaveRecording(rec *trace.Recording) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid recording: %w", err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO recordings(id, name, page_url, created_at, steps_json) VALUES(?,?,?,?,json(?))`,
		rec.ID, rec.Name, rec.PageURL, rec.CreatedAt.UnixMilli(), string(steps),
	)
	if err != nil {
		return fmt.Errorf("failed to insert recording: %w", err)
	}
	return nil
}

// GetRecording loads one recording with its steps.
func (s *Store) GetRecording(id string) (*trace.Recording, error) {
	row := s.db.QueryRow(`SELECT id, name, page_url, created_at, steps_json FROM recordings WHERE id = ?`, id)

	var rec trace.Recording
	var createdAt int64
	var steps string
	if err := row.Scan(&rec.ID, &rec.Name, &rec.PageURL, &createdAt, &steps); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("recording %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load recording: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
		return nil, fmt.Errorf("failed to parse stored steps: %w", err)
	}
	return &rec, nil
}

// ListRecordings returns metadata for every stored recording, newest
// first.
func (s *Store) ListRecordings() ([]RecordingMeta, error) {
	rows, err := s.db.Query(`
		SELECT id, name, page_url, created_at, json_array_length(steps_json)
		FROM recordings ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer rows.Close()

	metas := []RecordingMeta{}
	for rows.Next() {
		var m RecordingMeta
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Name, &m.PageURL, &createdAt, &m.Steps); err != nil {
			return nil, fmt.Errorf("failed to scan recording row: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// DeleteRecording removes a recording and its replay runs.
func (s *Store) DeleteRecording(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM replays WHERE recording_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete replays: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete recording: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to check delete: %w", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		return fmt.Errorf("recording %q: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// InsertReplay records the start of a replay run.
func (s *Store) InsertReplay(id, recordingID string, status replay.Status) error {
	_, err := s.db.Exec(
		`INSERT INTO replays(id, recording_id, status, started_at, results_json) VALUES(?,?,?,?,json('[]'))`,
		id, recordingID, string(status), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert replay: %w", err)
	}
	return nil
}

// UpdateReplay overwrites a run's status and results; terminal statuses
// also stamp the finish time.
func (s *Store) UpdateReplay(id string, status replay.Status, results []replay.StepResult) error {
	if results == nil {
		results = []replay.StepResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	var finishedAt interface{}
	if status.Terminal() {
		finishedAt = time.Now().UTC().UnixMilli()
	}

	result, err := s.db.Exec(
		`UPDATE replays SET status = ?, results_json = json(?), finished_at = COALESCE(?, finished_at) WHERE id = ?`,
		string(status), string(data), finishedAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update replay: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("replay %q: %w", id, ErrNotFound)
	}
	return nil
}

// GetReplay loads one replay run.
func (s *Store) GetReplay(id string) (*ReplayRun, error) {
	row := s.db.QueryRow(
		`SELECT id, recording_id, status, started_at, finished_at, results_json FROM replays WHERE id = ?`, id)

	var run ReplayRun
	var status string
	var startedAt int64
	var finishedAt sql.NullInt64
	var results string
	if err := row.Scan(&run.ID, &run.RecordingID, &status, &startedAt, &finishedAt, &results); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("replay %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load replay: %w", err)
	}
	run.Status = replay.Status(status)
	run.StartedAt = time.UnixMilli(startedAt).UTC()
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64).UTC()
		run.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(results), &run.Results); err != nil {
		return nil, fmt.Errorf("failed to parse stored results: %w", err)
	}
	return &run, nil
}

// ListReplays returns the runs of one recording, newest first.
func (s *Store) ListReplays(recordingID string) ([]ReplayRun, error) {
	rows, err := s.db.Query(
		`SELECT id, recording_id, status, started_at, finished_at, results_json
		 FROM replays WHERE recording_id = ? ORDER BY started_at DESC`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list replays: %w", err)
	}
	defer rows.Close()

	runs := []ReplayRun{}
	for rows.Next() {
		var run ReplayRun
		var status string
		var startedAt int64
		var finishedAt sql.NullInt64
		var results string
		if err := rows.Scan(&run.ID, &run.RecordingID, &status, &startedAt, &finishedAt, &results); err != nil {
			return nil, fmt.Errorf("failed to scan replay row: %w", err)
		}
		run.Status = replay.Status(status)
		run.StartedAt = time.UnixMilli(startedAt).UTC()
		if finishedAt.Valid {
			t := time.UnixMilli(finishedAt.Int64).UTC()
			run.FinishedAt = &t
		}
		if err := json.Unmarshal([]byte(results), &run.Results); err != nil {
			return nil, fmt.Errorf("failed to parse stored results: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
