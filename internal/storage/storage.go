package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"argos/internal/frame"
)

// Database is the recordings index. Media lives on disk; this holds the
// metadata needed to list and look up events without walking directories.
type Database struct {
	db *sql.DB
}

// Recording represents one sealed event recording.
type Recording struct {
	ID            string
	Camera        string
	Start         time.Time
	End           time.Time
	Trigger       string // "object" or "motion"
	FilePath      string
	ThumbnailPath string
	Objects       []frame.DetectedObject
}

// ZoneEventRecord represents one zone occupancy transition.
type ZoneEventRecord struct {
	ID       string
	Camera   string
	Zone     string
	Occupied bool
	Time     time.Time
}

// Open opens or creates the index at path and runs migrations.
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps the writer from blocking readers during purge sweeps.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	d := &Database{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			camera TEXT NOT NULL,
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			trigger TEXT NOT NULL,
			file_path TEXT NOT NULL,
			thumbnail_path TEXT,
			objects TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS zone_events (
			id TEXT PRIMARY KEY,
			camera TEXT NOT NULL,
			zone TEXT NOT NULL,
			occupied INTEGER NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_camera_start ON recordings(camera, start_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_zone_events_camera_time ON zone_events(camera, timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveRecording inserts a sealed recording. A zero ID is filled in.
func (d *Database) SaveRecording(rec *Recording) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	objectsJSON, err := json.Marshal(rec.Objects)
	if err != nil {
		return fmt.Errorf("marshal objects: %w", err)
	}

	query := `INSERT INTO recordings
		(id, camera, start_time, end_time, trigger, file_path, thumbnail_path, objects)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = d.db.Exec(query, rec.ID, rec.Camera, rec.Start, rec.End,
		rec.Trigger, rec.FilePath, rec.ThumbnailPath, string(objectsJSON))
	if err != nil {
		return fmt.Errorf("save recording: %w", err)
	}
	return nil
}

// GetRecording retrieves a recording by ID; nil when absent.
func (d *Database) GetRecording(id string) (*Recording, error) {
	query := `SELECT id, camera, start_time, end_time, trigger, file_path, thumbnail_path, objects
		FROM recordings WHERE id = ?`

	var rec Recording
	var objectsJSON string
	err := d.db.QueryRow(query, id).Scan(&rec.ID, &rec.Camera, &rec.Start, &rec.End,
		&rec.Trigger, &rec.FilePath, &rec.ThumbnailPath, &objectsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recording: %w", err)
	}

	if objectsJSON != "" {
		if err := json.Unmarshal([]byte(objectsJSON), &rec.Objects); err != nil {
			return nil, fmt.Errorf("unmarshal objects: %w", err)
		}
	}
	return &rec, nil
}

// ListRecordings returns recordings, newest first, optionally filtered by
// camera and start time.
func (d *Database) ListRecordings(camera string, since *time.Time, limit int) ([]*Recording, error) {
	query := `SELECT id, camera, start_time, end_time, trigger, file_path, thumbnail_path, objects
		FROM recordings WHERE 1=1`
	args := []any{}

	if camera != "" {
		query += " AND camera = ?"
		args = append(args, camera)
	}
	if since != nil {
		query += " AND start_time >= ?"
		args = append(args, *since)
	}
	query += " ORDER BY start_time DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var recordings []*Recording
	for rows.Next() {
		var rec Recording
		var objectsJSON string
		if err := rows.Scan(&rec.ID, &rec.Camera, &rec.Start, &rec.End,
			&rec.Trigger, &rec.FilePath, &rec.ThumbnailPath, &objectsJSON); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		if objectsJSON != "" {
			if err := json.Unmarshal([]byte(objectsJSON), &rec.Objects); err != nil {
				return nil, fmt.Errorf("unmarshal objects: %w", err)
			}
		}
		recordings = append(recordings, &rec)
	}
	return recordings, rows.Err()
}

// DeleteRecordingsBefore removes index entries for recordings that started
// before the given time, returning how many were removed. Media cleanup is
// the caller's concern.
func (d *Database) DeleteRecordingsBefore(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM recordings WHERE start_time < ?", before)
	if err != nil {
		return 0, fmt.Errorf("delete old recordings: %w", err)
	}
	return result.RowsAffected()
}

// SaveZoneEvent inserts one zone transition.
func (d *Database) SaveZoneEvent(ev *ZoneEventRecord) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	occupied := 0
	if ev.Occupied {
		occupied = 1
	}

	_, err := d.db.Exec(
		`INSERT INTO zone_events (id, camera, zone, occupied, timestamp) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Camera, ev.Zone, occupied, ev.Time)
	if err != nil {
		return fmt.Errorf("save zone event: %w", err)
	}
	return nil
}

// ListZoneEvents returns a camera's zone transitions, newest first.
func (d *Database) ListZoneEvents(camera string, limit int) ([]*ZoneEventRecord, error) {
	query := `SELECT id, camera, zone, occupied, timestamp FROM zone_events
		WHERE camera = ? ORDER BY timestamp DESC`
	args := []any{camera}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list zone events: %w", err)
	}
	defer rows.Close()

	var events []*ZoneEventRecord
	for rows.Next() {
		var ev ZoneEventRecord
		var occupied int
		if err := rows.Scan(&ev.ID, &ev.Camera, &ev.Zone, &occupied, &ev.Time); err != nil {
			return nil, fmt.Errorf("scan zone event: %w", err)
		}
		ev.Occupied = occupied == 1
		events = append(events, &ev)
	}
	return events, rows.Err()
}
