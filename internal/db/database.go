package db

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Database holds named version checkpoints of room snapshots. The
// live room state lives in the flat-file store; checkpoints are the
// durable saves layered on top.
type Database struct {
	db *sql.DB
}

type Version struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshot_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_by TEXT DEFAULT '',
		is_auto BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_snapshot_versions_room_id ON snapshot_versions(room_id);
	CREATE INDEX IF NOT EXISTS idx_snapshot_versions_created_at ON snapshot_versions(room_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// CreateVersion saves a new checkpoint of a room snapshot
func (d *Database) CreateVersion(roomID, name, description, content, contentHash, createdBy string, isAuto bool) (*Version, error) {
	result, err := d.db.Exec(`
		INSERT INTO snapshot_versions (room_id, name, description, content, content_hash, created_by, is_auto)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, roomID, name, description, content, contentHash, createdBy, isAuto)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetVersion(int(id))
}

// GetVersion retrieves a specific checkpoint by ID
func (d *Database) GetVersion(id int) (*Version, error) {
	row := d.db.QueryRow(`
		SELECT id, room_id, name, description, content, content_hash, created_by, is_auto, created_at
		FROM snapshot_versions WHERE id = ?
	`, id)

	var v Version
	err := row.Scan(&v.ID, &v.RoomID, &v.Name, &v.Description, &v.Content, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVersions returns checkpoints for a room, newest first
func (d *Database) ListVersions(roomID string, limit, offset int) ([]Version, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, name, description, content, content_hash, created_by, is_auto, created_at
		FROM snapshot_versions
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.RoomID, &v.Name, &v.Description, &v.Content, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// GetVersionCount returns the number of checkpoints for a room
func (d *Database) GetVersionCount(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM snapshot_versions WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// GetLatestVersion returns the most recent checkpoint for a room
func (d *Database) GetLatestVersion(roomID string) (*Version, error) {
	row := d.db.QueryRow(`
		SELECT id, room_id, name, description, content, content_hash, created_by, is_auto, created_at
		FROM snapshot_versions
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, roomID)

	var v Version
	err := row.Scan(&v.ID, &v.RoomID, &v.Name, &v.Description, &v.Content, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// DeleteVersion removes a checkpoint by ID
func (d *Database) DeleteVersion(id int) error {
	_, err := d.db.Exec("DELETE FROM snapshot_versions WHERE id = ?", id)
	return err
}

// DeleteOldAutoVersions removes old auto checkpoints, keeping the most recent N
func (d *Database) DeleteOldAutoVersions(roomID string, keepCount int) error {
	_, err := d.db.Exec(`
		DELETE FROM snapshot_versions
		WHERE room_id = ? AND is_auto = TRUE AND id NOT IN (
			SELECT id FROM snapshot_versions
			WHERE room_id = ? AND is_auto = TRUE
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, roomID, roomID, keepCount)
	return err
}

// GetStats reports checkpoint totals for the stats endpoint
func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var versionCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM snapshot_versions").Scan(&versionCount); err != nil {
		return nil, err
	}
	stats["version_count"] = versionCount

	var roomCount int
	if err := d.db.QueryRow("SELECT COUNT(DISTINCT room_id) FROM snapshot_versions").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["versioned_room_count"] = roomCount

	return stats, nil
}
