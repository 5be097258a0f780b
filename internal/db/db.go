package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite event log. Every row is stamped with the run id of the
// host process that wrote it.
type DB struct {
	conn  *sql.DB
	path  string
	runID string
}

// Open opens or creates the SQLite database at the specified path
func Open(path, runID string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn:  conn,
		path:  path,
		runID: runID,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// RunID returns the id stamped on rows written through this handle
func (db *DB) RunID() string {
	return db.runID
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Checkpoint the WAL to ensure all data is written to the main database file
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Host lifecycle events
	CREATE TABLE IF NOT EXISTS host_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Tunnel state transitions
	CREATE TABLE IF NOT EXISTS tunnel_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tunnel_id TEXT,
		state TEXT NOT NULL,
		reason TEXT,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Client stream attach/detach
	CREATE TABLE IF NOT EXISTS client_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		client_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Worker pool events
	CREATE TABLE IF NOT EXISTS pool_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		working_directory TEXT NOT NULL,
		event_type TEXT NOT NULL,
		pid INTEGER,
		ref_count INTEGER,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Network and power events
	CREATE TABLE IF NOT EXISTS network_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_host_events_timestamp ON host_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_timestamp ON tunnel_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_client_events_timestamp ON client_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_pool_events_timestamp ON pool_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_pool_events_directory ON pool_events(working_directory);
	CREATE INDEX IF NOT EXISTS idx_network_events_timestamp ON network_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// exec runs an insert, retrying briefly while the database is locked. This is
// best-effort - logging must never block host shutdown.
func (db *DB) exec(query string, args ...any) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to write event after %d retries: database locked", maxRetries)
}

// HostEvent represents a host lifecycle event
type HostEvent struct {
	ID        int64
	RunID     string
	EventType string
	Details   string
	Timestamp time.Time
}

// LogHostEvent logs a host lifecycle event
func (db *DB) LogHostEvent(eventType, details string) error {
	return db.exec(
		`INSERT INTO host_events (run_id, event_type, details, timestamp) VALUES (?, ?, ?, ?)`,
		db.runID, eventType, details, time.Now(),
	)
}

// TunnelEvent represents a tunnel state transition
type TunnelEvent struct {
	ID        int64
	RunID     string
	TunnelID  string
	State     string
	Reason    string
	Details   string
	Timestamp time.Time
}

// LogTunnelEvent logs a tunnel state transition
func (db *DB) LogTunnelEvent(tunnelID, state, reason, details string) error {
	return db.exec(
		`INSERT INTO tunnel_events (run_id, tunnel_id, state, reason, details, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		db.runID, tunnelID, state, reason, details, time.Now(),
	)
}

// ClientEvent represents a client stream attaching or detaching
type ClientEvent struct {
	ID        int64
	RunID     string
	ClientID  uint64
	EventType string
	Timestamp time.Time
}

// LogClientEvent logs a client stream attaching or detaching
func (db *DB) LogClientEvent(clientID uint64, eventType string) error {
	return db.exec(
		`INSERT INTO client_events (run_id, client_id, event_type, timestamp) VALUES (?, ?, ?, ?)`,
		db.runID, int64(clientID), eventType, time.Now(),
	)
}

// PoolEvent represents a worker pool change
type PoolEvent struct {
	ID               int64
	RunID            string
	WorkingDirectory string
	EventType        string
	PID              int
	RefCount         int
	Details          string
	Timestamp        time.Time
}

// LogPoolEvent logs a worker pool change
func (db *DB) LogPoolEvent(workingDirectory, eventType string, pid, refCount int, details string) error {
	return db.exec(
		`INSERT INTO pool_events (run_id, working_directory, event_type, pid, ref_count, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		db.runID, workingDirectory, eventType, pid, refCount, details, time.Now(),
	)
}

// NetworkEvent represents a network or power event
type NetworkEvent struct {
	ID        int64
	RunID     string
	EventType string
	Details   string
	Timestamp time.Time
}

// LogNetworkEvent logs a network or power event
func (db *DB) LogNetworkEvent(eventType, details string) error {
	return db.exec(
		`INSERT INTO network_events (run_id, event_type, details, timestamp) VALUES (?, ?, ?, ?)`,
		db.runID, eventType, details, time.Now(),
	)
}

// GetRecentHostEvents retrieves recent host events
func (db *DB) GetRecentHostEvents(limit int) ([]HostEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, run_id, event_type, details, timestamp
		 FROM host_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []HostEvent
	for rows.Next() {
		var e HostEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentTunnelEvents retrieves recent tunnel transitions
func (db *DB) GetRecentTunnelEvents(limit int) ([]TunnelEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, run_id, tunnel_id, state, reason, details, timestamp
		 FROM tunnel_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TunnelEvent
	for rows.Next() {
		var e TunnelEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.TunnelID, &e.State, &e.Reason, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentPoolEvents retrieves recent pool events, optionally for one
// working directory
func (db *DB) GetRecentPoolEvents(workingDirectory string, limit int) ([]PoolEvent, error) {
	query := `SELECT id, run_id, working_directory, event_type, pid, ref_count, details, timestamp
		 FROM pool_events`
	args := []any{}
	if workingDirectory != "" {
		query += ` WHERE working_directory = ?`
		args = append(args, workingDirectory)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []PoolEvent
	for rows.Next() {
		var e PoolEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.WorkingDirectory, &e.EventType, &e.PID, &e.RefCount, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountClientEvents returns how many client events of eventType the run
// recorded
func (db *DB) CountClientEvents(runID, eventType string) (int, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM client_events WHERE run_id = ? AND event_type = ?`,
		runID, eventType,
	).Scan(&n)
	return n, err
}

// GetRecentNetworkEvents retrieves recent network and power events
func (db *DB) GetRecentNetworkEvents(limit int) ([]NetworkEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, run_id, event_type, details, timestamp
		 FROM network_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []NetworkEvent
	for rows.Next() {
		var e NetworkEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLastTunnelEvent retrieves the most recent tunnel transition, or nil
func (db *DB) GetLastTunnelEvent() (*TunnelEvent, error) {
	events, err := db.GetRecentTunnelEvents(1)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}
