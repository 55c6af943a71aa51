// Package archive persists compaction history and snapshots in SQLite so
// audit trails and undo survive process restarts. Writes are best-effort
// from the engine's point of view: a failed archive write is logged and the
// in-memory state stays authoritative.
package archive

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"codenomad/internal/logging"
	"codenomad/internal/types"
)

// ErrNotFound is returned when a requested event or snapshot does not exist.
var ErrNotFound = errors.New("archive: not found")

// zstdEncoder and zstdDecoder are reused across calls; both are safe for
// concurrent use. Snapshot payloads are JSON and compress well.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// Archive is the durable store for compaction events and snapshots.
type Archive struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Stats summarizes archive contents.
type Stats struct {
	Events        int   `json:"events"`
	Snapshots     int   `json:"snapshots"`
	SnapshotBytes int64 `json:"snapshot_bytes"`
	SnapshotRaw   int64 `json:"snapshot_raw_bytes"`
	SessionsSeen  int   `json:"sessions_seen"`
}

// Open creates or opens the archive database at the given path.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &Archive{db: db, dbPath: path}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.ArchiveDebug("Opened archive at %s", path)
	return a, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Path returns the database file path.
func (a *Archive) Path() string {
	return a.dbPath
}

// initSchema creates the tables. "trigger" is a SQL keyword, so the event
// trigger lives in trigger_reason.
func (a *Archive) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS compaction_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		trigger_reason TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON compaction_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_created ON compaction_events(created_at);

	CREATE TABLE IF NOT EXISTS compaction_snapshots (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		taken_at INTEGER NOT NULL,
		raw_size INTEGER NOT NULL,
		payload BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_session ON compaction_snapshots(session_id);
	CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON compaction_snapshots(taken_at);
	`
	_, err := a.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT OPERATIONS
// =============================================================================

// SaveEvent stores a compaction event. Saving an existing id replaces the
// payload, so replays after a crash are safe.
func (a *Archive) SaveEvent(ev types.CompactionEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.ID == "" {
		return fmt.Errorf("failed to save event: empty id")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = a.db.Exec(`
		INSERT INTO compaction_events (id, session_id, mode, trigger_reason, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload
	`, ev.ID, ev.SessionID, string(ev.Mode), ev.Trigger, ev.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// DeleteEvent removes an event. Unknown ids are a no-op.
func (a *Archive) DeleteEvent(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.db.Exec(`DELETE FROM compaction_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// EventsBySession returns a session's events, oldest first.
func (a *Archive) EventsBySession(sessionID string) ([]types.CompactionEvent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rows, err := a.db.Query(`
		SELECT payload FROM compaction_events
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// AllEvents returns every archived event across sessions, oldest first.
func (a *Archive) AllEvents() ([]types.CompactionEvent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rows, err := a.db.Query(`
		SELECT payload FROM compaction_events
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]types.CompactionEvent, error) {
	var events []types.CompactionEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var ev types.CompactionEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			logging.ArchiveWarn("Skipping undecodable event payload: %v", err)
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// =============================================================================
// SNAPSHOT OPERATIONS
// =============================================================================

// SaveSnapshot stores a snapshot, zstd-compressed.
func (a *Archive) SaveSnapshot(snap *types.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if snap == nil || snap.ID == "" {
		return fmt.Errorf("failed to save snapshot: empty id")
	}
	timer := logging.StartTimer(logging.CategoryArchive, "save_snapshot")
	defer timer.Stop()

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(raw, nil)

	_, err = a.db.Exec(`
		INSERT INTO compaction_snapshots (id, session_id, taken_at, raw_size, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, raw_size = excluded.raw_size
	`, snap.ID, snap.SessionID, snap.TakenAt.UnixMilli(), len(raw), compressed)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	logging.ArchiveDebug("Saved snapshot %s (%d -> %d bytes)", snap.ID, len(raw), len(compressed))
	return nil
}

// LoadSnapshot retrieves and decompresses a snapshot by id.
func (a *Archive) LoadSnapshot(id string) (*types.Snapshot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var rawSize int
	var compressed []byte
	err := a.db.QueryRow(`
		SELECT raw_size, payload FROM compaction_snapshots WHERE id = ?
	`, id).Scan(&rawSize, &compressed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	raw, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	if len(raw) != rawSize {
		return nil, fmt.Errorf("failed to decompress snapshot: got %d bytes, expected %d", len(raw), rawSize)
	}

	var snap types.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes a snapshot. Unknown ids are a no-op.
func (a *Archive) DeleteSnapshot(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.db.Exec(`DELETE FROM compaction_snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// SnapshotsBySession returns snapshot ids for a session, newest first.
func (a *Archive) SnapshotsBySession(sessionID string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rows, err := a.db.Query(`
		SELECT id FROM compaction_snapshots
		WHERE session_id = ?
		ORDER BY taken_at DESC, id DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneSnapshots deletes all but the newest keep snapshots for a session and
// returns how many were removed.
func (a *Archive) PruneSnapshots(sessionID string, keep int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if keep < 0 {
		keep = 0
	}
	result, err := a.db.Exec(`
		DELETE FROM compaction_snapshots
		WHERE session_id = ? AND id NOT IN (
			SELECT id FROM compaction_snapshots
			WHERE session_id = ?
			ORDER BY taken_at DESC, id DESC
			LIMIT ?
		)
	`, sessionID, sessionID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	removed, _ := result.RowsAffected()
	if removed > 0 {
		logging.ArchiveDebug("Pruned %d snapshots for %s (keep=%d)", removed, sessionID, keep)
	}
	return int(removed), nil
}

// Stats reports archive-wide counts and snapshot payload sizes.
func (a *Archive) Stats() (Stats, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var st Stats
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM compaction_events`).Scan(&st.Events); err != nil {
		return Stats{}, fmt.Errorf("failed to count events: %w", err)
	}
	err := a.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0), COALESCE(SUM(raw_size), 0)
		FROM compaction_snapshots
	`).Scan(&st.Snapshots, &st.SnapshotBytes, &st.SnapshotRaw)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count snapshots: %w", err)
	}
	err = a.db.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT session_id FROM compaction_events
			UNION
			SELECT session_id FROM compaction_snapshots
		)
	`).Scan(&st.SessionsSeen)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count sessions: %w", err)
	}
	return st, nil
}
