package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the durable segment store. It is the single source of truth for
// sync state: the uploader and any UI re-read status from it rather than
// caching their own view.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests). Engine-level failures are reported as ErrUnavailable.
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating data directory: %v", ErrUnavailable, err)
		}
		dsn = filepath.Join(dataDir, "voxlog.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging database: %v", ErrUnavailable, err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: setting busy timeout: %v", ErrUnavailable, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: setting journal mode: %v", ErrUnavailable, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: running migrations: %v", ErrUnavailable, err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

const segmentColumns = `id, sequence_number, payload, content_type, captured_at,
	duration_seconds, sync_status, remote_key, task_id, client_id, transcription`

// SaveSegment persists a newly captured segment and returns its assigned id.
// The incoming ID field is ignored; sync status is forced to pending.
func (s *Store) SaveSegment(seg Segment) (int64, error) {
	capturedAt := seg.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	contentType := seg.ContentType
	if contentType == "" {
		contentType = "audio/webm"
	}
	res, err := s.db.Exec(`
		INSERT INTO segments (sequence_number, payload, content_type, captured_at, duration_seconds, sync_status, remote_key, task_id, client_id, transcription)
		VALUES (?, ?, ?, ?, ?, ?, '', '', ?, '')`,
		seg.SequenceNumber, seg.Payload, contentType,
		capturedAt.UTC().Format(time.RFC3339), seg.DurationSeconds,
		string(StatusPending), seg.ClientID,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: inserting segment: %v", ErrUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: reading inserted id: %v", ErrUnavailable, err)
	}
	return id, nil
}

// GetSegment returns the segment with the given id, or ErrNotFound.
func (s *Store) GetSegment(id int64) (Segment, error) {
	row := s.db.QueryRow(`SELECT `+segmentColumns+` FROM segments WHERE id = ?`, id)
	seg, err := scanSegment(row)
	if err == sql.ErrNoRows {
		return Segment{}, ErrNotFound
	}
	if err != nil {
		return Segment{}, fmt.Errorf("%w: reading segment %d: %v", ErrUnavailable, id, err)
	}
	return seg, nil
}

// ListSegments returns all segments ordered by sequence number descending
// (newest first, as the segment list is displayed).
func (s *Store) ListSegments() ([]Segment, error) {
	return s.querySegments(`SELECT ` + segmentColumns + ` FROM segments ORDER BY sequence_number DESC`)
}

// ListByStatus returns all segments with any of the given statuses, oldest
// first, using the sync_status index.
func (s *Store) ListByStatus(statuses ...SyncStatus) ([]Segment, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat(",?", len(statuses)-1)
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return s.querySegments(`SELECT `+segmentColumns+` FROM segments
		WHERE sync_status IN (?`+placeholders+`) ORDER BY id ASC`, args...)
}

func (s *Store) querySegments(query string, args ...any) ([]Segment, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying segments: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var results []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning segment: %v", ErrUnavailable, err)
		}
		results = append(results, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating segments: %v", ErrUnavailable, err)
	}
	return results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(row rowScanner) (Segment, error) {
	var seg Segment
	var capturedAt, status string
	if err := row.Scan(&seg.ID, &seg.SequenceNumber, &seg.Payload, &seg.ContentType,
		&capturedAt, &seg.DurationSeconds, &status, &seg.RemoteKey,
		&seg.TaskID, &seg.ClientID, &seg.Transcription); err != nil {
		return Segment{}, err
	}
	t, err := time.Parse(time.RFC3339, capturedAt)
	if err != nil {
		return Segment{}, fmt.Errorf("parsing captured_at: %w", err)
	}
	seg.CapturedAt = t
	seg.SyncStatus = SyncStatus(status)
	return seg, nil
}

// UpdateSyncStatus moves a segment to the given status. It returns
// ErrNotFound if the id is absent and ErrConflict if the segment is already
// synced (synced is terminal) or the status is not in the closed set. The
// check and the write run in one transaction so a concurrent read never
// observes a torn update.
func (s *Store) UpdateSyncStatus(id int64, status SyncStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown sync status %q", ErrConflict, status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: beginning status update: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT sync_status FROM segments WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: reading current status: %v", ErrUnavailable, err)
	}
	if SyncStatus(current).Terminal() && status != SyncStatus(current) {
		return fmt.Errorf("%w: segment %d is already synced", ErrConflict, id)
	}

	if _, err := tx.Exec(`UPDATE segments SET sync_status = ? WHERE id = ?`, string(status), id); err != nil {
		return fmt.Errorf("%w: updating status: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing status update: %v", ErrUnavailable, err)
	}
	return nil
}

// SetRemoteKey records the object key and task id returned by a successful
// upload. Returns ErrNotFound if the id is absent.
func (s *Store) SetRemoteKey(id int64, remoteKey, taskID string) error {
	res, err := s.db.Exec(`UPDATE segments SET remote_key = ?, task_id = ? WHERE id = ?`, remoteKey, taskID, id)
	if err != nil {
		return fmt.Errorf("%w: setting remote key: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: checking affected rows: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTranscription writes an asynchronously delivered transcription for the
// segment with the given task id. Returns ErrNotFound if no segment carries
// that task id.
func (s *Store) SetTranscription(taskID, transcription string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM segments WHERE task_id = ?`, taskID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: looking up task %s: %v", ErrUnavailable, taskID, err)
	}
	if _, err := s.db.Exec(`UPDATE segments SET transcription = ? WHERE id = ?`, transcription, id); err != nil {
		return 0, fmt.Errorf("%w: writing transcription: %v", ErrUnavailable, err)
	}
	return id, nil
}

// DeleteSegment removes a segment. Deleting an absent id is a no-op;
// deleting a segment whose upload is in flight returns ErrConflict.
func (s *Store) DeleteSegment(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: beginning delete: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT sync_status FROM segments WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading status before delete: %v", ErrUnavailable, err)
	}
	if SyncStatus(current) == StatusSyncing {
		return fmt.Errorf("%w: segment %d has an upload in flight", ErrConflict, id)
	}

	if _, err := tx.Exec(`DELETE FROM segments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: deleting segment: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing delete: %v", ErrUnavailable, err)
	}
	return nil
}

// Clear removes all segments. Used only by the explicit wipe-all action.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM segments`); err != nil {
		return fmt.Errorf("%w: clearing segments: %v", ErrUnavailable, err)
	}
	return nil
}

// MaxSequence returns the highest sequence number currently stored, or 0 for
// an empty store. The recorder derives its counter from this at startup so
// the store stays the single source of truth for sequencing.
func (s *Store) MaxSequence() (int, error) {
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(sequence_number) FROM segments`).Scan(&max); err != nil {
		return 0, fmt.Errorf("%w: reading max sequence: %v", ErrUnavailable, err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}
