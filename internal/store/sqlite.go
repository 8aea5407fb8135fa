package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// ScanRun Operations
// ============================================================================

// CreateScanRun inserts a new ScanRun, assigning a uuid when ID is empty
func (s *Store) CreateScanRun(run *ScanRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}

	const query = `
		INSERT INTO scan_runs (
			id, game, mode, strictness, start_time, end_time, status, files_total,
			files_checked, files_repaired, bytes_downloaded, error_message,
			failed_path, failed_step
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		run.ID, run.Game, run.Mode, run.Strictness, run.StartTime, run.EndTime,
		run.Status, run.FilesTotal, run.FilesChecked, run.FilesRepaired,
		run.BytesDownloaded, run.ErrorMessage, run.FailedPath, run.FailedStep,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scan run: %w", err)
	}
	return nil
}

// UpdateScanRun updates an existing ScanRun by ID
func (s *Store) UpdateScanRun(run *ScanRun) error {
	const query = `
		UPDATE scan_runs SET
			game = ?, mode = ?, strictness = ?, start_time = ?, end_time = ?,
			status = ?, files_total = ?, files_checked = ?, files_repaired = ?,
			bytes_downloaded = ?, error_message = ?, failed_path = ?, failed_step = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Game, run.Mode, run.Strictness, run.StartTime, run.EndTime,
		run.Status, run.FilesTotal, run.FilesChecked, run.FilesRepaired,
		run.BytesDownloaded, run.ErrorMessage, run.FailedPath, run.FailedStep,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update scan run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("scan run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

const scanRunColumns = `
	id, game, mode, strictness, start_time, end_time, status, files_total,
	files_checked, files_repaired, bytes_downloaded, error_message,
	failed_path, failed_step
`

func scanRun(row interface{ Scan(...any) error }) (*ScanRun, error) {
	run := &ScanRun{}
	err := row.Scan(
		&run.ID, &run.Game, &run.Mode, &run.Strictness, &run.StartTime, &run.EndTime,
		&run.Status, &run.FilesTotal, &run.FilesChecked, &run.FilesRepaired,
		&run.BytesDownloaded, &run.ErrorMessage, &run.FailedPath, &run.FailedStep,
	)
	return run, err
}

// GetScanRun retrieves a ScanRun by ID
func (s *Store) GetScanRun(id string) (*ScanRun, error) {
	run, err := scanRun(s.db.QueryRow("SELECT "+scanRunColumns+" FROM scan_runs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scan run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query scan run: %w", err)
	}
	return run, nil
}

// ListScanRuns retrieves ScanRuns newest first, optionally filtered by game
func (s *Store) ListScanRuns(game string, limit int) ([]ScanRun, error) {
	query := "SELECT " + scanRunColumns + " FROM scan_runs"
	var args []interface{}

	if game != "" {
		query += " WHERE game = ?"
		args = append(args, game)
	}

	query += " ORDER BY start_time DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan runs: %w", err)
	}
	defer rows.Close()

	var runs []ScanRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scan runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// FileRecord Operations
// ============================================================================

// UpsertFileRecord inserts or updates the record for (game, path). A zero
// RepairedAt or empty SHA256 keeps the stored value.
func (s *Store) UpsertFileRecord(rec *FileRecord) error {
	const query = `
		INSERT INTO file_records (game, path, size, sha256, verified_at, repaired_at, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(game, path) DO UPDATE SET
			size = excluded.size,
			sha256 = CASE WHEN excluded.sha256 != '' THEN excluded.sha256 ELSE file_records.sha256 END,
			verified_at = excluded.verified_at,
			repaired_at = CASE WHEN ? THEN excluded.repaired_at ELSE file_records.repaired_at END,
			run_id = excluded.run_id
	`

	_, err := s.db.Exec(
		query,
		rec.Game, rec.Path, rec.Size, rec.SHA256, rec.VerifiedAt, rec.RepairedAt, rec.RunID,
		!rec.RepairedAt.IsZero(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert file record: %w", err)
	}
	return nil
}

// GetFileRecord retrieves a FileRecord by game and path
func (s *Store) GetFileRecord(game, path string) (*FileRecord, error) {
	const query = `
		SELECT game, path, size, sha256, verified_at, repaired_at, run_id
		FROM file_records WHERE game = ? AND path = ?
	`

	rec := &FileRecord{}
	err := s.db.QueryRow(query, game, path).Scan(
		&rec.Game, &rec.Path, &rec.Size, &rec.SHA256, &rec.VerifiedAt, &rec.RepairedAt, &rec.RunID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("file record %s/%s: %w", game, path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query file record: %w", err)
	}
	return rec, nil
}

// ListFileRecords retrieves all FileRecords for a game
func (s *Store) ListFileRecords(game string) ([]FileRecord, error) {
	const query = `
		SELECT game, path, size, sha256, verified_at, repaired_at, run_id
		FROM file_records WHERE game = ? ORDER BY path
	`

	rows, err := s.db.Query(query, game)
	if err != nil {
		return nil, fmt.Errorf("failed to query file records: %w", err)
	}
	defer rows.Close()

	var records []FileRecord
	for rows.Next() {
		rec := FileRecord{}
		if err := rows.Scan(
			&rec.Game, &rec.Path, &rec.Size, &rec.SHA256, &rec.VerifiedAt, &rec.RepairedAt, &rec.RunID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file records: %w", err)
	}
	return records, nil
}

// CountFileRecords returns the count of FileRecords for a game
func (s *Store) CountFileRecords(game string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM file_records WHERE game = ?", game).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count file records: %w", err)
	}
	return count, nil
}

// ============================================================================
// FailedFileRecord Operations
// ============================================================================

// AddFailedFile records a failure, bumping the retry count of an existing
// unresolved record for the same file.
func (s *Store) AddFailedFile(rec *FailedFileRecord) error {
	if rec.LastFailure.IsZero() {
		rec.LastFailure = s.now()
	}
	if rec.FirstFailure.IsZero() {
		rec.FirstFailure = rec.LastFailure
	}

	const updateQuery = `
		UPDATE failed_files
		SET error = ?, step = ?, retry_count = retry_count + 1, last_failure = ?,
		    url = COALESCE(NULLIF(?, ''), url)
		WHERE game = ? AND path = ? AND resolved = 0
	`

	result, err := s.db.Exec(
		updateQuery,
		rec.Error, rec.Step, rec.LastFailure, rec.URL, rec.Game, rec.Path,
	)
	if err != nil {
		return fmt.Errorf("failed to update failed file record: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}

	const insertQuery = `
		INSERT INTO failed_files (
			game, path, url, step, error, retry_count, first_failure, last_failure, resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err = s.db.Exec(
		insertQuery,
		rec.Game, rec.Path, rec.URL, rec.Step, rec.Error, rec.RetryCount,
		rec.FirstFailure, rec.LastFailure, rec.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed file record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListFailedFiles retrieves unresolved failures for a game, most recent first
func (s *Store) ListFailedFiles(game string) ([]FailedFileRecord, error) {
	const query = `
		SELECT id, game, path, url, step, error, retry_count, first_failure, last_failure, resolved
		FROM failed_files WHERE game = ? AND resolved = 0 ORDER BY last_failure DESC
	`

	rows, err := s.db.Query(query, game)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed files: %w", err)
	}
	defer rows.Close()

	var records []FailedFileRecord
	for rows.Next() {
		rec := FailedFileRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.Game, &rec.Path, &rec.URL, &rec.Step, &rec.Error,
			&rec.RetryCount, &rec.FirstFailure, &rec.LastFailure, &rec.Resolved,
		); err != nil {
			return nil, fmt.Errorf("failed to scan failed file record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed file records: %w", err)
	}
	return records, nil
}

// ResolveFailedFile marks every unresolved failure of (game, path) resolved.
// It is not an error when there is nothing to resolve.
func (s *Store) ResolveFailedFile(game, path string) error {
	const query = "UPDATE failed_files SET resolved = 1 WHERE game = ? AND path = ? AND resolved = 0"
	if _, err := s.db.Exec(query, game, path); err != nil {
		return fmt.Errorf("failed to resolve failed file: %w", err)
	}
	return nil
}

// ============================================================================
// Manifest Cache
// ============================================================================

// CachedManifest returns the last manifest payload stored for identity.
func (s *Store) CachedManifest(identity string) ([]byte, bool, error) {
	var body []byte
	err := s.db.QueryRow("SELECT body FROM manifest_cache WHERE identity = ?", identity).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to query manifest cache: %w", err)
	}
	return body, true, nil
}

// StoreManifest replaces the cached manifest payload for identity.
func (s *Store) StoreManifest(identity string, body []byte) error {
	const query = `
		INSERT INTO manifest_cache (identity, body, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET body = excluded.body, fetched_at = excluded.fetched_at
	`
	if _, err := s.db.Exec(query, identity, body, s.now()); err != nil {
		return fmt.Errorf("failed to store manifest cache: %w", err)
	}
	return nil
}
