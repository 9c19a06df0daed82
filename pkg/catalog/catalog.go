package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zots0127/dedupstore/pkg/types"
	_ "modernc.org/sqlite"
)

const busyTimeoutMS = 5000

// timeLayout stores UTC timestamps without a zone suffix so that string
// comparison in SQL matches chronological order even when fractional-second
// precision varies between rows. The uploaded_at column is declared TEXT, not
// DATETIME, so the driver hands the stored string back unchanged instead of
// coercing it to time.Time.
const timeLayout = "2006-01-02 15:04:05.999999999"

// Catalog is the durable metadata store: the reference index (blobs table,
// one row per unique payload with its reference count) and the file catalog
// (files table, one row per logical upload). It is the single source of truth
// for deduplication state; all mutations go through transactions here.
type Catalog struct {
	db *sql.DB
}

// Open opens the SQLite database and bootstraps the schema.
func Open(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := configureDB(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Catalog{db: db}, nil
}

func configureDB(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeoutMS),
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("configuring catalog database: %w", err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		fingerprint TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		ref_count INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		original_filename TEXT NOT NULL,
		file_type TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL,
		uploaded_at TEXT NOT NULL,
		fingerprint TEXT NOT NULL REFERENCES blobs(fingerprint)
	);

	CREATE INDEX IF NOT EXISTS idx_files_fingerprint ON files(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_files_uploaded_at ON files(uploaded_at);
	CREATE INDEX IF NOT EXISTS idx_files_size ON files(size);
	CREATE INDEX IF NOT EXISTS idx_files_name ON files(original_filename);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating catalog schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping verifies the database connection is alive.
func (c *Catalog) Ping() error {
	return c.db.Ping()
}

// Acquire registers one reference to fingerprint. If no index row exists it
// creates one with ref_count = 1 and reports isNew = true; otherwise it
// increments the existing count. The whole step is one transaction, so two
// concurrent acquirers of the same fingerprint serialize here and exactly one
// of them sees isNew.
func (c *Catalog) Acquire(fingerprint string, physicalSize int64) (isNew bool, err error) {
	tx, err := c.db.Begin()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", fingerprint, err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"INSERT OR IGNORE INTO blobs (fingerprint, size, ref_count) VALUES (?, ?, 1)",
		fingerprint, physicalSize,
	)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", fingerprint, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", fingerprint, err)
	}

	if rowsAffected == 0 {
		_, err = tx.Exec(
			"UPDATE blobs SET ref_count = ref_count + 1 WHERE fingerprint = ?",
			fingerprint,
		)
		if err != nil {
			return false, fmt.Errorf("acquire %s: %w", fingerprint, err)
		}
		return false, tx.Commit()
	}

	return true, tx.Commit()
}

// Release drops one reference to fingerprint. When the count reaches zero the
// index row is deleted and reachedZero = true tells the caller it is now
// solely responsible for reclaiming the physical payload. A missing row is a
// programmer error surfaced as ErrNotFound.
func (c *Catalog) Release(fingerprint string) (reachedZero bool, err error) {
	tx, err := c.db.Begin()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", fingerprint, err)
	}
	defer tx.Rollback()

	var count int64
	err = tx.QueryRow(
		"SELECT ref_count FROM blobs WHERE fingerprint = ?", fingerprint,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: blob %s has no index row", types.ErrNotFound, fingerprint)
	}
	if err != nil {
		return false, fmt.Errorf("release %s: %w", fingerprint, err)
	}

	if count <= 1 {
		if _, err := tx.Exec("DELETE FROM blobs WHERE fingerprint = ?", fingerprint); err != nil {
			return false, fmt.Errorf("release %s: %w", fingerprint, err)
		}
		return true, tx.Commit()
	}

	if _, err := tx.Exec(
		"UPDATE blobs SET ref_count = ref_count - 1 WHERE fingerprint = ?", fingerprint,
	); err != nil {
		return false, fmt.Errorf("release %s: %w", fingerprint, err)
	}
	return false, tx.Commit()
}

// BlobStat returns the index row for fingerprint.
func (c *Catalog) BlobStat(fingerprint string) (*types.BlobStat, error) {
	var stat types.BlobStat
	err := c.db.QueryRow(
		"SELECT fingerprint, size, ref_count FROM blobs WHERE fingerprint = ?",
		fingerprint,
	).Scan(&stat.Fingerprint, &stat.PhysicalSize, &stat.RefCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: blob %s", types.ErrNotFound, fingerprint)
	}
	if err != nil {
		return nil, fmt.Errorf("blob stat %s: %w", fingerprint, err)
	}
	return &stat, nil
}

// CreateFile inserts a catalog row for a logical upload. The blob row for
// rec.ContentFingerprint must already exist (enforced by the foreign key).
func (c *Catalog) CreateFile(rec *types.FileRecord) error {
	_, err := c.db.Exec(
		`INSERT INTO files (id, original_filename, file_type, size, uploaded_at, fingerprint)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OriginalFilename, rec.FileType, rec.FileSize,
		rec.UploadedAt.UTC().Format(timeLayout), rec.ContentFingerprint,
	)
	if err != nil {
		return fmt.Errorf("creating file record %s: %w", rec.ID, err)
	}
	return nil
}

// GetFile returns one catalog row with the live reference count of its blob
// joined in.
func (c *Catalog) GetFile(id string) (*types.FileRecord, error) {
	row := c.db.QueryRow(
		`SELECT f.id, f.original_filename, f.file_type, f.size, f.uploaded_at,
		        f.fingerprint, b.ref_count
		 FROM files f JOIN blobs b ON b.fingerprint = f.fingerprint
		 WHERE f.id = ?`, id,
	)
	rec, err := scanFileRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: file %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching file record %s: %w", id, err)
	}
	return rec, nil
}

// DeleteFile removes one catalog row and returns the fingerprint it pointed
// at. ErrNotFound if the row is already gone.
func (c *Catalog) DeleteFile(id string) (fingerprint string, err error) {
	tx, err := c.db.Begin()
	if err != nil {
		return "", fmt.Errorf("deleting file record %s: %w", id, err)
	}
	defer tx.Rollback()

	err = tx.QueryRow("SELECT fingerprint FROM files WHERE id = ?", id).Scan(&fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: file %s", types.ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("deleting file record %s: %w", id, err)
	}

	if _, err := tx.Exec("DELETE FROM files WHERE id = ?", id); err != nil {
		return "", fmt.Errorf("deleting file record %s: %w", id, err)
	}
	return fingerprint, tx.Commit()
}

// Search filters and paginates the catalog. All criteria are conjunctive;
// order is fixed (newest first, id as tiebreak) so identical queries against
// a quiescent dataset return identical pages. An empty filter lists
// everything; rejecting that is the caller's contract, not the engine's.
func (c *Catalog) Search(filter *types.SearchFilter) (*types.SearchResult, error) {
	where, args := buildWhere(filter)

	var total int64
	countQuery := "SELECT COUNT(*) FROM files f" + where
	if err := c.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting search results: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	query := `SELECT f.id, f.original_filename, f.file_type, f.size, f.uploaded_at,
	                 f.fingerprint, b.ref_count
	          FROM files f JOIN blobs b ON b.fingerprint = f.fingerprint` +
		where + " ORDER BY f.uploaded_at DESC, f.id ASC LIMIT ? OFFSET ?"
	rows, err := c.db.Query(query, append(args, pageSize, offset)...)
	if err != nil {
		return nil, fmt.Errorf("searching catalog: %w", err)
	}
	defer rows.Close()

	items := make([]types.FileRecord, 0, pageSize)
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		items = append(items, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("searching catalog: %w", err)
	}

	return &types.SearchResult{
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func buildWhere(filter *types.SearchFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if filter.Filename != "" {
		conds = append(conds, `f.original_filename LIKE '%' || ? || '%' ESCAPE '\'`)
		args = append(args, escapeLike(filter.Filename))
	}
	if filter.FileExtension != "" {
		ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(filter.FileExtension), "."))
		conds = append(conds, `LOWER(f.original_filename) LIKE '%.' || ? ESCAPE '\'`)
		args = append(args, escapeLike(ext))
	}
	if filter.MinSize != nil {
		conds = append(conds, "f.size >= ?")
		args = append(args, *filter.MinSize)
	}
	if filter.MaxSize != nil {
		conds = append(conds, "f.size <= ?")
		args = append(args, *filter.MaxSize)
	}
	if filter.StartDate != nil {
		conds = append(conds, "f.uploaded_at >= ?")
		args = append(args, filter.StartDate.UTC().Format(timeLayout))
	}
	if filter.EndDate != nil {
		conds = append(conds, "f.uploaded_at <= ?")
		args = append(args, filter.EndDate.UTC().Format(timeLayout))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// likeEscaper neutralizes LIKE wildcards so filter text matches literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFileRecord(row rowScanner) (*types.FileRecord, error) {
	var rec types.FileRecord
	var uploadedAt string
	if err := row.Scan(
		&rec.ID, &rec.OriginalFilename, &rec.FileType, &rec.FileSize,
		&uploadedAt, &rec.ContentFingerprint, &rec.RefCount,
	); err != nil {
		return nil, err
	}
	t, err := time.ParseInLocation(timeLayout, uploadedAt, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parsing uploaded_at %q: %w", uploadedAt, err)
	}
	rec.UploadedAt = t
	return &rec, nil
}

// StorageTotals reads the logical and physical byte totals in one statement,
// so both sums come from the same snapshot.
func (c *Catalog) StorageTotals() (totalFileSize, deduplicatedStorage int64, err error) {
	err = c.db.QueryRow(
		`SELECT (SELECT COALESCE(SUM(size), 0) FROM files),
		        (SELECT COALESCE(SUM(size), 0) FROM blobs)`,
	).Scan(&totalFileSize, &deduplicatedStorage)
	if err != nil {
		return 0, 0, fmt.Errorf("reading storage totals: %w", err)
	}
	return totalFileSize, deduplicatedStorage, nil
}
