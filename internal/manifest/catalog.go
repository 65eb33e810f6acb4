package manifest

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ntupler/ntupler/internal/bloom"
	ntErrors "github.com/ntupler/ntupler/internal/errors"
)

// Catalog tracks published outputs in manifest.db.
type Catalog interface {
	// Register records a published output. If an output with the same
	// idempotency key exists, it returns that output's id and an error
	// matching ErrAlreadyPublished.
	Register(ctx context.Context, sc *Sidecar, objectPath, sidecarPath string) (string, error)

	// GetOutput retrieves a single output by id.
	GetOutput(ctx context.Context, outputID string) (*OutputRecord, error)

	// ListOutputs returns outputs matching filter, newest first.
	ListOutputs(ctx context.Context, filter ListFilter) ([]*OutputRecord, error)

	// FindByKey returns the outputs whose key filter may contain key.
	FindByKey(ctx context.Context, catalog string, key uint64) ([]*OutputRecord, error)

	// Close closes the catalog database connection.
	Close() error
}

// OutputRecord is one published output.
type OutputRecord struct {
	OutputID       string
	Catalog        string
	CatalogVersion int
	Fingerprint    string
	Format         string
	ObjectPath     string
	SidecarPath    string
	RecordCount    int64
	RowCount       int64
	SizeBytes      int64
	Checksum       string
	CreatedAt      time.Time
}

// ListFilter restricts ListOutputs. Zero fields match everything.
type ListFilter struct {
	Catalog string
	Since   time.Time
	Limit   int
}

// IdempotencyKey identifies an output's content for publish de-duplication.
// The row content hash is used when present, the file checksum otherwise.
func IdempotencyKey(sc *Sidecar) string {
	content := sc.ContentHash
	if content == "" {
		content = sc.Checksum
	}
	return fmt.Sprintf("%s/v%d/%s/%s", sc.Catalog, sc.CatalogVersion, sc.Fingerprint, content)
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // single writer
	dbPath string
	mu     sync.Mutex
}

// NewCatalog opens (creating if needed) the catalog at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &SQLiteCatalog{db: db, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Register records a published output together with its schema and
// idempotency key, in one transaction.
func (c *SQLiteCatalog) Register(ctx context.Context, sc *Sidecar, objectPath, sidecarPath string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := IdempotencyKey(sc)
	var existing string
	err := c.db.QueryRowContext(ctx,
		"SELECT output_id FROM idempotency_keys WHERE key = ?", key,
	).Scan(&existing)
	if err == nil {
		return existing, ntErrors.NewStorageError(ntErrors.CodeAlreadyPublished,
			fmt.Sprintf("output content already published as %s", existing), nil)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("manifest: failed to check idempotency key: %w", err)
	}

	var filter []byte
	if sc.KeyFilter != nil {
		if filter, err = base64.StdEncoding.DecodeString(sc.KeyFilter.Data); err != nil {
			return "", fmt.Errorf("manifest: invalid key filter: %w", err)
		}
	}
	columnsJSON, err := json.Marshal(sc.Columns)
	if err != nil {
		return "", fmt.Errorf("manifest: failed to marshal columns: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO schemas (fingerprint, catalog, catalog_version, columns_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sc.Fingerprint, sc.Catalog, sc.CatalogVersion, string(columnsJSON), now,
	); err != nil {
		return "", fmt.Errorf("manifest: failed to insert schema: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outputs (
			output_id, catalog, catalog_version, fingerprint, format,
			object_path, sidecar_path,
			record_count, row_count, size_bytes, checksum, key_filter, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.OutputID, sc.Catalog, sc.CatalogVersion, sc.Fingerprint, sc.Format,
		objectPath, sidecarPath,
		sc.Stats.Records, sc.Stats.Rows, sc.Stats.SizeBytes, sc.Checksum, filter, sc.CreatedAt,
	); err != nil {
		return "", fmt.Errorf("manifest: failed to insert output: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO idempotency_keys (key, output_id, created_at) VALUES (?, ?, ?)",
		key, sc.OutputID, now,
	); err != nil {
		return "", fmt.Errorf("manifest: failed to insert idempotency key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("manifest: failed to commit transaction: %w", err)
	}
	log.Printf("manifest: registered output %s (%s v%d, %d rows) at %s",
		sc.OutputID, sc.Catalog, sc.CatalogVersion, sc.Stats.Rows, objectPath)
	return sc.OutputID, nil
}

const selectOutputColumns = `
	SELECT output_id, catalog, catalog_version, fingerprint, format,
		object_path, sidecar_path, record_count, row_count, size_bytes,
		checksum, created_at
	FROM outputs`

// GetOutput retrieves a single output by id.
func (c *SQLiteCatalog) GetOutput(ctx context.Context, outputID string) (*OutputRecord, error) {
	row := c.db.QueryRowContext(ctx, selectOutputColumns+" WHERE output_id = ?", outputID)
	rec, err := scanOutput(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ntErrors.NewStorageError(ntErrors.CodeObjectNotFound,
			fmt.Sprintf("output %s not found", outputID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to get output: %w", err)
	}
	return rec, nil
}

// ListOutputs returns outputs matching filter, newest first.
func (c *SQLiteCatalog) ListOutputs(ctx context.Context, filter ListFilter) ([]*OutputRecord, error) {
	query := selectOutputColumns + " WHERE 1=1"
	var args []interface{}
	if filter.Catalog != "" {
		query += " AND catalog = ?"
		args = append(args, filter.Catalog)
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.Unix())
	}
	query += " ORDER BY created_at DESC, output_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list outputs: %w", err)
	}
	defer rows.Close()

	var out []*OutputRecord
	for rows.Next() {
		rec, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to scan output: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindByKey returns the outputs of a catalog whose key filter may contain
// key. Outputs without a filter are always returned.
func (c *SQLiteCatalog) FindByKey(ctx context.Context, catalog string, key uint64) ([]*OutputRecord, error) {
	query := `
		SELECT output_id, catalog, catalog_version, fingerprint, format,
			object_path, sidecar_path, record_count, row_count, size_bytes,
			checksum, created_at, key_filter
		FROM outputs WHERE catalog = ? ORDER BY created_at DESC, output_id`
	rows, err := c.db.QueryContext(ctx, query, catalog)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to query outputs: %w", err)
	}
	defer rows.Close()

	var out []*OutputRecord
	for rows.Next() {
		var (
			rec     OutputRecord
			created int64
			data    []byte
		)
		if err := rows.Scan(
			&rec.OutputID, &rec.Catalog, &rec.CatalogVersion, &rec.Fingerprint, &rec.Format,
			&rec.ObjectPath, &rec.SidecarPath, &rec.RecordCount, &rec.RowCount, &rec.SizeBytes,
			&rec.Checksum, &created, &data,
		); err != nil {
			return nil, fmt.Errorf("manifest: failed to scan output: %w", err)
		}
		rec.CreatedAt = time.Unix(created, 0)

		if len(data) > 0 {
			var f bloom.BloomFilter
			if err := f.UnmarshalBinary(data); err != nil {
				log.Printf("manifest: output %s has a corrupt key filter: %v", rec.OutputID, err)
			} else if !f.ContainsKey(key) {
				continue
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Count returns the number of registered outputs.
func (c *SQLiteCatalog) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outputs").Scan(&n); err != nil {
		return 0, fmt.Errorf("manifest: failed to count outputs: %w", err)
	}
	return n, nil
}

// Close closes the catalog database connection.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutput(s scanner) (*OutputRecord, error) {
	var (
		rec     OutputRecord
		created int64
	)
	if err := s.Scan(
		&rec.OutputID, &rec.Catalog, &rec.CatalogVersion, &rec.Fingerprint, &rec.Format,
		&rec.ObjectPath, &rec.SidecarPath, &rec.RecordCount, &rec.RowCount, &rec.SizeBytes,
		&rec.Checksum, &created,
	); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(created, 0)
	return &rec, nil
}
