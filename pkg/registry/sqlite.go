package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fooker/adacta/pkg/blob"
	"github.com/fooker/adacta/pkg/document"

	_ "modernc.org/sqlite"
)

// SQLiteRegistry persists documents in an embedded SQLite database, the
// default backend for single-node operation.
type SQLiteRegistry struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(path string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// The driver serializes writers; a single connection avoids table-lock
	// errors under concurrent pipelines.
	db.SetMaxOpenConns(1)
	return NewSQLiteRegistry(db)
}

// NewSQLiteRegistry wraps an existing database handle and ensures the
// schema.
func NewSQLiteRegistry(db *sql.DB) (*SQLiteRegistry, error) {
	r := &SQLiteRegistry{db: db}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate documents schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteRegistry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		specimen TEXT NOT NULL,
		artifacts JSON NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		pages INTEGER NOT NULL DEFAULT 0,
		labels JSON NOT NULL,
		properties JSON NOT NULL,
		uploaded_at TEXT NOT NULL,
		archived_at TEXT,
		indexed_version INTEGER NOT NULL DEFAULT 0
	);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

const sqliteDocumentColumns = `id, version, status, specimen, artifacts, title, pages, labels, properties, uploaded_at, archived_at, indexed_version`

func (r *SQLiteRegistry) Create(ctx context.Context, doc document.Document) error {
	query := `INSERT OR IGNORE INTO documents (` + sqliteDocumentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	args, err := sqliteDocumentArgs(doc)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to inspect insert: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", doc.ID, ErrExists)
	}
	return nil
}

func (r *SQLiteRegistry) Get(ctx context.Context, id string) (document.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteDocumentColumns+` FROM documents WHERE id = ?`, id)
	return scanSQLiteDocument(row)
}

func (r *SQLiteRegistry) Update(ctx context.Context, id string, expectedVersion int64, mutate func(*document.Document) error) (document.Document, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return document.Document{}, fmt.Errorf("failed to begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteDocumentColumns+` FROM documents WHERE id = ?`, id)
	stored, err := scanSQLiteDocument(row)
	if err != nil {
		return document.Document{}, err
	}
	if stored.Status == document.StatusDeleted {
		return document.Document{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return document.Document{}, fmt.Errorf("%s: expected version %d, have %d: %w", id, expectedVersion, stored.Version, ErrVersionConflict)
	}

	next := stored.Clone()
	if err := mutate(&next); err != nil {
		return document.Document{}, err
	}

	// The mutate callback owns content only.
	next.ID = stored.ID
	next.IndexedVersion = stored.IndexedVersion
	next.Version = stored.Version + 1

	if err := sqliteWriteDocument(ctx, tx, next, expectedVersion); err != nil {
		return document.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return document.Document{}, fmt.Errorf("failed to commit update: %w", err)
	}
	return next, nil
}

func (r *SQLiteRegistry) Delete(ctx context.Context, id string, expectedVersion int64) (document.Document, error) {
	return r.Update(ctx, id, expectedVersion, func(d *document.Document) error {
		d.Status = document.StatusDeleted
		return nil
	})
}

func (r *SQLiteRegistry) List(ctx context.Context) ([]document.Document, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sqliteDocumentColumns+` FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []document.Document
	for rows.Next() {
		doc, err := scanSQLiteDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

func (r *SQLiteRegistry) SetIndexedVersion(ctx context.Context, id string, version int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET indexed_version = ? WHERE id = ? AND indexed_version < ?`,
		version, id, version,
	)
	if err != nil {
		return fmt.Errorf("failed to set indexed version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to inspect update: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// No row moved: either the marker is already at or past version, or the
	// document is gone.
	var exists bool
	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check document: %w", err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *SQLiteRegistry) Remove(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove document: %w", err)
	}
	return nil
}

func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

func sqliteWriteDocument(ctx context.Context, tx *sql.Tx, doc document.Document, expectedVersion int64) error {
	artifacts, labels, properties, err := encodeDocumentJSON(doc)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET version = ?, status = ?, specimen = ?, artifacts = ?, title = ?, pages = ?, labels = ?, properties = ?, uploaded_at = ?, archived_at = ?
		WHERE id = ? AND version = ?`,
		doc.Version, string(doc.Status), string(doc.Specimen), artifacts, doc.Title, doc.Pages, labels, properties,
		formatSQLiteTime(doc.UploadedAt), formatSQLiteTimePtr(doc.ArchivedAt),
		doc.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to inspect update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", doc.ID, ErrVersionConflict)
	}
	return nil
}

func sqliteDocumentArgs(doc document.Document) ([]any, error) {
	artifacts, labels, properties, err := encodeDocumentJSON(doc)
	if err != nil {
		return nil, err
	}
	return []any{
		doc.ID, doc.Version, string(doc.Status), string(doc.Specimen), artifacts,
		doc.Title, doc.Pages, labels, properties,
		formatSQLiteTime(doc.UploadedAt), formatSQLiteTimePtr(doc.ArchivedAt),
		doc.IndexedVersion,
	}, nil
}

func scanSQLiteDocument(row interface{ Scan(...any) error }) (document.Document, error) {
	var (
		id             string
		version        int64
		status         string
		specimen       string
		artifactsJSON  string
		title          string
		pages          int
		labelsJSON     string
		propertiesJSON string
		uploadedAt     string
		archivedAt     sql.NullString
		indexedVersion int64
	)
	err := row.Scan(&id, &version, &status, &specimen, &artifactsJSON, &title, &pages,
		&labelsJSON, &propertiesJSON, &uploadedAt, &archivedAt, &indexedVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return document.Document{}, ErrNotFound
		}
		return document.Document{}, fmt.Errorf("failed to scan document: %w", err)
	}

	doc := document.Document{
		ID:             id,
		Version:        version,
		Status:         document.Status(status),
		Specimen:       blob.Ref(specimen),
		Title:          title,
		Pages:          pages,
		UploadedAt:     parseSQLiteTime(uploadedAt),
		IndexedVersion: indexedVersion,
	}
	if archivedAt.Valid && archivedAt.String != "" {
		t := parseSQLiteTime(archivedAt.String)
		doc.ArchivedAt = &t
	}
	if err := decodeDocumentJSON(&doc, artifactsJSON, labelsJSON, propertiesJSON); err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

func encodeDocumentJSON(doc document.Document) (artifacts, labels, properties string, err error) {
	a, err := json.Marshal(doc.Artifacts)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal artifacts: %w", err)
	}
	l, err := json.Marshal(doc.Labels)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal labels: %w", err)
	}
	p, err := json.Marshal(doc.Properties)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal properties: %w", err)
	}
	return string(a), string(l), string(p), nil
}

func decodeDocumentJSON(doc *document.Document, artifacts, labels, properties string) error {
	if artifacts != "" {
		if err := json.Unmarshal([]byte(artifacts), &doc.Artifacts); err != nil {
			return fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}
	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &doc.Labels); err != nil {
			return fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	if properties != "" {
		if err := json.Unmarshal([]byte(properties), &doc.Properties); err != nil {
			return fmt.Errorf("failed to unmarshal properties: %w", err)
		}
	}
	return nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatSQLiteTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatSQLiteTime(*t)
}

func parseSQLiteTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
