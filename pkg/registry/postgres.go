package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fooker/adacta/pkg/blob"
	"github.com/fooker/adacta/pkg/document"

	_ "github.com/lib/pq"
)

// PostgresRegistry persists documents in PostgreSQL for multi-process
// deployments sharing one archive.
type PostgresRegistry struct {
	db *sql.DB
}

// OpenPostgres connects using a lib/pq DSN.
func OpenPostgres(dsn string) (*PostgresRegistry, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	return NewPostgresRegistry(db)
}

// NewPostgresRegistry wraps an existing database handle and ensures the
// schema.
func NewPostgresRegistry(db *sql.DB) (*PostgresRegistry, error) {
	r := &PostgresRegistry{db: db}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate documents schema: %w", err)
	}
	return r, nil
}

func (r *PostgresRegistry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		version BIGINT NOT NULL,
		status TEXT NOT NULL,
		specimen TEXT NOT NULL,
		artifacts JSONB NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		pages INT NOT NULL DEFAULT 0,
		labels JSONB NOT NULL,
		properties JSONB NOT NULL,
		uploaded_at TIMESTAMPTZ NOT NULL,
		archived_at TIMESTAMPTZ,
		indexed_version BIGINT NOT NULL DEFAULT 0
	);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

const pgDocumentColumns = `id, version, status, specimen, artifacts, title, pages, labels, properties, uploaded_at, archived_at, indexed_version`

func (r *PostgresRegistry) Create(ctx context.Context, doc document.Document) error {
	query := `INSERT INTO documents (` + pgDocumentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`

	artifacts, labels, properties, err := encodeDocumentJSON(doc)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.Version, string(doc.Status), string(doc.Specimen), artifacts,
		doc.Title, doc.Pages, labels, properties,
		doc.UploadedAt.UTC(), nullableTime(doc.ArchivedAt),
		doc.IndexedVersion,
	)
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

func (r *PostgresRegistry) Get(ctx context.Context, id string) (document.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pgDocumentColumns+` FROM documents WHERE id = $1`, id)
	return scanPostgresDocument(row)
}

func (r *PostgresRegistry) Update(ctx context.Context, id string, expectedVersion int64, mutate func(*document.Document) error) (document.Document, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return document.Document{}, fmt.Errorf("failed to begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+pgDocumentColumns+` FROM documents WHERE id = $1 FOR UPDATE`, id)
	stored, err := scanPostgresDocument(row)
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

	artifacts, labels, properties, err := encodeDocumentJSON(next)
	if err != nil {
		return document.Document{}, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET version = $1, status = $2, specimen = $3, artifacts = $4, title = $5, pages = $6, labels = $7, properties = $8, uploaded_at = $9, archived_at = $10
		WHERE id = $11 AND version = $12`,
		next.Version, string(next.Status), string(next.Specimen), artifacts, next.Title, next.Pages, labels, properties,
		next.UploadedAt.UTC(), nullableTime(next.ArchivedAt),
		next.ID, expectedVersion,
	)
	if err != nil {
		return document.Document{}, fmt.Errorf("failed to update document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return document.Document{}, fmt.Errorf("failed to inspect update: %w", err)
	}
	if affected == 0 {
		return document.Document{}, fmt.Errorf("%s: %w", id, ErrVersionConflict)
	}

	if err := tx.Commit(); err != nil {
		return document.Document{}, fmt.Errorf("failed to commit update: %w", err)
	}
	return next, nil
}

func (r *PostgresRegistry) Delete(ctx context.Context, id string, expectedVersion int64) (document.Document, error) {
	return r.Update(ctx, id, expectedVersion, func(d *document.Document) error {
		d.Status = document.StatusDeleted
		return nil
	})
}

func (r *PostgresRegistry) List(ctx context.Context) ([]document.Document, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+pgDocumentColumns+` FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []document.Document
	for rows.Next() {
		doc, err := scanPostgresDocument(rows)
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

func (r *PostgresRegistry) SetIndexedVersion(ctx context.Context, id string, version int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET indexed_version = $1 WHERE id = $2 AND indexed_version < $1`,
		version, id,
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

	var exists bool
	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check document: %w", err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *PostgresRegistry) Remove(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to remove document: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}

func scanPostgresDocument(row interface{ Scan(...any) error }) (document.Document, error) {
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
		uploadedAt     sql.NullTime
		archivedAt     sql.NullTime
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
		UploadedAt:     uploadedAt.Time,
		IndexedVersion: indexedVersion,
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		doc.ArchivedAt = &t
	}
	if err := decodeDocumentJSON(&doc, artifactsJSON, labelsJSON, propertiesJSON); err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
