package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/quill/internal/kernel"
)

// ErrNoDocument is returned when no document matches.
var ErrNoDocument = errors.New("no compiled document")

// PutDocument appends a compiled document.
func (s *Store) PutDocument(ctx context.Context, doc *kernel.Document) error {
	var content sql.NullString
	if len(doc.Content) > 0 {
		content = sql.NullString{String: string(doc.Content), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (session_id, entry_path, content, error, used_cache, compiled_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		doc.SessionID,
		doc.EntryPath,
		content,
		doc.Error,
		doc.UsedCache,
		doc.CompiledAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

// LatestDocument returns the most recent document of sessionID, or of any
// session when sessionID is empty. With okOnly set, failed compiles are
// skipped.
func (s *Store) LatestDocument(ctx context.Context, sessionID string, okOnly bool) (*kernel.Document, error) {
	query := `
		SELECT session_id, entry_path, content, error, used_cache, compiled_at
		FROM documents
		WHERE (? = '' OR session_id = ?) AND (? = 0 OR error = '')
		ORDER BY seq DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, sessionID, sessionID, okOnly, okOnly)

	var (
		doc        kernel.Document
		content    sql.NullString
		compiledAt string
	)
	err := row.Scan(&doc.SessionID, &doc.EntryPath, &content, &doc.Error, &doc.UsedCache, &compiledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, fmt.Errorf("read latest document: %w", err)
	}

	if content.Valid {
		doc.Content = json.RawMessage(content.String)
	}
	doc.CompiledAt, err = time.Parse(time.RFC3339Nano, compiledAt)
	if err != nil {
		return nil, fmt.Errorf("parse compiled_at %q: %w", compiledAt, err)
	}
	return &doc, nil
}

// CountDocuments returns how many documents sessionID produced (all
// sessions when empty).
func (s *Store) CountDocuments(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE (? = '' OR session_id = ?)`,
		sessionID, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// PruneDocuments deletes all but the newest keep documents and returns how
// many rows were removed.
func (s *Store) PruneDocuments(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM documents
		WHERE seq NOT IN (SELECT seq FROM documents ORDER BY seq DESC LIMIT ?)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune documents: %w", err)
	}
	return res.RowsAffected()
}

// ExportRecord describes one finished export.
type ExportRecord struct {
	SessionID  string
	EntryPath  string
	Request    kernel.ExportRequest
	FileName   string
	Size       int
	Error      string
	ExportedAt time.Time
}

// RecordExport appends an export record.
func (s *Store) RecordExport(ctx context.Context, rec ExportRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exports (session_id, entry_path, plugin_id, export_id, file_name, size, error, exported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.SessionID,
		rec.EntryPath,
		rec.Request.PluginID,
		rec.Request.ExportID,
		rec.FileName,
		rec.Size,
		rec.Error,
		rec.ExportedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// Exports returns the export records of sessionID in order.
func (s *Store) Exports(ctx context.Context, sessionID string) ([]ExportRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, entry_path, plugin_id, export_id, file_name, size, error, exported_at
		FROM exports
		WHERE (? = '' OR session_id = ?)
		ORDER BY seq ASC
	`, sessionID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query exports: %w", err)
	}
	defer rows.Close()

	var out []ExportRecord
	for rows.Next() {
		var (
			rec ExportRecord
			at  string
		)
		if err := rows.Scan(&rec.SessionID, &rec.EntryPath, &rec.Request.PluginID, &rec.Request.ExportID,
			&rec.FileName, &rec.Size, &rec.Error, &at); err != nil {
			return nil, fmt.Errorf("scan export: %w", err)
		}
		if rec.ExportedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse exported_at %q: %w", at, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
