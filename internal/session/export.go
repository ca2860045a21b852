package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/roach88/quill/internal/kernel"
	"github.com/roach88/quill/internal/store"
)

// ExportResult is a finished export.
type ExportResult struct {
	Document *kernel.ExportedDocument
	// Path is where the document was written; empty when the export failed.
	Path string
}

// Export runs req, writes a successful result into the output directory and
// records the outcome in the store.
func (s *Session) Export(ctx context.Context, req kernel.ExportRequest) (*ExportResult, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	s.idle.Touch()

	doc, err := s.kernel.Export(ctx, req)
	if err != nil {
		return nil, err
	}

	cfg, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}
	entry, err := s.store.EntryPath(ctx)
	if err != nil {
		return nil, err
	}

	res := &ExportResult{Document: doc}
	if doc.Error == "" {
		if doc.FileName == "" {
			doc.FileName = fmt.Sprintf("%s.%s", baseName(entry), req.ExportID)
		}
		res.Path = outputPath(cfg, doc.FileName)
		if err := writeFile(s.opts.fs, res.Path, doc.Content); err != nil {
			return nil, err
		}
		slog.Info("exported document",
			"path", res.Path,
			"size", humanize.IBytes(uint64(len(doc.Content))),
		)
	}

	rec := store.ExportRecord{
		SessionID:  s.id,
		EntryPath:  entry,
		Request:    req,
		FileName:   doc.FileName,
		Size:       len(doc.Content),
		Error:      doc.Error,
		ExportedAt: time.Now(),
	}
	if err := s.store.RecordExport(ctx, rec); err != nil {
		return nil, err
	}
	return res, nil
}

func writeFile(fs afero.Fs, path string, data []byte) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func baseName(entry string) string {
	if entry == "" {
		return "document"
	}
	base := filepath.Base(entry)
	return base[:len(base)-len(filepath.Ext(base))]
}
