package kernel

import (
	"context"
	"encoding/json"
	"fmt"
)

// Caller issues numbered function calls to the worker.
// Implemented by *worker.Host.
type Caller interface {
	CallWorker(ctx context.Context, funcID int, args ...any) (json.RawMessage, error)
}

// WorkerCompiler implements Compiler over the worker call protocol.
type WorkerCompiler struct {
	caller Caller
}

// NewWorkerCompiler wraps c.
func NewWorkerCompiler(c Caller) *WorkerCompiler {
	return &WorkerCompiler{caller: c}
}

// GetEntryPoints calls get_entry_points.
func (w *WorkerCompiler) GetEntryPoints(ctx context.Context) ([]EntryPoint, error) {
	raw, err := w.caller.CallWorker(ctx, FuncGetEntryPoints)
	if err != nil {
		return nil, err
	}
	var eps []EntryPoint
	if err := json.Unmarshal(raw, &eps); err != nil {
		return nil, fmt.Errorf("decode entry points: %w", err)
	}
	return eps, nil
}

// CompileDocument calls compile_document and returns the worker's document
// payload unchanged.
func (w *WorkerCompiler) CompileDocument(ctx context.Context, entryPath string, useCachedPrepPhase bool) (json.RawMessage, error) {
	return w.caller.CallWorker(ctx, FuncCompileDocument, entryPath, useCachedPrepPhase)
}

// ExportDocument calls export_document.
func (w *WorkerCompiler) ExportDocument(ctx context.Context, entryPath string, useCachedPrepPhase bool, req ExportRequest) (*ExportedDocument, error) {
	raw, err := w.caller.CallWorker(ctx, FuncExportDocument, entryPath, useCachedPrepPhase, req)
	if err != nil {
		return nil, err
	}
	var out ExportedDocument
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode exported document: %w", err)
	}
	return &out, nil
}

// SetPluginOptions calls set_plugin_options. Nil options send an empty
// plugin list.
func (w *WorkerCompiler) SetPluginOptions(ctx context.Context, opts *PluginOptions) error {
	if opts == nil {
		opts = &PluginOptions{Plugins: []PluginConfig{}}
	}
	_, err := w.caller.CallWorker(ctx, FuncSetPluginOptions, opts)
	return err
}
