package kernel

import (
	"context"
	"encoding/json"
	"time"
)

// Function ids understood by the compiler worker.
const (
	FuncGetEntryPoints   = 1
	FuncCompileDocument  = 2
	FuncExportDocument   = 3
	FuncSetPluginOptions = 4
)

// DefaultEntryName is the entry point preferred when correcting a missing
// entry path.
const DefaultEntryName = "default"

// EntryPoint is a named document root the compiler can start from.
type EntryPoint struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// PluginConfig enables one compiler plugin.
type PluginConfig struct {
	Use   string         `json:"use" yaml:"use"`
	Props map[string]any `json:"props,omitempty" yaml:"props,omitempty"`
}

// PluginOptions is the full plugin configuration sent to the worker.
//
// Change detection compares pointers: a Settings implementation returns the
// same *PluginOptions until the options are replaced.
type PluginOptions struct {
	Plugins []PluginConfig `json:"plugins"`
}

// Document is the result of one compile.
type Document struct {
	SessionID  string          `json:"session_id,omitempty"`
	EntryPath  string          `json:"entry_path"`
	Content    json.RawMessage `json:"content,omitempty"`
	Error      string          `json:"error,omitempty"`
	UsedCache  bool            `json:"used_cache"`
	CompiledAt time.Time       `json:"compiled_at"`
}

// OK reports whether the compile succeeded.
func (d *Document) OK() bool {
	return d.Error == ""
}

// ExportRequest selects an exporter and its options.
type ExportRequest struct {
	PluginID string         `json:"pluginId"`
	ExportID string         `json:"exportId"`
	Options  map[string]any `json:"options,omitempty"`
}

// ExportedDocument is the output of one export.
// A failed export carries Error and no content.
type ExportedDocument struct {
	FileName string `json:"fileName"`
	Content  []byte `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Compiler is the worker-resident compiler as seen by the kernel.
type Compiler interface {
	GetEntryPoints(ctx context.Context) ([]EntryPoint, error)
	CompileDocument(ctx context.Context, entryPath string, useCachedPrepPhase bool) (json.RawMessage, error)
	ExportDocument(ctx context.Context, entryPath string, useCachedPrepPhase bool, req ExportRequest) (*ExportedDocument, error)
	SetPluginOptions(ctx context.Context, opts *PluginOptions) error
}

// FileAccess answers existence checks for entry path validation.
type FileAccess interface {
	Exists(ctx context.Context, path string) bool
}

// Settings holds the user-editable compile settings.
type Settings interface {
	EntryPath(ctx context.Context) (string, error)
	SetEntryPath(ctx context.Context, path string) error
	PluginOptions(ctx context.Context) (*PluginOptions, error)
}

// DocumentSink receives every compiled document, failed ones included.
type DocumentSink interface {
	PutDocument(ctx context.Context, doc *Document) error
}

// Observer receives kernel events. Implemented by the metrics package.
type Observer interface {
	CompileFinished(elapsed time.Duration, err error)
	ExportFinished(elapsed time.Duration, err error)
	EntryPathCorrected()
}
