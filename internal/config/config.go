// Package config loads the project configuration file.
//
// A project is configured by quill.yaml (or quill.yml) or quill.cue in its
// root. Both formats are checked against the same CUE schema, so unknown
// keys, bad durations and unknown tracker kinds are rejected before any
// value reaches Go code. Absent keys keep their defaults.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/roach88/quill/internal/kernel"
	"github.com/roach88/quill/internal/tracker"
)

//go:embed schema.cue
var schemaCUE string

// FileNames are the config files Discover looks for, in priority order.
var FileNames = []string{"quill.cue", "quill.yaml", "quill.yml"}

// Config is the resolved project configuration.
type Config struct {
	// Root is the project directory served to the worker.
	Root string `json:"root"`

	// EntryPath seeds the stored entry path when none is set.
	EntryPath string `json:"entry_path"`

	// Tracker selects the change-tracking strategy.
	Tracker string `json:"tracker"`

	// Debounce delays compiles after file changes.
	Debounce Duration `json:"debounce"`

	// DB is the SQLite database path, relative to Root.
	DB string `json:"db"`

	// OutputDir receives exports and autosaved documents, relative to Root.
	OutputDir string `json:"output_dir"`

	// MetricsAddr serves /metrics when non-empty.
	MetricsAddr string `json:"metrics_addr"`

	// KeepDocuments bounds stored documents after a long idle.
	KeepDocuments int `json:"keep_documents"`

	Worker  WorkerConfig          `json:"worker"`
	Idle    IdleConfig            `json:"idle"`
	Plugins []kernel.PluginConfig `json:"plugins"`

	// Path is the file the config was loaded from; empty for defaults.
	Path string `json:"-"`
}

// WorkerConfig describes how to start the compiler worker.
type WorkerConfig struct {
	Command       string   `json:"command"`
	Args          []string `json:"args"`
	CallTimeout   Duration `json:"call_timeout"`
	ReadyInterval Duration `json:"ready_interval"`
	ReadyBudget   Duration `json:"ready_budget"`
}

// IdleConfig tunes idle maintenance.
type IdleConfig struct {
	Short       Duration `json:"short"`
	Long        Duration `json:"long"`
	MaxInterval Duration `json:"max_interval"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Root:          ".",
		Tracker:       string(tracker.KindModTime),
		Debounce:      Duration(100 * time.Millisecond),
		DB:            filepath.Join(".quill", "quill.db"),
		OutputDir:     "out",
		KeepDocuments: 50,
		Worker: WorkerConfig{
			CallTimeout:   Duration(5 * time.Minute),
			ReadyInterval: Duration(500 * time.Millisecond),
			ReadyBudget:   Duration(60 * time.Second),
		},
		Idle: IdleConfig{
			Short:       Duration(2 * time.Second),
			Long:        Duration(30 * time.Second),
			MaxInterval: Duration(5 * time.Second),
		},
	}
}

// Discover returns the first config file found in dir, or "" if none.
func Discover(fsys afero.Fs, dir string) string {
	for _, name := range FileNames {
		p := filepath.Join(dir, name)
		if ok, _ := afero.Exists(fsys, p); ok {
			return p
		}
	}
	return ""
}

// Load reads and validates the config file at path. The format follows the
// extension: .cue for CUE, anything else for YAML. A relative Root is
// resolved against the file's directory.
func Load(fsys afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".cue"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	cfg.Path = path
	if !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(filepath.Dir(path), cfg.Root)
	}
	return cfg, nil
}

// Parse validates data against the schema and applies it over Default.
func Parse(data []byte, isCUE bool) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	var v cue.Value
	if isCUE {
		v = ctx.CompileBytes(data)
	} else {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
		v = ctx.Encode(doc)
	}
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// TrackerKind returns the configured tracking strategy.
func (c *Config) TrackerKind() tracker.Kind {
	return tracker.Kind(c.Tracker)
}

// PluginOptions returns the plugin list as kernel options.
func (c *Config) PluginOptions() *kernel.PluginOptions {
	plugins := make([]kernel.PluginConfig, len(c.Plugins))
	copy(plugins, c.Plugins)
	return &kernel.PluginOptions{Plugins: plugins}
}

// ResolvePath joins a Root-relative path.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
