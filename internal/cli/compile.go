package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/kernel"
	"github.com/roach88/quill/internal/store"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	OutputFile string
}

// CompileResult is the compile command's output.
type CompileResult struct {
	EntryPath  string    `json:"entry_path"`
	Size       int       `json:"size"`
	UsedCache  bool      `json:"used_cache"`
	CompiledAt time.Time `json:"compiled_at"`
	OutputFile string    `json:"output_file,omitempty"`
}

// Text implements Texter.
func (r CompileResult) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compiled %s (%s", r.EntryPath, humanize.IBytes(uint64(r.Size)))
	if r.UsedCache {
		b.WriteString(", cached prep phase")
	}
	b.WriteString(")")
	if r.OutputFile != "" {
		fmt.Fprintf(&b, "\nwrote %s", r.OutputFile)
	}
	return b.String()
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile the document once",
		Long: `Start the worker, compile the configured entry path once and store the
resulting document in the database.

A missing entry path is corrected to the compiler's default entry point
before compiling.

Example:
  quill compile
  quill compile -o out/document.json --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "", "also write the compiled document to this file")

	return cmd
}

func runCompile(cmd *cobra.Command, opts *CompileOptions) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	p, err := openProject(ctx, opts.RootOptions)
	if err != nil {
		_ = out.Error(CodeWorker, err.Error(), nil)
		return err
	}
	defer p.close()

	if err := p.session.Compile(ctx); err != nil {
		_ = out.Error(CodeCompile, err.Error(), nil)
		return WrapExitError(ExitCommandError, "compile did not run", err)
	}

	doc, err := p.session.LatestDocument(ctx)
	if errors.Is(err, store.ErrNoDocument) {
		// The entry path was corrected, which skips the compile.
		if err = p.session.Compile(ctx); err == nil {
			doc, err = p.session.LatestDocument(ctx)
		}
	}
	if err != nil {
		_ = out.Error(CodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read document", err)
	}
	if !doc.OK() {
		_ = out.Error(CodeCompile, doc.Error, map[string]string{"entry_path": doc.EntryPath})
		return NewExitError(ExitFailure, "compile failed")
	}

	res := compileResult(doc)
	if opts.OutputFile != "" {
		if err := afero.WriteFile(opts.fs(), opts.OutputFile, doc.Content, 0o644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
		res.OutputFile = opts.OutputFile
	}
	return out.SuccessFor(p.session.ID(), res)
}

func compileResult(doc *kernel.Document) CompileResult {
	return CompileResult{
		EntryPath:  doc.EntryPath,
		Size:       len(doc.Content),
		UsedCache:  doc.UsedCache,
		CompiledAt: doc.CompiledAt,
	}
}
