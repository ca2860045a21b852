package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/kernel"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Options map[string]string
}

// ExportResult is the export command's output.
type ExportResult struct {
	PluginID string `json:"plugin_id"`
	ExportID string `json:"export_id"`
	FileName string `json:"file_name"`
	Path     string `json:"path"`
	Size     int    `json:"size"`
}

// Text implements Texter.
func (r ExportResult) Text() string {
	return fmt.Sprintf("exported %s (%s) to %s", r.FileName, humanize.IBytes(uint64(r.Size)), r.Path)
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <plugin-id> [export-id]",
		Short: "Export the document through a compiler plugin",
		Long: `Export the document with the given plugin and write the result into the
configured output directory. The export id defaults to the plugin id.

Example:
  quill export pdf
  quill export html site --option toc=true`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := kernel.ExportRequest{PluginID: args[0], ExportID: args[0]}
			if len(args) == 2 {
				req.ExportID = args[1]
			}
			if len(opts.Options) > 0 {
				req.Options = make(map[string]any, len(opts.Options))
				for k, v := range opts.Options {
					req.Options[k] = v
				}
			}
			return runExport(cmd, opts, req)
		},
	}

	cmd.Flags().StringToStringVar(&opts.Options, "option", nil, "exporter option key=value (repeatable)")

	return cmd
}

func runExport(cmd *cobra.Command, opts *ExportOptions, req kernel.ExportRequest) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	p, err := openProject(ctx, opts.RootOptions)
	if err != nil {
		_ = out.Error(CodeWorker, err.Error(), nil)
		return err
	}
	defer p.close()

	res, err := p.session.Export(ctx, req)
	if err != nil {
		_ = out.Error(CodeExport, err.Error(), nil)
		return WrapExitError(ExitCommandError, "export did not run", err)
	}
	if res.Document.Error != "" {
		_ = out.Error(CodeExport, res.Document.Error, map[string]string{"plugin_id": req.PluginID})
		return NewExitError(ExitFailure, "export failed")
	}

	return out.SuccessFor(p.session.ID(), ExportResult{
		PluginID: req.PluginID,
		ExportID: req.ExportID,
		FileName: res.Document.FileName,
		Path:     res.Path,
		Size:     len(res.Document.Content),
	})
}
