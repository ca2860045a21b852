package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/kernel"
)

// EntriesResult lists the compiler's entry points.
type EntriesResult struct {
	Current string              `json:"current"`
	Entries []kernel.EntryPoint `json:"entries"`
}

// Text implements Texter. The configured entry is marked with '*'.
func (r EntriesResult) Text() string {
	if len(r.Entries) == 0 {
		return "no entry points"
	}
	var b strings.Builder
	for i, e := range r.Entries {
		mark := " "
		if e.Path == r.Current {
			mark = "*"
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %-12s %s", mark, e.Name, e.Path)
	}
	return b.String()
}

// NewEntriesCommand creates the entries command.
func NewEntriesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List the compiler's entry points",
		Long: `Ask the worker for the entry points it can compile and mark the one
currently configured.

Example:
  quill entries
  quill entries --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntries(cmd, rootOpts)
		},
	}
	return cmd
}

func runEntries(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	p, err := openProject(ctx, opts)
	if err != nil {
		_ = out.Error(CodeWorker, err.Error(), nil)
		return err
	}
	defer p.close()

	entries, err := p.session.EntryPoints(ctx)
	if err != nil {
		_ = out.Error(CodeWorker, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list entry points", err)
	}
	current, err := p.store.EntryPath(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read entry path", err)
	}

	return out.SuccessFor(p.session.ID(), EntriesResult{Current: current, Entries: entries})
}
