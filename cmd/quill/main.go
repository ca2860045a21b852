// Command quill drives a worker-resident document compiler.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/quill/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
