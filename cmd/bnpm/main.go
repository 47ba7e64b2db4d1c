package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "bnpm",
		Short:   "Fetch, verify, and materialize resolved npm dependency trees",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newInstallCmd())
	root.AddCommand(newFetchCmd())
	root.AddCommand(newMaterializeCmd())
	root.AddCommand(newAnalyzeCmd())
	root.AddCommand(newOptimizeCmd())

	if err := root.Execute(); err != nil {
		if exitErr, ok := exitCodeOf(err); ok {
			return exitErr
		}
		return 1
	}
	return 0
}
