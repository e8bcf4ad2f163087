// Command orca is the thin entry point that wires the dispatch engine
// together and serves its HTTP control surface. It carries no business
// logic of its own — every behavior lives in internal/* — mirroring how
// thin the teacher's own cmd/alex-server/main.go is relative to
// internal/delivery/server/bootstrap.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	cliGreen = color.New(color.FgGreen).SprintFunc()
	cliRed   = color.New(color.FgRed).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", cliRed("orca:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "orca",
		Short: "Orca turns issue-tracker tickets into autonomous coding-agent sessions.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to orca.yaml (defaults to ./orca.yaml or $HOME/.orca/orca.yaml)")

	var storePath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch engine and its HTTP control surface.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, storePath)
		},
	}
	serveCmd.Flags().StringVar(&storePath, "store", "", "path to the state store file (overrides config)")
	root.AddCommand(serveCmd)

	return root
}
