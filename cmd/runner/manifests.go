package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"forgescan/tool-runner/internal/manifest"
)

var manifestsCmd = &cobra.Command{
	Use:   "manifests",
	Short: "Inspect tool manifests",
}

var manifestsCheckCmd = &cobra.Command{
	Use:   "check <dir>",
	Short: "Parse and validate every manifest in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := manifest.NewStore(args[0], zerolog.Nop())
		if err := store.Load(); err != nil {
			return err
		}
		for _, name := range store.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	manifestsCmd.AddCommand(manifestsCheckCmd)
}
