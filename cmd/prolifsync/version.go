package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/proliferate-ai/proliferate-sub003/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the prolifsync version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.CurrentWithDirty())
			return nil
		},
	}
}
