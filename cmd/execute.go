package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tabflow-cloud/tabflow/cmd/apply"
	"github.com/tabflow-cloud/tabflow/cmd/start"
)

var cmds = []*cobra.Command{
	start.Cmd,
	apply.Cmd,
}

// Execute builds the command tree and executes commands.
func Execute() error {
	command := &cobra.Command{
		Use: "tabflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}

	for _, c := range cmds {
		command.AddCommand(c)
	}

	return command.Execute()
}
