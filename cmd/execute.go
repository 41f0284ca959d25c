package cmd

import (
	"github.com/caesium-cloud/fleetline/cmd/agent"
	"github.com/caesium-cloud/fleetline/cmd/device"
	"github.com/caesium-cloud/fleetline/cmd/job"
	"github.com/caesium-cloud/fleetline/cmd/server"
	"github.com/spf13/cobra"
)

var cmds = []*cobra.Command{
	server.Cmd,
	agent.Cmd,
	device.Cmd,
	job.Cmd,
}

// Execute builds the command tree and executes commands.
func Execute() error {
	command := &cobra.Command{
		Use:           "fleetline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}

	for _, c := range cmds {
		command.AddCommand(c)
	}

	return command.Execute()
}
