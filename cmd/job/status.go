package job

import (
	"fmt"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state and queue position of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseJobID(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}

		c, err := newClient()
		if err != nil {
			return err
		}

		state, err := c.JobState(cmd.Context(), id)
		if err != nil {
			return err
		}
		if err := writeCmdOut(cmd, "Job %s: %s\n", id, state); err != nil {
			return err
		}

		if lifecycle.State(state) == lifecycle.StateWaiting {
			pos, err := c.Position(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeCmdOut(cmd, "Jobs ahead in queue: %d\n", pos)
		}
		return nil
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <job-id>",
	Short: "Print the full result of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseJobID(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}

		c, err := newClient()
		if err != nil {
			return err
		}

		result, err := c.GetResult(cmd.Context(), id)
		if err != nil {
			return err
		}
		return writeJSON(cmd, result)
	},
}

func init() {
	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(resultCmd)
}
