package job

import (
	"errors"
	"fmt"

	"github.com/caesium-cloud/fleetline/pkg/client"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
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

		err = c.CancelJob(cmd.Context(), id)
		if errors.Is(err, client.ErrAlreadyTerminal) {
			return writeCmdOut(cmd, "Job %s already finished\n", id)
		}
		if err != nil {
			return err
		}
		return writeCmdOut(cmd, "Cancelled job %s\n", id)
	},
}

func init() {
	Cmd.AddCommand(cancelCmd)
}
