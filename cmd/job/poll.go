package job

import (
	"fmt"
	"time"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/caesium-cloud/fleetline/pkg/client"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var pollInterval time.Duration

var pollCmd = &cobra.Command{
	Use:   "poll <job-id>",
	Short: "Follow a job's output until it finishes",
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

		f := &follower{cmd: cmd, c: c, id: id, next: map[string]int{}}
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		state := ""
		for {
			if err := f.printNewOutput(); err != nil {
				return err
			}

			current, err := c.JobState(cmd.Context(), id)
			if err != nil {
				return err
			}
			if current != state {
				state = current
				if err := writeCmdOut(cmd, "*** %s ***\n", state); err != nil {
					return err
				}
			}
			if lifecycle.State(state).Terminal() {
				return f.printNewOutput()
			}

			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-ticker.C:
			}
		}
	},
}

func init() {
	pollCmd.Flags().DurationVar(&pollInterval, "interval", 10*time.Second, "Time between polls")
	Cmd.AddCommand(pollCmd)
}

// follower prints output fragments it has not printed yet.
type follower struct {
	cmd  *cobra.Command
	c    *client.Client
	id   uuid.UUID
	next map[string]int
}

func (f *follower) printNewOutput() error {
	for _, phase := range lifecycle.Phases {
		fragments, err := f.c.GetLogs(f.cmd.Context(), f.id, string(lifecycle.LogTypeOutput), client.LogQuery{
			Phase:         string(phase),
			StartFragment: f.next[string(phase)],
		})
		if err != nil {
			return err
		}
		for _, fragment := range fragments {
			if err := writeCmdOut(f.cmd, "%s", fragment.LogData); err != nil {
				return err
			}
			f.next[string(phase)] = fragment.FragmentNumber + 1
		}
	}
	return nil
}
