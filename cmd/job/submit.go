package job

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var submitCmd = &cobra.Command{
	Use:     "submit <file>",
	Short:   "Submit a job described by a YAML or JSON file",
	Example: "fleetline job submit job.yaml\ncat job.json | fleetline job submit -",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readJobFile(cmd, args[0])
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}

		id, err := c.SubmitJob(cmd.Context(), data)
		if err != nil {
			return err
		}
		return writeCmdOut(cmd, "%s\n", id)
	},
}

func init() {
	Cmd.AddCommand(submitCmd)
}

func readJobFile(cmd *cobra.Command, path string) (map[string]any, error) {
	var (
		buf []byte
		err error
	)
	if path == "-" {
		buf, err = io.ReadAll(cmd.InOrStdin())
	} else {
		buf, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	data := map[string]any{}
	if err := yaml.Unmarshal(buf, &data); err != nil {
		return nil, fmt.Errorf("parse job file: %w", err)
	}
	return data, nil
}
