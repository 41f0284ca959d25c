package job

import (
	"github.com/caesium-cloud/fleetline/pkg/client"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var serverURL string

// Cmd is the parent command for job operations.
var Cmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and follow jobs",
}

func init() {
	Cmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "fleetline server base URL")
}

func newClient() (*client.Client, error) {
	return client.New(serverURL)
}

func parseJobID(raw string) (uuid.UUID, error) {
	return uuid.Parse(raw)
}
