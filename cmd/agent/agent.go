package agent

import (
	"os/signal"
	"syscall"

	"github.com/caesium-cloud/fleetline/internal/agent"
	"github.com/caesium-cloud/fleetline/internal/provision/drivers"
	"github.com/caesium-cloud/fleetline/pkg/client"
	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/spf13/cobra"
)

var configPath string

// Cmd is the agent command.
var Cmd = &cobra.Command{
	Use:     "agent",
	Short:   "Run an agent for one device",
	Long:    "This command polls the fleetline server for jobs and runs them on the device described by the agent configuration",
	Example: "fleetline agent -c /etc/fleetline/agent.yaml",
	RunE:    run,
}

func init() {
	Cmd.Flags().StringVarP(&configPath, "config", "c", "", "Agent configuration file (required)")
	Cmd.MarkFlagRequired("config") //nolint:errcheck
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		return err
	}

	api, err := client.New(cfg.ServerAddress, client.WithAgentID(cfg.AgentID))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, api, drivers.Registry())
	go agent.WatchRestart(ctx, a.RestartFlag())

	if err := a.Run(ctx); err != nil {
		return err
	}

	log.Info("agent stopped", "agent_id", cfg.AgentID)
	return nil
}
