package device

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/caesium-cloud/fleetline/internal/provision"
	"github.com/caesium-cloud/fleetline/internal/provision/drivers"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	configPath string
	jobPath    string
	errorPath  string
)

// Cmd runs a single stage of a device driver and exits with the stage's
// exit code.
var Cmd = &cobra.Command{
	Use:   "device <type> <stage>",
	Short: "Run one provisioning stage against a device",
	Long: "This command runs a single stage (provision, firmware_update, test, allocate, reserve or cleanup) " +
		"of a device driver and exits with 0 on success, 1 on a provisioning error and 46 when the device needs recovery",
	Example: "fleetline device zapper_kvm provision -c device.yaml -j job.json",
	Args:    cobra.ExactArgs(2),
	RunE:    run,
}

func init() {
	Cmd.Flags().StringVarP(&configPath, "config", "c", "", "Device configuration file (required)")
	Cmd.Flags().StringVarP(&jobPath, "job-data", "j", "", "Job data JSON file (required)")
	Cmd.Flags().StringVar(&errorPath, "error-file", "", "File receiving error records (default: error_record.json next to the job data)")
	Cmd.MarkFlagRequired("config")   //nolint:errcheck
	Cmd.MarkFlagRequired("job-data") //nolint:errcheck
}

func run(cmd *cobra.Command, args []string) error {
	driver, err := drivers.Registry().New(args[0])
	if err != nil {
		return err
	}

	phase, ok := lifecycle.ParsePhase(args[1])
	if !ok || phase == lifecycle.PhaseSetup {
		return fmt.Errorf("unknown stage %q", args[1])
	}

	cfg, err := provision.LoadConfig(configPath)
	if err != nil {
		return err
	}

	job, err := readJob(jobPath)
	if err != nil {
		return err
	}

	workDir := filepath.Dir(jobPath)
	if errorPath == "" {
		errorPath = filepath.Join(workDir, "error_record.json")
	}

	stage := &provision.Stage{
		Config:  cfg,
		Job:     job,
		WorkDir: workDir,
		Output:  cmd.OutOrStdout(),
	}

	os.Exit(provision.Run(cmd.Context(), driver, phase, stage, errorPath))
	return nil
}

func readJob(path string) (*provision.Job, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job data: %w", err)
	}

	data := map[string]any{}
	if err := json.Unmarshal(buf, &data); err != nil {
		return nil, fmt.Errorf("parse job data %s: %w", path, err)
	}

	job := &provision.Job{Data: data}
	if raw, ok := data["job_id"].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			job.ID = id
		}
	}
	return job, nil
}
