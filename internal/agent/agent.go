// Package agent runs jobs on the device an agent is attached to. An agent
// polls the server for work and drives each job through the lifecycle
// phases one at a time.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/caesium-cloud/fleetline/internal/provision"
	"github.com/caesium-cloud/fleetline/internal/provision/device"
	"github.com/caesium-cloud/fleetline/internal/serial"
	"github.com/caesium-cloud/fleetline/pkg/client"
	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/google/uuid"
)

const (
	jobFile   = "job.json"
	errorFile = "error_record.json"
)

var (
	// ErrRestart is returned by Run when the agent was marked for restart.
	ErrRestart = errors.New("agent marked for restart")
	// ErrQuarantined is returned by Run after a stage left the device in
	// an unknown state. The agent must not take further jobs.
	ErrQuarantined = errors.New("agent quarantined after recovery failure")
)

// API is the subset of the server API an agent uses.
type API interface {
	Poll(ctx context.Context, queues []string) (*client.Job, error)
	JobState(ctx context.Context, id uuid.UUID) (string, error)
	PostResult(ctx context.Context, id uuid.UUID, partial map[string]any) error
	PostLog(ctx context.Context, id uuid.UUID, logType string, fragment client.LogFragment) error
	PostEvents(ctx context.Context, id uuid.UUID, events []client.Event) error
}

// SerialStarter starts capturing the device console.
type SerialStarter func(ctx context.Context, cfg serial.Config, w io.Writer) (stop func())

// Agent polls for jobs and runs them.
type Agent struct {
	cfg      *Config
	api      API
	registry *provision.Registry
	restart  *RestartFlag
	serial   SerialStarter
	sleep    device.SleepFunc
}

// Option customises an Agent.
type Option func(*Agent)

// WithSerialStarter overrides how the serial console is captured.
func WithSerialStarter(s SerialStarter) Option {
	return func(a *Agent) { a.serial = s }
}

// WithSleep overrides how the agent waits between polls.
func WithSleep(s device.SleepFunc) Option {
	return func(a *Agent) { a.sleep = s }
}

// New returns an agent for cfg.
func New(cfg *Config, api API, registry *provision.Registry, opts ...Option) *Agent {
	if cfg == nil || api == nil || registry == nil {
		panic("agent requires config, api and registry")
	}
	cfg.applyDefaults()

	a := &Agent{
		cfg:      cfg,
		api:      api,
		registry: registry,
		restart:  NewRestartFlag(cfg.RestartFile),
		serial:   serial.Start,
		sleep:    device.Sleep,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RestartFlag returns the flag the agent checks between jobs.
func (a *Agent) RestartFlag() *RestartFlag {
	return a.restart
}

// Run polls for jobs until ctx is done, the agent is marked for restart
// or a job leaves the device in an unknown state.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.registry.New(a.cfg.DeviceType); err != nil {
		return err
	}
	if err := a.restart.Clear(); err != nil {
		return fmt.Errorf("clear restart flag: %w", err)
	}

	log.Info("agent started", "agent_id", a.cfg.AgentID, "queues", a.cfg.JobQueues, "device_type", a.cfg.DeviceType)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if a.restart.Marked() {
			log.Info("restarting agent", "agent_id", a.cfg.AgentID)
			return ErrRestart
		}

		job, err := a.api.Poll(ctx, a.cfg.JobQueues)
		if err != nil && ctx.Err() == nil {
			log.Error("failed to poll for job", "agent_id", a.cfg.AgentID, "error", err)
		}
		if err != nil || job == nil {
			if sleepErr := a.sleep(ctx, a.cfg.PollInterval); sleepErr != nil {
				return nil
			}
			continue
		}

		if err := a.RunJob(ctx, job); err != nil {
			if errors.Is(err, ErrQuarantined) {
				log.Error("agent going offline", "agent_id", a.cfg.AgentID, "job_id", job.ID, "error", err)
				return err
			}
			log.Error("job failed", "agent_id", a.cfg.AgentID, "job_id", job.ID, "error", err)
		}
	}
}

// RunJob drives job through every phase it asks for. Cleanup runs even
// when an earlier phase fails or the job is cancelled, unless the device
// was left in an unknown state.
func (a *Agent) RunJob(ctx context.Context, job *client.Job) error {
	driver, err := a.registry.New(a.cfg.DeviceType)
	if err != nil {
		return err
	}

	r := &jobRun{
		agent:    a,
		job:      job,
		driver:   driver,
		workDir:  filepath.Join(a.cfg.ExecutionBasedir, job.ID.String()),
		uploader: newUploader(ctx, a.api, job.ID),
		status:   map[string]any{},
	}
	if err := os.MkdirAll(r.workDir, 0o755); err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(r.workDir); err != nil {
			log.Warn("failed to remove working directory", "path", r.workDir, "error", err)
		}
	}()

	log.Info("starting job", "agent_id", a.cfg.AgentID, "job_id", job.ID)
	r.emit(ctx, lifecycle.EventJobStart, "")
	err = r.run(ctx)
	r.emit(ctx, lifecycle.EventJobEnd, "")
	log.Info("job finished", "agent_id", a.cfg.AgentID, "job_id", job.ID, "status", r.status)
	return err
}

type jobRun struct {
	agent    *Agent
	job      *client.Job
	driver   provision.Driver
	workDir  string
	uploader *uploader
	status   map[string]any
}

func (r *jobRun) run(ctx context.Context) error {
	stopped := false

	for _, phase := range lifecycle.Phases {
		if !shouldRun(phase, r.job.Data) {
			continue
		}
		if phase == lifecycle.PhaseCleanup {
			break
		}
		if stopped {
			continue
		}

		if r.cancelled(ctx) {
			r.emit(ctx, lifecycle.EventCancelled, "")
			stopped = true
			continue
		}

		code, err := r.runPhase(ctx, phase)
		if code == provision.ExitRecoveryError {
			return r.quarantine(ctx, phase, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if code != 0 && phase != lifecycle.PhaseTest {
			stopped = true
			continue
		}

		if phase == lifecycle.PhaseAllocate && code == 0 {
			if err := r.holdAllocation(ctx); err != nil {
				return err
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if code, err := r.runPhase(ctx, lifecycle.PhaseCleanup); code == provision.ExitRecoveryError {
		return r.quarantine(ctx, lifecycle.PhaseCleanup, err)
	}
	r.post(ctx, map[string]any{"job_state": string(lifecycle.StateCompleted)})
	r.emit(ctx, lifecycle.EventNormalExit, "")
	return nil
}

func (r *jobRun) quarantine(ctx context.Context, phase lifecycle.Phase, err error) error {
	if err == nil {
		err = provision.NewRecoveryError("device left in unknown state", nil)
	}
	r.emit(ctx, lifecycle.EventRecoveryFail, err.Error())
	r.post(ctx, map[string]any{"job_state": string(lifecycle.StateCompleted)})
	return fmt.Errorf("%w: %s: %v", ErrQuarantined, phase, err)
}

func (r *jobRun) runPhase(ctx context.Context, phase lifecycle.Phase) (int, error) {
	r.post(ctx, map[string]any{"job_state": string(phase.State())})
	r.emit(ctx, phase.Start(), "")

	code, err := r.execute(ctx, phase)

	r.status[string(phase)] = code
	update := map[string]any{"status": map[string]any{string(phase): code}}
	if err != nil {
		if records, rerr := provision.ReadErrorRecords(filepath.Join(r.workDir, errorFile)); rerr == nil {
			if record, ok := records[provision.ErrorRecordKey(phase)]; ok {
				update[provision.ErrorRecordKey(phase)] = record
			}
		}
	}
	r.post(ctx, update)

	var exit *provision.ExitError
	if errors.As(err, &exit) && exit.Reason != "" {
		r.emit(ctx, lifecycle.Event(exit.Reason), exit.Error())
	}
	if code == 0 {
		r.emit(ctx, phase.Success(), "")
	} else {
		r.emit(ctx, phase.Fail(), fmt.Sprintf("exit code %d", code))
	}
	return code, err
}

func (r *jobRun) execute(ctx context.Context, phase lifecycle.Phase) (int, error) {
	out := r.uploader.Writer(phase, lifecycle.LogTypeOutput)

	if phase == lifecycle.PhaseSetup {
		return r.setup(out)
	}

	cfg := r.agent.cfg
	stage := &provision.Stage{
		Config:  &cfg.Device,
		Job:     &provision.Job{ID: r.job.ID, Data: r.job.Data},
		WorkDir: r.workDir,
		Output:  out,
	}
	if phase == lifecycle.PhaseTest {
		stage.GlobalTimeout = boundedTimeout(r.job.Data, "global_timeout", cfg.GlobalTimeout)
		stage.OutputTimeout = boundedTimeout(r.job.Data, "output_timeout", cfg.OutputTimeout)
	}

	if phase == lifecycle.PhaseProvision && cfg.Device.SerialHost != "" && cfg.Device.SerialPort != 0 {
		stop := r.agent.serial(ctx, serial.Config{
			Host: cfg.Device.SerialHost,
			Port: cfg.Device.SerialPort,
		}, r.uploader.Writer(phase, lifecycle.LogTypeSerial))
		defer stop()
	}

	code, err := provision.Invoke(ctx, r.driver, phase, stage, filepath.Join(r.workDir, errorFile))

	if phase == lifecycle.PhaseAllocate && code == 0 {
		info, ierr := device.ReadDeviceInfo(r.workDir)
		if ierr != nil {
			return provision.ExitProvisioningError, provision.NewProvisioningError("failed to read device info", ierr)
		}
		if info != nil {
			r.post(ctx, map[string]any{"device_info": info})
		}
	}
	return code, err
}

func (r *jobRun) setup(out io.Writer) (int, error) {
	fmt.Fprintf(out, "Starting job %s on %s\n", r.job.ID, r.agent.cfg.AgentID)

	buf, err := json.MarshalIndent(r.job.Data, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(r.workDir, jobFile), buf, 0o644)
	}
	if err != nil {
		fmt.Fprintf(out, "Failed to write job data: %v\n", err)
		return provision.ExitProvisioningError, err
	}
	return 0, nil
}

// holdAllocation keeps the device allocated until the job is finished by
// its parent.
func (r *jobRun) holdAllocation(ctx context.Context) error {
	r.post(ctx, map[string]any{"job_state": string(lifecycle.StateAllocated)})
	log.Info("device allocated, waiting for parent job", "job_id", r.job.ID)

	for {
		state, err := r.agent.api.JobState(ctx, r.job.ID)
		if err != nil {
			log.Warn("failed to read job state", "job_id", r.job.ID, "error", err)
		} else if lifecycle.State(state).Terminal() {
			return nil
		}
		if err := r.agent.sleep(ctx, r.agent.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (r *jobRun) cancelled(ctx context.Context) bool {
	state, err := r.agent.api.JobState(ctx, r.job.ID)
	if err != nil {
		log.Warn("failed to read job state", "job_id", r.job.ID, "error", err)
		return false
	}
	return lifecycle.State(state) == lifecycle.StateCancelled
}

func (r *jobRun) post(ctx context.Context, partial map[string]any) {
	if err := r.agent.api.PostResult(ctx, r.job.ID, partial); err != nil {
		log.Warn("failed to post result", "job_id", r.job.ID, "error", err)
	}
}

func (r *jobRun) emit(ctx context.Context, name lifecycle.Event, detail string) {
	event := client.Event{Name: string(name), Timestamp: time.Now().UTC(), Detail: detail}
	if err := r.agent.api.PostEvents(ctx, r.job.ID, []client.Event{event}); err != nil {
		log.Warn("failed to post event", "job_id", r.job.ID, "event", name, "error", err)
	}
}

// shouldRun reports whether the job asks for phase. Setup and cleanup
// always run.
func shouldRun(phase lifecycle.Phase, data map[string]any) bool {
	switch phase {
	case lifecycle.PhaseSetup, lifecycle.PhaseCleanup:
		return true
	case lifecycle.PhaseAllocate:
		section, _ := data["allocate_data"].(map[string]any)
		allocate, _ := section["allocate"].(bool)
		return allocate
	default:
		_, ok := data[string(phase)+"_data"].(map[string]any)
		return ok
	}
}

// boundedTimeout returns the job's requested timeout capped at limit, or
// limit when the job asks for none.
func boundedTimeout(data map[string]any, key string, limit time.Duration) time.Duration {
	requested, err := provision.Seconds(data, key, 0)
	if err != nil || requested <= 0 || (limit > 0 && requested > limit) {
		return limit
	}
	return requested
}
