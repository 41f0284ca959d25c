// Package multi implements the driver for jobs that coordinate several
// devices. The parent job submits one child job per device, waits for every
// child to be allocated and then drives the devices together.
package multi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/caesium-cloud/fleetline/internal/metrics"
	"github.com/caesium-cloud/fleetline/internal/provision"
	"github.com/caesium-cloud/fleetline/internal/provision/device"
	"github.com/caesium-cloud/fleetline/internal/sshkeys"
	"github.com/caesium-cloud/fleetline/pkg/client"
	"github.com/caesium-cloud/fleetline/pkg/jsonmap"
	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/google/uuid"
)

const (
	// ManifestFile lists the child jobs in the job working directory.
	ManifestFile = "job_list.json"

	DefaultAllocationTimeout = 2 * time.Hour
	DefaultPollInterval      = 10 * time.Second
)

// API is the subset of the server API the orchestrator uses.
type API interface {
	SubmitJob(ctx context.Context, jobData map[string]any) (uuid.UUID, error)
	GetResult(ctx context.Context, id uuid.UUID) (map[string]any, error)
	CancelJob(ctx context.Context, id uuid.UUID) error
}

// ChildJob links a child job to the device it was allocated.
type ChildJob struct {
	JobID      uuid.UUID      `json:"job_id"`
	DeviceInfo map[string]any `json:"device_info"`
}

// DeviceIP returns the address of the allocated device.
func (c ChildJob) DeviceIP() string {
	ip, _ := c.DeviceInfo["device_ip"].(string)
	return ip
}

// Multi is the multi-device driver.
type Multi struct {
	API          API
	Keys         sshkeys.Installer
	Sleep        device.SleepFunc
	PollInterval time.Duration
}

// New returns a multi-device driver that talks to the server named in the
// device configuration.
func New() provision.Driver {
	return &Multi{Sleep: device.Sleep, PollInterval: DefaultPollInterval}
}

// ThisJobCompleted reports whether a job in state has finished.
func ThisJobCompleted(state string) bool {
	return lifecycle.State(state).Terminal()
}

// DecorateChild returns a copy of child marked for allocation on behalf
// of parentID.
func DecorateChild(child map[string]any, parentID uuid.UUID) map[string]any {
	return jsonmap.Merge(child, map[string]any{
		"parent_job_id": parentID.String(),
		"allocate_data": map[string]any{"allocate": true},
	})
}

func (m *Multi) api(stage *provision.Stage) (API, error) {
	if m.API != nil {
		return m.API, nil
	}
	if stage.Config == nil || stage.Config.ServerAddress == "" {
		return nil, provision.Missing("server_address")
	}
	c, err := client.New(stage.Config.ServerAddress, client.WithAgentID(stage.Config.AgentName))
	if err != nil {
		return nil, err
	}
	m.API = c
	return c, nil
}

func (m *Multi) sleep(ctx context.Context, d time.Duration) error {
	if m.Sleep == nil {
		return device.Sleep(ctx, d)
	}
	return m.Sleep(ctx, d)
}

// Provision submits the child jobs and waits until all of them hold a
// device.
func (m *Multi) Provision(ctx context.Context, stage *provision.Stage) error {
	api, err := m.api(stage)
	if err != nil {
		return provision.NewProvisioningError("cannot reach server", err)
	}

	pd := stage.Job.Section("provision_data")
	children, err := childJobs(pd)
	if err != nil {
		return provision.NewProvisioningError("invalid provision_data", err)
	}
	timeout, err := provision.Seconds(pd, "allocation_timeout", DefaultAllocationTimeout)
	if err != nil {
		return provision.NewProvisioningError("invalid provision_data", err)
	}

	links := make([]ChildJob, 0, len(children))
	for i, child := range children {
		id, err := api.SubmitJob(ctx, DecorateChild(child, stage.Job.ID))
		if err != nil {
			return provision.NewProvisioningError(fmt.Sprintf("failed to submit child job %d", i+1), err)
		}
		metrics.ChildJobsSubmittedTotal.Inc()
		stage.Printf("Submitted child job %s", id)
		log.Info("submitted child job", "job_id", stage.Job.ID, "child_job_id", id)

		links = append(links, ChildJob{JobID: id})
		// children submitted so far must be cancellable by cleanup
		if err := SaveManifest(stage.WorkDir, links); err != nil {
			return provision.NewProvisioningError("failed to write job list", err)
		}
	}

	if err := m.waitAllocated(ctx, api, stage, links, timeout); err != nil {
		return err
	}
	if err := SaveManifest(stage.WorkDir, links); err != nil {
		return provision.NewProvisioningError("failed to write job list", err)
	}
	stage.Printf("All %d child jobs allocated", len(links))
	return nil
}

func (m *Multi) waitAllocated(ctx context.Context, api API, stage *provision.Stage, links []ChildJob, timeout time.Duration) error {
	interval := m.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)

	for {
		pending := 0
		for i := range links {
			if links[i].DeviceInfo != nil {
				continue
			}
			result, err := api.GetResult(ctx, links[i].JobID)
			if err != nil {
				return provision.NewProvisioningError("failed to read child job "+links[i].JobID.String(), err)
			}

			state, _ := result["job_state"].(string)
			switch {
			case lifecycle.State(state) == lifecycle.StateAllocated:
				info := jsonmap.Object(result, "device_info")
				if info == nil {
					info = map[string]any{}
				}
				links[i].DeviceInfo = info
				stage.Printf("Child job %s allocated device %s", links[i].JobID, links[i].DeviceIP())
			case ThisJobCompleted(state):
				return provision.NewProvisioningError(
					fmt.Sprintf("child job %s ended in state %s before allocation", links[i].JobID, state), nil)
			default:
				pending++
			}
		}

		if pending == 0 {
			return nil
		}

		result, err := api.GetResult(ctx, stage.Job.ID)
		if err == nil {
			if state, _ := result["job_state"].(string); ThisJobCompleted(state) {
				return provision.NewProvisioningError("job ended while waiting for child jobs", nil)
			}
		}

		if !time.Now().Before(deadline) {
			return provision.NewProvisioningError(
				fmt.Sprintf("timed out after %s waiting for %d child jobs to allocate", timeout, pending), nil)
		}
		if err := m.sleep(ctx, interval); err != nil {
			return provision.NewProvisioningError("interrupted waiting for child jobs", err)
		}
	}
}

func childJobs(pd map[string]any) ([]map[string]any, error) {
	raw, ok := pd["jobs"].([]any)
	if !ok || len(raw) == 0 {
		return nil, provision.Missing("jobs")
	}
	children := make([]map[string]any, 0, len(raw))
	for i, item := range raw {
		child, ok := item.(map[string]any)
		if !ok {
			return nil, &provision.ConfigError{Field: fmt.Sprintf("jobs[%d]", i), Reason: "must be an object"}
		}
		children = append(children, child)
	}
	return children, nil
}

func (m *Multi) FirmwareUpdate(_ context.Context, stage *provision.Stage) error {
	stage.Printf("Firmware update is not supported for multi-device jobs, skipping")
	return nil
}

// RunTest runs the job's test commands with DEVICE_IP_<n> set for every
// allocated device.
func (m *Multi) RunTest(ctx context.Context, stage *provision.Stage) error {
	links, err := LoadManifest(stage.WorkDir)
	if err != nil {
		return provision.NewProvisioningError("failed to read job list", err)
	}
	return device.RunTestCommands(ctx, stage, DeviceEnv(links))
}

// DeviceEnv numbers the allocated devices from 1.
func DeviceEnv(links []ChildJob) map[string]string {
	env := make(map[string]string, len(links))
	for i, link := range links {
		env["DEVICE_IP_"+strconv.Itoa(i+1)] = link.DeviceIP()
	}
	return env
}

func (m *Multi) Allocate(_ context.Context, stage *provision.Stage) error {
	stage.Printf("Multi-device jobs do not allocate, skipping")
	return nil
}

// Reserve installs the job's keys on every allocated device and holds all
// of them for the reservation time.
func (m *Multi) Reserve(ctx context.Context, stage *provision.Stage) error {
	links, err := LoadManifest(stage.WorkDir)
	if err != nil {
		return provision.NewProvisioningError("failed to read job list", err)
	}
	hosts := make([]string, 0, len(links))
	for _, link := range links {
		hosts = append(hosts, link.DeviceIP())
	}
	return device.Reserve(ctx, stage, m.Keys, m.sleep, hosts)
}

// Cleanup cancels the child jobs in order. Children that already finished
// are skipped; any other failure stops the remaining cancellations.
func (m *Multi) Cleanup(ctx context.Context, stage *provision.Stage) error {
	links, err := LoadManifest(stage.WorkDir)
	if err != nil {
		return provision.NewProvisioningError("failed to read job list", err)
	}
	if len(links) == 0 {
		return nil
	}

	api, err := m.api(stage)
	if err != nil {
		return provision.NewProvisioningError("cannot reach server", err)
	}

	for _, link := range links {
		err := api.CancelJob(ctx, link.JobID)
		if errors.Is(err, client.ErrAlreadyTerminal) {
			continue
		}
		if err != nil {
			return provision.NewProvisioningError("failed to cancel child job "+link.JobID.String(), err)
		}
		stage.Printf("Cancelled child job %s", link.JobID)
	}
	return nil
}

// SaveManifest writes the child job list to dir.
func SaveManifest(dir string, links []ChildJob) error {
	buf, err := json.MarshalIndent(links, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), buf, 0o644)
}

// LoadManifest reads the child job list from dir. A missing list is empty.
func LoadManifest(dir string) ([]ChildJob, error) {
	buf, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var links []ChildJob
	if err := json.Unmarshal(buf, &links); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ManifestFile, err)
	}
	return links, nil
}
