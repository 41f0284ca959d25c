// Package device implements the generic device driver. Its helpers for
// running test commands and reserving devices are shared by the other
// drivers.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caesium-cloud/fleetline/internal/provision"
	"github.com/caesium-cloud/fleetline/internal/sshkeys"
	"github.com/caesium-cloud/fleetline/pkg/log"
)

const (
	// DeviceInfoFile is written to the working directory by Allocate.
	DeviceInfoFile = "device-info.json"

	DefaultUsername       = "ubuntu"
	DefaultReserveTimeout = time.Hour
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Device drives a single device that needs no provisioning beyond the
// hook commands in its configuration.
type Device struct {
	Keys  sshkeys.Installer
	Sleep SleepFunc
}

// New returns a generic device driver.
func New() provision.Driver {
	return &Device{Sleep: Sleep}
}

func (d *Device) Provision(ctx context.Context, stage *provision.Stage) error {
	return runHook(ctx, stage, "provision_command")
}

func (d *Device) FirmwareUpdate(ctx context.Context, stage *provision.Stage) error {
	return runHook(ctx, stage, "firmware_update_command")
}

func (d *Device) RunTest(ctx context.Context, stage *provision.Stage) error {
	env := map[string]string{}
	if stage.Config != nil && stage.Config.DeviceIP != "" {
		env["DEVICE_IP"] = stage.Config.DeviceIP
	}
	return RunTestCommands(ctx, stage, env)
}

func (d *Device) Allocate(_ context.Context, stage *provision.Stage) error {
	info := map[string]any{}
	if stage.Config != nil {
		info["device_ip"] = stage.Config.DeviceIP
		info["agent_name"] = stage.Config.AgentName
	}
	if err := WriteDeviceInfo(stage.WorkDir, info); err != nil {
		return provision.NewProvisioningError("failed to record device info", err)
	}
	return nil
}

func (d *Device) Reserve(ctx context.Context, stage *provision.Stage) error {
	if stage.Config == nil || stage.Config.DeviceIP == "" {
		return provision.NewProvisioningError("cannot reserve device", provision.Missing("device_ip"))
	}
	return Reserve(ctx, stage, d.Keys, d.sleep(), []string{stage.Config.DeviceIP})
}

func (d *Device) Cleanup(ctx context.Context, stage *provision.Stage) error {
	return runHook(ctx, stage, "cleanup_command")
}

func (d *Device) sleep() SleepFunc {
	if d.Sleep == nil {
		return Sleep
	}
	return d.Sleep
}

func runHook(ctx context.Context, stage *provision.Stage, key string) error {
	var script string
	if stage.Config != nil {
		script, _ = stage.Config.Extra[key].(string)
	}
	if strings.TrimSpace(script) == "" {
		stage.Printf("No %s configured for this device, skipping", key)
		return nil
	}

	code, err := provision.RunCommand(ctx, provision.Command{
		Script: script,
		Dir:    stage.WorkDir,
		Env:    configEnv(stage, nil),
		Output: stage.Writer(),
	})
	if err != nil {
		return provision.NewProvisioningError(key+" failed", err)
	}
	if code != 0 {
		return provision.NewProvisioningError(fmt.Sprintf("%s exited with status %d", key, code), nil)
	}
	return nil
}

// RunTestCommands runs test_data.test_cmds with the device configuration
// environment merged with extra. A job without test commands passes.
func RunTestCommands(ctx context.Context, stage *provision.Stage, extra map[string]string) error {
	testData := stage.Job.Section("test_data")
	script := strings.Join(provision.Strings(testData, "test_cmds"), "\n")
	if strings.TrimSpace(script) == "" {
		stage.Printf("No test_cmds were specified, skipping test phase")
		return nil
	}

	env := configEnv(stage, extra)
	for name, value := range secretsEnv(testData) {
		env[name] = value
	}

	code, err := provision.RunCommand(ctx, provision.Command{
		Script:        script,
		Dir:           stage.WorkDir,
		Env:           env,
		Output:        stage.Writer(),
		GlobalTimeout: stage.GlobalTimeout,
		OutputTimeout: stage.OutputTimeout,
	})
	return provision.CommandResult(code, err)
}

func configEnv(stage *provision.Stage, extra map[string]string) map[string]string {
	env := map[string]string{}
	if stage.Config != nil {
		for k, v := range stage.Config.Env {
			env[k] = v
		}
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func secretsEnv(testData map[string]any) map[string]string {
	raw, _ := testData["secrets"].(map[string]any)
	env := make(map[string]string, len(raw))
	for name, value := range raw {
		if s, ok := value.(string); ok {
			env[name] = s
		}
	}
	return env
}

// Installer returns keys, or an SSH installer built from the device
// configuration.
func Installer(keys sshkeys.Installer, stage *provision.Stage) (sshkeys.Installer, error) {
	if keys != nil {
		return keys, nil
	}
	if stage.Config == nil || stage.Config.SSHKeyPath == "" {
		return nil, provision.NewProvisioningError("cannot distribute ssh keys", provision.Missing("ssh_key_path"))
	}
	client, err := sshkeys.New(sshkeys.Config{
		PrivateKeyPath: stage.Config.SSHKeyPath,
		KnownHostsPath: stage.Config.KnownHostsPath,
	})
	if err != nil {
		return nil, provision.NewProvisioningError("cannot distribute ssh keys", err)
	}
	return client, nil
}

// ReserveRequest is the decoded reservation of a job.
type ReserveRequest struct {
	Keys     []string
	Username string
	Timeout  time.Duration
}

// ParseReserve reads reserve_data and test_data.test_username.
func ParseReserve(job *provision.Job) (ReserveRequest, error) {
	reserveData := job.Section("reserve_data")
	timeout, err := provision.Seconds(reserveData, "timeout", DefaultReserveTimeout)
	if err != nil {
		return ReserveRequest{}, err
	}

	username := provision.String(job.Section("test_data"), "test_username")
	if username == "" {
		username = DefaultUsername
	}

	return ReserveRequest{
		Keys:     provision.Strings(reserveData, "ssh_keys"),
		Username: username,
		Timeout:  timeout,
	}, nil
}

// Reserve installs the job's keys on every host and holds the devices for
// the requested time. keys may be nil; an installer is only needed when the
// job asks for keys.
func Reserve(ctx context.Context, stage *provision.Stage, keys sshkeys.Installer, sleep SleepFunc, hosts []string) error {
	req, err := ParseReserve(stage.Job)
	if err != nil {
		return provision.NewProvisioningError("invalid reserve_data", err)
	}

	if len(req.Keys) > 0 {
		if keys, err = Installer(keys, stage); err != nil {
			return err
		}
		for _, host := range hosts {
			if err := keys.Install(ctx, host, req.Username, req.Keys); err != nil {
				return provision.NewProvisioningError("failed to install ssh keys on "+host, err)
			}
		}
	}

	now := time.Now().UTC()
	stage.Printf("*** DEVICE RESERVED ***")
	for _, host := range hosts {
		stage.Printf("You can now connect to %s@%s", req.Username, host)
	}
	stage.Printf("Current time:           %s", now.Format(time.RFC3339))
	stage.Printf("Reservation expires at: %s", now.Add(req.Timeout).Format(time.RFC3339))
	stage.Printf("Reservation will automatically timeout in %d seconds", int(req.Timeout.Seconds()))

	log.Info("device reserved", "job_id", stage.Job.ID, "hosts", hosts, "timeout", req.Timeout)
	if err := sleep(ctx, req.Timeout); err != nil {
		return fmt.Errorf("reservation interrupted: %w", err)
	}
	return nil
}

// WriteDeviceInfo stores info in dir/device-info.json.
func WriteDeviceInfo(dir string, info map[string]any) error {
	buf, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, DeviceInfoFile), buf, 0o644)
}

// ReadDeviceInfo loads dir/device-info.json. A missing file yields nil.
func ReadDeviceInfo(dir string) (map[string]any, error) {
	buf, err := os.ReadFile(filepath.Join(dir, DeviceInfoFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info := map[string]any{}
	if err := json.Unmarshal(buf, &info); err != nil {
		return nil, fmt.Errorf("decode %s: %w", DeviceInfoFile, err)
	}
	return info, nil
}
