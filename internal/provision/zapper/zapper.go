// Package zapper provisions devices by delegating to the zapper RPC
// service running on a control host.
package zapper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/caesium-cloud/fleetline/internal/provision"
	"github.com/caesium-cloud/fleetline/internal/provision/device"
	"github.com/caesium-cloud/fleetline/pkg/log"
)

const (
	// Port is where the zapper service listens.
	Port = 8000

	ReadyTimeout   = 60 * time.Second
	RequestTimeout = 90 * time.Minute

	probeInterval = time.Second
)

// ErrTimeout is matched by a TimeoutError.
var ErrTimeout = errors.New("zapper service not ready")

// TimeoutError reports that the service did not become reachable in time.
type TimeoutError struct {
	Addr    string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v at %s after %s: %v", ErrTimeout, e.Addr, e.Timeout, e.Err)
	}
	return fmt.Sprintf("%v at %s after %s", ErrTimeout, e.Addr, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// WaitReady probes the zapper port on host until it accepts a connection
// or timeout elapses.
func WaitReady(ctx context.Context, host string, timeout time.Duration) error {
	return waitReady(ctx, net.JoinHostPort(host, strconv.Itoa(Port)), timeout)
}

func waitReady(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &net.Dialer{}
	var last error
	err := retry.Do(
		func() error {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				last = err
				return err
			}
			return conn.Close()
		},
		retry.Context(ctx),
		retry.Attempts(uint(timeout/probeInterval)+1),
		retry.Delay(probeInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return nil
	}
	if last == nil {
		last = err
	}
	return &TimeoutError{Addr: addr, Timeout: timeout, Err: last}
}

// Provisioner is the routine shared by every zapper device family.
type Provisioner struct {
	// Method names the remote provisioner, e.g. KVMProvisioner.
	Method string
	// Validate turns the job into the remote call arguments. It returns a
	// *provision.ConfigError for missing or unsupported data.
	Validate func(stage *provision.Stage) ([]any, map[string]any, error)
	// PostRun runs after a successful remote provision.
	PostRun func(ctx context.Context, stage *provision.Stage) error

	port int
}

// Provision waits for the control host, validates the job and runs the
// remote provisioner, streaming its log to the stage output.
func (p *Provisioner) Provision(ctx context.Context, stage *provision.Stage) error {
	if stage.Config == nil || stage.Config.ControlHost == "" {
		return provision.NewProvisioningError("invalid device configuration", provision.Missing("control_host"))
	}
	host := stage.Config.ControlHost
	port := p.port
	if port == 0 {
		port = Port
	}

	stage.Printf("Waiting for zapper service on %s", host)
	if err := waitReady(ctx, net.JoinHostPort(host, strconv.Itoa(port)), ReadyTimeout); err != nil {
		return provision.NewProvisioningError("zapper service is not available", err)
	}

	args, kwargs, err := p.Validate(stage)
	if err != nil {
		return provision.NewProvisioningError("invalid provision_data", err)
	}

	timeout, err := provision.Seconds(stage.Job.Section("provision_data"), "zapper_provisioning_timeout", RequestTimeout)
	if err != nil {
		return provision.NewProvisioningError("invalid provision_data", err)
	}
	if timeout <= 0 {
		return provision.NewProvisioningError("invalid provision_data", &provision.ConfigError{
			Field:  "zapper_provisioning_timeout",
			Reason: "must be a positive number of seconds",
		})
	}

	log.Info("starting zapper provisioning", "job_id", stage.Job.ID, "control_host", host, "method", p.Method, "timeout", timeout)
	client := NewClient(host, port, timeout)
	if _, err := client.Provision(ctx, p.Method, args, kwargs, stage.Writer()); err != nil {
		return provision.NewProvisioningError("zapper provisioning failed", err)
	}
	stage.Printf("Provisioning via %s completed", p.Method)

	if p.PostRun != nil {
		return p.PostRun(ctx, stage)
	}
	return nil
}

// Driver is a zapper device family. Stages other than provision behave
// like the generic device.
type Driver struct {
	*device.Device
	Provisioner
}

func (d *Driver) Provision(ctx context.Context, stage *provision.Stage) error {
	return d.Provisioner.Provision(ctx, stage)
}

func baseKwargs(stage *provision.Stage) map[string]any {
	kwargs := map[string]any{}
	if stage.Config != nil {
		kwargs["agent_name"] = stage.Config.AgentName
		if stage.Config.DeviceIP != "" {
			kwargs["device_ip"] = stage.Config.DeviceIP
		}
		if script, ok := stage.Config.Extra["reboot_script"]; ok {
			kwargs["reboot_script"] = script
		}
	}
	return kwargs
}
