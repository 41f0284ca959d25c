package zapper

import (
	"context"

	"github.com/caesium-cloud/fleetline/internal/provision"
	"github.com/caesium-cloud/fleetline/internal/provision/device"
	"github.com/caesium-cloud/fleetline/internal/sshkeys"
)

const (
	KVMMethod = "KVMProvisioner"

	defaultPassword = "ubuntu"
)

// KeyCopier installs the agent's own key on a device.
type KeyCopier interface {
	CopyID(ctx context.Context, host, username, password string) error
}

// NewKVM returns the driver for devices provisioned through a KVM.
func NewKVM() provision.Driver {
	return newKVM(nil)
}

func newKVM(copier KeyCopier) *Driver {
	d := &Driver{Device: &device.Device{Sleep: device.Sleep}}
	d.Provisioner = Provisioner{
		Method:   KVMMethod,
		Validate: validateKVM,
		PostRun: func(ctx context.Context, stage *provision.Stage) error {
			return copyAgentKey(ctx, stage, copier)
		},
	}
	return d
}

func credentials(stage *provision.Stage) (string, string) {
	testData := stage.Job.Section("test_data")
	username := provision.String(testData, "test_username")
	if username == "" {
		username = device.DefaultUsername
	}
	password := provision.String(testData, "test_password")
	if password == "" {
		password = defaultPassword
	}
	return username, password
}

func validateKVM(stage *provision.Stage) ([]any, map[string]any, error) {
	pd := stage.Job.Section("provision_data")
	kwargs := baseKwargs(stage)

	url := provision.String(pd, "url")
	alloem := provision.String(pd, "alloem_url")
	switch {
	case url != "":
		kwargs["url"] = url
	case alloem != "":
		kwargs["alloem_url"] = alloem
	default:
		return nil, nil, &provision.ConfigError{Field: "url", Reason: "or alloem_url is required"}
	}

	if tasks := provision.Strings(pd, "robot_tasks"); len(tasks) > 0 {
		kwargs["robot_tasks"] = tasks
	}

	username, password := credentials(stage)
	kwargs["username"] = username
	kwargs["password"] = password
	return nil, kwargs, nil
}

func copyAgentKey(ctx context.Context, stage *provision.Stage, copier KeyCopier) error {
	if stage.Config == nil || stage.Config.DeviceIP == "" {
		return provision.NewProvisioningError("cannot copy ssh key", provision.Missing("device_ip"))
	}

	if copier == nil {
		if stage.Config.SSHKeyPath == "" {
			stage.Printf("No ssh_key_path configured, skipping ssh key copy")
			return nil
		}
		client, err := sshkeys.New(sshkeys.Config{
			PrivateKeyPath: stage.Config.SSHKeyPath,
			KnownHostsPath: stage.Config.KnownHostsPath,
		})
		if err != nil {
			return provision.NewProvisioningError("cannot copy ssh key", err)
		}
		copier = client
	}

	username, password := credentials(stage)
	if err := copier.CopyID(ctx, stage.Config.DeviceIP, username, password); err != nil {
		return provision.NewProvisioningError("failed to copy ssh key to "+stage.Config.DeviceIP, err)
	}
	stage.Printf("Copied agent ssh key to %s@%s", username, stage.Config.DeviceIP)
	return nil
}
