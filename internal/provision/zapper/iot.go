package zapper

import (
	"github.com/caesium-cloud/fleetline/internal/provision"
	"github.com/caesium-cloud/fleetline/internal/provision/device"
)

const IoTMethod = "IoTProvisioner"

var bootModes = []string{"uefi", "legacy"}

// NewIoT returns the driver for IoT devices flashed through zapper.
func NewIoT() provision.Driver {
	d := &Driver{Device: &device.Device{Sleep: device.Sleep}}
	d.Provisioner = Provisioner{Method: IoTMethod, Validate: validateIoT}
	return d
}

func validateIoT(stage *provision.Stage) ([]any, map[string]any, error) {
	pd := stage.Job.Section("provision_data")
	kwargs := baseKwargs(stage)

	preset := provision.String(pd, "preset")
	urls := provision.Strings(pd, "urls")
	switch {
	case preset != "":
		kwargs["preset"] = preset
	case len(urls) > 0:
		kwargs["urls"] = urls
	default:
		return nil, nil, &provision.ConfigError{Field: "preset", Reason: "or urls is required"}
	}

	if mode := provision.String(pd, "boot_mode"); mode != "" {
		if mode != "uefi" && mode != "legacy" {
			return nil, nil, provision.Unsupported("boot_mode", mode, bootModes...)
		}
		kwargs["boot_mode"] = mode
	}

	if email := provision.String(pd, "ubuntu_sso_email"); email != "" {
		kwargs["ubuntu_sso_email"] = email
	}
	return nil, kwargs, nil
}
