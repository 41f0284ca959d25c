// Package drivers registers every built-in device family.
package drivers

import (
	"github.com/caesium-cloud/fleetline/internal/provision"
	"github.com/caesium-cloud/fleetline/internal/provision/device"
	"github.com/caesium-cloud/fleetline/internal/provision/multi"
	"github.com/caesium-cloud/fleetline/internal/provision/zapper"
)

const (
	Device    = "device"
	Multi     = "multi"
	ZapperKVM = "zapper_kvm"
	ZapperIoT = "zapper_iot"
)

// Registry returns a registry holding the built-in drivers.
func Registry() *provision.Registry {
	r := provision.NewRegistry()
	r.Register(Device, device.New)
	r.Register(Multi, multi.New)
	r.Register(ZapperKVM, zapper.NewKVM)
	r.Register(ZapperIoT, zapper.NewIoT)
	return r
}
