// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package vsphereclient

import (
	"github.com/vmware/govmomi/vim25/types"
)

// BuildNICAddSpec returns the device change adding a network adapter
// bound to the given network. The key is a negative placeholder unique
// within the change set; the server assigns the real key. The unit
// number is left unset for NormalizeUnitNumbers to fill in.
func BuildNICAddSpec(networkName string, network types.ManagedObjectReference, controllerKey int32, index int) types.BaseVirtualDeviceConfigSpec {
	return &types.VirtualDeviceConfigSpec{
		Operation: types.VirtualDeviceConfigSpecOperationAdd,
		Device: &types.VirtualVmxnet3{
			VirtualVmxnet: types.VirtualVmxnet{
				VirtualEthernetCard: types.VirtualEthernetCard{
					VirtualDevice: types.VirtualDevice{
						Key:           int32(-(index + 1)),
						ControllerKey: controllerKey,
						Backing: &types.VirtualEthernetCardNetworkBackingInfo{
							VirtualDeviceDeviceBackingInfo: types.VirtualDeviceDeviceBackingInfo{
								DeviceName: networkName,
							},
							Network: &network,
						},
					},
					AddressType: string(types.VirtualEthernetCardMacTypeGenerated),
				},
			},
		},
	}
}

// BuildNICRemoveSpec returns the device change removing an existing
// network adapter.
func BuildNICRemoveSpec(device types.BaseVirtualDevice) types.BaseVirtualDeviceConfigSpec {
	return &types.VirtualDeviceConfigSpec{
		Operation: types.VirtualDeviceConfigSpecOperationRemove,
		Device:    device,
	}
}

// NormalizeUnitNumbers assigns unit numbers to the devices added by
// changes so that no two devices on the same controller collide. Units
// freed by removals in the same change set are available for reuse:
// the server applies the whole set in one transaction.
func NormalizeUnitNumbers(existing []types.BaseVirtualDevice, changes []types.BaseVirtualDeviceConfigSpec) {
	used := make(map[int32]map[int32]bool)
	reserve := func(controller, unit int32) {
		if used[controller] == nil {
			used[controller] = make(map[int32]bool)
		}
		used[controller][unit] = true
	}
	for _, dev := range existing {
		vd := dev.GetVirtualDevice()
		if vd.UnitNumber != nil {
			reserve(vd.ControllerKey, *vd.UnitNumber)
		}
	}
	for _, change := range changes {
		spec := change.GetVirtualDeviceConfigSpec()
		if spec.Operation != types.VirtualDeviceConfigSpecOperationRemove || spec.Device == nil {
			continue
		}
		vd := spec.Device.GetVirtualDevice()
		if vd.UnitNumber != nil {
			delete(used[vd.ControllerKey], *vd.UnitNumber)
		}
	}
	for _, change := range changes {
		spec := change.GetVirtualDeviceConfigSpec()
		if spec.Operation != types.VirtualDeviceConfigSpecOperationAdd || spec.Device == nil {
			continue
		}
		vd := spec.Device.GetVirtualDevice()
		if vd.UnitNumber != nil {
			reserve(vd.ControllerKey, *vd.UnitNumber)
			continue
		}
		var unit int32
		for used[vd.ControllerKey][unit] {
			unit++
		}
		reserve(vd.ControllerKey, unit)
		assigned := unit
		vd.UnitNumber = &assigned
	}
}

// BuildNICAddSpec is the method form of the package function, so the
// client satisfies the provisioner's gateway contract.
func (c *Client) BuildNICAddSpec(networkName string, network types.ManagedObjectReference, controllerKey int32, index int) types.BaseVirtualDeviceConfigSpec {
	return BuildNICAddSpec(networkName, network, controllerKey, index)
}

// BuildNICRemoveSpec is the method form of the package function.
func (c *Client) BuildNICRemoveSpec(device types.BaseVirtualDevice) types.BaseVirtualDeviceConfigSpec {
	return BuildNICRemoveSpec(device)
}

// NormalizeUnitNumbers is the method form of the package function.
func (c *Client) NormalizeUnitNumbers(existing []types.BaseVirtualDevice, changes []types.BaseVirtualDeviceConfigSpec) {
	NormalizeUnitNumbers(existing, changes)
}
