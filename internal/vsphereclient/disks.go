// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package vsphereclient

import (
	"fmt"

	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// ephemeralDiskKey is the placeholder key for the not-yet-created
// ephemeral disk within a device change set.
const ephemeralDiskKey = -100

// DiskPlanner builds the device change that attaches a machine's
// ephemeral disk.
type DiskPlanner struct{}

// BuildAttachSpec returns the device change creating a thin-provisioned
// ephemeral disk in the machine's datastore directory, on the same
// controller as the base image's system disk. The unit number is left
// for NormalizeUnitNumbers to assign.
func (DiskPlanner) BuildAttachSpec(sizeMB int64, vmName string, datastore *mo.Datastore, controllerKey int32) types.BaseVirtualDeviceConfigSpec {
	return &types.VirtualDeviceConfigSpec{
		Operation:     types.VirtualDeviceConfigSpecOperationAdd,
		FileOperation: types.VirtualDeviceConfigSpecFileOperationCreate,
		Device: &types.VirtualDisk{
			VirtualDevice: types.VirtualDevice{
				Key:           ephemeralDiskKey,
				ControllerKey: controllerKey,
				Backing: &types.VirtualDiskFlatVer2BackingInfo{
					DiskMode:        string(types.VirtualDiskModePersistent),
					ThinProvisioned: types.NewBool(true),
					VirtualDeviceFileBackingInfo: types.VirtualDeviceFileBackingInfo{
						FileName: fmt.Sprintf("[%s] %s/ephemeral_disk.vmdk", datastore.Summary.Name, vmName),
					},
				},
			},
			CapacityInKB: sizeMB * 1024,
		},
	}
}
